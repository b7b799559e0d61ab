package tor

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// ErrInflateLimit indicates compressed data inflates past the caller's limit.
var ErrInflateLimit = errors.New("tor: inflated data exceeds limit")

// Compress zlib-compresses data for transmission over a relayed channel.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates zlib data. Input that is not valid zlib is returned
// unchanged, so peers that never compress interoperate.
func Decompress(data []byte) []byte {
	out, err := DecompressLimit(data, 0)
	if err != nil {
		return data
	}
	return out
}

// DecompressLimit inflates zlib data, reading at most limit bytes of output.
// Data without a zlib header is returned unchanged. A stream that inflates
// past limit fails with ErrInflateLimit and a corrupt stream fails with the
// inflate error. limit <= 0 means no limit.
func DecompressLimit(data []byte, limit int64) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return data, nil
	}
	defer r.Close()

	var src io.Reader = r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	out, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if limit > 0 && int64(len(out)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrInflateLimit, limit)
	}
	return out, nil
}
