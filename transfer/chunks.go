// Package transfer splits files into ordered chunks and reassembles them.
//
// Integrity is established out of band: the sender hashes the whole file
// before transfer and the receiver compares after reassembly. Nothing in this
// package retries.
package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sort"
)

// DefaultChunkSize is the chunk size used when none is configured (64 KiB).
const DefaultChunkSize = 64 * 1024

// ErrTransferIntegrityMismatch indicates the reassembled file hash differs from the sender's.
var ErrTransferIntegrityMismatch = errors.New("transfer: integrity mismatch")

// Chunk is one piece of a file. Seq is 0-based.
type Chunk struct {
	Seq  int
	Data []byte
}

// Split returns a lazy sequence over the chunks of the file at path.
//
// Each range over the sequence re-opens the file, so the sequence can be
// restarted. A zero-byte file yields no chunks. Errors are yielded once and
// end the sequence.
func Split(path string, chunkSize int) iter.Seq2[Chunk, error] {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return func(yield func(Chunk, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(Chunk{}, fmt.Errorf("open %q: %w", path, err))
			return
		}
		defer f.Close()

		for seq := 0; ; seq++ {
			buf := make([]byte, chunkSize)
			n, err := io.ReadFull(f, buf)
			if n > 0 {
				if !yield(Chunk{Seq: seq, Data: buf[:n]}, nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			if err != nil {
				yield(Chunk{}, fmt.Errorf("read chunk %d of %q: %w", seq, path, err))
				return
			}
		}
	}
}

// ChunkCount returns how many chunks a file of size bytes splits into.
func ChunkCount(size int64, chunkSize int) int {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if size <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// Reassemble writes chunks to outputPath in ascending Seq order.
//
// Chunks may arrive in any order. When a sequence number repeats, the last
// occurrence in arrival order wins and the sequence number is written once.
// The file is written to a temporary sibling and renamed into place.
func Reassemble(chunks []Chunk, outputPath string) error {
	ordered := dedupeChunks(chunks)

	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".reassemble-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	for _, chunk := range ordered {
		if _, err := tmp.Write(chunk.Data); err != nil {
			return fmt.Errorf("write chunk %d: %w", chunk.Seq, err)
		}
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	committed = true
	return nil
}

func dedupeChunks(chunks []Chunk) []Chunk {
	latest := make(map[int]int, len(chunks))
	for i, chunk := range chunks {
		latest[chunk.Seq] = i
	}

	ordered := make([]Chunk, 0, len(latest))
	for i, chunk := range chunks {
		if latest[chunk.Seq] == i {
			ordered = append(ordered, chunk)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Seq < ordered[j].Seq
	})
	return ordered
}

// Checksum returns the SHA-256 hex digest of the file at path.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChecksum recomputes the hash of path and compares it with expected.
func VerifyChecksum(path, expected string) error {
	actual, err := Checksum(path)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("%w: %s: expected %s, got %s", ErrTransferIntegrityMismatch, filepath.Base(path), expected, actual)
	}
	return nil
}
