package network

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"libra/storage"
	"libra/transfer"
	"libra/wire"
)

// SendFileChunks sends a FileOffer for path followed by every chunk as a
// FileChunk message. Progress is reported on progress after each chunk.
func SendFileChunks(ctx context.Context, ch Channel, path string, chunkSize int, progress chan<- transfer.Progress) error {
	if chunkSize <= 0 {
		chunkSize = transfer.DefaultChunkSize
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %q: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%q is a directory", path)
	}
	checksum, err := transfer.Checksum(path)
	if err != nil {
		return err
	}

	name := filepath.Base(path)
	total := info.Size()
	offer := wire.FileOffer{
		FileName:   name,
		FileSize:   total,
		ChunkCount: transfer.ChunkCount(total, chunkSize),
		Checksum:   checksum,
	}
	if err := SendMessage(ctx, ch, offer); err != nil {
		return err
	}

	var sent int64
	for chunk, err := range transfer.Split(path, chunkSize) {
		if err != nil {
			return err
		}
		if err := SendMessage(ctx, ch, wire.FileChunk{
			Seq:      chunk.Seq,
			Data:     chunk.Data,
			FileName: name,
			FileSize: total,
		}); err != nil {
			return fmt.Errorf("chunk %d: %w", chunk.Seq, err)
		}
		sent += int64(len(chunk.Data))
		transfer.Report(ctx, progress, transfer.Progress{FileName: name, BytesTransferred: sent, TotalBytes: total})
	}

	transfer.Report(ctx, progress, transfer.Progress{FileName: name, BytesTransferred: sent, TotalBytes: total, Done: true})
	return nil
}

// SendFile streams path to peerID over its active channel using the
// configured chunk size. The transfer fails with ErrChannelReplaced if the
// channel is swapped out part way.
func (m *Manager) SendFile(ctx context.Context, peerID, path string, progress chan<- transfer.Progress) error {
	entry := m.peer(peerID)
	entry.mu.Lock()
	ch := entry.active
	entry.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("%w: %s", ErrNoChannel, peerID)
	}

	m.log.WithFields(logrus.Fields{
		"peer_id": peerID,
		"file":    filepath.Base(path),
		"kind":    ch.Kind().String(),
	}).Info("Sending file")
	return SendFileChunks(ctx, pinnedChannel{Channel: ch, entry: entry}, path, m.options.ChunkSize, progress)
}

// pinnedChannel sends each frame under the peer lock and only while its
// channel is still the peer's authoritative one.
type pinnedChannel struct {
	Channel
	entry *peerEntry
}

func (p pinnedChannel) Send(ctx context.Context, payload []byte) error {
	p.entry.mu.Lock()
	defer p.entry.mu.Unlock()
	if p.entry.active != p.Channel {
		return fmt.Errorf("%w: %s", ErrChannelReplaced, p.PeerID())
	}
	return p.Channel.Send(ctx, payload)
}

// ReceiveFileChunks reads FileChunk messages from ch until chunkCount
// distinct sequence numbers have arrived, then reassembles them into
// outputPath. Other message kinds and undecodable frames are skipped. The
// result must be exactly expectedSize bytes.
func ReceiveFileChunks(ctx context.Context, ch Channel, outputPath string, expectedSize int64, chunkCount int, progress chan<- transfer.Progress) error {
	if expectedSize < 0 || chunkCount < 0 {
		return fmt.Errorf("%w: negative size or chunk count", wire.ErrMalformedWireMessage)
	}

	assembly := newFileAssembly(wire.FileOffer{
		FileName:   filepath.Base(outputPath),
		FileSize:   expectedSize,
		ChunkCount: chunkCount,
	}, outputPath)
	assembly.anyName = true
	assembly.progress = progress

	if err := collectChunks(ctx, ch, assembly); err != nil {
		return err
	}
	if err := assembly.reassemble(); err != nil {
		return err
	}
	transfer.Report(ctx, progress, assembly.snapshot(true))
	return nil
}

// ReceiveFile waits for a FileOffer on ch, receives its chunks into
// FilesDir, verifies the offered checksum and records the file.
func (m *Manager) ReceiveFile(ctx context.Context, ch Channel, progress chan<- transfer.Progress) (storage.FileMetadata, error) {
	var offer wire.FileOffer
	for {
		msg, err := RecvMessage(ctx, ch)
		if err != nil {
			if errors.Is(err, wire.ErrMalformedWireMessage) {
				m.drops.add(DropMalformed)
				continue
			}
			return storage.FileMetadata{}, err
		}
		if o, ok := msg.(wire.FileOffer); ok {
			offer = o
			break
		}
	}

	assembly, err := m.beginFileAssembly(ch.PeerID(), offer)
	if err != nil {
		return storage.FileMetadata{}, err
	}
	assembly.progress = progress

	if err := collectChunks(ctx, ch, assembly); err != nil {
		return storage.FileMetadata{}, err
	}
	return m.completeFile(ctx, assembly, progress)
}

func collectChunks(ctx context.Context, ch Channel, assembly *fileAssembly) error {
	for !assembly.complete() {
		msg, err := RecvMessage(ctx, ch)
		if err != nil {
			if errors.Is(err, wire.ErrMalformedWireMessage) {
				continue
			}
			return err
		}
		chunk, ok := msg.(wire.FileChunk)
		if !ok {
			continue
		}
		if err := assembly.add(chunk); err != nil {
			return err
		}
		transfer.Report(ctx, assembly.progress, assembly.snapshot(false))
	}
	return nil
}

func (m *Manager) beginFileAssembly(peerID string, offer wire.FileOffer) (*fileAssembly, error) {
	if err := validateOffer(offer, m.options.MaxFileSize); err != nil {
		return nil, err
	}
	outputPath := filepath.Join(m.options.FilesDir, prefixedFilename(uuid.NewString(), offer.FileName))
	assembly := newFileAssembly(offer, outputPath)
	assembly.peerID = peerID
	return assembly, nil
}

// completeFile reassembles, verifies and records an assembly whose chunks
// have all arrived. A file that fails verification is removed.
func (m *Manager) completeFile(ctx context.Context, assembly *fileAssembly, progress chan<- transfer.Progress) (storage.FileMetadata, error) {
	if err := assembly.reassemble(); err != nil {
		return storage.FileMetadata{}, err
	}
	if err := transfer.VerifyChecksum(assembly.outputPath, assembly.offer.Checksum); err != nil {
		_ = os.Remove(assembly.outputPath)
		return storage.FileMetadata{}, err
	}

	meta := storage.FileMetadata{
		FileName:  assembly.offer.FileName,
		FilePath:  assembly.outputPath,
		FileHash:  assembly.offer.Checksum,
		FileSize:  assembly.offer.FileSize,
		PeerID:    assembly.peerID,
		Timestamp: time.Now(),
	}
	if m.options.Files != nil {
		id, err := m.options.Files.InsertFileMetadata(meta)
		if err != nil {
			return storage.FileMetadata{}, err
		}
		meta.ID = id
	}
	if m.options.OnFile != nil {
		m.options.OnFile(meta)
	}

	transfer.Report(ctx, progress, assembly.snapshot(true))
	return meta, nil
}

// validateOffer rejects offers that are malformed or larger than maxSize.
// maxSize <= 0 means DefaultMaxFileSize.
func validateOffer(offer wire.FileOffer, maxSize int64) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	name := filepath.Base(offer.FileName)
	if offer.FileName == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return fmt.Errorf("%w: invalid file name %q", wire.ErrMalformedWireMessage, offer.FileName)
	}
	if offer.FileSize < 0 || offer.ChunkCount < 0 {
		return fmt.Errorf("%w: negative size or chunk count", wire.ErrMalformedWireMessage)
	}
	if offer.FileSize > maxSize {
		return fmt.Errorf("%w: file size %d exceeds limit %d", wire.ErrMalformedWireMessage, offer.FileSize, maxSize)
	}
	if offer.ChunkCount > MaxOfferChunks {
		return fmt.Errorf("%w: %d chunks exceeds limit %d", wire.ErrMalformedWireMessage, offer.ChunkCount, MaxOfferChunks)
	}
	if (offer.FileSize == 0) != (offer.ChunkCount == 0) || int64(offer.ChunkCount) > offer.FileSize {
		return fmt.Errorf("%w: %d chunks cannot carry %d bytes", wire.ErrMalformedWireMessage, offer.ChunkCount, offer.FileSize)
	}
	if offer.Checksum == "" {
		return fmt.Errorf("%w: checksum is required", wire.ErrMalformedWireMessage)
	}
	return nil
}

func prefixedFilename(fileID, filename string) string {
	base := filepath.Base(filename)
	if base == "" || base == "." || base == ".." {
		base = "file.bin"
	}
	return fileID + "_" + base
}

// fileAssembly accumulates the chunks of one inbound file. Memory is bounded
// by the offered size: a repeated seq replaces the earlier bytes.
type fileAssembly struct {
	peerID     string
	offer      wire.FileOffer
	outputPath string
	// anyName accepts chunks regardless of their file_name.
	anyName bool

	chunks   map[int][]byte
	received int64

	progress chan<- transfer.Progress
}

func newFileAssembly(offer wire.FileOffer, outputPath string) *fileAssembly {
	return &fileAssembly{
		offer:      offer,
		outputPath: outputPath,
		chunks:     make(map[int][]byte),
	}
}

func (a *fileAssembly) add(chunk wire.FileChunk) error {
	if chunk.Seq < 0 || chunk.Seq >= a.offer.ChunkCount {
		return fmt.Errorf("%w: chunk seq %d outside 0..%d", wire.ErrMalformedWireMessage, chunk.Seq, a.offer.ChunkCount-1)
	}
	if !a.anyName && chunk.FileName != a.offer.FileName {
		return fmt.Errorf("%w: chunk for %q during transfer of %q", wire.ErrMalformedWireMessage, chunk.FileName, a.offer.FileName)
	}

	received := a.received + int64(len(chunk.Data)-len(a.chunks[chunk.Seq]))
	if received > a.offer.FileSize {
		return fmt.Errorf("%w: received %d bytes, offered %d", transfer.ErrTransferIntegrityMismatch, received, a.offer.FileSize)
	}
	a.received = received
	a.chunks[chunk.Seq] = chunk.Data
	return nil
}

func (a *fileAssembly) complete() bool {
	return len(a.chunks) == a.offer.ChunkCount
}

func (a *fileAssembly) snapshot(done bool) transfer.Progress {
	return transfer.Progress{
		FileName:         a.offer.FileName,
		BytesTransferred: a.received,
		TotalBytes:       a.offer.FileSize,
		Done:             done,
	}
}

func (a *fileAssembly) reassemble() error {
	if a.received != a.offer.FileSize {
		return fmt.Errorf("%w: received %d bytes, expected %d", transfer.ErrTransferIntegrityMismatch, a.received, a.offer.FileSize)
	}
	chunks := make([]transfer.Chunk, 0, len(a.chunks))
	for seq, data := range a.chunks {
		chunks = append(chunks, transfer.Chunk{Seq: seq, Data: data})
	}
	if err := transfer.Reassemble(chunks, a.outputPath); err != nil {
		return err
	}
	a.chunks = nil
	return nil
}

func (a *fileAssembly) discard() {
	a.chunks = nil
}
