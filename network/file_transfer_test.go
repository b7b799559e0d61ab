package network

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"libra/storage"
	"libra/transfer"
	"libra/wire"
)

func writeTestFile(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, data
}

// collectProgress drains progress until it sees a Done update.
func collectProgress(progress <-chan transfer.Progress) <-chan []transfer.Progress {
	out := make(chan []transfer.Progress, 1)
	go func() {
		var seen []transfer.Progress
		for p := range progress {
			seen = append(seen, p)
			if p.Done {
				break
			}
		}
		out <- seen
	}()
	return out
}

func lastProgress(t *testing.T, updates <-chan []transfer.Progress) transfer.Progress {
	t.Helper()

	select {
	case seen := <-updates:
		require.NotEmpty(t, seen, "no progress reported")
		return seen[len(seen)-1]
	case <-time.After(5 * time.Second):
		require.FailNow(t, "progress never finished")
		return transfer.Progress{}
	}
}

func TestSendFileChunksAndReceiveFile(t *testing.T) {
	store := newTestStore(t)
	var recorded []storage.FileMetadata
	bob := newTestManager(t, testKey(t, 1), store, func(o *Options) {
		o.OnFile = func(meta storage.FileMetadata) { recorded = append(recorded, meta) }
	})

	path, data := writeTestFile(t, "report.bin", 200*1024)
	alice, bobSide := channelPair("alice", "bob", KindRelayed)

	sendProgress := make(chan transfer.Progress, 4)
	recvProgress := make(chan transfer.Progress, 4)
	sendUpdates := collectProgress(sendProgress)
	recvUpdates := collectProgress(recvProgress)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- SendFileChunks(ctx, alice, path, 64*1024, sendProgress)
	}()

	meta, err := bob.ReceiveFile(ctx, bobSide, recvProgress)
	require.NoError(t, err)
	require.NoError(t, <-sendErr)

	got, err := os.ReadFile(meta.FilePath)
	require.NoError(t, err)
	require.True(t, bytes.Equal(got, data), "received content differs from source")
	require.Equal(t, "report.bin", meta.FileName)
	require.Equal(t, int64(len(data)), meta.FileSize)
	require.Equal(t, "alice", meta.PeerID)
	require.NotZero(t, meta.ID)
	require.True(t, strings.HasSuffix(filepath.Base(meta.FilePath), "_report.bin"), "expected prefixed file name, got %s", meta.FilePath)

	stored, err := store.GetFileMetadataByPeer("alice")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, meta.FileHash, stored[0].FileHash)
	require.Len(t, recorded, 1, "OnFile calls")

	for _, updates := range []<-chan []transfer.Progress{sendUpdates, recvUpdates} {
		final := lastProgress(t, updates)
		require.True(t, final.Done)
		require.Equal(t, int64(len(data)), final.BytesTransferred)
		require.Equal(t, int64(len(data)), final.TotalBytes)
	}
}

func TestServeAssemblesOfferedFile(t *testing.T) {
	store := newTestStore(t)
	received := make(chan storage.FileMetadata, 1)
	bob := newTestManager(t, testKey(t, 1), store, func(o *Options) {
		o.OnFile = func(meta storage.FileMetadata) { received <- meta }
	})

	path, data := writeTestFile(t, "photo.jpg", 10*1024+17)
	alice, bobSide := channelPair("alice", "bob", KindDirect)
	serveInBackground(t, bob, bobSide)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, SendFileChunks(ctx, alice, path, 4096, nil))

	select {
	case meta := <-received:
		got, err := os.ReadFile(meta.FilePath)
		require.NoError(t, err)
		require.True(t, bytes.Equal(got, data), "received content differs from source")
	case <-time.After(5 * time.Second):
		require.FailNow(t, "file never assembled")
	}
}

func TestReceiveFileChunksOutOfOrderWithDuplicates(t *testing.T) {
	alice, bob := channelPair("alice", "bob", KindDirect)
	output := filepath.Join(t.TempDir(), "out.bin")

	go func() {
		for _, chunk := range []wire.FileChunk{
			{Seq: 2, Data: []byte("ghi"), FileName: "whatever"},
			{Seq: 0, Data: []byte("xxx"), FileName: "whatever"},
			{Seq: 0, Data: []byte("abc"), FileName: "whatever"},
			{Seq: 1, Data: []byte("def"), FileName: "whatever"},
		} {
			if err := SendMessage(context.Background(), alice, chunk); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ReceiveFileChunks(ctx, bob, output, 9, 3, nil))
	got, err := os.ReadFile(output)
	require.NoError(t, err)
	require.Equal(t, "abcdefghi", string(got))
}

func TestReceiveFileChunksRejectsOutOfRangeSeq(t *testing.T) {
	alice, bob := channelPair("alice", "bob", KindDirect)
	output := filepath.Join(t.TempDir(), "out.bin")

	go func() {
		_ = SendMessage(context.Background(), alice, wire.FileChunk{Seq: 5, Data: []byte("zz"), FileName: "out.bin"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := ReceiveFileChunks(ctx, bob, output, 4, 2, nil)
	require.ErrorIs(t, err, wire.ErrMalformedWireMessage)
	_, statErr := os.Stat(output)
	require.True(t, os.IsNotExist(statErr), "output must not exist after rejection")
}

func TestReceiveFileChunksEmptyFile(t *testing.T) {
	_, bob := channelPair("alice", "bob", KindDirect)
	output := filepath.Join(t.TempDir(), "empty.bin")

	require.NoError(t, ReceiveFileChunks(context.Background(), bob, output, 0, 0, nil))
	info, err := os.Stat(output)
	require.NoError(t, err)
	require.Zero(t, info.Size())
}

func TestReceiveFileRejectsChecksumMismatch(t *testing.T) {
	store := newTestStore(t)
	bob := newTestManager(t, testKey(t, 1), store, nil)
	alice, bobSide := channelPair("alice", "bob", KindDirect)

	go func() {
		ctx := context.Background()
		_ = SendMessage(ctx, alice, wire.FileOffer{
			FileName:   "notes.txt",
			FileSize:   5,
			ChunkCount: 1,
			Checksum:   strings.Repeat("0", 64),
		})
		_ = SendMessage(ctx, alice, wire.FileChunk{Seq: 0, Data: []byte("hello"), FileName: "notes.txt", FileSize: 5})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := bob.ReceiveFile(ctx, bobSide, nil)
	require.ErrorIs(t, err, transfer.ErrTransferIntegrityMismatch)

	entries, err := os.ReadDir(bob.options.FilesDir)
	require.NoError(t, err)
	require.Empty(t, entries, "corrupt file left behind")
	stored, err := store.GetFileMetadataByPeer("alice")
	require.NoError(t, err)
	require.Empty(t, stored, "metadata recorded for corrupt file")
}

func TestValidateOffer(t *testing.T) {
	valid := wire.FileOffer{FileName: "a.txt", FileSize: 10, ChunkCount: 1, Checksum: "abc"}
	require.NoError(t, validateOffer(valid, 0))

	cases := map[string]func(*wire.FileOffer){
		"empty name":          func(o *wire.FileOffer) { o.FileName = "" },
		"dot dot":             func(o *wire.FileOffer) { o.FileName = ".." },
		"negative size":       func(o *wire.FileOffer) { o.FileSize = -1 },
		"chunks without data": func(o *wire.FileOffer) { o.FileSize = 0 },
		"more chunks than bytes": func(o *wire.FileOffer) {
			o.FileSize = 2
			o.ChunkCount = 3
		},
		"missing checksum": func(o *wire.FileOffer) { o.Checksum = "" },
		"larger than limit": func(o *wire.FileOffer) {
			o.FileSize = DefaultMaxFileSize + 1
		},
		"too many chunks": func(o *wire.FileOffer) {
			o.FileSize = 1 << 24
			o.ChunkCount = MaxOfferChunks + 1
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			offer := valid
			mutate(&offer)
			require.ErrorIs(t, validateOffer(offer, 0), wire.ErrMalformedWireMessage)
		})
	}

	t.Run("configured limit", func(t *testing.T) {
		offer := valid
		offer.FileSize = 2048
		require.NoError(t, validateOffer(offer, 4096))
		require.ErrorIs(t, validateOffer(offer, 1024), wire.ErrMalformedWireMessage)
	})
}

func TestBeginFileAssemblyRejectsHugeOffer(t *testing.T) {
	manager := newTestManager(t, testKey(t, 0), newTestStore(t), nil)

	_, err := manager.beginFileAssembly("alice", wire.FileOffer{
		FileName:   "huge.bin",
		FileSize:   1 << 40,
		ChunkCount: 1 << 24,
		Checksum:   "abc",
	})
	require.ErrorIs(t, err, wire.ErrMalformedWireMessage)
}

func TestFileAssemblyRepeatedChunkReplacesEarlierBytes(t *testing.T) {
	assembly := newFileAssembly(wire.FileOffer{FileName: "a.bin", FileSize: 8, ChunkCount: 2}, filepath.Join(t.TempDir(), "a.bin"))

	for i := 0; i < 100; i++ {
		require.NoError(t, assembly.add(wire.FileChunk{Seq: 0, Data: []byte("abcd"), FileName: "a.bin"}))
	}
	require.Len(t, assembly.chunks, 1)
	require.EqualValues(t, 4, assembly.received)
	require.False(t, assembly.complete())

	err := assembly.add(wire.FileChunk{Seq: 1, Data: []byte("too long"), FileName: "a.bin"})
	require.ErrorIs(t, err, transfer.ErrTransferIntegrityMismatch)

	require.NoError(t, assembly.add(wire.FileChunk{Seq: 1, Data: []byte("efgh"), FileName: "a.bin"}))
	require.True(t, assembly.complete())
	require.NoError(t, assembly.reassemble())

	got, err := os.ReadFile(assembly.outputPath)
	require.NoError(t, err)
	require.Equal(t, "abcdefgh", string(got))
}

func TestManagerSendFileUsesActiveChannel(t *testing.T) {
	alice := newTestManager(t, testKey(t, 0), newTestStore(t), func(o *Options) {
		o.ChunkSize = 1000
	})
	received := make(chan storage.FileMetadata, 1)
	bob := newTestManager(t, testKey(t, 1), newTestStore(t), func(o *Options) {
		o.OnFile = func(meta storage.FileMetadata) { received <- meta }
	})

	path, data := writeTestFile(t, "slides.pdf", 4500)
	require.ErrorIs(t, alice.SendFile(context.Background(), "bob", path, nil), ErrNoChannel)

	aliceSide, bobSide := channelPair("alice", "bob", KindRelayed)
	alice.Install(aliceSide)
	serveInBackground(t, bob, bobSide)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, alice.SendFile(ctx, "bob", path, nil))

	select {
	case meta := <-received:
		require.Equal(t, int64(len(data)), meta.FileSize)
		require.Equal(t, "alice", meta.PeerID)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "file never arrived")
	}
}

func TestPinnedChannelRefusesReplacedChannel(t *testing.T) {
	manager := newTestManager(t, testKey(t, 0), newTestStore(t), nil)

	first := newFakeChannel("peer-1", KindDirect)
	manager.Install(first)
	pinned := pinnedChannel{Channel: first, entry: manager.peer("peer-1")}
	require.NoError(t, SendMessage(context.Background(), pinned, wire.NewHeartbeat()))

	second := newFakeChannel("peer-1", KindRelayed)
	manager.Install(second)
	err := SendMessage(context.Background(), pinned, wire.NewHeartbeat())
	require.ErrorIs(t, err, ErrChannelReplaced)

	require.Len(t, first.messages(t), 1)
	require.Empty(t, second.messages(t))
}
