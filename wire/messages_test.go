package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEachKind(t *testing.T) {
	messages := []Message{
		Text{MessageID: "m-1", Content: "hello", Timestamp: 1700000000000},
		NewAck("m-1"),
		Heartbeat{Timestamp: 42},
		FileOffer{FileName: "a.bin", FileSize: 10, ChunkCount: 1, Checksum: "abc"},
		FileChunk{Seq: 3, Data: []byte{0x00, 0xff, 0x10}, FileName: "a.bin", FileSize: 10},
	}

	for _, msg := range messages {
		t.Run(msg.Kind().String(), func(t *testing.T) {
			payload, err := Encode(msg)
			require.NoError(t, err)

			decoded, err := Decode(payload)
			require.NoError(t, err)
			require.Equal(t, msg.Kind(), decoded.Kind())
			require.Equal(t, msg, decoded)
		})
	}
}

func TestFileChunkDataIsHex(t *testing.T) {
	payload, err := Encode(FileChunk{Seq: 0, Data: []byte{0xde, 0xad}, FileName: "x", FileSize: 2})
	require.NoError(t, err)
	require.Contains(t, string(payload), `"data":"dead"`)
	require.Contains(t, string(payload), `"type":"file_chunk"`)
}

func TestAckWireShape(t *testing.T) {
	payload, err := Encode(NewAck("id-7"))
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"ack","message_id":"id-7","status":"received"}`, string(payload))
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":         `{{`,
		"missing type":     `{"content":"x"}`,
		"unknown type":     `{"type":"gossip"}`,
		"text without id":  `{"type":"message","content":"x"}`,
		"ack without id":   `{"type":"ack","status":"received"}`,
		"bad hex":          `{"type":"file_chunk","seq":0,"data":"zz"}`,
		"negative seq":     `{"type":"file_chunk","seq":-1,"data":""}`,
		"negative size":    `{"type":"file_offer","file_size":-1}`,
		"wrong field type": `{"type":"heartbeat","timestamp":"soon"}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrMalformedWireMessage), "got %v", err)
		})
	}
}
