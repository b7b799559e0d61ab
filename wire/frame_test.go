package wire

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"heartbeat","timestamp":1}`)

	var buffer bytes.Buffer
	require.NoError(t, WriteFrame(&buffer, payload))

	got, err := ReadFrame(&buffer)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestEmptyFrameRoundTrip(t *testing.T) {
	var buffer bytes.Buffer
	require.NoError(t, WriteFrame(&buffer, nil))
	got, err := ReadFrame(&buffer)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	require.ErrorIs(t, WriteFrame(&buffer, payload), ErrFrameTooLarge)
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := ReadFrame(buffer)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{0, 0, 0, 8, 'a', 'b'})
	_, err := ReadFrame(buffer)
	require.Error(t, err, "expected error for truncated payload")
}

func TestReadFrameWithTimeoutExpires(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	start := time.Now()
	_, err := ReadFrameWithTimeout(server, 50*time.Millisecond)
	require.Error(t, err)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout(), "expected timeout net.Error, got %v", err)
	require.Less(t, time.Since(start), 2*time.Second, "read did not honor deadline")
}
