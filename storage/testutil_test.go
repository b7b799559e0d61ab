package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	require.NoError(t, err, "open test store")
	t.Cleanup(func() {
		require.NoError(t, store.Close(), "close test store")
	})

	return store
}

func mustAddPeer(t *testing.T, store *Store, peerID string) {
	t.Helper()

	require.NoError(t, store.AddPeer(peerID, "", "pem-"+peerID, "fingerprint-"+peerID), "add peer %q", peerID)
}

func mustInsertMessage(t *testing.T, store *Store, messageID, peerID string, at time.Time) {
	t.Helper()

	require.NoError(t, store.InsertMessage(Message{
		MessageID: messageID,
		PeerID:    peerID,
		Content:   "content of " + messageID,
		Timestamp: at,
	}), "insert message %q", messageID)
}
