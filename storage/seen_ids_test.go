package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMarkSeenReportsFirstDelivery(t *testing.T) {
	store := newTestStore(t)

	fresh, err := store.MarkSeen("msg-1")
	require.NoError(t, err)
	require.True(t, fresh, "expected first MarkSeen to report new")

	fresh, err = store.MarkSeen("msg-1")
	require.NoError(t, err)
	require.False(t, fresh, "expected duplicate MarkSeen to report seen")

	seen, err := store.HasSeenID("msg-1")
	require.NoError(t, err)
	require.True(t, seen)
}

func TestPruneSeen(t *testing.T) {
	store := newTestStore(t)

	_, err := store.MarkSeen("old")
	require.NoError(t, err)
	_, err = store.db.Exec(`UPDATE seen_message_ids SET received_at = 1 WHERE message_id = 'old'`)
	require.NoError(t, err, "backdate seen id")
	_, err = store.MarkSeen("new")
	require.NoError(t, err)

	removed, err := store.PruneSeen(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	seen, _ := store.HasSeenID("old")
	require.False(t, seen, "expected old ID to be pruned")
	seen, _ = store.HasSeenID("new")
	require.True(t, seen, "expected new ID to remain")
	_, err = store.PruneSeen(time.Time{})
	require.Error(t, err, "expected error for zero cutoff")
}
