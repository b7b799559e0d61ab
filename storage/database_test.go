package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenCreatesDatabaseAndAppliesMigrations(t *testing.T) {
	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, store.Close())
	}()

	require.Equal(t, filepath.Join(dataDir, DefaultDBFileName), dbPath)
	_, err = os.Stat(dbPath)
	require.NoError(t, err, "database file not created")

	var version int
	require.NoError(t, store.db.QueryRow("PRAGMA user_version;").Scan(&version))
	require.Equal(t, len(migrations), version, "schema version")

	var journalMode string
	require.NoError(t, store.db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode))
	require.Equal(t, "wal", journalMode)

	schema := map[string][]string{
		"table": {"peers", "messages", "file_metadata", "seen_message_ids"},
		"index": {"idx_messages_peer_status_time", "idx_file_metadata_peer", "idx_seen_message_received_at"},
	}
	for kind, names := range schema {
		for _, name := range names {
			var count int
			require.NoError(t, store.db.QueryRow(
				"SELECT COUNT(1) FROM sqlite_master WHERE type = ? AND name = ?",
				kind, name,
			).Scan(&count), "look up %s %q", kind, name)
			require.Equal(t, 1, count, "missing %s %q", kind, name)
		}
	}
}

func TestSchemaRejectsUnknownMessageStatus(t *testing.T) {
	store := newTestStore(t)

	_, err := store.db.Exec(
		`INSERT INTO messages (message_id, peer_id, direction, content, timestamp, status)
		VALUES ('m1', 'peer-1', 'outbound', 'hi', 1, 'lost')`,
	)
	require.Error(t, err, "expected CHECK constraint to reject status 'lost'")
}

func TestReopenKeepsDataAndSkipsMigrations(t *testing.T) {
	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	require.NoError(t, err)
	require.NoError(t, store.AddPeer("peer-1", "", "pem", "fp"))
	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "second Close")

	reopened, _, err := Open(dataDir)
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.GetPeer("peer-1")
	require.NoError(t, err, "expected peer to survive reopen")
}
