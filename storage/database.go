package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultDBFileName is the SQLite file name under the data directory.
	DefaultDBFileName = "libra.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS peers (
  peer_id        TEXT PRIMARY KEY,
  nickname       TEXT NOT NULL DEFAULT '',
  public_key     TEXT NOT NULL DEFAULT '',
  fingerprint    TEXT NOT NULL DEFAULT '',
  onion_address  TEXT NOT NULL DEFAULT '',
  added_at       INTEGER NOT NULL,
  last_seen      INTEGER,
  blocked        INTEGER NOT NULL DEFAULT 0
);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id  TEXT PRIMARY KEY,
  peer_id     TEXT NOT NULL,
  direction   TEXT NOT NULL CHECK(direction IN ('outbound','inbound')) DEFAULT 'outbound',
  content     TEXT NOT NULL,
  timestamp   INTEGER NOT NULL,
  status      TEXT NOT NULL CHECK(status IN ('pending','sent','delivered')) DEFAULT 'pending'
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_peer_status_time
ON messages (peer_id, direction, status, timestamp);
`,
	`
CREATE TABLE IF NOT EXISTS file_metadata (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  file_name   TEXT NOT NULL,
  file_path   TEXT NOT NULL,
  file_hash   TEXT NOT NULL,
  file_size   INTEGER NOT NULL,
  message_id  TEXT,
  peer_id     TEXT,
  timestamp   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_file_metadata_peer
ON file_metadata (peer_id, timestamp DESC, id DESC);
`,
	`
CREATE TABLE IF NOT EXISTS seen_message_ids (
  message_id  TEXT PRIMARY KEY,
  received_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_seen_message_received_at
ON seen_message_ids (received_at);
`,
}

// Store persists peers, messages, file metadata and seen message IDs in
// one SQLite database.
type Store struct {
	db  *sql.DB
	log *logrus.Entry

	checkpointEvery time.Duration
	stopCheckpoints chan struct{}
	checkpoints     sync.WaitGroup
	closeOnce       sync.Once
}

// Open opens (or creates) libra.db under dataDir and migrates it.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens the database at dbPath in WAL mode and applies pending
// migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:              db,
		log:             logrus.WithFields(logrus.Fields{"component": "storage", "path": dbPath}),
		checkpointEvery: DefaultWALCheckpointInterval,
		stopCheckpoints: make(chan struct{}),
	}
	for _, step := range []func() error{store.enableWALMode, store.migrate, store.checkpointWAL} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	store.runCheckpoints()

	return store, nil
}

// Close stops background checkpoints and closes the database. It is idempotent.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.stopCheckpoints)
		s.checkpoints.Wait()
		closeErr = s.db.Close()
	})
	return closeErr
}

// migrate applies migrations past PRAGMA user_version in one transaction.
func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", len(migrations))); err != nil {
		return fmt.Errorf("set schema version %d: %w", len(migrations), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"from_version": version,
		"to_version":   len(migrations),
	}).Info("Applied schema migrations")
	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) runCheckpoints() {
	if s.checkpointEvery <= 0 {
		return
	}

	s.checkpoints.Add(1)
	go func() {
		defer s.checkpoints.Done()
		ticker := time.NewTicker(s.checkpointEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.checkpointWAL(); err != nil {
					s.log.WithError(err).Warn("Periodic WAL checkpoint failed")
				}
			case <-s.stopCheckpoints:
				return
			}
		}
	}()
}
