package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const fileColumns = `
			id,
			file_name,
			file_path,
			file_hash,
			file_size,
			message_id,
			peer_id,
			timestamp`

// InsertFileMetadata records a completed transfer and returns its row ID.
func (s *Store) InsertFileMetadata(file FileMetadata) (int64, error) {
	if file.FileName == "" {
		return 0, errors.New("file_name is required")
	}
	if file.FilePath == "" {
		return 0, errors.New("file_path is required")
	}
	if file.FileHash == "" {
		return 0, errors.New("file_hash is required")
	}
	if file.FileSize < 0 {
		return 0, errors.New("file_size must be >= 0")
	}
	if file.Timestamp.IsZero() {
		file.Timestamp = time.Now()
	}

	res, err := s.db.Exec(
		`INSERT INTO file_metadata (
			file_name,
			file_path,
			file_hash,
			file_size,
			message_id,
			peer_id,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		file.FileName,
		file.FilePath,
		file.FileHash,
		file.FileSize,
		nullString(file.MessageID),
		nullString(file.PeerID),
		file.Timestamp.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert file metadata %q: %w", file.FileName, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read file metadata id: %w", err)
	}
	return id, nil
}

// GetFileMetadataByMessage returns the file attached to messageID.
func (s *Store) GetFileMetadataByMessage(messageID string) (*FileMetadata, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := s.db.QueryRow(`SELECT`+fileColumns+`
		FROM file_metadata
		WHERE message_id = ?
		ORDER BY id DESC
		LIMIT 1`,
		messageID,
	)
	file, err := scanFileMetadata(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get file metadata for message %q: %w", messageID, err)
	}
	return file, nil
}

// GetFileMetadataByPeer lists files exchanged with peerID, newest first.
func (s *Store) GetFileMetadataByPeer(peerID string) ([]FileMetadata, error) {
	if peerID == "" {
		return nil, errors.New("peer_id is required")
	}

	rows, err := s.db.Query(`SELECT`+fileColumns+`
		FROM file_metadata
		WHERE peer_id = ?
		ORDER BY timestamp DESC, id DESC`,
		peerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list file metadata for peer %q: %w", peerID, err)
	}
	defer rows.Close()

	files := make([]FileMetadata, 0)
	for rows.Next() {
		file, err := scanFileMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file metadata row: %w", err)
		}
		files = append(files, *file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file metadata rows: %w", err)
	}
	return files, nil
}

func scanFileMetadata(row scanner) (*FileMetadata, error) {
	var (
		file      FileMetadata
		messageID sql.NullString
		peerID    sql.NullString
		timestamp int64
	)
	if err := row.Scan(
		&file.ID,
		&file.FileName,
		&file.FilePath,
		&file.FileHash,
		&file.FileSize,
		&messageID,
		&peerID,
		&timestamp,
	); err != nil {
		return nil, err
	}
	file.MessageID = messageID.String
	file.PeerID = peerID.String
	file.Timestamp = time.UnixMilli(timestamp)
	return &file, nil
}
