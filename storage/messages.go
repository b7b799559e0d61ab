package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = `
			message_id,
			peer_id,
			direction,
			content,
			timestamp,
			status`

// InsertMessage stores a new message. Outbound messages default to pending.
func (s *Store) InsertMessage(message Message) error {
	if message.MessageID == "" {
		return errors.New("message_id is required")
	}
	if message.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if message.Direction == "" {
		message.Direction = DirectionOutbound
	}
	if err := validateDirection(message.Direction); err != nil {
		return err
	}
	if message.Status == "" {
		message.Status = StatusPending
	}
	if !message.Status.Valid() {
		return fmt.Errorf("invalid message status %q", message.Status)
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (
			message_id,
			peer_id,
			direction,
			content,
			timestamp,
			status
		) VALUES (?, ?, ?, ?, ?, ?)`,
		message.MessageID,
		message.PeerID,
		message.Direction,
		message.Content,
		message.Timestamp.UnixMilli(),
		message.Status,
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", message.MessageID, err)
	}

	return nil
}

// GetMessage fetches one message by message ID.
func (s *Store) GetMessage(messageID string) (*Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := s.db.QueryRow(`SELECT`+messageColumns+`
		FROM messages
		WHERE message_id = ?`,
		messageID,
	)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// GetMessagesByPeer returns the conversation with one peer, oldest first.
func (s *Store) GetMessagesByPeer(peerID string) ([]Message, error) {
	if peerID == "" {
		return nil, errors.New("peer_id is required")
	}
	return s.queryMessages(`SELECT`+messageColumns+`
		FROM messages
		WHERE peer_id = ?
		ORDER BY timestamp ASC, message_id ASC`,
		peerID,
	)
}

// ListPending returns outbound messages to peerID that were never sent, oldest first.
func (s *Store) ListPending(peerID string) ([]Message, error) {
	if peerID == "" {
		return nil, errors.New("peer_id is required")
	}
	return s.queryMessages(`SELECT`+messageColumns+`
		FROM messages
		WHERE peer_id = ? AND direction = ? AND status = ?
		ORDER BY timestamp ASC, message_id ASC`,
		peerID,
		DirectionOutbound,
		StatusPending,
	)
}

// PendingPeers returns the peer IDs that have at least one pending outbound message.
func (s *Store) PendingPeers() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT peer_id
		FROM messages
		WHERE direction = ? AND status = ?
		ORDER BY peer_id`,
		DirectionOutbound,
		StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending peers: %w", err)
	}
	defer rows.Close()

	peerIDs := make([]string, 0)
	for rows.Next() {
		var peerID string
		if err := rows.Scan(&peerID); err != nil {
			return nil, fmt.Errorf("scan pending peer row: %w", err)
		}
		peerIDs = append(peerIDs, peerID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending peer rows: %w", err)
	}
	return peerIDs, nil
}

// UpdateStatus moves a message forward to status. Moving backwards, or
// directly to delivered, returns ErrInvalidTransition; delivered is reached
// only through MarkDelivered. Setting the current status again is a no-op.
func (s *Store) UpdateStatus(messageID string, status MessageStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid message status %q", status)
	}
	if status == StatusDelivered {
		return fmt.Errorf("%w: delivered requires an acknowledgment", ErrInvalidTransition)
	}
	return s.advanceStatus(messageID, status)
}

// MarkDelivered records the peer's acknowledgment for messageID.
// Acknowledging an already delivered message is a no-op.
func (s *Store) MarkDelivered(messageID string) error {
	return s.advanceStatus(messageID, StatusDelivered)
}

func (s *Store) advanceStatus(messageID string, status MessageStatus) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin status update %q: %w", messageID, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var current MessageStatus
	if err := tx.QueryRow(`SELECT status FROM messages WHERE message_id = ?`, messageID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("read status %q: %w", messageID, err)
	}

	switch {
	case current == status:
		return nil
	case status.rank() < current.rank():
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current, status)
	}

	if _, err := tx.Exec(`UPDATE messages SET status = ? WHERE message_id = ?`, status, messageID); err != nil {
		return fmt.Errorf("update status %q: %w", messageID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status update %q: %w", messageID, err)
	}
	return nil
}

// DeleteMessage removes a message.
func (s *Store) DeleteMessage(messageID string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM messages WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("delete message %q: %w", messageID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for delete message %q: %w", messageID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) queryMessages(query string, args ...any) ([]Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

func scanMessage(row scanner) (*Message, error) {
	var (
		message   Message
		timestamp int64
	)
	if err := row.Scan(
		&message.MessageID,
		&message.PeerID,
		&message.Direction,
		&message.Content,
		&timestamp,
		&message.Status,
	); err != nil {
		return nil, err
	}
	message.Timestamp = time.UnixMilli(timestamp)
	return &message, nil
}
