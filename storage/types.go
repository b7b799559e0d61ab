package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrInvalidTransition indicates a message status change that would move backwards
	// or skip the acknowledgment path.
	ErrInvalidTransition = errors.New("storage: invalid message status transition")
)

// MessageStatus is the delivery state of a queued message.
// Transitions only move forward: pending, then sent, then delivered.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool {
	return s.rank() >= 0
}

// Direction distinguishes messages we queue from messages we receive.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Peer is the SQLite representation of a known remote peer.
type Peer struct {
	PeerID       string
	Nickname     string
	PublicKey    string
	Fingerprint  string
	OnionAddress string
	AddedAt      time.Time
	LastSeen     *time.Time
	Blocked      bool
}

// Message is one stored chat message.
type Message struct {
	MessageID string
	PeerID    string
	Direction Direction
	Content   string
	Timestamp time.Time
	Status    MessageStatus
}

// FileMetadata records a completed file transfer.
type FileMetadata struct {
	ID        int64
	FileName  string
	FilePath  string
	FileHash  string
	FileSize  int64
	MessageID string
	PeerID    string
	Timestamp time.Time
}

func validateDirection(direction Direction) error {
	switch direction {
	case DirectionOutbound, DirectionInbound:
		return nil
	default:
		return fmt.Errorf("invalid message direction %q", direction)
	}
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(ni sql.NullInt64) *time.Time {
	if !ni.Valid {
		return nil
	}
	v := time.UnixMilli(ni.Int64)
	return &v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

type scanner interface {
	Scan(dest ...any) error
}
