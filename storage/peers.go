package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const peerColumns = `
			peer_id,
			nickname,
			public_key,
			fingerprint,
			onion_address,
			added_at,
			last_seen,
			blocked`

// AddPeer records a peer if it is not already known. An existing row is left
// untouched so a beacon cannot overwrite a pinned key or a chosen nickname.
func (s *Store) AddPeer(peerID, nickname, publicKey, fingerprint string) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO peers (
			peer_id,
			nickname,
			public_key,
			fingerprint,
			added_at
		) VALUES (?, ?, ?, ?, ?)`,
		peerID,
		nickname,
		publicKey,
		fingerprint,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert peer %q: %w", peerID, err)
	}

	return nil
}

// UpdatePeerStatus sets the last time the peer was seen. A zero time clears it.
func (s *Store) UpdatePeerStatus(peerID string, lastSeen time.Time) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}
	var seen *time.Time
	if !lastSeen.IsZero() {
		seen = &lastSeen
	}
	return s.execOnPeer("update peer status", peerID,
		`UPDATE peers SET last_seen = ? WHERE peer_id = ?`,
		nullTime(seen), peerID,
	)
}

// GetPeer fetches a peer by peer ID.
func (s *Store) GetPeer(peerID string) (*Peer, error) {
	row := s.db.QueryRow(`SELECT`+peerColumns+`
		FROM peers
		WHERE peer_id = ?`,
		peerID,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", peerID, err)
	}

	return peer, nil
}

// GetAllPeers returns all peers, most recently seen first.
func (s *Store) GetAllPeers() ([]Peer, error) {
	rows, err := s.db.Query(`SELECT` + peerColumns + `
		FROM peers
		ORDER BY last_seen IS NULL, last_seen DESC, peer_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]Peer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}

	return peers, nil
}

// SetPeerBlocked blocks or unblocks a peer.
func (s *Store) SetPeerBlocked(peerID string, blocked bool) error {
	return s.execOnPeer("set peer blocked", peerID,
		`UPDATE peers SET blocked = ? WHERE peer_id = ?`,
		boolToInt(blocked), peerID,
	)
}

// SetPeerNickname updates the local nickname for a peer.
func (s *Store) SetPeerNickname(peerID, nickname string) error {
	return s.execOnPeer("set peer nickname", peerID,
		`UPDATE peers SET nickname = ? WHERE peer_id = ?`,
		nickname, peerID,
	)
}

// SetOnionAddress records the onion address the peer is reachable at.
func (s *Store) SetOnionAddress(peerID, onionAddress string) error {
	return s.execOnPeer("set onion address", peerID,
		`UPDATE peers SET onion_address = ? WHERE peer_id = ?`,
		onionAddress, peerID,
	)
}

// RemovePeer deletes a peer by peer ID.
func (s *Store) RemovePeer(peerID string) error {
	return s.execOnPeer("remove peer", peerID, `DELETE FROM peers WHERE peer_id = ?`, peerID)
}

// IsBlocked reports whether peerID is known and blocked.
func (s *Store) IsBlocked(peerID string) (bool, error) {
	var blocked int
	err := s.db.QueryRow(`SELECT blocked FROM peers WHERE peer_id = ?`, peerID).Scan(&blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check peer blocked %q: %w", peerID, err)
	}
	return blocked == 1, nil
}

func (s *Store) execOnPeer(op, peerID, query string, args ...any) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("%s %q: %w", op, peerID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %s %q: %w", op, peerID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func scanPeer(row scanner) (*Peer, error) {
	var (
		peer     Peer
		addedAt  int64
		lastSeen sql.NullInt64
		blocked  int
	)

	if err := row.Scan(
		&peer.PeerID,
		&peer.Nickname,
		&peer.PublicKey,
		&peer.Fingerprint,
		&peer.OnionAddress,
		&addedAt,
		&lastSeen,
		&blocked,
	); err != nil {
		return nil, err
	}

	peer.AddedAt = time.UnixMilli(addedAt)
	peer.LastSeen = timePtr(lastSeen)
	peer.Blocked = blocked == 1

	return &peer, nil
}
