// Package discovery finds peers on the local network.
//
// Two mechanisms are provided: self-certifying UDP beacons that populate the
// peer store, and an mDNS advertisement of the direct listener used to find a
// known peer's LAN endpoint.
package discovery

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"libra/crypto"
)

// DropReason explains why an inbound beacon was not accepted.
type DropReason int

const (
	DropNone DropReason = iota
	DropMalformed
	DropBadPublicKey
	DropBadSignature
	DropPeerIDMismatch
	DropSelf
	DropStale
	dropReasonCount
)

func (r DropReason) String() string {
	switch r {
	case DropNone:
		return "none"
	case DropMalformed:
		return "malformed"
	case DropBadPublicKey:
		return "bad_public_key"
	case DropBadSignature:
		return "bad_signature"
	case DropPeerIDMismatch:
		return "peer_id_mismatch"
	case DropSelf:
		return "self"
	case DropStale:
		return "stale"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Beacon is a verified announcement from a peer.
type Beacon struct {
	PeerID       string
	Timestamp    time.Time
	PublicKeyPEM []byte
	PublicKey    *rsa.PublicKey
	Signature    []byte
}

type beaconPacket struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

type beaconPayload struct {
	PeerID    string `json:"peer_id"`
	Timestamp int64  `json:"timestamp"`
	PublicKey string `json:"public_key"`
}

// BuildBeacon returns a signed beacon datagram for privateKey stamped with now.
func BuildBeacon(privateKey *rsa.PrivateKey, now time.Time) ([]byte, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("build beacon: private key is nil")
	}
	publicPEM, err := crypto.MarshalPublicKeyPEM(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("build beacon: %w", err)
	}

	payload, err := json.Marshal(beaconPayload{
		PeerID:    crypto.PeerIDFromPEM(publicPEM),
		Timestamp: now.Unix(),
		PublicKey: base64.StdEncoding.EncodeToString(publicPEM),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal beacon payload: %w", err)
	}

	signature, err := crypto.Sign(privateKey, payload)
	if err != nil {
		return nil, fmt.Errorf("sign beacon: %w", err)
	}

	packet, err := json.Marshal(beaconPacket{
		Payload:   base64.StdEncoding.EncodeToString(payload),
		Signature: base64.StdEncoding.EncodeToString(signature),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal beacon: %w", err)
	}
	return packet, nil
}

// ParseBeacon decodes and verifies a beacon datagram.
//
// The signature is checked with the key embedded in the beacon, and that key
// must hash to the claimed peer ID. Any failure yields a zero Beacon and the
// reason; DropNone means the beacon is authentic.
func ParseBeacon(data []byte) (Beacon, DropReason) {
	var packet beaconPacket
	if err := json.Unmarshal(data, &packet); err != nil {
		return Beacon{}, DropMalformed
	}
	payload, err := base64.StdEncoding.DecodeString(packet.Payload)
	if err != nil || len(payload) == 0 {
		return Beacon{}, DropMalformed
	}
	signature, err := base64.StdEncoding.DecodeString(packet.Signature)
	if err != nil || len(signature) == 0 {
		return Beacon{}, DropMalformed
	}

	var fields beaconPayload
	if err := json.Unmarshal(payload, &fields); err != nil || fields.PeerID == "" {
		return Beacon{}, DropMalformed
	}
	publicPEM, err := base64.StdEncoding.DecodeString(fields.PublicKey)
	if err != nil {
		return Beacon{}, DropMalformed
	}
	publicKey, err := crypto.ParsePublicKeyPEM(publicPEM)
	if err != nil {
		return Beacon{}, DropBadPublicKey
	}

	if !crypto.Verify(publicKey, payload, signature) {
		return Beacon{}, DropBadSignature
	}
	if crypto.PeerIDFromPEM(publicPEM) != fields.PeerID {
		return Beacon{}, DropPeerIDMismatch
	}

	return Beacon{
		PeerID:       fields.PeerID,
		Timestamp:    time.Unix(fields.Timestamp, 0),
		PublicKeyPEM: publicPEM,
		PublicKey:    publicKey,
		Signature:    signature,
	}, DropNone
}
