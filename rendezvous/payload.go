// Package rendezvous exchanges public keys, session info and reachability
// data between two peers over an already-open stream.
//
// Every payload is hybrid encrypted to the receiver's key. The signed variant
// also binds the payload to the sender's key, and Initiate/Respond use it for
// a mutual exchange.
package rendezvous

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"libra/crypto"
	"libra/wire"
)

// PayloadType is the type tag carried by every rendezvous payload.
const PayloadType = "rendezvous"

// SessionIDKey is the SessionInfo key holding the session identifier.
const SessionIDKey = "session_id"

// ErrHandshakeAuthenticationFailure indicates the peer's payload was not
// signed by the key it claims, or was not the peer we expected.
var ErrHandshakeAuthenticationFailure = errors.New("rendezvous: handshake authentication failure")

// NATInfo is a peer's self-reported external endpoint.
type NATInfo struct {
	ExternalIP   string `msgpack:"external_ip" json:"external_ip"`
	ExternalPort int    `msgpack:"external_port" json:"external_port"`
	NATType      string `msgpack:"nat_type,omitempty" json:"nat_type,omitempty"`
}

// Reachable reports whether a direct dial can be attempted.
func (n NATInfo) Reachable() bool {
	return n.ExternalIP != "" && n.ExternalPort > 0 && n.ExternalPort <= 65535
}

// Address returns host:port for dialing.
func (n NATInfo) Address() string {
	return net.JoinHostPort(n.ExternalIP, strconv.Itoa(n.ExternalPort))
}

// SessionInfo is opaque per-session metadata.
type SessionInfo map[string]string

// NewSessionInfo returns session info with a fresh session_id.
func NewSessionInfo() SessionInfo {
	return SessionInfo{SessionIDKey: uuid.NewString()}
}

// SessionID returns the session identifier, or "" when unset.
func (s SessionInfo) SessionID() string {
	return s[SessionIDKey]
}

// Payload is the decrypted rendezvous message.
type Payload struct {
	Type        string      `msgpack:"type"`
	PublicKey   string      `msgpack:"public_key"`
	SessionInfo SessionInfo `msgpack:"session_info"`
	NATInfo     NATInfo     `msgpack:"nat_info"`
}

// BuildPayload assembles a payload announcing publicKey.
func BuildPayload(publicKey *rsa.PublicKey, session SessionInfo, nat NATInfo) (Payload, error) {
	publicPEM, err := crypto.MarshalPublicKeyPEM(publicKey)
	if err != nil {
		return Payload{}, fmt.Errorf("build rendezvous payload: %w", err)
	}
	if session == nil {
		session = SessionInfo{}
	}
	return Payload{
		Type:        PayloadType,
		PublicKey:   string(publicPEM),
		SessionInfo: session,
		NATInfo:     nat,
	}, nil
}

// PeerPublicKey parses the public key the payload announces.
func (p Payload) PeerPublicKey() (*rsa.PublicKey, error) {
	publicKey, err := crypto.ParsePublicKeyPEM([]byte(p.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("%w: public_key: %v", wire.ErrMalformedWireMessage, err)
	}
	return publicKey, nil
}

// PeerID returns the peer ID derived from the announced key.
func (p Payload) PeerID() (string, error) {
	publicKey, err := p.PeerPublicKey()
	if err != nil {
		return "", err
	}
	return crypto.PeerID(publicKey)
}

func encodePayload(p Payload) ([]byte, error) {
	packed, err := msgpack.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("pack rendezvous payload: %w", err)
	}
	return packed, nil
}

func decodePayload(packed []byte) (Payload, error) {
	var p Payload
	if err := msgpack.Unmarshal(packed, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: unpack rendezvous payload: %v", wire.ErrMalformedWireMessage, err)
	}
	if p.Type != PayloadType {
		return Payload{}, fmt.Errorf("%w: unexpected payload type %q", wire.ErrMalformedWireMessage, p.Type)
	}
	if p.PublicKey == "" {
		return Payload{}, fmt.Errorf("%w: payload without public_key", wire.ErrMalformedWireMessage)
	}
	if p.SessionInfo == nil {
		p.SessionInfo = SessionInfo{}
	}
	return p, nil
}
