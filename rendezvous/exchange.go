package rendezvous

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"libra/crypto"
	"libra/wire"
)

// DefaultHandshakeTimeout bounds Initiate and Respond when no timeout is given.
const DefaultHandshakeTimeout = 10 * time.Second

type signedPayload struct {
	Payload   []byte `msgpack:"payload"`
	Signature string `msgpack:"signature"`
}

// Send encrypts p to peerPublicKey and writes it as one frame.
func Send(w io.Writer, peerPublicKey *rsa.PublicKey, p Payload) error {
	packed, err := encodePayload(p)
	if err != nil {
		return err
	}
	return sealAndWrite(w, peerPublicKey, packed)
}

// Receive reads one frame and decrypts it into a payload.
func Receive(r io.Reader, privateKey *rsa.PrivateKey) (Payload, error) {
	plaintext, err := readAndOpen(r, privateKey)
	if err != nil {
		return Payload{}, err
	}
	return decodePayload(plaintext)
}

// SendSigned is Send with the packed payload signed by privateKey.
func SendSigned(w io.Writer, peerPublicKey *rsa.PublicKey, privateKey *rsa.PrivateKey, p Payload) error {
	packed, err := encodePayload(p)
	if err != nil {
		return err
	}
	signature, err := crypto.Sign(privateKey, packed)
	if err != nil {
		return fmt.Errorf("sign rendezvous payload: %w", err)
	}

	inner, err := msgpack.Marshal(signedPayload{
		Payload:   packed,
		Signature: base64.StdEncoding.EncodeToString(signature),
	})
	if err != nil {
		return fmt.Errorf("pack signed payload: %w", err)
	}
	return sealAndWrite(w, peerPublicKey, inner)
}

// ReceiveSigned reads a signed payload and verifies it against the public key
// the payload itself announces.
func ReceiveSigned(r io.Reader, privateKey *rsa.PrivateKey) (Payload, error) {
	plaintext, err := readAndOpen(r, privateKey)
	if err != nil {
		return Payload{}, err
	}

	var inner signedPayload
	if err := msgpack.Unmarshal(plaintext, &inner); err != nil {
		return Payload{}, fmt.Errorf("%w: unpack signed payload: %v", wire.ErrMalformedWireMessage, err)
	}
	signature, err := base64.StdEncoding.DecodeString(inner.Signature)
	if err != nil || len(signature) == 0 {
		return Payload{}, fmt.Errorf("%w: invalid signature encoding", ErrHandshakeAuthenticationFailure)
	}

	p, err := decodePayload(inner.Payload)
	if err != nil {
		return Payload{}, err
	}
	publicKey, err := p.PeerPublicKey()
	if err != nil {
		return Payload{}, err
	}
	if !crypto.Verify(publicKey, inner.Payload, signature) {
		return Payload{}, ErrHandshakeAuthenticationFailure
	}
	return p, nil
}

func sealAndWrite(w io.Writer, peerPublicKey *rsa.PublicKey, plaintext []byte) error {
	env, err := crypto.HybridEncrypt(peerPublicKey, plaintext, nil)
	if err != nil {
		return fmt.Errorf("encrypt rendezvous payload: %w", err)
	}
	raw, err := crypto.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(w, raw); err != nil {
		return fmt.Errorf("send rendezvous payload: %w", err)
	}
	return nil
}

func readAndOpen(r io.Reader, privateKey *rsa.PrivateKey) ([]byte, error) {
	raw, err := wire.ReadFrame(r)
	if err != nil {
		return nil, fmt.Errorf("receive rendezvous payload: %w", err)
	}
	env, err := crypto.ParseEnvelope(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrMalformedWireMessage, err)
	}
	plaintext, err := crypto.HybridDecrypt(privateKey, env, nil)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// Result describes the authenticated remote side of a handshake.
type Result struct {
	PeerID        string
	PeerPublicKey *rsa.PublicKey
	Session       SessionInfo
	NATInfo       NATInfo
}

// InitiateOptions configures the dialing side of a handshake.
type InitiateOptions struct {
	PrivateKey    *rsa.PrivateKey
	PeerPublicKey *rsa.PublicKey
	Session       SessionInfo
	NATInfo       NATInfo
	Timeout       time.Duration
}

// RespondOptions configures the accepting side of a handshake.
type RespondOptions struct {
	PrivateKey *rsa.PrivateKey
	NATInfo    NATInfo
	Timeout    time.Duration
	// Authorize, when set, may reject the initiator after its signature checks out.
	Authorize func(peerID string, publicKey *rsa.PublicKey) error
}

// Initiate performs the dialing side of a mutual signed exchange on conn.
//
// The responder must answer with a payload signed by PeerPublicKey that echoes
// our session_id.
func Initiate(ctx context.Context, conn net.Conn, opts InitiateOptions) (Result, error) {
	if opts.PrivateKey == nil || opts.PeerPublicKey == nil {
		return Result{}, errors.New("initiate rendezvous: keys are required")
	}
	session := opts.Session
	if session.SessionID() == "" {
		session = NewSessionInfo()
	}

	release := bindDeadline(ctx, conn, opts.Timeout)
	defer release()

	request, err := BuildPayload(&opts.PrivateKey.PublicKey, session, opts.NATInfo)
	if err != nil {
		return Result{}, err
	}
	if err := SendSigned(conn, opts.PeerPublicKey, opts.PrivateKey, request); err != nil {
		return Result{}, contextError(ctx, err)
	}

	reply, err := ReceiveSigned(conn, opts.PrivateKey)
	if err != nil {
		return Result{}, contextError(ctx, err)
	}
	replyKey, err := reply.PeerPublicKey()
	if err != nil {
		return Result{}, err
	}
	if !replyKey.Equal(opts.PeerPublicKey) {
		return Result{}, fmt.Errorf("%w: responder key does not match expected peer", ErrHandshakeAuthenticationFailure)
	}
	if reply.SessionInfo.SessionID() != session.SessionID() {
		return Result{}, fmt.Errorf("%w: session_id mismatch", ErrHandshakeAuthenticationFailure)
	}

	return newResult(reply, replyKey)
}

// Respond performs the accepting side of a mutual signed exchange on conn.
func Respond(ctx context.Context, conn net.Conn, opts RespondOptions) (Result, error) {
	if opts.PrivateKey == nil {
		return Result{}, errors.New("respond rendezvous: private key is required")
	}

	release := bindDeadline(ctx, conn, opts.Timeout)
	defer release()

	request, err := ReceiveSigned(conn, opts.PrivateKey)
	if err != nil {
		return Result{}, contextError(ctx, err)
	}
	initiatorKey, err := request.PeerPublicKey()
	if err != nil {
		return Result{}, err
	}
	result, err := newResult(request, initiatorKey)
	if err != nil {
		return Result{}, err
	}
	if opts.Authorize != nil {
		if err := opts.Authorize(result.PeerID, initiatorKey); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrHandshakeAuthenticationFailure, err)
		}
	}

	reply, err := BuildPayload(&opts.PrivateKey.PublicKey, request.SessionInfo, opts.NATInfo)
	if err != nil {
		return Result{}, err
	}
	if err := SendSigned(conn, initiatorKey, opts.PrivateKey, reply); err != nil {
		return Result{}, contextError(ctx, err)
	}
	return result, nil
}

func newResult(p Payload, publicKey *rsa.PublicKey) (Result, error) {
	peerID, err := crypto.PeerID(publicKey)
	if err != nil {
		return Result{}, err
	}
	return Result{
		PeerID:        peerID,
		PeerPublicKey: publicKey,
		Session:       p.SessionInfo,
		NATInfo:       p.NATInfo,
	}, nil
}

// bindDeadline applies the earlier of ctx's deadline and timeout to conn and
// expires conn immediately if ctx is cancelled. The returned func clears both.
func bindDeadline(ctx context.Context, conn net.Conn, timeout time.Duration) func() {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}

func contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}
