package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the wire form of a hybrid-encrypted message.
type Envelope struct {
	EncKey     string `json:"enc_key"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	AAD        string `json:"aad,omitempty"`
}

// HybridEncrypt seals plaintext for the holder of publicKey.
//
// A fresh AES-256 key and nonce are drawn per call; the key is wrapped with
// RSA-OAEP (SHA-256). Associated data, when given, is authenticated and carried
// in the envelope.
func HybridEncrypt(publicKey *rsa.PublicKey, plaintext, aad []byte) (Envelope, error) {
	if publicKey == nil {
		return Envelope{}, errors.New("hybrid encrypt: public key is nil")
	}

	key := make([]byte, aes256KeySize)
	if _, err := rand.Read(key); err != nil {
		return Envelope{}, fmt.Errorf("generate content key: %w", err)
	}

	ciphertext, nonce, err := Encrypt(key, plaintext, aad)
	if err != nil {
		return Envelope{}, err
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, publicKey, key, nil)
	if err != nil {
		return Envelope{}, fmt.Errorf("wrap content key: %w", err)
	}

	env := Envelope{
		EncKey:     base64.StdEncoding.EncodeToString(wrapped),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	if len(aad) > 0 {
		env.AAD = base64.StdEncoding.EncodeToString(aad)
	}
	return env, nil
}

// HybridDecrypt opens an envelope produced by HybridEncrypt.
//
// When aad is nil the envelope's own associated data is used. Every failure
// wraps ErrCryptoFailure.
func HybridDecrypt(privateKey *rsa.PrivateKey, env Envelope, aad []byte) ([]byte, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("%w: private key is nil", ErrCryptoFailure)
	}

	wrapped, err := base64.StdEncoding.DecodeString(env.EncKey)
	if err != nil {
		return nil, fmt.Errorf("%w: decode enc_key: %v", ErrCryptoFailure, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: decode nonce: %v", ErrCryptoFailure, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decode ciphertext: %v", ErrCryptoFailure, err)
	}
	if aad == nil && env.AAD != "" {
		aad, err = base64.StdEncoding.DecodeString(env.AAD)
		if err != nil {
			return nil, fmt.Errorf("%w: decode aad: %v", ErrCryptoFailure, err)
		}
	}

	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, privateKey, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap content key: %v", ErrCryptoFailure, err)
	}

	return Decrypt(key, nonce, ciphertext, aad)
}

// MarshalEnvelope encodes an envelope as JSON.
func MarshalEnvelope(env Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return raw, nil
}

// ParseEnvelope decodes a JSON envelope and checks required fields are present.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EncKey == "" || env.Nonce == "" || env.Ciphertext == "" {
		return Envelope{}, errors.New("decode envelope: missing required field")
	}
	return env, nil
}
