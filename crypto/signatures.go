package crypto

import (
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
)

var pssOptions = &rsa.PSSOptions{
	SaltLength: rsa.PSSSaltLengthAuto,
	Hash:       stdcrypto.SHA256,
}

// Sign signs data with RSA-PSS over SHA-256.
func Sign(privateKey *rsa.PrivateKey, data []byte) ([]byte, error) {
	if privateKey == nil {
		return nil, errors.New("sign: private key is nil")
	}

	digest := sha256.Sum256(data)
	signature, err := rsa.SignPSS(rand.Reader, privateKey, stdcrypto.SHA256, digest[:], pssOptions)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return signature, nil
}

// VerifySignature reports whether signature is a valid PSS signature of data.
// A mismatch returns false with a nil error; only malformed input is an error.
func VerifySignature(publicKey *rsa.PublicKey, data, signature []byte) (bool, error) {
	if publicKey == nil {
		return false, errors.New("verify: public key is nil")
	}
	if len(signature) == 0 {
		return false, errors.New("verify: signature is empty")
	}

	digest := sha256.Sum256(data)
	// VerifyPSS compares the recovered hash in constant time.
	if err := rsa.VerifyPSS(publicKey, stdcrypto.SHA256, digest[:], signature, pssOptions); err != nil {
		return false, nil
	}
	return true, nil
}

// Verify is VerifySignature with malformed input folded into false.
func Verify(publicKey *rsa.PublicKey, data, signature []byte) bool {
	ok, err := VerifySignature(publicKey, data, signature)
	return err == nil && ok
}
