package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	// DefaultKeyBits is the RSA modulus size used for new identities.
	DefaultKeyBits = 2048
	// MinKeyBits rejects toy keys that cannot carry an OAEP-wrapped AES-256 key.
	MinKeyBits = 1024

	publicPEMType           = "PUBLIC KEY"
	encryptedPrivatePEMType = "LIBRA ENCRYPTED PRIVATE KEY"

	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptSaltSz = 16

	peerIDLength = 16
)

// GenerateKeyPair creates a new RSA keypair with public exponent 65537.
func GenerateKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	if bits < MinKeyBits {
		return nil, fmt.Errorf("generate RSA keypair: %d bits is below minimum %d", bits, MinKeyBits)
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA keypair: %w", err)
	}
	return privateKey, nil
}

// MarshalPublicKeyPEM encodes a public key as a SubjectPublicKeyInfo PEM block.
func MarshalPublicKeyPEM(publicKey *rsa.PublicKey) ([]byte, error) {
	if publicKey == nil {
		return nil, errors.New("marshal public key: key is nil")
	}

	der, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: publicPEMType, Bytes: der}), nil
}

// ParsePublicKeyPEM decodes a SubjectPublicKeyInfo PEM block holding an RSA key.
func ParsePublicKeyPEM(raw []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("decode public PEM: no PEM block")
	}
	if block.Type != publicPEMType {
		return nil, fmt.Errorf("decode public PEM: unexpected type %q", block.Type)
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	publicKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("parse public key: unsupported key type %T", parsed)
	}
	return publicKey, nil
}

// EncryptPrivateKey seals the PKCS#8 encoding of a private key under a passphrase.
//
// The key is derived with scrypt and the DER is sealed with AES-256-GCM. Salt
// and nonce travel as PEM headers.
func EncryptPrivateKey(privateKey *rsa.PrivateKey, passphrase []byte) ([]byte, error) {
	if privateKey == nil {
		return nil, errors.New("encrypt private key: key is nil")
	}
	if len(passphrase) == 0 {
		return nil, errors.New("encrypt private key: passphrase is required")
	}

	der, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	salt := make([]byte, scryptSaltSz)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	wrappingKey, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, aes256KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive wrapping key: %w", err)
	}

	ciphertext, nonce, err := Encrypt(wrappingKey, der, nil)
	if err != nil {
		return nil, err
	}

	block := &pem.Block{
		Type: encryptedPrivatePEMType,
		Headers: map[string]string{
			"KDF":   "scrypt",
			"Salt":  hex.EncodeToString(salt),
			"Nonce": hex.EncodeToString(nonce),
		},
		Bytes: ciphertext,
	}
	return pem.EncodeToMemory(block), nil
}

// DecryptPrivateKey opens a PEM block produced by EncryptPrivateKey.
// A wrong passphrase yields ErrCryptoFailure.
func DecryptPrivateKey(raw, passphrase []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("decode private PEM: no PEM block")
	}
	if block.Type != encryptedPrivatePEMType {
		return nil, fmt.Errorf("decode private PEM: unexpected type %q", block.Type)
	}
	if block.Headers["KDF"] != "scrypt" {
		return nil, fmt.Errorf("decode private PEM: unsupported KDF %q", block.Headers["KDF"])
	}

	salt, err := hex.DecodeString(block.Headers["Salt"])
	if err != nil || len(salt) != scryptSaltSz {
		return nil, errors.New("decode private PEM: invalid salt header")
	}
	nonce, err := hex.DecodeString(block.Headers["Nonce"])
	if err != nil {
		return nil, errors.New("decode private PEM: invalid nonce header")
	}

	wrappingKey, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, aes256KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive wrapping key: %w", err)
	}
	der, err := Decrypt(wrappingKey, nonce, block.Bytes, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap private key: %w", err)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	privateKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("parse private key: unsupported key type %T", parsed)
	}
	return privateKey, nil
}

// EnsureKeyPair loads the local RSA identity from disk, generating it on first run.
func EnsureKeyPair(privatePath, publicPath string, passphrase []byte) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	privateKey, err := LoadPrivateKey(privatePath, passphrase)
	if err == nil {
		publicKey := &privateKey.PublicKey
		stored, pubErr := LoadPublicKey(publicPath)
		if pubErr != nil || !stored.Equal(publicKey) {
			if err := SavePublicKey(publicPath, publicKey); err != nil {
				return nil, nil, err
			}
		}
		return privateKey, publicKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	privateKey, err = GenerateKeyPair(DefaultKeyBits)
	if err != nil {
		return nil, nil, err
	}
	if err := SavePrivateKey(privatePath, privateKey, passphrase); err != nil {
		return nil, nil, err
	}
	if err := SavePublicKey(publicPath, &privateKey.PublicKey); err != nil {
		return nil, nil, err
	}

	return privateKey, &privateKey.PublicKey, nil
}

// LoadPrivateKey reads and decrypts a passphrase-protected private key file.
func LoadPrivateKey(path string, passphrase []byte) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return DecryptPrivateKey(raw, passphrase)
}

// LoadPublicKey reads a public key PEM file.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return ParsePublicKeyPEM(raw)
}

// SavePrivateKey writes an encrypted private key file with 0600 permissions.
func SavePrivateKey(path string, privateKey *rsa.PrivateKey, passphrase []byte) error {
	encoded, err := EncryptPrivateKey(privateKey, passphrase)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	return nil
}

// SavePublicKey writes a public key PEM file.
func SavePublicKey(path string, publicKey *rsa.PublicKey) error {
	encoded, err := MarshalPublicKeyPEM(publicKey)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// Fingerprint returns the SHA-256 hex digest of the PEM-encoded public key.
func Fingerprint(publicKey *rsa.PublicKey) (string, error) {
	encoded, err := MarshalPublicKeyPEM(publicKey)
	if err != nil {
		return "", err
	}
	return FingerprintPEM(encoded), nil
}

// FingerprintPEM hashes an already PEM-encoded public key.
func FingerprintPEM(publicKeyPEM []byte) string {
	sum := sha256.Sum256(publicKeyPEM)
	return hex.EncodeToString(sum[:])
}

// PeerID derives the stable peer identifier: the first 16 hex characters of the fingerprint.
func PeerID(publicKey *rsa.PublicKey) (string, error) {
	fingerprint, err := Fingerprint(publicKey)
	if err != nil {
		return "", err
	}
	return fingerprint[:peerIDLength], nil
}

// PeerIDFromPEM derives the peer identifier from a PEM-encoded public key.
func PeerIDFromPEM(publicKeyPEM []byte) string {
	return FingerprintPEM(publicKeyPEM)[:peerIDLength]
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
