// Package secrets encrypts integration credentials at rest.
package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/retention/backend/internal/domain/integration"
)

const (
	// MinKeyLength is the minimum length of the configured encryption key
	MinKeyLength = 32

	envelopeVersion = "v1"
	hkdfInfo        = "retention-backend/integration-credentials/v1"
)

var (
	ErrKeyTooShort      = fmt.Errorf("secrets: encryption key must be at least %d characters", MinKeyLength)
	ErrMalformedPayload = errors.New("secrets: malformed ciphertext")
	ErrDecrypt          = errors.New("secrets: decryption failed")
)

// Cipher seals credential sets with XChaCha20-Poly1305. The integration id
// is bound as additional data so a ciphertext cannot be moved to another row.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the AEAD key from the configured secret with HKDF-SHA256
func NewCipher(secret string) (*Cipher, error) {
	if len(secret) < MinKeyLength {
		return nil, ErrKeyTooShort
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("secrets: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: init cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext into "v1:<base64(nonce|ciphertext)>"
func (c *Cipher) Seal(plaintext, additional []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, additional)
	return envelopeVersion + ":" + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal
func (c *Cipher) Open(envelope string, additional []byte) ([]byte, error) {
	version, payload, ok := strings.Cut(envelope, ":")
	if !ok || version != envelopeVersion {
		return nil, ErrMalformedPayload
	}
	raw, err := base64.RawStdEncoding.DecodeString(payload)
	if err != nil || len(raw) < c.aead.NonceSize()+c.aead.Overhead() {
		return nil, ErrMalformedPayload
	}
	nonce, ct := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ct, additional)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// EncryptCredentials seals an integration's credential set
func (c *Cipher) EncryptCredentials(integrationID uuid.UUID, creds integration.Credentials) (string, error) {
	if creds == nil {
		creds = integration.Credentials{}
	}
	// Credentials.MarshalJSON only emits key names
	plain, err := json.Marshal(map[string]string(creds))
	if err != nil {
		return "", fmt.Errorf("secrets: encode credentials: %w", err)
	}
	return c.Seal(plain, integrationID[:])
}

// DecryptCredentials opens a credential set sealed for integrationID
func (c *Cipher) DecryptCredentials(integrationID uuid.UUID, envelope string) (integration.Credentials, error) {
	if envelope == "" {
		return integration.Credentials{}, nil
	}
	plain, err := c.Open(envelope, integrationID[:])
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal(plain, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return integration.Credentials(m), nil
}
