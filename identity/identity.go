// Package identity handles the subscriber email secrets: an encrypted copy
// for display and mailbox login, and a one-way hash for equality lookup. The
// plaintext address never reaches the database.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the required secret key length in bytes.
const KeySize = 32

const nonceSize = 24

// ErrDecrypt indicates the ciphertext could not be opened with the configured
// key.
var ErrDecrypt = errors.New("cannot decrypt")

// Codec encrypts and hashes email addresses with an injected key.
type Codec struct {
	key [KeySize]byte
}

// NewCodec constructs a Codec from a hex-encoded 32-byte key.
func NewCodec(hexKey string) (*Codec, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", KeySize, len(raw))
	}

	c := &Codec{}
	copy(c.key[:], raw)
	return c, nil
}

// Encrypt seals an email address. The random nonce is prepended to the
// ciphertext.
func (c *Codec) Encrypt(email string) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return secretbox.Seal(nonce[:], []byte(email), &nonce, &c.key), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (c *Codec) Decrypt(cipher []byte) (string, error) {
	if len(cipher) < nonceSize {
		return "", ErrDecrypt
	}

	var nonce [nonceSize]byte
	copy(nonce[:], cipher[:nonceSize])

	plain, ok := secretbox.Open(nil, cipher[nonceSize:], &nonce, &c.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// Hash returns the hex SHA-256 of the lowercased address, used for equality
// lookup without decryption.
func Hash(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])
}

// NewAPIToken returns a fresh opaque API token.
func NewAPIToken() string {
	return uuid.NewString()
}

// NewKey generates a random hex-encoded secret key, for bootstrapping a
// deployment.
func NewKey() (string, error) {
	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
