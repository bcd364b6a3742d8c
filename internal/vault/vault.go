// Package vault keeps server credentials encrypted at rest.
//
// A Key is derived from an operator passphrase and a persisted random salt
// with PBKDF2-HMAC-SHA256. A Vault holds that key for as long as a caller
// needs it and seals individual credential fields with AES-256-GCM, binding
// each ciphertext to its (server, field) slot. The Store persists sealed
// fields together with the salt, and the Resolver turns configuration
// references into plaintext credentials.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultIterations is the PBKDF2 work factor for new stores.
	DefaultIterations = 480000
	// MinIterations is the lowest work factor accepted from a store file.
	MinIterations = 400000
	SaltSize      = 16
	KeySize       = 32
)

// ErrClosed is returned by a Vault whose key has been dropped.
var ErrClosed = errors.New("vault: closed")

// DecryptionError reports an authentication failure while opening a sealed
// field. It means the key does not match or the ciphertext was modified, and
// is never worth retrying.
type DecryptionError struct {
	Server string
	Field  string
	Err    error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("vault: cannot decrypt %s/%s (wrong master key or tampered data): %v", e.Server, e.Field, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// Secret is one sealed credential field.
type Secret struct {
	Server     string
	Field      string
	Nonce      []byte
	Ciphertext []byte
	CreatedAt  time.Time
}

// Sealer encrypts credential fields.
type Sealer interface {
	Seal(server, field string, plaintext []byte) (Secret, error)
}

// Opener decrypts credential fields.
type Opener interface {
	Open(secret Secret) ([]byte, error)
}

// Key is a derived master key. It only lives in memory.
type Key struct {
	b []byte
}

// DeriveKey runs PBKDF2-HMAC-SHA256 over passphrase and salt. The same
// inputs always produce the same key.
func DeriveKey(passphrase string, salt []byte, iterations int) (*Key, error) {
	if iterations < MinIterations {
		return nil, fmt.Errorf("vault: %d KDF iterations is below the minimum of %d", iterations, MinIterations)
	}
	return deriveKey(passphrase, salt, iterations)
}

func deriveKey(passphrase string, salt []byte, iterations int) (*Key, error) {
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("vault: salt must be at least %d bytes, got %d", SaltSize, len(salt))
	}
	if passphrase == "" {
		return nil, errors.New("vault: empty passphrase")
	}
	b, err := pbkdf2.Key(sha256.New, passphrase, salt, iterations, KeySize)
	if err != nil {
		return nil, fmt.Errorf("vault: deriving key: %w", err)
	}
	return &Key{b: b}, nil
}

// NewSalt returns SaltSize cryptographically random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("vault: generating salt: %w", err)
	}
	return salt, nil
}

// Zero overwrites the key material.
func (k *Key) Zero() {
	if k != nil {
		clear(k.b)
		k.b = nil
	}
}

// Vault seals and opens credential fields with one master key.
type Vault struct {
	mu   sync.RWMutex
	key  *Key
	aead cipher.AEAD
	now  func() time.Time
}

// New returns a Vault that takes ownership of key. Closing the vault zeroes
// the key.
func New(key *Key) (*Vault, error) {
	if key == nil || len(key.b) != KeySize {
		return nil, errors.New("vault: invalid key")
	}
	block, err := aes.NewCipher(key.b)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{key: key, aead: aead, now: time.Now}, nil
}

// additionalData binds a ciphertext to its slot so it cannot be moved to
// another server or field.
func additionalData(server, field string) []byte {
	return []byte(server + "\x00" + field)
}

// Seal encrypts plaintext for (server, field).
func (v *Vault) Seal(server, field string, plaintext []byte) (Secret, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.aead == nil {
		return Secret{}, ErrClosed
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Secret{}, fmt.Errorf("vault: generating nonce: %w", err)
	}
	return Secret{
		Server:     server,
		Field:      field,
		Nonce:      nonce,
		Ciphertext: v.aead.Seal(nil, nonce, plaintext, additionalData(server, field)),
		CreatedAt:  v.now().UTC(),
	}, nil
}

// Open decrypts a sealed field. Any integrity failure returns a
// *DecryptionError and no data.
func (v *Vault) Open(secret Secret) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.aead == nil {
		return nil, ErrClosed
	}
	if len(secret.Nonce) != v.aead.NonceSize() {
		return nil, &DecryptionError{Server: secret.Server, Field: secret.Field, Err: errors.New("malformed nonce")}
	}

	plaintext, err := v.aead.Open(nil, secret.Nonce, secret.Ciphertext, additionalData(secret.Server, secret.Field))
	if err != nil {
		return nil, &DecryptionError{Server: secret.Server, Field: secret.Field, Err: err}
	}
	return plaintext, nil
}

// Close zeroes the master key. The vault cannot be used afterwards.
func (v *Vault) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.key.Zero()
	v.aead = nil
}
