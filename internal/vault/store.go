package vault

import (
	"cmp"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.yaml.in/yaml/v3"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/fsutil"
)

const (
	storeVersion  = 1
	kdfAlgorithm  = "pbkdf2-hmac-sha256"
	verifierSlot  = "_vault"
	verifierField = "verifier"
	verifierToken = "yk-dns-sync"
)

var (
	// ErrNotFound is returned when no secret is stored for a (server, field).
	ErrNotFound = errors.New("vault: secret not found")
	// ErrNotInitialized is returned by operations that need a salt before
	// Init was run.
	ErrNotInitialized = errors.New("vault: store not initialized")
	// ErrInitialized is returned by Init on a store that already has a salt.
	// Regenerating the salt silently would orphan every stored secret.
	ErrInitialized = errors.New("vault: store already initialized")
)

type kdfParams struct {
	Algorithm  string `yaml:"algorithm"`
	Iterations int    `yaml:"iterations"`
	Salt       string `yaml:"salt"`
}

type sealedField struct {
	Server     string    `yaml:"server"`
	Field      string    `yaml:"field"`
	Nonce      string    `yaml:"nonce"`
	Ciphertext string    `yaml:"ciphertext"`
	CreatedAt  time.Time `yaml:"created_at"`
}

type storeFile struct {
	Version  int           `yaml:"version"`
	KDF      kdfParams     `yaml:"kdf"`
	Verifier *sealedField  `yaml:"verifier,omitempty"`
	Secrets  []sealedField `yaml:"secrets"`
}

// Ref names a stored secret without exposing it.
type Ref struct {
	Server    string
	Field     string
	CreatedAt time.Time
}

// Store persists sealed credential fields and the KDF salt in one YAML file.
// Every change rewrites the file atomically; the lock is held only around
// the in-memory update and the write.
type Store struct {
	path          string
	log           logr.Logger
	iterations    int
	minIterations int

	mu  sync.Mutex
	doc storeFile
}

// Open loads the store at path. A missing file yields an empty,
// uninitialized store.
func Open(path string, log logr.Logger) (*Store, error) {
	s := &Store{path: path, log: log, iterations: DefaultIterations, minIterations: MinIterations}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("reading secret store: %w", err)
	}

	if err := yaml.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("parsing secret store: %w", err)
	}
	if s.doc.Version != storeVersion {
		return nil, fmt.Errorf("secret store: unsupported version %d", s.doc.Version)
	}
	if s.doc.KDF.Algorithm != kdfAlgorithm {
		return nil, fmt.Errorf("secret store: unsupported KDF %q", s.doc.KDF.Algorithm)
	}
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Initialized reports whether a salt has been generated.
func (s *Store) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.KDF.Salt != ""
}

// Init generates the salt, derives the master key from passphrase and
// persists a verifier token. The returned vault must be closed by the caller.
func (s *Store) Init(passphrase string) (*Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.KDF.Salt != "" {
		return nil, ErrInitialized
	}

	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(passphrase, salt, s.iterations)
	if err != nil {
		return nil, err
	}
	v, err := New(key)
	if err != nil {
		key.Zero()
		return nil, err
	}

	verifier, err := v.Seal(verifierSlot, verifierField, []byte(verifierToken))
	if err != nil {
		v.Close()
		return nil, err
	}
	enc := encodeSecret(verifier)
	next := storeFile{
		Version: storeVersion,
		KDF: kdfParams{
			Algorithm:  kdfAlgorithm,
			Iterations: s.iterations,
			Salt:       base64.StdEncoding.EncodeToString(salt),
		},
		Verifier: &enc,
		Secrets:  []sealedField{},
	}
	if err := s.commit(next); err != nil {
		v.Close()
		return nil, err
	}
	s.log.Info("secret store initialized", "path", s.path)
	return v, nil
}

// Unlock derives the master key from passphrase and the stored salt and
// checks it against the verifier token. A wrong passphrase yields a
// *DecryptionError.
func (s *Store) Unlock(passphrase string) (*Vault, error) {
	s.mu.Lock()
	params := s.doc.KDF
	verifier := s.doc.Verifier
	s.mu.Unlock()

	if params.Salt == "" {
		return nil, ErrNotInitialized
	}
	salt, err := base64.StdEncoding.DecodeString(params.Salt)
	if err != nil {
		return nil, fmt.Errorf("secret store: corrupt salt: %w", err)
	}
	if params.Iterations < s.minIterations {
		return nil, fmt.Errorf("secret store: %d KDF iterations is below the minimum of %d", params.Iterations, s.minIterations)
	}
	key, err := deriveKey(passphrase, salt, params.Iterations)
	if err != nil {
		return nil, err
	}
	v, err := New(key)
	if err != nil {
		key.Zero()
		return nil, err
	}

	if verifier != nil {
		sec, err := decodeSecret(*verifier)
		if err != nil {
			v.Close()
			return nil, err
		}
		token, err := v.Open(sec)
		if err != nil {
			v.Close()
			return nil, err
		}
		clear(token)
	}
	return v, nil
}

// Put seals value and stores it for (server, field), replacing any
// previous entry.
func (s *Store) Put(v Sealer, server, field, value string) error {
	plaintext := []byte(value)
	defer clear(plaintext)

	sec, err := v.Seal(server, field, plaintext)
	if err != nil {
		return err
	}
	enc := encodeSecret(sec)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.KDF.Salt == "" {
		return ErrNotInitialized
	}
	next := s.doc
	next.Secrets = make([]sealedField, 0, len(s.doc.Secrets)+1)
	replaced := false
	for _, f := range s.doc.Secrets {
		if f.Server == server && f.Field == field {
			next.Secrets = append(next.Secrets, enc)
			replaced = true
			continue
		}
		next.Secrets = append(next.Secrets, f)
	}
	if !replaced {
		next.Secrets = append(next.Secrets, enc)
	}
	return s.commit(next)
}

// Get opens the secret stored for (server, field).
func (s *Store) Get(v Opener, server, field string) (string, error) {
	s.mu.Lock()
	var found *sealedField
	for i := range s.doc.Secrets {
		if s.doc.Secrets[i].Server == server && s.doc.Secrets[i].Field == field {
			f := s.doc.Secrets[i]
			found = &f
			break
		}
	}
	s.mu.Unlock()

	if found == nil {
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, server, field)
	}
	sec, err := decodeSecret(*found)
	if err != nil {
		return "", err
	}
	plaintext, err := v.Open(sec)
	if err != nil {
		return "", err
	}
	defer clear(plaintext)
	return string(plaintext), nil
}

// Delete removes the secret for (server, field). It reports whether an
// entry existed.
func (s *Store) Delete(server, field string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc
	next.Secrets = make([]sealedField, 0, len(s.doc.Secrets))
	for _, f := range s.doc.Secrets {
		if f.Server == server && f.Field == field {
			continue
		}
		next.Secrets = append(next.Secrets, f)
	}
	if len(next.Secrets) == len(s.doc.Secrets) {
		return false, nil
	}
	return true, s.commit(next)
}

// List returns the stored (server, field) pairs, sorted.
func (s *Store) List() []Ref {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := make([]Ref, 0, len(s.doc.Secrets))
	for _, f := range s.doc.Secrets {
		refs = append(refs, Ref{Server: f.Server, Field: f.Field, CreatedAt: f.CreatedAt})
	}
	slices.SortFunc(refs, func(a, b Ref) int {
		return cmp.Or(cmp.Compare(a.Server, b.Server), cmp.Compare(a.Field, b.Field))
	})
	return refs
}

// Rotate re-encrypts every stored secret from old to next. The verifier and
// all secrets are opened first; the file is replaced only if every secret opened and sealed
// successfully, otherwise the store is left byte-for-byte unchanged.
func (s *Store) Rotate(old Opener, next Sealer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked(old, next, s.doc.KDF)
}

// ChangePassphrase rotates the store from oldPassphrase to newPassphrase.
// With regenerateSalt the new key is derived from a fresh salt, which is
// committed in the same write as the re-encrypted secrets.
func (s *Store) ChangePassphrase(oldPassphrase, newPassphrase string, regenerateSalt bool) error {
	old, err := s.Unlock(oldPassphrase)
	if err != nil {
		return err
	}
	defer old.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	params := s.doc.KDF
	salt, err := base64.StdEncoding.DecodeString(params.Salt)
	if err != nil {
		return fmt.Errorf("secret store: corrupt salt: %w", err)
	}
	if regenerateSalt {
		if salt, err = NewSalt(); err != nil {
			return err
		}
		params.Salt = base64.StdEncoding.EncodeToString(salt)
	}
	if params.Iterations < s.iterations {
		params.Iterations = s.iterations
	}

	key, err := deriveKey(newPassphrase, salt, params.Iterations)
	if err != nil {
		return err
	}
	next, err := New(key)
	if err != nil {
		key.Zero()
		return err
	}
	defer next.Close()

	if err := s.rotateLocked(old, next, params); err != nil {
		return err
	}
	s.log.Info("master passphrase changed", "secrets", len(s.doc.Secrets), "saltRegenerated", regenerateSalt)
	return nil
}

func (s *Store) rotateLocked(old Opener, next Sealer, params kdfParams) error {
	if s.doc.KDF.Salt == "" {
		return ErrNotInitialized
	}

	// With no secrets stored the verifier is the only proof that old is the
	// current key.
	if s.doc.Verifier != nil {
		sec, err := decodeSecret(*s.doc.Verifier)
		if err != nil {
			return fmt.Errorf("rotation aborted, store unchanged: %w", err)
		}
		token, err := old.Open(sec)
		if err != nil {
			return fmt.Errorf("rotation aborted, store unchanged: verifier: %w", err)
		}
		clear(token)
	}

	plaintexts := make([][]byte, len(s.doc.Secrets))
	defer func() {
		for _, p := range plaintexts {
			clear(p)
		}
	}()

	for i, f := range s.doc.Secrets {
		sec, err := decodeSecret(f)
		if err != nil {
			return fmt.Errorf("rotation aborted, store unchanged: %w", err)
		}
		p, err := old.Open(sec)
		if err != nil {
			return fmt.Errorf("rotation aborted, store unchanged: %w", err)
		}
		plaintexts[i] = p
	}

	rotated := storeFile{
		Version: storeVersion,
		KDF:     params,
		Secrets: make([]sealedField, len(s.doc.Secrets)),
	}
	for i, f := range s.doc.Secrets {
		sec, err := next.Seal(f.Server, f.Field, plaintexts[i])
		if err != nil {
			return fmt.Errorf("rotation aborted, store unchanged: re-encrypting %s/%s: %w", f.Server, f.Field, err)
		}
		sec.CreatedAt = f.CreatedAt
		rotated.Secrets[i] = encodeSecret(sec)
	}

	verifier, err := next.Seal(verifierSlot, verifierField, []byte(verifierToken))
	if err != nil {
		return fmt.Errorf("rotation aborted, store unchanged: sealing verifier: %w", err)
	}
	enc := encodeSecret(verifier)
	rotated.Verifier = &enc

	if err := s.commit(rotated); err != nil {
		return fmt.Errorf("rotation aborted, store unchanged: %w", err)
	}
	s.log.Info("secret store re-encrypted", "secrets", len(rotated.Secrets))
	return nil
}

// commit writes doc to disk and adopts it as the in-memory state. The caller
// holds s.mu.
func (s *Store) commit(doc storeFile) error {
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encoding secret store: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing secret store: %w", err)
	}
	s.doc = doc
	return nil
}

func encodeSecret(sec Secret) sealedField {
	return sealedField{
		Server:     sec.Server,
		Field:      sec.Field,
		Nonce:      base64.StdEncoding.EncodeToString(sec.Nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sec.Ciphertext),
		CreatedAt:  sec.CreatedAt,
	}
}

func decodeSecret(f sealedField) (Secret, error) {
	nonce, err := base64.StdEncoding.DecodeString(f.Nonce)
	if err != nil {
		return Secret{}, &DecryptionError{Server: f.Server, Field: f.Field, Err: fmt.Errorf("corrupt nonce: %w", err)}
	}
	ct, err := base64.StdEncoding.DecodeString(f.Ciphertext)
	if err != nil {
		return Secret{}, &DecryptionError{Server: f.Server, Field: f.Field, Err: fmt.Errorf("corrupt ciphertext: %w", err)}
	}
	return Secret{Server: f.Server, Field: f.Field, Nonce: nonce, Ciphertext: ct, CreatedAt: f.CreatedAt}, nil
}
