package vault

import (
	"bytes"
	"errors"
	"testing"
)

func newTestVault(t *testing.T, passphrase string) *Vault {
	t.Helper()
	key, err := deriveKey(passphrase, bytes.Repeat([]byte{7}, SaltSize), testIterations)
	if err != nil {
		t.Fatalf("deriveKey: %v", err)
	}
	v, err := New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(v.Close)
	return v
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := bytes.Repeat([]byte{1}, SaltSize)

	k1, err := DeriveKey("correct horse", salt, MinIterations)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	k2, err := DeriveKey("correct horse", salt, MinIterations)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if !bytes.Equal(k1.b, k2.b) {
		t.Fatal("expected identical keys for identical passphrase and salt")
	}
	if len(k1.b) != KeySize {
		t.Errorf("expected %d byte key, got %d", KeySize, len(k1.b))
	}

	otherSalt := bytes.Repeat([]byte{2}, SaltSize)
	k3, err := DeriveKey("correct horse", otherSalt, MinIterations)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if bytes.Equal(k1.b, k3.b) {
		t.Error("expected different keys for different salts")
	}

	k1.Zero()
	if k1.b != nil {
		t.Error("expected key material to be dropped after Zero")
	}
}

func TestDeriveKeyRejectsWeakParameters(t *testing.T) {
	if _, err := DeriveKey("pw", bytes.Repeat([]byte{1}, SaltSize), 1000); err == nil {
		t.Error("expected error for low iteration count")
	}
	if _, err := DeriveKey("pw", []byte("short"), MinIterations); err == nil {
		t.Error("expected error for short salt")
	}
	if _, err := DeriveKey("", bytes.Repeat([]byte{1}, SaltSize), MinIterations); err == nil {
		t.Error("expected error for empty passphrase")
	}
}

func TestSealOpen(t *testing.T) {
	v := newTestVault(t, "pw")

	sec, err := v.Seal("pihole", "password", []byte("hunter2"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sec.Ciphertext, []byte("hunter2")) {
		t.Fatal("ciphertext contains plaintext")
	}
	if sec.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}

	got, err := v.Open(sec)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != "hunter2" {
		t.Errorf("expected 'hunter2', got %q", got)
	}

	again, err := v.Seal("pihole", "password", []byte("hunter2"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(again.Nonce, sec.Nonce) {
		t.Error("expected a fresh nonce per seal")
	}
}

func TestOpenDetectsTampering(t *testing.T) {
	v := newTestVault(t, "pw")
	sec, err := v.Seal("pihole", "password", []byte("hunter2"))
	if err != nil {
		t.Fatal(err)
	}

	flip := func(b []byte, i int) []byte {
		out := bytes.Clone(b)
		out[i] ^= 0x01
		return out
	}

	tests := []struct {
		name   string
		secret Secret
	}{
		{"ciphertext bit flip", Secret{Server: sec.Server, Field: sec.Field, Nonce: sec.Nonce, Ciphertext: flip(sec.Ciphertext, 0)}},
		{"tag bit flip", Secret{Server: sec.Server, Field: sec.Field, Nonce: sec.Nonce, Ciphertext: flip(sec.Ciphertext, len(sec.Ciphertext)-1)}},
		{"nonce bit flip", Secret{Server: sec.Server, Field: sec.Field, Nonce: flip(sec.Nonce, 3), Ciphertext: sec.Ciphertext}},
		{"moved to other server", Secret{Server: "adguard", Field: sec.Field, Nonce: sec.Nonce, Ciphertext: sec.Ciphertext}},
		{"moved to other field", Secret{Server: sec.Server, Field: "username", Nonce: sec.Nonce, Ciphertext: sec.Ciphertext}},
		{"short nonce", Secret{Server: sec.Server, Field: sec.Field, Nonce: sec.Nonce[:4], Ciphertext: sec.Ciphertext}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Open(tt.secret)
			var de *DecryptionError
			if !errors.As(err, &de) {
				t.Fatalf("expected DecryptionError, got %v", err)
			}
			if got != nil {
				t.Errorf("expected no plaintext on failure, got %q", got)
			}
		})
	}
}

func TestOpenWithWrongKey(t *testing.T) {
	v1 := newTestVault(t, "one")
	v2 := newTestVault(t, "two")

	sec, err := v1.Seal("s", "f", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	var de *DecryptionError
	if _, err := v2.Open(sec); !errors.As(err, &de) {
		t.Fatalf("expected DecryptionError, got %v", err)
	}
}

func TestClosedVault(t *testing.T) {
	v := newTestVault(t, "pw")
	sec, err := v.Seal("s", "f", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	v.Close()

	if _, err := v.Seal("s", "f", []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Seal after Close: expected ErrClosed, got %v", err)
	}
	if _, err := v.Open(sec); !errors.Is(err, ErrClosed) {
		t.Errorf("Open after Close: expected ErrClosed, got %v", err)
	}
	if v.key.b != nil {
		t.Error("expected key to be zeroed on Close")
	}
}
