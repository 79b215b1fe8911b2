// Package crypto implements per-field encryption for stored account records
// using AES-256-GCM. Decryption is best-effort: a field that cannot be
// decrypted comes back as the Sentinel value instead of an error, so one
// corrupted column never makes a whole account unreadable.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Sentinel is returned for any field that fails to decrypt.
const Sentinel = "<decrypt-failed>"

// defaultPassphrase seeds the shared key used when no explicit key is
// configured. Records encrypted with the shared key stay importable across
// installations, matching the export/import behavior of stored accounts.
const defaultPassphrase = "cursor-sync-2025-shared-account-key"

type Manager struct {
	aead cipher.AEAD
}

// DeriveKey expands a passphrase into a 32-byte AES key via HKDF-SHA256.
func DeriveKey(passphrase string) []byte {
	r := hkdf.New(sha256.New, []byte(passphrase), []byte("cursor-sync"), []byte("field-encryption-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		panic(err) // hkdf over sha256 cannot fail for a 32-byte read
	}
	return key
}

// NewManager builds a Manager from a 32-byte key.
func NewManager(key []byte) (*Manager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Manager{aead: aead}, nil
}

// NewManagerFromHex builds a Manager from a 64-hex-char key string.
func NewManagerFromHex(hexKey string) (*Manager, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	return NewManager(key)
}

// NewDefaultManager builds a Manager with the shared derived key.
func NewDefaultManager() *Manager {
	m, err := NewManager(DeriveKey(defaultPassphrase))
	if err != nil {
		panic(err) // derived key is always 32 bytes
	}
	return m
}

// Encrypt encrypts a single field value. Empty input stays empty so that
// absent fields remain absent in storage.
func (m *Manager) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := m.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Empty input stays empty.
func (m *Manager) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	nonceSize := m.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := m.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// DecryptOrSentinel decrypts a field, substituting Sentinel on failure.
func (m *Manager) DecryptOrSentinel(encoded string) string {
	out, err := m.Decrypt(encoded)
	if err != nil {
		return Sentinel
	}
	return out
}

// EncryptMap encrypts every value of a string map independently.
func (m *Manager) EncryptMap(in map[string]string) (map[string]string, error) {
	if in == nil {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		enc, err := m.Encrypt(v)
		if err != nil {
			return nil, fmt.Errorf("encrypt %s: %w", k, err)
		}
		out[k] = enc
	}
	return out, nil
}

// DecryptMap decrypts every value of a string map independently, substituting
// Sentinel for values that fail.
func (m *Manager) DecryptMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = m.DecryptOrSentinel(v)
	}
	return out
}
