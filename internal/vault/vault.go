// Package vault encrypts promoter passwords at rest.
//
// Ciphertext is AES-256-GCM, encoded as base64(nonce || ciphertext || tag).
// Decrypted values are cached by ciphertext because the worker decrypts the
// same stored password on every login.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrKeyNotSet is returned when no encryption key is configured.
	ErrKeyNotSet = errors.New("vault: encryption key not set")
	// ErrInvalidKey is returned for keys that are not 32 bytes of hex.
	ErrInvalidKey = errors.New("vault: encryption key must be 32 bytes hex encoded")
	// ErrDecrypt wraps every decryption failure (bad encoding, wrong key, tampering).
	ErrDecrypt = errors.New("vault: decrypt failed")
	// ErrEmpty is returned when encrypting an empty value.
	ErrEmpty = errors.New("vault: empty plaintext")
)

// DefaultCacheSize bounds the decrypt cache when no size is given.
const DefaultCacheSize = 4096

// Vault encrypts and decrypts credentials with a process-wide key.
// It is safe for concurrent use.
type Vault struct {
	aead  cipher.AEAD
	cache *lru.Cache[string, string]
}

// New creates a Vault from a hex-encoded 32-byte key.
func New(hexKey string, cacheSize int) (*Vault, error) {
	if hexKey == "" {
		return nil, ErrKeyNotSet
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != 32 {
		return nil, ErrInvalidKey
	}
	return NewWithKey(key, cacheSize)
}

// NewWithKey creates a Vault from raw key bytes.
func NewWithKey(key []byte, cacheSize int) (*Vault, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}

	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create decrypt cache: %w", err)
	}

	return &Vault{aead: aead, cache: cache}, nil
}

// GenerateKey returns a random hex-encoded key suitable for New.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("rand key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// Encrypt seals plaintext with a fresh random nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmpty
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	// Seal appends to nonce: nonce || ciphertext || tag.
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	encoded := base64.StdEncoding.EncodeToString(sealed)
	v.cache.Add(encoded, plaintext)
	return encoded, nil
}

// Decrypt opens a value produced by Encrypt. Results are cached by ciphertext.
func (v *Vault) Decrypt(encoded string) (string, error) {
	if plaintext, ok := v.cache.Get(encoded); ok {
		return plaintext, nil
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode: %v", ErrDecrypt, err)
	}

	nonceSize := v.aead.NonceSize()
	if len(data) < nonceSize+v.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	v.cache.Add(encoded, string(plaintext))
	return string(plaintext), nil
}

// CacheLen returns the number of cached plaintexts.
func (v *Vault) CacheLen() int {
	return v.cache.Len()
}
