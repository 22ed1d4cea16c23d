// Package crypto seals exchange API credentials at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes).
	KeySize = 32
	// NonceSize is the size of the GCM nonce (12 bytes).
	NonceSize = 12

	currentVersion = 1
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Vault seals and opens secrets. Sealed values are stored as
// ENC[vN]:base64(nonce+ciphertext) so future key rotations can be
// recognized by prefix.
type Vault struct {
	aead cipher.AEAD
}

// NewVault builds a Vault from a base64-encoded 32-byte key.
func NewVault(keyBase64 string) (*Vault, error) {
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	return NewVaultFromBytes(key)
}

// NewVaultFromBytes builds a Vault from a raw 32-byte key.
func NewVaultFromBytes(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Seal encrypts a secret for storage.
func (v *Vault) Seal(plaintext string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("ENC[v%d]:%s", currentVersion, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Open decrypts a value produced by Seal.
func (v *Vault) Open(ciphertext string) (string, error) {
	if ParseVersion(ciphertext) == 0 {
		return "", ErrInvalidCiphertext
	}
	idx := strings.Index(ciphertext, "]:")
	data, err := base64.StdEncoding.DecodeString(ciphertext[idx+2:])
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < NonceSize {
		return "", ErrInvalidCiphertext
	}

	plaintext, err := v.aead.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// SealPair encrypts an API key and secret together.
func (v *Vault) SealPair(apiKey, apiSecret string) (keyEnc, secretEnc string, err error) {
	if keyEnc, err = v.Seal(apiKey); err != nil {
		return "", "", err
	}
	if secretEnc, err = v.Seal(apiSecret); err != nil {
		return "", "", err
	}
	return keyEnc, secretEnc, nil
}

// OpenPair decrypts an API key and secret just in time for a venue call.
func (v *Vault) OpenPair(keyEnc, secretEnc string) (apiKey, apiSecret string, err error) {
	if apiKey, err = v.Open(keyEnc); err != nil {
		return "", "", fmt.Errorf("open api key: %w", err)
	}
	if apiSecret, err = v.Open(secretEnc); err != nil {
		return "", "", fmt.Errorf("open api secret: %w", err)
	}
	return apiKey, apiSecret, nil
}

// ParseVersion extracts the key version from a sealed value, or 0 when
// the prefix does not match the sealed format.
func ParseVersion(ciphertext string) int {
	if !strings.HasPrefix(ciphertext, "ENC[v") {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(ciphertext, "ENC[v%d]:", &version); err != nil {
		return 0
	}
	return version
}

// GenerateKey returns a fresh random AES-256 key, base64-encoded for env storage.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
