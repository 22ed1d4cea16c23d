package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := NewVaultFromBytes(key)
	if err != nil {
		t.Fatalf("NewVaultFromBytes failed: %v", err)
	}
	return v
}

func TestSealOpen(t *testing.T) {
	v := testVault(t)

	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty", ""},
		{"short", "hello"},
		{"api_key", "abc123XYZ789"},
		{"long", "this is a very long string that represents an API secret key from an exchange"},
		{"unicode", "测试密钥 🔐"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := v.Seal(tt.plaintext)
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}
			if !strings.HasPrefix(sealed, "ENC[v1]:") {
				t.Errorf("sealed value missing version prefix: %s", sealed)
			}

			opened, err := v.Open(sealed)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if opened != tt.plaintext {
				t.Errorf("opened = %q, want %q", opened, tt.plaintext)
			}
		})
	}
}

func TestSealProducesDifferentCiphertexts(t *testing.T) {
	v := testVault(t)

	c1, _ := v.Seal("same-api-key")
	c2, _ := v.Seal("same-api-key")
	if c1 == c2 {
		t.Error("expected different ciphertexts for same plaintext")
	}
}

func TestNewVaultRejectsBadKeys(t *testing.T) {
	if _, err := NewVaultFromBytes([]byte("short")); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := NewVault("not-base64!!"); err == nil {
		t.Error("expected error for invalid base64 key")
	}
	valid := base64.StdEncoding.EncodeToString(make([]byte, KeySize))
	if _, err := NewVault(valid); err != nil {
		t.Errorf("expected valid key to load, got %v", err)
	}
}

func TestOpenRejectsInvalidCiphertext(t *testing.T) {
	v := testVault(t)

	invalids := []string{
		"",
		"not-encrypted",
		"ENC[v1]:",           // empty data
		"ENC[v1]:!!!invalid", // invalid base64
	}
	for _, invalid := range invalids {
		if _, err := v.Open(invalid); err == nil {
			t.Errorf("expected error for invalid ciphertext: %s", invalid)
		}
	}
}

func TestOpenFailsWithWrongKey(t *testing.T) {
	v := testVault(t)
	sealed, err := v.Seal("secret-value")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	other, err := NewVaultFromBytes(make([]byte, KeySize))
	if err != nil {
		t.Fatalf("NewVaultFromBytes failed: %v", err)
	}
	if _, err := other.Open(sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed with wrong key, got %v", err)
	}
}

func TestSealOpenPair(t *testing.T) {
	v := testVault(t)

	keyEnc, secretEnc, err := v.SealPair("binance-key", "binance-secret")
	if err != nil {
		t.Fatalf("SealPair failed: %v", err)
	}
	if keyEnc == secretEnc {
		t.Error("key and secret sealed to identical values")
	}

	apiKey, apiSecret, err := v.OpenPair(keyEnc, secretEnc)
	if err != nil {
		t.Fatalf("OpenPair failed: %v", err)
	}
	if apiKey != "binance-key" || apiSecret != "binance-secret" {
		t.Errorf("OpenPair = (%q, %q), want originals", apiKey, apiSecret)
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		ciphertext string
		expected   int
	}{
		{"ENC[v1]:data", 1},
		{"ENC[v2]:data", 2},
		{"ENC[v10]:data", 10},
		{"invalid", 0},
		{"ENC[vX]:data", 0},
	}
	for _, tt := range tests {
		if got := ParseVersion(tt.ciphertext); got != tt.expected {
			t.Errorf("ParseVersion(%q) = %d, want %d", tt.ciphertext, got, tt.expected)
		}
	}
}

func TestGenerateKey(t *testing.T) {
	encoded, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("generated key is not base64: %v", err)
	}
	if len(key) != KeySize {
		t.Errorf("generated key length = %d, want %d", len(key), KeySize)
	}
}
