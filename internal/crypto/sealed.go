package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	sealedIterations = 100000
	sealedKeySize    = 32
	sealedNonceSize  = 12
	sealedSalt       = "chatgateway-config-v2"
)

// sealedCipher is the stronger replacement scheme: pbkdf2-derived key and
// AES-256-GCM with a random nonce per value, so identical plaintexts never
// encrypt identically. Decrypt also accepts legacy-format values, which
// allows migrating a store in place.
type sealedCipher struct {
	gcm    cipher.AEAD
	legacy Cipher
}

// NewSealedCipher builds the random-nonce AES-GCM cipher from a passphrase.
func NewSealedCipher(passphrase string) (Cipher, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("encryption passphrase must not be empty")
	}

	key := pbkdf2.Key([]byte(passphrase), []byte(sealedSalt), sealedIterations, sealedKeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	legacy, err := NewLegacyCipher(passphrase)
	if err != nil {
		return nil, err
	}

	return &sealedCipher{gcm: gcm, legacy: legacy}, nil
}

const sealedPrefix = EncPrefix + "v2:"

func (c *sealedCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || strings.HasPrefix(plaintext, EncPrefix) {
		return plaintext, nil
	}

	nonce := make([]byte, sealedNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(append(nonce, sealed...)), nil
}

func (c *sealedCipher) Decrypt(value string) (string, error) {
	if value == "" || !strings.HasPrefix(value, EncPrefix) {
		return value, nil
	}
	if !strings.HasPrefix(value, sealedPrefix) {
		return c.legacy.Decrypt(value)
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(data) < sealedNonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plain, err := c.gcm.Open(nil, data[:sealedNonceSize], data[sealedNonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plain), nil
}
