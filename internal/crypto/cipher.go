package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// EncPrefix marks ciphertext produced by a Cipher. Encrypting an already
// prefixed value is a no-op, which makes re-encryption idempotent.
const EncPrefix = "ENC:"

// Cipher encrypts and decrypts provider config data at rest. The legacy
// AES-CBC scheme is the persisted format; the interface exists so a
// stronger scheme can be swapped in without touching callers.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(value string) (string, error)
}

// legacyCipher implements the deployed at-rest format: AES-256-CBC with
// key = SHA256(passphrase) and IV = SHA256(passphrase+"_IV")[:16]. The IV
// is static per passphrase, so identical plaintexts encrypt identically.
// Known weakness, kept for compatibility with existing stored configs.
type legacyCipher struct {
	key []byte
	iv  []byte
}

// NewLegacyCipher builds the compatibility cipher from a passphrase.
func NewLegacyCipher(passphrase string) (Cipher, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("encryption passphrase must not be empty")
	}

	key := sha256.Sum256([]byte(passphrase))
	ivFull := sha256.Sum256([]byte(passphrase + "_IV"))

	return &legacyCipher{key: key[:], iv: ivFull[:aes.BlockSize]}, nil
}

func (c *legacyCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return plaintext, nil
	}
	if strings.HasPrefix(plaintext, EncPrefix) {
		return plaintext, nil
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := PKCS7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.iv).CryptBlocks(out, padded)

	return EncPrefix + base64.StdEncoding.EncodeToString(out), nil
}

func (c *legacyCipher) Decrypt(value string) (string, error) {
	if value == "" || !strings.HasPrefix(value, EncPrefix) {
		return value, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EncPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext is not block-aligned")
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, c.iv).CryptBlocks(out, data)

	plain, err := PKCS7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plain), nil
}

// PKCS7Pad pads data to a whole number of blocks.
func PKCS7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+padding)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padding)
	}
	return out
}

// PKCS7Unpad strips and verifies PKCS7 padding.
func PKCS7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-padding], nil
}
