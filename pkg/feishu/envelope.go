package feishu

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"chatgateway/internal/crypto"
)

// encryptedEnvelope is the outer shape Feishu delivers when an encrypt
// key is configured for the app.
type encryptedEnvelope struct {
	Encrypt string `json:"encrypt"`
}

// decryptEnvelope opens a Feishu encrypted webhook payload: the AES-256
// key is SHA256 of the configured encrypt key, the first block of the
// base64-decoded ciphertext is the IV, the rest is PKCS7-padded CBC
// ciphertext containing the real JSON event.
func decryptEnvelope(encryptKey, encryptB64 string) ([]byte, error) {
	if encryptKey == "" {
		return nil, fmt.Errorf("encrypted payload received but no encrypt key configured")
	}

	data, err := base64.StdEncoding.DecodeString(encryptB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted payload: %w", err)
	}
	if len(data) < 2*aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("encrypted payload is not block-aligned")
	}

	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	iv, body := data[:aes.BlockSize], data[aes.BlockSize:]
	out := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, body)

	plain, err := crypto.PKCS7Unpad(out, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return plain, nil
}

// unwrap returns the event JSON, decrypting the envelope when present.
func unwrap(encryptKey string, raw []byte) ([]byte, error) {
	var env encryptedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Encrypt == "" {
		return raw, nil
	}
	return decryptEnvelope(encryptKey, env.Encrypt)
}
