package wechat

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"chatgateway/internal/crypto"
)

// signature computes the WeChat proof over the lexicographically sorted
// parts: SHA1 of the concatenation. Used both for the plain triple
// (token, timestamp, nonce) and, in safe mode, the quadruple including
// the Encrypt field.
func signature(parts ...string) string {
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// decodeAESKey expands the 43-character EncodingAESKey into the 32-byte
// message key. WeChat strips the trailing "=" from the base64 form.
func decodeAESKey(encodingAESKey string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("failed to decode EncodingAESKey: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("EncodingAESKey must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// decryptSafeMode opens a safe-mode Encrypt blob: AES-256-CBC with
// IV = key[:16]; the plaintext is random(16) || len(4, big endian) ||
// message || appid. The trailing appid is checked when expectedAppID is
// set.
func decryptSafeMode(encodingAESKey, encryptB64, expectedAppID string) ([]byte, error) {
	key, err := decodeAESKey(encodingAESKey)
	if err != nil {
		return nil, err
	}

	data, err := base64.StdEncoding.DecodeString(encryptB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted message: %w", err)
	}
	if len(data) < aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("encrypted message is not block-aligned")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, key[:aes.BlockSize]).CryptBlocks(out, data)

	plain, err := crypto.PKCS7Unpad(out, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt message: %w", err)
	}
	if len(plain) < 20 {
		return nil, fmt.Errorf("decrypted message too short")
	}

	// Widen before adding the header offset: a hostile length field near
	// MaxUint32 must not wrap past the bounds check.
	msgLen := binary.BigEndian.Uint32(plain[16:20])
	if uint64(msgLen)+20 > uint64(len(plain)) {
		return nil, fmt.Errorf("decrypted message length out of range")
	}

	end := 20 + int(msgLen)
	msg := plain[20:end]
	appID := string(plain[end:])
	if expectedAppID != "" && appID != expectedAppID {
		return nil, fmt.Errorf("appid mismatch in decrypted message")
	}
	return msg, nil
}
