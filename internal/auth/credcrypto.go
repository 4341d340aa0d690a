package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// ErrDecryptionFailed is the only error surfaced by Decrypt. Whether key
// derivation, decoding or the AEAD tag failed is never revealed.
var ErrDecryptionFailed = errors.New("auth: decryption failed")

const (
	// PBKDF2Iterations is deliberately high; the derivation runs only on
	// login and credential reload, never per request.
	PBKDF2Iterations = 600_000

	gcmIVLen  = 12
	gcmTagLen = 16
	keyLen    = 32
)

// DeriveKey derives the 32-byte credential encryption key from the user's
// password and their stored hex encryption salt via PBKDF2-SHA256.
func DeriveKey(password, saltHex string) ([]byte, error) {
	salt, err := hex.DecodeString(saltHex)
	if err != nil || len(salt) != 16 {
		return nil, errors.New("auth: invalid encryption salt")
	}
	return pbkdf2.Key([]byte(password), salt, PBKDF2Iterations, keyLen, sha256.New), nil
}

// ParseKey validates a pre-derived key supplied externally, either as 64 hex
// characters or 32 raw bytes.
func ParseKey(k []byte) ([]byte, error) {
	if len(k) == keyLen {
		return k, nil
	}
	if len(k) == 2*keyLen {
		decoded, err := hex.DecodeString(string(k))
		if err == nil && len(decoded) == keyLen {
			return decoded, nil
		}
	}
	return nil, fmt.Errorf("auth: derived key must be %d raw bytes or %d hex chars", keyLen, 2*keyLen)
}

// Encrypt seals plaintext with AES-256-GCM. The blob layout is
// base64(iv || tag || ciphertext) with a 12-byte IV and 16-byte tag.
func Encrypt(plaintext string, key []byte) (string, error) {
	if len(key) != keyLen {
		return "", errors.New("auth: encryption key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	iv := make([]byte, gcmIVLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	// Seal appends ciphertext||tag; the stored layout is iv||tag||ciphertext.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-gcmTagLen], sealed[len(sealed)-gcmTagLen:]

	blob := make([]byte, 0, gcmIVLen+gcmTagLen+len(ct))
	blob = append(blob, iv...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a blob produced by Encrypt. Every failure mode collapses to
// ErrDecryptionFailed.
func Decrypt(blob string, key []byte) (string, error) {
	if len(key) != keyLen {
		return "", ErrDecryptionFailed
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil || len(raw) < gcmIVLen+gcmTagLen {
		return "", ErrDecryptionFailed
	}
	iv := raw[:gcmIVLen]
	tag := raw[gcmIVLen : gcmIVLen+gcmTagLen]
	ct := raw[gcmIVLen+gcmTagLen:]

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	sealed := make([]byte, 0, len(ct)+gcmTagLen)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	pt, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(pt), nil
}
