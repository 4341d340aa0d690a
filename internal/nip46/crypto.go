package nip46

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip44"
	"golang.org/x/crypto/hkdf"
)

// Client-facing encryption over the identity key. The identity private key
// never exists locally; both schemes start from the shared secret the
// threshold ECDH round produces.

var base64Strict = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// sharedSecretBytes decodes an ECDH result to the 32-byte x coordinate.
// A 33-byte compressed point has its parity byte dropped.
func sharedSecretBytes(sharedHex string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(sharedHex))
	if err != nil {
		return nil, errors.New("nip46: shared secret is not hex")
	}
	if len(raw) == 33 && (raw[0] == 0x02 || raw[0] == 0x03) {
		raw = raw[1:]
	}
	if len(raw) != 32 {
		return nil, errors.New("nip46: shared secret must be 32 bytes")
	}
	return raw, nil
}

// conversationKey derives the NIP-44 v2 conversation key from a raw shared
// secret: HKDF-Extract with salt "nip44-v2".
func conversationKey(sharedHex string) ([32]byte, error) {
	var ck [32]byte
	shared, err := sharedSecretBytes(sharedHex)
	if err != nil {
		return ck, err
	}
	copy(ck[:], hkdf.Extract(sha256.New, shared, []byte("nip44-v2")))
	return ck, nil
}

// EncryptNip44 encrypts plaintext under the NIP-44 v2 scheme using the
// shared secret from a threshold ECDH round.
func EncryptNip44(sharedHex, plaintext string) (string, error) {
	ck, err := conversationKey(sharedHex)
	if err != nil {
		return "", err
	}
	return nip44.Encrypt(plaintext, ck)
}

// DecryptNip44 reverses EncryptNip44.
func DecryptNip44(sharedHex, payload string) (string, error) {
	ck, err := conversationKey(sharedHex)
	if err != nil {
		return "", err
	}
	return nip44.Decrypt(payload, ck)
}

// EncryptNip04 implements the legacy AES-256-CBC scheme with
// key = SHA-256(shared secret). Wire format: base64(ciphertext)?iv=base64(iv).
func EncryptNip04(sharedHex, plaintext string) (string, error) {
	shared, err := sharedSecretBytes(sharedHex)
	if err != nil {
		return "", err
	}
	key := sha256.Sum256(shared)

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	padding := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+padding)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(padding)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", err
	}
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	return base64.StdEncoding.EncodeToString(ct) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

// DecryptNip04 reverses EncryptNip04. Both base64 segments are validated
// strictly and the IV must decode to exactly 16 bytes.
func DecryptNip04(sharedHex, payload string) (string, error) {
	ctB64, ivB64, found := strings.Cut(payload, "?iv=")
	if !found {
		return "", errors.New("nip46: missing iv segment")
	}
	if !base64Strict.MatchString(ctB64) || !base64Strict.MatchString(ivB64) {
		return "", errors.New("nip46: payload is not valid base64")
	}
	ct, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return "", errors.New("nip46: payload is not valid base64")
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil || len(iv) != aes.BlockSize {
		return "", errors.New("nip46: iv must be 16 bytes")
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", errors.New("nip46: ciphertext is not block aligned")
	}

	shared, err := sharedSecretBytes(sharedHex)
	if err != nil {
		return "", err
	}
	key := sha256.Sum256(shared)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", err
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)

	padding := int(pt[len(pt)-1])
	if padding == 0 || padding > aes.BlockSize || padding > len(pt) {
		return "", errors.New("nip46: bad padding")
	}
	for _, b := range pt[len(pt)-padding:] {
		if int(b) != padding {
			return "", errors.New("nip46: bad padding")
		}
	}
	return string(pt[:len(pt)-padding]), nil
}
