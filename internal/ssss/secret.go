// ABOUTME: Per-secret encryption for account data secrets such as the megolm backup key.
// ABOUTME: HKDF-SHA256 subkeys, AES-CTR, and HMAC-SHA256 checked before decrypting.

package ssss

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// EncryptedSecret is one key's encryption of a secret.
type EncryptedSecret struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
}

// SecretContent is the account data content of an encrypted secret, keyed by key id.
type SecretContent struct {
	Encrypted map[string]EncryptedSecret `json:"encrypted"`
}

// EncryptSecret encrypts plaintext for secret name under raw.
func EncryptSecret(raw []byte, name string, plaintext []byte) (EncryptedSecret, error) {
	aesKey, hmacKey, err := deriveSubkeys(raw, name)
	if err != nil {
		return EncryptedSecret{}, err
	}
	iv, err := newIV()
	if err != nil {
		return EncryptedSecret{}, err
	}
	ciphertext, err := aesCTR(aesKey, iv, plaintext)
	if err != nil {
		return EncryptedSecret{}, err
	}
	return EncryptedSecret{
		IV:         encodeBase64(iv),
		Ciphertext: encodeBase64(ciphertext),
		MAC:        encodeBase64(sign(hmacKey, ciphertext)),
	}, nil
}

// DecryptSecret authenticates and decrypts secret name under raw.
// Returns ErrSecretMACMismatch without decrypting anything when authentication fails.
func DecryptSecret(raw []byte, name string, enc EncryptedSecret) ([]byte, error) {
	aesKey, hmacKey, err := deriveSubkeys(raw, name)
	if err != nil {
		return nil, err
	}
	ciphertext, err := decodeBase64(enc.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("ssss: decoding ciphertext of %s: %w", name, err)
	}
	mac, err := decodeBase64(enc.MAC)
	if err != nil {
		return nil, fmt.Errorf("ssss: decoding mac of %s: %w", name, err)
	}
	if !hmac.Equal(sign(hmacKey, ciphertext), mac) {
		return nil, fmt.Errorf("%w: %s", ErrSecretMACMismatch, name)
	}
	iv, err := decodeBase64(enc.IV)
	if err != nil {
		return nil, fmt.Errorf("ssss: decoding iv of %s: %w", name, err)
	}
	return aesCTR(aesKey, iv, ciphertext)
}

// deriveSubkeys expands raw into an AES-256 key and an HMAC-SHA256 key for info.
func deriveSubkeys(raw []byte, info string) (aesKey, hmacKey []byte, err error) {
	r := hkdf.New(sha256.New, raw, make([]byte, 8), []byte(info))
	out := make([]byte, 64)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, nil, fmt.Errorf("ssss: deriving subkeys: %w", err)
	}
	return out[:32], out[32:], nil
}

func aesCTR(key, iv, data []byte) ([]byte, error) {
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("ssss: iv is %d bytes, want %d", len(iv), aes.BlockSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ssss: creating cipher: %w", err)
	}
	out := make([]byte, len(data))
	cipher.NewCTR(block, iv).XORKeyStream(out, data)
	return out, nil
}

func sign(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// newIV returns a random counter block with bit 63 cleared, as Matrix clients expect.
func newIV() ([]byte, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("ssss: generating iv: %w", err)
	}
	iv[8] &= 0x7f
	return iv, nil
}

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// decodeBase64 accepts padded and unpadded standard base64.
func decodeBase64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(trimPadding(s))
}

func trimPadding(s string) string {
	return strings.TrimRight(s, "=")
}
