// ABOUTME: Secret storage key descriptors, passphrase derivation, and key verification.
// ABOUTME: PBKDF2-SHA512 stretches the passphrase; an AES-CTR/HMAC check proves it is right.

package ssss

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Algorithm identifiers and account data event types.
const (
	AlgorithmAESHMACSHA2      = "m.secret_storage.v1.aes-hmac-sha2"
	PassphraseAlgorithmPBKDF2 = "m.pbkdf2"
	DefaultKeyEventType       = "m.secret_storage.default_key"
	KeyEventTypePrefix        = "m.secret_storage.key."

	// DefaultIterations is used for newly created descriptors.
	DefaultIterations = 500000
	// KeyBits is the only supported key length.
	KeyBits = 256
)

var (
	// ErrUnsupportedKeyType is returned for descriptors that are not passphrase based.
	ErrUnsupportedKeyType = errors.New("ssss: unsupported secret storage key type")

	// ErrKeyVerificationFailed is returned when a derived key does not match the descriptor's MAC.
	ErrKeyVerificationFailed = errors.New("ssss: key verification failed")

	// ErrSecretMACMismatch is returned when an encrypted secret fails authentication.
	ErrSecretMACMismatch = errors.New("ssss: secret MAC mismatch")

	// ErrNoDefaultKey is returned when the account has no default secret storage key.
	ErrNoDefaultKey = errors.New("ssss: no default secret storage key")
)

// PassphraseInfo holds the PBKDF2 parameters of a descriptor.
type PassphraseInfo struct {
	Algorithm  string `json:"algorithm"`
	Salt       string `json:"salt"`
	Iterations int    `json:"iterations"`
	Bits       int    `json:"bits,omitempty"`
}

// Descriptor is the content of an m.secret_storage.key.<id> account data event.
type Descriptor struct {
	Name       string          `json:"name,omitempty"`
	Algorithm  string          `json:"algorithm"`
	Passphrase *PassphraseInfo `json:"passphrase,omitempty"`
	IV         string          `json:"iv,omitempty"`
	MAC        string          `json:"mac,omitempty"`
}

// DeriveKey stretches passphrase into raw key bytes. It does not verify the result.
func (d *Descriptor) DeriveKey(passphrase string) ([]byte, error) {
	if d.Passphrase == nil || d.Passphrase.Algorithm != PassphraseAlgorithmPBKDF2 {
		return nil, ErrUnsupportedKeyType
	}
	if d.Algorithm != "" && d.Algorithm != AlgorithmAESHMACSHA2 {
		return nil, fmt.Errorf("%w: algorithm %q", ErrUnsupportedKeyType, d.Algorithm)
	}
	bits := d.Passphrase.Bits
	if bits == 0 {
		bits = KeyBits
	}
	if bits%8 != 0 || bits <= 0 {
		return nil, fmt.Errorf("%w: %d bits", ErrUnsupportedKeyType, bits)
	}
	if d.Passphrase.Iterations <= 0 {
		return nil, fmt.Errorf("ssss: invalid iteration count %d", d.Passphrase.Iterations)
	}
	return pbkdf2.Key([]byte(passphrase), []byte(d.Passphrase.Salt), d.Passphrase.Iterations, bits/8, sha512.New), nil
}

// HasCheck reports whether the descriptor can verify a key.
func (d *Descriptor) HasCheck() bool {
	return d.IV != "" && d.MAC != ""
}

// VerifyKey checks raw against the descriptor's iv/mac. Descriptors without a check accept any key.
func (d *Descriptor) VerifyKey(raw []byte) error {
	if !d.HasCheck() {
		return nil
	}
	iv, err := decodeBase64(d.IV)
	if err != nil {
		return fmt.Errorf("ssss: decoding descriptor iv: %w", err)
	}
	mac, err := checkMAC(raw, iv)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(trimPadding(mac)), []byte(trimPadding(d.MAC))) {
		return ErrKeyVerificationFailed
	}
	return nil
}

// NewDescriptor creates a passphrase descriptor with a fresh salt and check,
// and returns it with the derived key.
func NewDescriptor(name, passphrase string, iterations int) (*Descriptor, []byte, error) {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	salt, err := randomString(32)
	if err != nil {
		return nil, nil, err
	}
	d := &Descriptor{
		Name:      name,
		Algorithm: AlgorithmAESHMACSHA2,
		Passphrase: &PassphraseInfo{
			Algorithm:  PassphraseAlgorithmPBKDF2,
			Salt:       salt,
			Iterations: iterations,
			Bits:       KeyBits,
		},
	}
	raw, err := d.DeriveKey(passphrase)
	if err != nil {
		return nil, nil, err
	}

	iv, err := newIV()
	if err != nil {
		return nil, nil, err
	}
	mac, err := checkMAC(raw, iv)
	if err != nil {
		return nil, nil, err
	}
	d.IV = encodeBase64(iv)
	d.MAC = mac
	return d, raw, nil
}

// checkMAC encrypts 32 zero bytes under the key's unnamed subkeys and MACs the result.
func checkMAC(raw, iv []byte) (string, error) {
	aesKey, hmacKey, err := deriveSubkeys(raw, "")
	if err != nil {
		return "", err
	}
	ciphertext, err := aesCTR(aesKey, iv, make([]byte, 32))
	if err != nil {
		return "", err
	}
	return encodeBase64(sign(hmacKey, ciphertext)), nil
}

const saltAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func randomString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("ssss: generating salt: %w", err)
	}
	for i, b := range buf {
		buf[i] = saltAlphabet[int(b)%len(saltAlphabet)]
	}
	return string(buf), nil
}
