// ABOUTME: Resolves the account's default secret storage key from a passphrase.
// ABOUTME: Reads descriptors and secrets from account data and caches verified keys locally.

package ssss

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/coven-checkpoint/internal/transport"
)

// ErrSecretNotFound is returned when a secret has no encryption for the key in use.
var ErrSecretNotFound = errors.New("ssss: secret not found")

// AccountData is the account data surface the deriver needs.
type AccountData interface {
	GetAccountData(ctx context.Context, userID, eventType string) (json.RawMessage, error)
	SetAccountData(ctx context.Context, userID, eventType string, content any) error
}

// Key is a verified secret storage key.
type Key struct {
	ID         string
	Descriptor *Descriptor
	Raw        []byte
}

// Deriver turns a passphrase into the account's secret storage key.
type Deriver struct {
	accountData AccountData
	userID      string
	cache       KeyCache
	logger      *slog.Logger
}

// NewDeriver creates a deriver for userID. A nil logger uses slog.Default.
func NewDeriver(ad AccountData, userID string, cache KeyCache, logger *slog.Logger) *Deriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deriver{
		accountData: ad,
		userID:      userID,
		cache:       cache,
		logger:      logger.With("component", "ssss"),
	}
}

// DefaultKeyID returns the id of the account's default key.
func (d *Deriver) DefaultKeyID(ctx context.Context) (string, error) {
	raw, err := d.accountData.GetAccountData(ctx, d.userID, DefaultKeyEventType)
	if errors.Is(err, transport.ErrNotFound) {
		return "", ErrNoDefaultKey
	}
	if err != nil {
		return "", fmt.Errorf("reading default key id: %w", err)
	}
	var content struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(raw, &content); err != nil {
		return "", fmt.Errorf("parsing default key id: %w", err)
	}
	if content.Key == "" {
		return "", ErrNoDefaultKey
	}
	return content.Key, nil
}

// Descriptor reads the descriptor for keyID.
func (d *Deriver) Descriptor(ctx context.Context, keyID string) (*Descriptor, error) {
	raw, err := d.accountData.GetAccountData(ctx, d.userID, KeyEventTypePrefix+keyID)
	if err != nil {
		return nil, fmt.Errorf("reading key descriptor %s: %w", keyID, err)
	}
	var desc Descriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("parsing key descriptor %s: %w", keyID, err)
	}
	return &desc, nil
}

// Key returns the verified default key. A cached key is used when it still
// verifies; otherwise the passphrase is stretched again. A key that fails
// verification returns ErrKeyVerificationFailed and is not cached.
func (d *Deriver) Key(ctx context.Context, passphrase string) (*Key, error) {
	keyID, err := d.DefaultKeyID(ctx)
	if err != nil {
		return nil, err
	}
	desc, err := d.Descriptor(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if desc.Passphrase == nil || desc.Passphrase.Algorithm != PassphraseAlgorithmPBKDF2 {
		return nil, ErrUnsupportedKeyType
	}

	cached, ok, err := d.cache.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if ok {
		if err := desc.VerifyKey(cached); err == nil {
			d.logger.Debug("using cached secret storage key", "key_id", keyID)
			return &Key{ID: keyID, Descriptor: desc, Raw: cached}, nil
		}
		d.logger.Warn("cached secret storage key no longer verifies, re-deriving", "key_id", keyID)
		if err := d.cache.Delete(ctx, keyID); err != nil {
			return nil, err
		}
	}

	d.logger.Info("deriving secret storage key", "key_id", keyID, "iterations", desc.Passphrase.Iterations)
	raw, err := desc.DeriveKey(passphrase)
	if err != nil {
		return nil, err
	}
	if err := desc.VerifyKey(raw); err != nil {
		return nil, err
	}
	if err := d.cache.Put(ctx, keyID, raw); err != nil {
		return nil, err
	}
	return &Key{ID: keyID, Descriptor: desc, Raw: raw}, nil
}

// NewKey creates a fresh passphrase key with a random id. Nothing is published or cached.
func (d *Deriver) NewKey(passphrase string, iterations int) (*Key, error) {
	keyID, err := randomString(32)
	if err != nil {
		return nil, err
	}
	desc, raw, err := NewDescriptor("", passphrase, iterations)
	if err != nil {
		return nil, err
	}
	return &Key{ID: keyID, Descriptor: desc, Raw: raw}, nil
}

// Publish uploads key's descriptor, makes it the default key, and caches it.
func (d *Deriver) Publish(ctx context.Context, key *Key) error {
	if err := d.accountData.SetAccountData(ctx, d.userID, KeyEventTypePrefix+key.ID, key.Descriptor); err != nil {
		return fmt.Errorf("publishing key descriptor: %w", err)
	}
	if err := d.accountData.SetAccountData(ctx, d.userID, DefaultKeyEventType, map[string]string{"key": key.ID}); err != nil {
		return fmt.Errorf("setting default key: %w", err)
	}
	if err := d.cache.Put(ctx, key.ID, key.Raw); err != nil {
		return err
	}
	d.logger.Info("published secret storage key", "key_id", key.ID)
	return nil
}

// CreateKey creates a new passphrase key and publishes it.
func (d *Deriver) CreateKey(ctx context.Context, passphrase string, iterations int) (*Key, error) {
	key, err := d.NewKey(passphrase, iterations)
	if err != nil {
		return nil, err
	}
	if err := d.Publish(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ReadSecret decrypts the account data secret name with key.
func (d *Deriver) ReadSecret(ctx context.Context, key *Key, name string) ([]byte, error) {
	raw, err := d.accountData.GetAccountData(ctx, d.userID, name)
	if errors.Is(err, transport.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("reading secret %s: %w", name, err)
	}
	var content SecretContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("parsing secret %s: %w", name, err)
	}
	enc, ok := content.Encrypted[key.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no encryption for key %s", ErrSecretNotFound, name, key.ID)
	}
	return DecryptSecret(key.Raw, name, enc)
}

// WriteSecret encrypts plaintext with key and stores it as account data name.
func (d *Deriver) WriteSecret(ctx context.Context, key *Key, name string, plaintext []byte) error {
	enc, err := EncryptSecret(key.Raw, name, plaintext)
	if err != nil {
		return err
	}
	content := SecretContent{Encrypted: map[string]EncryptedSecret{key.ID: enc}}
	if err := d.accountData.SetAccountData(ctx, d.userID, name, content); err != nil {
		return fmt.Errorf("writing secret %s: %w", name, err)
	}
	return nil
}

// Forget removes keyID from the local cache so the next Key call re-derives it.
func (d *Deriver) Forget(ctx context.Context, keyID string) error {
	return d.cache.Delete(ctx, keyID)
}

// ForgetAll empties the local cache.
func (d *Deriver) ForgetAll(ctx context.Context) error {
	return d.cache.Clear(ctx)
}
