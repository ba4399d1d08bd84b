// ABOUTME: Crypto operations the bootstrap needs from a Matrix client.
// ABOUTME: The mautrix adapter implements this; tests use an in-memory fake.

package bootstrap

import (
	"context"
	"errors"

	"github.com/2389/coven-checkpoint/internal/ssss"
)

// ErrBadKey is returned by CryptoAPI.RestoreKeyBackup when the backup key does not match the backup.
var ErrBadKey = errors.New("bootstrap: backup key does not match backup")

// RestoreResult summarises a key backup restore.
type RestoreResult struct {
	Version  string
	Imported int
}

// CryptoAPI is the end-to-end encryption surface of a Matrix client.
type CryptoAPI interface {
	// CreateRecoveryKeyFromPassphrase makes a new secret storage key. Nothing is uploaded.
	CreateRecoveryKeyFromPassphrase(ctx context.Context, passphrase string) (*ssss.Key, error)
	// BootstrapSecretStorage publishes key as the account's default secret storage key.
	BootstrapSecretStorage(ctx context.Context, key *ssss.Key) error
	// BootstrapCrossSigning creates and uploads a cross-signing identity, storing its private keys under key.
	BootstrapCrossSigning(ctx context.Context, key *ssss.Key) error
	// CreateKeyBackup creates a key backup version and stores its private key under key.
	CreateKeyBackup(ctx context.Context, key *ssss.Key) error
	// RestoreKeyBackup imports room keys from the latest backup using the decrypted backup key.
	RestoreKeyBackup(ctx context.Context, backupKey []byte) (RestoreResult, error)
	// UserVerificationStatus reports whether this device is cross-signed by its own user.
	UserVerificationStatus(ctx context.Context) (bool, error)
	// RequestOwnUserVerification asks for this device to be verified, signing it with the cross-signing keys under key.
	RequestOwnUserVerification(ctx context.Context, key *ssss.Key) error
}
