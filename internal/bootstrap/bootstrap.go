// ABOUTME: Cross-signing and key backup bootstrap state machine.
// ABOUTME: First run creates an identity; later runs unlock secrets, restore backup, and verify the device.

package bootstrap

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-checkpoint/internal/retry"
	"github.com/2389/coven-checkpoint/internal/ssss"
	"github.com/2389/coven-checkpoint/internal/transport"
)

// Account data event types read during bootstrap.
const (
	CrossSigningMasterEventType = "m.cross_signing.master"
	MegolmBackupSecretName      = "m.megolm_backup.v1"
)

// State is a bootstrap milestone.
type State string

const (
	StateNoIdentity        State = "no_identity"
	StateIdentityExists    State = "identity_exists"
	StateSecretsAccessible State = "secrets_accessible"
	StateBackupRestored    State = "backup_restored"
	StateDeviceVerified    State = "device_verified"
)

// DefaultVerifyPolicy polls verification status five times, waiting 1s, 2s, 4s, 8s, then 16s.
var DefaultVerifyPolicy = retry.Policy{
	MaxAttempts: 5,
	BaseDelay:   time.Second,
	DelayFirst:  true,
}

var errUntrusted = errors.New("device not yet cross-signed")

// Config configures a Bootstrapper.
type Config struct {
	UserID     string
	Passphrase string
	// Iterations is the PBKDF2 count for a newly created key. Zero uses ssss.DefaultIterations.
	Iterations int
	// VerifyPolicy overrides DefaultVerifyPolicy when MaxAttempts is set.
	VerifyPolicy retry.Policy
}

// Result reports how far the bootstrap got.
type Result struct {
	State    State
	FirstRun bool
	KeyID    string
	// Restore is set when a backup was restored.
	Restore *RestoreResult
	// BackupError is set when the best-effort restore failed.
	BackupError *BackupRestoreError
	// AlreadyVerified is true when the device was trusted before any request was made.
	AlreadyVerified bool
	// VerificationAttempts counts status polls after the verification request.
	VerificationAttempts int
}

// Degraded reports whether bootstrap succeeded without restoring the key backup.
func (r *Result) Degraded() bool {
	return r.BackupError != nil
}

// Bootstrapper runs the bootstrap state machine once per process.
type Bootstrapper struct {
	crypto      CryptoAPI
	accountData ssss.AccountData
	deriver     *ssss.Deriver
	cfg         Config
	logger      *slog.Logger
}

// New creates a Bootstrapper. Missing collaborators or identity return ErrConfiguration.
func New(crypto CryptoAPI, accountData ssss.AccountData, keys ssss.KeyCache, cfg Config, logger *slog.Logger) (*Bootstrapper, error) {
	switch {
	case crypto == nil:
		return nil, fmt.Errorf("%w: crypto API is required", ErrConfiguration)
	case accountData == nil:
		return nil, fmt.Errorf("%w: account data transport is required", ErrConfiguration)
	case keys == nil:
		return nil, fmt.Errorf("%w: key cache is required", ErrConfiguration)
	case cfg.UserID == "":
		return nil, fmt.Errorf("%w: user id is required", ErrConfiguration)
	case cfg.Passphrase == "":
		return nil, fmt.Errorf("%w: recovery passphrase is required", ErrConfiguration)
	}
	if cfg.VerifyPolicy.MaxAttempts == 0 {
		after := cfg.VerifyPolicy.After
		cfg.VerifyPolicy = DefaultVerifyPolicy
		cfg.VerifyPolicy.After = after
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Bootstrapper{
		crypto:      crypto,
		accountData: accountData,
		deriver:     ssss.NewDeriver(accountData, cfg.UserID, keys, logger),
		cfg:         cfg,
		logger:      logger.With("component", "bootstrap", "user_id", cfg.UserID),
	}, nil
}

// Run performs the bootstrap. A returned error means the device must not be trusted.
func (b *Bootstrapper) Run(ctx context.Context) (*Result, error) {
	exists, err := b.identityExists(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	var key *ssss.Key
	if !exists {
		b.enter(res, StateNoIdentity)
		res.FirstRun = true
		key, err = b.createIdentity(ctx)
		if err != nil {
			return nil, fmt.Errorf("first-run bootstrap: %w", err)
		}
		res.KeyID = key.ID
		b.enter(res, StateSecretsAccessible)
		b.enter(res, StateBackupRestored)
	} else {
		b.enter(res, StateIdentityExists)
		key, err = b.deriver.Key(ctx, b.cfg.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("unlocking secret storage: %w", err)
		}
		res.KeyID = key.ID
		b.enter(res, StateSecretsAccessible)

		restored, rerr := b.restoreBackup(ctx, key)
		if rerr != nil {
			res.BackupError = rerr
			b.logger.Warn("continuing without key backup; older messages may be undecryptable",
				"stage", rerr.Stage, "bad_key", rerr.BadKey, "error", rerr.Err)
		} else {
			res.Restore = restored
			b.enter(res, StateBackupRestored)
		}
	}

	if err := b.verifyDevice(ctx, key, res); err != nil {
		return nil, err
	}
	b.enter(res, StateDeviceVerified)
	return res, nil
}

func (b *Bootstrapper) enter(res *Result, s State) {
	res.State = s
	b.logger.Info("bootstrap state", "state", string(s))
}

// identityExists reports whether the account already has a cross-signing master key.
func (b *Bootstrapper) identityExists(ctx context.Context) (bool, error) {
	_, err := b.accountData.GetAccountData(ctx, b.cfg.UserID, CrossSigningMasterEventType)
	if errors.Is(err, transport.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking for cross-signing identity: %w", err)
	}
	return true, nil
}

func (b *Bootstrapper) createIdentity(ctx context.Context) (*ssss.Key, error) {
	if err := b.deriver.ForgetAll(ctx); err != nil {
		return nil, fmt.Errorf("clearing cached keys: %w", err)
	}
	key, err := b.crypto.CreateRecoveryKeyFromPassphrase(ctx, b.cfg.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating recovery key: %w", err)
	}
	if err := b.crypto.BootstrapSecretStorage(ctx, key); err != nil {
		return nil, fmt.Errorf("bootstrapping secret storage: %w", err)
	}
	if err := b.crypto.BootstrapCrossSigning(ctx, key); err != nil {
		return nil, fmt.Errorf("bootstrapping cross-signing: %w", err)
	}
	if err := b.crypto.CreateKeyBackup(ctx, key); err != nil {
		return nil, fmt.Errorf("creating key backup: %w", err)
	}
	b.logger.Info("created cross-signing identity and key backup", "key_id", key.ID)
	return key, nil
}

// restoreBackup decrypts the backup key from secret storage and restores the latest backup.
func (b *Bootstrapper) restoreBackup(ctx context.Context, key *ssss.Key) (*RestoreResult, *BackupRestoreError) {
	secret, err := b.deriver.ReadSecret(ctx, key, MegolmBackupSecretName)
	if err != nil {
		return nil, b.restoreFailed(ctx, key, "read_secret", err)
	}
	backupKey, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(string(secret), "="))
	if err != nil {
		return nil, b.restoreFailed(ctx, key, "decode_secret", err)
	}

	result, err := b.crypto.RestoreKeyBackup(ctx, backupKey)
	if err != nil {
		return nil, b.restoreFailed(ctx, key, "restore", err)
	}
	b.logger.Info("restored key backup", "version", result.Version, "imported", result.Imported)
	return &result, nil
}

// restoreFailed wraps err and, for bad key failures only, discards the cached key.
func (b *Bootstrapper) restoreFailed(ctx context.Context, key *ssss.Key, stage string, err error) *BackupRestoreError {
	rerr := &BackupRestoreError{Stage: stage, Err: err}
	if !isBadKey(err) {
		return rerr
	}
	rerr.BadKey = true
	if ferr := b.deriver.Forget(ctx, key.ID); ferr != nil {
		b.logger.Warn("could not discard cached secret storage key", "key_id", key.ID, "error", ferr)
	} else {
		b.logger.Warn("discarded cached secret storage key after bad key error", "key_id", key.ID)
	}
	return rerr
}

func isBadKey(err error) bool {
	return errors.Is(err, ErrBadKey) || errors.Is(err, ssss.ErrSecretMACMismatch)
}

// verifyDevice makes sure the current device is cross-signed, requesting verification once if needed.
func (b *Bootstrapper) verifyDevice(ctx context.Context, key *ssss.Key, res *Result) error {
	trusted, err := b.crypto.UserVerificationStatus(ctx)
	if err != nil {
		b.logger.Warn("could not read device verification status", "error", err)
	}
	if err == nil && trusted {
		res.AlreadyVerified = true
		return nil
	}

	if err := b.crypto.RequestOwnUserVerification(ctx, key); err != nil {
		b.logger.Warn("verification request failed, polling status anyway", "error", err)
	}

	policy := b.cfg.VerifyPolicy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		b.logger.Debug("device not verified yet", "attempt", attempt, "delay", delay, "error", err)
	}
	err = retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		res.VerificationAttempts = attempt
		trusted, err := b.crypto.UserVerificationStatus(ctx)
		if err != nil {
			return err
		}
		if !trusted {
			return errUntrusted
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceVerificationFailed, err)
	}
	b.logger.Info("device verified", "attempts", res.VerificationAttempts)
	return nil
}
