// ABOUTME: End-to-end encryption setup and the bootstrap crypto operations.
// ABOUTME: Wraps the mautrix crypto helper and stores secrets through the ssss deriver.

package matrix

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/crypto/utils"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-checkpoint/internal/bootstrap"
	"github.com/2389/coven-checkpoint/internal/ssss"
)

// Secret names for the cross-signing private keys.
const (
	SecretCrossSigningMaster      = "m.cross_signing.master"
	SecretCrossSigningSelfSigning = "m.cross_signing.self_signing"
	SecretCrossSigningUserSigning = "m.cross_signing.user_signing"
)

// CryptoOptions configures SetupCrypto.
type CryptoOptions struct {
	// DataDir holds the crypto database.
	DataDir string
	// Password answers user-interactive auth when uploading cross-signing keys.
	Password string
	// Iterations is the PBKDF2 iteration count for new secret storage keys.
	Iterations int
	// Deriver reads and writes secret storage.
	Deriver *ssss.Deriver
}

// CryptoManager handles Matrix E2EE setup and implements bootstrap.CryptoAPI.
type CryptoManager struct {
	client       *mautrix.Client
	helper       *cryptohelper.CryptoHelper
	deriver      *ssss.Deriver
	password     string
	iterations   int
	crossSigning *crypto.CrossSigningKeysCache
	logger       *slog.Logger
}

var _ bootstrap.CryptoAPI = (*CryptoManager)(nil)

// SetupCrypto initializes E2EE for the Matrix client.
// If a device ID mismatch is detected, the crypto database is reset.
func SetupCrypto(ctx context.Context, client *mautrix.Client, opts CryptoOptions, logger *slog.Logger) (*CryptoManager, error) {
	if opts.Deriver == nil {
		return nil, errors.New("crypto setup requires a secret storage deriver")
	}
	if err := os.MkdirAll(opts.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	logger = logger.With("component", "crypto")

	userID := client.UserID.String()
	dbPath := cryptoDBPath(opts.DataDir, userID)
	logger.Info("setting up encryption", "db", dbPath, "user", slugify(userID))

	helper, err := initCryptoHelper(ctx, client, deriveStoreKey(userID), dbPath, logger)
	if err != nil {
		return nil, err
	}
	client.Crypto = helper

	iterations := opts.Iterations
	if iterations <= 0 {
		iterations = ssss.DefaultIterations
	}
	return &CryptoManager{
		client:     client,
		helper:     helper,
		deriver:    opts.Deriver,
		password:   opts.Password,
		iterations: iterations,
		logger:     logger,
	}, nil
}

// Helper returns the underlying CryptoHelper.
func (cm *CryptoManager) Helper() *cryptohelper.CryptoHelper {
	return cm.helper
}

// Close cleans up crypto resources.
func (cm *CryptoManager) Close() error {
	if cm.helper != nil {
		return cm.helper.Close()
	}
	return nil
}

func (cm *CryptoManager) machine() (*crypto.OlmMachine, error) {
	mach := cm.helper.Machine()
	if mach == nil {
		return nil, errors.New("crypto machine not initialized")
	}
	return mach, nil
}

// CreateRecoveryKeyFromPassphrase derives a secret storage key from passphrase.
func (cm *CryptoManager) CreateRecoveryKeyFromPassphrase(_ context.Context, passphrase string) (*ssss.Key, error) {
	return cm.deriver.NewKey(passphrase, cm.iterations)
}

// BootstrapSecretStorage uploads the key description and marks it as the default key.
func (cm *CryptoManager) BootstrapSecretStorage(ctx context.Context, key *ssss.Key) error {
	return cm.deriver.Publish(ctx, key)
}

// BootstrapCrossSigning generates and publishes a cross-signing identity, stores its
// private seeds in secret storage under key, and signs this device with it.
func (cm *CryptoManager) BootstrapCrossSigning(ctx context.Context, key *ssss.Key) error {
	mach, err := cm.machine()
	if err != nil {
		return err
	}
	keys, err := mach.GenerateCrossSigningKeys()
	if err != nil {
		return fmt.Errorf("generating cross-signing keys: %w", err)
	}
	if err := mach.PublishCrossSigningKeys(ctx, keys, cm.uiaCallback); err != nil {
		return fmt.Errorf("publishing cross-signing keys: %w", err)
	}
	cm.crossSigning = keys

	exported := mach.ExportCrossSigningKeys()
	seeds := map[string][]byte{
		SecretCrossSigningMaster:      exported.MasterKey,
		SecretCrossSigningSelfSigning: exported.SelfSigningKey,
		SecretCrossSigningUserSigning: exported.UserSigningKey,
	}
	for name, seed := range seeds {
		if err := cm.deriver.WriteSecret(ctx, key, name, []byte(base64.RawStdEncoding.EncodeToString(seed))); err != nil {
			return err
		}
	}

	if err := mach.SignOwnDevice(ctx, mach.OwnIdentity()); err != nil {
		return fmt.Errorf("signing own device: %w", err)
	}
	cm.logger.Info("cross-signing identity published", "master_key", keys.MasterKey.PublicKey())
	return nil
}

// uiaCallback answers a password challenge for the logged-in user.
func (cm *CryptoManager) uiaCallback(uia *mautrix.RespUserInteractive) interface{} {
	return passwordAuth(cm.client.UserID.String(), cm.password, uia.Session)
}

func passwordAuth(userID, password, session string) *mautrix.ReqUIAuthLogin {
	return &mautrix.ReqUIAuthLogin{
		BaseAuthData: mautrix.BaseAuthData{
			Type:    mautrix.AuthTypePassword,
			Session: session,
		},
		User:     userID,
		Password: password,
	}
}

// UserVerificationStatus reports whether this device is trusted through cross-signing.
func (cm *CryptoManager) UserVerificationStatus(ctx context.Context) (bool, error) {
	mach, err := cm.machine()
	if err != nil {
		return false, err
	}
	trust, err := mach.ResolveTrustContext(ctx, mach.OwnIdentity())
	if err != nil {
		return false, fmt.Errorf("resolving device trust: %w", err)
	}
	return trust >= id.TrustStateCrossSignedTOFU, nil
}

// RequestOwnUserVerification signs this device with the cross-signing keys held in secret storage.
func (cm *CryptoManager) RequestOwnUserVerification(ctx context.Context, key *ssss.Key) error {
	mach, err := cm.machine()
	if err != nil {
		return err
	}
	cm.logger.Info("verifying device with recovery key")
	if err := mach.VerifyWithRecoveryKey(ctx, utils.EncodeBase58RecoveryKey(key.Raw)); err != nil {
		return fmt.Errorf("recovery key verification failed: %w", err)
	}
	cm.logger.Info("device verified with recovery key")
	return nil
}

// slugify converts a Matrix user ID to a filesystem-safe string.
// Example: @covenbot:matrix.org -> covenbot_matrix.org
func slugify(userID string) string {
	s := strings.TrimPrefix(userID, "@")
	result := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '_' {
			result = append(result, c)
		} else if c == ':' {
			result = append(result, '_')
		}
	}
	return string(result)
}

func cryptoDBPath(dataDir, userID string) string {
	return filepath.Join(dataDir, fmt.Sprintf("matrix-crypto-%s.db", slugify(userID)))
}

// deriveStoreKey creates a deterministic store encryption key from user ID.
func deriveStoreKey(userID string) []byte {
	h := sha256.Sum256([]byte("coven-checkpoint-crypto:" + userID))
	return h[:]
}

// initCryptoHelper creates and initializes the crypto helper. A database left
// behind by another device is removed first, since a new login gets a new device ID.
func initCryptoHelper(ctx context.Context, client *mautrix.Client, storeKey []byte, dbPath string, logger *slog.Logger) (*cryptohelper.CryptoHelper, error) {
	if needsReset, err := checkDeviceIDMismatch(dbPath, client.DeviceID.String()); err != nil {
		logger.Debug("could not check device ID", "error", err)
	} else if needsReset {
		logger.Warn("device ID mismatch detected, resetting crypto database before init")
		if err := resetCryptoDB(dbPath); err != nil {
			return nil, err
		}
		logger.Info("crypto database reset")
	}

	helper, err := cryptohelper.NewCryptoHelper(client, storeKey, dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}
	return helper, nil
}

func resetCryptoDB(dbPath string) error {
	if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing old crypto database: %w", err)
	}
	_ = os.Remove(dbPath + "-wal")
	_ = os.Remove(dbPath + "-shm")
	return nil
}

// checkDeviceIDMismatch reports whether dbPath exists and holds an account
// for a device other than currentDeviceID.
func checkDeviceIDMismatch(dbPath string, currentDeviceID string) (bool, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return false, nil
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var storedDeviceID string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&storedDeviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return storedDeviceID != currentDeviceID, nil
}
