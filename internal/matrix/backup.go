// ABOUTME: Server-side room key backup creation and restore.
// ABOUTME: The backup private key lives in secret storage as m.megolm_backup.v1.

package matrix

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/curve25519"
	"maunium.net/go/mautrix/crypto/backup"

	"github.com/2389/coven-checkpoint/internal/bootstrap"
	"github.com/2389/coven-checkpoint/internal/ssss"
	"github.com/2389/coven-checkpoint/internal/transport"
)

// BackupAlgorithm is the only key backup algorithm supported.
const BackupAlgorithm = "m.megolm_backup.v1.curve25519-aes-sha2"

// ErrNoBackup is returned when the account has no key backup version.
var ErrNoBackup = errors.New("matrix: no key backup on server")

type backupAuthData struct {
	PublicKey  string                       `json:"public_key"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

type backupVersion struct {
	Algorithm string         `json:"algorithm"`
	AuthData  backupAuthData `json:"auth_data"`
	Version   string         `json:"version,omitempty"`
	Count     int            `json:"count,omitempty"`
}

// backupPublicKey returns the unpadded base64 curve25519 public key for priv.
func backupPublicKey(priv []byte) (string, error) {
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(pub), nil
}

// checkBackupKey fails with bootstrap.ErrBadKey when priv does not belong to publicKey.
func checkBackupKey(priv []byte, publicKey string) error {
	if len(priv) != curve25519.ScalarSize {
		return fmt.Errorf("%w: key is %d bytes", bootstrap.ErrBadKey, len(priv))
	}
	derived, err := backupPublicKey(priv)
	if err != nil {
		return fmt.Errorf("%w: %w", bootstrap.ErrBadKey, err)
	}
	if derived != strings.TrimRight(publicKey, "=") {
		return fmt.Errorf("%w: public key mismatch", bootstrap.ErrBadKey)
	}
	return nil
}

// CreateKeyBackup creates a server-side megolm backup version and stores its private key
// in secret storage under key.
func (cm *CryptoManager) CreateKeyBackup(ctx context.Context, key *ssss.Key) error {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return fmt.Errorf("generating backup key: %w", err)
	}
	pub, err := backupPublicKey(priv)
	if err != nil {
		return fmt.Errorf("deriving backup public key: %w", err)
	}

	auth := backupAuthData{PublicKey: pub}
	if cm.crossSigning != nil {
		sig, err := cm.crossSigning.MasterKey.SignJSON(auth)
		if err != nil {
			return fmt.Errorf("signing backup auth data: %w", err)
		}
		userID := cm.client.UserID.String()
		auth.Signatures = map[string]map[string]string{
			userID: {"ed25519:" + cm.crossSigning.MasterKey.PublicKey().String(): sig},
		}
	}

	var resp struct {
		Version string `json:"version"`
	}
	req := backupVersion{Algorithm: BackupAlgorithm, AuthData: auth}
	url := cm.client.BuildClientURL("v3", "room_keys", "version")
	if _, err := cm.client.MakeRequest(ctx, http.MethodPost, url, req, &resp); err != nil {
		return fmt.Errorf("creating key backup version: %w", err)
	}

	secret := []byte(base64.RawStdEncoding.EncodeToString(priv))
	if err := cm.deriver.WriteSecret(ctx, key, bootstrap.MegolmBackupSecretName, secret); err != nil {
		return err
	}
	cm.logger.Info("key backup created", "version", resp.Version)
	return nil
}

func (cm *CryptoManager) latestBackup(ctx context.Context) (*backupVersion, error) {
	var latest backupVersion
	url := cm.client.BuildClientURL("v3", "room_keys", "version")
	if _, err := cm.client.MakeRequest(ctx, http.MethodGet, url, nil, &latest); err != nil {
		if errors.Is(mapError(err), transport.ErrNotFound) {
			return nil, ErrNoBackup
		}
		return nil, fmt.Errorf("fetching key backup version: %w", err)
	}
	return &latest, nil
}

// RestoreKeyBackup imports the room keys of the latest backup version using backupKey.
func (cm *CryptoManager) RestoreKeyBackup(ctx context.Context, backupKey []byte) (bootstrap.RestoreResult, error) {
	mach, err := cm.machine()
	if err != nil {
		return bootstrap.RestoreResult{}, err
	}
	latest, err := cm.latestBackup(ctx)
	if err != nil {
		return bootstrap.RestoreResult{}, err
	}
	if latest.Algorithm != BackupAlgorithm {
		return bootstrap.RestoreResult{}, fmt.Errorf("unsupported key backup algorithm %q", latest.Algorithm)
	}
	if err := checkBackupKey(backupKey, latest.AuthData.PublicKey); err != nil {
		return bootstrap.RestoreResult{}, err
	}

	megolmKey, err := backup.MegolmBackupKeyFromBytes(backupKey)
	if err != nil {
		return bootstrap.RestoreResult{}, fmt.Errorf("%w: %w", bootstrap.ErrBadKey, err)
	}
	version, err := mach.DownloadAndStoreLatestKeyBackup(ctx, megolmKey)
	if err != nil {
		return bootstrap.RestoreResult{}, fmt.Errorf("downloading key backup: %w", err)
	}
	cm.logger.Info("key backup restored", "version", version, "keys", latest.Count)
	return bootstrap.RestoreResult{Version: string(version), Imported: latest.Count}, nil
}
