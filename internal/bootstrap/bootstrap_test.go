// ABOUTME: Tests for the bootstrap state machine against a fake crypto API.
// ABOUTME: Covers first run, steady state, degraded restore, bad keys, and verification retries.

package bootstrap

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-checkpoint/internal/retry"
	"github.com/2389/coven-checkpoint/internal/ssss"
	"github.com/2389/coven-checkpoint/internal/transport"
)

const (
	testUser       = "@checkpoints:example.org"
	testPassphrase = "correct horse battery staple"
	testIterations = 1000
)

// fakeCrypto keeps cross-signing and backup state in account data like a real client would.
type fakeCrypto struct {
	mu      sync.Mutex
	room    *transport.Memory
	deriver *ssss.Deriver

	backupKey    []byte
	verifyAfter  int // status polls that report untrusted before trust
	statusCalls  int
	requests     int
	restoreErr   error
	failStep     string
	calls        []string
	restoredWith []byte
}

func newFakeCrypto(room *transport.Memory) *fakeCrypto {
	return &fakeCrypto{
		room:    room,
		deriver: ssss.NewDeriver(room, testUser, ssss.NewMemoryKeyCache(), nil),
	}
}

func (f *fakeCrypto) step(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.failStep == name {
		return errors.New(name + " failed")
	}
	return nil
}

func (f *fakeCrypto) CreateRecoveryKeyFromPassphrase(ctx context.Context, passphrase string) (*ssss.Key, error) {
	if err := f.step("create_recovery_key"); err != nil {
		return nil, err
	}
	return f.deriver.NewKey(passphrase, testIterations)
}

func (f *fakeCrypto) BootstrapSecretStorage(ctx context.Context, key *ssss.Key) error {
	if err := f.step("secret_storage"); err != nil {
		return err
	}
	return f.deriver.Publish(ctx, key)
}

func (f *fakeCrypto) BootstrapCrossSigning(ctx context.Context, key *ssss.Key) error {
	if err := f.step("cross_signing"); err != nil {
		return err
	}
	return f.room.SetAccountData(ctx, testUser, CrossSigningMasterEventType, map[string]any{"encrypted": map[string]any{}})
}

func (f *fakeCrypto) CreateKeyBackup(ctx context.Context, key *ssss.Key) error {
	if err := f.step("key_backup"); err != nil {
		return err
	}
	backupKey := make([]byte, 32)
	if _, err := rand.Read(backupKey); err != nil {
		return err
	}
	f.mu.Lock()
	f.backupKey = backupKey
	f.mu.Unlock()
	return f.deriver.WriteSecret(ctx, key, MegolmBackupSecretName, []byte(base64.RawStdEncoding.EncodeToString(backupKey)))
}

func (f *fakeCrypto) RestoreKeyBackup(ctx context.Context, backupKey []byte) (RestoreResult, error) {
	if err := f.step("restore"); err != nil {
		return RestoreResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restoredWith = backupKey
	if f.restoreErr != nil {
		return RestoreResult{}, f.restoreErr
	}
	if string(backupKey) != string(f.backupKey) {
		return RestoreResult{}, ErrBadKey
	}
	return RestoreResult{Version: "1", Imported: 12}, nil
}

func (f *fakeCrypto) UserVerificationStatus(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	return f.requests > 0 && f.statusCalls > f.verifyAfter, nil
}

func (f *fakeCrypto) RequestOwnUserVerification(ctx context.Context, key *ssss.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	return nil
}

// instant fires immediately and records requested delays.
type instant struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (i *instant) After(d time.Duration) <-chan time.Time {
	i.mu.Lock()
	i.delays = append(i.delays, d)
	i.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

type harness struct {
	room   *transport.Memory
	crypto *fakeCrypto
	keys   *ssss.MemoryKeyCache
	clock  *instant
}

func newHarness() *harness {
	room := transport.NewMemory()
	return &harness{
		room:   room,
		crypto: newFakeCrypto(room),
		keys:   ssss.NewMemoryKeyCache(),
		clock:  &instant{},
	}
}

func (h *harness) run(t *testing.T, passphrase string) (*Result, error) {
	t.Helper()
	b, err := New(h.crypto, h.room, h.keys, Config{
		UserID:       testUser,
		Passphrase:   passphrase,
		Iterations:   testIterations,
		VerifyPolicy: retry.Policy{After: h.clock.After},
	}, nil)
	require.NoError(t, err)
	return b.Run(context.Background())
}

func TestNew_RequiresConfiguration(t *testing.T) {
	room := transport.NewMemory()
	crypto := newFakeCrypto(room)
	keys := ssss.NewMemoryKeyCache()

	_, err := New(nil, room, keys, Config{UserID: testUser, Passphrase: "p"}, nil)
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = New(crypto, nil, keys, Config{UserID: testUser, Passphrase: "p"}, nil)
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = New(crypto, room, nil, Config{UserID: testUser, Passphrase: "p"}, nil)
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = New(crypto, room, keys, Config{Passphrase: "p"}, nil)
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = New(crypto, room, keys, Config{UserID: testUser}, nil)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestRun_FirstRunCreatesIdentity(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.keys.Put(context.Background(), "stale", []byte("old")))

	res, err := h.run(t, testPassphrase)
	require.NoError(t, err)

	assert.True(t, res.FirstRun)
	assert.Equal(t, StateDeviceVerified, res.State)
	assert.NotEmpty(t, res.KeyID)
	assert.Equal(t, []string{"create_recovery_key", "secret_storage", "cross_signing", "key_backup"}, h.crypto.calls)

	// The stale key was cleared from the bootstrap's cache.
	_, ok, err := h.keys.Get(context.Background(), "stale")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRun_FirstRunFailureIsFatal(t *testing.T) {
	for _, step := range []string{"create_recovery_key", "secret_storage", "cross_signing", "key_backup"} {
		t.Run(step, func(t *testing.T) {
			h := newHarness()
			h.crypto.failStep = step

			res, err := h.run(t, testPassphrase)
			assert.Error(t, err)
			assert.Nil(t, res)
			assert.Contains(t, err.Error(), step+" failed")
		})
	}
}

func TestRun_SteadyStateRestoresBackup(t *testing.T) {
	h := newHarness()
	first, err := h.run(t, testPassphrase)
	require.NoError(t, err)

	// A new process starts with an empty cache and derives from the passphrase.
	h.keys = ssss.NewMemoryKeyCache()
	h.crypto.calls = nil
	res, err := h.run(t, testPassphrase)
	require.NoError(t, err)

	assert.False(t, res.FirstRun)
	assert.Equal(t, StateDeviceVerified, res.State)
	assert.Equal(t, first.KeyID, res.KeyID)
	require.NotNil(t, res.Restore)
	assert.Equal(t, 12, res.Restore.Imported)
	assert.False(t, res.Degraded())
	assert.Equal(t, h.crypto.backupKey, h.crypto.restoredWith)

	_, ok, err := h.keys.Get(context.Background(), res.KeyID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRun_WrongPassphraseIsFatal(t *testing.T) {
	h := newHarness()
	_, err := h.run(t, testPassphrase)
	require.NoError(t, err)

	h.keys = ssss.NewMemoryKeyCache()
	_, err = h.run(t, "wrong passphrase")
	assert.ErrorIs(t, err, ssss.ErrKeyVerificationFailed)
	assert.Zero(t, h.keys.Len())
}

func TestRun_RestoreFailureIsDegraded(t *testing.T) {
	h := newHarness()
	_, err := h.run(t, testPassphrase)
	require.NoError(t, err)

	h.crypto.restoreErr = errors.New("backup version not found")
	res, err := h.run(t, testPassphrase)
	require.NoError(t, err)

	assert.Equal(t, StateDeviceVerified, res.State)
	require.True(t, res.Degraded())
	assert.Equal(t, "restore", res.BackupError.Stage)
	assert.False(t, res.BackupError.BadKey)
	var rerr *BackupRestoreError
	assert.ErrorAs(t, res.BackupError, &rerr)

	// Non bad-key failures leave the cached key alone.
	_, ok, err := h.keys.Get(context.Background(), res.KeyID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRun_BadKeyDropsCachedKey(t *testing.T) {
	h := newHarness()
	_, err := h.run(t, testPassphrase)
	require.NoError(t, err)

	h.crypto.restoreErr = ErrBadKey
	res, err := h.run(t, testPassphrase)
	require.NoError(t, err)

	require.True(t, res.Degraded())
	assert.True(t, res.BackupError.BadKey)
	assert.ErrorIs(t, res.BackupError, ErrBadKey)
	_, ok, err := h.keys.Get(context.Background(), res.KeyID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRun_MissingBackupSecretIsDegraded(t *testing.T) {
	h := newHarness()
	_, err := h.run(t, testPassphrase)
	require.NoError(t, err)
	h.room.DeleteAccountData(testUser, MegolmBackupSecretName)

	res, err := h.run(t, testPassphrase)
	require.NoError(t, err)
	require.True(t, res.Degraded())
	assert.Equal(t, "read_secret", res.BackupError.Stage)
	assert.ErrorIs(t, res.BackupError, ssss.ErrSecretNotFound)
}

func TestRun_VerificationRetriesWithBackoff(t *testing.T) {
	h := newHarness()
	h.crypto.verifyAfter = 3

	res, err := h.run(t, testPassphrase)
	require.NoError(t, err)

	assert.Equal(t, StateDeviceVerified, res.State)
	assert.Equal(t, 1, h.crypto.requests)
	assert.Equal(t, 3, res.VerificationAttempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, h.clock.delays)
}

func TestRun_VerificationExhaustedIsFatal(t *testing.T) {
	h := newHarness()
	h.crypto.verifyAfter = 100

	res, err := h.run(t, testPassphrase)
	assert.ErrorIs(t, err, ErrDeviceVerificationFailed)
	assert.Nil(t, res)
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, h.clock.delays)
}

func TestRun_AlreadyVerifiedSkipsRequest(t *testing.T) {
	h := newHarness()
	_, err := h.run(t, testPassphrase)
	require.NoError(t, err)
	requests := h.crypto.requests

	res, err := h.run(t, testPassphrase)
	require.NoError(t, err)
	assert.True(t, res.AlreadyVerified)
	assert.Equal(t, requests, h.crypto.requests)
}
