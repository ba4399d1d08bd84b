// ABOUTME: Tests for resolving the default key from account data.
// ABOUTME: Covers caching, wrong passphrases, stale cache entries, and secrets.

package ssss

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-checkpoint/internal/transport"
)

const testUser = "@bot:example.org"

func newTestDeriver(t *testing.T) (*Deriver, *transport.Memory, *MemoryKeyCache) {
	t.Helper()
	room := transport.NewMemory()
	cache := NewMemoryKeyCache()
	return NewDeriver(room, testUser, cache, nil), room, cache
}

func TestDeriver_CreateThenKey(t *testing.T) {
	ctx := context.Background()
	d, _, cache := newTestDeriver(t)

	created, err := d.CreateKey(ctx, "passphrase", testIterations)
	require.NoError(t, err)

	id, err := d.DefaultKeyID(ctx)
	require.NoError(t, err)
	assert.Equal(t, created.ID, id)

	require.NoError(t, cache.Clear(ctx))
	key, err := d.Key(ctx, "passphrase")
	require.NoError(t, err)
	assert.Equal(t, created.Raw, key.Raw)

	cached, ok, err := cache.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, created.Raw, cached)
}

func TestDeriver_WrongPassphraseNotCached(t *testing.T) {
	ctx := context.Background()
	d, _, cache := newTestDeriver(t)

	created, err := d.CreateKey(ctx, "right", testIterations)
	require.NoError(t, err)
	require.NoError(t, cache.Clear(ctx))

	_, err = d.Key(ctx, "wrong")
	assert.ErrorIs(t, err, ErrKeyVerificationFailed)

	_, ok, err := cache.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeriver_UsesCacheWithoutPassphrase(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDeriver(t)

	created, err := d.CreateKey(ctx, "right", testIterations)
	require.NoError(t, err)

	// A verified cached key wins even if the passphrase given now is wrong.
	key, err := d.Key(ctx, "not consulted")
	require.NoError(t, err)
	assert.Equal(t, created.Raw, key.Raw)
}

func TestDeriver_StaleCachedKeyIsReplaced(t *testing.T) {
	ctx := context.Background()
	d, _, cache := newTestDeriver(t)

	created, err := d.CreateKey(ctx, "right", testIterations)
	require.NoError(t, err)
	require.NoError(t, cache.Put(ctx, created.ID, make([]byte, 32)))

	key, err := d.Key(ctx, "right")
	require.NoError(t, err)
	assert.Equal(t, created.Raw, key.Raw)

	cached, _, err := cache.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Raw, cached)
}

func TestDeriver_NoDefaultKey(t *testing.T) {
	d, _, _ := newTestDeriver(t)

	_, err := d.Key(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoDefaultKey)
}

func TestDeriver_UnsupportedDescriptor(t *testing.T) {
	ctx := context.Background()
	d, room, _ := newTestDeriver(t)

	require.NoError(t, room.SetAccountData(ctx, testUser, DefaultKeyEventType, map[string]string{"key": "k"}))
	require.NoError(t, room.SetAccountData(ctx, testUser, KeyEventTypePrefix+"k", Descriptor{Algorithm: AlgorithmAESHMACSHA2}))

	_, err := d.Key(ctx, "x")
	assert.ErrorIs(t, err, ErrUnsupportedKeyType)
}

func TestDeriver_Secrets(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDeriver(t)

	key, err := d.CreateKey(ctx, "pass", testIterations)
	require.NoError(t, err)

	require.NoError(t, d.WriteSecret(ctx, key, "m.megolm_backup.v1", []byte("c2VjcmV0")))
	plain, err := d.ReadSecret(ctx, key, "m.megolm_backup.v1")
	require.NoError(t, err)
	assert.Equal(t, []byte("c2VjcmV0"), plain)

	_, err = d.ReadSecret(ctx, key, "m.cross_signing.master")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	other := &Key{ID: "other", Raw: key.Raw}
	_, err = d.ReadSecret(ctx, other, "m.megolm_backup.v1")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestDeriver_Forget(t *testing.T) {
	ctx := context.Background()
	d, _, cache := newTestDeriver(t)

	key, err := d.CreateKey(ctx, "pass", testIterations)
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())

	require.NoError(t, d.Forget(ctx, key.ID))
	assert.Zero(t, cache.Len())

	_, err = d.CreateKey(ctx, "pass", testIterations)
	require.NoError(t, err)
	require.NoError(t, d.ForgetAll(ctx))
	assert.Zero(t, cache.Len())
}

func TestDeriver_NewKeyIsNotPublished(t *testing.T) {
	ctx := context.Background()
	d, _, cache := newTestDeriver(t)

	key, err := d.NewKey("pass", testIterations)
	require.NoError(t, err)
	assert.Len(t, key.ID, 32)
	assert.Zero(t, cache.Len())

	_, err = d.DefaultKeyID(ctx)
	assert.ErrorIs(t, err, ErrNoDefaultKey)

	require.NoError(t, d.Publish(ctx, key))
	id, err := d.DefaultKeyID(ctx)
	require.NoError(t, err)
	assert.Equal(t, key.ID, id)
	assert.Equal(t, 1, cache.Len())
}
