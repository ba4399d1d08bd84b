// ABOUTME: Tests for the thread index and state key layout.
// ABOUTME: Covers empty maps, overwrite semantics, removal, and rebuild from history.

package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-checkpoint/internal/cache"
	"github.com/2389/coven-checkpoint/internal/statelog"
	"github.com/2389/coven-checkpoint/internal/transport"
)

func newTestIndex(t *testing.T, room *transport.Memory) *ThreadIndex {
	t.Helper()
	c := cache.New[map[string]string]("thread_maps", time.Minute, 100)
	t.Cleanup(c.Close)
	return NewThreadIndex(statelog.New(room, testRoom, nil), NewEventTypes(""), c, nil)
}

func TestThreadIndex_EmptyNamespace(t *testing.T) {
	x := newTestIndex(t, transport.NewMemory())

	m, err := x.Get(context.Background(), "bot-a")
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestThreadIndex_UpdateOverwrites(t *testing.T) {
	ctx := context.Background()
	room := transport.NewMemory()
	x := newTestIndex(t, room)

	require.NoError(t, x.Update(ctx, "bot-a", "t1", "c5"))
	require.NoError(t, x.Update(ctx, "bot-a", "t1", "c2"))
	require.NoError(t, x.Update(ctx, "bot-a", "t2", "c9"))

	m, err := x.Get(ctx, "bot-a")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"t1": "c2", "t2": "c9"}, m)

	// Another namespace is independent.
	other, err := x.Get(ctx, "bot-b")
	require.NoError(t, err)
	assert.Empty(t, other)

	// The map is durable, not just cached.
	fresh := newTestIndex(t, room)
	m, err = fresh.Get(ctx, "bot-a")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"t1": "c2", "t2": "c9"}, m)
}

func TestThreadIndex_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	x := newTestIndex(t, transport.NewMemory())
	require.NoError(t, x.Update(ctx, "ns", "t1", "c1"))

	m, err := x.Get(ctx, "ns")
	require.NoError(t, err)
	m["t1"] = "tampered"

	id, ok, err := x.Lookup(ctx, "ns", "t1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "c1", id)
}

func TestThreadIndex_Remove(t *testing.T) {
	ctx := context.Background()
	room := transport.NewMemory()
	x := newTestIndex(t, room)
	require.NoError(t, x.Update(ctx, "ns", "t1", "c1"))
	require.NoError(t, x.Update(ctx, "ns", "t2", "c2"))

	require.NoError(t, x.Remove(ctx, "ns", "t1"))
	room.ResetCalls()
	require.NoError(t, x.Remove(ctx, "ns", "missing"))
	assert.Zero(t, room.Calls("SendStateEvent"))

	m, err := x.Get(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"t2": "c2"}, m)
}

func TestThreadIndex_Rebuild(t *testing.T) {
	ctx := context.Background()
	room := transport.NewMemory()
	log := statelog.New(room, testRoom, nil)
	bot := NewStore(log, Options{IndexNamespace: "bot-a"})
	t.Cleanup(bot.Close)
	otherBot := NewStore(log, Options{IndexNamespace: "bot-b"})
	t.Cleanup(otherBot.Close)

	cfg := Config{ThreadID: "t1"}
	for _, id := range []string{"c1", "c3", "c2"} {
		var err error
		cfg, err = bot.Put(ctx, cfg, counterCheckpoint(id, 1), nil)
		require.NoError(t, err)
	}
	_, err := bot.Put(ctx, Config{ThreadID: "t1", Namespace: "sub"}, counterCheckpoint("s1", 1), nil)
	require.NoError(t, err)
	_, err = bot.Put(ctx, Config{ThreadID: "deleted"}, counterCheckpoint("d1", 1), nil)
	require.NoError(t, err)
	require.NoError(t, bot.DeleteThread(ctx, Config{ThreadID: "deleted"}))
	_, err = otherBot.Put(ctx, Config{ThreadID: "elsewhere"}, counterCheckpoint("e1", 1), nil)
	require.NoError(t, err)

	// Wipe the map so only history remains.
	_, err = room.SendStateEvent(ctx, testRoom, NewEventTypes("").ThreadMap, "bot-a", struct{}{})
	require.NoError(t, err)

	x := newTestIndex(t, room)
	empty, err := x.Get(ctx, "bot-a")
	require.NoError(t, err)
	require.Empty(t, empty)

	rebuilt, err := x.Rebuild(ctx, "bot-a")
	require.NoError(t, err)
	// Greatest id wins, not the last written one.
	assert.Equal(t, map[string]string{"t1": "c3", "t1|sub": "s1"}, rebuilt)

	m, err := x.Get(ctx, "bot-a")
	require.NoError(t, err)
	assert.Equal(t, rebuilt, m)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "t1//c1", checkpointKey("t1", "", "c1"))
	assert.Equal(t, "a%2Fb/ns/c1", checkpointKey("a/b", "ns", "c1"))
	assert.Equal(t, "t1/", threadKey("t1", ""))
	assert.Equal(t, "a%2Fb//", threadPrefix("a/b", ""))
	assert.Equal(t, "t1/ns/", threadPrefix("t1", "ns"))
	assert.Equal(t, "t1", indexKey("t1", ""))
	assert.Equal(t, "t1|ns", indexKey("t1", "ns"))
	assert.Equal(t, "a%7Cb", indexKey("a|b", ""))
	assert.Equal(t, "a|b", indexKey("a", "b"))
	assert.Equal(t, "a%7Cb|c", indexKey("a|b", "c"))
	assert.NotEqual(t, indexKey("a|b", "c"), indexKey("a", "b|c"))

	types := NewEventTypes("")
	assert.Equal(t, "ai.coven.checkpoint", types.Checkpoint)
	assert.Equal(t, "ai.coven.checkpoint.writes", types.Writes)
	assert.Equal(t, "ai.coven.checkpoint.latest", types.Latest)
	assert.Equal(t, "ai.coven.thread_map", types.ThreadMap)
	assert.Equal(t, "org.example.thread_map", NewEventTypes("org.example").ThreadMap)
}

func TestWriteIdx(t *testing.T) {
	assert.Equal(t, -1, WriteIdx(ChannelError, 5))
	assert.Equal(t, -2, WriteIdx(ChannelScheduled, 5))
	assert.Equal(t, -3, WriteIdx(ChannelInterrupt, 5))
	assert.Equal(t, -4, WriteIdx(ChannelResume, 5))
	assert.Equal(t, 5, WriteIdx("messages", 5))
}
