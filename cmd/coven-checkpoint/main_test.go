// ABOUTME: Tests for the coven-checkpoint CLI.
// ABOUTME: Commands run against an in-memory room through the app wiring.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-checkpoint/internal/app"
	"github.com/2389/coven-checkpoint/internal/checkpoint"
	"github.com/2389/coven-checkpoint/internal/config"
	"github.com/2389/coven-checkpoint/internal/transport"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Matrix.Homeserver = "https://example.org"
	cfg.Matrix.UserID = "@agent:example.org"
	cfg.Matrix.Password = "pw"
	cfg.Matrix.RoomID = "!room:example.org"
	cfg.Crypto.Passphrase = "open sesame"
	data, err := renderConfig(cfg)
	require.NoError(t, err)
	parsed, err := config.Parse(string(data), "toml")
	require.NoError(t, err)
	return parsed
}

func newTestEnv(t *testing.T) (*env, *bytes.Buffer) {
	t.Helper()
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := app.New(cfg, app.Deps{Transport: transport.NewMemory()}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	var out bytes.Buffer
	return &env{app: a, cfg: cfg, out: &out}, &out
}

func seedThread(t *testing.T, e *env, thread string, steps int) []string {
	t.Helper()
	ctx := context.Background()
	var ids []string
	parent := ""
	for i := 0; i < steps; i++ {
		cfg, err := e.app.Store().Put(ctx, checkpoint.Config{ThreadID: thread, CheckpointID: parent},
			&checkpoint.Checkpoint{ChannelValues: map[string]any{"step": int64(i)}},
			checkpoint.Metadata{"step": int64(i), "source": "loop"})
		require.NoError(t, err)
		ids = append(ids, cfg.CheckpointID)
		parent = cfg.CheckpointID
	}
	return ids
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("COVEN_CHECKPOINT_CONFIG", "/etc/coven/custom.yaml")
	assert.Equal(t, "/etc/coven/custom.yaml", getConfigPath())

	t.Setenv("COVEN_CHECKPOINT_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "coven", "checkpoint.toml"), getConfigPath())
}

func TestGetDataPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	assert.Equal(t, filepath.Join("/data", "coven"), getDataPath())
}

func TestSetupLogger(t *testing.T) {
	ctx := context.Background()
	assert.True(t, setupLogger("debug", "text").Enabled(ctx, slog.LevelDebug))
	assert.False(t, setupLogger("warn", "json").Enabled(ctx, slog.LevelInfo))
	assert.True(t, setupLogger("bogus", "text").Enabled(ctx, slog.LevelInfo))
}

func TestFindCommand(t *testing.T) {
	for _, name := range []string{"bootstrap", "show", "history", "rebuild-index", "delete-thread", "stats"} {
		_, ok := findCommand(name)
		assert.True(t, ok, name)
	}
	_, ok := findCommand("init")
	assert.False(t, ok, "init runs without a config")
	assert.ErrorContains(t, run("frobnicate", nil), "unknown command")
}

func TestPrintUsage(t *testing.T) {
	var out bytes.Buffer
	printUsage(&out)
	for _, c := range commands {
		assert.Contains(t, out.String(), c.name)
	}
}

func TestParseFilter(t *testing.T) {
	filter, err := parseFilter([]string{"step=2", "source=loop", `tags=["a"]`, "empty="})
	require.NoError(t, err)
	assert.Equal(t, float64(2), filter["step"])
	assert.Equal(t, "loop", filter["source"])
	assert.Equal(t, []any{"a"}, filter["tags"])
	assert.Equal(t, "", filter["empty"])

	none, err := parseFilter(nil)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = parseFilter([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseFilter([]string{"=x"})
	assert.Error(t, err)
}

func TestRenderConfig(t *testing.T) {
	cfg := testConfig(t)

	assert.NoError(t, cfg.Validate())
	assert.Equal(t, config.DefaultEventPrefix, cfg.Checkpoint.EventPrefix)
}

func TestRunInit(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("COVEN_CHECKPOINT_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("MATRIX_PASSWORD", "pw")
	t.Setenv("COVEN_RECOVERY_PASSPHRASE", "open sesame")

	answers := strings.Join([]string{
		"https://matrix.example.org",
		"@agent:example.org",
		"",
		"!room:example.org",
		"",
		"ai.custom",
		"",
	}, "\n") + "\n"
	var out bytes.Buffer
	require.NoError(t, runInit(strings.NewReader(answers), &out))
	assert.Contains(t, out.String(), "Config written")

	cfg, err := config.Load(filepath.Join(dir, "coven", "checkpoint.toml"))
	require.NoError(t, err)
	assert.Equal(t, "https://matrix.example.org", cfg.Matrix.Homeserver)
	assert.Equal(t, "pw", cfg.Matrix.Password)
	assert.Equal(t, "open sesame", cfg.Crypto.Passphrase)
	assert.Equal(t, "ai.custom", cfg.Checkpoint.EventPrefix)
	assert.Equal(t, config.DefaultCacheTTL, cfg.Checkpoint.CacheTTL)

	out.Reset()
	require.NoError(t, runInit(strings.NewReader("n\n"), &out))
	assert.Contains(t, out.String(), "Aborted")
}

func TestRunShow(t *testing.T) {
	e, out := newTestEnv(t)
	ids := seedThread(t, e, "t1", 2)

	require.NoError(t, runShow(context.Background(), e, []string{"--thread", "t1"}))

	var view map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &view))
	assert.Equal(t, ids[1], view["checkpoint_id"])
	assert.Equal(t, ids[0], view["parent_checkpoint_id"])

	out.Reset()
	require.NoError(t, runShow(context.Background(), e, []string{"-t", "t1", "-c", ids[0], "--raw"}))
	assert.Contains(t, out.String(), ids[0])

	assert.ErrorContains(t, runShow(context.Background(), e, []string{"--thread", "missing"}), "no checkpoint")
	assert.ErrorIs(t, runShow(context.Background(), e, nil), checkpoint.ErrMissingThreadID)
}

func TestRunHistory(t *testing.T) {
	e, out := newTestEnv(t)
	ids := seedThread(t, e, "t1", 3)

	require.NoError(t, runHistory(context.Background(), e, []string{"--thread", "t1"}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[1], ids[2]))
	assert.True(t, strings.HasPrefix(lines[3], ids[0]))

	out.Reset()
	require.NoError(t, runHistory(context.Background(), e, []string{"-t", "t1", "--json", "-f", "step=1"}))
	var views []map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, ids[1], views[0]["checkpoint_id"])

	out.Reset()
	require.NoError(t, runHistory(context.Background(), e, []string{"-t", "nobody"}))
	assert.Contains(t, out.String(), "no checkpoints")
}

func TestRunDeleteThread(t *testing.T) {
	e, out := newTestEnv(t)
	seedThread(t, e, "t1", 2)

	assert.ErrorContains(t, runDeleteThread(context.Background(), e, []string{"--thread", "t1"}), "--yes")

	require.NoError(t, runDeleteThread(context.Background(), e, []string{"--thread", "t1", "--yes"}))
	assert.Contains(t, out.String(), "deleted thread")

	tuple, err := e.app.Store().GetTuple(context.Background(), checkpoint.Config{ThreadID: "t1"})
	require.NoError(t, err)
	assert.Nil(t, tuple)
}

func TestRunRebuildIndexAndStats(t *testing.T) {
	e, out := newTestEnv(t)
	seedThread(t, e, "t1", 2)
	seedThread(t, e, "t2", 1)

	require.NoError(t, runRebuildIndex(context.Background(), e, nil))
	assert.Contains(t, out.String(), "2 entries")

	out.Reset()
	require.NoError(t, runStats(context.Background(), e, nil))
	s := out.String()
	assert.Contains(t, s, "2 threads")
	assert.Contains(t, s, "checkpoints")
	assert.Contains(t, s, "thread_maps")
	assert.Contains(t, s, "migrations: 0 migrated")
}

func TestCommandHelp(t *testing.T) {
	e, out := newTestEnv(t)

	require.NoError(t, runHistory(context.Background(), e, []string{"--help"}))
	assert.Contains(t, out.String(), "--thread")
}
