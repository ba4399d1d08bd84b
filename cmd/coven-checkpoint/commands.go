// ABOUTME: Sub-commands that operate on a configured checkpoint room.
// ABOUTME: Each command parses its own flags and writes human or JSON output.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/coven-checkpoint/internal/app"
	"github.com/2389/coven-checkpoint/internal/checkpoint"
	"github.com/2389/coven-checkpoint/internal/config"
)

type env struct {
	app *app.App
	cfg *config.Config
	out io.Writer
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, e *env, args []string) error
}

var commands = []command{
	{"bootstrap", "unlock secret storage, restore key backup and verify this device", runBootstrap},
	{"show", "print a checkpoint tuple as JSON", runShow},
	{"history", "list a thread's checkpoints newest first", runHistory},
	{"rebuild-index", "rebuild the thread index from room history", runRebuildIndex},
	{"delete-thread", "delete every checkpoint of a thread", runDeleteThread},
	{"stats", "show index size, migrations and cache statistics", runStats},
}

func findCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func run(name string, args []string) error {
	cmd, ok := findCommand(name)
	if !ok {
		return fmt.Errorf("unknown command %q (run 'coven-checkpoint help')", name)
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}
	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)

	dataPath := getDataPath()
	if err := os.MkdirAll(dataPath, 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Open(ctx, cfg, dataPath, logger)
	if err != nil {
		return fmt.Errorf("opening %s: %w", cfg.Matrix.RoomID, err)
	}
	defer a.Close()

	return cmd.run(ctx, &env{app: a, cfg: cfg, out: os.Stdout}, args)
}

func newFlagSet(name string, out io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

// parseFlags returns done=true when help was requested.
func parseFlags(fs *pflag.FlagSet, args []string) (done bool, err error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

func threadFlags(fs *pflag.FlagSet) (thread, ns *string) {
	thread = fs.StringP("thread", "t", "", "thread id (required)")
	ns = fs.StringP("ns", "n", "", "checkpoint namespace (empty for the root graph)")
	return thread, ns
}

func runBootstrap(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("bootstrap", e.out)
	if done, err := parseFlags(fs, args); done || err != nil {
		return err
	}

	printBanner(e.out)
	printField(e.out, "Homeserver", e.cfg.Matrix.Homeserver)
	printField(e.out, "User", e.cfg.Matrix.UserID)
	printField(e.out, "Room", e.cfg.Matrix.RoomID)
	fmt.Fprintln(e.out)

	res, err := e.app.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	printField(e.out, "State", string(res.State))
	printField(e.out, "First run", fmt.Sprint(res.FirstRun))
	printField(e.out, "Key", res.KeyID)
	if res.Restore != nil {
		printField(e.out, "Backup", fmt.Sprintf("version %s, %d keys", res.Restore.Version, res.Restore.Imported))
	}
	if res.AlreadyVerified {
		printField(e.out, "Verified", "already")
	} else {
		printField(e.out, "Verified", fmt.Sprintf("after %d attempts", res.VerificationAttempts))
	}
	if res.Degraded() {
		yellow := color.New(color.FgYellow)
		yellow.Fprintf(e.out, "\n    ! key backup not restored: %v\n", res.BackupError)
	}
	return nil
}

type tupleView struct {
	ThreadID      string                    `json:"thread_id"`
	Namespace     string                    `json:"checkpoint_ns,omitempty"`
	CheckpointID  string                    `json:"checkpoint_id"`
	ParentID      string                    `json:"parent_checkpoint_id,omitempty"`
	Checkpoint    *checkpoint.Checkpoint    `json:"checkpoint"`
	Metadata      checkpoint.Metadata       `json:"metadata"`
	PendingWrites []checkpoint.PendingWrite `json:"pending_writes,omitempty"`
}

func viewOf(t *checkpoint.Tuple) tupleView {
	v := tupleView{
		ThreadID:      t.Config.ThreadID,
		Namespace:     t.Config.Namespace,
		CheckpointID:  t.Config.CheckpointID,
		Checkpoint:    t.Checkpoint,
		Metadata:      t.Metadata,
		PendingWrites: t.PendingWrites,
	}
	if t.ParentConfig != nil {
		v.ParentID = t.ParentConfig.CheckpointID
	}
	return v
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runShow(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("show", e.out)
	thread, ns := threadFlags(fs)
	id := fs.StringP("checkpoint", "c", "", "checkpoint id (default: the thread's latest)")
	raw := fs.Bool("raw", false, "print the stored record without resolving writes or the parent")
	if done, err := parseFlags(fs, args); done || err != nil {
		return err
	}

	cfg := checkpoint.Config{ThreadID: *thread, Namespace: *ns, CheckpointID: *id}
	if *raw {
		state, found, err := e.app.Store().GetState(ctx, cfg)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("checkpoint %s not found", *id)
		}
		return writeJSON(e.out, state)
	}

	tuple, err := e.app.Store().GetTuple(ctx, cfg)
	if err != nil {
		return err
	}
	if tuple == nil {
		return fmt.Errorf("no checkpoint for thread %q", *thread)
	}
	return writeJSON(e.out, viewOf(tuple))
}

// parseFilter turns key=value pairs into a metadata filter. Values that parse
// as JSON are used as such, anything else is a string.
func parseFilter(pairs []string) (checkpoint.Metadata, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	filter := checkpoint.Metadata{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("filter %q must be key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		filter[key] = v
	}
	return filter, nil
}

func runHistory(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("history", e.out)
	thread, ns := threadFlags(fs)
	limit := fs.IntP("limit", "l", 20, "maximum checkpoints to list (0 for all)")
	before := fs.String("before", "", "only checkpoints older than this id")
	filters := fs.StringArrayP("filter", "f", nil, "metadata key=value, repeatable")
	asJSON := fs.Bool("json", false, "print full tuples as JSON")
	if done, err := parseFlags(fs, args); done || err != nil {
		return err
	}

	filter, err := parseFilter(*filters)
	if err != nil {
		return err
	}
	tuples, err := e.app.Store().List(ctx, checkpoint.Config{ThreadID: *thread, Namespace: *ns},
		checkpoint.ListOptions{Filter: filter, Before: *before, Limit: *limit})
	if err != nil {
		return err
	}

	if *asJSON {
		views := make([]tupleView, 0, len(tuples))
		for _, t := range tuples {
			views = append(views, viewOf(t))
		}
		return writeJSON(e.out, views)
	}
	if len(tuples) == 0 {
		fmt.Fprintf(e.out, "no checkpoints for thread %q\n", *thread)
		return nil
	}
	fmt.Fprintf(e.out, "%-38s %-38s %-20s %-7s %s\n", "CHECKPOINT", "PARENT", "CREATED", "WRITES", "METADATA")
	for _, t := range tuples {
		v := viewOf(t)
		md, _ := json.Marshal(t.Metadata)
		fmt.Fprintf(e.out, "%-38s %-38s %-20s %-7d %s\n",
			v.CheckpointID, orDash(v.ParentID), t.Checkpoint.TS.UTC().Format(time.DateTime), len(t.PendingWrites), md)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runRebuildIndex(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("rebuild-index", e.out)
	namespace := fs.String("index-namespace", e.app.Store().IndexNamespace(), "thread map to rebuild")
	if done, err := parseFlags(fs, args); done || err != nil {
		return err
	}

	entries, err := e.app.Store().Index().Rebuild(ctx, *namespace)
	if err != nil {
		return fmt.Errorf("rebuilding index: %w", err)
	}
	fmt.Fprintf(e.out, "rebuilt index %q with %d entries\n", *namespace, len(entries))
	return nil
}

func runDeleteThread(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("delete-thread", e.out)
	thread, ns := threadFlags(fs)
	yes := fs.BoolP("yes", "y", false, "confirm deletion")
	if done, err := parseFlags(fs, args); done || err != nil {
		return err
	}
	if !*yes {
		return fmt.Errorf("refusing to delete thread %q without --yes", *thread)
	}

	if err := e.app.Store().DeleteThread(ctx, checkpoint.Config{ThreadID: *thread, Namespace: *ns}); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "deleted thread %q\n", *thread)
	return nil
}

func runStats(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("stats", e.out)
	if done, err := parseFlags(fs, args); done || err != nil {
		return err
	}

	store := e.app.Store()
	entries, err := store.Index().Get(ctx, store.IndexNamespace())
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "index %q: %d threads\n", store.IndexNamespace(), len(entries))
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(e.out, "  %-40s %s\n", k, entries[k])
	}

	migrated, failed, skipped := e.app.Log().MigrationStats()
	fmt.Fprintf(e.out, "migrations: %d migrated, %d failed, %d skipped\n", migrated, failed, skipped)

	fmt.Fprintf(e.out, "%-12s %8s %8s %8s %8s %10s %11s\n", "CACHE", "SIZE", "HITS", "MISSES", "SETS", "EVICTIONS", "EXPIRATIONS")
	for _, s := range store.CacheStats() {
		fmt.Fprintf(e.out, "%-12s %8d %8d %8d %8d %10d %11d\n", s.Name, s.Size, s.Hits, s.Misses, s.Sets, s.Evictions, s.Expirations)
	}
	return nil
}
