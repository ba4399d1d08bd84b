// ABOUTME: Runtime context that builds the checkpoint store and crypto bootstrap from config.
// ABOUTME: Owns every long-lived resource and closes them in reverse order.

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/2389/coven-checkpoint/internal/bootstrap"
	"github.com/2389/coven-checkpoint/internal/checkpoint"
	"github.com/2389/coven-checkpoint/internal/config"
	"github.com/2389/coven-checkpoint/internal/matrix"
	"github.com/2389/coven-checkpoint/internal/ssss"
	"github.com/2389/coven-checkpoint/internal/statelog"
	"github.com/2389/coven-checkpoint/internal/transport"
)

// Deps are the collaborators New needs.
type Deps struct {
	Transport transport.Transport
	Keys      ssss.KeyCache
	// Crypto is used by Bootstrap. When nil, Bootstrap calls NewCrypto.
	Crypto    bootstrap.CryptoAPI
	NewCrypto func(ctx context.Context) (bootstrap.CryptoAPI, error)
}

// App holds the wired runtime.
type App struct {
	cfg       *config.Config
	deps      Deps
	log       *statelog.Log
	store     *checkpoint.Store
	base      *slog.Logger
	logger    *slog.Logger
	closers   []func() error
	bootstrap *bootstrap.Result
}

// New builds the store over deps.Transport.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if deps.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	log := statelog.New(deps.Transport, cfg.Matrix.RoomID, logger)
	return &App{
		cfg:    cfg,
		deps:   deps,
		log:    log,
		store:  checkpoint.NewStore(log, StoreOptions(cfg, logger)),
		base:   logger,
		logger: logger.With("component", "app"),
	}, nil
}

// Open logs in to Matrix, opens the key cache under dataDir and builds the store.
// Crypto is set up on the first Bootstrap call.
func Open(ctx context.Context, cfg *config.Config, dataDir string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Crypto.DataDir != "" {
		dataDir = cfg.Crypto.DataDir
	}
	if dataDir == "" {
		return nil, errors.New("a data directory is required")
	}

	client, err := matrix.Connect(ctx, matrix.ClientConfig{
		Homeserver:  cfg.Matrix.Homeserver,
		UserID:      cfg.Matrix.UserID,
		Password:    cfg.Matrix.Password,
		AccessToken: cfg.Matrix.AccessToken,
		DeviceID:    cfg.Matrix.DeviceID,
		DeviceName:  cfg.Matrix.DeviceName,
	}, logger)
	if err != nil {
		return nil, err
	}
	tr := matrix.NewTransport(client)

	keyPath := cfg.Crypto.KeyCachePath
	if keyPath == "" {
		keyPath = filepath.Join(dataDir, "keys.db")
	}
	keys, err := ssss.NewSQLiteKeyCache(keyPath)
	if err != nil {
		return nil, fmt.Errorf("opening key cache: %w", err)
	}

	a, err := New(cfg, Deps{Transport: tr, Keys: keys}, logger)
	if err != nil {
		keys.Close()
		return nil, err
	}
	a.closers = append(a.closers, keys.Close)
	a.deps.NewCrypto = func(ctx context.Context) (bootstrap.CryptoAPI, error) {
		deriver := ssss.NewDeriver(tr, client.UserID.String(), keys, logger)
		cm, err := matrix.SetupCrypto(ctx, client, matrix.CryptoOptions{
			DataDir:    dataDir,
			Password:   cfg.Matrix.Password,
			Iterations: cfg.Crypto.Iterations,
			Deriver:    deriver,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, cm.Close)
		return cm, nil
	}
	return a, nil
}

// StoreOptions maps the checkpoint config section onto store options.
func StoreOptions(cfg *config.Config, logger *slog.Logger) checkpoint.Options {
	return checkpoint.Options{
		CacheTTL:           cfg.Checkpoint.CacheTTL,
		CacheMaxEntries:    cfg.Checkpoint.CacheMaxEntries,
		MaxCheckpointBytes: cfg.Checkpoint.MaxCheckpointBytes,
		EventPrefix:        cfg.Checkpoint.EventPrefix,
		IndexNamespace:     cfg.Checkpoint.IndexNamespace,
		VerifyParent:       cfg.Checkpoint.VerifyParent,
		Logger:             logger,
	}
}

// Store returns the checkpoint store.
func (a *App) Store() *checkpoint.Store {
	return a.store
}

// Log returns the room log under the store.
func (a *App) Log() *statelog.Log {
	return a.log
}

// BootstrapResult returns the result of the last successful Bootstrap, or nil.
func (a *App) BootstrapResult() *bootstrap.Result {
	return a.bootstrap
}

// Bootstrap runs the crypto bootstrap. A returned error means the device must not be trusted.
func (a *App) Bootstrap(ctx context.Context) (*bootstrap.Result, error) {
	if a.deps.Crypto == nil {
		if a.deps.NewCrypto == nil {
			return nil, fmt.Errorf("%w: no crypto API configured", bootstrap.ErrConfiguration)
		}
		c, err := a.deps.NewCrypto(ctx)
		if err != nil {
			return nil, fmt.Errorf("setting up crypto: %w", err)
		}
		a.deps.Crypto = c
	}

	b, err := bootstrap.New(a.deps.Crypto, a.deps.Transport, a.deps.Keys, bootstrap.Config{
		UserID:     a.cfg.Matrix.UserID,
		Passphrase: a.cfg.Crypto.Passphrase,
		Iterations: a.cfg.Crypto.Iterations,
	}, a.base)
	if err != nil {
		return nil, err
	}
	res, err := b.Run(ctx)
	if err != nil {
		return nil, err
	}
	a.bootstrap = res
	a.logger.Info("bootstrap complete", "state", res.State, "first_run", res.FirstRun, "degraded", res.Degraded())
	return res, nil
}

// Close waits for background migrations and releases resources.
func (a *App) Close() error {
	a.store.Close()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
