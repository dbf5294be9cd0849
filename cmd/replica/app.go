package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/goccy/go-json"

	"github.com/replicasync/replica/internal/catalog"
	"github.com/replicasync/replica/internal/crypto"
	"github.com/replicasync/replica/internal/fullsync"
	"github.com/replicasync/replica/internal/metrics"
	"github.com/replicasync/replica/internal/retry"
	"github.com/replicasync/replica/internal/store"
	syncengine "github.com/replicasync/replica/internal/sync"
	"github.com/replicasync/replica/internal/wire"
)

// app is everything a command needs to talk to the server.
type app struct {
	store   *store.Store
	client  *wire.Client
	engine  *syncengine.Engine
	full    *fullsync.Manager
	metrics *metrics.Metrics
}

type appOptions struct {
	metrics  *metrics.Metrics
	observer fullsync.Observer
}

// openStore opens the configured database and brings its schema up to date.
func openStore(ctx context.Context) (*store.Store, error) {
	cat, err := loadCatalog()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Database.Path, cat)
	if err != nil {
		return nil, err
	}
	if err := st.InitSchemaContext(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

func loadCatalog() (*catalog.Catalog, error) {
	if cfg.Catalog.Path == "" {
		return catalog.Default()
	}
	return catalog.Load(cfg.Catalog.Path)
}

// openApp wires store, wire client, engine and full-sync manager from the
// loaded configuration. Close releases the store.
func openApp(ctx context.Context, opts appOptions) (*app, error) {
	if err := cfg.RequireServer(); err != nil {
		return nil, err
	}

	gw, err := crypto.LoadKeyFile(cfg.Encryption.KeyFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w (run 'replica config init' to generate a key)", err)
		}
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	deviceID := cfg.Device.ID
	if deviceID != "" {
		err = st.SetDeviceID(ctx, deviceID)
	} else {
		deviceID, err = st.DeviceID(ctx)
	}
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	wc := cfg.WireConfig()
	wc.DeviceID = deviceID
	client, err := wire.New(wc, authProvider(), logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	rm := retry.New(cfg.RetryConfig(), nil, logger)
	engine, err := syncengine.New(st, client, gw, cfg.EngineConfig(),
		syncengine.WithLogger(logger),
		syncengine.WithRetry(rm),
		syncengine.WithMetrics(opts.metrics))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	fullOpts := []fullsync.Option{
		fullsync.WithLogger(logger),
		fullsync.WithRetry(rm),
		fullsync.WithMetrics(opts.metrics),
	}
	if opts.observer != nil {
		fullOpts = append(fullOpts, fullsync.WithObserver(opts.observer))
	}

	return &app{
		store:   st,
		client:  client,
		engine:  engine,
		full:    fullsync.New(engine, client, cfg.FullSyncConfig(), fullOpts...),
		metrics: opts.metrics,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func authProvider() wire.AuthProvider {
	if cfg.Server.TokenFile != "" {
		return wire.NewFileToken(cfg.Server.TokenFile)
	}
	return wire.NewStaticToken(cfg.Server.Token)
}

// outputJSON writes v to stdout as indented JSON.
func outputJSON(v any) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}

// outputJSONError writes {"error": "..."} to stderr and exits with code 1.
func outputJSONError(err error) {
	encoder := json.NewEncoder(os.Stderr)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(map[string]string{"error": err.Error()})
	os.Exit(1)
}
