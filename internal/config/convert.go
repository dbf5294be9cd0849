package config

import (
	"github.com/replicasync/replica/internal/daemon"
	"github.com/replicasync/replica/internal/fullsync"
	"github.com/replicasync/replica/internal/retry"
	syncengine "github.com/replicasync/replica/internal/sync"
	"github.com/replicasync/replica/internal/wire"
)

// WireConfig returns the wire client settings.
func (c *Config) WireConfig() wire.Config {
	return wire.Config{
		BaseURL:              c.Server.URL,
		APIVersion:           c.Server.APIVersion,
		DeviceID:             c.Device.ID,
		Timeout:              c.Server.Timeout,
		Compression:          c.Sync.Compression,
		CompressionThreshold: c.Sync.CompressionThreshold,
	}
}

// EngineConfig returns the sync engine settings.
func (c *Config) EngineConfig() syncengine.Config {
	return syncengine.Config{
		BatchSize:            c.Sync.BatchSize,
		MaxConcurrentBatches: c.Sync.MaxConcurrentBatches,
		MaxConcurrentPages:   c.Sync.MaxConcurrentPages,
		SmartThreshold:       c.Sync.SmartThreshold,
		AdaptivePageSize:     c.Sync.AdaptivePageSize,
		PageSize:             c.Sync.PageSize,
		InterPageDelay:       c.Sync.InterPageDelay,
	}
}

// RetryConfig returns the retry policy shared by uploads and full sync.
func (c *Config) RetryConfig() retry.Config {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = c.Sync.Retry.MaxAttempts
	rc.InitialInterval = c.Sync.Retry.InitialInterval
	rc.MaxInterval = c.Sync.Retry.MaxInterval
	return rc
}

// FullSyncConfig returns the full sync settings.
func (c *Config) FullSyncConfig() fullsync.Config {
	return fullsync.Config{
		PageSize:            c.Sync.FullSyncPageSize,
		HistoricalBatchSize: c.Sync.BatchSize,
		InterPageDelay:      c.Sync.InterPageDelay,
	}
}

// DaemonConfig returns the daemon settings.
func (c *Config) DaemonConfig() daemon.Config {
	return daemon.Config{
		Poller: daemon.PollerConfig{
			InitialInterval: c.Polling.InitialInterval,
			MinInterval:     c.Polling.MinInterval,
			MaxInterval:     c.Polling.MaxInterval,
			MaxBackoff:      c.Polling.MaxBackoff,
			ShrinkFactor:    c.Polling.ShrinkFactor,
			GrowFactor:      c.Polling.GrowFactor,
		},
		FullSyncInterval: c.Sync.FullSyncInterval,
		Debounce:         c.Sync.Debounce,
		ShutdownTimeout:  c.Sync.ShutdownTimeout,
		TokenFile:        c.Server.TokenFile,
		KeyFile:          c.Encryption.KeyFile,
	}
}
