// Package loadtest drives several simulated devices against one sync server
// and reports upload and cycle latency.
//
// Each device owns a private store and engine. The run has two phases:
// every device writes and uploads its records concurrently, then every
// device runs a full cycle to pull the others' records. A run converges
// when every device ends up holding every record.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/replicasync/replica/internal/catalog"
	"github.com/replicasync/replica/internal/crypto"
	"github.com/replicasync/replica/internal/model"
	"github.com/replicasync/replica/internal/retry"
	"github.com/replicasync/replica/internal/store"
	syncengine "github.com/replicasync/replica/internal/sync"
	"github.com/replicasync/replica/internal/wire"
)

// Config describes one load test run.
type Config struct {
	BaseURL          string
	Token            string
	Key              []byte // 32-byte key shared by every device
	Dir              string // device databases are created here
	Table            string
	Devices          int
	ChangesPerDevice int
	Engine           syncengine.Config
	Retry            retry.Config
}

// DefaultConfig returns a small run against the snippets table.
func DefaultConfig() Config {
	return Config{
		Table:            "snippets",
		Devices:          4,
		ChangesPerDevice: 25,
		Engine:           syncengine.DefaultConfig(),
		Retry:            retry.DefaultConfig(),
	}
}

// LatencyStats captures latency percentiles for one kind of operation.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration // Median
	P95        time.Duration
	P99        time.Duration
	Operations int
	Errors     int
	Durations  []time.Duration
}

// Report is the outcome of a run.
type Report struct {
	Devices   int
	Expected  int // records each device should hold
	Uploads   *LatencyStats
	Cycles    *LatencyStats
	Counts    map[string]int
	Converged bool
	Elapsed   time.Duration
}

type device struct {
	id     string
	store  *store.Store
	engine *syncengine.Engine
}

// Run executes the load test.
func Run(ctx context.Context, cfg Config, logger *slog.Logger) (*Report, error) {
	if cfg.Devices <= 0 || cfg.ChangesPerDevice <= 0 {
		return nil, fmt.Errorf("devices and changes per device must be positive")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	devices, err := openDevices(cfg, logger)
	defer func() {
		for _, d := range devices {
			_ = d.store.Close()
		}
	}()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	uploads := runPhase(ctx, devices, logger, func(ctx context.Context, d *device) ([]time.Duration, int) {
		var (
			durations []time.Duration
			errs      int
		)
		for j := 0; j < cfg.ChangesPerDevice; j++ {
			rec := model.Record{"title": fmt.Sprintf("%s change %d", d.id, j), "body": "load"}
			if _, err := d.store.Insert(ctx, cfg.Table, rec); err != nil {
				logger.Warn("insert failed", "device", d.id, "error", err)
				errs++
				continue
			}
			began := time.Now()
			if _, err := d.engine.IncrementalSyncSmart(ctx, cfg.Table); err != nil {
				logger.Warn("upload failed", "device", d.id, "error", err)
				errs++
			}
			durations = append(durations, time.Since(began))
		}
		return durations, errs
	})

	cycles := runPhase(ctx, devices, logger, func(ctx context.Context, d *device) ([]time.Duration, int) {
		began := time.Now()
		_, err := d.engine.RunCycle(ctx)
		if err != nil {
			logger.Warn("cycle failed", "device", d.id, "error", err)
			return []time.Duration{time.Since(began)}, 1
		}
		return []time.Duration{time.Since(began)}, 0
	})

	report := &Report{
		Devices:   len(devices),
		Expected:  cfg.Devices * cfg.ChangesPerDevice,
		Uploads:   uploads,
		Cycles:    cycles,
		Counts:    make(map[string]int, len(devices)),
		Converged: true,
		Elapsed:   time.Since(start),
	}
	for _, d := range devices {
		n, err := d.store.CountRecords(ctx, cfg.Table)
		if err != nil {
			return nil, err
		}
		report.Counts[d.id] = n
		if n != report.Expected {
			report.Converged = false
		}
	}
	return report, nil
}

func openDevices(cfg Config, logger *slog.Logger) ([]*device, error) {
	cat, err := catalog.Default()
	if err != nil {
		return nil, err
	}
	if _, ok := cat.Table(cfg.Table); !ok {
		return nil, fmt.Errorf("unknown table %q", cfg.Table)
	}

	var devices []*device
	for i := 0; i < cfg.Devices; i++ {
		id := fmt.Sprintf("loadtest-%02d", i)
		st, err := store.Open(filepath.Join(cfg.Dir, id+".db"), cat)
		if err != nil {
			return devices, fmt.Errorf("failed to open %s store: %w", id, err)
		}
		devices = append(devices, &device{id: id, store: st})
		if err := st.InitSchema(); err != nil {
			return devices, fmt.Errorf("failed to initialize %s store: %w", id, err)
		}

		client, err := wire.New(wire.Config{BaseURL: cfg.BaseURL, DeviceID: id, Compression: true}, wire.NewStaticToken(cfg.Token), logger)
		if err != nil {
			return devices, err
		}
		gw, err := crypto.NewKeyGateway(cfg.Key)
		if err != nil {
			return devices, err
		}
		eng, err := syncengine.New(st, client, gw, cfg.Engine,
			syncengine.WithLogger(logger.With("device", id)),
			syncengine.WithRetry(retry.New(cfg.Retry, nil, logger)))
		if err != nil {
			return devices, err
		}
		devices[len(devices)-1].engine = eng
	}
	return devices, nil
}

// runPhase runs fn on every device concurrently and aggregates latencies.
func runPhase(ctx context.Context, devices []*device, logger *slog.Logger, fn func(context.Context, *device) ([]time.Duration, int)) *LatencyStats {
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		allDurations []time.Duration
		errorCount   int
	)
	for _, d := range devices {
		wg.Add(1)
		go func(d *device) {
			defer wg.Done()
			durations, errs := fn(ctx, d)
			mu.Lock()
			defer mu.Unlock()
			allDurations = append(allDurations, durations...)
			errorCount += errs
		}(d)
	}
	wg.Wait()

	stats := computeLatencyStats(allDurations)
	stats.Errors = errorCount
	logger.Debug("load phase complete", "operations", stats.Operations, "errors", errorCount, "p95", stats.P95)
	return stats
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(sorted)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		Operations: len(sorted),
		Durations:  sorted,
	}
}

// Fprint writes the statistics under a label.
func (s *LatencyStats) Fprint(w io.Writer, label string) {
	fmt.Fprintf(w, "%s:\n", label)
	fmt.Fprintf(w, "  Operations:    %d\n", s.Operations)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
