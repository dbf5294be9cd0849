// Package retry provides retry-with-backoff for sync I/O and a context-aware
// semaphore bounding how many batches or pages are in flight.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config controls exponential backoff.
type Config struct {
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultConfig returns three attempts starting at 500ms with 50% jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:         3,
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
	}
}

// Classifier reports whether an error is worth another attempt.
type Classifier func(error) bool

// RetryAll retries every error except context cancellation.
func RetryAll(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Manager runs operations with retries.
type Manager struct {
	cfg       Config
	retryable Classifier
	logger    *slog.Logger
}

// New creates a Manager. A nil classifier retries every error.
func New(cfg Config, retryable Classifier, logger *slog.Logger) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultConfig().InitialInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultConfig().Multiplier
	}
	if retryable == nil {
		retryable = RetryAll
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, retryable: retryable, logger: logger}
}

// WithClassifier returns a copy of m that uses c to decide retries.
func (m *Manager) WithClassifier(c Classifier) *Manager {
	out := *m
	if c == nil {
		c = RetryAll
	}
	out.retryable = c
	return &out
}

// Config returns the manager's configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

func (m *Manager) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialInterval
	b.MaxInterval = m.cfg.MaxInterval
	b.Multiplier = m.cfg.Multiplier
	b.RandomizationFactor = m.cfg.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.cfg.MaxAttempts-1)), ctx)
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts
// MaxAttempts, or ctx is done. The last error is returned.
func (m *Manager) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !m.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, m.newBackOff(ctx), func(err error, next time.Duration) {
		m.logger.Debug("retrying operation",
			"op", op, "attempt", attempt, "max_attempts", m.cfg.MaxAttempts,
			"next", next, "error", err)
	})
	if err == nil {
		return nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if attempt > 1 {
		return fmt.Errorf("%s failed after %d attempts: %w", op, attempt, err)
	}
	return err
}

// Value runs fn like Do and returns its result.
func Value[T any](ctx context.Context, m *Manager, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := m.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
