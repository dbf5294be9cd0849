package retry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	m := New(fastConfig(3), nil, nil)

	calls := 0
	err := m.Do(context.Background(), "fetch page", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	m := New(fastConfig(3), nil, nil)
	boom := errors.New("boom")

	calls := 0
	err := m.Do(context.Background(), "upload", func(ctx context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Do() error = %v, want boom", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	permanent := errors.New("401")
	m := New(fastConfig(5), func(err error) bool { return !errors.Is(err, permanent) }, nil)

	calls := 0
	err := m.Do(context.Background(), "upload", func(ctx context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestWithClassifier(t *testing.T) {
	base := New(fastConfig(4), func(error) bool { return false }, nil)
	retrying := base.WithClassifier(nil)

	calls := 0
	_ = retrying.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return errors.New("x")
	})
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}

	calls = 0
	_ = base.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return errors.New("x")
	})
	if calls != 1 {
		t.Errorf("base manager changed by WithClassifier: calls = %d", calls)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	m := New(Config{MaxAttempts: 10, InitialInterval: time.Second, MaxInterval: time.Second}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	start := time.Now()
	err := m.Do(ctx, "op", func(ctx context.Context) error {
		cancel()
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("Do() should fail when context is canceled")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("Do() kept waiting after cancel: %v", time.Since(start))
	}
}

func TestValue(t *testing.T) {
	m := New(fastConfig(2), nil, nil)
	calls := 0
	v, err := Value(context.Background(), m, "op", func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("first")
		}
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Errorf("Value() = %d, %v; want 42, nil", v, err)
	}
}

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	sem := NewSemaphore(2)
	var (
		inFlight atomic.Int32
		peak     atomic.Int32
		wg       sync.WaitGroup
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sem.Run(context.Background(), func(ctx context.Context) error {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
	if sem.Limit() != 2 {
		t.Errorf("Limit() = %d, want 2", sem.Limit())
	}
}

func TestSemaphoreAcquireHonorsContext(t *testing.T) {
	sem := NewSemaphore(1)
	if !sem.TryAcquire() {
		t.Fatal("TryAcquire() on empty semaphore failed")
	}
	defer sem.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := sem.Acquire(ctx); err == nil {
		t.Error("Acquire() on full semaphore should fail when context expires")
	}
}
