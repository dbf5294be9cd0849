package retry

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Semaphore limits concurrent work. Acquire honors context cancellation.
type Semaphore struct {
	sem *semaphore.Weighted
	max int64
}

// NewSemaphore returns a semaphore admitting n holders (at least one).
func NewSemaphore(n int) *Semaphore {
	if n < 1 {
		n = 1
	}
	return &Semaphore{sem: semaphore.NewWeighted(int64(n)), max: int64(n)}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	return s.sem.Acquire(ctx, 1)
}

// TryAcquire takes a slot without blocking.
func (s *Semaphore) TryAcquire() bool {
	return s.sem.TryAcquire(1)
}

// Release frees a slot.
func (s *Semaphore) Release() {
	s.sem.Release(1)
}

// Limit returns the number of slots.
func (s *Semaphore) Limit() int {
	return int(s.max)
}

// Run executes fn while holding a slot.
func (s *Semaphore) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.Acquire(ctx); err != nil {
		return err
	}
	defer s.Release()
	return fn(ctx)
}
