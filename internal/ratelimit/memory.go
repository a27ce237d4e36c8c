package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryCounters keeps fixed windows in process memory.
type MemoryCounters struct {
	mu      sync.Mutex
	clock   clock.Clock
	windows map[string]window
}

// NewMemoryCounters returns counters driven by the given clock.
func NewMemoryCounters(counterClock clock.Clock) *MemoryCounters {
	if counterClock == nil {
		counterClock = clock.NewDefaultClock()
	}
	return &MemoryCounters{clock: counterClock, windows: make(map[string]window)}
}

func (counters *MemoryCounters) Increment(ctx context.Context, key string, ceiling int64, length time.Duration) (bool, error) {
	counters.mu.Lock()
	defer counters.mu.Unlock()
	now := counters.clock.Now()
	current, exists := counters.windows[key]
	if !exists || !now.Before(current.resetAt) {
		current = window{resetAt: now.Add(length)}
	}
	if current.count >= ceiling {
		return false, nil
	}
	current.count++
	counters.windows[key] = current
	return true, nil
}

func (counters *MemoryCounters) Delete(ctx context.Context, keys ...string) error {
	counters.mu.Lock()
	defer counters.mu.Unlock()
	for _, key := range keys {
		delete(counters.windows, key)
	}
	return nil
}
