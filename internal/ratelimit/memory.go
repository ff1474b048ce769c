package ratelimit

import (
	"context"
	"sync"
	"time"
)

const memoryPruneThreshold = 10000

type memoryEntry struct {
	window int64
	count  int
}

// MemoryLimiter implements a fixed-window in-memory rate limiter.
type MemoryLimiter struct {
	mu       sync.Mutex
	counters map[string]*memoryEntry
}

// NewMemoryLimiter constructs a MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		counters: make(map[string]*memoryEntry),
	}
}

// Allow checks whether the request should be allowed in the current window.
func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Result, error) {
	if limit <= 0 || key == "" {
		return Result{Allowed: true}, nil
	}
	index, reset := windowBounds(now, window)

	l.mu.Lock()
	entry := l.counters[key]
	if entry == nil {
		if len(l.counters) >= memoryPruneThreshold {
			l.pruneLocked(index)
		}
		entry = &memoryEntry{window: index}
		l.counters[key] = entry
	}
	if entry.window != index {
		entry.window = index
		entry.count = 0
	}
	if entry.count >= limit {
		l.mu.Unlock()
		return Result{Allowed: false, Remaining: 0, Reset: reset}, nil
	}
	entry.count++
	remaining := limit - entry.count
	l.mu.Unlock()
	return Result{Allowed: true, Remaining: remaining, Reset: reset}, nil
}

// pruneLocked drops counters of earlier windows.
func (l *MemoryLimiter) pruneLocked(index int64) {
	for key, entry := range l.counters {
		if entry.window < index {
			delete(l.counters, key)
		}
	}
}
