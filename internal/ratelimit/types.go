package ratelimit

import (
	"context"
	"time"
)

// Result describes the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// Limiter provides fixed-window rate limit checks.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Result, error)
}

// Scope indicates which dimension the rate limit applies to.
type Scope int

const (
	ScopeNone Scope = iota
	ScopeTenant
	ScopeIP
)

// Decision describes the resolved rate limit and scope.
type Decision struct {
	Limit  int
	Window time.Duration
	Scope  Scope
}

// windowBounds returns the index of the fixed window containing now and when it ends.
func windowBounds(now time.Time, window time.Duration) (int64, time.Time) {
	if window <= 0 {
		window = time.Second
	}
	index := now.UnixNano() / int64(window)
	return index, time.Unix(0, (index+1)*int64(window)).UTC()
}
