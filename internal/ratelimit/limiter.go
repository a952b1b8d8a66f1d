// Package ratelimit implements a fixed-window per-client-address request
// limiter on the shared counter store. The limiter is a safety backstop, not
// a hard guarantee: the admit check and increment are a single atomic store
// round trip, but counter-store unavailability fails open because product
// availability outweighs a temporarily relaxed limit.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/borisigal/towerofbabel-sub003/internal/counter"
	log "github.com/sirupsen/logrus"
)

// window is the fixed rate-limit window length.
const window = time.Hour

// Result reports one admission decision.
type Result struct {
	Allowed bool  // Whether the request may proceed.
	Current int64 // Requests counted in the window, including this one.
	Limit   int64 // Configured window limit.
}

// Limiter counts requests per client address in fixed hourly windows.
type Limiter struct {
	counters counter.Store
	limit    func() int64
}

// New constructs a Limiter. The limit callback is read per request so
// operator-tuned overrides apply without restart.
func New(counters counter.Store, limit func() int64) *Limiter {
	return &Limiter{counters: counters, limit: limit}
}

// Allow counts the request against the client address window and decides
// admission. A counter store error fails open.
func (l *Limiter) Allow(ctx context.Context, clientAddr string) Result {
	limit := l.limit()
	if limit <= 0 {
		return Result{Allowed: true, Limit: limit}
	}

	key := fmt.Sprintf("ratelimit:%s", clientAddr)
	current, errIncr := l.counters.IncrBy(ctx, key, 1, window)
	if errIncr != nil {
		log.WithError(errIncr).WithField("client", clientAddr).
			Warn("rate limiter counter store unavailable, failing open")
		return Result{Allowed: true, Limit: limit}
	}

	return Result{
		Allowed: current <= limit,
		Current: current,
		Limit:   limit,
	}
}
