// Package counter provides the shared low-latency counter store backing the
// request rate limiter and the cost governor. Counters are keyed strings with
// a per-key lifetime; absence of a key is equivalent to a zero count.
package counter

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the counter store could not be reached. Callers
// on availability-prioritized paths treat this as fail-open.
var ErrUnavailable = errors.New("counter: store unavailable")

// Store is a counter store with atomic increment and per-key expiry.
type Store interface {
	// IncrBy atomically adds delta to the counter at key and returns the new
	// value. The ttl is applied only when the increment creates the key, so
	// the window is anchored at first use.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Get returns the current counter value, or zero for a missing key.
	Get(ctx context.Context, key string) (int64, error)
}
