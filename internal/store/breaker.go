package store

import (
	"strings"
	"sync"
	"time"
)

// defaultFailureThreshold opens the circuit after this many consecutive
// classified connection failures.
const defaultFailureThreshold = 5

// Breaker is the process-wide connection circuit. It tracks a consecutive
// connection-failure counter; the circuit is open while the counter is at or
// above the threshold. There is no timed half-open probe: each recorded
// success decrements the counter by one, so the circuit heals only as real
// traffic succeeds.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	failures  int
	openedAt  time.Time
}

// NewBreaker constructs a Breaker with the given failure threshold.
func NewBreaker(threshold int) *Breaker {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	return &Breaker{threshold: threshold}
}

// Open reports whether the circuit is currently open.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures >= b.threshold
}

// Success records a successful store operation, decrementing the failure
// counter toward zero.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures > 0 {
		b.failures--
	}
	if b.failures < b.threshold {
		b.openedAt = time.Time{}
	}
}

// Failure records a classified connection failure. Crossing the threshold
// records the transition time for observability.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures >= b.threshold && b.openedAt.IsZero() {
		b.openedAt = time.Now().UTC()
	}
}

// Observe classifies an operation outcome and updates the circuit. Failures
// that are not connection exhaustion pass through without affecting the
// counter.
func (b *Breaker) Observe(err error) {
	if err == nil {
		b.Success()
		return
	}
	if isConnectionExhausted(err) {
		b.Failure()
	}
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// OpenedAt returns the transition time of the current open period, if open.
func (b *Breaker) OpenedAt() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openedAt.IsZero() {
		return time.Time{}, false
	}
	return b.openedAt, true
}

// connectionErrorMarkers are provider-specific signatures of connection
// exhaustion: pg pool saturation (including SQLSTATE 53300), refused or reset
// sockets, and sqlite write-lock contention.
var connectionErrorMarkers = []string{
	"too many connections",
	"too many clients",
	"53300",
	"connection refused",
	"connection reset",
	"failed to connect",
	"sqlite_busy",
	"database is locked",
}

// isConnectionExhausted reports whether an error is a connection-exhaustion
// failure as opposed to an ordinary query error.
func isConnectionExhausted(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range connectionErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
