// Package costguard implements the three-layer runaway-spend circuit
// breaker: per-user daily, global hourly, and global daily ceilings over the
// shared counter store. Admit is purely advisory and never mutates state;
// Record charges all three counters after the paid operation completed.
// Ceilings are safety backstops with headroom, not hard guarantees: the
// admit check and the later increment are separate round trips.
package costguard

import (
	"context"
	"fmt"
	"time"

	"github.com/borisigal/towerofbabel-sub003/internal/counter"
	log "github.com/sirupsen/logrus"
)

// Layer identifies one ceiling, in the fixed check order.
type Layer string

// Layer values, in check order.
const (
	// LayerUser is the per-user daily ceiling.
	LayerUser Layer = "user"
	// LayerHourly is the global hourly ceiling.
	LayerHourly Layer = "hourly"
	// LayerDaily is the global daily ceiling.
	LayerDaily Layer = "daily"
)

// Counter key scopes and lifetimes.
const (
	userKeyFormat = "cost:user:%d"
	hourlyKey     = "cost:global:hour"
	dailyKey      = "cost:global:day"

	dailyTTL  = 24 * time.Hour
	hourlyTTL = time.Hour
)

// Ceilings holds the three spend limits in micro-dollars.
type Ceilings struct {
	UserDailyMicros    int64
	GlobalHourlyMicros int64
	GlobalDailyMicros  int64
}

// Decision reports one admission check. When denied, ViolatedLayer names the
// first layer at or over its ceiling in the fixed order.
type Decision struct {
	Allowed       bool
	ViolatedLayer Layer
	CurrentMicros int64
	LimitMicros   int64
}

// Governor checks and records aggregate LLM spend.
type Governor struct {
	counters counter.Store
	ceilings func() Ceilings
}

// New constructs a Governor. The ceilings callback is read per check so
// operator-tuned overrides apply without restart.
func New(counters counter.Store, ceilings func() Ceilings) *Governor {
	return &Governor{counters: counters, ceilings: ceilings}
}

// Admit decides whether a paid operation may start. It reads the three
// counters in the fixed order user, hourly, daily and short-circuits on the
// first layer at or over its ceiling. A counter store failure fails open:
// availability outweighs a temporarily relaxed ceiling.
func (g *Governor) Admit(ctx context.Context, accountID uint64) Decision {
	limits := g.ceilings()
	checks := []struct {
		layer Layer
		key   string
		limit int64
	}{
		{LayerUser, fmt.Sprintf(userKeyFormat, accountID), limits.UserDailyMicros},
		{LayerHourly, hourlyKey, limits.GlobalHourlyMicros},
		{LayerDaily, dailyKey, limits.GlobalDailyMicros},
	}

	for _, check := range checks {
		if check.limit <= 0 {
			continue
		}
		current, errGet := g.counters.Get(ctx, check.key)
		if errGet != nil {
			log.WithError(errGet).WithField("layer", check.layer).
				Warn("cost governor counter store unavailable, failing open")
			return Decision{Allowed: true}
		}
		if current >= check.limit {
			return Decision{
				Allowed:       false,
				ViolatedLayer: check.layer,
				CurrentMicros: current,
				LimitMicros:   check.limit,
			}
		}
	}

	return Decision{Allowed: true}
}

// Record charges the real incurred cost to all three counters. It must run
// exactly once per completed operation, even when the enclosing request later
// fails, because the cost was already incurred externally. Failures are
// logged and not retried inline; a missed increment under-counts spend, which
// the independent ceilings bound.
func (g *Governor) Record(ctx context.Context, accountID uint64, costMicros int64) {
	if costMicros <= 0 {
		return
	}

	increments := []struct {
		key string
		ttl time.Duration
	}{
		{fmt.Sprintf(userKeyFormat, accountID), dailyTTL},
		{hourlyKey, hourlyTTL},
		{dailyKey, dailyTTL},
	}
	for _, incr := range increments {
		if _, errIncr := g.counters.IncrBy(ctx, incr.key, costMicros, incr.ttl); errIncr != nil {
			log.WithError(errIncr).WithFields(log.Fields{
				"key":         incr.key,
				"cost_micros": costMicros,
			}).Warn("cost governor failed to record spend")
		}
	}
}
