// Package usage maintains the message usage table over time.
package usage

import (
	"context"
	"time"

	"github.com/borisigal/towerofbabel-sub003/internal/settings"
	"github.com/borisigal/towerofbabel-sub003/internal/store"
	log "github.com/sirupsen/logrus"
)

const (
	defaultRetentionInterval = 6 * time.Hour
	defaultDeleteBatchSize   = 5000
	maxDeleteBatchesPerRun   = 2000
)

// RetentionCleaner periodically deletes message usage rows past the
// configured retention window. Rows inside the current reconciliation
// period are never old enough to qualify.
type RetentionCleaner struct {
	store     *store.Store
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewRetentionCleaner constructs a RetentionCleaner on the batch store view,
// so a run during an open circuit still attempts and feeds the breaker.
func NewRetentionCleaner(st *store.Store) *RetentionCleaner {
	return &RetentionCleaner{
		store:     st.Batch(),
		interval:  defaultRetentionInterval,
		batchSize: defaultDeleteBatchSize,
		now:       time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (c *RetentionCleaner) SetNowFunc(now func() time.Time) {
	c.now = now
}

// Start launches the cleanup loop in a background goroutine.
func (c *RetentionCleaner) Start(ctx context.Context) {
	go c.run(ctx)
	log.WithField("interval", c.interval.String()).Info("usage retention cleaner started")
}

func (c *RetentionCleaner) run(ctx context.Context) {
	for {
		c.CleanupOnce(ctx)
		timer := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

// CleanupOnce deletes expired rows in bounded batches. Zero or negative
// retention disables deletion.
func (c *RetentionCleaner) CleanupOnce(ctx context.Context) {
	retentionDays := settings.Int64Value(settings.UsageRetentionDaysKey, settings.DefaultUsageRetentionDays)
	if retentionDays <= 0 {
		return
	}
	cutoff := c.now().UTC().AddDate(0, 0, -int(retentionDays))

	deletedTotal := int64(0)
	for i := 0; i < maxDeleteBatchesPerRun; i++ {
		if ctx.Err() != nil {
			return
		}
		deleted, errDelete := c.store.DeleteUsageBefore(ctx, cutoff, c.batchSize)
		if errDelete != nil {
			log.WithError(errDelete).Warn("usage retention delete batch failed")
			break
		}
		if deleted <= 0 {
			break
		}
		deletedTotal += deleted
	}

	if deletedTotal > 0 {
		log.WithFields(log.Fields{
			"deleted":        deletedTotal,
			"cutoff":         cutoff.Format(time.RFC3339),
			"retention_days": retentionDays,
		}).Info("usage retention cleanup finished")
	}
}
