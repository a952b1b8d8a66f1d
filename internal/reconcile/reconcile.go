// Package reconcile compares local subscription and usage state against the
// billing provider and produces a drift report. Nothing here mutates
// accounts or subscriptions: corrective action is an operator decision.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/borisigal/towerofbabel-sub003/internal/billing/provider"
	"github.com/borisigal/towerofbabel-sub003/internal/models"
	"github.com/borisigal/towerofbabel-sub003/internal/store"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// renewalTolerance absorbs provider-side timezone and scheduling skew.
const renewalTolerance = 24 * time.Hour

// ProviderAPI is the read-side slice of the billing provider the
// reconciler needs.
type ProviderAPI interface {
	GetSubscription(ctx context.Context, providerID string) (*provider.Subscription, error)
	ListActiveSubscriptions(ctx context.Context) ([]provider.Subscription, error)
	GetUsage(ctx context.Context, itemRef string, from, to time.Time) (int64, error)
}

// Mismatch records one detected divergence between local and provider state.
type Mismatch struct {
	SubscriptionID string `json:"subscription_id"`
	AccountID      uint64 `json:"account_id"`
	Field          string `json:"field"`
	Local          string `json:"local"`
	Provider       string `json:"provider"`
}

// Report is the structured output of one reconciliation run.
type Report struct {
	RunID      string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Checked    int        `json:"checked"`
	Skipped    int        `json:"skipped"`
	Mismatches []Mismatch `json:"mismatches"`
	Orphans    []string   `json:"orphans"`
}

// Reconciler runs the periodic drift check.
type Reconciler struct {
	store     *store.Store
	provider  ProviderAPI
	planTiers map[string]models.Tier
	now       func() time.Time
}

// New constructs a Reconciler. planTiers maps provider plan references onto
// account tiers, the same mapping billing ingestion uses.
func New(st *store.Store, api ProviderAPI, planTiers map[string]models.Tier) *Reconciler {
	return &Reconciler{store: st, provider: api, planTiers: planTiers, now: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (r *Reconciler) SetNowFunc(now func() time.Time) {
	r.now = now
}

// Run checks every live local subscription against the provider and scans
// for provider-side orphans. A failure on one record is logged and skipped;
// only a failure to enumerate local subscriptions aborts the run.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID:     uuid.NewString(),
		StartedAt: r.now().UTC(),
	}

	batch := r.store.Batch()
	subs, errList := batch.ListLiveSubscriptions(ctx)
	if errList != nil {
		return nil, errList
	}

	for i := range subs {
		sub := &subs[i]
		if errCheck := r.checkSubscription(ctx, batch, sub, report); errCheck != nil {
			report.Skipped++
			log.WithError(errCheck).WithFields(log.Fields{
				"run_id":          report.RunID,
				"subscription_id": sub.ProviderID,
			}).Warn("skipping subscription during reconciliation")
			continue
		}
		report.Checked++
	}

	r.scanOrphans(ctx, batch, report)

	report.FinishedAt = r.now().UTC()
	log.WithFields(log.Fields{
		"run_id":     report.RunID,
		"checked":    report.Checked,
		"skipped":    report.Skipped,
		"mismatches": len(report.Mismatches),
		"orphans":    len(report.Orphans),
	}).Info("reconciliation run finished")
	return report, nil
}

// checkSubscription compares one local subscription and its account against
// the provider's record.
func (r *Reconciler) checkSubscription(ctx context.Context, batch *store.Store, sub *models.Subscription, report *Report) error {
	remote, errGet := r.provider.GetSubscription(ctx, sub.ProviderID)
	if errGet != nil {
		if errors.Is(errGet, provider.ErrNotFound) {
			report.add(Mismatch{
				SubscriptionID: sub.ProviderID,
				AccountID:      sub.AccountID,
				Field:          "existence",
				Local:          string(sub.Status),
				Provider:       "absent",
			})
			return nil
		}
		return errGet
	}

	if remote.Status != sub.Status {
		report.add(Mismatch{
			SubscriptionID: sub.ProviderID,
			AccountID:      sub.AccountID,
			Field:          "status",
			Local:          string(sub.Status),
			Provider:       string(remote.Status),
		})
	}

	account, errAccount := batch.GetAccount(ctx, sub.AccountID)
	if errAccount != nil {
		return errAccount
	}

	if tier, ok := r.planTiers[remote.PlanRef]; ok && tier != account.Tier {
		report.add(Mismatch{
			SubscriptionID: sub.ProviderID,
			AccountID:      sub.AccountID,
			Field:          "tier",
			Local:          string(account.Tier),
			Provider:       string(tier),
		})
	}

	if driftedRenewal(sub.RenewsAt, remote.RenewsAt) {
		report.add(Mismatch{
			SubscriptionID: sub.ProviderID,
			AccountID:      sub.AccountID,
			Field:          "renews_at",
			Local:          formatTime(sub.RenewsAt),
			Provider:       formatTime(remote.RenewsAt),
		})
	}

	if account.Tier == models.TierMetered && sub.ItemRef != "" {
		if errUsage := r.checkMeteredUsage(ctx, batch, sub, account, report); errUsage != nil {
			return errUsage
		}
	}
	return nil
}

// checkMeteredUsage compares locally recorded consumption for the current
// calendar month against the provider's reported usage. The tolerance is the
// greater of 5% of the provider figure or one unit, absorbing reporting
// latency rather than real divergence.
func (r *Reconciler) checkMeteredUsage(ctx context.Context, batch *store.Store, sub *models.Subscription, account *models.Account, report *Report) error {
	now := r.now().UTC()
	periodStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	local, errLocal := batch.CountUsageBetween(ctx, account.ID, periodStart, now)
	if errLocal != nil {
		return errLocal
	}
	remote, errRemote := r.provider.GetUsage(ctx, sub.ItemRef, periodStart, now)
	if errRemote != nil {
		return errRemote
	}

	diff := local - remote
	if diff < 0 {
		diff = -diff
	}
	tolerance := remote / 20
	if tolerance < 1 {
		tolerance = 1
	}
	if diff > tolerance {
		report.add(Mismatch{
			SubscriptionID: sub.ProviderID,
			AccountID:      account.ID,
			Field:          "usage",
			Local:          fmt.Sprint(local),
			Provider:       fmt.Sprint(remote),
		})
	}
	return nil
}

// scanOrphans lists provider-active subscriptions with no local record,
// which usually indicates a missed or failed webhook delivery.
func (r *Reconciler) scanOrphans(ctx context.Context, batch *store.Store, report *Report) {
	remote, errList := r.provider.ListActiveSubscriptions(ctx)
	if errList != nil {
		report.Skipped++
		log.WithError(errList).WithField("run_id", report.RunID).
			Warn("orphan scan failed, skipping")
		return
	}

	for i := range remote {
		sub := &remote[i]
		_, errGet := batch.GetSubscriptionByProviderID(ctx, sub.ID)
		if errGet == nil {
			continue
		}
		if errors.Is(errGet, store.ErrNotFound) {
			report.Orphans = append(report.Orphans, sub.ID)
			continue
		}
		report.Skipped++
		log.WithError(errGet).WithFields(log.Fields{
			"run_id":          report.RunID,
			"subscription_id": sub.ID,
		}).Warn("skipping orphan candidate during reconciliation")
	}
}

func (r *Report) add(mismatch Mismatch) {
	r.Mismatches = append(r.Mismatches, mismatch)
	log.WithFields(log.Fields{
		"run_id":          r.RunID,
		"subscription_id": mismatch.SubscriptionID,
		"account_id":      mismatch.AccountID,
		"field":           mismatch.Field,
		"local":           mismatch.Local,
		"provider":        mismatch.Provider,
	}).Warn("reconciliation mismatch")
}

// driftedRenewal reports whether two renewal timestamps differ by more than
// the tolerance. One side missing while the other is set counts as drift.
func driftedRenewal(local, remote *time.Time) bool {
	if local == nil && remote == nil {
		return false
	}
	if local == nil || remote == nil {
		return true
	}
	delta := local.Sub(*remote)
	if delta < 0 {
		delta = -delta
	}
	return delta > renewalTolerance
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
