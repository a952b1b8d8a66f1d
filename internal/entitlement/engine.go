// Package entitlement decides whether an account may consume the
// interpretation feature right now, given its tier, message count, and time
// anchors. Denials are ordinary results, not errors; errors are reserved for
// an unreachable store or invalid configuration.
package entitlement

import (
	"context"
	"fmt"
	"time"

	"github.com/borisigal/towerofbabel-sub003/internal/apperr"
	"github.com/borisigal/towerofbabel-sub003/internal/models"
	"github.com/borisigal/towerofbabel-sub003/internal/store"
	log "github.com/sirupsen/logrus"
)

// Reason codes surfaced to the caller on denial.
type Reason string

// Reason values.
const (
	// ReasonTrialExpired denies a trial past its time window, regardless of
	// remaining messages.
	ReasonTrialExpired Reason = "TRIAL_EXPIRED"
	// ReasonTrialLimitExceeded denies a trial that used its message cap.
	ReasonTrialLimitExceeded Reason = "TRIAL_LIMIT_EXCEEDED"
	// ReasonLimitExceeded denies a recurring account at its monthly cap.
	ReasonLimitExceeded Reason = "LIMIT_EXCEEDED"
	// ReasonAccessRevoked denies a cancelled account unconditionally.
	ReasonAccessRevoked Reason = "ACCESS_REVOKED"
)

// Limits holds the tier limits in effect for one check.
type Limits struct {
	TrialWindowDays     int
	TrialMessageCap     int64
	RecurringMessageCap int64
}

// Result reports one entitlement check.
type Result struct {
	Allowed           bool
	Reason            Reason     // Set when denied.
	Remaining         *int64     // Messages left in the period; nil for metered.
	RolloverPerformed bool       // Whether this check performed the rollover write.
	DaysElapsed       int        // Days since trial start; trial tier only.
	TrialEndsAt       *time.Time // Trial window end; trial tier only.
	PeriodResetsAt    *time.Time // Current reset anchor; recurring tier only.
}

// Engine computes entitlement decisions over the resilient store.
type Engine struct {
	store  *store.Store
	limits func() Limits
	now    func() time.Time
}

// New constructs an Engine. The limits callback is read per check so
// operator-tuned overrides apply without restart.
func New(st *store.Store, limits func() Limits) *Engine {
	return &Engine{store: st, limits: limits, now: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	e.now = now
}

// Check decides whether the account may consume the paid feature. The only
// side effect is the conditional recurring rollover; incrementing the count
// on actual consumption is Consume, invoked by the caller only after the
// paid action succeeded.
func (e *Engine) Check(ctx context.Context, accountID uint64) (Result, error) {
	account, errGet := e.store.GetAccount(ctx, accountID)
	if errGet != nil {
		return Result{}, errGet
	}
	return e.checkAccount(ctx, account)
}

// checkAccount evaluates one loaded account.
func (e *Engine) checkAccount(ctx context.Context, account *models.Account) (Result, error) {
	now := e.now().UTC()
	limits := e.limits()

	switch account.Tier {
	case models.TierMetered:
		// Pay-as-you-go: always allowed, no remaining-count concept.
		return Result{Allowed: true}, nil

	case models.TierCancelled:
		return Result{Allowed: false, Reason: ReasonAccessRevoked}, nil

	case models.TierTrial:
		return e.checkTrial(account, now, limits), nil

	case models.TierRecurring:
		return e.checkRecurring(ctx, account, now, limits)

	default:
		return Result{}, apperr.New(apperr.KindConfiguration,
			fmt.Sprintf("entitlement: unknown tier %q for account %d", account.Tier, account.ID))
	}
}

// checkTrial evaluates the trial window and message cap. The time check runs
// first: a time-expired trial reports TRIAL_EXPIRED even with messages left.
func (e *Engine) checkTrial(account *models.Account, now time.Time, limits Limits) Result {
	start := account.TrialStartedAt
	if start == nil {
		// Accounts provisioned before the trial anchor was written fall back
		// to their creation time.
		created := account.CreatedAt
		start = &created
	}

	daysElapsed := int(now.Sub(start.UTC()).Hours() / 24)
	trialEndsAt := start.UTC().AddDate(0, 0, limits.TrialWindowDays)

	if daysElapsed > limits.TrialWindowDays {
		return Result{
			Allowed:     false,
			Reason:      ReasonTrialExpired,
			DaysElapsed: daysElapsed,
			TrialEndsAt: &trialEndsAt,
		}
	}

	if account.MessagesUsed >= limits.TrialMessageCap {
		return Result{
			Allowed:     false,
			Reason:      ReasonTrialLimitExceeded,
			DaysElapsed: daysElapsed,
			TrialEndsAt: &trialEndsAt,
		}
	}

	remaining := limits.TrialMessageCap - account.MessagesUsed
	return Result{
		Allowed:     true,
		Remaining:   &remaining,
		DaysElapsed: daysElapsed,
		TrialEndsAt: &trialEndsAt,
	}
}

// checkRecurring evaluates the monthly cap, performing the on-demand
// rollover when the stored anchor has passed.
func (e *Engine) checkRecurring(ctx context.Context, account *models.Account, now time.Time, limits Limits) (Result, error) {
	anchor := account.PeriodResetsAt
	if anchor == nil {
		return Result{}, apperr.New(apperr.KindConfiguration,
			fmt.Sprintf("entitlement: recurring account %d has no reset anchor", account.ID))
	}

	if !now.Before(anchor.UTC()) {
		return e.rollover(ctx, account, anchor.UTC(), now, limits)
	}

	nextReset := anchor.UTC()
	if account.MessagesUsed >= limits.RecurringMessageCap {
		return Result{
			Allowed:        false,
			Reason:         ReasonLimitExceeded,
			PeriodResetsAt: &nextReset,
		}, nil
	}

	remaining := limits.RecurringMessageCap - account.MessagesUsed
	return Result{
		Allowed:        true,
		Remaining:      &remaining,
		PeriodResetsAt: &nextReset,
	}, nil
}

// rollover resets the count and advances the anchor by whole billing periods
// from the stored anchor until it lies strictly in the future. The write is
// guarded on the stored anchor, so two racing checks produce exactly one
// effective reset; the loser observes rows-affected zero and proceeds with
// the already-reset state.
func (e *Engine) rollover(ctx context.Context, account *models.Account, anchor, now time.Time, limits Limits) (Result, error) {
	next := anchor
	for !next.After(now) {
		next = next.AddDate(0, 1, 0)
	}

	performed, errRoll := e.store.RolloverAccount(ctx, account.ID, anchor, next)
	if errRoll != nil {
		return Result{}, errRoll
	}
	if performed {
		log.WithFields(log.Fields{
			"account_id": account.ID,
			"anchor":     anchor.Format(time.RFC3339),
			"next":       next.Format(time.RFC3339),
		}).Info("performed on-demand monthly rollover")
	}

	remaining := limits.RecurringMessageCap
	return Result{
		Allowed:           true,
		Remaining:         &remaining,
		RolloverPerformed: performed,
		PeriodResetsAt:    &next,
	}, nil
}

// Consume records one consumed message against the account. Callers invoke
// it only after the paid action succeeded.
func (e *Engine) Consume(ctx context.Context, accountID uint64) error {
	return e.store.IncrementMessageCount(ctx, accountID)
}

// SweepRollovers is the scheduled backstop for recurring accounts that made
// no request on or after their reset day. It returns the number of accounts
// rolled over.
func (e *Engine) SweepRollovers(ctx context.Context) (int, error) {
	now := e.now().UTC()
	batch := e.store.Batch()

	accounts, errList := batch.ListAccountsDueRollover(ctx, now, 0)
	if errList != nil {
		return 0, errList
	}

	rolled := 0
	for i := range accounts {
		account := accounts[i]
		if account.PeriodResetsAt == nil {
			continue
		}
		anchor := account.PeriodResetsAt.UTC()
		next := anchor
		for !next.After(now) {
			next = next.AddDate(0, 1, 0)
		}
		performed, errRoll := batch.RolloverAccount(ctx, account.ID, anchor, next)
		if errRoll != nil {
			log.WithError(errRoll).WithField("account_id", account.ID).
				Warn("rollover sweep failed for account")
			continue
		}
		if performed {
			rolled++
		}
	}
	return rolled, nil
}
