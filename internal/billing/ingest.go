// Package billing ingests subscription lifecycle events from the external
// billing provider. Every event is applied in one transaction together with
// its deduplication record, so a redelivered event is either skipped up front
// or loses the insert race and exits cleanly.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/borisigal/towerofbabel-sub003/internal/apperr"
	"github.com/borisigal/towerofbabel-sub003/internal/models"
	"github.com/borisigal/towerofbabel-sub003/internal/store"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Outcome summarizes one accepted webhook delivery.
type Outcome struct {
	EventID   string
	EventType EventType
	Duplicate bool // The event had already been processed.
}

// Ingestor applies provider webhook events to accounts and subscriptions.
type Ingestor struct {
	store     *store.Store
	planTiers map[string]models.Tier
	now       func() time.Time
}

// NewIngestor constructs an Ingestor. planTiers maps provider plan
// references onto account tiers.
func NewIngestor(st *store.Store, planTiers map[string]models.Tier) *Ingestor {
	return &Ingestor{store: st, planTiers: planTiers, now: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (in *Ingestor) SetNowFunc(now func() time.Time) {
	in.now = now
}

// Ingest parses and applies one webhook body. The caller has already
// verified the payload signature. A replayed event ID reports Duplicate and
// no error; any other failure rolls back the whole event so the provider
// retries it later.
func (in *Ingestor) Ingest(ctx context.Context, raw []byte) (Outcome, error) {
	ev, errParse := ParseEvent(raw)
	if errParse != nil {
		return Outcome{}, errParse
	}
	outcome := Outcome{EventID: ev.ID, EventType: ev.Type}

	exists, errExists := in.store.BillingEventExists(ctx, ev.ID)
	if errExists != nil {
		return Outcome{}, apperr.Wrap(apperr.KindPersistence, "billing: dedup lookup failed", errExists)
	}
	if exists {
		outcome.Duplicate = true
		return outcome, nil
	}

	errTx := in.store.Transaction(ctx, func(tx *gorm.DB) error {
		record := models.BillingEvent{
			ProviderEventID: ev.ID,
			EventType:       string(ev.Type),
			Payload:         datatypes.JSON(ev.Raw),
			ProcessedAt:     in.now().UTC(),
		}
		if errCreate := tx.Create(&record).Error; errCreate != nil {
			return errCreate
		}
		return in.apply(tx, ev)
	})
	if errTx != nil {
		return in.resolveTxError(ctx, ev, errTx)
	}

	log.WithFields(log.Fields{
		"event_id":        ev.ID,
		"event_type":      ev.Type,
		"subscription_id": ev.SubscriptionID,
	}).Info("processed billing event")
	return outcome, nil
}

// resolveTxError classifies a rolled-back ingestion transaction. A unique
// violation may be the dedup-insert race against a concurrent delivery of
// the same event, but it may just as well come from another table inside
// apply, so only a committed dedup record proves the event was already
// processed. Anything else surfaces as an error and the provider redelivers.
func (in *Ingestor) resolveTxError(ctx context.Context, ev *Event, errTx error) (Outcome, error) {
	if store.IsDuplicateKey(errTx) {
		exists, errExists := in.store.BillingEventExists(ctx, ev.ID)
		if errExists != nil {
			return Outcome{}, apperr.Wrap(apperr.KindPersistence, "billing: dedup re-check failed", errExists)
		}
		if exists {
			return Outcome{EventID: ev.ID, EventType: ev.Type, Duplicate: true}, nil
		}
	}
	if apperr.KindOf(errTx) != 0 || errors.Is(errTx, ErrMalformedEvent) {
		return Outcome{}, errTx
	}
	return Outcome{}, apperr.Wrap(apperr.KindPersistence,
		fmt.Sprintf("billing: applying %s event %s failed", ev.Type, ev.ID), errTx)
}

// apply dispatches one parsed event inside the ingestion transaction.
func (in *Ingestor) apply(tx *gorm.DB, ev *Event) error {
	switch ev.Type {
	case EventSubscriptionCreated:
		return in.applyCreated(tx, ev)
	case EventSubscriptionUpdated:
		return in.applyUpdated(tx, ev)
	case EventSubscriptionCancelled:
		return in.applyCancelled(tx, ev)
	case EventSubscriptionExpired:
		return in.applyExpired(tx, ev)
	case EventSubscriptionResumed:
		return in.applyResumed(tx, ev)
	case EventSubscriptionPaused:
		return in.applyStatusOnly(tx, ev, models.SubscriptionStatusPaused)
	case EventSubscriptionUnpaused:
		return in.applyStatusOnly(tx, ev, models.SubscriptionStatusActive)
	case EventPaymentSucceeded, EventPaymentRecovered:
		return in.applyPaymentSucceeded(tx, ev)
	case EventPaymentFailed:
		return in.applyPaymentFailed(tx, ev)
	default:
		return fmt.Errorf("%w: unhandled event type %q", ErrMalformedEvent, ev.Type)
	}
}

// applyCreated upserts the subscription and moves the account onto the
// plan's tier. For a recurring plan the message count restarts and the
// rollover anchor is taken from the subscription's renewal timestamp.
func (in *Ingestor) applyCreated(tx *gorm.DB, ev *Event) error {
	tier, ok := in.planTiers[ev.PlanRef]
	if !ok {
		return apperr.New(apperr.KindConfiguration,
			fmt.Sprintf("billing: plan %q has no tier mapping", ev.PlanRef))
	}
	if tier == models.TierRecurring && ev.RenewsAt == nil {
		return fmt.Errorf("%w: recurring plan %q without renews_at", ErrMalformedEvent, ev.PlanRef)
	}

	var account models.Account
	if errFind := tx.First(&account, ev.AccountID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			// created names an account we must have, so this is retried
			// rather than dropped.
			return apperr.New(apperr.KindPersistence,
				fmt.Sprintf("billing: account %d referenced by event %s does not exist", ev.AccountID, ev.ID))
		}
		return errFind
	}

	status := ev.Status
	if status == "" {
		status = models.SubscriptionStatusActive
	}

	var sub models.Subscription
	errFindSub := tx.Where("provider_id = ?", ev.SubscriptionID).First(&sub).Error
	if errFindSub != nil && !errors.Is(errFindSub, gorm.ErrRecordNotFound) {
		return errFindSub
	}
	sub.ProviderID = ev.SubscriptionID
	sub.AccountID = account.ID
	sub.Tier = tier
	sub.Status = status
	sub.RenewsAt = ev.RenewsAt
	sub.EndsAt = ev.EndsAt
	sub.PlanRef = ev.PlanRef
	sub.ItemRef = ev.ItemRef
	if errSave := tx.Save(&sub).Error; errSave != nil {
		return errSave
	}

	account.Tier = tier
	if ev.CustomerRef != "" {
		account.CustomerRef = ev.CustomerRef
	}
	switch tier {
	case models.TierRecurring:
		account.MessagesUsed = 0
		account.PeriodResetsAt = ev.RenewsAt
	default:
		account.PeriodResetsAt = nil
	}
	return tx.Save(&account).Error
}

// applyUpdated syncs subscription attributes from the provider. A plan
// change moves the account onto the new tier without restarting its count.
func (in *Ingestor) applyUpdated(tx *gorm.DB, ev *Event) error {
	sub, found, errFind := in.findSubscription(tx, ev)
	if errFind != nil || !found {
		return errFind
	}

	sub.Status = ev.Status
	if ev.RenewsAt != nil {
		sub.RenewsAt = ev.RenewsAt
	}
	sub.EndsAt = ev.EndsAt
	if ev.ItemRef != "" {
		sub.ItemRef = ev.ItemRef
	}

	tierChanged := false
	if ev.PlanRef != "" && ev.PlanRef != sub.PlanRef {
		tier, ok := in.planTiers[ev.PlanRef]
		if !ok {
			return apperr.New(apperr.KindConfiguration,
				fmt.Sprintf("billing: plan %q has no tier mapping", ev.PlanRef))
		}
		sub.PlanRef = ev.PlanRef
		tierChanged = sub.Tier != tier
		sub.Tier = tier
	}
	if errSave := tx.Save(sub).Error; errSave != nil {
		return errSave
	}
	if !tierChanged {
		return nil
	}

	updates := map[string]any{"tier": sub.Tier}
	if sub.Tier == models.TierRecurring {
		// A recurring account cannot check entitlement without an anchor.
		// When neither the event nor the subscription carries a renewal
		// timestamp, start the period at the event's arrival.
		anchor := sub.RenewsAt
		if anchor == nil {
			next := in.now().UTC().AddDate(0, 1, 0)
			anchor = &next
		}
		updates["period_resets_at"] = anchor
	} else {
		updates["period_resets_at"] = nil
	}
	return tx.Model(&models.Account{}).Where("id = ?", sub.AccountID).Updates(updates).Error
}

// applyCancelled revokes paid access immediately, irrespective of remaining
// paid-up time before the subscription's end date.
func (in *Ingestor) applyCancelled(tx *gorm.DB, ev *Event) error {
	sub, found, errFind := in.findSubscription(tx, ev)
	if errFind != nil || !found {
		return errFind
	}

	sub.Status = models.SubscriptionStatusCancelled
	endsAt := in.now().UTC()
	if ev.EndsAt != nil {
		endsAt = ev.EndsAt.UTC()
	}
	sub.EndsAt = &endsAt
	if errSave := tx.Save(sub).Error; errSave != nil {
		return errSave
	}

	return tx.Model(&models.Account{}).Where("id = ?", sub.AccountID).Updates(map[string]any{
		"tier":             models.TierCancelled,
		"period_resets_at": nil,
	}).Error
}

// applyExpired returns the account to the trial baseline. Expiry is a
// natural lapse, not a revocation, so a fresh trial window opens.
func (in *Ingestor) applyExpired(tx *gorm.DB, ev *Event) error {
	sub, found, errFind := in.findSubscription(tx, ev)
	if errFind != nil || !found {
		return errFind
	}

	sub.Status = models.SubscriptionStatusExpired
	if ev.EndsAt != nil {
		sub.EndsAt = ev.EndsAt
	}
	if errSave := tx.Save(sub).Error; errSave != nil {
		return errSave
	}

	now := in.now().UTC()
	return tx.Model(&models.Account{}).Where("id = ?", sub.AccountID).Updates(map[string]any{
		"tier":             models.TierTrial,
		"messages_used":    0,
		"period_resets_at": nil,
		"trial_started_at": now,
	}).Error
}

// applyResumed restores the subscription's tier on the account with a fresh
// rollover anchor from the event's renewal timestamp.
func (in *Ingestor) applyResumed(tx *gorm.DB, ev *Event) error {
	sub, found, errFind := in.findSubscription(tx, ev)
	if errFind != nil || !found {
		return errFind
	}

	sub.Status = models.SubscriptionStatusActive
	sub.RenewsAt = ev.RenewsAt
	sub.EndsAt = nil
	if errSave := tx.Save(sub).Error; errSave != nil {
		return errSave
	}

	updates := map[string]any{"tier": sub.Tier}
	if sub.Tier == models.TierRecurring {
		updates["period_resets_at"] = ev.RenewsAt
	}
	return tx.Model(&models.Account{}).Where("id = ?", sub.AccountID).Updates(updates).Error
}

// applyStatusOnly records a provider status change that carries no
// entitlement consequence of its own.
func (in *Ingestor) applyStatusOnly(tx *gorm.DB, ev *Event, status models.SubscriptionStatus) error {
	sub, found, errFind := in.findSubscription(tx, ev)
	if errFind != nil || !found {
		return errFind
	}
	sub.Status = status
	return tx.Save(sub).Error
}

// applyPaymentSucceeded is the primary monthly-reset trigger: for a
// recurring subscription the message count restarts and the rollover anchor
// advances to the next renewal. The entitlement engine's on-demand rollover
// backstops accounts whose event never arrives.
func (in *Ingestor) applyPaymentSucceeded(tx *gorm.DB, ev *Event) error {
	sub, found, errFind := in.findSubscription(tx, ev)
	if errFind != nil || !found {
		return errFind
	}

	sub.Status = models.SubscriptionStatusActive
	sub.RenewsAt = ev.RenewsAt
	if errSave := tx.Save(sub).Error; errSave != nil {
		return errSave
	}

	if sub.Tier != models.TierRecurring {
		return nil
	}
	return tx.Model(&models.Account{}).Where("id = ?", sub.AccountID).Updates(map[string]any{
		"messages_used":    0,
		"period_resets_at": ev.RenewsAt,
	}).Error
}

// applyPaymentFailed only records the event; a later paused or cancelled
// event carries the access consequence.
func (in *Ingestor) applyPaymentFailed(tx *gorm.DB, ev *Event) error {
	sub, found, errFind := in.findSubscription(tx, ev)
	if errFind != nil || !found {
		return errFind
	}
	log.WithFields(log.Fields{
		"subscription_id": ev.SubscriptionID,
		"account_id":      sub.AccountID,
	}).Warn("subscription payment failed")
	return nil
}

// findSubscription loads the subscription an event refers to. A missing
// local record is logged and skipped, not failed: reconciliation is the
// safety net for that drift.
func (in *Ingestor) findSubscription(tx *gorm.DB, ev *Event) (*models.Subscription, bool, error) {
	var sub models.Subscription
	errFind := tx.Where("provider_id = ?", ev.SubscriptionID).First(&sub).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			log.WithFields(log.Fields{
				"event_id":        ev.ID,
				"event_type":      ev.Type,
				"subscription_id": ev.SubscriptionID,
			}).Warn("billing event references unknown subscription")
			return nil, false, nil
		}
		return nil, false, errFind
	}
	return &sub, true, nil
}
