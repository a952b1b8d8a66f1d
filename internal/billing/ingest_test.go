package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/borisigal/towerofbabel-sub003/internal/models"
	"github.com/borisigal/towerofbabel-sub003/internal/store"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func setupIngestor(t *testing.T) (*Ingestor, *store.Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:billing_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := conn.AutoMigrate(&models.Account{}, &models.Subscription{}, &models.BillingEvent{}); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}

	st := store.New(conn, store.NewBreaker(5))
	ingestor := NewIngestor(st, map[string]models.Tier{
		"plan-pro":     models.TierRecurring,
		"plan-metered": models.TierMetered,
	})
	return ingestor, st, conn
}

func eventBody(eventID, eventType, subID, accountID string, extra string) []byte {
	custom := ""
	if accountID != "" {
		custom = fmt.Sprintf(`,"custom_data":{"account_id":%q}`, accountID)
	}
	attrs := `"status":"active"`
	if extra != "" {
		attrs += "," + extra
	}
	return []byte(fmt.Sprintf(
		`{"meta":{"event_name":%q,"event_id":%q%s},"data":{"id":%q,"attributes":{%s}}}`,
		eventType, eventID, custom, subID, attrs))
}

func TestIngestCreatedRecurring(t *testing.T) {
	ingestor, st, conn := setupIngestor(t)
	ctx := context.Background()

	account := models.Account{Tier: models.TierTrial, MessagesUsed: 7, CustomerRef: ""}
	if errCreate := st.CreateAccount(ctx, &account); errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}

	renews := time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC)
	body := eventBody("evt-1", "subscription_created", "sub-1", fmt.Sprint(account.ID),
		fmt.Sprintf(`"renews_at":%q,"customer_id":"cust-9","plan_id":"plan-pro","item_id":"item-3"`, renews.Format(time.RFC3339)))

	outcome, errIngest := ingestor.Ingest(ctx, body)
	if errIngest != nil {
		t.Fatalf("ingest: %v", errIngest)
	}
	if outcome.Duplicate {
		t.Fatalf("first delivery must not report duplicate")
	}

	reloaded, errGet := st.GetAccount(ctx, account.ID)
	if errGet != nil {
		t.Fatalf("get account: %v", errGet)
	}
	if reloaded.Tier != models.TierRecurring {
		t.Fatalf("expected recurring tier, got %s", reloaded.Tier)
	}
	if reloaded.MessagesUsed != 0 {
		t.Fatalf("expected count reset, got %d", reloaded.MessagesUsed)
	}
	if reloaded.PeriodResetsAt == nil || !reloaded.PeriodResetsAt.Equal(renews) {
		t.Fatalf("expected anchor %s, got %#v", renews, reloaded.PeriodResetsAt)
	}
	if reloaded.CustomerRef != "cust-9" {
		t.Fatalf("expected customer ref recorded, got %q", reloaded.CustomerRef)
	}

	sub, errSub := st.GetSubscriptionByProviderID(ctx, "sub-1")
	if errSub != nil {
		t.Fatalf("get subscription: %v", errSub)
	}
	if sub.AccountID != account.ID || sub.Tier != models.TierRecurring || sub.Status != models.SubscriptionStatusActive {
		t.Fatalf("unexpected subscription row: %+v", sub)
	}

	var events int64
	conn.Model(&models.BillingEvent{}).Count(&events)
	if events != 1 {
		t.Fatalf("expected one event record, got %d", events)
	}
}

func TestIngestReplaySkipsReprocessing(t *testing.T) {
	ingestor, st, _ := setupIngestor(t)
	ctx := context.Background()

	account := models.Account{Tier: models.TierTrial}
	if errCreate := st.CreateAccount(ctx, &account); errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}

	renews := time.Now().UTC().AddDate(0, 1, 0)
	body := eventBody("evt-replay", "subscription_created", "sub-1", fmt.Sprint(account.ID),
		fmt.Sprintf(`"renews_at":%q,"plan_id":"plan-pro"`, renews.Format(time.RFC3339)))

	if _, errFirst := ingestor.Ingest(ctx, body); errFirst != nil {
		t.Fatalf("first ingest: %v", errFirst)
	}

	// Mutate local state, then replay: the replay must not reapply.
	if errInc := st.IncrementMessageCount(ctx, account.ID); errInc != nil {
		t.Fatalf("increment: %v", errInc)
	}

	outcome, errReplay := ingestor.Ingest(ctx, body)
	if errReplay != nil {
		t.Fatalf("replay must report success: %v", errReplay)
	}
	if !outcome.Duplicate {
		t.Fatalf("expected duplicate outcome")
	}

	reloaded, _ := st.GetAccount(ctx, account.ID)
	if reloaded.MessagesUsed != 1 {
		t.Fatalf("replay mutated state: messages_used=%d", reloaded.MessagesUsed)
	}
}

func TestIngestCreatedMissingAccountRefIsHardFailure(t *testing.T) {
	ingestor, _, _ := setupIngestor(t)

	body := eventBody("evt-2", "subscription_created", "sub-2", "", `"plan_id":"plan-pro"`)
	_, errIngest := ingestor.Ingest(context.Background(), body)
	if !errors.Is(errIngest, ErrMalformedEvent) {
		t.Fatalf("expected malformed-event failure, got %v", errIngest)
	}
}

func TestIngestUnknownEventTypeRejected(t *testing.T) {
	ingestor, _, _ := setupIngestor(t)

	body := eventBody("evt-3", "subscription_teleported", "sub-3", "1", "")
	_, errIngest := ingestor.Ingest(context.Background(), body)
	if !errors.Is(errIngest, ErrMalformedEvent) {
		t.Fatalf("expected malformed-event failure, got %v", errIngest)
	}
}

func TestIngestCancelledRevokesImmediately(t *testing.T) {
	ingestor, st, conn := setupIngestor(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	ingestor.SetNowFunc(func() time.Time { return now })

	anchor := now.AddDate(0, 0, 12)
	account := models.Account{Tier: models.TierRecurring, MessagesUsed: 30, PeriodResetsAt: &anchor}
	if errCreate := st.CreateAccount(ctx, &account); errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}
	sub := models.Subscription{ProviderID: "sub-c", AccountID: account.ID, Tier: models.TierRecurring, Status: models.SubscriptionStatusActive}
	if errSub := conn.Create(&sub).Error; errSub != nil {
		t.Fatalf("create subscription: %v", errSub)
	}

	// The subscription still has 7 paid days left; revocation is immediate.
	ends := now.AddDate(0, 0, 7)
	body := eventBody("evt-c", "subscription_cancelled", "sub-c", "",
		fmt.Sprintf(`"ends_at":%q`, ends.Format(time.RFC3339)))
	if _, errIngest := ingestor.Ingest(ctx, body); errIngest != nil {
		t.Fatalf("ingest: %v", errIngest)
	}

	reloaded, _ := st.GetAccount(ctx, account.ID)
	if reloaded.Tier != models.TierCancelled {
		t.Fatalf("expected immediate cancellation, got %s", reloaded.Tier)
	}
	if reloaded.PeriodResetsAt != nil {
		t.Fatalf("expected cleared anchor")
	}

	subReloaded, _ := st.GetSubscriptionByProviderID(ctx, "sub-c")
	if subReloaded.Status != models.SubscriptionStatusCancelled {
		t.Fatalf("expected cancelled status, got %s", subReloaded.Status)
	}
	if subReloaded.EndsAt == nil || !subReloaded.EndsAt.Equal(ends) {
		t.Fatalf("expected end timestamp recorded")
	}
}

func TestIngestExpiredReturnsToTrialBaseline(t *testing.T) {
	ingestor, st, conn := setupIngestor(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	ingestor.SetNowFunc(func() time.Time { return now })

	anchor := now.AddDate(0, 0, 3)
	account := models.Account{Tier: models.TierRecurring, MessagesUsed: 80, PeriodResetsAt: &anchor}
	if errCreate := st.CreateAccount(ctx, &account); errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}
	sub := models.Subscription{ProviderID: "sub-e", AccountID: account.ID, Tier: models.TierRecurring, Status: models.SubscriptionStatusActive}
	if errSub := conn.Create(&sub).Error; errSub != nil {
		t.Fatalf("create subscription: %v", errSub)
	}

	body := eventBody("evt-e", "subscription_expired", "sub-e", "", "")
	if _, errIngest := ingestor.Ingest(ctx, body); errIngest != nil {
		t.Fatalf("ingest: %v", errIngest)
	}

	reloaded, _ := st.GetAccount(ctx, account.ID)
	if reloaded.Tier != models.TierTrial {
		t.Fatalf("expected trial baseline, got %s", reloaded.Tier)
	}
	if reloaded.PeriodResetsAt != nil {
		t.Fatalf("expected cleared anchor")
	}
	if reloaded.MessagesUsed != 0 {
		t.Fatalf("expected count reset, got %d", reloaded.MessagesUsed)
	}
	if reloaded.TrialStartedAt == nil || !reloaded.TrialStartedAt.Equal(now) {
		t.Fatalf("expected fresh trial start at %s, got %#v", now, reloaded.TrialStartedAt)
	}
}

func TestIngestPaymentSucceededResetsRecurring(t *testing.T) {
	ingestor, st, conn := setupIngestor(t)
	ctx := context.Background()

	oldAnchor := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	account := models.Account{Tier: models.TierRecurring, MessagesUsed: 100, PeriodResetsAt: &oldAnchor}
	if errCreate := st.CreateAccount(ctx, &account); errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}
	sub := models.Subscription{ProviderID: "sub-p", AccountID: account.ID, Tier: models.TierRecurring, Status: models.SubscriptionStatusPastDue}
	if errSub := conn.Create(&sub).Error; errSub != nil {
		t.Fatalf("create subscription: %v", errSub)
	}

	renews := time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC)
	body := eventBody("evt-p", "subscription_payment_succeeded", "sub-p", "",
		fmt.Sprintf(`"renews_at":%q`, renews.Format(time.RFC3339)))
	if _, errIngest := ingestor.Ingest(ctx, body); errIngest != nil {
		t.Fatalf("ingest: %v", errIngest)
	}

	reloaded, _ := st.GetAccount(ctx, account.ID)
	if reloaded.MessagesUsed != 0 {
		t.Fatalf("expected count reset, got %d", reloaded.MessagesUsed)
	}
	if reloaded.PeriodResetsAt == nil || !reloaded.PeriodResetsAt.Equal(renews) {
		t.Fatalf("expected advanced anchor %s, got %#v", renews, reloaded.PeriodResetsAt)
	}

	subReloaded, _ := st.GetSubscriptionByProviderID(ctx, "sub-p")
	if subReloaded.Status != models.SubscriptionStatusActive {
		t.Fatalf("expected active after payment, got %s", subReloaded.Status)
	}
}

func TestIngestPausedLeavesTierAlone(t *testing.T) {
	ingestor, st, conn := setupIngestor(t)
	ctx := context.Background()

	anchor := time.Now().UTC().AddDate(0, 0, 10)
	account := models.Account{Tier: models.TierRecurring, MessagesUsed: 4, PeriodResetsAt: &anchor}
	if errCreate := st.CreateAccount(ctx, &account); errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}
	sub := models.Subscription{ProviderID: "sub-z", AccountID: account.ID, Tier: models.TierRecurring, Status: models.SubscriptionStatusActive}
	if errSub := conn.Create(&sub).Error; errSub != nil {
		t.Fatalf("create subscription: %v", errSub)
	}

	body := eventBody("evt-z", "subscription_paused", "sub-z", "", "")
	if _, errIngest := ingestor.Ingest(ctx, body); errIngest != nil {
		t.Fatalf("ingest: %v", errIngest)
	}

	reloaded, _ := st.GetAccount(ctx, account.ID)
	if reloaded.Tier != models.TierRecurring || reloaded.MessagesUsed != 4 {
		t.Fatalf("paused must not alter the account: %+v", reloaded)
	}
	subReloaded, _ := st.GetSubscriptionByProviderID(ctx, "sub-z")
	if subReloaded.Status != models.SubscriptionStatusPaused {
		t.Fatalf("expected paused status, got %s", subReloaded.Status)
	}
}

func TestIngestUnknownSubscriptionIsNonFatal(t *testing.T) {
	ingestor, _, conn := setupIngestor(t)
	ctx := context.Background()

	renews := time.Now().UTC().AddDate(0, 1, 0)
	body := eventBody("evt-x", "subscription_payment_succeeded", "sub-missing", "",
		fmt.Sprintf(`"renews_at":%q`, renews.Format(time.RFC3339)))
	outcome, errIngest := ingestor.Ingest(ctx, body)
	if errIngest != nil {
		t.Fatalf("missing local subscription must not fail: %v", errIngest)
	}
	if outcome.Duplicate {
		t.Fatalf("unexpected duplicate outcome")
	}

	// The dedup record still commits so the provider stops redelivering.
	var events int64
	conn.Model(&models.BillingEvent{}).Where("provider_event_id = ?", "evt-x").Count(&events)
	if events != 1 {
		t.Fatalf("expected dedup record, got %d", events)
	}
}

func TestIngestUnmappedPlanIsConfigurationError(t *testing.T) {
	ingestor, st, _ := setupIngestor(t)
	ctx := context.Background()

	account := models.Account{Tier: models.TierTrial}
	if errCreate := st.CreateAccount(ctx, &account); errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}

	body := eventBody("evt-u", "subscription_created", "sub-u", fmt.Sprint(account.ID), `"plan_id":"plan-unknown"`)
	_, errIngest := ingestor.Ingest(ctx, body)
	if errIngest == nil {
		t.Fatalf("expected configuration failure for unmapped plan")
	}

	// The failed event rolled back whole, so redelivery can succeed later.
	exists, errExists := st.BillingEventExists(ctx, "evt-u")
	if errExists != nil {
		t.Fatalf("exists: %v", errExists)
	}
	if exists {
		t.Fatalf("failed event must not leave a dedup record")
	}
}

func TestIngestConstraintFailureIsNotMistakenForReplay(t *testing.T) {
	ingestor, _, conn := setupIngestor(t)
	ctx := context.Background()

	ev := &Event{ID: "evt-race", Type: EventSubscriptionCreated, SubscriptionID: "sub-race"}
	errUnique := errors.New("UNIQUE constraint failed: subscriptions.provider_id")

	// Without a committed dedup record the rollback was not the dedup race,
	// so the delivery must fail and be retried by the provider.
	_, errResolve := ingestor.resolveTxError(ctx, ev, errUnique)
	if errResolve == nil {
		t.Fatalf("expected error when no dedup record exists")
	}

	record := models.BillingEvent{
		ProviderEventID: ev.ID,
		EventType:       string(ev.Type),
		ProcessedAt:     time.Now().UTC(),
	}
	if errCreate := conn.Create(&record).Error; errCreate != nil {
		t.Fatalf("create event record: %v", errCreate)
	}

	outcome, errResolve := ingestor.resolveTxError(ctx, ev, errUnique)
	if errResolve != nil {
		t.Fatalf("expected duplicate outcome once the record exists: %v", errResolve)
	}
	if !outcome.Duplicate {
		t.Fatalf("expected duplicate outcome")
	}
}

func TestIngestUpdatedPlanChangeWithoutRenewalDerivesAnchor(t *testing.T) {
	ingestor, st, conn := setupIngestor(t)
	ctx := context.Background()

	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	ingestor.SetNowFunc(func() time.Time { return now })

	account := models.Account{Tier: models.TierMetered, MessagesUsed: 42}
	if errCreate := st.CreateAccount(ctx, &account); errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}
	sub := models.Subscription{
		ProviderID: "sub-up",
		AccountID:  account.ID,
		Tier:       models.TierMetered,
		Status:     models.SubscriptionStatusActive,
		PlanRef:    "plan-metered",
	}
	if errCreate := conn.Create(&sub).Error; errCreate != nil {
		t.Fatalf("create subscription: %v", errCreate)
	}

	// The provider omitted renews_at on the plan change.
	body := eventBody("evt-up-1", "subscription_updated", "sub-up", "", `"plan_id":"plan-pro"`)
	if _, errIngest := ingestor.Ingest(ctx, body); errIngest != nil {
		t.Fatalf("ingest: %v", errIngest)
	}

	reloaded, errGet := st.GetAccount(ctx, account.ID)
	if errGet != nil {
		t.Fatalf("get account: %v", errGet)
	}
	if reloaded.Tier != models.TierRecurring {
		t.Fatalf("expected recurring tier, got %s", reloaded.Tier)
	}
	if reloaded.PeriodResetsAt == nil {
		t.Fatalf("expected a derived anchor, got none")
	}
	if !reloaded.PeriodResetsAt.Equal(now.AddDate(0, 1, 0)) {
		t.Fatalf("expected anchor one month out, got %s", reloaded.PeriodResetsAt)
	}
	if reloaded.MessagesUsed != 42 {
		t.Fatalf("plan change must not reset the count, got %d", reloaded.MessagesUsed)
	}
}
