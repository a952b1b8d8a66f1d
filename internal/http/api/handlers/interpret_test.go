package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/borisigal/towerofbabel-sub003/internal/costguard"
	dbpkg "github.com/borisigal/towerofbabel-sub003/internal/db"
	"github.com/borisigal/towerofbabel-sub003/internal/entitlement"
	"github.com/borisigal/towerofbabel-sub003/internal/models"
	"github.com/borisigal/towerofbabel-sub003/internal/store"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type fakeInterpreter struct {
	result *Interpretation
	err    error
	calls  int
}

func (f *fakeInterpreter) Interpret(context.Context, InterpretRequest) (*Interpretation, error) {
	f.calls++
	return f.result, f.err
}

type recordingCounters struct {
	values map[string]int64
}

func (r *recordingCounters) IncrBy(_ context.Context, key string, delta int64, _ time.Duration) (int64, error) {
	if r.values == nil {
		r.values = map[string]int64{}
	}
	r.values[key] += delta
	return r.values[key], nil
}

func (r *recordingCounters) Get(_ context.Context, key string) (int64, error) {
	return r.values[key], nil
}

func setupInterpretHandler(t *testing.T, interpreter Interpreter, counters *recordingCounters) (*InterpretHandler, *store.Store, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	conn, errOpen := dbpkg.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := dbpkg.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}

	st := store.New(conn, store.NewBreaker(5))
	engine := entitlement.New(st, func() entitlement.Limits {
		return entitlement.Limits{TrialWindowDays: 14, TrialMessageCap: 10, RecurringMessageCap: 100}
	})
	governor := costguard.New(counters, func() costguard.Ceilings {
		return costguard.Ceilings{
			UserDailyMicros:    1_000_000,
			GlobalHourlyMicros: 5_000_000,
			GlobalDailyMicros:  50_000_000,
		}
	})

	handler := NewInterpretHandler(engine, governor, st, interpreter, func(c *gin.Context) (uint64, bool) {
		value, exists := c.Get("account_id")
		if !exists {
			return 0, false
		}
		id, ok := value.(uint64)
		return id, ok
	})
	return handler, st, conn
}

func postInterpret(h *InterpretHandler, accountID uint64) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	body := []byte(`{"message":"why did my colleague bow twice?","source_culture":"us","target_culture":"jp"}`)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/interpret", bytes.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	if accountID != 0 {
		c.Set("account_id", accountID)
	}
	h.Interpret(c)
	return w
}

func TestInterpretHappyPath(t *testing.T) {
	interpreter := &fakeInterpreter{result: &Interpretation{Text: "a second bow signals sincerity", CostMicros: 1_500}}
	counters := &recordingCounters{}
	h, st, _ := setupInterpretHandler(t, interpreter, counters)
	ctx := context.Background()

	start := time.Now().UTC().AddDate(0, 0, -1)
	account := models.Account{Tier: models.TierTrial, MessagesUsed: 3, TrialStartedAt: &start}
	if errCreate := st.CreateAccount(ctx, &account); errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}

	w := postInterpret(h, account.ID)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", w.Code, w.Body.String())
	}

	var resp struct {
		Interpretation string `json:"interpretation"`
		Remaining      int64  `json:"remaining"`
	}
	if errDecode := json.Unmarshal(w.Body.Bytes(), &resp); errDecode != nil {
		t.Fatalf("decode response: %v", errDecode)
	}
	if resp.Interpretation == "" {
		t.Fatalf("expected interpretation text")
	}
	if resp.Remaining != 6 {
		t.Fatalf("expected remaining=6 after consuming, got %d", resp.Remaining)
	}

	reloaded, _ := st.GetAccount(ctx, account.ID)
	if reloaded.MessagesUsed != 4 {
		t.Fatalf("expected message consumed, got %d", reloaded.MessagesUsed)
	}

	usages, errCount := st.CountUsageBetween(ctx, account.ID, time.Now().UTC().Add(-time.Hour), time.Now().UTC().Add(time.Hour))
	if errCount != nil {
		t.Fatalf("count usage: %v", errCount)
	}
	if usages != 1 {
		t.Fatalf("expected one usage row, got %d", usages)
	}

	if counters.values["cost:global:day"] != 1_500 {
		t.Fatalf("expected spend recorded, got %d", counters.values["cost:global:day"])
	}
}

func TestInterpretEntitlementDenied(t *testing.T) {
	interpreter := &fakeInterpreter{result: &Interpretation{Text: "unused"}}
	h, st, _ := setupInterpretHandler(t, interpreter, &recordingCounters{})
	ctx := context.Background()

	account := models.Account{Tier: models.TierCancelled}
	if errCreate := st.CreateAccount(ctx, &account); errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}

	w := postInterpret(h, account.ID)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d body=%s", w.Code, w.Body.String())
	}
	if interpreter.calls != 0 {
		t.Fatalf("denied request must not reach the interpreter")
	}

	var resp struct {
		Reason string `json:"reason"`
	}
	if errDecode := json.Unmarshal(w.Body.Bytes(), &resp); errDecode != nil {
		t.Fatalf("decode response: %v", errDecode)
	}
	if resp.Reason != string(entitlement.ReasonAccessRevoked) {
		t.Fatalf("expected ACCESS_REVOKED, got %q", resp.Reason)
	}
}

func TestInterpretCostCeilingRefuses(t *testing.T) {
	interpreter := &fakeInterpreter{result: &Interpretation{Text: "unused"}}
	counters := &recordingCounters{values: map[string]int64{"cost:global:hour": 5_000_000}}
	h, st, _ := setupInterpretHandler(t, interpreter, counters)
	ctx := context.Background()

	start := time.Now().UTC()
	account := models.Account{Tier: models.TierTrial, TrialStartedAt: &start}
	if errCreate := st.CreateAccount(ctx, &account); errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}

	w := postInterpret(h, account.ID)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d body=%s", w.Code, w.Body.String())
	}
	if interpreter.calls != 0 {
		t.Fatalf("refused request must not reach the interpreter")
	}

	reloaded, _ := st.GetAccount(ctx, account.ID)
	if reloaded.MessagesUsed != 0 {
		t.Fatalf("refused request must not consume a message")
	}
}

func TestInterpretRecordsCostEvenWhenCallFails(t *testing.T) {
	interpreter := &fakeInterpreter{
		result: &Interpretation{CostMicros: 2_000},
		err:    errors.New("model timeout"),
	}
	counters := &recordingCounters{}
	h, st, _ := setupInterpretHandler(t, interpreter, counters)
	ctx := context.Background()

	start := time.Now().UTC()
	account := models.Account{Tier: models.TierTrial, TrialStartedAt: &start}
	if errCreate := st.CreateAccount(ctx, &account); errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}

	w := postInterpret(h, account.ID)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d body=%s", w.Code, w.Body.String())
	}

	// The provider charged for the partial call, so the spend still counts.
	if counters.values["cost:global:day"] != 2_000 {
		t.Fatalf("expected failed-call spend recorded, got %d", counters.values["cost:global:day"])
	}
	reloaded, _ := st.GetAccount(ctx, account.ID)
	if reloaded.MessagesUsed != 0 {
		t.Fatalf("failed call must not consume a message")
	}
}

func TestInterpretUnauthenticated(t *testing.T) {
	h, _, _ := setupInterpretHandler(t, &fakeInterpreter{}, &recordingCounters{})
	w := postInterpret(h, 0)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", w.Code)
	}
}
