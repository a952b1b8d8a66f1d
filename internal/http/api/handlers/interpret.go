package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/borisigal/towerofbabel-sub003/internal/costguard"
	"github.com/borisigal/towerofbabel-sub003/internal/entitlement"
	"github.com/borisigal/towerofbabel-sub003/internal/models"
	"github.com/borisigal/towerofbabel-sub003/internal/store"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// InterpretRequest is one message submitted for interpretation.
type InterpretRequest struct {
	Message       string `json:"message" binding:"required"`
	SourceCulture string `json:"source_culture"`
	TargetCulture string `json:"target_culture"`
}

// Interpretation is the model's answer plus the cost it incurred.
type Interpretation struct {
	Text       string
	CostMicros int64
}

// Interpreter produces the interpretation for one message. The model client
// is injected; this service only decides whether and at what cost it may run.
type Interpreter interface {
	Interpret(ctx context.Context, req InterpretRequest) (*Interpretation, error)
}

// InterpretHandler runs the paid interpretation pipeline.
type InterpretHandler struct {
	engine      *entitlement.Engine
	governor    *costguard.Governor
	store       *store.Store
	interpreter Interpreter
	accountID   func(c *gin.Context) (uint64, bool)
}

// NewInterpretHandler constructs an InterpretHandler. accountID extracts the
// authenticated account from the request context.
func NewInterpretHandler(
	engine *entitlement.Engine,
	governor *costguard.Governor,
	st *store.Store,
	interpreter Interpreter,
	accountID func(c *gin.Context) (uint64, bool),
) *InterpretHandler {
	return &InterpretHandler{
		engine:      engine,
		governor:    governor,
		store:       st,
		interpreter: interpreter,
		accountID:   accountID,
	}
}

// Interpret handles POST /v1/interpret: entitlement check, cost admission,
// the interpreter call, then spend recording and usage persistence.
func (h *InterpretHandler) Interpret(c *gin.Context) {
	accountID, ok := h.accountID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req InterpretRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ctx := c.Request.Context()

	check, errCheck := h.engine.Check(ctx, accountID)
	if errCheck != nil {
		respondError(c, errCheck)
		return
	}
	if !check.Allowed {
		c.JSON(http.StatusForbidden, denialBody(check))
		return
	}

	if decision := h.governor.Admit(ctx, accountID); !decision.Allowed {
		log.WithFields(log.Fields{
			"account_id":     accountID,
			"layer":          decision.ViolatedLayer,
			"current_micros": decision.CurrentMicros,
			"limit_micros":   decision.LimitMicros,
		}).Warn("cost ceiling reached, refusing interpretation")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable"})
		return
	}

	result, errInterpret := h.interpreter.Interpret(ctx, req)
	if result != nil && result.CostMicros > 0 {
		// The cost was incurred externally even when the call failed
		// afterwards, so it is charged unconditionally.
		h.governor.Record(ctx, accountID, result.CostMicros)
	}
	if errInterpret != nil {
		respondError(c, errInterpret)
		return
	}

	if errConsume := h.engine.Consume(ctx, accountID); errConsume != nil {
		// The user already has the answer; an under-counted message is the
		// lesser failure.
		log.WithError(errConsume).WithField("account_id", accountID).
			Warn("failed to record consumed message")
	}
	h.persistUsage(ctx, accountID, result.CostMicros)

	body := gin.H{"interpretation": result.Text}
	if check.Remaining != nil {
		remaining := *check.Remaining - 1
		if remaining < 0 {
			remaining = 0
		}
		body["remaining"] = remaining
	}
	c.JSON(http.StatusOK, body)
}

// persistUsage writes the MessageUsage row that feeds metered reconciliation.
func (h *InterpretHandler) persistUsage(ctx context.Context, accountID uint64, costMicros int64) {
	account, errGet := h.store.GetAccount(ctx, accountID)
	if errGet != nil {
		log.WithError(errGet).WithField("account_id", accountID).
			Warn("failed to load account for usage record")
		return
	}
	usage := models.MessageUsage{
		AccountID:   accountID,
		Tier:        account.Tier,
		CostMicros:  costMicros,
		RequestedAt: time.Now().UTC(),
	}
	if errCreate := h.store.CreateMessageUsage(ctx, &usage); errCreate != nil {
		log.WithError(errCreate).WithField("account_id", accountID).
			Warn("failed to persist usage record")
	}
}

// denialBody shapes an entitlement denial for the client.
func denialBody(result entitlement.Result) gin.H {
	body := gin.H{
		"error":  "not entitled",
		"reason": string(result.Reason),
	}
	switch result.Reason {
	case entitlement.ReasonTrialExpired, entitlement.ReasonTrialLimitExceeded:
		body["days_elapsed"] = result.DaysElapsed
		if result.TrialEndsAt != nil {
			body["trial_ends_at"] = result.TrialEndsAt.UTC()
		}
	case entitlement.ReasonLimitExceeded:
		if result.PeriodResetsAt != nil {
			body["period_resets_at"] = result.PeriodResetsAt.UTC()
		}
	}
	return body
}
