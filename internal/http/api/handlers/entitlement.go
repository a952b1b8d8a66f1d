package handlers

import (
	"net/http"

	"github.com/borisigal/towerofbabel-sub003/internal/entitlement"
	"github.com/borisigal/towerofbabel-sub003/internal/store"
	"github.com/gin-gonic/gin"
)

// EntitlementHandler exposes the account's entitlement state to the UI.
type EntitlementHandler struct {
	engine    *entitlement.Engine
	store     *store.Store
	accountID func(c *gin.Context) (uint64, bool)
}

// NewEntitlementHandler constructs an EntitlementHandler.
func NewEntitlementHandler(engine *entitlement.Engine, st *store.Store, accountID func(c *gin.Context) (uint64, bool)) *EntitlementHandler {
	return &EntitlementHandler{engine: engine, store: st, accountID: accountID}
}

// Status handles GET /v1/entitlement.
func (h *EntitlementHandler) Status(c *gin.Context) {
	accountID, ok := h.accountID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ctx := c.Request.Context()

	account, errGet := h.store.GetAccount(ctx, accountID)
	if errGet != nil {
		respondError(c, errGet)
		return
	}

	result, errCheck := h.engine.Check(ctx, accountID)
	if errCheck != nil {
		respondError(c, errCheck)
		return
	}

	body := gin.H{
		"tier":    string(account.Tier),
		"allowed": result.Allowed,
	}
	if result.Reason != "" {
		body["reason"] = string(result.Reason)
	}
	if result.Remaining != nil {
		body["remaining"] = *result.Remaining
	}
	if result.TrialEndsAt != nil {
		body["trial_ends_at"] = result.TrialEndsAt.UTC()
	}
	if result.PeriodResetsAt != nil {
		body["period_resets_at"] = result.PeriodResetsAt.UTC()
	}
	c.JSON(http.StatusOK, body)
}
