package handlers

import (
	"net/http"

	"github.com/borisigal/towerofbabel-sub003/internal/entitlement"
	"github.com/borisigal/towerofbabel-sub003/internal/reconcile"
	"github.com/gin-gonic/gin"
)

// JobsHandler runs scheduled batch jobs on an authenticated trigger. The
// scheduler itself lives outside the service.
type JobsHandler struct {
	engine     *entitlement.Engine
	reconciler *reconcile.Reconciler
}

// NewJobsHandler constructs a JobsHandler.
func NewJobsHandler(engine *entitlement.Engine, reconciler *reconcile.Reconciler) *JobsHandler {
	return &JobsHandler{engine: engine, reconciler: reconciler}
}

// Rollover handles POST /v0/jobs/rollover, the backstop sweep for recurring
// accounts whose reset day passed without a request.
func (h *JobsHandler) Rollover(c *gin.Context) {
	rolled, errSweep := h.engine.SweepRollovers(c.Request.Context())
	if errSweep != nil {
		respondError(c, errSweep)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rolled_over": rolled})
}

// Reconcile handles POST /v0/jobs/reconcile and returns the drift report.
func (h *JobsHandler) Reconcile(c *gin.Context) {
	report, errRun := h.reconciler.Run(c.Request.Context())
	if errRun != nil {
		respondError(c, errRun)
		return
	}
	c.JSON(http.StatusOK, report)
}
