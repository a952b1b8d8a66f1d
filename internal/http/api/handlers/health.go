package handlers

import (
	"net/http"

	"github.com/borisigal/towerofbabel-sub003/internal/store"
	"github.com/gin-gonic/gin"
)

// HealthHandler reports liveness and the database circuit state.
type HealthHandler struct {
	store *store.Store
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(st *store.Store) *HealthHandler {
	return &HealthHandler{store: st}
}

// Health handles GET /healthz. The endpoint stays 200 while the circuit is
// open so orchestrators do not restart a service that is shedding load.
func (h *HealthHandler) Health(c *gin.Context) {
	breaker := h.store.Breaker()
	status := "ok"
	if breaker.Open() {
		status = "degraded"
	}

	circuit := gin.H{
		"open":     breaker.Open(),
		"failures": breaker.Failures(),
	}
	if openedAt, open := breaker.OpenedAt(); open {
		circuit["opened_at"] = openedAt.UTC()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"db_circuit": circuit,
	})
}
