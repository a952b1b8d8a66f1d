package http

import (
	"github.com/borisigal/towerofbabel-sub003/internal/billing"
	"github.com/borisigal/towerofbabel-sub003/internal/config"
	"github.com/borisigal/towerofbabel-sub003/internal/costguard"
	"github.com/borisigal/towerofbabel-sub003/internal/entitlement"
	"github.com/borisigal/towerofbabel-sub003/internal/http/api/handlers"
	"github.com/borisigal/towerofbabel-sub003/internal/ratelimit"
	"github.com/borisigal/towerofbabel-sub003/internal/reconcile"
	"github.com/borisigal/towerofbabel-sub003/internal/store"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Deps collects everything the routes need.
type Deps struct {
	Config      *config.Config
	DB          *gorm.DB
	Store       *store.Store
	Engine      *entitlement.Engine
	Governor    *costguard.Governor
	Limiter     *ratelimit.Limiter
	Ingestor    *billing.Ingestor
	Reconciler  *reconcile.Reconciler
	Interpreter handlers.Interpreter
}

// RegisterRoutes wires every endpoint onto the gin engine.
func RegisterRoutes(r *gin.Engine, deps Deps) {
	healthHandler := handlers.NewHealthHandler(deps.Store)
	r.GET("/healthz", healthHandler.Health)

	webhookHandler := handlers.NewWebhookHandler(deps.Ingestor, deps.Config.Billing.WebhookSecret)
	r.POST("/v0/billing/webhook", webhookHandler.Receive)

	jobs := r.Group("/v0/jobs")
	jobs.Use(jobsAuthMiddleware(deps.Config.Jobs.Secret))
	jobsHandler := handlers.NewJobsHandler(deps.Engine, deps.Reconciler)
	jobs.POST("/rollover", jobsHandler.Rollover)
	jobs.POST("/reconcile", jobsHandler.Reconcile)

	admin := r.Group("/v0/admin")
	adminSettingsHandler := handlers.NewAdminSettingsHandler(deps.DB, deps.Config.Admin.PasswordHash)
	admin.POST("/settings/refresh", adminSettingsHandler.Refresh)

	authed := r.Group("/v1")
	authed.Use(sessionAuthMiddleware(deps.Config.Session.Secret))

	entitlementHandler := handlers.NewEntitlementHandler(deps.Engine, deps.Store, AccountID)
	authed.GET("/entitlement", entitlementHandler.Status)

	interpretHandler := handlers.NewInterpretHandler(deps.Engine, deps.Governor, deps.Store, deps.Interpreter, AccountID)
	authed.POST("/interpret", rateLimitMiddleware(deps.Limiter), interpretHandler.Interpret)
}
