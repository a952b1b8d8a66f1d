// Package app wires configuration, storage, and every subsystem into the
// running HTTP service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/borisigal/towerofbabel-sub003/internal/apperr"
	"github.com/borisigal/towerofbabel-sub003/internal/billing"
	"github.com/borisigal/towerofbabel-sub003/internal/billing/provider"
	"github.com/borisigal/towerofbabel-sub003/internal/config"
	"github.com/borisigal/towerofbabel-sub003/internal/costguard"
	"github.com/borisigal/towerofbabel-sub003/internal/counter"
	"github.com/borisigal/towerofbabel-sub003/internal/db"
	"github.com/borisigal/towerofbabel-sub003/internal/entitlement"
	internalhttp "github.com/borisigal/towerofbabel-sub003/internal/http"
	"github.com/borisigal/towerofbabel-sub003/internal/http/api/handlers"
	"github.com/borisigal/towerofbabel-sub003/internal/models"
	"github.com/borisigal/towerofbabel-sub003/internal/ratelimit"
	"github.com/borisigal/towerofbabel-sub003/internal/reconcile"
	"github.com/borisigal/towerofbabel-sub003/internal/settings"
	"github.com/borisigal/towerofbabel-sub003/internal/store"
	"github.com/borisigal/towerofbabel-sub003/internal/usage"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options carries the pieces the caller supplies.
type Options struct {
	ConfigPath  string
	Interpreter handlers.Interpreter // The injected model client.
}

// Run boots the service and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	cfg, errLoad := config.Load(config.ResolveConfigPath(opts.ConfigPath))
	if errLoad != nil {
		return errLoad
	}
	setupLogging(cfg.Log)

	conn, errOpen := db.Open(cfg.DatabaseDSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	if errRefresh := settings.Refresh(ctx, conn); errRefresh != nil {
		// Compiled-in defaults apply until the first successful refresh.
		log.WithError(errRefresh).Warn("failed to load runtime settings, using defaults")
	}

	counters, errCounters := connectCounters(ctx, cfg.RedisURL)
	if errCounters != nil {
		return errCounters
	}

	planTiers, errPlans := planTierMap(cfg.Billing.PlanTiers)
	if errPlans != nil {
		return errPlans
	}

	st := store.New(conn, store.NewBreaker(0))
	engine := entitlement.New(st, func() entitlement.Limits {
		return entitlement.Limits{
			TrialWindowDays:     int(settings.Int64Value(settings.TrialWindowDaysKey, settings.DefaultTrialWindowDays)),
			TrialMessageCap:     settings.Int64Value(settings.TrialMessageCapKey, settings.DefaultTrialMessageCap),
			RecurringMessageCap: settings.Int64Value(settings.RecurringMessageCapKey, settings.DefaultRecurringMessageCap),
		}
	})
	governor := costguard.New(counters, func() costguard.Ceilings {
		return costguard.Ceilings{
			UserDailyMicros:    settings.Int64Value(settings.UserDailyCostCeilingMicrosKey, settings.DefaultUserDailyCostCeilingMicros),
			GlobalHourlyMicros: settings.Int64Value(settings.GlobalHourlyCostCeilingMicrosKey, settings.DefaultGlobalHourlyCostCeilingMicros),
			GlobalDailyMicros:  settings.Int64Value(settings.GlobalDailyCostCeilingMicrosKey, settings.DefaultGlobalDailyCostCeilingMicros),
		}
	})
	limiter := ratelimit.New(counters, func() int64 {
		return settings.Int64Value(settings.RateLimitPerHourKey, settings.DefaultRateLimitPerHour)
	})
	ingestor := billing.NewIngestor(st, planTiers)
	providerClient := provider.NewClient(cfg.Billing.APIBaseURL, cfg.Billing.APIKey)
	reconciler := reconcile.New(st, providerClient, planTiers)

	interpreter := opts.Interpreter
	if interpreter == nil {
		interpreter = unconfiguredInterpreter{}
	}

	usage.NewRetentionCleaner(st).Start(ctx)

	engineRouter := gin.New()
	engineRouter.Use(gin.Recovery())
	internalhttp.RegisterRoutes(engineRouter, internalhttp.Deps{
		Config:      cfg,
		DB:          conn,
		Store:       st,
		Engine:      engine,
		Governor:    governor,
		Limiter:     limiter,
		Ingestor:    ingestor,
		Reconciler:  reconciler,
		Interpreter: interpreter,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           engineRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("server listening")
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- errServe
		}
	}()

	select {
	case <-ctx.Done():
	case errServe := <-errCh:
		return errServe
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	log.Info("shutting down")
	return server.Shutdown(shutdownCtx)
}

// setupLogging configures logrus output, level, and rotation.
func setupLogging(cfg config.LogConfig) {
	level, errLevel := log.ParseLevel(cfg.Level)
	if errLevel != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if cfg.File == "" {
		log.SetOutput(os.Stderr)
		return
	}
	log.SetOutput(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	})
}

// connectCounters picks the redis-backed counter store, or the in-process
// store when no redis URL is configured.
func connectCounters(ctx context.Context, redisURL string) (counter.Store, error) {
	if redisURL == "" {
		log.Warn("no redis_url configured, using in-process counters")
		return counter.NewMemoryStore(), nil
	}
	client, errConnect := counter.Connect(ctx, redisURL)
	if errConnect != nil {
		return nil, errConnect
	}
	return counter.NewRedisStore(client), nil
}

// planTierMap validates the configured plan-to-tier mapping.
func planTierMap(raw map[string]string) (map[string]models.Tier, error) {
	planTiers := make(map[string]models.Tier, len(raw))
	for plan, tierName := range raw {
		tier := models.Tier(tierName)
		if !tier.Valid() {
			return nil, fmt.Errorf("config: billing.plan_tiers[%s]: unknown tier %q", plan, tierName)
		}
		planTiers[plan] = tier
	}
	return planTiers, nil
}

// unconfiguredInterpreter stands in when no model client was injected.
type unconfiguredInterpreter struct{}

func (unconfiguredInterpreter) Interpret(context.Context, handlers.InterpretRequest) (*handlers.Interpretation, error) {
	return nil, apperr.New(apperr.KindConfiguration, "interpreter not configured")
}
