// Package bootstrap wires the token broker: configuration, storage,
// observability, HTTP surface, and graceful shutdown.
package bootstrap

import (
	"log"
	"net/http"
	"time"

	"github.com/appleboy/graceful"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/ramzidaher/Penny-sub000/internal/audit"
	"github.com/ramzidaher/Penny-sub000/internal/cache"
	"github.com/ramzidaher/Penny-sub000/internal/config"
	"github.com/ramzidaher/Penny-sub000/internal/handlers"
	"github.com/ramzidaher/Penny-sub000/internal/metrics"
	"github.com/ramzidaher/Penny-sub000/internal/ratelimit"
	"github.com/ramzidaher/Penny-sub000/internal/store"
)

// Application holds all initialized components
type Application struct {
	Config *config.Config

	// Core infrastructure
	DB                   *store.Store
	MetricsRecorder      metrics.Recorder
	MarkerCache          *cache.RueidisMarkerCache
	RateLimitRedisClient *redis.Client

	// Services
	AuditService  *audit.Service
	ExchangeLimit *ratelimit.Limiter
	RefreshLimit  *ratelimit.Limiter

	// HTTP
	Broker *handlers.Broker
	Router *gin.Engine
	Server *http.Server
}

// Run initializes and starts the broker
func Run(cfg *config.Config) error {
	app := &Application{Config: cfg}

	// Phase 1: Validate configuration
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Phase 2: Initialize infrastructure
	if err := app.initializeInfrastructure(); err != nil {
		return err
	}

	// Phase 3: Initialize business layer
	if err := app.initializeBusinessLayer(); err != nil {
		return err
	}

	// Phase 4: Initialize HTTP layer
	if err := app.initializeHTTPLayer(); err != nil {
		return err
	}

	// Phase 5: Start server with graceful shutdown
	app.startWithGracefulShutdown()

	return nil
}

func (app *Application) initializeInfrastructure() error {
	var err error

	app.DB, err = store.New(app.Config.DatabaseDriver, app.Config.DatabaseDSN)
	if err != nil {
		return err
	}

	app.MetricsRecorder = metrics.Init(app.Config.MetricsEnabled)

	// Redis marker cache for multi-instance replay detection. Optional:
	// the database claim is authoritative either way.
	if app.Config.UsedCodeRedisAddr != "" {
		app.MarkerCache, err = cache.NewRueidisMarkerCache(
			app.Config.UsedCodeRedisAddr,
			app.Config.RedisPassword,
			app.Config.RedisDB,
			"broker:",
		)
		if err != nil {
			return err
		}
		log.Printf("Used-code marker cache enabled at %s", app.Config.UsedCodeRedisAddr)
	}

	if app.Config.RateLimitStore == config.RateLimitStoreRedis {
		app.RateLimitRedisClient = redis.NewClient(&redis.Options{
			Addr:     app.Config.RedisAddr,
			Password: app.Config.RedisPassword,
			DB:       app.Config.RedisDB,
		})
	}

	return nil
}

func (app *Application) initializeBusinessLayer() error {
	app.AuditService = audit.NewService(
		app.DB,
		app.Config.AuditEnabled,
		app.Config.AuditBufferSize,
	)

	var err error
	app.ExchangeLimit, err = newLimiter(app, app.Config.ExchangesPerHour, "exchange")
	if err != nil {
		return err
	}
	app.RefreshLimit, err = newLimiter(app, app.Config.RefreshesPerHour, "refresh")
	return err
}

func newLimiter(app *Application, limit int, endpoint string) (*ratelimit.Limiter, error) {
	if app.RateLimitRedisClient != nil {
		return ratelimit.NewRedis(
			app.RateLimitRedisClient, limit, time.Hour, "server", endpoint, app.MetricsRecorder)
	}
	return ratelimit.NewMemory(limit, time.Hour, "server", endpoint, app.MetricsRecorder), nil
}

func (app *Application) initializeHTTPLayer() error {
	broker, err := handlers.NewBroker(
		app.Config,
		app.DB,
		app.MarkerCache,
		app.AuditService,
		app.MetricsRecorder,
		clockwork.NewRealClock(),
	)
	if err != nil {
		return err
	}
	app.Broker = broker

	app.Router = setupRouter(app)
	app.Server = createHTTPServer(app.Config, app.Router)
	return nil
}

func (app *Application) startWithGracefulShutdown() {
	m := graceful.NewManager()

	addServerRunningJob(m, app.Server)
	addServerShutdownJob(m, app.Server)
	addAuditServiceShutdownJob(m, app.AuditService)
	addAuditCleanupJob(m, app.Config, app.AuditService)
	addExpiredCodeCleanupJob(m, app.DB)
	addMarkerCacheShutdownJob(m, app.MarkerCache)
	addRedisClientShutdownJob(m, app.RateLimitRedisClient)
	addStoreShutdownJob(m, app.DB)

	<-m.Done()
}
