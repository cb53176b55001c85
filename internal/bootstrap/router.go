package bootstrap

import (
	"log"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ramzidaher/Penny-sub000/internal/metrics"
	"github.com/ramzidaher/Penny-sub000/internal/middleware"
	"github.com/ramzidaher/Penny-sub000/internal/util"
)

func setupRouter(app *Application) *gin.Engine {
	r := gin.New()

	r.Use(metrics.HTTPMetricsMiddleware(app.MetricsRecorder))
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(util.IPMiddleware())

	r.GET("/healthz", app.Broker.Healthz)
	setupMetricsEndpoint(r, app)

	group := r.Group("/broker/token", middleware.RequireCallerAuth(app.Config.BrokerJWTSecret))
	group.POST("/exchange",
		middleware.PerUserRateLimit(app.ExchangeLimit, app.AuditService, "exchange"),
		app.Broker.Exchange,
	)
	group.POST("/refresh",
		middleware.PerUserRateLimit(app.RefreshLimit, app.AuditService, "refresh"),
		app.Broker.Refresh,
	)

	return r
}

func setupMetricsEndpoint(r *gin.Engine, app *Application) {
	if !app.Config.MetricsEnabled {
		log.Printf("Prometheus metrics disabled")
		return
	}
	log.Printf("Prometheus metrics enabled at /metrics")
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
