package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	healthcheck "github.com/vladislavdragonenkov/quotesave/internal/health"
)

// RouterConfig описывает сборку HTTP-роутера.
type RouterConfig struct {
	Handler *Handler
	Health  *healthcheck.Handler
	// MetricsHandler по умолчанию promhttp.Handler().
	MetricsHandler http.Handler
	// SaveRateLimit — запросов в секунду на IP для save endpoint; 0 отключает лимит.
	SaveRateLimit float64
	SaveRateBurst int
	Logger        *log.Entry
}

// NewRouter собирает gin.Engine с API, health checks и /metrics.
func NewRouter(cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithField("component", "http")
	}

	r := gin.New()
	r.Use(gin.Recovery(), TraceID(), RequestLogger(logger))

	metricsHandler := cfg.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.GET("/metrics", gin.WrapH(metricsHandler))
	r.GET("/livez", gin.WrapF(healthcheck.LivenessHandler))
	if cfg.Health != nil {
		r.GET("/healthz", gin.WrapH(cfg.Health))
		r.GET("/readyz", gin.WrapF(cfg.Health.ReadinessHandler))
	}

	if cfg.Handler != nil {
		var limiter gin.HandlerFunc
		if cfg.SaveRateLimit > 0 {
			burst := cfg.SaveRateBurst
			if burst <= 0 {
				burst = 1
			}
			limiter = NewIPRateLimiter(rate.Limit(cfg.SaveRateLimit), burst, logger).Middleware()
		}
		cfg.Handler.RegisterRoutes(r.Group("/api/v1"), limiter)
	}
	return r
}
