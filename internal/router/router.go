package router

import (
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/bulk-mail/internal/handler/prometheus"
	"github.com/jwalitptl/bulk-mail/internal/middleware"
	"github.com/jwalitptl/bulk-mail/pkg/logger"
	"github.com/jwalitptl/bulk-mail/pkg/validator"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type RouterConfig struct {
	Mode string
	// RateLimit <= 0 disables rate limiting.
	RateLimit   rate.Limit
	RateBurst   int
	MaxBodySize int64
	MetricsPath string
	// RequireUser rejects API calls without an X-User-ID header.
	RequireUser bool
}

// Handlers groups what the router mounts. Public handlers serve links from
// mail and provider webhooks and are not scoped to a user.
type Handlers struct {
	Health    Handler
	Public    []Handler
	Protected []Handler
	Metrics   *prometheus.Handler
}

type Router struct {
	engine   *gin.Engine
	config   RouterConfig
	handlers Handlers
	logger   *logger.Logger
}

func NewRouter(handlers Handlers, config RouterConfig, log *logger.Logger) (*Router, error) {
	if config.Mode != "" {
		gin.SetMode(config.Mode)
	}
	if err := validator.RegisterGin(); err != nil {
		return nil, err
	}

	engine := gin.New()
	r := &Router{
		engine:   engine,
		config:   config,
		handlers: handlers,
		logger:   log,
	}

	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(log),
		middleware.Logger(log),
	)
	if handlers.Metrics != nil {
		engine.Use(handlers.Metrics.Middleware())
	}
	if config.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  config.RateLimit,
			Burst: config.RateBurst,
		})
		engine.Use(limiter.RateLimit())
	}
	if config.MaxBodySize > 0 {
		engine.Use(middleware.SizeLimit(middleware.SizeLimitConfig{MaxBodySize: config.MaxBodySize}))
	}
	return r, nil
}

func (r *Router) Setup() {
	if r.handlers.Metrics != nil && r.config.MetricsPath != "" {
		r.engine.GET(r.config.MetricsPath, r.handlers.Metrics.Handler())
	}

	api := r.engine.Group("/api/v1")
	if r.handlers.Health != nil {
		r.handlers.Health.RegisterRoutes(api)
	}
	for _, h := range r.handlers.Public {
		h.RegisterRoutes(api)
	}

	protected := api.Group("")
	protected.Use(middleware.Identity(r.config.RequireUser))
	for _, h := range r.handlers.Protected {
		h.RegisterRoutes(protected)
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
