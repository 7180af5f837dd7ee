package router

import (
	"net/http"

	"github.com/erp/marketsync/internal/infrastructure/auth"
	"github.com/erp/marketsync/internal/infrastructure/config"
	"github.com/erp/marketsync/internal/infrastructure/logger"
	"github.com/erp/marketsync/internal/infrastructure/telemetry"
	"github.com/erp/marketsync/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// EngineConfig holds what NewEngine needs to build the HTTP stack
type EngineConfig struct {
	HTTP     config.HTTPConfig
	Logger   *zap.Logger
	Handlers Handlers

	// Tokens enables operator authentication on API routes when set
	Tokens      *auth.TokenService
	Revocations auth.RevocationList

	Tracing       middleware.TracingConfig
	MeterProvider *telemetry.MeterProvider
	Profiling     bool
	// Metrics serves /metrics when set
	Metrics http.Handler
}

// PublicPaths are API paths reachable without a token
var PublicPaths = []string{
	"/api/v1/system/ping",
}

// NewEngine builds the gin engine with the middleware chain and every route.
//
// Global middleware, in order: request ID, request logging, panic recovery,
// security headers, body limit, tracing, span status, HTTP metrics and
// profiling labels. API routes add authentication, span attributes and the
// per-operator rate limit.
func NewEngine(cfg EngineConfig) *gin.Engine {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	middleware.SetupValidator()

	engine := gin.New()
	if len(cfg.HTTP.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
			log.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	engine.Use(middleware.RequestID())
	engine.Use(logger.GinMiddleware(log))
	engine.Use(logger.Recovery(log))
	engine.Use(middleware.Secure())
	if cfg.HTTP.MaxBodySize > 0 {
		engine.Use(middleware.BodyLimit(cfg.HTTP.MaxBodySize))
	}
	engine.Use(middleware.TracingWithConfig(cfg.Tracing))
	engine.Use(middleware.SpanErrorMarker())
	engine.Use(middleware.HTTPMetrics(middleware.HTTPMetricsConfig{
		MeterProvider: cfg.MeterProvider,
		Enabled:       cfg.MeterProvider != nil,
		Logger:        log,
	}))
	profiling := middleware.DefaultProfilingConfig()
	profiling.Enabled = cfg.Profiling
	engine.Use(middleware.ProfilingWithConfig(profiling))

	if cfg.Handlers.System != nil {
		engine.GET("/health", cfg.Handlers.System.Health)
	}
	if cfg.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	r := NewRouter(engine, WithAPIVersion("v1"))
	if cfg.Tokens != nil {
		r.Use(middleware.JWTAuthMiddlewareWithConfig(middleware.JWTMiddlewareConfig{
			TokenService: cfg.Tokens,
			Revocations:  cfg.Revocations,
			SkipPaths:    PublicPaths,
			Logger:       log,
		}))
	} else {
		log.Warn("Authentication is disabled; API routes accept anonymous requests")
	}
	r.Use(middleware.TracingAttributeInjector())
	if cfg.HTTP.RateLimitRPS > 0 {
		r.Use(middleware.RateLimit(middleware.NewRateLimiter(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst)))
		log.Info("Rate limiting enabled",
			zap.Float64("rps", cfg.HTTP.RateLimitRPS),
			zap.Int("burst", cfg.HTTP.RateLimitBurst),
		)
	}

	h := cfg.Handlers
	if cfg.Tokens == nil {
		h.Auth = nil
	}
	RegisterAPI(r, h)
	r.Setup()
	return engine
}
