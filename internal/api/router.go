package api

import (
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/practicehub/syncstore/internal/api/handler"
	"github.com/practicehub/syncstore/internal/api/middleware"
	"github.com/practicehub/syncstore/internal/core/domain"
	"github.com/practicehub/syncstore/internal/core/ports"
)

// Options are the collaborators of the inspection API.
type Options struct {
	Client   handler.Inspector
	Verifier ports.TokenVerifier
	Probes   []handler.Probe
	Logger   zerolog.Logger
}

// NewRouter builds and returns the Echo instance with all routes registered.
func NewRouter(opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = NewHTTPErrorHandler(opts.Logger)
	e.Validator = handler.NewValidator()

	// --- Global middleware ---
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.RequestID())
	e.Use(requestLogger(opts.Logger))

	// --- Probes and metrics (no auth required) ---
	health := handler.NewHealthHandler(opts.Probes...)
	e.GET("/health", health.Liveness)
	e.GET("/health/ready", health.Readiness)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// --- Inspection ---
	cache := handler.NewCacheHandler(opts.Client)
	v1 := e.Group("/v1", middleware.Auth(opts.Verifier))
	v1.GET("/session", cache.Session)

	ops := v1.Group("/cache", middleware.RBAC(domain.RoleOperator))
	ops.GET("/:kind", cache.List)
	ops.POST("/:kind/refresh", cache.Refresh)

	return e
}

func requestLogger(log zerolog.Logger) echo.MiddlewareFunc {
	log = log.With().Str("component", "http").Logger()
	return echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(_ echo.Context, v echomiddleware.RequestLoggerValues) error {
			ev := log.Info()
			if v.Error != nil {
				ev = log.Warn().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("request")
			return nil
		},
	})
}
