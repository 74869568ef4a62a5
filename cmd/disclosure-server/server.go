package main

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ehr/disclosure/internal/config"
	"github.com/ehr/disclosure/internal/domain/disclosure"
	"github.com/ehr/disclosure/internal/platform/auth"
	"github.com/ehr/disclosure/internal/platform/db"
	"github.com/ehr/disclosure/internal/platform/middleware"
	"github.com/ehr/disclosure/internal/platform/telemetry"
)

const healthCheckTimeout = 2 * time.Second

type serverDeps struct {
	logger    zerolog.Logger
	service   *disclosure.Service
	registry  *prometheus.Registry
	telemetry *telemetry.TelemetryProvider
	pools     map[string]db.Pinger
}

// newServer assembles the Echo instance: global middleware, health and
// metrics endpoints, and the disclosure API under /api/v1.
func newServer(cfg *config.Config, deps serverDeps) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.TLSServer.ReadHeaderTimeout = 10 * time.Second

	ipExtractor, err := newIPExtractor(cfg)
	if err != nil {
		return nil, err
	}
	e.IPExtractor = ipExtractor

	authMW, err := newAuthMiddleware(cfg)
	if err != nil {
		return nil, err
	}

	// Global middleware
	e.Use(middleware.Recovery(deps.logger))
	e.Use(middleware.RequestID())
	if deps.telemetry != nil {
		e.Use(deps.telemetry.TracingMiddleware())
	}
	e.Use(middleware.Logger(deps.logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader, "traceparent"},
		ExposeHeaders: []string{middleware.RequestIDHeader},
	}))
	if deps.registry != nil {
		e.Use(middleware.NewHTTPMetrics(deps.registry).Middleware())
	}
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(authMW)

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(deps.pools, healthCheckTimeout))
	if cfg.MetricsEnabled && deps.registry != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.registry, promhttp.HandlerOpts{Registry: deps.registry})))
	}

	// API
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rl))
	disclosure.NewHandler(deps.service).RegisterRoutes(apiV1)

	return e, nil
}

// newIPExtractor decides where the client address comes from. Without
// trusted proxies it is the socket peer; forwarding headers are ignored.
// With trusted proxies it is the first X-Forwarded-For hop that is not one
// of them.
func newIPExtractor(cfg *config.Config) (echo.IPExtractor, error) {
	nets, err := cfg.TrustedProxyNets()
	if err != nil {
		return nil, err
	}
	if len(nets) == 0 {
		return echo.ExtractIPDirect(), nil
	}
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, n := range nets {
		opts = append(opts, echo.TrustIPRange(n))
	}
	return echo.ExtractIPFromXFFHeader(opts...), nil
}

// newAuthMiddleware validates bearer tokens. In development, requests
// without a token are attributed to DEV_CLINICIAN_ID; presented tokens are
// still validated when a verifier is configured.
func newAuthMiddleware(cfg *config.Config) (echo.MiddlewareFunc, error) {
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	hasVerifier := cfg.AuthIssuer != "" || cfg.AuthJWKSURL != "" || cfg.AuthSigningKey != ""

	if !cfg.IsDev() {
		return auth.NewJWTMiddleware(jwtCfg)
	}
	var validate echo.MiddlewareFunc
	if hasVerifier {
		mw, err := auth.NewJWTMiddleware(jwtCfg)
		if err != nil {
			return nil, err
		}
		validate = mw
	}
	return auth.DevAuthMiddleware(cfg.DevClinicianID, validate), nil
}
