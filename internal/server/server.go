// Package server assembles the HTTP surface of the patient browser: one
// echo instance, a FHIR client per configured upstream server, and
// per-browser-session view controllers.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/fhirdesk/fhirdesk/internal/config"
	"github.com/fhirdesk/fhirdesk/internal/domain/dashboard"
	"github.com/fhirdesk/fhirdesk/internal/domain/prefs"
	"github.com/fhirdesk/fhirdesk/internal/domain/registration"
	"github.com/fhirdesk/fhirdesk/internal/platform/db"
	"github.com/fhirdesk/fhirdesk/internal/platform/fhir"
	"github.com/fhirdesk/fhirdesk/internal/platform/middleware"
	"github.com/fhirdesk/fhirdesk/internal/platform/telemetry"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// evictionInterval is how often idle sessions are swept. Eviction only
// bounds memory; correctness does not depend on the sweep cadence.
const evictionInterval = 15 * time.Minute

// Server owns the HTTP stack. Clients are built once per configured FHIR
// endpoint at startup; sessions pick between them.
type Server struct {
	cfg     *config.Config
	logger  zerolog.Logger
	echo    *echo.Echo
	metrics *telemetry.Provider

	clients  map[string]*fhir.Client
	sessions *Registry
	prefs    prefs.Store
	pool     *pgxpool.Pool

	registration *registration.Service
	dashboard    *dashboard.Service

	stop chan struct{}
}

// New builds the server. pool may be nil when no database is configured;
// the preference store decides where selections persist.
func New(cfg *config.Config, logger zerolog.Logger, store prefs.Store, pool *pgxpool.Pool) (*Server, error) {
	metrics := telemetry.NewProvider("fhirdesk")

	clients := make(map[string]*fhir.Client, len(cfg.Endpoints()))
	for _, endpoint := range cfg.Endpoints() {
		client, err := fhir.NewClient(endpoint,
			fhir.WithHTTPClient(&http.Client{Timeout: cfg.FHIRTimeout()}),
			fhir.WithLogger(logger),
			fhir.WithMetrics(metrics),
			fhir.WithDefaultPageSize(cfg.DefaultPageSize),
			fhir.WithPatientProfile(cfg.FHIRPatientProfile),
		)
		if err != nil {
			return nil, fmt.Errorf("client for %s: %w", endpoint, err)
		}
		clients[endpoint] = client
	}

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics,
		clients:      clients,
		prefs:        store,
		pool:         pool,
		registration: registration.NewService(logger),
		dashboard:    dashboard.NewService(0, logger),
		stop:         make(chan struct{}),
	}
	s.sessions = NewRegistry(RegistryConfig{
		Clients:         clients,
		DefaultEndpoint: cfg.DefaultEndpoint(),
		Preferences:     store,
		PageSize:        cfg.DefaultPageSize,
		EncounterCount:  cfg.EncounterPageSize,
		Metrics:         metrics,
		Logger:          logger,
	})
	s.echo = s.buildEcho()
	return s, nil
}

// Echo exposes the assembled echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start serves on addr until Shutdown. It blocks, returning
// http.ErrServerClosed after a clean shutdown like net/http does.
func (s *Server) Start(addr string) error {
	go s.evictionLoop()
	return s.echo.Start(addr)
}

// Shutdown stops the eviction sweep and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stop)
	return s.echo.Shutdown(ctx)
}

// evictionLoop sweeps idle sessions. The cookie TTL handles the browser
// side; this bounds server memory.
func (s *Server) evictionLoop() {
	ticker := time.NewTicker(evictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.sessions.EvictIdle(s.cfg.SessionTTL()); n > 0 {
				s.logger.Debug().Int("evicted", n).Msg("expired idle sessions")
			}
		}
	}
}

func (s *Server) buildEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	// Global middleware
	e.Use(middleware.Recovery(s.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(s.logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     s.cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders:     []string{"Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.Sanitize())
	e.Use(middleware.RequestTimeout(s.cfg.RequestTimeout()))
	e.Use(middleware.BodyLimit(s.cfg.BodyLimit))
	e.Use(s.metrics.Middleware())

	// Operational endpoints stay outside the session and rate-limit scope.
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": Version,
		})
	})
	e.GET("/healthz/db", db.HealthHandler(s.pool))
	e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	rateCfg := middleware.RateLimitConfig{
		RequestsPerSecond: s.cfg.RateLimitRPS,
		BurstSize:         s.cfg.RateLimitBurst,
	}
	if rateCfg.RequestsPerSecond <= 0 {
		rateCfg = middleware.DefaultRateLimitConfig()
	}
	rateCfg.SessionCookie = sessionCookieName

	api := e.Group("/api/v1")
	api.Use(middleware.RateLimit(rateCfg))
	api.Use(s.sessionMiddleware())
	api.Use(middleware.AccessAudit(s.logger, func(c echo.Context) string {
		if sess, ok := c.Get(sessionContextKey).(*Session); ok {
			return sess.ID
		}
		return ""
	}))
	s.registerRoutes(api)

	return e
}

// httpErrorHandler renders every error that escapes a handler or middleware
// in the same shape the handlers use: {"error": ..., "kind": ...}.
func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var fe *fhir.Error
	if errors.As(err, &fe) {
		_ = c.JSON(statusForKind(fe.Kind), errorBody{
			Error:  fe.Error(),
			Kind:   string(fe.Kind),
			Fields: fe.Fields,
		})
		return
	}

	status := http.StatusInternalServerError
	message := http.StatusText(status)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if m, ok := he.Message.(string); ok {
			message = m
		} else {
			message = fmt.Sprintf("%v", he.Message)
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).
			Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Msg("request failed")
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, errorBody{Error: message, Kind: kindForStatus(status)})
}
