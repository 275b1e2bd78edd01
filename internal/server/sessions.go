package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirdesk/fhirdesk/internal/domain/patientdetail"
	"github.com/fhirdesk/fhirdesk/internal/domain/patientlist"
	"github.com/fhirdesk/fhirdesk/internal/domain/prefs"
	"github.com/fhirdesk/fhirdesk/internal/platform/fhir"
)

// sessionCookieName identifies the browser session. The cookie carries no
// identity, only a random key for the session's view state and server
// preference.
const sessionCookieName = "fhirdesk_session"

// sessionContextKey is where the middleware parks the resolved session on
// the echo context.
const sessionContextKey = "fhirdesk.session"

// Session holds one browser's view state: which FHIR server it talks to and
// the list and detail controllers bound to that server.
type Session struct {
	ID string

	mu       sync.RWMutex
	endpoint string
	client   *fhir.Client
	list     *patientlist.Controller
	detail   *patientdetail.Controller
	lastSeen time.Time
}

// Endpoint returns the session's active FHIR base URL.
func (s *Session) Endpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint
}

// Client returns the client for the session's active server.
func (s *Session) Client() *fhir.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// List returns the session's patient list controller.
func (s *Session) List() *patientlist.Controller {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list
}

// Detail returns the session's patient detail controller.
func (s *Session) Detail() *patientdetail.Controller {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.detail
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleBefore(cutoff time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen.Before(cutoff)
}

// rebind points the session at another server. The detail controller is
// replaced because its expansion caches belong to the previous server's
// data; the caller retargets the list controller via SetClient.
func (s *Session) rebind(endpoint string, client *fhir.Client, detail *patientdetail.Controller) {
	s.mu.Lock()
	s.endpoint = endpoint
	s.client = client
	s.detail = detail
	s.mu.Unlock()
}

// sessionGauge is the slice of the telemetry provider the registry needs.
type sessionGauge interface {
	SetActiveSessions(n int)
}

// RegistryConfig wires a session registry.
type RegistryConfig struct {
	Clients         map[string]*fhir.Client
	DefaultEndpoint string
	Preferences     prefs.Store
	PageSize        int
	EncounterCount  int
	Metrics         sessionGauge
	Logger          zerolog.Logger
}

// Registry tracks live sessions and builds controllers for new ones. A
// session is created on first touch; its saved server preference, when it
// names a configured server, decides which client the controllers bind to.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	clients         map[string]*fhir.Client
	defaultEndpoint string
	preferences     prefs.Store
	pageSize        int
	encounterCount  int
	metrics         sessionGauge
	logger          zerolog.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		sessions:        make(map[string]*Session),
		clients:         cfg.Clients,
		defaultEndpoint: cfg.DefaultEndpoint,
		preferences:     cfg.Preferences,
		pageSize:        cfg.PageSize,
		encounterCount:  cfg.EncounterCount,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
	}
}

// Resolve returns the session for id, creating it on first touch.
func (r *Registry) Resolve(ctx context.Context, id string) *Session {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		sess.touch()
		return sess
	}

	endpoint := r.restoreEndpoint(ctx, id)
	client := r.clients[endpoint]

	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[id]; ok {
		// Lost the creation race; the winner's session stands.
		return sess
	}
	sess = &Session{
		ID:       id,
		endpoint: endpoint,
		client:   client,
		list:     patientlist.New(client, r.pageSize, r.logger),
		detail:   patientdetail.New(client, r.encounterCount, r.logger),
		lastSeen: time.Now(),
	}
	r.sessions[id] = sess
	if r.metrics != nil {
		r.metrics.SetActiveSessions(len(r.sessions))
	}
	return sess
}

// restoreEndpoint looks up the persisted server selection for a session key.
// Unknown or unreadable preferences fall back to the configured default.
func (r *Registry) restoreEndpoint(ctx context.Context, id string) string {
	saved, err := r.preferences.ActiveEndpoint(ctx, id)
	if err != nil {
		r.logger.Warn().Err(err).Msg("server preference lookup failed, using default")
		return r.defaultEndpoint
	}
	if saved == "" {
		return r.defaultEndpoint
	}
	if _, ok := r.clients[saved]; !ok {
		// The configured endpoint set changed since the preference was saved.
		return r.defaultEndpoint
	}
	return saved
}

// Switch rebinds a session to another configured endpoint and returns its
// client. The caller persists the preference and reloads the list.
func (r *Registry) Switch(sess *Session, endpoint string) *fhir.Client {
	client := r.clients[endpoint]
	sess.rebind(endpoint, client, patientdetail.New(client, r.encounterCount, r.logger))
	return client
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// EvictIdle drops sessions untouched for maxIdle and reports how many were
// removed. View state is in-memory only; a returning browser gets a fresh
// session with its persisted server preference intact.
func (r *Registry) EvictIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, sess := range r.sessions {
		if sess.idleBefore(cutoff) {
			delete(r.sessions, id)
			removed++
		}
	}
	if removed > 0 && r.metrics != nil {
		r.metrics.SetActiveSessions(len(r.sessions))
	}
	return removed
}

// cookieLifetime is how long a browser keeps its session key. It is much
// longer than the in-memory idle TTL: an evicted session is rebuilt from the
// preference store when the same key returns, so the saved server choice
// survives both eviction and process restarts.
const cookieLifetime = 30 * 24 * time.Hour

// sessionMiddleware assigns a session cookie to browsers that lack one and
// resolves the session for the handlers downstream. Cookies that are not
// well-formed session keys are replaced rather than trusted.
func (s *Server) sessionMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := ""
			if ck, err := c.Cookie(sessionCookieName); err == nil {
				if _, parseErr := uuid.Parse(ck.Value); parseErr == nil {
					id = ck.Value
				}
			}
			if id == "" {
				id = uuid.NewString()
				c.SetCookie(&http.Cookie{
					Name:     sessionCookieName,
					Value:    id,
					Path:     "/",
					MaxAge:   int(cookieLifetime.Seconds()),
					HttpOnly: true,
					SameSite: http.SameSiteLaxMode,
				})
			}
			c.Set(sessionContextKey, s.sessions.Resolve(c.Request().Context(), id))
			return next(c)
		}
	}
}

// session returns the session resolved by the middleware.
func (s *Server) session(c echo.Context) *Session {
	return c.Get(sessionContextKey).(*Session)
}
