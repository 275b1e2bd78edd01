package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// AccessEntry is one access-trail record: which browser session touched
// which patient-data resource, the action, and the outcome. The service has
// no user identities, so the session key is the closest thing to "who".
type AccessEntry struct {
	SessionKey string
	RequestID  string
	Resource   string
	PatientID  string
	Action     string
	Method     string
	Route      string
	RemoteIP   string
	Status     int
	Timestamp  time.Time
}

// AccessRecorder receives access entries. Decoupling the sink from the
// middleware lets tests capture entries without parsing log output.
type AccessRecorder interface {
	RecordAccess(entry AccessEntry) error
}

// AccessRecorderFunc is a function adapter for AccessRecorder.
type AccessRecorderFunc func(entry AccessEntry) error

func (f AccessRecorderFunc) RecordAccess(entry AccessEntry) error {
	return f(entry)
}

// AccessAudit returns middleware that writes one access-trail event per
// patient-data request. sessionKey extracts the browser session from the
// context; the middleware therefore must run after the session has been
// resolved. An optional recorder receives every entry in addition to the
// structured log line.
func AccessAudit(logger zerolog.Logger, sessionKey func(echo.Context) string, recorders ...AccessRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// The handler runs first so the entry captures the response
			// status.
			err := next(c)

			req := c.Request()
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			rid, _ := c.Get(requestIDKey).(string)
			entry := AccessEntry{
				SessionKey: sessionKey(c),
				RequestID:  rid,
				Resource:   resourceFromRoute(route),
				PatientID:  c.Param("id"),
				Action:     actionFor(req.Method, route),
				Method:     req.Method,
				Route:      route,
				RemoteIP:   c.RealIP(),
				Status:     status,
				Timestamp:  time.Now().UTC(),
			}

			if len(recorders) > 0 && recorders[0] != nil {
				if recErr := recorders[0].RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("recording access entry failed")
				}
			}

			logger.Info().
				Str("type", "access_audit").
				Str("session", entry.SessionKey).
				Str("request_id", entry.RequestID).
				Str("resource", entry.Resource).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("route", entry.Route).
				Str("remote_ip", entry.RemoteIP).
				Int("status", entry.Status).
				Msg("patient data access")

			return err
		}
	}
}

// resourceFromRoute extracts the resource segment from a route template:
// "/api/v1/patients/:id/conditions" yields "patients".
func resourceFromRoute(route string) string {
	route = strings.TrimPrefix(route, "/api/v1")
	route = strings.TrimPrefix(route, "/")
	if i := strings.IndexByte(route, '/'); i >= 0 {
		route = route[:i]
	}
	if route == "" {
		return "unknown"
	}
	return route
}

// actionFor classifies a request for the trail. The list endpoints drive
// view state through POSTs (load, search, sort, filter, retry), so the
// method alone would mislabel them; only a POST to the collection root
// creates anything.
func actionFor(method, route string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	}
	if strings.HasSuffix(route, "/patients") {
		return "create"
	}
	return "read"
}
