package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fhirdesk/fhirdesk/internal/platform/fhir"
)

// errorBody is the JSON error shape shared by handlers, middleware
// rejections, and the central error handler: a human-readable message plus
// a machine discriminant, so browser code never matches on message text.
type errorBody struct {
	Error  string            `json:"error"`
	Kind   string            `json:"kind"`
	Fields map[string]string `json:"fields,omitempty"`
}

// kindInternal marks failures of this server itself, as opposed to the
// upstream FHIR server or the caller's input.
const kindInternal = "internal"

// statusForKind maps a client failure class to its HTTP status. Upstream
// failures are a 502 so browser code can tell "this server broke" apart
// from "the FHIR server did".
func statusForKind(kind fhir.ErrorKind) int {
	switch kind {
	case fhir.KindNotFound:
		return http.StatusNotFound
	case fhir.KindValidation:
		return http.StatusBadRequest
	case fhir.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// kindForStatus classifies errors that arrive as bare HTTP statuses, such
// as middleware rejections and unknown routes.
func kindForStatus(status int) string {
	switch {
	case status == http.StatusNotFound:
		return string(fhir.KindNotFound)
	case status == http.StatusTooManyRequests:
		return string(fhir.KindTransport)
	case status >= 400 && status < 500:
		return string(fhir.KindValidation)
	default:
		return kindInternal
	}
}

// respondError writes a domain failure to the wire. Unknown error types are
// reported as internal without leaking details.
func respondError(c echo.Context, err error) error {
	var fe *fhir.Error
	if errors.As(err, &fe) {
		return c.JSON(statusForKind(fe.Kind), errorBody{
			Error:  fe.Error(),
			Kind:   string(fe.Kind),
			Fields: fe.Fields,
		})
	}
	return c.JSON(http.StatusInternalServerError, errorBody{
		Error: "internal error",
		Kind:  kindInternal,
	})
}

// validationRejection writes a handler-level input rejection in the same
// shape as client-side validation failures.
func validationRejection(c echo.Context, message string, fields map[string]string) error {
	return c.JSON(http.StatusBadRequest, errorBody{
		Error:  message,
		Kind:   string(fhir.KindValidation),
		Fields: fields,
	})
}
