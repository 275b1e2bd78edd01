package fhir

import (
	"errors"
	"fmt"
)

// ErrorKind discriminates client failures so callers never have to match on
// message text.
type ErrorKind string

const (
	// KindTransport covers network failures and unexpected HTTP statuses.
	KindTransport ErrorKind = "transport"
	// KindNotFound marks a 404 for a specifically addressed resource.
	KindNotFound ErrorKind = "not-found"
	// KindValidation marks input rejected before any request was issued.
	KindValidation ErrorKind = "validation"
)

// Error is the structured failure type returned by the client. StatusCode is
// zero when the request never produced an HTTP response.
type Error struct {
	Kind         ErrorKind
	StatusCode   int
	ResourceType string
	ResourceID   string
	Diagnostics  string
	Fields       map[string]string
	cause        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNotFound:
		if e.ResourceID != "" {
			return fmt.Sprintf("%s/%s not found", e.ResourceType, e.ResourceID)
		}
		return fmt.Sprintf("%s not found", e.ResourceType)
	case KindValidation:
		if e.Diagnostics != "" {
			return "validation failed: " + e.Diagnostics
		}
		return "validation failed"
	default:
		msg := "fhir request failed"
		if e.ResourceType != "" {
			msg = fmt.Sprintf("fhir %s request failed", e.ResourceType)
		}
		if e.StatusCode != 0 {
			msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
		}
		if e.Diagnostics != "" {
			msg = fmt.Sprintf("%s: %s", msg, e.Diagnostics)
		}
		if e.StatusCode == 0 && e.cause != nil {
			msg = fmt.Sprintf("%s: %v", msg, e.cause)
		}
		return msg
	}
}

func (e *Error) Unwrap() error { return e.cause }

// NotFoundError builds the dedicated not-found failure for a resource read.
func NotFoundError(resourceType, id string) *Error {
	return &Error{
		Kind:         KindNotFound,
		StatusCode:   404,
		ResourceType: resourceType,
		ResourceID:   id,
	}
}

// TransportError wraps a network-level failure (no HTTP response).
func TransportError(resourceType string, cause error) *Error {
	return &Error{Kind: KindTransport, ResourceType: resourceType, cause: cause}
}

// StatusError builds a transport failure for an unexpected HTTP status,
// carrying any OperationOutcome diagnostics the server included.
func StatusError(resourceType string, status int, body []byte) *Error {
	e := &Error{Kind: KindTransport, StatusCode: status, ResourceType: resourceType}
	if outcome := ParseOutcome(body); outcome != nil {
		e.Diagnostics = outcome.Summary()
	}
	return e
}

// ValidationError reports client-side rejection with per-field messages.
func ValidationError(fields map[string]string) *Error {
	diag := ""
	for f, msg := range fields {
		if diag != "" {
			diag += "; "
		}
		diag += f + ": " + msg
	}
	return &Error{Kind: KindValidation, Fields: fields, Diagnostics: diag}
}

// IsNotFound reports whether err is a not-found client failure.
func IsNotFound(err error) bool { return hasKind(err, KindNotFound) }

// IsTransport reports whether err is a transport/HTTP client failure.
func IsTransport(err error) bool { return hasKind(err, KindTransport) }

// IsValidation reports whether err is a client-side validation failure.
func IsValidation(err error) bool { return hasKind(err, KindValidation) }

func hasKind(err error, kind ErrorKind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}
