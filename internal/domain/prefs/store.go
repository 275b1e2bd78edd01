// Package prefs persists per-session UI preferences, currently just the
// active FHIR server selection. A browser session keeps its chosen server
// across page loads; when a database is configured the choice also survives
// process restarts.
package prefs

import (
	"context"
	"sync"
)

// Store persists the active FHIR endpoint chosen by a session. Lookups for
// sessions that never saved a preference return an empty endpoint and no
// error; callers fall back to the configured default.
type Store interface {
	// ActiveEndpoint returns the endpoint saved for the session, or "" when
	// the session has no saved preference.
	ActiveEndpoint(ctx context.Context, sessionKey string) (string, error)

	// SetActiveEndpoint saves the endpoint for the session, replacing any
	// previous choice.
	SetActiveEndpoint(ctx context.Context, sessionKey, endpoint string) error
}

// InMemoryStore keeps preferences in process memory. It is the default when
// no database is configured; preferences then live as long as the process.
type InMemoryStore struct {
	mu        sync.RWMutex
	endpoints map[string]string
}

// NewInMemoryStore creates an empty in-memory preference store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{endpoints: make(map[string]string)}
}

// ActiveEndpoint implements Store.
func (s *InMemoryStore) ActiveEndpoint(_ context.Context, sessionKey string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoints[sessionKey], nil
}

// SetActiveEndpoint implements Store.
func (s *InMemoryStore) SetActiveEndpoint(_ context.Context, sessionKey, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[sessionKey] = endpoint
	return nil
}
