package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirdesk/fhirdesk/internal/domain/prefs"
	"github.com/fhirdesk/fhirdesk/internal/platform/fhir"
)

// ===================== Helpers =====================

func newTestClients(t *testing.T, endpoints ...string) map[string]*fhir.Client {
	t.Helper()
	clients := make(map[string]*fhir.Client, len(endpoints))
	for _, e := range endpoints {
		client, err := fhir.NewClient(e)
		if err != nil {
			t.Fatalf("NewClient(%s): %v", e, err)
		}
		clients[e] = client
	}
	return clients
}

func newTestRegistry(t *testing.T, store prefs.Store, endpoints ...string) *Registry {
	t.Helper()
	return NewRegistry(RegistryConfig{
		Clients:         newTestClients(t, endpoints...),
		DefaultEndpoint: endpoints[0],
		Preferences:     store,
		PageSize:        25,
		EncounterCount:  20,
		Logger:          zerolog.Nop(),
	})
}

// failingPrefs simulates a broken preference store.
type failingPrefs struct{}

func (failingPrefs) ActiveEndpoint(context.Context, string) (string, error) {
	return "", errors.New("store down")
}

func (failingPrefs) SetActiveEndpoint(context.Context, string, string) error {
	return errors.New("store down")
}

// gaugeSpy records the last published session count.
type gaugeSpy struct {
	last int
}

func (g *gaugeSpy) SetActiveSessions(n int) { g.last = n }

// ===================== Registry =====================

func TestRegistry_ResolveCreatesSessionOncePerID(t *testing.T) {
	r := newTestRegistry(t, prefs.NewInMemoryStore(), "http://a.example")
	ctx := context.Background()

	first := r.Resolve(ctx, "sess-1")
	again := r.Resolve(ctx, "sess-1")
	if first != again {
		t.Fatal("expected the same session for one id")
	}
	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}

	other := r.Resolve(ctx, "sess-2")
	if other == first {
		t.Fatal("distinct ids should get distinct sessions")
	}
	if r.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", r.Count())
	}
}

func TestRegistry_NewSessionBindsDefaultEndpoint(t *testing.T) {
	r := newTestRegistry(t, prefs.NewInMemoryStore(), "http://a.example", "http://b.example")

	sess := r.Resolve(context.Background(), "sess-1")
	if sess.Endpoint() != "http://a.example" {
		t.Fatalf("Endpoint() = %q, want the default", sess.Endpoint())
	}
	if sess.Client() == nil || sess.List() == nil || sess.Detail() == nil {
		t.Fatal("new session is missing its client or controllers")
	}
}

func TestRegistry_RestoresPersistedEndpoint(t *testing.T) {
	ctx := context.Background()
	store := prefs.NewInMemoryStore()
	if err := store.SetActiveEndpoint(ctx, "sess-1", "http://b.example"); err != nil {
		t.Fatalf("seeding preference: %v", err)
	}

	r := newTestRegistry(t, store, "http://a.example", "http://b.example")
	sess := r.Resolve(ctx, "sess-1")
	if sess.Endpoint() != "http://b.example" {
		t.Fatalf("Endpoint() = %q, want the persisted selection", sess.Endpoint())
	}
}

func TestRegistry_UnknownSavedEndpointFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	store := prefs.NewInMemoryStore()
	if err := store.SetActiveEndpoint(ctx, "sess-1", "http://gone.example"); err != nil {
		t.Fatalf("seeding preference: %v", err)
	}

	r := newTestRegistry(t, store, "http://a.example")
	sess := r.Resolve(ctx, "sess-1")
	if sess.Endpoint() != "http://a.example" {
		t.Fatalf("Endpoint() = %q, want fallback to default", sess.Endpoint())
	}
}

func TestRegistry_PreferenceLookupFailureFallsBackToDefault(t *testing.T) {
	r := newTestRegistry(t, failingPrefs{}, "http://a.example")

	sess := r.Resolve(context.Background(), "sess-1")
	if sess.Endpoint() != "http://a.example" {
		t.Fatalf("Endpoint() = %q, want default despite store failure", sess.Endpoint())
	}
}

func TestRegistry_SwitchRebindsSessionAndReplacesDetail(t *testing.T) {
	r := newTestRegistry(t, prefs.NewInMemoryStore(), "http://a.example", "http://b.example")
	sess := r.Resolve(context.Background(), "sess-1")

	oldList := sess.List()
	oldDetail := sess.Detail()

	client := r.Switch(sess, "http://b.example")
	if client == nil {
		t.Fatal("Switch returned no client")
	}
	if sess.Endpoint() != "http://b.example" {
		t.Fatalf("Endpoint() = %q after switch", sess.Endpoint())
	}
	if sess.Client() != client {
		t.Fatal("session client not rebound")
	}
	if sess.Detail() == oldDetail {
		t.Fatal("detail controller should be replaced on switch, its caches belong to the old server")
	}
	if sess.List() != oldList {
		t.Fatal("list controller should survive a switch; SetClient retargets it")
	}
}

func TestRegistry_EvictIdleDropsOnlyStaleSessions(t *testing.T) {
	r := newTestRegistry(t, prefs.NewInMemoryStore(), "http://a.example")
	ctx := context.Background()

	stale := r.Resolve(ctx, "sess-stale")
	fresh := r.Resolve(ctx, "sess-fresh")

	stale.mu.Lock()
	stale.lastSeen = time.Now().Add(-2 * time.Hour)
	stale.mu.Unlock()

	if n := r.EvictIdle(time.Hour); n != 1 {
		t.Fatalf("EvictIdle() = %d, want 1", n)
	}
	if r.Count() != 1 {
		t.Fatalf("Count() = %d after eviction, want 1", r.Count())
	}

	if got := r.Resolve(ctx, "sess-fresh"); got != fresh {
		t.Fatal("fresh session should have survived eviction")
	}
	if got := r.Resolve(ctx, "sess-stale"); got == stale {
		t.Fatal("evicted session should be rebuilt, not resurrected")
	}
}

func TestRegistry_GaugeTracksSessionCount(t *testing.T) {
	gauge := &gaugeSpy{}
	r := NewRegistry(RegistryConfig{
		Clients:         newTestClients(t, "http://a.example"),
		DefaultEndpoint: "http://a.example",
		Preferences:     prefs.NewInMemoryStore(),
		PageSize:        25,
		EncounterCount:  20,
		Metrics:         gauge,
		Logger:          zerolog.Nop(),
	})
	ctx := context.Background()

	r.Resolve(ctx, "sess-1")
	r.Resolve(ctx, "sess-2")
	if gauge.last != 2 {
		t.Fatalf("gauge = %d after two sessions, want 2", gauge.last)
	}

	for _, id := range []string{"sess-1", "sess-2"} {
		sess := r.Resolve(ctx, id)
		sess.mu.Lock()
		sess.lastSeen = time.Now().Add(-time.Hour)
		sess.mu.Unlock()
	}
	if n := r.EvictIdle(time.Minute); n != 2 {
		t.Fatalf("EvictIdle() = %d, want 2", n)
	}
	if gauge.last != 0 {
		t.Fatalf("gauge = %d after eviction, want 0", gauge.last)
	}
}
