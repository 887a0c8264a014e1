package selector

import (
	"context"
	"testing"
	"time"

	"github.com/opsflow/switchboard/internal/deployment"
	"github.com/opsflow/switchboard/pkg/types"
)

// fakeClient is a minimal deployment.Client double for selector tests: a
// fixed utilization/in-flight/healthy triple, no network calls.
type fakeClient struct {
	name        string
	healthy     bool
	utilization float64
	inFlight    int
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) Create(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	return &types.ChatResponse{Model: req.Model}, nil
}

func (f *fakeClient) CreateStream(ctx context.Context, req *types.ChatRequest) (deployment.ChatStream, error) {
	return nil, nil
}

func (f *fakeClient) Probe(ctx context.Context) error { return nil }

func (f *fakeClient) Utilization() float64 { return f.utilization }
func (f *fakeClient) InFlight() int        { return f.inFlight }
func (f *fakeClient) Healthy() bool        { return f.healthy }

func (f *fakeClient) Cooldown(d time.Duration) { f.healthy = false }
func (f *fakeClient) ResetUsage()              {}

func (f *fakeClient) Snapshot() deployment.Snapshot {
	return deployment.Snapshot{
		Name:        f.name,
		Healthy:     f.healthy,
		Utilization: f.utilization,
		InFlight:    f.inFlight,
	}
}

var _ deployment.Client = (*fakeClient)(nil)

type recordingMetrics struct{ events []AffinityEvent }

func (m *recordingMetrics) RecordAffinityEvent(event AffinityEvent) {
	m.events = append(m.events, event)
}

func TestSelect_NoClientsRegistered(t *testing.T) {
	s := New(16, &recordingMetrics{})
	if _, err := s.Select(""); err == nil {
		t.Fatal("expected NoHealthyDeployment error with no clients registered")
	}
}

func TestSelect_AllUnhealthy(t *testing.T) {
	s := New(16, &recordingMetrics{})
	s.AddClient(&fakeClient{name: "dc1", healthy: false, utilization: 1})
	s.AddClient(&fakeClient{name: "dc2", healthy: false, utilization: 1})

	if _, err := s.Select(""); err == nil {
		t.Fatal("expected NoHealthyDeployment error when every client is unhealthy")
	}
}

func TestSelect_SingleHealthyDeployment(t *testing.T) {
	s := New(16, &recordingMetrics{})
	s.AddClient(&fakeClient{name: "dc1", healthy: true, utilization: 0.2})
	s.AddClient(&fakeClient{name: "dc2", healthy: false, utilization: 1})

	got, err := s.Select("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name() != "dc1" {
		t.Fatalf("selected %q, want dc1", got.Name())
	}
}

func TestSelect_PowerOfTwoPrefersLowerUtilization(t *testing.T) {
	s := New(16, &recordingMetrics{})
	s.AddClient(&fakeClient{name: "busy", healthy: true, utilization: 0.9})
	s.AddClient(&fakeClient{name: "idle", healthy: true, utilization: 0.1})

	for i := 0; i < 50; i++ {
		got, err := s.Select("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Name() != "idle" {
			t.Fatalf("selected %q, want idle (lower utilization)", got.Name())
		}
	}
}

func TestSelect_TieBreaksByInFlightThenName(t *testing.T) {
	s := New(16, &recordingMetrics{})
	s.AddClient(&fakeClient{name: "b", healthy: true, utilization: 0.5, inFlight: 3})
	s.AddClient(&fakeClient{name: "a", healthy: true, utilization: 0.5, inFlight: 1})

	got, err := s.Select("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name() != "a" {
		t.Fatalf("selected %q, want a (lower in-flight at equal utilization)", got.Name())
	}
}

func TestSelect_SessionAffinityHit(t *testing.T) {
	metrics := &recordingMetrics{}
	s := New(16, metrics)
	s.AddClient(&fakeClient{name: "dc1", healthy: true, utilization: 0.1})
	s.AddClient(&fakeClient{name: "dc2", healthy: true, utilization: 0.1})

	first, err := s.Select("session-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 10; i++ {
		again, err := s.Select("session-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if again.Name() != first.Name() {
			t.Fatalf("session affinity broken: got %q, want %q", again.Name(), first.Name())
		}
	}

	hits := 0
	for _, e := range metrics.events {
		if e == AffinityHit {
			hits++
		}
	}
	if hits != 10 {
		t.Fatalf("recorded %d affinity hits, want 10", hits)
	}
}

func TestSelect_SessionAffinityRebindsWhenBoundDeploymentUnhealthy(t *testing.T) {
	s := New(16, &recordingMetrics{})
	dc1 := &fakeClient{name: "dc1", healthy: true, utilization: 0.1}
	dc2 := &fakeClient{name: "dc2", healthy: true, utilization: 0.1}
	s.AddClient(dc1)
	s.AddClient(dc2)

	bound, err := s.Select("session-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bound.Cooldown(0) // mark the bound deployment unhealthy

	got, err := s.Select("session-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name() == bound.Name() {
		t.Fatal("selection should have rebound away from the now-unhealthy deployment")
	}
}

func TestSelectExcluding_RemovesNamedDeployments(t *testing.T) {
	s := New(16, &recordingMetrics{})
	s.AddClient(&fakeClient{name: "dc1", healthy: true, utilization: 0.1})
	s.AddClient(&fakeClient{name: "dc2", healthy: true, utilization: 0.1})

	got, err := s.SelectExcluding("", map[string]bool{"dc1": true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name() != "dc2" {
		t.Fatalf("selected %q, want dc2", got.Name())
	}
}

func TestSelectExcluding_AllExcludedReturnsNoHealthyDeployment(t *testing.T) {
	s := New(16, &recordingMetrics{})
	s.AddClient(&fakeClient{name: "dc1", healthy: true, utilization: 0.1})

	if _, err := s.SelectExcluding("", map[string]bool{"dc1": true}); err == nil {
		t.Fatal("expected error when every candidate is excluded")
	}
}

func TestSelectExcluding_IgnoresSessionBindingToExcludedDeployment(t *testing.T) {
	s := New(16, &recordingMetrics{})
	s.AddClient(&fakeClient{name: "dc1", healthy: true, utilization: 0.1})
	s.AddClient(&fakeClient{name: "dc2", healthy: true, utilization: 0.1})

	bound, err := s.Select("session-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.SelectExcluding("session-1", map[string]bool{bound.Name(): true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name() == bound.Name() {
		t.Fatal("excluded deployment should never be returned, even if session-bound")
	}
}

func TestEvictSession_RemovesBinding(t *testing.T) {
	s := New(16, &recordingMetrics{})
	s.AddClient(&fakeClient{name: "dc1", healthy: true, utilization: 0.1})

	bound, _ := s.Select("session-1")
	s.EvictSession("session-1")

	// after eviction, a fresh bind can occur (single-client case returns the
	// same deployment, but the affinity-event classification should be a
	// miss rather than a hit since the binding no longer exists).
	metrics := &recordingMetrics{}
	s.metrics = metrics
	got, err := s.Select("session-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name() != bound.Name() {
		t.Fatalf("got %q, want %q (only client registered)", got.Name(), bound.Name())
	}
	if len(metrics.events) != 1 || metrics.events[0] != AffinityMiss {
		t.Fatalf("expected a single affinity miss after eviction, got %v", metrics.events)
	}
}

func TestClients_ReturnsRegistrationOrder(t *testing.T) {
	s := New(16, &recordingMetrics{})
	s.AddClient(&fakeClient{name: "dc1"})
	s.AddClient(&fakeClient{name: "dc2"})
	s.AddClient(&fakeClient{name: "dc3"})

	names := make([]string, 0, 3)
	for _, c := range s.Clients() {
		names = append(names, c.Name())
	}
	want := []string{"dc1", "dc2", "dc3"}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("Clients()[%d] = %q, want %q", i, names[i], n)
		}
	}
}

func TestRemoveClient(t *testing.T) {
	s := New(16, &recordingMetrics{})
	s.AddClient(&fakeClient{name: "dc1", healthy: true})
	s.AddClient(&fakeClient{name: "dc2", healthy: true})

	s.RemoveClient("dc1")

	if len(s.Clients()) != 1 {
		t.Fatalf("len(Clients()) = %d, want 1", len(s.Clients()))
	}
	if s.Clients()[0].Name() != "dc2" {
		t.Fatalf("remaining client = %q, want dc2", s.Clients()[0].Name())
	}
}
