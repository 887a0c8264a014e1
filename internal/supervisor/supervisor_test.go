package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/opsflow/switchboard/internal/deployment"
	"github.com/opsflow/switchboard/internal/metrics"
	"github.com/opsflow/switchboard/pkg/types"
)

// fakeClient is a minimal deployment.Client double recording Probe/ResetUsage
// invocations for supervisor loop assertions.
type fakeClient struct {
	name         string
	healthy      bool
	utilization  float64
	rpmUsed      int
	rpmRatelimit int
	tpmUsed      int
	tpmRatelimit int

	mu       sync.Mutex
	probes   int
	resets   int
	probeErr error
}

func (f *fakeClient) Name() string { return f.name }
func (f *fakeClient) Create(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	return nil, f.probeErr
}
func (f *fakeClient) CreateStream(ctx context.Context, req *types.ChatRequest) (deployment.ChatStream, error) {
	return nil, nil
}
func (f *fakeClient) Probe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return f.probeErr
}
func (f *fakeClient) Utilization() float64 { return f.utilization }
func (f *fakeClient) InFlight() int        { return 0 }
func (f *fakeClient) Healthy() bool        { return f.healthy }
func (f *fakeClient) Cooldown(d time.Duration) {
	f.healthy = false
}
func (f *fakeClient) ResetUsage() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}
func (f *fakeClient) Snapshot() deployment.Snapshot {
	return deployment.Snapshot{
		Name:         f.name,
		Healthy:      f.healthy,
		Utilization:  f.utilization,
		RPMUsed:      f.rpmUsed,
		RPMRatelimit: f.rpmRatelimit,
		TPMUsed:      f.tpmUsed,
		TPMRatelimit: f.tpmRatelimit,
	}
}

func (f *fakeClient) probeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

func (f *fakeClient) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

type fakeLister struct{ clients []deployment.Client }

func (l *fakeLister) Clients() []deployment.Client { return l.clients }

func TestSupervisor_HealthLoopProbesImmediatelyThenPeriodically(t *testing.T) {
	c := &fakeClient{name: "dc1", healthy: true, utilization: 0.1}
	lister := &fakeLister{clients: []deployment.Client{c}}
	sup := New(Config{HealthcheckInterval: 20 * time.Millisecond}, lister, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sup.Start(ctx)

	waitFor(t, func() bool { return c.probeCount() >= 1 }, time.Second)
	waitFor(t, func() bool { return c.probeCount() >= 2 }, time.Second)

	cancel()
	sup.Stop()
}

func TestSupervisor_ResetLoopResetsUsage(t *testing.T) {
	c := &fakeClient{name: "dc1", healthy: true}
	lister := &fakeLister{clients: []deployment.Client{c}}
	sup := New(Config{RatelimitWindow: 20 * time.Millisecond}, lister, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sup.Start(ctx)

	waitFor(t, func() bool { return c.resetCount() >= 1 }, time.Second)

	cancel()
	sup.Stop()
}

func TestSupervisor_ZeroRatelimitWindowDisablesResetLoop(t *testing.T) {
	c := &fakeClient{name: "dc1", healthy: true}
	lister := &fakeLister{clients: []deployment.Client{c}}
	sup := New(Config{RatelimitWindow: 0}, lister, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sup.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()
	sup.Stop()

	if c.resetCount() != 0 {
		t.Fatalf("resetCount() = %d, want 0 with a zero ratelimit window", c.resetCount())
	}
}

func TestSupervisor_StartIsIdempotent(t *testing.T) {
	c := &fakeClient{name: "dc1", healthy: true}
	lister := &fakeLister{clients: []deployment.Client{c}}
	sup := New(Config{HealthcheckInterval: time.Hour}, lister, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var started int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sup.Start(ctx)
			atomic.AddInt32(&started, 1)
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&started) != 5 {
		t.Fatalf("expected all 5 Start calls to return, got %d", started)
	}
	cancel()
	sup.Stop()
}

func TestSupervisor_HealthLoopRecordsUtilizationGauges(t *testing.T) {
	c := &fakeClient{
		name: "dc-sweep-1", healthy: true, utilization: 0.4,
		rpmUsed: 30, rpmRatelimit: 60, tpmUsed: 200, tpmRatelimit: 1000,
	}
	lister := &fakeLister{clients: []deployment.Client{c}}
	sup := New(Config{HealthcheckInterval: time.Hour}, lister, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sup.Start(ctx)
	defer func() {
		cancel()
		sup.Stop()
	}()

	waitFor(t, func() bool {
		return testutil.ToFloat64(metrics.RPMUtilization.WithLabelValues("dc-sweep-1")) == 0.5
	}, time.Second)

	if got := testutil.ToFloat64(metrics.TPMUtilization.WithLabelValues("dc-sweep-1")); got != 0.2 {
		t.Fatalf("TPMUtilization = %v, want 0.2", got)
	}
	if got := testutil.ToFloat64(metrics.DeploymentHealthy.WithLabelValues("dc-sweep-1")); got != 1 {
		t.Fatalf("DeploymentHealthy = %v, want 1", got)
	}
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
