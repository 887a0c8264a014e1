// Package selector implements the Selection Engine: a stateless routine
// over the live set of deployment clients that applies session affinity
// and power-of-two-choices load balancing.
package selector

import (
	"math/rand"
	"sync"
	"time"

	"github.com/opsflow/switchboard/internal/deployment"
	"github.com/opsflow/switchboard/internal/sessionmap"
	switchboarderrors "github.com/opsflow/switchboard/pkg/errors"
)

// AffinityEvent classifies a session-affinity outcome, reported to
// internal/metrics as session_affinity_events_total.
type AffinityEvent string

const (
	AffinityHit    AffinityEvent = "hit"
	AffinityMiss   AffinityEvent = "miss"
	AffinityRebind AffinityEvent = "rebind"
)

// MetricsSink receives affinity-event notifications. The root package
// wires this to the Prometheus counter; tests can supply a no-op.
type MetricsSink interface {
	RecordAffinityEvent(event AffinityEvent)
}

// Selector runs the power-of-two-choices algorithm over a set of
// deployment clients, consulting and updating a Map for session affinity.
// Selection never suspends: it operates on a snapshot of clients taken
// under a read lock and never touches the network.
type Selector struct {
	mu      sync.RWMutex
	clients map[string]deployment.Client
	order   []string // insertion order, for deterministic snapshot iteration

	sessions *sessionmap.Map
	metrics  MetricsSink

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a Selector backed by sessionCapacity session-affinity slots.
func New(sessionCapacity int, metrics MetricsSink) *Selector {
	return &Selector{
		clients:  make(map[string]deployment.Client),
		sessions: sessionmap.New(sessionCapacity),
		metrics:  metrics,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// AddClient registers a deployment client under its Name().
func (s *Selector) AddClient(c deployment.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.clients[c.Name()]; !exists {
		s.order = append(s.order, c.Name())
	}
	s.clients[c.Name()] = c
}

// RemoveClient unregisters a deployment client by name.
func (s *Selector) RemoveClient(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Clients returns a snapshot slice of all registered clients, in
// registration order, for the supervisor's probe/reset loops.
func (s *Selector) Clients() []deployment.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]deployment.Client, 0, len(s.order))
	for _, name := range s.order {
		if c, ok := s.clients[name]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Select implements the Selection Engine algorithm:
//  1. If sessionID is bound and its deployment is healthy, return it.
//  2. Compute the healthy set H; fail with NoHealthyDeployment if empty.
//  3. If |H| = 1, return its element.
//  4. Otherwise pick two distinct members of H uniformly at random and
//     return the one with lower utilization, breaking ties by in-flight
//     count then by name.
//  5. If sessionID was provided, bind it to the selected deployment.
func (s *Selector) Select(sessionID string) (deployment.Client, error) {
	return s.SelectExcluding(sessionID, nil)
}

// SelectExcluding runs the same algorithm as Select but removes any
// deployment named in excluded from consideration (including from the
// session-affinity check), for the outer retry loop's per-call excluded
// set. A nil or empty excluded set behaves exactly like Select.
func (s *Selector) SelectExcluding(sessionID string, excluded map[string]bool) (deployment.Client, error) {
	s.mu.RLock()
	healthy := make([]deployment.Client, 0, len(s.order))
	var boundClient deployment.Client
	for _, name := range s.order {
		if excluded[name] {
			continue
		}
		c, ok := s.clients[name]
		if !ok {
			continue
		}
		if c.Healthy() {
			healthy = append(healthy, c)
		}
	}
	if sessionID != "" {
		if boundName, ok := s.sessions.Get(sessionID); ok && !excluded[boundName] {
			if c, ok := s.clients[boundName]; ok {
				boundClient = c
			}
		}
	}
	s.mu.RUnlock()

	if sessionID != "" && boundClient != nil && boundClient.Healthy() {
		s.recordAffinity(AffinityHit)
		return boundClient, nil
	}

	if len(healthy) == 0 {
		return nil, switchboarderrors.NewNoHealthyDeployment()
	}

	var selected deployment.Client
	if len(healthy) == 1 {
		selected = healthy[0]
	} else {
		selected = s.pickTwo(healthy)
	}

	if sessionID != "" {
		if boundClient != nil {
			s.recordAffinity(AffinityRebind)
		} else {
			s.recordAffinity(AffinityMiss)
		}
		s.sessions.Put(sessionID, selected.Name())
	}

	return selected, nil
}

// EvictSession removes a session's affinity binding, used by the
// switchboard's outer retry loop when a bound deployment fails.
func (s *Selector) EvictSession(sessionID string) {
	if sessionID == "" {
		return
	}
	s.sessions.Evict(sessionID)
}

// pickTwo implements power-of-two choices: sample two distinct candidates
// uniformly at random, return the one with lower utilization, tie-break by
// in-flight count then by name for determinism.
func (s *Selector) pickTwo(candidates []deployment.Client) deployment.Client {
	i := s.randIntn(len(candidates))
	j := s.randIntn(len(candidates) - 1)
	if j >= i {
		j++
	}

	a, b := candidates[i], candidates[j]
	return lowerLoad(a, b)
}

func lowerLoad(a, b deployment.Client) deployment.Client {
	ua, ub := a.Utilization(), b.Utilization()
	if ua != ub {
		if ua < ub {
			return a
		}
		return b
	}
	ia, ib := a.InFlight(), b.InFlight()
	if ia != ib {
		if ia < ib {
			return a
		}
		return b
	}
	if a.Name() <= b.Name() {
		return a
	}
	return b
}

func (s *Selector) randIntn(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Intn(n)
}

func (s *Selector) recordAffinity(event AffinityEvent) {
	if s.metrics != nil {
		s.metrics.RecordAffinityEvent(event)
	}
}
