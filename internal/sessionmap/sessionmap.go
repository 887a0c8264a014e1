// Package sessionmap implements the bounded, recency-ordered mapping from
// session identifier to the deployment name chosen for it, used by the
// selection engine to preserve server-side prompt-cache locality.
package sessionmap

import (
	"container/list"
	"sync"
	"time"
)

// DefaultCapacity is the session map's default entry capacity.
const DefaultCapacity = 1024

type entry struct {
	sessionID      string
	deploymentName string
	lastUsedAt     time.Time
}

// Map is a bounded LRU cache from session id to deployment name. Lookups
// and inserts both refresh recency. Capacity overflow evicts the least
// recently used entry. Grounded on the original source's _LRUDict
// (OrderedDict with move_to_end on get/set and evict-oldest-while-over-size).
type Map struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	index    map[string]*list.Element
}

// New creates a session map with the given capacity. A non-positive
// capacity falls back to DefaultCapacity.
func New(capacity int) *Map {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Map{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Get returns the deployment name bound to sessionID, refreshing its
// recency, or ("", false) if no binding exists.
func (m *Map) Get(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.index[sessionID]
	if !ok {
		return "", false
	}
	m.order.MoveToFront(elem)
	e := elem.Value.(*entry)
	e.lastUsedAt = time.Now()
	return e.deploymentName, true
}

// Put binds sessionID to deploymentName, refreshing recency and evicting
// the least-recently-used entry if capacity is exceeded.
func (m *Map) Put(sessionID, deploymentName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.index[sessionID]; ok {
		e := elem.Value.(*entry)
		e.deploymentName = deploymentName
		e.lastUsedAt = time.Now()
		m.order.MoveToFront(elem)
		return
	}

	elem := m.order.PushFront(&entry{
		sessionID:      sessionID,
		deploymentName: deploymentName,
		lastUsedAt:     time.Now(),
	})
	m.index[sessionID] = elem

	for m.order.Len() > m.capacity {
		oldest := m.order.Back()
		if oldest == nil {
			break
		}
		m.order.Remove(oldest)
		delete(m.index, oldest.Value.(*entry).sessionID)
	}
}

// Evict removes sessionID's binding explicitly, used when affinity fails
// over to a different deployment.
func (m *Map) Evict(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.index[sessionID]
	if !ok {
		return
	}
	m.order.Remove(elem)
	delete(m.index, sessionID)
}

// Len returns the current number of entries, for tests.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
