// Package lease hands out time-bounded exclusive claims on tasks. A lease
// must be acquired before a task runs and renewed while it runs; an expired
// lease means the holder crashed or stalled and the task is fair game for
// reclaim.
package lease

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrHeld means another owner holds a live lease on the task.
	ErrHeld = errors.New("lease held by another owner")
	// ErrExpired means the caller's lease lapsed before the renew or
	// release landed.
	ErrExpired = errors.New("lease expired")
)

// Lease is one exclusive claim. The generation increments every time the
// task's lease changes hands, so a stale holder can never renew its way
// back in.
type Lease struct {
	TaskID     string
	Owner      string
	Generation uint64
	ExpiresAt  time.Time
}

// Manager tracks live leases in memory. Durable lease state lives on the
// task row; this map is the fast path that keeps two local workers from
// claiming the same task.
type Manager struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	leases map[string]*Lease
	gens   map[string]uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a manager issuing leases with the given TTL.
func NewManager(ttl time.Duration, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	m := &Manager{
		ttl:    ttl,
		now:    time.Now,
		leases: make(map[string]*Lease),
		gens:   make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL reports the configured lease duration.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Acquire claims the task for owner. A lapsed lease held by someone else
// is reclaimed in place; a live one returns ErrHeld.
func (m *Manager) Acquire(taskID, owner string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.leases[taskID]; ok && cur.ExpiresAt.After(now) {
		if cur.Owner == owner {
			// Re-acquire by the same owner extends in place.
			cur.ExpiresAt = now.Add(m.ttl)
			cp := *cur
			return &cp, nil
		}
		return nil, ErrHeld
	}

	m.gens[taskID]++
	l := &Lease{
		TaskID:     taskID,
		Owner:      owner,
		Generation: m.gens[taskID],
		ExpiresAt:  now.Add(m.ttl),
	}
	m.leases[taskID] = l
	cp := *l
	return &cp, nil
}

// Renew extends a live lease. The generation must match: a holder whose
// lease expired and was reclaimed gets ErrExpired even if it somehow still
// runs.
func (m *Manager) Renew(taskID, owner string, generation uint64) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[taskID]
	if !ok || cur.Owner != owner || cur.Generation != generation {
		return nil, ErrExpired
	}
	if !cur.ExpiresAt.After(m.now()) {
		delete(m.leases, taskID)
		return nil, ErrExpired
	}
	cur.ExpiresAt = m.now().Add(m.ttl)
	cp := *cur
	return &cp, nil
}

// Release drops the lease if the caller still holds it. Releasing a lease
// that already lapsed or changed hands is a no-op.
func (m *Manager) Release(taskID, owner string, generation uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[taskID]
	if ok && cur.Owner == owner && cur.Generation == generation {
		delete(m.leases, taskID)
	}
}

// Held reports whether a live lease exists for the task.
func (m *Manager) Held(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[taskID]
	return ok && cur.ExpiresAt.After(m.now())
}

// Sweep removes every lapsed lease and returns them. The reconciliation
// loop uses the result to requeue orphaned tasks.
func (m *Manager) Sweep() []Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var expired []Lease
	for id, l := range m.leases {
		if !l.ExpiresAt.After(now) {
			expired = append(expired, *l)
			delete(m.leases, id)
		}
	}
	return expired
}
