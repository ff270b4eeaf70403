package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrPoolExhausted signals that every slot is in use; the caller must
	// retry later, the manager never blocks waiting for a slot.
	ErrPoolExhausted = errors.New("pool: exhausted")
	// ErrResourceUnhealthy marks a failure caused by a broken resource. The
	// resource is evicted and the work retried on a different one.
	ErrResourceUnhealthy = errors.New("pool: resource unhealthy")
)

// Options bound resource lifetimes and pool capacity.
type Options struct {
	Size          int
	MaxAge        time.Duration
	MaxIdle       time.Duration
	MaxMemoryMB   float64
	TotalMemoryMB float64
	ReapInterval  time.Duration
}

// EvictFunc observes resource destruction.
type EvictFunc func(res *Resource, reason string)

// Manager owns a bounded pool of worker resources. Destroyed resources are
// replaced lazily on the next Acquire, never eagerly.
type Manager struct {
	opts    Options
	factory Factory
	sampler MemorySampler
	onEvict EvictFunc
	logger  zerolog.Logger

	mu       sync.Mutex
	idle     []*Resource
	owners   map[string]string // resource id -> owner id
	all      map[string]*Resource
	creating int
	now      func() time.Time
}

// NewManager constructs a resource manager. sampler and onEvict may be nil.
func NewManager(opts Options, factory Factory, sampler MemorySampler, onEvict EvictFunc, logger zerolog.Logger) *Manager {
	if opts.Size <= 0 {
		opts.Size = 1
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = 30 * time.Second
	}
	return &Manager{
		opts:    opts,
		factory: factory,
		sampler: sampler,
		onEvict: onEvict,
		logger:  logger.With().Str("component", "pool").Logger(),
		owners:  make(map[string]string),
		all:     make(map[string]*Resource),
		now:     time.Now,
	}
}

// Acquire hands out an idle healthy resource, creating one lazily while the
// pool is under capacity. Returns ErrPoolExhausted when no slot is free.
func (m *Manager) Acquire(ctx context.Context, owner string) (*Resource, error) {
	m.mu.Lock()
	now := m.now()

	for len(m.idle) > 0 {
		res := m.idle[len(m.idle)-1]
		m.idle = m.idle[:len(m.idle)-1]

		if m.healthyLocked(res, now) {
			m.owners[res.ID] = owner
			res.LastUsedAt = now
			m.mu.Unlock()
			return res, nil
		}

		delete(m.all, res.ID)
		m.mu.Unlock()
		m.destroy(res, "unhealthy on acquire")
		m.mu.Lock()
		now = m.now()
	}

	if len(m.all)+m.creating >= m.opts.Size {
		m.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	m.creating++
	m.mu.Unlock()

	res, err := m.factory.Create(ctx)

	m.mu.Lock()
	m.creating--
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("create resource: %w", err)
	}
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	now = m.now()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = now
	}
	res.LastUsedAt = now
	m.all[res.ID] = res
	m.owners[res.ID] = owner
	m.mu.Unlock()

	m.logger.Debug().Str("resource_id", res.ID).Int32("pid", res.PID).Msg("resource created")
	return res, nil
}

// Release returns a resource to the idle set, or destroys it when it was
// marked unhealthy. A resource the reaper already destroyed is ignored.
func (m *Manager) Release(res *Resource) {
	if res == nil {
		return
	}

	m.mu.Lock()
	if _, owned := m.owners[res.ID]; !owned {
		// Reaped mid-flight.
		m.mu.Unlock()
		return
	}
	delete(m.owners, res.ID)

	if !res.Alive() {
		delete(m.all, res.ID)
		m.mu.Unlock()
		m.destroy(res, "unhealthy on release")
		return
	}

	res.LastUsedAt = m.now()
	m.idle = append(m.idle, res)
	m.mu.Unlock()
}

// Run drives the reaper loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Reap()
		}
	}
}

// Reap destroys every resource exceeding max age, max idle, or max memory,
// or marked dead, whether idle or checked out. It then enforces the
// aggregate memory ceiling by evicting the highest-memory idle resources.
func (m *Manager) Reap() {
	m.sampleMemory()

	m.mu.Lock()
	now := m.now()

	type victim struct {
		res    *Resource
		reason string
	}
	var victims []victim

	for id, res := range m.all {
		reason := ""
		switch {
		case !res.Alive():
			reason = "dead"
		case m.opts.MaxAge > 0 && res.Age(now) > m.opts.MaxAge:
			reason = "max_age"
		case m.opts.MaxMemoryMB > 0 && res.MemoryMB > m.opts.MaxMemoryMB:
			reason = "max_memory"
		case m.opts.MaxIdle > 0 && m.isIdleLocked(id) && res.Idle(now) > m.opts.MaxIdle:
			reason = "max_idle"
		}
		if reason != "" {
			victims = append(victims, victim{res, reason})
		}
	}
	for _, v := range victims {
		m.removeLocked(v.res.ID)
	}

	if m.opts.TotalMemoryMB > 0 {
		var total float64
		for _, res := range m.all {
			total += res.MemoryMB
		}
		if total > m.opts.TotalMemoryMB {
			// Highest-memory idle resources go first.
			sorted := append([]*Resource(nil), m.idle...)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i].MemoryMB > sorted[j].MemoryMB })
			for _, res := range sorted {
				if total <= m.opts.TotalMemoryMB {
					break
				}
				m.removeLocked(res.ID)
				total -= res.MemoryMB
				victims = append(victims, victim{res, "total_memory"})
			}
		}
	}
	m.mu.Unlock()

	for _, v := range victims {
		m.destroy(v.res, v.reason)
	}
}

// Close destroys every remaining resource. Call only after in-flight work
// has drained.
func (m *Manager) Close() {
	m.mu.Lock()
	remaining := make([]*Resource, 0, len(m.all))
	for _, res := range m.all {
		remaining = append(remaining, res)
	}
	m.all = make(map[string]*Resource)
	m.owners = make(map[string]string)
	m.idle = nil
	m.mu.Unlock()

	for _, res := range remaining {
		if err := m.factory.Destroy(res); err != nil {
			m.logger.Warn().Err(err).Str("resource_id", res.ID).Msg("destroy on close failed")
		}
	}
}

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Idle  int
	Busy  int
	Total int
}

// Snapshot reports current occupancy.
func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Idle: len(m.idle), Busy: len(m.owners), Total: len(m.all)}
}

func (m *Manager) healthyLocked(res *Resource, now time.Time) bool {
	if !res.Alive() {
		return false
	}
	if m.opts.MaxAge > 0 && res.Age(now) > m.opts.MaxAge {
		return false
	}
	if m.opts.MaxMemoryMB > 0 && res.MemoryMB > m.opts.MaxMemoryMB {
		return false
	}
	return true
}

func (m *Manager) isIdleLocked(id string) bool {
	_, owned := m.owners[id]
	return !owned
}

func (m *Manager) removeLocked(id string) {
	delete(m.all, id)
	delete(m.owners, id)
	for i, res := range m.idle {
		if res.ID == id {
			m.idle = append(m.idle[:i], m.idle[i+1:]...)
			break
		}
	}
}

func (m *Manager) destroy(res *Resource, reason string) {
	res.MarkUnhealthy()
	if err := m.factory.Destroy(res); err != nil {
		m.logger.Warn().Err(err).Str("resource_id", res.ID).Msg("resource destroy failed")
	}
	m.logger.Info().Str("resource_id", res.ID).Str("reason", reason).Msg("resource evicted")
	if m.onEvict != nil {
		m.onEvict(res, reason)
	}
}

// sampleMemory refreshes MemoryMB for resources exposing an OS pid.
func (m *Manager) sampleMemory() {
	if m.sampler == nil {
		return
	}

	m.mu.Lock()
	targets := make([]*Resource, 0, len(m.all))
	for _, res := range m.all {
		if res.PID > 0 {
			targets = append(targets, res)
		}
	}
	m.mu.Unlock()

	for _, res := range targets {
		mb, err := m.sampler.MemoryMB(res.PID)
		if err != nil {
			continue
		}
		m.mu.Lock()
		if _, tracked := m.all[res.ID]; tracked {
			res.MemoryMB = mb
		}
		m.mu.Unlock()
	}
}
