package pool

import (
	"context"
	"sync/atomic"
	"time"
)

// Resource is an expensive, stateful worker resource (typically a browser
// session process). It is exclusively owned by at most one in-flight task at
// a time; the manager enforces ownership, callers only mark health.
type Resource struct {
	ID  string
	PID int32

	CreatedAt  time.Time
	LastUsedAt time.Time
	MemoryMB   float64

	dead atomic.Bool
}

// Alive reports whether the resource is still considered healthy.
func (r *Resource) Alive() bool {
	return !r.dead.Load()
}

// MarkUnhealthy flags the resource for destruction. Safe to call from the
// owning task while the reaper is running.
func (r *Resource) MarkUnhealthy() {
	r.dead.Store(true)
}

// Age returns how long the resource has existed.
func (r *Resource) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// Idle returns how long the resource has been unused.
func (r *Resource) Idle(now time.Time) time.Duration {
	return now.Sub(r.LastUsedAt)
}

// Factory creates and destroys worker resources on behalf of the pool.
type Factory interface {
	Create(ctx context.Context) (*Resource, error)
	Destroy(res *Resource) error
}
