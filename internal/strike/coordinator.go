package strike

import (
	"sync"
	"time"
)

// Outcome of a claim attempt. Losing is a normal result under contention,
// not a failure.
type Outcome string

const (
	Won  Outcome = "won"
	Lost Outcome = "lost"
)

type claim struct {
	WorkerID string
	At       time.Time
}

// Coordinator guarantees at most one successful claim per opportunity
// fingerprint across all concurrently racing workers. The claim map is the
// only shared state; a compare-and-set per fingerprint, no global lock.
type Coordinator struct {
	claims sync.Map // fingerprint -> claim
}

// NewCoordinator constructs an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// Claim attempts an exclusive claim on the fingerprint. Exactly one caller
// wins; every other caller gets Lost immediately with no blocking.
func (c *Coordinator) Claim(fingerprint, workerID string) Outcome {
	_, loaded := c.claims.LoadOrStore(fingerprint, claim{WorkerID: workerID, At: time.Now().UTC()})
	if loaded {
		return Lost
	}
	return Won
}

// Release clears a claim after an execution error so exactly one subsequent
// Claim may succeed. Returns false when nothing was claimed.
func (c *Coordinator) Release(fingerprint string) bool {
	_, loaded := c.claims.LoadAndDelete(fingerprint)
	return loaded
}

// Winner reports the worker currently holding the claim, if any.
func (c *Coordinator) Winner(fingerprint string) (string, bool) {
	v, ok := c.claims.Load(fingerprint)
	if !ok {
		return "", false
	}
	return v.(claim).WorkerID, true
}
