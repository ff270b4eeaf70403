package source

import (
	"context"

	"dropstrike/internal/dedup"
	"dropstrike/internal/pool"
)

// Source delivers raw sighting records. The engine is agnostic to how they
// are produced.
type Source interface {
	Poll(ctx context.Context) ([]dedup.Sighting, error)
	// Endpoint names the rate-limit bucket polls are charged against.
	Endpoint() string
}

// Result is the outcome of one executed strike action.
type Result struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Executor performs the claim action for a won opportunity using a
// checked-out worker resource. A returned error is a transport or resource
// failure; Success=false with nil error means the action completed but the
// opportunity was already gone.
type Executor interface {
	Execute(ctx context.Context, opp dedup.Opportunity, res *pool.Resource) (Result, error)
}
