package pool

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ProcessFactory spawns a worker subprocess per resource (the browser in the
// original deployments). The child's pid feeds the pool's memory sampling;
// when the child exits on its own the resource is marked unhealthy.
type ProcessFactory struct {
	Command []string
	logger  zerolog.Logger

	mu   sync.Mutex
	cmds map[string]*exec.Cmd
}

// NewProcessFactory builds a factory for the given command line.
func NewProcessFactory(command []string, logger zerolog.Logger) *ProcessFactory {
	return &ProcessFactory{
		Command: command,
		logger:  logger.With().Str("component", "proc_factory").Logger(),
		cmds:    make(map[string]*exec.Cmd),
	}
}

// Create implements Factory.
func (f *ProcessFactory) Create(ctx context.Context) (*Resource, error) {
	if len(f.Command) == 0 {
		return nil, errors.New("pool: spawn command not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(f.Command[0], f.Command[1:]...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	res := &Resource{
		ID:        uuid.NewString(),
		PID:       int32(cmd.Process.Pid),
		CreatedAt: time.Now().UTC(),
	}

	f.mu.Lock()
	f.cmds[res.ID] = cmd
	f.mu.Unlock()

	go func() {
		err := cmd.Wait()
		if res.Alive() {
			f.logger.Warn().Err(err).Str("resource_id", res.ID).Int32("pid", res.PID).Msg("worker process exited unexpectedly")
		}
		res.MarkUnhealthy()
	}()

	return res, nil
}

// Destroy implements Factory.
func (f *ProcessFactory) Destroy(res *Resource) error {
	f.mu.Lock()
	cmd, ok := f.cmds[res.ID]
	delete(f.cmds, res.ID)
	f.mu.Unlock()

	if !ok || cmd.Process == nil {
		return nil
	}
	if cmd.ProcessState != nil {
		// Already exited.
		return nil
	}
	return cmd.Process.Kill()
}

var _ Factory = (*ProcessFactory)(nil)
