// Package jobs dispatches opaque job payloads to application-provided
// runners. The runtime never interprets a payload beyond its job_class;
// everything else belongs to the runner.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/quernworks/quern/internal/domain"
)

var ErrUnknownJobClass = errors.New("no runner registered for job class")

// Runner executes one job payload. The context carries the execution
// deadline when the job has an execution_timeout option; runners should
// honor it, but the executor enforces the deadline regardless.
type Runner interface {
	Run(ctx context.Context, job *domain.Job) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, job *domain.Job) error

func (f RunnerFunc) Run(ctx context.Context, job *domain.Job) error {
	return f(ctx, job)
}

// Payload is the envelope application code stores in the payload column.
type Payload struct {
	JobClass  string          `json:"job_class"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Registry maps job classes to runners and is itself a Runner.
type Registry struct {
	runners map[string]Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

func (r *Registry) Register(jobClass string, runner Runner) {
	r.runners[jobClass] = runner
}

func (r *Registry) Run(ctx context.Context, job *domain.Job) error {
	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	runner, ok := r.runners[p.JobClass]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJobClass, p.JobClass)
	}
	return runner.Run(ctx, job)
}
