package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quernworks/quern/internal/domain"
)

// Demo runners used by cmd/seed and manual end-to-end runs.

type echoArgs struct {
	Message string `json:"message"`
}

// NewEchoRunner logs its message argument and succeeds.
func NewEchoRunner(logger *slog.Logger) Runner {
	return RunnerFunc(func(ctx context.Context, job *domain.Job) error {
		var p Payload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return err
		}
		var args echoArgs
		if len(p.Arguments) > 0 {
			if err := json.Unmarshal(p.Arguments, &args); err != nil {
				return fmt.Errorf("decode echo arguments: %w", err)
			}
		}
		logger.InfoContext(ctx, "echo", "message", args.Message)
		return nil
	})
}

type sleepArgs struct {
	Seconds float64 `json:"seconds"`
}

// NewSleepRunner sleeps for its argument, honoring cancellation.
func NewSleepRunner() Runner {
	return RunnerFunc(func(ctx context.Context, job *domain.Job) error {
		var p Payload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return err
		}
		var args sleepArgs
		if len(p.Arguments) > 0 {
			if err := json.Unmarshal(p.Arguments, &args); err != nil {
				return fmt.Errorf("decode sleep arguments: %w", err)
			}
		}
		select {
		case <-time.After(time.Duration(args.Seconds * float64(time.Second))):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// NewFailRunner always fails; used to exercise the failure path.
func NewFailRunner() Runner {
	return RunnerFunc(func(ctx context.Context, job *domain.Job) error {
		return errors.New("fail runner: intentional failure")
	})
}

// RegisterDemoRunners wires the demo job classes into a registry.
func RegisterDemoRunners(r *Registry, logger *slog.Logger) {
	r.Register("echo", NewEchoRunner(logger))
	r.Register("sleep", NewSleepRunner())
	r.Register("fail", NewFailRunner())
}
