// Package hooks is the callback registry the runtime and plugins share.
// Handlers never propagate errors or panics into the caller; whatever they
// raise is logged and swallowed so user code cannot take the worker down.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quernworks/quern/internal/domain"
)

// ErrMissingYield is returned when an around-handler returns without
// invoking its next function, which would silently skip the wrapped body.
var ErrMissingYield = errors.New("around handler returned without yielding")

// Handler signatures per callback point.
type (
	JobHandler       func(ctx context.Context, job *domain.Job)
	AroundHandler    func(ctx context.Context, job *domain.Job, next func())
	FailureHandler   func(ctx context.Context, job *domain.Job, err error)
	FatalHandler     func(err error)
	LifecycleHandler func(ctx context.Context)
)

// Registry holds the handlers for every callback point. The zero value is
// unusable; construct with New. A process-wide Default exists for
// convenience, but the worker binds its own instance.
type Registry struct {
	mu     sync.RWMutex
	logger *slog.Logger

	beforeEnqueue []JobHandler
	aroundEnqueue []AroundHandler
	afterEnqueue  []JobHandler

	beforeJobExecution []JobHandler
	aroundJobExecution []AroundHandler
	afterJobExecution  []JobHandler

	onJobFailure []FailureHandler
	onFatalError []FatalHandler

	beforeStartup  []LifecycleHandler
	afterStartup   []LifecycleHandler
	beforeShutdown []LifecycleHandler
	afterShutdown  []LifecycleHandler

	fatalMu          sync.Mutex
	fatalQueue       []error
	fatalDispatching bool
}

// maxFatalDispatches bounds one fatal drain pass, so a fatal handler that
// reports a fatal of its own cannot spin the registry.
const maxFatalDispatches = 8

func New(logger *slog.Logger) *Registry {
	return &Registry{logger: logger.With("component", "hooks")}
}

// Default is the process-wide registry used when no instance is injected.
var Default = New(slog.Default())

// Registration. Handlers run in registration order.

func (r *Registry) BeforeEnqueue(h JobHandler) { r.mu.Lock(); defer r.mu.Unlock(); r.beforeEnqueue = append(r.beforeEnqueue, h) }
func (r *Registry) AroundEnqueue(h AroundHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aroundEnqueue = append(r.aroundEnqueue, h)
}
func (r *Registry) AfterEnqueue(h JobHandler) { r.mu.Lock(); defer r.mu.Unlock(); r.afterEnqueue = append(r.afterEnqueue, h) }

func (r *Registry) BeforeJobExecution(h JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeJobExecution = append(r.beforeJobExecution, h)
}
func (r *Registry) AroundJobExecution(h AroundHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aroundJobExecution = append(r.aroundJobExecution, h)
}
func (r *Registry) AfterJobExecution(h JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterJobExecution = append(r.afterJobExecution, h)
}

func (r *Registry) OnJobFailure(h FailureHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onJobFailure = append(r.onJobFailure, h)
}
func (r *Registry) OnFatalError(h FatalHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFatalError = append(r.onFatalError, h)
}

func (r *Registry) BeforeStartup(h LifecycleHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeStartup = append(r.beforeStartup, h)
}
func (r *Registry) AfterStartup(h LifecycleHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterStartup = append(r.afterStartup, h)
}
func (r *Registry) BeforeShutdown(h LifecycleHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeShutdown = append(r.beforeShutdown, h)
}
func (r *Registry) AfterShutdown(h LifecycleHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterShutdown = append(r.afterShutdown, h)
}

// Invocation.

func (r *Registry) RunBeforeEnqueue(ctx context.Context, job *domain.Job) {
	r.runJobHandlers(ctx, "before_enqueue", r.snapshot(&r.beforeEnqueue), job)
}

func (r *Registry) RunAfterEnqueue(ctx context.Context, job *domain.Job) {
	r.runJobHandlers(ctx, "after_enqueue", r.snapshot(&r.afterEnqueue), job)
}

// RunAroundEnqueue wraps body in the around_enqueue chain.
func (r *Registry) RunAroundEnqueue(ctx context.Context, job *domain.Job, body func()) error {
	return r.runAround(ctx, "around_enqueue", r.snapshotAround(&r.aroundEnqueue), job, body)
}

func (r *Registry) RunBeforeJobExecution(ctx context.Context, job *domain.Job) {
	r.runJobHandlers(ctx, "before_job_execution", r.snapshot(&r.beforeJobExecution), job)
}

func (r *Registry) RunAfterJobExecution(ctx context.Context, job *domain.Job) {
	r.runJobHandlers(ctx, "after_job_execution", r.snapshot(&r.afterJobExecution), job)
}

func (r *Registry) RunAroundJobExecution(ctx context.Context, job *domain.Job, body func()) error {
	return r.runAround(ctx, "around_job_execution", r.snapshotAround(&r.aroundJobExecution), job, body)
}

func (r *Registry) RunOnJobFailure(ctx context.Context, job *domain.Job, jobErr error) {
	r.mu.RLock()
	handlers := append([]FailureHandler(nil), r.onJobFailure...)
	r.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer r.recoverHandler("on_job_failure")
			h(ctx, job, jobErr)
		}()
	}
}

// RunOnFatalError reports err to every fatal handler. Reports arriving
// while a dispatch is in flight are queued and delivered by the goroutine
// already dispatching, so two components crashing at once both get
// reported; the drain pass is bounded so a broken error monitor cannot
// loop.
func (r *Registry) RunOnFatalError(err error) {
	r.fatalMu.Lock()
	r.fatalQueue = append(r.fatalQueue, err)
	if r.fatalDispatching {
		r.fatalMu.Unlock()
		return
	}

	r.fatalDispatching = true
	for dispatched := 0; len(r.fatalQueue) > 0; dispatched++ {
		if dispatched == maxFatalDispatches {
			r.logger.Error("on_fatal_error dispatch cut short", "dropped", len(r.fatalQueue))
			r.fatalQueue = nil
			break
		}
		next := r.fatalQueue[0]
		r.fatalQueue = r.fatalQueue[1:]
		r.fatalMu.Unlock()

		r.mu.RLock()
		handlers := append([]FatalHandler(nil), r.onFatalError...)
		r.mu.RUnlock()
		for _, h := range handlers {
			func() {
				defer r.recoverHandler("on_fatal_error")
				h(next)
			}()
		}

		r.fatalMu.Lock()
	}
	r.fatalDispatching = false
	r.fatalMu.Unlock()
}

func (r *Registry) RunBeforeStartup(ctx context.Context)  { r.runLifecycle(ctx, "before_startup", r.snapshotLifecycle(&r.beforeStartup)) }
func (r *Registry) RunAfterStartup(ctx context.Context)   { r.runLifecycle(ctx, "after_startup", r.snapshotLifecycle(&r.afterStartup)) }
func (r *Registry) RunBeforeShutdown(ctx context.Context) { r.runLifecycle(ctx, "before_shutdown", r.snapshotLifecycle(&r.beforeShutdown)) }
func (r *Registry) RunAfterShutdown(ctx context.Context)  { r.runLifecycle(ctx, "after_shutdown", r.snapshotLifecycle(&r.afterShutdown)) }

func (r *Registry) snapshot(list *[]JobHandler) []JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]JobHandler(nil), *list...)
}

func (r *Registry) snapshotAround(list *[]AroundHandler) []AroundHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]AroundHandler(nil), *list...)
}

func (r *Registry) snapshotLifecycle(list *[]LifecycleHandler) []LifecycleHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]LifecycleHandler(nil), *list...)
}

func (r *Registry) runJobHandlers(ctx context.Context, point string, handlers []JobHandler, job *domain.Job) {
	for _, h := range handlers {
		func() {
			defer r.recoverHandler(point)
			h(ctx, job)
		}()
	}
}

func (r *Registry) runLifecycle(ctx context.Context, point string, handlers []LifecycleHandler) {
	for _, h := range handlers {
		func() {
			defer r.recoverHandler(point)
			h(ctx)
		}()
	}
}

// runAround folds the handlers right-to-left into a single callable with
// body at the center, so the first registered handler is outermost. Each
// handler must call next exactly once; a handler that skips it makes the
// whole chain fail with ErrMissingYield and the body does not run.
func (r *Registry) runAround(ctx context.Context, point string, handlers []AroundHandler, job *domain.Job, body func()) error {
	var chainErr error
	next := body
	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		inner := next
		next = func() {
			yielded := false
			func() {
				defer r.recoverHandler(point)
				h(ctx, job, func() {
					yielded = true
					inner()
				})
			}()
			if !yielded && chainErr == nil {
				chainErr = fmt.Errorf("%s: %w", point, ErrMissingYield)
			}
		}
	}
	next()
	return chainErr
}

func (r *Registry) recoverHandler(point string) {
	if rec := recover(); rec != nil {
		r.logger.Error("hook handler panicked", "point", point, "panic", rec)
	}
}
