package hooks_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/quernworks/quern/internal/domain"
	"github.com/quernworks/quern/internal/hooks"
)

func newRegistry() *hooks.Registry {
	return hooks.New(slog.Default())
}

func TestJobHandlers_RunInRegistrationOrder(t *testing.T) {
	r := newRegistry()
	var order []string
	r.BeforeJobExecution(func(context.Context, *domain.Job) { order = append(order, "first") })
	r.BeforeJobExecution(func(context.Context, *domain.Job) { order = append(order, "second") })

	r.RunBeforeJobExecution(context.Background(), &domain.Job{ID: "j1"})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("order = %v, want [first second]", order)
	}
}

func TestAroundChain_NestsLeftToRight(t *testing.T) {
	r := newRegistry()
	var trace []string
	r.AroundJobExecution(func(_ context.Context, _ *domain.Job, next func()) {
		trace = append(trace, "outer-in")
		next()
		trace = append(trace, "outer-out")
	})
	r.AroundJobExecution(func(_ context.Context, _ *domain.Job, next func()) {
		trace = append(trace, "inner-in")
		next()
		trace = append(trace, "inner-out")
	})

	err := r.RunAroundJobExecution(context.Background(), &domain.Job{ID: "j1"}, func() {
		trace = append(trace, "body")
	})
	if err != nil {
		t.Fatalf("around chain: %v", err)
	}

	want := []string{"outer-in", "inner-in", "body", "inner-out", "outer-out"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
}

func TestAroundChain_MissingYield(t *testing.T) {
	r := newRegistry()
	r.AroundJobExecution(func(_ context.Context, _ *domain.Job, next func()) {
		// never calls next
	})

	bodyRan := false
	err := r.RunAroundJobExecution(context.Background(), &domain.Job{ID: "j1"}, func() { bodyRan = true })

	if !errors.Is(err, hooks.ErrMissingYield) {
		t.Fatalf("err = %v, want ErrMissingYield", err)
	}
	if bodyRan {
		t.Fatal("body ran even though the handler never yielded")
	}
}

func TestAroundChain_EmptyRunsBody(t *testing.T) {
	r := newRegistry()
	bodyRan := false
	if err := r.RunAroundJobExecution(context.Background(), &domain.Job{ID: "j1"}, func() { bodyRan = true }); err != nil {
		t.Fatalf("around chain: %v", err)
	}
	if !bodyRan {
		t.Fatal("body did not run")
	}
}

func TestHandlerPanic_DoesNotPropagate(t *testing.T) {
	r := newRegistry()
	secondRan := false
	r.AfterJobExecution(func(context.Context, *domain.Job) { panic("handler bug") })
	r.AfterJobExecution(func(context.Context, *domain.Job) { secondRan = true })

	r.RunAfterJobExecution(context.Background(), &domain.Job{ID: "j1"})

	if !secondRan {
		t.Fatal("panicking handler stopped the chain")
	}
}

func TestOnJobFailure_ReceivesError(t *testing.T) {
	r := newRegistry()
	var got error
	r.OnJobFailure(func(_ context.Context, _ *domain.Job, err error) { got = err })

	want := errors.New("payload exploded")
	r.RunOnJobFailure(context.Background(), &domain.Job{ID: "j1"}, want)

	if !errors.Is(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestOnFatalError_RecursiveReportsBounded(t *testing.T) {
	r := newRegistry()
	calls := 0
	r.OnFatalError(func(err error) {
		calls++
		if calls > 100 {
			t.Fatal("fatal handler looping")
		}
		r.RunOnFatalError(errors.New("fatal from within fatal"))
	})

	r.RunOnFatalError(errors.New("boom"))

	if calls == 0 || calls > 8 {
		t.Fatalf("fatal handler ran %d times, want between 1 and 8", calls)
	}
}

func TestOnFatalError_ConcurrentReportNotDropped(t *testing.T) {
	r := newRegistry()
	entered := make(chan struct{}, 2)
	release := make(chan struct{})

	var mu sync.Mutex
	var got []string
	r.OnFatalError(func(err error) {
		entered <- struct{}{}
		<-release
		mu.Lock()
		got = append(got, err.Error())
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		r.RunOnFatalError(errors.New("listener crashed"))
		close(done)
	}()
	<-entered

	// A second component crashing while the first report is still being
	// dispatched must not be lost.
	r.RunOnFatalError(errors.New("provider crashed"))
	close(release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fatal dispatch never finished")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("delivered %d fatal reports, want 2: %v", len(got), got)
	}
}
