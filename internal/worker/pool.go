package worker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	errPoolFull    = errors.New("pool backlog is full")
	errPoolStopped = errors.New("pool is stopped")
)

// pool runs tasks on a dynamic set of goroutines between min and max.
// Backlog plus running tasks never exceed max, so the provider can treat
// AvailableSlots as a reservation limit. Workers above the minimum retire
// after sitting idle past idleTimeout.
type pool struct {
	min         int
	max         int
	idleTimeout time.Duration
	logger      *slog.Logger

	queue chan func()
	kill  chan struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	workers int
	queued  int
	busy    int
	stopped bool
	killed  bool
	pruneCh chan struct{}
}

func newPool(min, max int, idleTimeout time.Duration, logger *slog.Logger) *pool {
	p := &pool{
		min:         min,
		max:         max,
		idleTimeout: idleTimeout,
		logger:      logger.With("component", "pool"),
		queue:       make(chan func(), max),
		kill:        make(chan struct{}),
		pruneCh:     make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.workers < p.min {
		p.spawnLocked()
	}
}

// AvailableSlots is the number of tasks Post can accept right now: free
// workers plus workers not yet created, minus the backlog.
func (p *pool) AvailableSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.killed {
		return 0
	}
	return p.max - p.queued - p.busy
}

// Post enqueues a task, spawning a worker when none is idle. Fails fast
// with errPoolFull when the backlog is at capacity.
func (p *pool) Post(run func()) error {
	p.mu.Lock()
	if p.stopped || p.killed {
		p.mu.Unlock()
		return errPoolStopped
	}
	if p.queued+p.busy >= p.max {
		p.mu.Unlock()
		return errPoolFull
	}
	p.queued++
	// Spawn while demand exceeds the worker count; busy lags pickup, so
	// counting free workers instead would under-spawn on racing posts.
	if p.workers < p.queued+p.busy && p.workers < p.max {
		p.spawnLocked()
	}
	// The backlog bound above guarantees the buffered send cannot block, so
	// it stays under the lock and cannot race a close of the queue.
	p.queue <- run
	p.cond.Broadcast()
	p.mu.Unlock()
	return nil
}

func (p *pool) spawnLocked() {
	p.workers++
	go p.work()
}

func (p *pool) work() {
	idleSince := time.Now()
	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		pruneCh := p.pruneCh
		p.mu.Unlock()

		select {
		case run, ok := <-p.queue:
			if !ok {
				p.exit()
				return
			}
			p.mu.Lock()
			if p.killed {
				// Kill raced this receive; the task must not run after
				// termination, so drop it like the drain does.
				p.queued--
				p.cond.Broadcast()
				p.mu.Unlock()
				p.exit()
				return
			}
			p.queued--
			p.busy++
			p.mu.Unlock()

			run()

			p.mu.Lock()
			p.busy--
			p.cond.Broadcast()
			p.mu.Unlock()
			idleSince = time.Now()
			resetTimer(timer, p.idleTimeout)

		case <-p.kill:
			p.exit()
			return

		case <-timer.C:
			if p.tryRetire() {
				return
			}
			resetTimer(timer, p.idleTimeout)

		case <-pruneCh:
			if time.Since(idleSince) >= p.idleTimeout && p.tryRetire() {
				return
			}
		}
	}
}

// tryRetire removes this worker if the pool is above its minimum and no
// task is waiting.
func (p *pool) tryRetire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers <= p.min || p.queued > 0 {
		return false
	}
	p.workers--
	p.cond.Broadcast()
	return true
}

func (p *pool) exit() {
	p.mu.Lock()
	p.workers--
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Prune wakes idle workers so those past the idle deadline retire now.
func (p *pool) Prune() {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.pruneCh)
	p.pruneCh = make(chan struct{})
}

// Stop closes the intake. Workers drain the backlog, then exit. Use Wait
// to block until in-flight tasks finish.
func (p *pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.killed {
		return
	}
	p.stopped = true
	close(p.queue)
}

// Kill terminates the pool without draining: queued tasks are dropped and
// workers exit as soon as their current task returns.
func (p *pool) Kill() int {
	p.mu.Lock()
	if p.killed {
		p.mu.Unlock()
		return 0
	}
	p.killed = true
	alreadyStopped := p.stopped
	p.stopped = true
	close(p.kill)
	p.mu.Unlock()

	dropped := 0
	for {
		select {
		case _, ok := <-p.queue:
			if !ok {
				return dropped
			}
			p.mu.Lock()
			p.queued--
			p.cond.Broadcast()
			p.mu.Unlock()
			dropped++
		default:
			if !alreadyStopped {
				p.mu.Lock()
				close(p.queue)
				p.mu.Unlock()
			}
			return dropped
		}
	}
}

// Wait blocks until no tasks are queued or running, or until timeout. A
// nil timeout waits indefinitely. Returns true when the pool went idle.
func (p *pool) Wait(timeout *time.Duration) bool {
	idle := make(chan struct{})
	go func() {
		p.mu.Lock()
		for p.queued+p.busy > 0 {
			p.cond.Wait()
		}
		p.mu.Unlock()
		close(idle)
	}()

	if timeout == nil {
		<-idle
		return true
	}
	if *timeout <= 0 {
		select {
		case <-idle:
			return true
		default:
			return false
		}
	}
	select {
	case <-idle:
		return true
	case <-time.After(*timeout):
		return false
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
