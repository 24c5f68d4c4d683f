package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/quernworks/quern/internal/metrics"
	"github.com/quernworks/quern/internal/repository"
)

// pendingUpdates buffers job outcome writes that could not reach the
// database. Entries merge per job id; the destroy sentinel absorbs any
// update and is absorbed by nothing. The provider drains the buffer at the
// top of each successful iteration.
type pendingUpdates struct {
	mu      sync.Mutex
	entries map[string]pendingEntry
}

type pendingEntry struct {
	destroy bool
	update  repository.JobUpdate
}

func newPendingUpdates() *pendingUpdates {
	return &pendingUpdates{entries: make(map[string]pendingEntry)}
}

// Add merges an update into the buffer. Non-nil fields of the new update
// win; a buffered destroy swallows it.
func (p *pendingUpdates) Add(jobID string, update repository.JobUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry := p.entries[jobID]
	if entry.destroy {
		return
	}
	if update.Status != nil {
		entry.update.Status = update.Status
	}
	if update.Runtime != nil {
		entry.update.Runtime = update.Runtime
	}
	entry.update.ClearWorker = entry.update.ClearWorker || update.ClearWorker
	p.entries[jobID] = entry
	metrics.PendingUpdatesBuffered.Set(float64(len(p.entries)))
}

// MarkDestroy records that the row should be deleted, replacing any
// buffered update.
func (p *pendingUpdates) MarkDestroy(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[jobID] = pendingEntry{destroy: true}
	metrics.PendingUpdatesBuffered.Set(float64(len(p.entries)))
}

func (p *pendingUpdates) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Drain applies every buffered entry. On failure the entry is merged back
// so nothing is lost; the first error aborts the pass and the caller
// retries on its next iteration.
func (p *pendingUpdates) Drain(ctx context.Context, repo repository.JobRepository) error {
	for {
		jobID, entry, ok := p.take()
		if !ok {
			return nil
		}

		var err error
		if entry.destroy {
			err = repo.Destroy(ctx, jobID)
		} else {
			err = repo.Update(ctx, jobID, entry.update)
		}
		if err != nil {
			p.putBack(jobID, entry)
			return fmt.Errorf("drain pending update for job %s: %w", jobID, err)
		}
	}
}

func (p *pendingUpdates) take() (string, pendingEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for jobID, entry := range p.entries {
		delete(p.entries, jobID)
		metrics.PendingUpdatesBuffered.Set(float64(len(p.entries)))
		return jobID, entry, true
	}
	return "", pendingEntry{}, false
}

// putBack restores a failed entry without clobbering anything buffered in
// the meantime; a concurrent destroy still wins.
func (p *pendingUpdates) putBack(jobID string, entry pendingEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, exists := p.entries[jobID]
	if !exists {
		p.entries[jobID] = entry
		metrics.PendingUpdatesBuffered.Set(float64(len(p.entries)))
		return
	}
	if current.destroy || entry.destroy {
		p.entries[jobID] = pendingEntry{destroy: true}
		return
	}
	// The older entry's fields lose to anything buffered since.
	if current.update.Status == nil {
		current.update.Status = entry.update.Status
	}
	if current.update.Runtime == nil {
		current.update.Runtime = entry.update.Runtime
	}
	current.update.ClearWorker = current.update.ClearWorker || entry.update.ClearWorker
	p.entries[jobID] = current
}
