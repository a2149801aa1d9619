// ============================================================================
// offloadpool Pending Table - Submission Lifecycle Tracking
// ============================================================================
//
// Package: internal/pool
// File: pending.go
// Purpose: track every in-flight submission from Submit through its
// terminal frame, and resolve a worker's result frames back to the
// Future/Handler pair waiting on them.
//
// Adapted from the teacher's jobs-map-as-single-source-of-truth design
// (internal/jobmanager/job_manager.go): one map keyed by id is the
// authoritative store, with a small amount of auxiliary bookkeeping (which
// worker a submission is assigned to, for cancel delivery) instead of the
// teacher's queue/inFlight/completed/dead secondary indexes — this pool has
// no retry/dead-letter concept, so Pending/Running is tracked with a single
// flag rather than parallel maps.
//
// ============================================================================

package pool

import (
	"sync"

	"github.com/briarworks/offloadpool/internal/dispatcher"
	"github.com/briarworks/offloadpool/internal/future"
	"github.com/briarworks/offloadpool/pkg/types"
)

type pendingEntry struct {
	future   *future.Future
	handler  dispatcher.Handler
	workerID int
	assigned bool
}

// PendingTable tracks every submission between Submit and its terminal
// frame. Safe for concurrent use.
type PendingTable struct {
	mu      sync.RWMutex
	entries map[types.SubmissionID]*pendingEntry
}

// NewPendingTable constructs an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[types.SubmissionID]*pendingEntry)}
}

// Add registers a newly submitted future/handler pair, before it has been
// assigned to any worker.
func (t *PendingTable) Add(id types.SubmissionID, f *future.Future, h future.ResultHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = &pendingEntry{future: f, handler: h}
}

// MarkAssigned records which worker picked up id, needed so a cancel can be
// routed to the right notification pipe, and transitions the future to
// Running.
func (t *PendingTable) MarkAssigned(id types.SubmissionID, workerID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return
	}
	e.workerID = workerID
	e.assigned = true
	e.future.MarkRunning()
}

// WorkerFor reports which worker id is running a submission, if assigned.
func (t *PendingTable) WorkerFor(id types.SubmissionID) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok || !e.assigned {
		return 0, false
	}
	return e.workerID, true
}

// HandlerFor resolves id to its ResultHandler, satisfying
// dispatcher.PendingLookup.
func (t *PendingTable) HandlerFor(id types.SubmissionID) (h dispatcher.Handler, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// FutureFor resolves id to its Future, used by Stop to settle every
// outstanding submission as Cancelled.
func (t *PendingTable) FutureFor(id types.SubmissionID) (*future.Future, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	return e.future, true
}

// Remove drops id's bookkeeping once its future has settled.
func (t *PendingTable) Remove(id types.SubmissionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// All returns every currently tracked submission id, for Stop's final
// cancellation sweep.
func (t *PendingTable) All() []types.SubmissionID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]types.SubmissionID, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	return ids
}

// Len reports how many submissions are currently tracked.
func (t *PendingTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
