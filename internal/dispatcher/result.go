// Package dispatcher fans submission results in from every worker's result
// pipe and matches them to the pending submission that is waiting on them,
// and fans notifications out to every worker's notification pipe. Grounded
// on the teacher's internal/controller/controller.go resultLoop/dispatchLoop
// split: one reader per source feeding a shared channel, one consumer
// draining it and mutating state by id.
package dispatcher

import (
	"log/slog"
	"sync"

	"github.com/briarworks/offloadpool/internal/ipc"
	"github.com/briarworks/offloadpool/pkg/types"
)

// PendingLookup resolves a submission id to the handler responsible for it.
// internal/pool's PendingTable implements this.
type PendingLookup interface {
	HandlerFor(id types.SubmissionID) (Handler, bool)
}

// Handler receives the frames for one submission. It mirrors
// internal/future.ResultHandler without importing it; neither package
// imports the other (both depend only on pkg/types), which avoids an import
// cycle.
type Handler interface {
	HandleResult(types.ResultFrame)
	FinalizeResult(types.ResultFrame)
}

// ResultSource is the subset of ipc.Proc the dispatcher reads from.
type ResultSource interface {
	ReadEvent() (ipc.WorkerEvent, error)
}

// ResultDispatcher fans in WorkerEvents from every live worker's result
// pipe, matches ResultFrame payloads to their pending submission, and drops
// (with a log line) anything that doesn't match a known submission —
// spec.md §9's resolution for a frame arriving after its future was already
// finalized (e.g. a duplicate after cancel).
type ResultDispatcher struct {
	log     *slog.Logger
	pending PendingLookup

	mu      sync.Mutex
	events  chan workerEvent
	wg      sync.WaitGroup
	closeCh chan struct{}
	closeOnce sync.Once

	onReady func(workerID int)
}

type workerEvent struct {
	workerID int
	ev       ipc.WorkerEvent
}

// New constructs a dispatcher bound to pending. onReady, if non-nil, is
// called with the worker id and event kind for every EventStartComplete or
// EventLoadComplete a worker emits, letting Pool.StartWorkers block on readiness without
// the dispatcher needing to know about WorkerRecord bookkeeping itself.
func New(log *slog.Logger, pending PendingLookup, onReady func(workerID int, kind ipc.WorkerEventKind)) *ResultDispatcher {
	d := &ResultDispatcher{
		log:     log,
		pending: pending,
		events:  make(chan workerEvent, 256),
		closeCh: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.dispatchLoop(onReady)
	return d
}

// WatchWorker starts a reader goroutine pulling WorkerEvents from src until
// it errors (the worker exited or its pipe was closed) or the dispatcher is
// stopped.
func (d *ResultDispatcher) WatchWorker(workerID int, src ResultSource) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			ev, err := src.ReadEvent()
			if err != nil {
				return
			}
			select {
			case d.events <- workerEvent{workerID: workerID, ev: ev}:
			case <-d.closeCh:
				return
			}
		}
	}()
}

func (d *ResultDispatcher) dispatchLoop(onReady func(workerID int, kind ipc.WorkerEventKind)) {
	defer d.wg.Done()
	for {
		select {
		case we, ok := <-d.events:
			if !ok {
				return
			}
			d.dispatch(we, onReady)
		case <-d.closeCh:
			return
		}
	}
}

func (d *ResultDispatcher) dispatch(we workerEvent, onReady func(workerID int, kind ipc.WorkerEventKind)) {
	switch we.ev.Kind {
	case ipc.EventStartComplete, ipc.EventLoadComplete:
		if onReady != nil {
			onReady(we.workerID, we.ev.Kind)
		}
		return
	case ipc.EventResult:
		rf := we.ev.Result
		handler, ok := d.pending.HandlerFor(rf.SubmissionID)
		if !ok {
			d.log.Warn("result for unknown submission dropped", "submission_id", rf.SubmissionID, "worker_id", we.workerID)
			return
		}
		// A frame carrying a payload (Value, StreamValue) is always handed
		// to HandleResult first; Value is also terminal, so it additionally
		// triggers FinalizeResult right after, same call.
		if rf.Kind == types.KindValue || rf.Kind == types.KindStreamValue {
			handler.HandleResult(rf)
		}
		if isTerminal(rf.Kind) {
			handler.FinalizeResult(rf)
		}
	}
}

func isTerminal(k types.ResultKind) bool {
	switch k {
	case types.KindValue, types.KindStreamEnd, types.KindError, types.KindCancelled:
		return true
	default:
		return false
	}
}

// Stop halts the dispatch loop and every reader goroutine, and waits for
// them to exit.
func (d *ResultDispatcher) Stop() {
	d.closeOnce.Do(func() { close(d.closeCh) })
	d.wg.Wait()
}
