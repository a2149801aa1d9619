// Package future implements the caller-facing handle a submission returns:
// a value that starts Pending, moves to Running once a worker has picked it
// up, and settles into exactly one of Done, Failed, or Cancelled. There is
// no direct teacher analogue for a caller-facing future (the teacher's
// closest relative is Controller.ReceiveResult, a blocking call with no
// intermediate state); this is built from the same "channel + mutex-guarded
// state" discipline the teacher uses for Pool.started/Controller.stopped.
package future

import (
	"context"
	"sync"

	"github.com/briarworks/offloadpool/pkg/types"
)

// Future is the handle returned by Pool.Submit. A single-shot submission's
// result is available from Value/Err once Wait returns; a streaming
// submission instead accumulates into whatever ResultHandler Submit was
// given (see handler.go); with the built-in StreamCollector, Wait returns
// the collected values as a []any.
type Future struct {
	id types.SubmissionID

	mu    sync.Mutex
	state types.FutureState
	value any
	err   error
	done  chan struct{}
}

// New constructs a Pending future for id.
func New(id types.SubmissionID) *Future {
	return &Future{id: id, state: types.Pending, done: make(chan struct{})}
}

// ID returns the submission id this future tracks.
func (f *Future) ID() types.SubmissionID { return f.id }

// State returns the current lifecycle state.
func (f *Future) State() types.FutureState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// MarkRunning transitions Pending -> Running once the submission has been
// handed to a worker. A future a caller cancelled before pickup stays
// Cancelled; MarkRunning is a no-op in that case.
func (f *Future) MarkRunning() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == types.Pending {
		f.state = types.RunningState
	}
}

// complete settles the future exactly once; subsequent calls are no-ops,
// matching the invariant that a terminal ResultFrame is sent at most once
// per submission.
func (f *Future) complete(state types.FutureState, value any, err error) {
	f.mu.Lock()
	if f.state == types.Done || f.state == types.Failed || f.state == types.Cancelled {
		f.mu.Unlock()
		return
	}
	f.state = state
	f.value = value
	f.err = err
	f.mu.Unlock()
	close(f.done)
}

// Complete settles the future with a successful value.
func (f *Future) Complete(value any) { f.complete(types.Done, value, nil) }

// Fail settles the future with an error.
func (f *Future) Fail(err error) { f.complete(types.Failed, nil, err) }

// Cancel settles the future as cancelled.
func (f *Future) Cancel() {
	f.complete(types.Cancelled, nil, &types.CancelledError{SubmissionID: f.id})
}

// Wait blocks until the future settles and returns its terminal value/error.
func (f *Future) Wait() (any, error) {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// WaitContext is Wait bounded by ctx; it returns ctx.Err() if ctx is done
// first, without settling the future itself (the caller gave up; the
// submission may still complete later, and its result then settles onto
// this Future as usual, reachable only through the caller's own reference).
func (f *Future) WaitContext(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed once the future settles, for use in a
// select alongside other conditions.
func (f *Future) Done() <-chan struct{} { return f.done }
