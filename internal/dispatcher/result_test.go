package dispatcher

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briarworks/offloadpool/internal/ipc"
	"github.com/briarworks/offloadpool/pkg/types"
)

// fakeSource replays a fixed list of events then returns an error, mimicking
// a worker's result pipe closing once it exits.
type fakeSource struct {
	mu     sync.Mutex
	events []ipc.WorkerEvent
	idx    int
}

func (s *fakeSource) ReadEvent() (ipc.WorkerEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx >= len(s.events) {
		return ipc.WorkerEvent{}, errors.New("source exhausted")
	}
	ev := s.events[s.idx]
	s.idx++
	return ev, nil
}

type fakeHandler struct {
	mu        sync.Mutex
	handled   []types.ResultFrame
	finalized []types.ResultFrame
}

func (h *fakeHandler) HandleResult(rf types.ResultFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, rf)
}

func (h *fakeHandler) FinalizeResult(rf types.ResultFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finalized = append(h.finalized, rf)
}

type fakePending struct {
	mu       sync.Mutex
	handlers map[types.SubmissionID]Handler
}

func newFakePending() *fakePending {
	return &fakePending{handlers: make(map[types.SubmissionID]Handler)}
}

func (p *fakePending) HandlerFor(id types.SubmissionID) (Handler, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handlers[id]
	return h, ok
}

func (p *fakePending) add(id types.SubmissionID, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[id] = h
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestResultDispatcherRoutesTerminalFrameToFinalize(t *testing.T) {
	pending := newFakePending()
	h := &fakeHandler{}
	pending.add(1, h)

	d := New(slog.Default(), pending, nil)
	defer d.Stop()

	src := &fakeSource{events: []ipc.WorkerEvent{
		{Kind: ipc.EventResult, Result: types.ResultFrame{SubmissionID: 1, Kind: types.KindValue, Payload: "done"}},
	}}
	d.WatchWorker(0, src)

	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.finalized) == 1
	})
	// A Value frame is both the data delivery and the terminal frame, so it
	// triggers HandleResult and then FinalizeResult, same as a StreamValue
	// followed by StreamEnd does for a streaming submission.
	assert.Len(t, h.handled, 1)
}

func TestResultDispatcherRoutesIntermediateFrameToHandle(t *testing.T) {
	pending := newFakePending()
	h := &fakeHandler{}
	pending.add(1, h)

	d := New(slog.Default(), pending, nil)
	defer d.Stop()

	src := &fakeSource{events: []ipc.WorkerEvent{
		{Kind: ipc.EventResult, Result: types.ResultFrame{SubmissionID: 1, Kind: types.KindStreamValue, Payload: 1}},
		{Kind: ipc.EventResult, Result: types.ResultFrame{SubmissionID: 1, Kind: types.KindStreamEnd}},
	}}
	d.WatchWorker(0, src)

	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.handled) == 1 && len(h.finalized) == 1
	})
}

func TestResultDispatcherDropsUnknownSubmission(t *testing.T) {
	pending := newFakePending()
	d := New(slog.Default(), pending, nil)
	defer d.Stop()

	src := &fakeSource{events: []ipc.WorkerEvent{
		{Kind: ipc.EventResult, Result: types.ResultFrame{SubmissionID: 99, Kind: types.KindValue}},
	}}
	// Must not panic or block despite no handler being registered for 99.
	d.WatchWorker(0, src)
	time.Sleep(20 * time.Millisecond)
}

func TestResultDispatcherInvokesOnReadyForLifecycleEvents(t *testing.T) {
	pending := newFakePending()

	var mu sync.Mutex
	var seen []ipc.WorkerEventKind
	onReady := func(workerID int, kind ipc.WorkerEventKind) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, kind)
	}

	d := New(slog.Default(), pending, onReady)
	defer d.Stop()

	src := &fakeSource{events: []ipc.WorkerEvent{
		{Kind: ipc.EventStartComplete},
		{Kind: ipc.EventLoadComplete},
	}}
	d.WatchWorker(0, src)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})
	require.Len(t, seen, 2)
	assert.Equal(t, ipc.EventStartComplete, seen[0])
	assert.Equal(t, ipc.EventLoadComplete, seen[1])
}

func TestResultDispatcherStopIsIdempotent(t *testing.T) {
	d := New(slog.Default(), newFakePending(), nil)
	d.Stop()
	d.Stop() // must not panic on double-close
}
