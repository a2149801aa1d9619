package future

import (
	"sync"

	"github.com/briarworks/offloadpool/pkg/types"
)

// ResultHandler receives the frames belonging to one submission, in
// arrival order, terminated by exactly one FinalizeResult call. It is the
// same shape dispatcher.Handler expects; future does not import dispatcher
// to avoid a cycle (internal/pool wires the two together).
type ResultHandler interface {
	HandleResult(types.ResultFrame)
	FinalizeResult(types.ResultFrame)
}

// DefaultHandler settles f from the single terminal frame a single-shot
// submission produces. HandleResult fires once, for the Value frame itself
// (which is both the data delivery and the terminal frame for a
// single-shot submission); FinalizeResult immediately follows with the same
// frame and does the actual settling, so HandleResult only needs to mark
// the future as having received its result.
type DefaultHandler struct {
	f *Future
}

// NewDefaultHandler wraps f.
func NewDefaultHandler(f *Future) *DefaultHandler { return &DefaultHandler{f: f} }

func (h *DefaultHandler) HandleResult(types.ResultFrame) { h.f.MarkRunning() }

func (h *DefaultHandler) FinalizeResult(rf types.ResultFrame) {
	switch rf.Kind {
	case types.KindValue:
		h.f.Complete(rf.Payload)
	case types.KindCancelled:
		h.f.Cancel()
	case types.KindError:
		h.f.Fail(&types.WorkError{Kind: rf.ErrorKind, Message: rf.Message, Traceback: rf.Traceback})
	default:
		h.f.Fail(&types.WorkError{Kind: types.Transport, Message: "unexpected terminal frame kind for single-shot submission"})
	}
}

// StreamCollector accumulates every KindStreamValue payload a streaming
// submission produces, optionally forwarding each to OnValue as it arrives
// (Pool.Submit wires OnValue to whatever the caller passed as a streaming
// sink). Once the future settles, Values holds everything collected so far.
type StreamCollector struct {
	f       *Future
	OnValue func(value any)

	mu     sync.Mutex
	Values []any
}

// NewStreamCollector wraps f.
func NewStreamCollector(f *Future) *StreamCollector { return &StreamCollector{f: f} }

func (h *StreamCollector) HandleResult(rf types.ResultFrame) {
	if rf.Kind != types.KindStreamValue {
		return
	}
	h.mu.Lock()
	h.Values = append(h.Values, rf.Payload)
	h.mu.Unlock()
	h.f.MarkRunning()
	if h.OnValue != nil {
		h.OnValue(rf.Payload)
	}
}

func (h *StreamCollector) FinalizeResult(rf types.ResultFrame) {
	switch rf.Kind {
	case types.KindStreamEnd:
		h.mu.Lock()
		values := append([]any(nil), h.Values...)
		h.mu.Unlock()
		h.f.Complete(values)
	case types.KindCancelled:
		h.f.Cancel()
	case types.KindError:
		h.f.Fail(&types.WorkError{Kind: rf.ErrorKind, Message: rf.Message, Traceback: rf.Traceback})
	default:
		h.f.Fail(&types.WorkError{Kind: types.Transport, Message: "unexpected terminal frame kind for streaming submission"})
	}
}
