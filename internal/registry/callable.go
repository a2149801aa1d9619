package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/briarworks/offloadpool/pkg/types"
)

// Callable is a single-shot user function: it receives its arguments and
// returns one value or an error.
type Callable func(ctx context.Context, args []any) (any, error)

// Emit is handed to a StreamingCallable; each call delivers one produced
// value. Emit returns an error (wrapping ctx.Err()) once the submission has
// been cancelled, signalling the producer to stop.
type Emit func(value any) error

// StreamingCallable is a producer-style user function: it pushes values
// through emit until it is exhausted, cancelled, or fails.
type StreamingCallable func(ctx context.Context, args []any, emit Emit) error

// CallableRegistry resolves the string keys submissions carry (spec.md §9's
// reflection-free registration scheme, option (a)) to concrete functions.
// It must be populated identically in the main process (to validate Submit
// calls early) and in every worker (to actually run the work); the demo CLI
// registers the same set in both places before StartWorkers.
type CallableRegistry struct {
	mu        sync.RWMutex
	single    map[string]Callable
	streaming map[string]StreamingCallable
}

// NewCallableRegistry constructs an empty registry.
func NewCallableRegistry() *CallableRegistry {
	return &CallableRegistry{
		single:    make(map[string]Callable),
		streaming: make(map[string]StreamingCallable),
	}
}

// RegisterSingle registers a single-shot callable under name. Registering
// the same name twice overwrites the previous registration, matching the
// teacher's "last registration wins" convention for handler tables.
func (r *CallableRegistry) RegisterSingle(name string, fn Callable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.single[name] = fn
}

// RegisterStreaming registers a producer-style callable under name.
func (r *CallableRegistry) RegisterStreaming(name string, fn StreamingCallable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streaming[name] = fn
}

// Resolve looks up name, returning exactly one of the two callable kinds
// depending on how it was registered, or UnknownCallable if neither table
// has it.
func (r *CallableRegistry) Resolve(name string) (single Callable, streaming StreamingCallable, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.single[name]; ok {
		return fn, nil, nil
	}
	if fn, ok := r.streaming[name]; ok {
		return nil, fn, nil
	}
	return nil, nil, &types.UnknownCallable{Callable: name}
}

// Known reports whether name is registered as either kind, and if so
// whether it is a streaming callable. Submit uses this to validate and tag
// a submission before it is ever transported to a worker.
func (r *CallableRegistry) Known(name string) (exists bool, streaming bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.single[name]; ok {
		return true, false
	}
	if _, ok := r.streaming[name]; ok {
		return true, true
	}
	return false, false
}

// MustKnown is Known plus an error matching Submit's contract, useful in
// tests that expect UnknownCallable.
func (r *CallableRegistry) MustKnown(name string) error {
	if exists, _ := r.Known(name); !exists {
		return fmt.Errorf("%w", &types.UnknownCallable{Callable: name})
	}
	return nil
}
