package registry

import (
	"sync"
	"sync/atomic"

	"github.com/briarworks/offloadpool/pkg/types"
)

// InitFunc is a zero-return callable registered with Pool.AddInitFunc and
// invoked exactly once inside each worker before it accepts submissions.
type InitFunc func(args []any) error

type initEntry struct {
	fn   InitFunc
	args []any
}

// NotificationHandler processes one notification inside a worker process.
type NotificationHandler func(payload any) error

// Registry is the process-wide state a single Pool coordinates: lifecycle
// state, live-worker bookkeeping, registered init funcs, the custom
// notification table, the callable registry, and the shared state map.
// One Registry belongs to exactly one Pool; it is never a package-level
// global, so a test can construct a fresh one per case (or substitute a
// fake) without cross-test leakage.
type Registry struct {
	state int32 // types.PoolState, accessed atomically

	mu        sync.Mutex
	initFuncs []initEntry
	workers   map[int]*types.WorkerRecord

	notifMu  sync.RWMutex
	notifHandlers map[string]NotificationHandler

	Callables *CallableRegistry
	State     *SharedState

	submittedCount atomic.Int64
	completedCount atomic.Int64
}

// New constructs a Registry in the Uninitialized state.
func New() *Registry {
	r := &Registry{
		workers: make(map[int]*types.WorkerRecord),
		notifHandlers: make(map[string]NotificationHandler),
	}
	r.Callables = NewCallableRegistry()
	r.State = NewSharedState(nil) // Pool wires OnMutate after construction
	atomic.StoreInt32(&r.state, int32(types.Uninitialized))
	return r
}

// PoolState returns the current lifecycle state.
func (r *Registry) PoolState() types.PoolState {
	return types.PoolState(atomic.LoadInt32(&r.state))
}

// SetPoolState unconditionally sets the lifecycle state. Pool is
// responsible for only calling this along the monotonic transitions
// spec.md §4.6 allows.
func (r *Registry) SetPoolState(s types.PoolState) {
	atomic.StoreInt32(&r.state, int32(s))
}

// CompareAndSetPoolState performs the transition atomically, returning
// whether it took effect.
func (r *Registry) CompareAndSetPoolState(from, to types.PoolState) bool {
	return atomic.CompareAndSwapInt32(&r.state, int32(from), int32(to))
}

// AddInitFunc registers fn to run once in every worker after spawn, before
// it accepts submissions. Fails once the pool has left Uninitialized.
func (r *Registry) AddInitFunc(fn InitFunc, args ...any) error {
	if r.PoolState() != types.Uninitialized {
		return &types.InvalidState{Operation: "AddInitFunc", State: r.PoolState()}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initFuncs = append(r.initFuncs, initEntry{fn: fn, args: args})
	return nil
}

// InitFuncs returns a snapshot of the registered init funcs in registration
// order, for a worker to run at startup.
func (r *Registry) InitFuncs() []InitFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]InitFunc, len(r.initFuncs))
	for i, e := range r.initFuncs {
		args := e.args
		fn := e.fn
		out[i] = func(_ []any) error { return fn(args) }
	}
	return out
}

// PrepareGlobals seeds the initial current_state bag workers will inherit.
// Must precede StartWorkers; the seeded values live in the same SharedState
// a running pool replicates to every worker (Pool.spawnWorker sends each
// newly spawned worker the full current snapshot before it starts accepting
// submissions), so this is simply an early write to that map rather than a
// parallel, unwired store.
func (r *Registry) PrepareGlobals(mapping map[string]any) error {
	if r.PoolState() != types.Uninitialized {
		return &types.InvalidState{Operation: "PrepareGlobals", State: r.PoolState()}
	}
	r.State.Seed(map[string]any{CurrentStateKey: mapping})
	return nil
}

// Globals returns the seeded current_state bag, or nil if PrepareGlobals was
// never called.
func (r *Registry) Globals() map[string]any {
	v, ok := r.State.Get(CurrentStateKey)
	if !ok {
		return nil
	}
	mapping, _ := v.(map[string]any)
	return mapping
}

// RegisterWorker records a newly spawned worker.
func (r *Registry) RegisterWorker(rec *types.WorkerRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[rec.ID] = rec
}

// MarkWorkerStarted flips a worker's StartComplete flag.
func (r *Registry) MarkWorkerStarted(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		w.StartComplete = true
	}
}

// MarkWorkerLoaded flips a worker's LoadComplete flag.
func (r *Registry) MarkWorkerLoaded(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		w.LoadComplete = true
	}
}

// MarkWorkerDead flips a worker's Alive flag off.
func (r *Registry) MarkWorkerDead(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		w.Alive = false
	}
}

// RemoveWorker drops a worker's bookkeeping entirely (used after a crashed
// worker's replacement has taken over its ordinal).
func (r *Registry) RemoveWorker(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
}

// LiveWorkerCount returns the number of workers currently believed alive.
func (r *Registry) LiveWorkerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, w := range r.workers {
		if w.Alive {
			n++
		}
	}
	return n
}

// AllWorkersStarted reports whether every registered worker has signaled
// StartComplete.
func (r *Registry) AllWorkersStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.workers) == 0 {
		return false
	}
	for _, w := range r.workers {
		if !w.StartComplete {
			return false
		}
	}
	return true
}

// AllWorkersLoaded reports whether every registered worker has signaled
// LoadComplete.
func (r *Registry) AllWorkersLoaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.workers) == 0 {
		return false
	}
	for _, w := range r.workers {
		if !w.LoadComplete {
			return false
		}
	}
	return true
}

// AddCustomNotification registers handler under name for the current
// process. To take effect in workers it must be registered before
// StartWorkers, so the worker's own init phase can register the same name
// (spec.md §4.4).
func (r *Registry) AddCustomNotification(name string, handler NotificationHandler) {
	r.notifMu.Lock()
	defer r.notifMu.Unlock()
	r.notifHandlers[name] = handler
}

// NotificationHandler looks up a registered handler by name.
func (r *Registry) NotificationHandler(name string) (NotificationHandler, bool) {
	r.notifMu.RLock()
	defer r.notifMu.RUnlock()
	h, ok := r.notifHandlers[name]
	return h, ok
}

// RecordSubmitted/RecordCompleted maintain the totals Counters reports.
func (r *Registry) RecordSubmitted() { r.submittedCount.Add(1) }
func (r *Registry) RecordCompleted() { r.completedCount.Add(1) }

// Counters returns (submitted, completed) totals since construction.
func (r *Registry) Counters() (submitted, completed int64) {
	return r.submittedCount.Load(), r.completedCount.Load()
}
