package registry

import (
	"fmt"
	"sync"

	"github.com/briarworks/offloadpool/pkg/types"
)

// SharedState is the cross-process-visible mutable state map described in
// spec.md §3. True OS shared memory has no fitting library anywhere in the
// example corpus (see DESIGN.md), so this is realized instead as
// main-owned, push-replicated state: the main process holds the only
// authoritative copy, guarded by a ReentrantLock for compound updates, and
// every mutation is handed to an OnMutate hook that the pool wires to
// broadcast an update_state_value (or cancel) notification to every
// worker. Workers keep a local read-only Replica (see replica.go) built
// from those notifications.
type SharedState struct {
	quick     sync.Mutex // guards data for single-key atomic reads/writes
	data      map[string]any
	reentrant *ReentrantLock
	onMutate  func(key string, value any)
}

// NewSharedState constructs an empty shared state map. onMutate, if
// non-nil, is invoked after every successful mutation so the caller can
// replicate the change to workers. It runs outside the map's own mutex;
// TrySetCancelFlag invokes it while still holding the reentrant lock.
func NewSharedState(onMutate func(key string, value any)) *SharedState {
	return &SharedState{
		data:      make(map[string]any),
		reentrant: NewReentrantLock(),
		onMutate:  onMutate,
	}
}

// CancelKey formats the reserved shared-state key for a submission's cancel
// flag.
func CancelKey(id types.SubmissionID) string {
	return fmt.Sprintf("cancel:%d", id)
}

// CurrentStateKey is the reserved key for the user-defined state bag seeded
// by Pool.PrepareGlobals.
const CurrentStateKey = "current_state"

// Get performs a single-key read. Safe to call without holding the
// reentrant lock — spec.md §5 permits single-key atomic access to skip it.
func (s *SharedState) Get(key string) (any, bool) {
	s.quick.Lock()
	defer s.quick.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// Set performs a single-key write and replicates it.
func (s *SharedState) Set(key string, value any) {
	s.quick.Lock()
	s.data[key] = value
	s.quick.Unlock()
	if s.onMutate != nil {
		s.onMutate(key, value)
	}
}

// Seed merges mapping into the state map without notifying any replicas.
// Used by Registry.PrepareGlobals before any worker has been spawned; each
// worker picks up the seeded values when Pool.spawnWorker replicates the
// full current snapshot to it as it joins, so no live broadcast is needed
// here.
func (s *SharedState) Seed(mapping map[string]any) {
	s.quick.Lock()
	defer s.quick.Unlock()
	for k, v := range mapping {
		s.data[k] = v
	}
}

// Snapshot copies the entire map. Used by Pool.seedWorkerState to replicate
// the current state to a joining worker; never for compound
// read-modify-write logic.
func (s *SharedState) Snapshot() map[string]any {
	s.quick.Lock()
	defer s.quick.Unlock()
	out := make(map[string]any, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// TrySetCancelFlag is the one compound read-modify-write SharedState
// performs: it sets "cancel:<id>" true only if it was previously absent or
// false, upholding the invariant that a cancel flag transitions false→true
// exactly once. Returns true if this call was the one that set it.
func (s *SharedState) TrySetCancelFlag(tok *LockToken, id types.SubmissionID) bool {
	s.reentrant.Lock(tok)
	defer s.reentrant.Unlock(tok)

	key := CancelKey(id)
	s.quick.Lock()
	already, _ := s.data[key].(bool)
	if already {
		s.quick.Unlock()
		return false
	}
	s.data[key] = true
	s.quick.Unlock()

	if s.onMutate != nil {
		s.onMutate(key, true)
	}
	return true
}

// IsCancelled reports whether the cancel flag for id is set.
func (s *SharedState) IsCancelled(id types.SubmissionID) bool {
	v, ok := s.Get(CancelKey(id))
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// PurgeCancelFlag removes a submission's cancel flag once its future has
// reached a terminal state, per spec.md §4.3.
func (s *SharedState) PurgeCancelFlag(id types.SubmissionID) {
	key := CancelKey(id)
	s.quick.Lock()
	delete(s.data, key)
	s.quick.Unlock()
}
