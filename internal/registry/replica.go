package registry

import (
	"sync"

	"github.com/briarworks/offloadpool/pkg/types"
)

// Replica is the worker-process-side read-only mirror of SharedState. A
// worker never mutates it directly; it only applies notifications pushed
// from the main process's SharedState.OnMutate hook. This is the other
// half of the push-replication design documented in sharedstate.go.
type Replica struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewReplica constructs an empty replica.
func NewReplica() *Replica {
	return &Replica{data: make(map[string]any)}
}

// Apply folds a built-in state-affecting notification into the replica.
// Notifications other than update_state_value/cancel are ignored here;
// custom notifications are routed separately by the notification handler
// table.
func (r *Replica) Apply(n types.Notification) {
	switch n.Name {
	case types.NotifyUpdateStateValue:
		p, ok := n.Payload.(types.UpdateStateValuePayload)
		if !ok {
			return
		}
		r.mu.Lock()
		r.data[p.Key] = p.Value
		r.mu.Unlock()
	case types.NotifyCancel:
		p, ok := n.Payload.(types.CancelPayload)
		if !ok {
			return
		}
		r.mu.Lock()
		r.data[CancelKey(p.SubmissionID)] = true
		r.mu.Unlock()
	}
}

// IsCancelled is the cooperative-cancel predicate exposed to user
// callables running inside a worker (spec.md §4.2's "well-known
// predicate").
func (r *Replica) IsCancelled(id types.SubmissionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, _ := r.data[CancelKey(id)].(bool)
	return b
}

// Get reads a replicated key.
func (r *Replica) Get(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.data[key]
	return v, ok
}

// Forget drops a submission's cancel flag once it is no longer relevant,
// keeping the replica from growing unboundedly across a long-lived worker.
func (r *Replica) Forget(id types.SubmissionID) {
	r.mu.Lock()
	delete(r.data, CancelKey(id))
	r.mu.Unlock()
}
