// Package ipc is the cross-process transport: a gob frame codec and the
// machinery to spawn a worker as a real child OS process wired up with
// three pipes (submission, result, notification). Nothing in the example
// corpus does real multi-process IPC — every repo's "worker pool" is
// goroutines over channels — so this package is the one piece of the
// transformation with no direct teacher analogue; its framing discipline
// (length-prefixed records, pooled scratch buffers) is grounded on
// internal/storage/wal's batch-writer framing in the teacher repo.
package ipc

import (
	"github.com/briarworks/offloadpool/pkg/types"
)

// CommandFrame is sent from the main process to a worker over its
// submission pipe (the child's stdin).
type CommandFrame struct {
	Shutdown   bool
	Submission types.Submission
}

// WorkerEventKind tags the variant carried by a WorkerEvent.
type WorkerEventKind int32

const (
	EventResult WorkerEventKind = iota
	EventStartComplete
	EventLoadComplete
)

// WorkerEvent is sent from a worker to the main process over its result
// pipe (the child's stdout). Besides ResultFrame payloads it also carries
// the one-time start-complete/load-complete readiness signals spec.md
// §4.1 requires StartWorkers to wait for.
type WorkerEvent struct {
	Kind   WorkerEventKind
	Result types.ResultFrame
}
