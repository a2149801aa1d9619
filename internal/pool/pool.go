// ============================================================================
// offloadpool Pool - Process-Based Work Offload Coordinator
// ============================================================================
//
// Package: internal/pool
// File: pool.go
// Purpose: the public facade that owns the worker processes, the shared
// submission queue, and the offload/fail-open policy switches.
//
// Architecture (generalized from internal/controller/controller.go's
// "one controller coordinating JobManager/WAL/Snapshot/WorkerPool"):
//   - Registry:            lifecycle state, counters, callable table, the
//                          cross-process shared-state map
//   - PendingTable:        submission -> (Future, ResultHandler) bookkeeping
//   - ResultDispatcher:    fan-in worker results, match to pending table
//   - NotificationDispatcher: fan-out cancel/update_state_value/custom
//   - N worker-manager goroutines: each owns one worker process's pipes and
//     pulls from a shared submission channel (pull-based work stealing,
//     generalized from the teacher's N-parallel-dispatchLoop-competing-for-
//     jobs pattern, here over pipes instead of an in-process channel)
//
// Shutdown order (see Stop), mirroring the teacher's documented rationale
// for why the order matters:
//  1. Flip state to Stopping so Submit starts rejecting new work.
//  2. Close stopCh so every worker-manager goroutine stops waiting on its
//     current submission (if any) and stops pulling from the submission
//     channel.
//  3. Send a Shutdown CommandFrame to each worker so its command loop exits
//     cleanly instead of erroring out on a closed pipe.
//  4. Wait (bounded by StopTimeout) for each worker process to exit; kill
//     any still running past the deadline.
//  5. Stop both dispatchers.
//  6. Settle every submission still in the pending table as Cancelled —
//     nothing is left for a caller to wait on forever.
//
// ============================================================================

package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/briarworks/offloadpool/internal/dispatcher"
	"github.com/briarworks/offloadpool/internal/future"
	"github.com/briarworks/offloadpool/internal/ipc"
	"github.com/briarworks/offloadpool/internal/registry"
	"github.com/briarworks/offloadpool/pkg/types"
)

const (
	defaultStartTimeout      = 30 * time.Second
	defaultStopTimeout       = 10 * time.Second
	defaultSubmissionBacklog = 1024
)

// Pool is the process-based work offload coordinator. The zero value is not
// usable; construct with New.
type Pool struct {
	log *slog.Logger
	reg *registry.Registry

	opts Options

	pending    *PendingTable
	resultDisp *dispatcher.ResultDispatcher
	notifDisp  *dispatcher.NotificationDispatcher

	submissionCh chan types.Submission
	nextID       atomic.Uint64

	offloadEnabled  atomic.Bool
	failOpenEnabled atomic.Bool

	procsMu sync.Mutex
	procs   map[int]*ipc.Proc

	stopCh   chan struct{}
	stopOnce sync.Once
	eg       *errgroup.Group

	metrics metricsCollector
}

// New constructs a Pool in the Uninitialized state. Register callables on
// Registry() and call AddInitFunc/PrepareGlobals before StartWorkers.
func New(log *slog.Logger, opts Options) *Pool {
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		log:          log,
		reg:          registry.New(),
		opts:         opts,
		pending:      NewPendingTable(),
		procs:        make(map[int]*ipc.Proc),
		stopCh:       make(chan struct{}),
	}
	p.reg.State = registry.NewSharedState(p.onStateMutate)
	offload := true
	if opts.OffloadEnabled != nil {
		offload = *opts.OffloadEnabled
	}
	failOpen := true
	if opts.FailOpenEnabled != nil {
		failOpen = *opts.FailOpenEnabled
	}
	p.offloadEnabled.Store(offload)
	p.failOpenEnabled.Store(failOpen)
	p.metrics = opts.Metrics

	backlog := opts.SubmissionQueueSize
	if backlog <= 0 {
		backlog = defaultSubmissionBacklog
	}
	p.submissionCh = make(chan types.Submission, backlog)

	p.notifDisp = dispatcher.NewNotificationDispatcher(log)
	p.resultDisp = dispatcher.New(log, p.pending, p.onWorkerReady)
	return p
}

// Registry exposes the pool's callable table, init funcs, globals, and
// custom-notification registration. It is the only way to configure a pool
// before StartWorkers.
func (p *Pool) Registry() *registry.Registry { return p.reg }

func (p *Pool) onStateMutate(key string, value any) {
	p.notifDisp.Broadcast(types.Notification{
		Name:    types.NotifyUpdateStateValue,
		Payload: types.UpdateStateValuePayload{Key: key, Value: value},
	})
}

func (p *Pool) onWorkerReady(workerID int, kind ipc.WorkerEventKind) {
	switch kind {
	case ipc.EventStartComplete:
		p.reg.MarkWorkerStarted(workerID)
	case ipc.EventLoadComplete:
		p.reg.MarkWorkerLoaded(workerID)
	}
}

// StartWorkers spawns the configured number of worker processes and blocks
// until every one has signaled start-complete and load-complete, or until
// StartTimeout elapses.
func (p *Pool) StartWorkers(ctx context.Context) error {
	if !p.reg.CompareAndSetPoolState(types.Uninitialized, types.Starting) {
		return &types.InvalidState{Operation: "StartWorkers", State: p.reg.PoolState()}
	}

	maxCount := runtime.NumCPU() - 1
	if maxCount < 1 {
		maxCount = 1
	}
	count := p.opts.WorkerCount
	if count <= 0 || count > maxCount {
		count = maxCount
	}

	timeout := p.opts.StartTimeout
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}
	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p.eg, _ = errgroup.WithContext(context.Background())

	for i := 0; i < count; i++ {
		if err := p.spawnWorker(i); err != nil {
			p.reg.SetPoolState(types.Uninitialized)
			return fmt.Errorf("offloadpool: spawn worker %d: %w", i, err)
		}
	}

	if err := p.waitForReady(startCtx, count); err != nil {
		p.reg.SetPoolState(types.Uninitialized)
		return err
	}

	p.reg.SetPoolState(types.Running)
	p.log.Info("pool started", "workers", count)
	return nil
}

func (p *Pool) waitForReady(ctx context.Context, count int) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.reg.AllWorkersStarted() && p.reg.AllWorkersLoaded() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("offloadpool: timed out waiting for %d workers to become ready: %w", count, ctx.Err())
		case <-ticker.C:
		}
	}
}

// ProcessesStarted reports whether every spawned worker has signaled
// start-complete, without blocking.
func (p *Pool) ProcessesStarted() bool {
	return p.reg.AllWorkersStarted()
}

// WaitForProcessStart blocks until every spawned worker has signaled
// start-complete, or timeout elapses, returning whether it happened in time.
func (p *Pool) WaitForProcessStart(timeout time.Duration) bool {
	return pollUntil(timeout, p.reg.AllWorkersStarted)
}

// WaitForCompleteLoad blocks until every spawned worker has signaled
// load-complete, or timeout elapses, returning whether it happened in time.
func (p *Pool) WaitForCompleteLoad(timeout time.Duration) bool {
	return pollUntil(timeout, p.reg.AllWorkersLoaded)
}

// pollUntil polls cond every 5ms, the same cadence waitForReady uses, until
// it reports true or timeout elapses.
func pollUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		<-ticker.C
	}
}

func (p *Pool) spawnWorker(id int) error {
	proc, err := ipc.Spawn(id)
	if err != nil {
		return err
	}

	p.procsMu.Lock()
	p.procs[id] = proc
	p.procsMu.Unlock()

	p.reg.RegisterWorker(proc.Record)
	p.resultDisp.WatchWorker(id, proc)
	p.notifDisp.AddWorker(id, proc)
	p.seedWorkerState(id)
	if p.metrics != nil {
		p.metrics.SetWorkersAlive(p.reg.LiveWorkerCount())
	}

	p.eg.Go(func() error {
		p.workerLoop(id, proc)
		return nil
	})
	p.eg.Go(func() error {
		p.superviseWorker(id, proc)
		return nil
	})
	return nil
}

// seedWorkerState replicates every key currently in SharedState to a newly
// joined worker, so it inherits both Registry.PrepareGlobals's seeded
// current_state bag and any UpdateStateValue writes that happened before it
// was spawned (notably relevant for a worker respawned after a crash).
func (p *Pool) seedWorkerState(id int) {
	for key, value := range p.reg.State.Snapshot() {
		p.notifDisp.Send(id, types.Notification{
			Name:    types.NotifyUpdateStateValue,
			Payload: types.UpdateStateValuePayload{Key: key, Value: value},
		})
	}
}

// workerLoop is one worker-manager: it pulls submissions from the shared,
// work-stealing channel and feeds them one at a time to its worker, waiting
// for that submission's Future to settle before pulling the next — the
// worker's own command loop is single-threaded, so only one submission may
// be in flight on a given pipe pair at once.
func (p *Pool) workerLoop(id int, proc *ipc.Proc) {
	for {
		select {
		case <-p.stopCh:
			return
		case sub, ok := <-p.submissionCh:
			if !ok {
				return
			}
			p.deliver(id, proc, sub)
		}
	}
}

func (p *Pool) deliver(id int, proc *ipc.Proc, sub types.Submission) {
	fut, ok := p.pending.FutureFor(sub.ID)
	if !ok {
		return
	}
	if fut.State() == types.Cancelled {
		p.pending.Remove(sub.ID)
		return
	}

	p.pending.MarkAssigned(sub.ID, id)
	if err := proc.SendCommand(ipc.CommandFrame{Submission: sub}); err != nil {
		p.log.Error("failed to deliver submission", "worker_id", id, "submission_id", sub.ID, "error", err)
		fut.Fail(deliveryError(err))
		p.pending.Remove(sub.ID)
		return
	}

	select {
	case <-fut.Done():
		p.recordTerminal(sub, fut)
	case <-p.stopCh:
	}
	p.reg.State.PurgeCancelFlag(sub.ID)
	p.pending.Remove(sub.ID)
	if p.metrics != nil {
		p.metrics.SetPending(p.pending.Len())
	}
}

// deliveryError preserves a *types.WorkError's own Kind (e.g. Transport from
// a gob-encode failure on the pipe) instead of flattening every
// SendCommand failure into WorkerCrash; a genuine pipe/process failure that
// doesn't carry a WorkError is still reported as WorkerCrash.
func deliveryError(err error) error {
	var werr *types.WorkError
	if errors.As(err, &werr) {
		return werr
	}
	return &types.WorkError{Kind: types.WorkerCrash, Message: err.Error()}
}

func (p *Pool) recordTerminal(sub types.Submission, fut *future.Future) {
	p.reg.RecordCompleted()
	if p.metrics == nil {
		return
	}
	switch fut.State() {
	case types.Done:
		p.metrics.RecordCompleted(time.Since(sub.CreatedAt).Seconds())
	case types.Failed:
		p.metrics.RecordFailed()
	case types.Cancelled:
		p.metrics.RecordCancelled()
	}
}

// superviseWorker watches for an unexpected process exit while the pool is
// still Running and respawns it after a backoff, the way the teacher's
// worker pool treats a crashed goroutine worker — generalized here to real
// process death instead of a recovered goroutine panic.
func (p *Pool) superviseWorker(id int, proc *ipc.Proc) {
	err := proc.Wait()
	proc.Close()

	p.reg.MarkWorkerDead(id)
	if p.metrics != nil {
		p.metrics.SetWorkersAlive(p.reg.LiveWorkerCount())
	}

	select {
	case <-p.stopCh:
		return
	default:
	}

	if p.metrics != nil {
		p.metrics.RecordWorkerCrash()
	}

	if subID, assigned := p.findInFlight(id); assigned {
		if fut, ok := p.pending.FutureFor(subID); ok {
			fut.Fail(&types.WorkError{Kind: types.WorkerCrash, Message: fmt.Sprintf("worker %d exited: %v", id, err)})
			p.pending.Remove(subID)
		}
	}

	p.notifDisp.RemoveWorker(id)
	p.log.Warn("worker exited unexpectedly, respawning", "worker_id", id, "error", err)

	respawn := func() (struct{}, error) {
		if spawnErr := p.spawnWorker(id); spawnErr != nil {
			return struct{}{}, spawnErr
		}
		return struct{}{}, nil
	}
	if _, backoffErr := backoff.Retry(context.Background(), respawn, backoff.WithMaxTries(5)); backoffErr != nil {
		p.log.Error("giving up respawning worker", "worker_id", id, "error", backoffErr)
	}
}

// findInFlight reports the submission id currently assigned to workerID, if
// any, so a crash can fail that one submission instead of silently hanging
// its caller.
func (p *Pool) findInFlight(workerID int) (types.SubmissionID, bool) {
	for _, id := range p.pending.All() {
		if wid, ok := p.pending.WorkerFor(id); ok && wid == workerID {
			return id, true
		}
	}
	return 0, false
}

// Submit enqueues callable for execution with args, returning a Future the
// caller can Wait on. The streaming/single-shot distinction is read from
// how callable was registered, not supplied by the caller. See spec.md §4.3
// for the offload/fail-open decision tree this implements.
func (p *Pool) Submit(ctx context.Context, callable string, args []any, opts ...SubmitOption) (*future.Future, error) {
	cfg := applyOptions(opts)

	exists, streaming := p.reg.Callables.Known(callable)
	if !exists {
		return nil, &types.UnknownCallable{Callable: callable}
	}

	state := p.reg.PoolState()
	switch {
	case state == types.Stopping || state == types.Stopped:
		return nil, &types.InvalidState{Operation: "Submit", State: state}
	case state == types.Running && p.offloadEnabled.Load():
		return p.submitRemote(ctx, callable, streaming, args, cfg)
	case p.failOpenEnabled.Load():
		return p.submitLocal(ctx, callable, streaming, args, cfg)
	default:
		reason := "offload disabled"
		if state != types.Running {
			reason = fmt.Sprintf("pool not running (state=%s)", state)
		}
		return nil, &types.OffloadDisabled{Reason: reason}
	}
}

func (p *Pool) submitRemote(ctx context.Context, callable string, streaming bool, args []any, cfg submitConfig) (*future.Future, error) {
	if err := ipc.VerifyEncodable(args); err != nil {
		return nil, err
	}

	id := types.SubmissionID(p.nextID.Add(1))
	fut := future.New(id)

	var handler future.ResultHandler
	switch {
	case cfg.handler != nil:
		handler = cfg.handler
	case streaming:
		sc := future.NewStreamCollector(fut)
		sc.OnValue = cfg.onStream
		handler = sc
	default:
		handler = future.NewDefaultHandler(fut)
	}
	p.pending.Add(id, fut, handler)

	sub := types.Submission{ID: id, Callable: callable, Args: args, Streaming: streaming, CreatedAt: time.Now()}
	p.reg.RecordSubmitted()
	if p.metrics != nil {
		p.metrics.RecordSubmitted()
	}

	select {
	case p.submissionCh <- sub:
		if p.metrics != nil {
			p.metrics.SetPending(p.pending.Len())
		}
		return fut, nil
	case <-ctx.Done():
		p.pending.Remove(id)
		return nil, ctx.Err()
	case <-p.stopCh:
		p.pending.Remove(id)
		return nil, &types.InvalidState{Operation: "Submit", State: types.Stopping}
	}
}

func (p *Pool) submitLocal(ctx context.Context, callable string, streaming bool, args []any, cfg submitConfig) (*future.Future, error) {
	id := types.SubmissionID(p.nextID.Add(1))
	fut := future.New(id)
	fut.MarkRunning()
	p.reg.RecordSubmitted()

	single, streamFn, err := p.reg.Callables.Resolve(callable)
	if err != nil {
		fut.Fail(err)
		return fut, nil
	}

	if streaming {
		var values []any
		emitErr := streamFn(ctx, args, func(v any) error {
			values = append(values, v)
			if cfg.onStream != nil {
				cfg.onStream(v)
			}
			return ctx.Err()
		})
		if emitErr != nil {
			fut.Fail(&types.WorkError{Kind: types.UserFailure, Message: emitErr.Error()})
		} else {
			fut.Complete(values)
		}
		return fut, nil
	}

	value, callErr := single(ctx, args)
	if callErr != nil {
		fut.Fail(&types.WorkError{Kind: types.UserFailure, Message: callErr.Error()})
		return fut, nil
	}
	fut.Complete(value)
	p.reg.RecordCompleted()
	return fut, nil
}

// Cancel requests cooperative cancellation of submission id. If it has not
// yet been picked up by a worker, its Future settles as Cancelled
// immediately and it will be skipped when a worker-manager eventually pulls
// it. If it is already running, a cancel notification is sent to the
// worker running it; the worker settles the Future once its callable
// observes the cancellation (spec.md §4.3 and §9).
func (p *Pool) Cancel(id types.SubmissionID) error {
	fut, ok := p.pending.FutureFor(id)
	if !ok {
		return nil
	}

	tok := registry.NewLockToken()
	if !p.reg.State.TrySetCancelFlag(tok, id) {
		return nil
	}

	if workerID, assigned := p.pending.WorkerFor(id); assigned {
		p.notifDisp.Send(workerID, types.Notification{Name: types.NotifyCancel, Payload: types.CancelPayload{SubmissionID: id}})
		return nil
	}

	fut.Cancel()
	return nil
}

// EnableOffload turns on remote execution; Submit calls start being routed
// to workers again once the pool is Running.
func (p *Pool) EnableOffload() { p.offloadEnabled.Store(true) }

// DisableOffload turns off remote execution. Submit falls back to local
// execution if fail-open is enabled, otherwise returns OffloadDisabled.
func (p *Pool) DisableOffload() { p.offloadEnabled.Store(false) }

// DisableFailOpen turns off the local-execution fallback, so Submit returns
// OffloadDisabled instead of running the callable in the caller's process.
func (p *Pool) DisableFailOpen() { p.failOpenEnabled.Store(false) }

// EnableFailOpen turns the local-execution fallback back on.
func (p *Pool) EnableFailOpen() { p.failOpenEnabled.Store(true) }

// AddCustomNotification registers handler under name, to be invoked inside
// every worker when that notification is delivered. Must be called before
// StartWorkers, by the same code path that runs in the re-exec'd worker.
func (p *Pool) AddCustomNotification(name string, handler registry.NotificationHandler) {
	p.reg.AddCustomNotification(name, handler)
}

// EnqueueNotification broadcasts a custom notification to every live
// worker.
func (p *Pool) EnqueueNotification(name string, payload any) {
	p.notifDisp.Broadcast(types.Notification{Name: name, Payload: payload})
}

// UpdateStateValue sets a key in the shared state map, replicating the
// change to every worker.
func (p *Pool) UpdateStateValue(key string, value any) {
	p.reg.State.Set(key, value)
}

// UpdateLogLevel broadcasts a new process log level to every live worker,
// the same way UpdateStateValue broadcasts a state change.
func (p *Pool) UpdateLogLevel(level slog.Level) {
	p.notifDisp.Broadcast(types.Notification{Name: types.NotifyUpdateLogLevel, Payload: level})
}

// CurrentProcessCount returns how many worker processes are currently
// believed alive.
func (p *Pool) CurrentProcessCount() int { return p.reg.LiveWorkerCount() }

// State returns the pool's current lifecycle state.
func (p *Pool) State() types.PoolState { return p.reg.PoolState() }

// PendingCount returns how many submissions are currently tracked (queued,
// assigned, or running).
func (p *Pool) PendingCount() int { return p.pending.Len() }

// Stop gracefully shuts down the pool. See the package doc comment above
// for the shutdown ordering rationale.
func (p *Pool) Stop(ctx context.Context) error {
	if !p.reg.CompareAndSetPoolState(types.Running, types.Stopping) {
		if !p.reg.CompareAndSetPoolState(types.Starting, types.Stopping) {
			return nil // already stopping or stopped
		}
	}

	timeout := p.opts.StopTimeout
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}
	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p.stopOnce.Do(func() { close(p.stopCh) })

	p.procsMu.Lock()
	procs := make(map[int]*ipc.Proc, len(p.procs))
	for id, proc := range p.procs {
		procs[id] = proc
	}
	p.procsMu.Unlock()

	for _, proc := range procs {
		_ = proc.SendCommand(ipc.CommandFrame{Shutdown: true})
	}

	done := make(chan struct{})
	go func() {
		if p.eg != nil {
			_ = p.eg.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-stopCtx.Done():
		p.log.Warn("stop timed out, killing stragglers")
		for _, proc := range procs {
			_ = proc.Kill()
		}
	}

	p.resultDisp.Stop()
	p.notifDisp.Stop()

	for _, id := range p.pending.All() {
		if fut, ok := p.pending.FutureFor(id); ok {
			fut.Cancel()
		}
		p.pending.Remove(id)
	}

	p.reg.SetPoolState(types.Stopped)
	p.log.Info("pool stopped")
	return nil
}
