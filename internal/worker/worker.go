// ============================================================================
// offloadpool Worker — Command Loop, Notification Listener, Callable Invocation
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: the code that runs *inside* a spawned worker process.
//
// Each worker process runs three concurrent activities (spec.md §4.2):
//   1. the command loop — reads submission frames from stdin, invokes the
//      resolved callable, writes result frames to stdout
//   2. a notification listener — reads its dedicated pipe (fd 3) and
//      drives built-in and custom notification handlers
//   3. the invoked callable itself, running synchronously on the command
//      loop's goroutine
//
// How it works mirrors the teacher's Worker.Run receive-execute-send loop
// (internal/worker/worker.go in the teacher repo) and its split of
// concerns across pollerLoop/ackLoop (internal/worker/worker_pool.go) —
// generalized here into command-loop + notification-listener running in a
// real child process instead of a goroutine over an in-process channel.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"

	"github.com/briarworks/offloadpool/internal/ipc"
	"github.com/briarworks/offloadpool/internal/registry"
	"github.com/briarworks/offloadpool/pkg/types"
)

// notificationFD is the file descriptor ExtraFiles delivers the
// notification pipe on: fds 0-2 are stdin/stdout/stderr, so the first
// extra file lands at 3.
const notificationFD = 3

// Main runs the worker process's full lifecycle: init funcs, readiness
// signaling, notification listener, and command loop. It returns when the
// command loop observes the shutdown sentinel, or when stdin is closed out
// from under it (the main process exited or killed the pipe).
func Main(reg *registry.Registry, workerID int) error {
	levelVar := &slog.LevelVar{}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})
	log := slog.New(handler).With("worker_id", workerID)

	in := os.Stdin
	out := os.Stdout
	notif := os.NewFile(notificationFD, "offloadpool-notify")

	w := &worker{
		id:       workerID,
		reg:      reg,
		replica:  registry.NewReplica(),
		in:       in,
		out:      out,
		notif:    notif,
		log:      log,
		levelVar: levelVar,
		outMu:    &sync.Mutex{},
	}

	if err := w.runInitFuncs(); err != nil {
		log.Error("init func failed", "error", err)
		return err
	}
	w.sendEvent(ipc.WorkerEvent{Kind: ipc.EventStartComplete})
	w.sendEvent(ipc.WorkerEvent{Kind: ipc.EventLoadComplete})

	go w.notificationLoop()

	return w.commandLoop()
}

type worker struct {
	id      int
	reg     *registry.Registry
	replica *registry.Replica

	in    io.Reader
	out   io.Writer
	notif io.Reader

	outMu *sync.Mutex

	log      *slog.Logger
	levelVar *slog.LevelVar

	curMu     sync.Mutex
	curSub    types.SubmissionID
	curCancel context.CancelFunc
	curActive bool
}

func (w *worker) runInitFuncs() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("init func panicked: %v\n%s", r, debug.Stack())
		}
	}()
	for _, fn := range w.reg.InitFuncs() {
		if e := fn(nil); e != nil {
			return e
		}
	}
	return nil
}

func (w *worker) sendEvent(ev ipc.WorkerEvent) {
	w.outMu.Lock()
	defer w.outMu.Unlock()
	if err := ipc.WriteFrame(w.out, ev); err != nil {
		w.log.Error("failed to write worker event", "error", err)
	}
}

// commandLoop implements spec.md §4.2 steps 1-5.
func (w *worker) commandLoop() error {
	for {
		cmd, err := ipc.ReadFrame[ipc.CommandFrame](w.in)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if cmd.Shutdown {
			return nil
		}
		w.handleSubmission(cmd.Submission)
	}
}

func (w *worker) handleSubmission(sub types.Submission) {
	ctx, cancel := context.WithCancel(context.Background())
	w.curMu.Lock()
	w.curSub = sub.ID
	w.curCancel = cancel
	w.curActive = true
	w.curMu.Unlock()

	ctx = withSubmission(ctx, w.replica, sub.ID)

	single, streaming, err := w.reg.Callables.Resolve(sub.Callable)
	if err != nil {
		w.sendResult(types.ResultFrame{
			SubmissionID: sub.ID,
			Kind:         types.KindError,
			ErrorKind:    types.LifecycleMisuse,
			Message:      err.Error(),
		})
		w.finishSubmission(sub.ID)
		return
	}

	if sub.Streaming {
		w.runStreaming(ctx, sub, streaming)
	} else {
		w.runSingle(ctx, sub, single)
	}

	cancel()
	w.finishSubmission(sub.ID)
}

func (w *worker) finishSubmission(id types.SubmissionID) {
	w.curMu.Lock()
	w.curActive = false
	w.curMu.Unlock()
	w.replica.Forget(id)
}

func (w *worker) runSingle(ctx context.Context, sub types.Submission, fn registry.Callable) {
	value, err := w.invokeSingle(ctx, fn, sub.Args)
	if err != nil {
		if w.replica.IsCancelled(sub.ID) {
			w.sendResult(types.ResultFrame{SubmissionID: sub.ID, Kind: types.KindCancelled})
			return
		}
		w.sendResult(types.ResultFrame{
			SubmissionID: sub.ID,
			Kind:         types.KindError,
			ErrorKind:    types.UserFailure,
			Message:      err.Error(),
			Traceback:    errTraceback(err),
		})
		return
	}
	w.sendResult(types.ResultFrame{SubmissionID: sub.ID, Kind: types.KindValue, Payload: value})
}

func (w *worker) invokeSingle(ctx context.Context, fn registry.Callable, args []any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callable panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, args)
}

func (w *worker) runStreaming(ctx context.Context, sub types.Submission, fn registry.StreamingCallable) {
	emit := func(value any) error {
		if w.replica.IsCancelled(sub.ID) {
			if err := ctx.Err(); err != nil {
				return err
			}
			return context.Canceled
		}
		w.sendResult(types.ResultFrame{SubmissionID: sub.ID, Kind: types.KindStreamValue, Payload: value})
		return nil
	}

	err := w.invokeStreaming(ctx, fn, sub.Args, emit)
	if err != nil {
		if w.replica.IsCancelled(sub.ID) {
			w.sendResult(types.ResultFrame{SubmissionID: sub.ID, Kind: types.KindCancelled})
			return
		}
		w.sendResult(types.ResultFrame{
			SubmissionID: sub.ID,
			Kind:         types.KindError,
			ErrorKind:    types.UserFailure,
			Message:      err.Error(),
			Traceback:    errTraceback(err),
		})
		return
	}
	w.sendResult(types.ResultFrame{SubmissionID: sub.ID, Kind: types.KindStreamEnd})
}

func (w *worker) invokeStreaming(ctx context.Context, fn registry.StreamingCallable, args []any, emit registry.Emit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callable panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, args, emit)
}

func (w *worker) sendResult(rf types.ResultFrame) {
	w.sendEvent(ipc.WorkerEvent{Kind: ipc.EventResult, Result: rf})
}

func errTraceback(err error) string {
	return err.Error()
}

// notificationLoop implements spec.md §4.4's listener: it wakes promptly
// on every frame, applies built-ins to the replica, and invokes any
// registered custom handler. A handler panic is recovered, logged, and the
// loop continues — spec.md §9 Open Question (ii).
func (w *worker) notificationLoop() {
	for {
		n, err := ipc.ReadFrame[types.Notification](w.notif)
		if err != nil {
			return
		}
		w.handleNotification(n)
	}
}

func (w *worker) handleNotification(n types.Notification) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("notification handler panicked", "name", n.Name, "panic", r)
		}
	}()

	switch n.Name {
	case types.NotifyUpdateLogLevel:
		if level, ok := n.Payload.(slog.Level); ok && w.levelVar != nil {
			w.levelVar.Set(level)
		}
		return
	case types.NotifyUpdateStateValue:
		w.replica.Apply(n)
		return
	case types.NotifyCancel:
		w.replica.Apply(n)
		if p, ok := n.Payload.(types.CancelPayload); ok {
			w.curMu.Lock()
			if w.curActive && w.curSub == p.SubmissionID && w.curCancel != nil {
				w.curCancel()
			}
			w.curMu.Unlock()
		}
		return
	}

	if handler, ok := w.reg.NotificationHandler(n.Name); ok {
		if err := handler(n.Payload); err != nil {
			w.log.Error("notification handler returned error", "name", n.Name, "error", err)
		}
	}
}
