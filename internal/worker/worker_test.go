package worker

// ============================================================================
// Worker Process Test File
// Purpose: exercise the command loop, notification loop, and cooperative
// cancellation using in-process os.Pipe() stand-ins instead of a real
// re-exec'd child, the way a worker's three pipes behave in practice.
// ============================================================================

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briarworks/offloadpool/internal/ipc"
	"github.com/briarworks/offloadpool/internal/registry"
	"github.com/briarworks/offloadpool/pkg/types"
)

type testRig struct {
	w       *worker
	cmdW    *os.File // write CommandFrames here
	resR    *os.File // read WorkerEvents from here
	notifW  *os.File // write Notifications here
}

func newTestRig(t *testing.T, reg *registry.Registry) *testRig {
	t.Helper()

	cmdR, cmdW, err := os.Pipe()
	require.NoError(t, err)
	resR, resW, err := os.Pipe()
	require.NoError(t, err)
	notifR, notifW, err := os.Pipe()
	require.NoError(t, err)

	w := &worker{
		id:       0,
		reg:      reg,
		replica:  registry.NewReplica(),
		in:       cmdR,
		out:      resW,
		notif:    notifR,
		outMu:    &sync.Mutex{},
		log:      slog.Default(),
		levelVar: &slog.LevelVar{},
	}

	t.Cleanup(func() {
		cmdR.Close()
		cmdW.Close()
		resR.Close()
		resW.Close()
		notifR.Close()
		notifW.Close()
	})

	return &testRig{w: w, cmdW: cmdW, resR: resR, notifW: notifW}
}

func TestCommandLoopSingleShotSuccess(t *testing.T) {
	reg := registry.New()
	reg.Callables.RegisterSingle("echo", func(ctx context.Context, args []any) (any, error) {
		return args[0], nil
	})
	rig := newTestRig(t, reg)

	loopErr := make(chan error, 1)
	go func() { loopErr <- rig.w.commandLoop() }()

	require.NoError(t, ipc.WriteFrame(rig.cmdW, ipc.CommandFrame{
		Submission: types.Submission{ID: 1, Callable: "echo", Args: []any{"hello"}},
	}))

	ev, err := ipc.ReadFrame[ipc.WorkerEvent](rig.resR)
	require.NoError(t, err)
	assert.Equal(t, ipc.EventResult, ev.Kind)
	assert.Equal(t, types.KindValue, ev.Result.Kind)
	assert.Equal(t, "hello", ev.Result.Payload)

	require.NoError(t, ipc.WriteFrame(rig.cmdW, ipc.CommandFrame{Shutdown: true}))
	require.NoError(t, <-loopErr)
}

func TestCommandLoopSingleShotFailure(t *testing.T) {
	reg := registry.New()
	reg.Callables.RegisterSingle("boom", func(ctx context.Context, args []any) (any, error) {
		return nil, assert.AnError
	})
	rig := newTestRig(t, reg)

	go rig.w.commandLoop()

	require.NoError(t, ipc.WriteFrame(rig.cmdW, ipc.CommandFrame{
		Submission: types.Submission{ID: 1, Callable: "boom"},
	}))

	ev, err := ipc.ReadFrame[ipc.WorkerEvent](rig.resR)
	require.NoError(t, err)
	assert.Equal(t, types.KindError, ev.Result.Kind)
	assert.Equal(t, types.UserFailure, ev.Result.ErrorKind)
}

func TestCommandLoopUnknownCallable(t *testing.T) {
	reg := registry.New()
	rig := newTestRig(t, reg)

	go rig.w.commandLoop()

	require.NoError(t, ipc.WriteFrame(rig.cmdW, ipc.CommandFrame{
		Submission: types.Submission{ID: 1, Callable: "nope"},
	}))

	ev, err := ipc.ReadFrame[ipc.WorkerEvent](rig.resR)
	require.NoError(t, err)
	assert.Equal(t, types.KindError, ev.Result.Kind)
	assert.Equal(t, types.LifecycleMisuse, ev.Result.ErrorKind)
}

func TestCommandLoopStreaming(t *testing.T) {
	reg := registry.New()
	reg.Callables.RegisterStreaming("countdown", func(ctx context.Context, args []any, emit registry.Emit) error {
		for i := 3; i > 0; i-- {
			if err := emit(i); err != nil {
				return err
			}
		}
		return nil
	})
	rig := newTestRig(t, reg)

	go rig.w.commandLoop()

	require.NoError(t, ipc.WriteFrame(rig.cmdW, ipc.CommandFrame{
		Submission: types.Submission{ID: 1, Callable: "countdown", Streaming: true},
	}))

	var values []any
	for i := 0; i < 3; i++ {
		ev, err := ipc.ReadFrame[ipc.WorkerEvent](rig.resR)
		require.NoError(t, err)
		require.Equal(t, types.KindStreamValue, ev.Result.Kind)
		values = append(values, ev.Result.Payload)
	}
	ev, err := ipc.ReadFrame[ipc.WorkerEvent](rig.resR)
	require.NoError(t, err)
	assert.Equal(t, types.KindStreamEnd, ev.Result.Kind)
	assert.Equal(t, []any{3, 2, 1}, values)
}

func TestCommandLoopCooperativeCancelMidStream(t *testing.T) {
	reg := registry.New()
	started := make(chan struct{})
	reg.Callables.RegisterStreaming("slow", func(ctx context.Context, args []any, emit registry.Emit) error {
		close(started)
		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
			if IsCancelled(ctx) {
				return ctx.Err()
			}
			if err := emit(i); err != nil {
				return err
			}
		}
	})
	rig := newTestRig(t, reg)

	go rig.w.notificationLoop()
	go rig.w.commandLoop()

	require.NoError(t, ipc.WriteFrame(rig.cmdW, ipc.CommandFrame{
		Submission: types.Submission{ID: 7, Callable: "slow", Streaming: true},
	}))
	<-started

	require.NoError(t, ipc.WriteFrame(rig.notifW, types.Notification{
		Name:    types.NotifyCancel,
		Payload: types.CancelPayload{SubmissionID: 7},
	}))

	// Drain stream values until the terminal frame arrives.
	for {
		ev, err := ipc.ReadFrame[ipc.WorkerEvent](rig.resR)
		require.NoError(t, err)
		if ev.Result.Kind == types.KindStreamValue {
			continue
		}
		assert.Equal(t, types.KindCancelled, ev.Result.Kind)
		break
	}
}

func TestHandleNotificationCustomHandlerInvoked(t *testing.T) {
	reg := registry.New()
	received := make(chan any, 1)
	reg.AddCustomNotification("reload_config", func(payload any) error {
		received <- payload
		return nil
	})
	rig := newTestRig(t, reg)

	rig.w.handleNotification(types.Notification{Name: "reload_config", Payload: "new-config"})

	select {
	case p := <-received:
		assert.Equal(t, "new-config", p)
	case <-time.After(time.Second):
		t.Fatal("custom handler was never invoked")
	}
}

func TestHandleNotificationUpdatesLogLevel(t *testing.T) {
	rig := newTestRig(t, registry.New())

	rig.w.handleNotification(types.Notification{Name: types.NotifyUpdateLogLevel, Payload: slog.LevelDebug})
	assert.Equal(t, slog.LevelDebug, rig.w.levelVar.Level())
}

func TestHandleNotificationRecoversHandlerPanic(t *testing.T) {
	reg := registry.New()
	reg.AddCustomNotification("panics", func(payload any) error {
		panic("boom")
	})
	rig := newTestRig(t, reg)

	assert.NotPanics(t, func() {
		rig.w.handleNotification(types.Notification{Name: "panics"})
	})
}
