package future

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briarworks/offloadpool/pkg/types"
)

func TestNewFutureStartsPending(t *testing.T) {
	f := New(1)
	assert.Equal(t, types.SubmissionID(1), f.ID())
	assert.Equal(t, types.Pending, f.State())
}

func TestMarkRunningTransitionsOnlyFromPending(t *testing.T) {
	f := New(1)
	f.MarkRunning()
	assert.Equal(t, types.RunningState, f.State())

	f.Complete("value")
	f.MarkRunning() // no-op once terminal
	assert.Equal(t, types.Done, f.State())
}

func TestCancelBeforePickupSticks(t *testing.T) {
	f := New(1)
	f.Cancel()
	assert.Equal(t, types.Cancelled, f.State())

	// A late MarkRunning must not override a settled future.
	f.MarkRunning()
	assert.Equal(t, types.Cancelled, f.State())

	_, err := f.Wait()
	require.Error(t, err)
	var cancelled *types.CancelledError
	assert.ErrorAs(t, err, &cancelled)
}

func TestCompleteSettlesValue(t *testing.T) {
	f := New(1)
	f.MarkRunning()
	f.Complete(42)

	v, err := f.Wait()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, types.Done, f.State())
}

func TestFailSettlesError(t *testing.T) {
	f := New(1)
	wantErr := &types.WorkError{Kind: types.UserFailure, Message: "boom"}
	f.Fail(wantErr)

	_, err := f.Wait()
	require.Error(t, err)
	assert.Equal(t, types.Failed, f.State())
}

func TestCompleteIsIdempotent(t *testing.T) {
	f := New(1)
	f.Complete("first")
	f.Complete("second")
	f.Fail(&types.WorkError{Message: "ignored"})

	v, err := f.Wait()
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func TestWaitContextTimesOut(t *testing.T) {
	f := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.WaitContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitContextReturnsOnSettle(t *testing.T) {
	f := New(1)
	go func() {
		time.Sleep(5 * time.Millisecond)
		f.Complete("done")
	}()

	v, err := f.WaitContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestDoneChannelClosesOnSettle(t *testing.T) {
	f := New(1)
	select {
	case <-f.Done():
		t.Fatal("future must not be done before settling")
	default:
	}
	f.Complete(nil)
	<-f.Done() // must not block
}
