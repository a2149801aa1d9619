package dispatcher

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/briarworks/offloadpool/pkg/types"
)

type fakeSink struct {
	mu  sync.Mutex
	got []types.Notification
}

func (s *fakeSink) SendNotification(n types.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return nil
}

func (s *fakeSink) received() []types.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Notification(nil), s.got...)
}

func TestNotificationDispatcherBroadcastReachesEveryWorker(t *testing.T) {
	d := NewNotificationDispatcher(slog.Default())
	defer d.Stop()

	a, b := &fakeSink{}, &fakeSink{}
	d.AddWorker(0, a)
	d.AddWorker(1, b)

	d.Broadcast(types.Notification{Name: types.NotifyUpdateStateValue})

	waitFor(t, func() bool { return len(a.received()) == 1 && len(b.received()) == 1 })
}

func TestNotificationDispatcherSendReachesOnlyOneWorker(t *testing.T) {
	d := NewNotificationDispatcher(slog.Default())
	defer d.Stop()

	a, b := &fakeSink{}, &fakeSink{}
	d.AddWorker(0, a)
	d.AddWorker(1, b)

	d.Send(0, types.Notification{Name: types.NotifyCancel})

	waitFor(t, func() bool { return len(a.received()) == 1 })
	assert.Empty(t, b.received())
}

func TestNotificationDispatcherRemoveWorkerStopsDelivery(t *testing.T) {
	d := NewNotificationDispatcher(slog.Default())
	defer d.Stop()

	a := &fakeSink{}
	d.AddWorker(0, a)
	d.RemoveWorker(0)

	// Sent after removal; must be silently dropped, not delivered or panic.
	d.Send(0, types.Notification{Name: types.NotifyCancel})
	assert.Empty(t, a.received())
}

func TestNotificationDispatcherStopIsIdempotent(t *testing.T) {
	d := NewNotificationDispatcher(slog.Default())
	d.AddWorker(0, &fakeSink{})
	d.Stop()
	d.Stop()
}
