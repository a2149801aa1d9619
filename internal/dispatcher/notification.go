package dispatcher

import (
	"log/slog"
	"sync"

	"github.com/briarworks/offloadpool/pkg/types"
)

// NotificationSink is the subset of ipc.Proc the notification dispatcher
// writes to.
type NotificationSink interface {
	SendNotification(types.Notification) error
}

// NotificationDispatcher fans one notification out to every currently
// registered worker. Each worker gets its notifications in enqueue order;
// across workers there is no ordering. Per-worker sends happen on a
// per-worker queue of 64 entries so one slow worker's pipe can never block
// delivery to the others; a notification that finds a worker's queue full
// is logged and dropped for that worker — generalized from the teacher's
// dispatchLoop's "never let one slow consumer stall the batch" discipline.
type NotificationDispatcher struct {
	log *slog.Logger

	mu      sync.Mutex
	workers map[int]*workerQueue
}

type workerQueue struct {
	sink  NotificationSink
	ch    chan types.Notification
	done  chan struct{}
	once  sync.Once
}

// NewNotificationDispatcher constructs an empty notification dispatcher.
func NewNotificationDispatcher(log *slog.Logger) *NotificationDispatcher {
	return &NotificationDispatcher{log: log, workers: make(map[int]*workerQueue)}
}

// AddWorker registers sink under id so future Broadcast/Send calls reach it.
func (d *NotificationDispatcher) AddWorker(id int, sink NotificationSink) {
	d.mu.Lock()
	defer d.mu.Unlock()

	wq := &workerQueue{sink: sink, ch: make(chan types.Notification, 64), done: make(chan struct{})}
	d.workers[id] = wq
	go d.drain(id, wq)
}

func (d *NotificationDispatcher) drain(id int, wq *workerQueue) {
	for {
		select {
		case n := <-wq.ch:
			if err := wq.sink.SendNotification(n); err != nil {
				d.log.Warn("notification delivery failed", "worker_id", id, "name", n.Name, "error", err)
			}
		case <-wq.done:
			return
		}
	}
}

// RemoveWorker stops delivering to id (a dead or replaced worker).
func (d *NotificationDispatcher) RemoveWorker(id int) {
	d.mu.Lock()
	wq, ok := d.workers[id]
	delete(d.workers, id)
	d.mu.Unlock()
	if ok {
		wq.once.Do(func() { close(wq.done) })
	}
}

// Broadcast enqueues n for delivery to every currently registered worker.
func (d *NotificationDispatcher) Broadcast(n types.Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, wq := range d.workers {
		select {
		case wq.ch <- n:
		default:
			d.log.Warn("notification queue full, dropping", "worker_id", id, "name", n.Name)
		}
	}
}

// Send enqueues n for delivery to a single worker.
func (d *NotificationDispatcher) Send(id int, n types.Notification) {
	d.mu.Lock()
	wq, ok := d.workers[id]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case wq.ch <- n:
	default:
		d.log.Warn("notification queue full, dropping", "worker_id", id, "name", n.Name)
	}
}

// Stop halts every per-worker drain goroutine.
func (d *NotificationDispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, wq := range d.workers {
		wq.once.Do(func() { close(wq.done) })
	}
}
