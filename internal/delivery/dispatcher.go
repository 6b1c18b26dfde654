// Package delivery applies accepted messages to the mailbox store in the
// background, so a session can acknowledge a message without waiting on
// storage.
//
// Tasks are spread over a fixed number of lanes. Each lane is a bounded FIFO
// drained by one goroutine, and a recipient always hashes to the same lane,
// so messages for one recipient are stored in the order they were enqueued.
// A full lane blocks Enqueue.
package delivery

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/shineum/smtp-mailbox-lite/internal/metrics"
	"github.com/shineum/smtp-mailbox-lite/internal/notify"
)

const (
	// DefaultWorkers is the number of lanes used when Config.Workers is unset.
	DefaultWorkers = 4

	// DefaultQueueSize is the per-lane capacity used when Config.QueueSize is unset.
	DefaultQueueSize = 1024

	// notifyTimeout bounds a single notification attempt chain.
	notifyTimeout = 30 * time.Second
)

// ErrClosed is returned by Enqueue and Sync after Close has been called.
var ErrClosed = errors.New("delivery: dispatcher closed")

// Task is one message waiting to be appended to a recipient's mailbox.
type Task struct {
	Recipient string
	Sender    string

	// Message is the stored form, already sealed.
	Message string
}

// Appender is the mailbox operation the dispatcher needs.
type Appender interface {
	Append(ctx context.Context, recipient, message string) (created bool, err error)
}

// Config holds the dispatcher settings.
type Config struct {
	Workers   int
	QueueSize int

	// Notifier is optional; when set it is told about every stored message.
	Notifier notify.Notifier

	Metrics *metrics.Metrics
}

// item is a lane entry: either a task or a barrier used by Sync.
type item struct {
	task    Task
	barrier chan struct{}
}

// Dispatcher owns the delivery lanes.
type Dispatcher struct {
	store    Appender
	notifier notify.Notifier
	metrics  *metrics.Metrics
	lanes    []chan item

	// mu guards closed; Enqueue holds it shared while sending so Close
	// cannot close a lane underneath a sender.
	mu     sync.RWMutex
	closed bool

	workers  sync.WaitGroup
	notifies sync.WaitGroup
}

// New starts a Dispatcher that appends tasks to store.
func New(store Appender, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	d := &Dispatcher{
		store:    store,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		lanes:    make([]chan item, cfg.Workers),
	}

	for i := range d.lanes {
		d.lanes[i] = make(chan item, cfg.QueueSize)
		d.workers.Add(1)
		go d.run(d.lanes[i])
	}
	return d
}

// Enqueue hands a task to its recipient's lane. It blocks while the lane is
// full and returns once the task is queued, not once it is stored.
func (d *Dispatcher) Enqueue(ctx context.Context, task Task) error {
	d.metrics.QueueDepth.Inc()
	if err := d.send(ctx, task.Recipient, item{task: task}); err != nil {
		d.metrics.QueueDepth.Dec()
		return err
	}
	return nil
}

// Sync waits until every task enqueued for recipient before the call has
// been applied to the store.
func (d *Dispatcher) Sync(ctx context.Context, recipient string) error {
	barrier := make(chan struct{})
	if err := d.send(ctx, recipient, item{barrier: barrier}); err != nil {
		return err
	}

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks, waits for every queued task to be applied,
// then waits for outstanding notifications. It is safe to call more than once.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, lane := range d.lanes {
		close(lane)
	}
	d.mu.Unlock()

	d.workers.Wait()
	d.notifies.Wait()
}

func (d *Dispatcher) send(ctx context.Context, recipient string, it item) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}

	select {
	case d.lanes[d.laneFor(recipient)] <- it:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) laneFor(recipient string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(recipient))
	return int(h.Sum32() % uint32(len(d.lanes)))
}

func (d *Dispatcher) run(lane <-chan item) {
	defer d.workers.Done()

	for it := range lane {
		if it.barrier != nil {
			close(it.barrier)
			continue
		}
		d.metrics.QueueDepth.Dec()
		d.apply(it.task)
	}
}

// apply stores one task. Failures are logged and the task is dropped: the
// client was already told the message was queued.
func (d *Dispatcher) apply(task Task) {
	created, err := d.store.Append(context.Background(), task.Recipient, task.Message)
	if err != nil {
		d.metrics.Deliveries.WithLabelValues("error").Inc()
		slog.Error("delivery failed",
			"recipient", task.Recipient,
			"sender", task.Sender,
			"error", err,
		)
		return
	}
	d.metrics.Deliveries.WithLabelValues("ok").Inc()

	slog.Debug("message delivered",
		"recipient", task.Recipient,
		"sender", task.Sender,
		"new_mailbox", created,
	)

	if d.notifier != nil {
		d.notify(notify.Notice{
			Recipient:    task.Recipient,
			Sender:       task.Sender,
			FirstMessage: created,
			DeliveredAt:  time.Now(),
		})
	}
}

// notify runs the notifier in its own goroutine. Close waits for it.
func (d *Dispatcher) notify(n notify.Notice) {
	d.notifies.Add(1)
	go func() {
		defer d.notifies.Done()

		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		if err := d.notifier.Notify(ctx, n); err != nil {
			slog.Warn("notification failed",
				"notifier", d.notifier.Name(),
				"recipient", n.Recipient,
				"error", err,
			)
		}
	}()
}
