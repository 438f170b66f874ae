package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dcaud/dcaud/internal/observe"
)

const (
	defaultQueueSize = 64
	defaultTimeout   = 5 * time.Second
)

// DispatcherOption configures a [Dispatcher].
type DispatcherOption func(*Dispatcher)

// WithQueueSize sets the queue capacity. Updates arriving while the queue is
// full are dropped. Default: 64.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// WithTimeout bounds each sink delivery. Default: 5s.
func WithTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithMetrics records delivery outcomes on m.
func WithMetrics(m *observe.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher is an ordered asynchronous fan-out. [Dispatcher.Report] never
// blocks; one worker delivers queued updates to every sink in FIFO order.
type Dispatcher struct {
	sinks     []Notifier
	queueSize int
	timeout   time.Duration
	metrics   *observe.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan Update
	done   chan struct{}
}

// NewDispatcher starts a dispatcher delivering to sinks.
func NewDispatcher(sinks []Notifier, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sinks:     sinks,
		queueSize: defaultQueueSize,
		timeout:   defaultTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	d.queue = make(chan Update, d.queueSize)
	d.done = make(chan struct{})
	go d.run()
	return d
}

// Report enqueues u. When the queue is full or the dispatcher is closed the
// update is dropped with a warning.
func (d *Dispatcher) Report(u Update) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		slog.Warn("notify: update after close dropped",
			"username", u.Username,
			"speaking", u.Speaking,
		)
		return
	}
	select {
	case d.queue <- u:
	default:
		slog.Warn("notify: queue full, update dropped",
			"username", u.Username,
			"speaking", u.Speaking,
			"queue_size", d.queueSize,
		)
		if d.metrics != nil {
			d.metrics.NotificationsDropped.Add(context.Background(), 1)
		}
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for u := range d.queue {
		d.deliver(u)
	}
}

func (d *Dispatcher) deliver(u Update) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := s.Notify(ctx, u)
		cancel()
		if d.metrics != nil {
			d.metrics.RecordNotification(context.Background(), s.Name(), err)
		}
		if err != nil {
			slog.Warn("notify: delivery failed",
				"sink", s.Name(),
				"username", u.Username,
				"speaking", u.Speaking,
				"err", err,
			)
		}
	}
}

// Close stops accepting updates and waits until the queued ones have been
// delivered or ctx is done. Calling Close more than once is safe.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrDelivery, ctx.Err())
	}
}
