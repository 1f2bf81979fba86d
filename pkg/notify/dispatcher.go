// Package notify delivers billing notifications outside the webhook path.
//
// The Dispatcher implements billing.Notifier with a bounded queue drained by
// a fixed set of workers, so a reconciler never waits on delivery. When the
// queue is full the notification is dropped and logged.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mihaimyh/quizgate/pkg/billing"
	"github.com/mihaimyh/quizgate/pkg/entitlement"
)

const (
	DefaultWorkers     = 2
	DefaultQueueSize   = 256
	DefaultSendTimeout = 10 * time.Second
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("notification dispatcher closed")

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, n billing.Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n billing.Notification) error

func (f SenderFunc) Send(ctx context.Context, n billing.Notification) error { return f(ctx, n) }

// Config configures a Dispatcher.
type Config struct {
	// Sender performs delivery (required)
	Sender Sender

	// Workers is the number of concurrent senders (default: 2)
	Workers int

	// QueueSize bounds pending notifications (default: 256)
	QueueSize int

	// SendTimeout bounds one delivery attempt (default: 10s)
	SendTimeout time.Duration

	// Logger is used for structured logging (default: NoopLogger)
	Logger entitlement.Logger
}

// Dispatcher queues notifications and delivers them in the background.
type Dispatcher struct {
	sender  Sender
	queue   chan billing.Notification
	workers int
	timeout time.Duration
	logger  entitlement.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

var _ billing.Notifier = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher. Call Start before notifications are
// expected to leave the process.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Sender == nil {
		return nil, &entitlement.ValidationError{Field: "sender", Reason: "required"}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = &entitlement.NoopLogger{}
	}
	return &Dispatcher{
		sender:  cfg.Sender,
		queue:   make(chan billing.Notification, cfg.QueueSize),
		workers: cfg.Workers,
		timeout: cfg.SendTimeout,
		logger:  cfg.Logger,
	}, nil
}

// Start launches the workers. Calling it twice is a no-op.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.started {
		return nil
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return nil
}

// Notify enqueues n without blocking.
func (d *Dispatcher) Notify(_ context.Context, n billing.Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Warn("dropping notification after close",
			entitlement.Field{Key: "kind", Value: string(n.Kind)},
			entitlement.Field{Key: "userId", Value: n.UserID},
		)
		return
	}
	select {
	case d.queue <- n:
	default:
		d.logger.Warn("notification queue full, dropping",
			entitlement.Field{Key: "kind", Value: string(n.Kind)},
			entitlement.Field{Key: "userId", Value: n.UserID},
			entitlement.Field{Key: "subscriptionId", Value: n.SubscriptionID},
		)
	}
}

// Close stops accepting notifications and waits for queued ones to drain
// or for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n billing.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.sender.Send(ctx, n); err != nil {
		d.logger.Error("notification delivery failed",
			entitlement.Field{Key: "kind", Value: string(n.Kind)},
			entitlement.Field{Key: "userId", Value: n.UserID},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
		return
	}
	d.logger.Debug("notification delivered",
		entitlement.Field{Key: "kind", Value: string(n.Kind)},
		entitlement.Field{Key: "userId", Value: n.UserID},
	)
}
