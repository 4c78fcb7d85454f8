package notify

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/errors"
	"codeberg.org/mutker/bitaxectl/internal/logger"
	"codeberg.org/mutker/bitaxectl/internal/scheduler"
	"codeberg.org/mutker/bitaxectl/internal/telemetry"
)

// Dispatcher delivers messages to every notifier from a background
// goroutine so a slow destination never stalls the poll loop. When the
// queue is full new messages are dropped.
type Dispatcher struct {
	scheduler.BaseObserver

	logger    logger.Logger
	notifiers []Notifier
	timeout   time.Duration

	mu     sync.Mutex
	queue  chan Message
	closed bool
	done   chan struct{}

	// Owned by the scheduler goroutine that calls OnSnapshot.
	halted bool
}

func NewDispatcher(cfg Config, log logger.Logger, notifiers ...Notifier) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Dispatcher{
		logger:    log,
		notifiers: notifiers,
		timeout:   cfg.Timeout,
		queue:     make(chan Message, cfg.QueueSize),
		done:      make(chan struct{}),
	}
	go d.run()

	return d, nil
}

// OnAlert implements scheduler.Observer.
func (d *Dispatcher) OnAlert(alert telemetry.AlertEvent) {
	if err := d.Send(FromAlert(alert)); err != nil {
		d.logger.Warn().
			Str("kind", string(alert.Kind)).
			Str("error_code", string(errors.CodeOf(err))).
			Msg("Notification dropped")
	}
}

// OnAction implements scheduler.Observer. Only outcomes a user would act
// on are sent.
func (d *Dispatcher) OnAction(action telemetry.OptimizationAction) {
	if !Notable(action) {
		return
	}
	if err := d.Send(FromAction(action)); err != nil {
		d.logger.Warn().
			Str("outcome", string(action.Outcome)).
			Str("error_code", string(errors.CodeOf(err))).
			Msg("Notification dropped")
	}
}

// OnSnapshot implements scheduler.Observer. It announces the optimizer
// entering the halted state once per halt.
func (d *Dispatcher) OnSnapshot(snap scheduler.Snapshot) {
	halted := snap.Optimizer.Mode == telemetry.ModeHalted
	if halted == d.halted {
		return
	}
	d.halted = halted
	if !halted {
		return
	}

	if err := d.Send(Halted(snap.Optimizer, snap.Timestamp)); err != nil {
		d.logger.Warn().
			Str("reason", snap.Optimizer.HaltReason).
			Str("error_code", string(errors.CodeOf(err))).
			Msg("Notification dropped")
	}
}

// Send queues msg without blocking.
func (d *Dispatcher) Send(msg Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errors.New().New(ErrClosed)
	}

	select {
	case d.queue <- msg:
		return nil
	default:
		return errors.New().New(ErrQueueFull)
	}
}

// Close stops accepting messages, delivers what is queued and waits.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for msg := range d.queue {
		for _, n := range d.notifiers {
			d.deliver(n, msg)
		}
	}
}

func (d *Dispatcher) deliver(n Notifier, msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := n.Notify(ctx, msg); err != nil {
		d.logger.Error().
			Err(err).
			Str("notifier", n.Name()).
			Str("title", msg.Title).
			Msg("Failed to deliver notification")
		return
	}

	d.logger.Debug().
		Str("notifier", n.Name()).
		Str("title", msg.Title).
		Msg("Notification delivered")
}
