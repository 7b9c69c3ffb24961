// Package eventdispatcher delivers pipeline events to registered handlers on a
// single goroutine, in the order they were posted.
package eventdispatcher

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/renderwatch/internal/domain/events"
	"github.com/ahrav/renderwatch/pkg/common/logger"
)

// Dispatcher queues events and fans each out to the handlers registered for
// its type. Post never blocks, so it is safe to call while holding locks that
// a handler may itself need.
//
// Typical usage:
//
//	d := eventdispatcher.New(tracer, logger)
//	d.RegisterHandler(ctx, events.ItemCompleted, onComplete)
//	d.Start(ctx)
//	d.Post(ctx, evt)
//	d.Close()
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[events.EventType][]events.HandlerFunc
	queue    []events.Event
	started  bool
	closed   bool

	wake chan struct{}
	done chan struct{}

	tracer trace.Tracer
	logger *logger.Logger
}

// New constructs a Dispatcher with no handlers. Start must be called for
// queued events to be delivered.
func New(tracer trace.Tracer, logger *logger.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[events.EventType][]events.HandlerFunc),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		tracer:   tracer,
		logger:   logger.With("component", "event_dispatcher"),
	}
}

// RegisterHandler adds a handler for eventType. Multiple handlers per type are
// invoked in registration order. This method is safe to call concurrently.
func (d *Dispatcher) RegisterHandler(ctx context.Context, eventType events.EventType, handler events.HandlerFunc) {
	if handler == nil {
		return
	}
	d.mu.Lock()
	d.handlers[eventType] = append(d.handlers[eventType], handler)
	d.mu.Unlock()
	d.logger.Debug(ctx, "handler registered", "event_type", eventType)
}

// Post enqueues evt. Events posted after Close are dropped.
func (d *Dispatcher) Post(ctx context.Context, evt events.Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Debug(ctx, "event dropped after close", "event_type", evt.Type)
		return
	}
	d.queue = append(d.queue, evt)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start launches the delivery goroutine. It runs until Close is called or ctx
// is done; events still queued at Close are delivered first. Calling Start
// more than once is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	go d.run(ctx)
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for {
		batch, closed := d.drain()
		for _, evt := range batch {
			d.deliver(ctx, evt)
		}
		if closed {
			return
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.closed = true
			d.mu.Unlock()
			return
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) drain() ([]events.Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	batch := d.queue
	d.queue = nil
	return batch, d.closed
}

func (d *Dispatcher) deliver(ctx context.Context, evt events.Event) {
	d.mu.Lock()
	handlers := append([]events.HandlerFunc(nil), d.handlers[evt.Type]...)
	d.mu.Unlock()
	if len(handlers) == 0 {
		return
	}

	ctx, span := d.tracer.Start(ctx, "event_dispatcher.deliver",
		trace.WithAttributes(
			attribute.String("event_type", evt.Type.String()),
			attribute.String("item_id", evt.ItemID.String()),
			attribute.Int("handlers", len(handlers)),
		))
	defer span.End()

	for _, h := range handlers {
		h(ctx, evt)
	}
}

// Close stops accepting events and waits until the queue is drained. It must
// not be called from a handler.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	started := d.started
	d.mu.Unlock()

	if !started {
		return
	}

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}
