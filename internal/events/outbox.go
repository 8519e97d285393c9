package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"konveksi/backend/internal/domain"
	"konveksi/backend/internal/metrics"
)

const (
	DefaultBuffer  = 256
	handlerTimeout = 10 * time.Second
)

// Handler consumes committed stockChanged events.
type Handler interface {
	HandleStockChanged(ctx context.Context, event domain.StockChangedEvent) error
}

type HandlerFunc func(ctx context.Context, event domain.StockChangedEvent) error

func (f HandlerFunc) HandleStockChanged(ctx context.Context, event domain.StockChangedEvent) error {
	return f(ctx, event)
}

type subscriber struct {
	name    string
	handler Handler
}

// Outbox decouples stockChanged delivery from the transaction that caused it.
// Publish never blocks the caller; a single worker delivers events in publish
// order to every subscriber and only logs their failures.
type Outbox struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	queue   chan domain.StockChangedEvent

	mu          sync.RWMutex
	subscribers []subscriber
	closed      bool
	pending     sync.WaitGroup

	startOnce sync.Once
	done      chan struct{}
}

func NewOutbox(logger *zap.Logger, buffer int, m *metrics.Metrics) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	return &Outbox{
		logger:  logger.Named("outbox"),
		metrics: m,
		queue:   make(chan domain.StockChangedEvent, buffer),
		done:    make(chan struct{}),
	}
}

func (o *Outbox) Subscribe(name string, handler Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subscribers = append(o.subscribers, subscriber{name: name, handler: handler})
}

// Publish enqueues the event. When the buffer is full the send is handed to a
// goroutine so the event is still delivered without stalling the caller.
func (o *Outbox) Publish(event domain.StockChangedEvent) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.closed {
		o.logger.Warn("outbox closed, stock event dropped", zap.String("event_id", event.ID), zap.Int("affected", len(event.Affected)))
		return
	}
	select {
	case o.queue <- event:
	default:
		o.pending.Add(1)
		go func() {
			defer o.pending.Done()
			o.queue <- event
		}()
	}
}

// Start launches the delivery worker. ctx is the base context handed to
// subscribers; it is not a stop signal, use Close for that.
func (o *Outbox) Start(ctx context.Context) {
	o.startOnce.Do(func() {
		go o.run(context.WithoutCancel(ctx))
	})
}

// Close stops accepting events and waits until everything already published
// has been delivered, or ctx ends.
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	// ensure queued events drain even if Start was never called
	o.Start(ctx)

	drained := make(chan struct{})
	go func() {
		o.pending.Wait()
		close(o.queue)
		<-o.done
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("outbox drain: %w", ctx.Err())
	}
}

func (o *Outbox) run(ctx context.Context) {
	defer close(o.done)
	for event := range o.queue {
		o.deliver(ctx, event)
	}
}

func (o *Outbox) deliver(ctx context.Context, event domain.StockChangedEvent) {
	o.mu.RLock()
	subs := append([]subscriber(nil), o.subscribers...)
	o.mu.RUnlock()

	for _, sub := range subs {
		err := o.invoke(ctx, sub, event)
		result := "ok"
		if err != nil {
			result = "error"
			o.logger.Warn("stock event handler failed",
				zap.String("subscriber", sub.name),
				zap.String("event_id", event.ID),
				zap.String("reason", event.Reason),
				zap.Error(err),
			)
		}
		if o.metrics != nil {
			o.metrics.EventsDelivered.WithLabelValues(result).Inc()
		}
	}
}

func (o *Outbox) invoke(ctx context.Context, sub subscriber, event domain.StockChangedEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()
	return sub.handler.HandleStockChanged(hctx, event)
}
