package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultHandlerTimeout = 30 * time.Second
	defaultShutdownGrace  = 5 * time.Second
)

var ErrBusClosed = errors.New("bus is closed")

type subscription struct {
	name    string
	handler Handler

	dispatched atomic.Uint64
	failures   atomic.Uint64
	timeouts   atomic.Uint64
}

// Bus delivers every published event to all registered subscribers of its
// type, each in its own goroutine bounded by the handler timeout. Publish
// blocks until every delivery has finished or timed out, so events published
// in sequence by one publisher reach each subscriber in publish order. No
// relative order is guaranteed across subscribers.
type Bus struct {
	logger *zap.Logger

	handlerTimeout time.Duration
	shutdownGrace  time.Duration

	mu          sync.RWMutex
	subscribers map[EventType][]*subscription

	closed   atomic.Bool
	stopping chan struct{}
	inflight sync.WaitGroup

	published atomic.Uint64
	dropped   atomic.Uint64
}

type Option func(*Bus)

func WithHandlerTimeout(timeout time.Duration) Option {
	return func(b *Bus) {
		b.handlerTimeout = timeout
	}
}

func WithShutdownGrace(grace time.Duration) Option {
	return func(b *Bus) {
		b.shutdownGrace = grace
	}
}

func NewBus(logger *zap.Logger, options ...Option) *Bus {
	b := &Bus{
		logger:         logger,
		handlerTimeout: defaultHandlerTimeout,
		shutdownGrace:  defaultShutdownGrace,
		subscribers:    make(map[EventType][]*subscription),
		stopping:       make(chan struct{}),
	}

	for _, option := range options {
		option(b)
	}

	return b
}

// Subscribe registers a named handler for an event type. Re-registering the
// same name replaces the previous handler and keeps its statistics.
func (b *Bus) Subscribe(eventType EventType, name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscribers[eventType] {
		if sub.name == name {
			sub.handler = handler
			return
		}
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], &subscription{
		name:    name,
		handler: handler,
	})
}

func (b *Bus) Unsubscribe(eventType EventType, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	for idx, sub := range subs {
		if sub.name == name {
			b.subscribers[eventType] = append(subs[:idx], subs[idx+1:]...)
			return
		}
	}
}

// Publish delivers the event to every subscriber of its type concurrently and
// returns once all deliveries have completed or hit the handler timeout.
// Handler errors, panics and timeouts are absorbed, a publisher never fails
// because of a subscriber.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if b.closed.Load() {
		b.dropped.Add(1)
		return ErrBusClosed
	}

	// Handler values are captured under the lock: a concurrent re-Subscribe
	// swaps sub.handler, in-flight deliveries keep the one they saw here.
	type delivery struct {
		sub     *subscription
		handler Handler
	}
	b.mu.RLock()
	deliveries := make([]delivery, 0, len(b.subscribers[event.Type]))
	for _, sub := range b.subscribers[event.Type] {
		deliveries = append(deliveries, delivery{sub: sub, handler: sub.handler})
	}
	b.mu.RUnlock()

	b.published.Add(1)

	var wg sync.WaitGroup
	for _, d := range deliveries {
		wg.Add(1)
		b.inflight.Add(1)
		go func(d delivery) {
			defer wg.Done()
			defer b.inflight.Done()
			b.deliver(ctx, d.sub, d.handler, event)
		}(d)
	}
	wg.Wait()

	return nil
}

func (b *Bus) deliver(ctx context.Context, sub *subscription, handler Handler, event Event) {
	sub.dispatched.Add(1)

	handlerCtx, cancel := context.WithTimeout(ctx, b.handlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- handler(handlerCtx, event)
	}()

	select {
	case err := <-done:
		if err != nil {
			sub.failures.Add(1)
			b.logger.Warn("handler failed",
				zap.String("handler", sub.name),
				zap.Stringer("event_type", event.Type),
				zap.String("event_id", event.ID.String()),
				zap.Error(err))
		}
	case <-handlerCtx.Done():
		sub.timeouts.Add(1)
		b.logger.Warn("handler timed out",
			zap.String("handler", sub.name),
			zap.Stringer("event_type", event.Type),
			zap.String("event_id", event.ID.String()),
			zap.Duration("timeout", b.handlerTimeout))
	case <-b.stopping:
		sub.timeouts.Add(1)
		b.logger.Warn("handler cancelled on shutdown",
			zap.String("handler", sub.name),
			zap.Stringer("event_type", event.Type),
			zap.String("event_id", event.ID.String()))
	}
}

// Close rejects further publishes, waits up to the shutdown grace for
// in-flight deliveries, then abandons stragglers.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(b.shutdownGrace):
		close(b.stopping)
		b.logger.Warn("shutdown grace elapsed, abandoning in-flight handlers",
			zap.Duration("grace", b.shutdownGrace))
	}
}
