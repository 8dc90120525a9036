// ABOUTME: Typed in-process publish/subscribe primitive with await-all delivery
// ABOUTME: Publish runs every subscriber concurrently and returns once all complete

package eventbus

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Handler receives one event.
type Handler[T any] func(ctx context.Context, event T) error

// BatchHandler receives an ordered batch of events in one call. Used for
// bulk delivery such as historical-message replay on assignment.
type BatchHandler[T any] func(ctx context.Context, events []T) error

// Observable is a named event category with zero or more subscribers.
// Subscription is registration-only: subscribers live as long as the
// process, so there is no unsubscribe.
//
// Publish completes only once every subscriber has completed, and fails if
// any subscriber fails. The bus provides no isolation; a subscriber wrapping
// a non-critical side channel should catch and log its own transient
// failures rather than let them propagate, since only it knows which of its
// failures are retryable.
type Observable[T any] struct {
	mu            sync.RWMutex
	handlers      []Handler[T]
	batchHandlers []BatchHandler[T]
}

// NewObservable creates an observable with no subscribers.
func NewObservable[T any]() *Observable[T] {
	return &Observable[T]{}
}

// Subscribe registers a per-event handler.
func (o *Observable[T]) Subscribe(h Handler[T]) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers = append(o.handlers, h)
}

// SubscribeBatch registers a batch handler. It receives singleton batches
// from Publish and full batches from PublishBatch.
func (o *Observable[T]) SubscribeBatch(h BatchHandler[T]) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batchHandlers = append(o.batchHandlers, h)
}

// Publish delivers the event to every subscriber concurrently and waits for
// all of them. Returns the first subscriber error; the remaining subscribers
// still run to completion. No ordering guarantee exists between subscribers.
func (o *Observable[T]) Publish(ctx context.Context, event T) error {
	handlers, batchHandlers := o.snapshot()

	var g errgroup.Group
	for _, h := range handlers {
		h := h
		g.Go(func() error { return h(ctx, event) })
	}
	for _, h := range batchHandlers {
		h := h
		g.Go(func() error { return h(ctx, []T{event}) })
	}
	return g.Wait()
}

// PublishBatch delivers an ordered sequence: per-event handlers see each
// event individually, batch handlers receive the whole slice in one call.
func (o *Observable[T]) PublishBatch(ctx context.Context, events []T) error {
	if len(events) == 0 {
		return nil
	}
	handlers, batchHandlers := o.snapshot()

	var g errgroup.Group
	for _, h := range handlers {
		h := h
		g.Go(func() error {
			for _, event := range events {
				if err := h(ctx, event); err != nil {
					return err
				}
			}
			return nil
		})
	}
	for _, h := range batchHandlers {
		h := h
		g.Go(func() error { return h(ctx, events) })
	}
	return g.Wait()
}

func (o *Observable[T]) snapshot() ([]Handler[T], []BatchHandler[T]) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	handlers := make([]Handler[T], len(o.handlers))
	copy(handlers, o.handlers)
	batchHandlers := make([]BatchHandler[T], len(o.batchHandlers))
	copy(batchHandlers, o.batchHandlers)
	return handlers, batchHandlers
}
