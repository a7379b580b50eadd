package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultMaxInFlight    = 1024
	defaultHandlerTimeout = 15 * time.Second
)

type Event interface {
	Name() string
}

type Handler func(ctx context.Context, e Event) error

// Bus is an in-memory event bus. Handlers run asynchronously; a
// publisher only blocks when the in-flight limit is reached.
type Bus struct {
	inflight chan struct{}
	wg       sync.WaitGroup

	mu   sync.RWMutex
	subs map[string][]Handler
}

// NewBus creates a bus. Call Stop on shutdown to drain handlers.
func NewBus() *Bus {
	return &Bus{
		inflight: make(chan struct{}, defaultMaxInFlight),
		subs:     make(map[string][]Handler),
	}
}

// Subscribe registers h for every published event with that name.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	b.subs[name] = append(b.subs[name], h)
	b.mu.Unlock()
}

// Publish dispatches e to all subscribed handlers. Handler errors and
// panics are logged, never propagated to the publisher.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	handlers := b.subs[e.Name()]
	b.mu.RUnlock()

	for _, h := range handlers {
		b.wg.Add(1)
		b.inflight <- struct{}{}

		h := h
		go func() {
			// Detach from the request context: the request may finish
			// before the handler does.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultHandlerTimeout)
			defer func() {
				if r := recover(); r != nil {
					slog.ErrorContext(ctx, "event: handler panic",
						"event", e.Name(),
						"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
					)
				}

				cancel()
				<-b.inflight
				b.wg.Done()
			}()

			if err := h(ctx, e); err != nil {
				slog.ErrorContext(ctx, "event: handle event failed",
					"event", e.Name(),
					"error", err,
				)
			}
		}()
	}
}

// Stop waits for all in-flight handlers to finish.
func (b *Bus) Stop() {
	b.wg.Wait()
}
