// Package sync provides a synchronous messaging.Transport: Publish calls the
// subscribed handler inline, in the caller's goroutine, optionally after
// blocking for opts.DelayMs. Useful for deterministic tests that want to
// assert on a handler's effect without a goroutine race.
package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sagaflow/messaging"
)

// Transport is a synchronous, single-process messaging.Transport.
type Transport struct {
	mu       sync.RWMutex
	handlers map[string]messaging.Handler
	running  bool

	published int64
	delivered int64
}

// New constructs a Transport.
func New() *Transport {
	return &Transport{handlers: make(map[string]messaging.Handler)}
}

func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("sync transport: already running")
	}
	t.running = true
	return nil
}

func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return fmt.Errorf("sync transport: not running")
	}
	t.running = false
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, opts messaging.SubscribeOptions, handler messaging.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.handlers[opts.Endpoint]; exists {
		return fmt.Errorf("sync transport: endpoint %q already subscribed", opts.Endpoint)
	}
	t.handlers[opts.Endpoint] = handler
	return nil
}

// Publish runs the endpoint's handler inline and returns its error directly —
// the one transport where a handler failure propagates straight back to the
// publisher, since there is no async dispatch to hide it behind.
func (t *Transport) Publish(ctx context.Context, env *messaging.Envelope, opts messaging.PublishOptions) error {
	t.mu.RLock()
	running := t.running
	handler := t.handlers[opts.Endpoint]
	t.mu.RUnlock()

	if !running {
		return fmt.Errorf("sync transport: not running")
	}

	for k, v := range opts.Headers {
		env = env.WithHeader(k, v)
	}

	if opts.DelayMs > 0 {
		select {
		case <-time.After(time.Duration(opts.DelayMs) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	atomic.AddInt64(&t.published, 1)
	if handler == nil {
		return nil
	}
	if err := handler(ctx, env); err != nil {
		return err
	}
	atomic.AddInt64(&t.delivered, 1)
	return nil
}

func (t *Transport) Stats() messaging.TransportStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	endpoints := make([]string, 0, len(t.handlers))
	for ep := range t.handlers {
		endpoints = append(endpoints, ep)
	}

	return messaging.TransportStats{
		Running:   t.running,
		Endpoints: endpoints,
		Published: atomic.LoadInt64(&t.published),
		Delivered: atomic.LoadInt64(&t.delivered),
	}
}
