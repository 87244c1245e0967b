// Package memory provides an in-memory messaging.Transport, grounded on the
// worker-pool-per-queue pattern: one buffered channel and a fixed worker
// count per endpoint, consumed concurrently and torn down on Stop.
// Suitable for single-process deployments and the bus's own tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sagaflow/logging"
	"sagaflow/messaging"
)

type endpointQueue struct {
	queue       chan *messaging.Envelope
	handler     messaging.Handler
	concurrency int
	stopCh      chan struct{}
}

// Transport is an in-memory messaging.Transport. Delayed publishes are
// emulated with a plain timer goroutine since there is no broker to defer to.
type Transport struct {
	mu        sync.RWMutex
	endpoints map[string]*endpointQueue
	queueSize int
	running   bool
	wg        sync.WaitGroup
	logger    logging.Logger

	published int64
	delivered int64
}

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithLogger overrides the default NoopLogger.
func WithLogger(l logging.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithQueueSize overrides the default per-endpoint buffer size of 1000.
func WithQueueSize(size int) Option {
	return func(t *Transport) {
		if size > 0 {
			t.queueSize = size
		}
	}
}

// New constructs an in-memory Transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		endpoints: make(map[string]*endpointQueue),
		queueSize: 1000,
		logger:    logging.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Publish(ctx context.Context, env *messaging.Envelope, opts messaging.PublishOptions) error {
	t.mu.RLock()
	running := t.running
	eq := t.endpoints[opts.Endpoint]
	t.mu.RUnlock()

	if !running {
		return fmt.Errorf("memory transport: not running")
	}

	for k, v := range opts.Headers {
		env = env.WithHeader(k, v)
	}

	atomic.AddInt64(&t.published, 1)

	enqueue := func() error {
		if eq == nil {
			// No subscriber registered yet for this endpoint; the envelope
			// is dropped rather than buffered blind, mirroring at-least-once
			// transports that require a subscription to exist first.
			return nil
		}
		select {
		case eq.queue <- env:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
			return fmt.Errorf("memory transport: queue full for endpoint %q", opts.Endpoint)
		}
	}

	if opts.DelayMs > 0 {
		delay := time.Duration(opts.DelayMs) * time.Millisecond
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
				t.mu.RLock()
				eq := t.endpoints[opts.Endpoint]
				t.mu.RUnlock()
				if eq == nil {
					return
				}
				select {
				case eq.queue <- env:
				case <-ctx.Done():
				}
			case <-ctx.Done():
			}
		}()
		return nil
	}

	return enqueue()
}

func (t *Transport) Stats() messaging.TransportStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	endpoints := make([]string, 0, len(t.endpoints))
	depth := 0
	workers := 0
	for name, eq := range t.endpoints {
		endpoints = append(endpoints, name)
		depth += len(eq.queue)
		workers += eq.concurrency
	}

	return messaging.TransportStats{
		Running:     t.running,
		Endpoints:   endpoints,
		QueueDepth:  depth,
		WorkerCount: workers,
		Published:   atomic.LoadInt64(&t.published),
		Delivered:   atomic.LoadInt64(&t.delivered),
	}
}
