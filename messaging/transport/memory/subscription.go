package memory

import (
	"context"
	"fmt"

	"sagaflow/messaging"
)

// Subscribe registers handler for opts.Endpoint, spinning up opts.Concurrency
// workers (at least 1). Subscribing twice to the same endpoint is an error —
// the transport only routes to a single handler per endpoint; fan-out is the
// bus's job.
func (t *Transport) Subscribe(ctx context.Context, opts messaging.SubscribeOptions, handler messaging.Handler) error {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	t.mu.Lock()
	if _, exists := t.endpoints[opts.Endpoint]; exists {
		t.mu.Unlock()
		return fmt.Errorf("memory transport: endpoint %q already subscribed", opts.Endpoint)
	}

	eq := &endpointQueue{
		queue:       make(chan *messaging.Envelope, t.queueSize),
		handler:     handler,
		concurrency: concurrency,
		stopCh:      make(chan struct{}),
	}
	t.endpoints[opts.Endpoint] = eq
	running := t.running
	t.mu.Unlock()

	if running {
		t.startWorkers(ctx, opts.Endpoint, eq)
	}
	return nil
}
