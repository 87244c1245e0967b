package memory

import (
	"context"
	"fmt"
)

// Start marks the transport running and spins up workers for every endpoint
// subscribed so far. Endpoints subscribed after Start get their workers
// started immediately by Subscribe.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("memory transport: already running")
	}
	t.running = true
	endpoints := make(map[string]*endpointQueue, len(t.endpoints))
	for name, eq := range t.endpoints {
		endpoints[name] = eq
	}
	t.mu.Unlock()

	for name, eq := range endpoints {
		t.startWorkers(ctx, name, eq)
	}
	return nil
}

// Stop signals every endpoint's workers to exit and waits for them, and for
// any delayed publish still waiting on its timer, to finish (or for ctx to
// be done). The endpoint queues themselves are not closed.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return fmt.Errorf("memory transport: not running")
	}
	t.running = false
	for _, eq := range t.endpoints {
		close(eq.stopCh)
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) startWorkers(ctx context.Context, endpoint string, eq *endpointQueue) {
	for i := 0; i < eq.concurrency; i++ {
		t.wg.Add(1)
		go t.worker(ctx, endpoint, eq)
	}
}

func (t *Transport) worker(ctx context.Context, endpoint string, eq *endpointQueue) {
	defer t.wg.Done()

	for {
		select {
		case env, ok := <-eq.queue:
			if !ok {
				return
			}
			t.dispatch(ctx, endpoint, eq, env)
		case <-eq.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
