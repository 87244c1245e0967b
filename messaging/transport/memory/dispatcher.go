package memory

import (
	"context"
	"sync/atomic"

	"sagaflow/logging"
	"sagaflow/messaging"
)

// dispatch invokes the endpoint's handler for env. Errors are logged but not
// retried here — retry/DLQ policy lives above the transport, in the bus.
func (t *Transport) dispatch(ctx context.Context, endpoint string, eq *endpointQueue, env *messaging.Envelope) {
	if err := eq.handler(ctx, env); err != nil {
		t.logger.Warn(ctx, "message handler failed",
			logging.String("endpoint", endpoint),
			logging.String("envelopeId", env.ID),
			logging.Error(err))
		return
	}
	atomic.AddInt64(&t.delivered, 1)
}
