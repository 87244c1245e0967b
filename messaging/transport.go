package messaging

import "context"

// PublishOptions carries the per-publish routing hints of spec §4.5: the
// endpoint to publish to, optional extra headers, a delay before the
// envelope becomes visible to subscribers, and a partition key transports
// may use for best-effort ordering.
type PublishOptions struct {
	Endpoint     string
	Headers      map[string]string
	DelayMs      int64
	PartitionKey string
}

// SubscribeOptions carries the per-subscription concurrency the Bus wants a
// transport to honor.
type SubscribeOptions struct {
	Endpoint    string
	Concurrency int
}

// Handler is the callback a Transport delivers envelopes to. Returning an
// error signals the delivery failed; at-least-once transports use this to
// decide on redelivery.
type Handler func(ctx context.Context, env *Envelope) error

// Transport is the pluggable delivery contract every broker adapter
// implements: subscribe/publish with delayed delivery, headers, and
// partition key (spec §4.5).
//
// Semantics: Publish's error return represents only a transport-layer
// failure (connection down, not started, queue full). It does not surface
// handler errors for asynchronous transports — those are reported to the
// handler's own return value, observed by whatever dispatches the
// subscription (the Bus). A synchronous transport (see transport/sync) may
// run handlers inline and so can legitimately return a handler's error from
// Publish; callers should treat this as an implementation detail, not a
// behavior to depend on.
type Transport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Subscribe registers handler for all envelopes delivered to
	// opts.Endpoint. Fan-out to multiple handlers per endpoint is the Bus's
	// responsibility (spec §4.5); a given (transport, endpoint) pair is
	// subscribed to once.
	Subscribe(ctx context.Context, opts SubscribeOptions, handler Handler) error

	// Publish delivers env to opts.Endpoint at-least-once. If opts.DelayMs
	// is positive, delivery is deferred by at least that many milliseconds.
	Publish(ctx context.Context, env *Envelope, opts PublishOptions) error

	Stats() TransportStats
}

// TransportStats reports point-in-time operational counters; fields that
// don't apply to a given implementation are left at zero.
type TransportStats struct {
	Running      bool     `json:"running"`
	Endpoints    []string `json:"endpoints"`
	QueueDepth   int      `json:"queueDepth,omitempty"`
	WorkerCount  int      `json:"workerCount,omitempty"`
	Published    int64    `json:"published,omitempty"`
	Delivered    int64    `json:"delivered,omitempty"`
}
