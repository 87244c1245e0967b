package bus_test

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sagaflow/bus"
	sagaflowerrors "sagaflow/errors"
	"sagaflow/messaging"
	transportmemory "sagaflow/messaging/transport/memory"
	"sagaflow/retry"
	"sagaflow/saga"
	"sagaflow/store"
	storememory "sagaflow/store/memory"
)

// orderState is the minimal user state the test saga persists, mirroring
// spec §8 Scenario A's OrderSubmitted/PaymentCaptured walk.
type orderState struct {
	Status        string
	TransactionID string
}

func orderPayload(m map[string]any) (saga.Correlation, bool) {
	orderID, _ := m["orderId"].(string)
	if orderID == "" {
		return saga.Correlation{}, false
	}
	return saga.Correlation{CorrelationID: orderID, CanStart: m["canStart"] == true}, true
}

func buildOrderSaga(t *testing.T) *saga.Definition {
	t.Helper()
	def, err := saga.NewBuilder("order").
		WithCorrelation("OrderSubmitted", func(payload any) (saga.Correlation, bool) {
			p := payload.(map[string]any)
			p["canStart"] = true
			return orderPayload(p)
		}).
		WithCorrelation("PaymentCaptured", func(payload any) (saga.Correlation, bool) {
			return orderPayload(payload.(map[string]any))
		}).
		WithCorrelation("OrderShipped", func(payload any) (saga.Correlation, bool) {
			return orderPayload(payload.(map[string]any))
		}).
		WithCorrelation("SagaTimeoutExpired", func(payload any) (saga.Correlation, bool) {
			p, ok := payload.(messaging.TimeoutExpiredPayload)
			if !ok {
				return saga.Correlation{}, false
			}
			return saga.Correlation{CorrelationID: p.CorrelationID, CanStart: false}, true
		}).
		WithInitialState(func(payload any, ctx *saga.Context) (any, error) {
			if err := ctx.SetTimeout(60_000); err != nil {
				return nil, err
			}
			return &orderState{Status: "awaiting_payment"}, nil
		}).
		WithHandler("PaymentCaptured", func(payload any, state *saga.State, ctx *saga.Context) (saga.HandleResult, error) {
			p := payload.(map[string]any)
			return saga.HandleResult{NewState: &orderState{
				Status:        "paid",
				TransactionID: p["transactionId"].(string),
			}}, nil
		}).
		WithGuardedHandler("OrderShipped",
			func(state *saga.State) bool { return state.User.(*orderState).Status == "paid" },
			func(payload any, state *saga.State, ctx *saga.Context) (saga.HandleResult, error) {
				ctx.Complete()
				return saga.HandleResult{NewState: &orderState{
					Status:        "shipped",
					TransactionID: state.User.(*orderState).TransactionID,
				}}, nil
			}).
		WithGuardedHandler("SagaTimeoutExpired",
			func(state *saga.State) bool { return state.User.(*orderState).Status == "awaiting_payment" },
			func(payload any, state *saga.State, ctx *saga.Context) (saga.HandleResult, error) {
				ctx.Complete()
				return saga.HandleResult{NewState: &orderState{Status: "cancelled"}}, nil
			}).
		Build()
	if err != nil {
		t.Fatalf("build saga: %v", err)
	}
	return def
}

// recordingTransport wraps a real messaging.Transport and records every
// Publish call, so tests can assert on retry/DLQ/timeout envelopes without
// needing a broker-specific introspection API, and also serves as the test
// harness's own publishing handle (standing in for an external producer).
type recordingTransport struct {
	inner     messaging.Transport
	mu        sync.Mutex
	publishes []capturedPublish
}

type capturedPublish struct {
	Envelope *messaging.Envelope
	Options  messaging.PublishOptions
}

func newRecordingTransport(inner messaging.Transport) *recordingTransport {
	return &recordingTransport{inner: inner}
}

func (r *recordingTransport) Start(ctx context.Context) error { return r.inner.Start(ctx) }
func (r *recordingTransport) Stop(ctx context.Context) error  { return r.inner.Stop(ctx) }

func (r *recordingTransport) Subscribe(ctx context.Context, opts messaging.SubscribeOptions, h messaging.Handler) error {
	return r.inner.Subscribe(ctx, opts, h)
}

func (r *recordingTransport) Publish(ctx context.Context, env *messaging.Envelope, opts messaging.PublishOptions) error {
	r.mu.Lock()
	r.publishes = append(r.publishes, capturedPublish{Envelope: env, Options: opts})
	r.mu.Unlock()
	return r.inner.Publish(ctx, env, opts)
}

func (r *recordingTransport) Stats() messaging.TransportStats { return r.inner.Stats() }

func (r *recordingTransport) snapshot() []capturedPublish {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]capturedPublish, len(r.publishes))
	copy(out, r.publishes)
	return out
}

func (r *recordingTransport) findByEndpoint(endpoint string) []capturedPublish {
	var out []capturedPublish
	for _, p := range r.snapshot() {
		if p.Options.Endpoint == endpoint {
			out = append(out, p)
		}
	}
	return out
}

var envelopeSeq int64

// publish stands in for an external producer: it builds a fresh envelope
// for msgType and hands it to the transport exactly like a real publisher
// would, bypassing the Bus (which only ever consumes and republishes).
func publish(ctx context.Context, t *testing.T, rt *recordingTransport, msgType string, payload any) {
	t.Helper()
	id := "env-" + strconv.FormatInt(atomic.AddInt64(&envelopeSeq, 1), 10)
	env := messaging.NewEnvelope(id, msgType, payload)
	if err := rt.Publish(ctx, env, messaging.PublishOptions{Endpoint: msgType}); err != nil {
		t.Fatalf("publish %s: %v", msgType, err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func waitForInstance(t *testing.T, st store.Store, correlationID string) {
	t.Helper()
	waitFor(t, time.Second, func() bool {
		state, _ := st.GetByCorrelationID(context.Background(), "order", correlationID)
		return state != nil
	})
}

func newTestBus(t *testing.T, st store.Store, opts ...bus.Option) (*bus.Bus, *recordingTransport) {
	t.Helper()
	rt := newRecordingTransport(transportmemory.New())
	b := bus.New(rt, st, opts...)
	if err := b.RegisterSaga(buildOrderSaga(t)); err != nil {
		t.Fatalf("register saga: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(func() { b.Stop(context.Background()) })
	return b, rt
}

// Scenario A — happy path.
func TestBus_ScenarioA_HappyPath(t *testing.T) {
	st := storememory.New()
	_, rt := newTestBus(t, st, bus.WithTimeoutBounds(saga.TimeoutBounds{MinMs: 1, MaxMs: 10 * 60_000}))
	ctx := context.Background()

	publish(ctx, t, rt, "OrderSubmitted", map[string]any{"orderId": "o1", "customerId": "c1", "total": 99.99})
	waitForInstance(t, st, "o1")

	publish(ctx, t, rt, "PaymentCaptured", map[string]any{"orderId": "o1", "transactionId": "t1"})
	waitFor(t, time.Second, func() bool {
		state, _ := st.GetByCorrelationID(ctx, "order", "o1")
		return state != nil && state.Metadata.Version == 1
	})

	state, err := st.GetByCorrelationID(ctx, "order", "o1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	user := state.User.(*orderState)
	if user.Status != "paid" || user.TransactionID != "t1" {
		t.Fatalf("unexpected user state: %+v", user)
	}
	// Creation persists at version 0 (§3), and one further handled delivery
	// bumps it to 1.
	if state.Metadata.Version != 1 {
		t.Fatalf("expected version 1, got %d", state.Metadata.Version)
	}
	if state.Metadata.IsCompleted {
		t.Fatal("expected isCompleted=false: PaymentCaptured alone doesn't complete this saga")
	}
}

// Scenario B — ignore without start.
func TestBus_ScenarioB_IgnoreWithoutStart(t *testing.T) {
	st := storememory.New()
	_, rt := newTestBus(t, st)
	ctx := context.Background()

	publish(ctx, t, rt, "PaymentCaptured", map[string]any{"orderId": "o2", "transactionId": "t2"})
	time.Sleep(50 * time.Millisecond)

	state, err := st.GetByCorrelationID(ctx, "order", "o2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state != nil {
		t.Fatal("expected no instance to be created")
	}
}

// Scenario C — terminal seals.
func TestBus_ScenarioC_TerminalSeals(t *testing.T) {
	st := storememory.New()
	_, rt := newTestBus(t, st, bus.WithTimeoutBounds(saga.TimeoutBounds{MinMs: 1, MaxMs: 10 * 60_000}))
	ctx := context.Background()

	publish(ctx, t, rt, "OrderSubmitted", map[string]any{"orderId": "o3"})
	waitForInstance(t, st, "o3")

	publish(ctx, t, rt, "PaymentCaptured", map[string]any{"orderId": "o3", "transactionId": "t3"})
	waitFor(t, time.Second, func() bool {
		state, _ := st.GetByCorrelationID(ctx, "order", "o3")
		return state != nil && state.User.(*orderState).Status == "paid"
	})

	publish(ctx, t, rt, "OrderShipped", map[string]any{"orderId": "o3"})
	waitFor(t, time.Second, func() bool {
		state, _ := st.GetByCorrelationID(ctx, "order", "o3")
		return state != nil && state.Metadata.IsCompleted
	})

	before, _ := st.GetByCorrelationID(ctx, "order", "o3")

	publish(ctx, t, rt, "OrderShipped", map[string]any{"orderId": "o3"})
	time.Sleep(50 * time.Millisecond)

	after, _ := st.GetByCorrelationID(ctx, "order", "o3")
	if after.Metadata.Version != before.Metadata.Version {
		t.Fatalf("expected no further version bump, before=%d after=%d", before.Metadata.Version, after.Metadata.Version)
	}
}

// flakyOnceStore forces a single ConcurrencyViolation on the first Update
// per saga instance, so the bus's retry path can be exercised
// deterministically (spec §8 Scenario D).
type flakyOnceStore struct {
	store.Store
	mu     sync.Mutex
	failed map[string]bool
}

func newFlakyOnceStore(inner store.Store) *flakyOnceStore {
	return &flakyOnceStore{Store: inner, failed: make(map[string]bool)}
}

func (f *flakyOnceStore) Update(ctx context.Context, sagaName string, state *saga.State, expectedVersion int64) error {
	f.mu.Lock()
	if !f.failed[state.Metadata.SagaID] {
		f.failed[state.Metadata.SagaID] = true
		f.mu.Unlock()
		return sagaflowerrors.NewConcurrencyViolation(state.Metadata.SagaID, expectedVersion, expectedVersion+1)
	}
	f.mu.Unlock()
	return f.Store.Update(ctx, sagaName, state, expectedVersion)
}

// Scenario D — optimistic retry.
func TestBus_ScenarioD_OptimisticRetry(t *testing.T) {
	backing := storememory.New()
	st := newFlakyOnceStore(backing)
	_, rt := newTestBus(t, st, bus.WithRetryPolicy(retry.Policy{
		Kind: retry.Exponential, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 5,
	}))
	ctx := context.Background()

	publish(ctx, t, rt, "OrderSubmitted", map[string]any{"orderId": "o4"})
	waitForInstance(t, backing, "o4")

	publish(ctx, t, rt, "PaymentCaptured", map[string]any{"orderId": "o4", "transactionId": "t4"})

	waitFor(t, 2*time.Second, func() bool {
		state, _ := backing.GetByCorrelationID(ctx, "order", "o4")
		return state != nil && state.User.(*orderState).Status == "paid"
	})

	var sawAttempt2 bool
	for _, p := range rt.findByEndpoint("PaymentCaptured") {
		if v, _ := p.Envelope.Header(messaging.HeaderAttempt); v == "2" {
			sawAttempt2 = true
		}
	}
	if !sawAttempt2 {
		t.Fatal("expected a republish carrying x-saga-attempt=2")
	}

	state, _ := backing.GetByCorrelationID(ctx, "order", "o4")
	if state.Metadata.Version != 1 {
		t.Fatalf("expected exactly one successful update (version 1), got %d", state.Metadata.Version)
	}
}

// Scenario E — timeout scheduled.
func TestBus_ScenarioE_TimeoutScheduled(t *testing.T) {
	st := storememory.New()
	_, rt := newTestBus(t, st, bus.WithTimeoutBounds(saga.TimeoutBounds{MinMs: 1, MaxMs: 10 * 60_000}))
	ctx := context.Background()

	publish(ctx, t, rt, "OrderSubmitted", map[string]any{"orderId": "o5"})
	waitForInstance(t, st, "o5")

	waitFor(t, time.Second, func() bool {
		return len(rt.findByEndpoint("SagaTimeoutExpired")) == 1
	})
	scheduled := rt.findByEndpoint("SagaTimeoutExpired")[0]
	if scheduled.Options.DelayMs != 60_000 {
		t.Fatalf("expected delayMs=60000, got %d", scheduled.Options.DelayMs)
	}
	if scheduled.Options.PartitionKey != "o5" {
		t.Fatalf("expected partitionKey=o5, got %q", scheduled.Options.PartitionKey)
	}
}

// Scenario F — DLQ.
func TestBus_ScenarioF_DLQ(t *testing.T) {
	st := storememory.New()
	def, err := saga.NewBuilder("explode").
		WithCorrelation("Explode", func(payload any) (saga.Correlation, bool) {
			return saga.Correlation{CorrelationID: payload.(map[string]any)["id"].(string), CanStart: true}, true
		}).
		WithInitialState(func(payload any, ctx *saga.Context) (any, error) {
			return nil, sagaflowerrors.NewTransientError(sagaflowerrors.NewValidationError("boom"))
		}).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	rt := newRecordingTransport(transportmemory.New())
	policy := retry.Policy{Kind: retry.Exponential, BaseDelay: 5 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 3}
	b := bus.New(rt, st, bus.WithRetryPolicy(policy))
	if err := b.RegisterSaga(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Stop(ctx)

	publish(ctx, t, rt, "Explode", map[string]any{"id": "x1"})

	waitFor(t, 2*time.Second, func() bool {
		return len(rt.findByEndpoint("Explode.dlq")) == 1
	})

	dlq := rt.findByEndpoint("Explode.dlq")[0]
	if v, _ := dlq.Envelope.Header(messaging.HeaderAttempt); v != "3" {
		t.Fatalf("expected x-saga-attempt=3 on the dead-lettered envelope, got %q", v)
	}
	if v, _ := dlq.Envelope.Header(messaging.HeaderErrorType); v == "" {
		t.Fatal("expected x-saga-error-type to be set")
	}
	if v, _ := dlq.Envelope.Header(messaging.HeaderOriginalEndpoint); v != "Explode" {
		t.Fatalf("expected x-saga-original-endpoint=Explode, got %q", v)
	}
	if _, ok := dlq.Envelope.Header(messaging.HeaderFirstSeen); !ok {
		t.Fatal("expected x-saga-first-seen to be set")
	}
}
