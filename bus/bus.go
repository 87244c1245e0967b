// Package bus wires transports, store(s), orchestrators, middleware, and the
// retry/DLQ engine into a running system (spec §2.7, §4.7, §6): it owns
// subscription fan-out (one transport subscription per message type,
// dispatched sequentially to every orchestrator that handles it) and the
// classify-then-retry-or-dlq-or-drop decision on handler failure.
package bus

import (
	"context"
	"fmt"
	"sync"

	"sagaflow/clock"
	"sagaflow/logging"
	"sagaflow/messaging"
	"sagaflow/middleware"
	"sagaflow/orchestrator"
	"sagaflow/retry"
	"sagaflow/saga"
	"sagaflow/store"
)

// Config carries the Bus's ambient collaborators (spec §6 "Bus
// configuration"). Built via functional Options over New, matching the
// Config{...} struct-literal-plus-defaults idiom the transports already use.
type Config struct {
	Logger             logging.Logger
	Clock              clock.Clock
	IDGenerator        clock.IDGenerator
	Pipeline           *middleware.Pipeline
	ErrorHandler       retry.Classifier
	DefaultConcurrency int
	RetryPolicy        retry.Policy
	TimeoutBounds      saga.TimeoutBounds
	DLQNaming          func(endpoint string) string
}

// Option configures a Bus at construction time.
type Option func(*Config)

func WithLogger(l logging.Logger) Option          { return func(c *Config) { c.Logger = l } }
func WithClock(clk clock.Clock) Option            { return func(c *Config) { c.Clock = clk } }
func WithIDGenerator(g clock.IDGenerator) Option   { return func(c *Config) { c.IDGenerator = g } }
func WithPipeline(p *middleware.Pipeline) Option   { return func(c *Config) { c.Pipeline = p } }
func WithErrorHandler(cl retry.Classifier) Option  { return func(c *Config) { c.ErrorHandler = cl } }
func WithDefaultConcurrency(n int) Option          { return func(c *Config) { c.DefaultConcurrency = n } }
func WithRetryPolicy(p retry.Policy) Option        { return func(c *Config) { c.RetryPolicy = p } }
func WithTimeoutBounds(b saga.TimeoutBounds) Option { return func(c *Config) { c.TimeoutBounds = b } }
func WithDLQNaming(fn func(string) string) Option  { return func(c *Config) { c.DLQNaming = fn } }

// sagaRegistration is one saga.Definition registered with the Bus: its own
// orchestrator, the store it persists to, and its per-saga overrides.
type sagaRegistration struct {
	orchestrator *orchestrator.Orchestrator
	store        store.Store
	concurrency  int
	retryPolicy  retry.Policy
}

// SagaOption overrides a single registration's defaults.
type SagaOption func(*sagaRegistration)

// WithSagaStore registers def against its own store instead of the Bus's
// default store.
func WithSagaStore(st store.Store) SagaOption {
	return func(r *sagaRegistration) { r.store = st }
}

// WithSagaConcurrency overrides the subscription concurrency used for every
// endpoint this saga handles.
func WithSagaConcurrency(n int) SagaOption {
	return func(r *sagaRegistration) { r.concurrency = n }
}

// WithSagaRetryPolicy overrides the retry policy applied to this saga's
// failed deliveries.
func WithSagaRetryPolicy(p retry.Policy) SagaOption {
	return func(r *sagaRegistration) { r.retryPolicy = p }
}

// Bus dispatches transport deliveries to registered orchestrators and
// handles the resulting outbound publishes, retries, and dead-lettering.
type Bus struct {
	mu            sync.RWMutex
	transport     messaging.Transport
	defaultStore  store.Store
	cfg           Config
	byMessageType map[string][]*sagaRegistration
	running       bool
}

// New constructs a Bus over transport, persisting to defaultStore unless a
// registration overrides it. Zero-value Config fields take package
// defaults: logging.NoopLogger, clock.SystemClock, clock.UUIDGenerator, an
// empty middleware.Pipeline, retry.DefaultClassifier, concurrency 1,
// retry.DefaultPolicy, saga.DefaultTimeoutBounds, and the ".dlq" suffix
// convention.
func New(transport messaging.Transport, defaultStore store.Store, opts ...Option) *Bus {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNoopLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.SystemClock{}
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = clock.UUIDGenerator{}
	}
	if cfg.Pipeline == nil {
		cfg.Pipeline = middleware.New()
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = retry.DefaultClassifier
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = 1
	}
	if cfg.RetryPolicy == (retry.Policy{}) {
		cfg.RetryPolicy = retry.DefaultPolicy()
	}
	if cfg.TimeoutBounds == (saga.TimeoutBounds{}) {
		cfg.TimeoutBounds = saga.DefaultTimeoutBounds
	}
	if cfg.DLQNaming == nil {
		cfg.DLQNaming = retry.DeadLetterEndpoint
	}

	return &Bus{
		transport:     transport,
		defaultStore:  defaultStore,
		cfg:           cfg,
		byMessageType: make(map[string][]*sagaRegistration),
	}
}

// RegisterSaga compiles def into an orchestrator sharing the Bus's clock,
// ID generator, middleware pipeline, timeout bounds, and logger, and fans
// its handled message types into the Bus's subscription table. Must be
// called before Start.
func (b *Bus) RegisterSaga(def *saga.Definition, opts ...SagaOption) error {
	reg := &sagaRegistration{
		store:       b.defaultStore,
		concurrency: b.cfg.DefaultConcurrency,
		retryPolicy: b.cfg.RetryPolicy,
	}
	for _, opt := range opts {
		opt(reg)
	}
	if reg.store == nil {
		return fmt.Errorf("bus: saga %q has no store (register a default store or use bus.WithSagaStore)", def.Name())
	}

	reg.orchestrator = orchestrator.New(def, reg.store, orchestrator.Options{
		Clock:         b.cfg.Clock,
		IDGenerator:   b.cfg.IDGenerator,
		TimeoutBounds: b.cfg.TimeoutBounds,
		Pipeline:      b.cfg.Pipeline,
		Logger:        b.cfg.Logger.WithField("component", "orchestrator."+def.Name()),
	})

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, msgType := range def.HandledMessageTypes() {
		b.byMessageType[msgType] = append(b.byMessageType[msgType], reg)
	}
	return nil
}

// Start subscribes one handler per distinct message type across every
// registered saga and starts the transport.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("bus: already running")
	}
	b.running = true
	snapshot := make(map[string][]*sagaRegistration, len(b.byMessageType))
	for msgType, regs := range b.byMessageType {
		snapshot[msgType] = append([]*sagaRegistration(nil), regs...)
	}
	b.mu.Unlock()

	if err := b.transport.Start(ctx); err != nil {
		return err
	}

	for msgType, regs := range snapshot {
		concurrency := 0
		for _, reg := range regs {
			if reg.concurrency > concurrency {
				concurrency = reg.concurrency
			}
		}
		endpoint := msgType
		err := b.transport.Subscribe(ctx, messaging.SubscribeOptions{
			Endpoint:    endpoint,
			Concurrency: concurrency,
		}, func(ctx context.Context, env *messaging.Envelope) error {
			return b.dispatch(ctx, endpoint, regs, env)
		})
		if err != nil {
			return fmt.Errorf("bus: subscribe %q: %w", endpoint, err)
		}
	}
	return nil
}

// Stop stops the transport.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
	return b.transport.Stop(ctx)
}

// dispatch runs spec §4.7 step 1: every registration handling endpoint gets
// this envelope, sequentially. The first error aborts the remaining
// registrations for this delivery and drives the retry/DLQ decision; a
// redelivery replays the whole envelope, including to registrations that
// already succeeded, so handlers must remain idempotent.
func (b *Bus) dispatch(ctx context.Context, endpoint string, regs []*sagaRegistration, env *messaging.Envelope) error {
	for _, reg := range regs {
		pubs, err := reg.orchestrator.Deliver(ctx, env)
		if err != nil {
			b.handleFailure(ctx, endpoint, env, reg.retryPolicy, err)
			return nil
		}
		b.publishAll(ctx, pubs)
	}
	return nil
}

// publishAll delivers the orchestrator's outbound messages (handler
// publishes/schedules plus any freshly-scheduled SagaTimeoutExpired). A
// publish failure here is logged, not escalated: the originating handler
// already committed its state write, so retrying the whole envelope would
// re-run a handler that has nothing left to do.
func (b *Bus) publishAll(ctx context.Context, pubs []orchestrator.Publish) {
	for _, pub := range pubs {
		if err := b.transport.Publish(ctx, pub.Envelope, pub.Options); err != nil {
			b.cfg.Logger.Warn(ctx, "failed to publish outbound message",
				logging.String("endpoint", pub.Options.Endpoint), logging.Error(err))
		}
	}
}

// handleFailure classifies err and either republishes env with an
// incremented attempt count after a backoff delay, routes it to its
// dead-letter endpoint, or drops it silently (spec §4.7 steps 2-5).
func (b *Bus) handleFailure(ctx context.Context, endpoint string, env *messaging.Envelope, policy retry.Policy, err error) {
	decision := b.cfg.ErrorHandler(err)

	switch decision {
	case retry.DecisionRetry:
		attempt := retry.AttemptCount(env)
		if policy.ShouldDeadLetter(attempt) {
			b.deadLetter(ctx, endpoint, env, err)
			return
		}
		next := retry.PrepareRedelivery(env)
		delay := policy.NextDelay(attempt)
		b.cfg.Logger.Info(ctx, "retrying delivery",
			logging.String("endpoint", endpoint), logging.Int("attempt", attempt+1),
			logging.Duration("delay", delay), logging.Error(err))
		if pubErr := b.transport.Publish(ctx, next, messaging.PublishOptions{
			Endpoint:     endpoint,
			DelayMs:      delay.Milliseconds(),
			PartitionKey: env.PartitionKey,
		}); pubErr != nil {
			b.cfg.Logger.Error(ctx, "failed to republish for retry",
				logging.String("endpoint", endpoint), logging.Error(pubErr))
		}

	case retry.DecisionDeadLetter:
		b.deadLetter(ctx, endpoint, env, err)

	default: // retry.DecisionDrop
		b.cfg.Logger.Warn(ctx, "dropping failed delivery",
			logging.String("endpoint", endpoint), logging.Error(err))
	}
}

func (b *Bus) deadLetter(ctx context.Context, endpoint string, env *messaging.Envelope, cause error) {
	dlqEndpoint := b.cfg.DLQNaming(endpoint)
	next := retry.PrepareDeadLetter(env, endpoint, cause)
	b.cfg.Logger.Warn(ctx, "routing delivery to dead-letter endpoint",
		logging.String("endpoint", endpoint), logging.String("dlqEndpoint", dlqEndpoint), logging.Error(cause))
	if err := b.transport.Publish(ctx, next, messaging.PublishOptions{
		Endpoint:     dlqEndpoint,
		PartitionKey: env.PartitionKey,
	}); err != nil {
		b.cfg.Logger.Error(ctx, "failed to publish to dead-letter endpoint",
			logging.String("dlqEndpoint", dlqEndpoint), logging.Error(err))
	}
}
