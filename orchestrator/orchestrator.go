// Package orchestrator drives one saga.Definition through its core
// algorithm: correlate an incoming envelope, load or create the instance,
// run the middleware pipeline around the handler, persist the result, and
// surface whatever the handler asked to publish.
package orchestrator

import (
	"context"
	"time"

	"sagaflow/clock"
	"sagaflow/logging"
	"sagaflow/messaging"
	"sagaflow/middleware"
	"sagaflow/saga"
	"sagaflow/store"
)

// Publish is an outbound envelope the orchestrator wants delivered, paired
// with the transport options it should be delivered with. The bus is
// responsible for actually calling a Transport.
type Publish struct {
	Envelope *messaging.Envelope
	Options  messaging.PublishOptions
}

// Options configures an Orchestrator. Zero-value fields take the package
// defaults: clock.SystemClock, clock.UUIDGenerator, saga.DefaultTimeoutBounds,
// an empty middleware.Pipeline, and logging.NoopLogger.
type Options struct {
	Clock         clock.Clock
	IDGenerator   clock.IDGenerator
	TimeoutBounds saga.TimeoutBounds
	Pipeline      *middleware.Pipeline
	Logger        logging.Logger
}

// Orchestrator runs spec §4.2's core algorithm for a single saga.Definition.
type Orchestrator struct {
	definition *saga.Definition
	store      store.Store
	pipeline   *middleware.Pipeline
	clock      clock.Clock
	idGen      clock.IDGenerator
	bounds     saga.TimeoutBounds
	logger     logging.Logger
}

// New constructs an Orchestrator for def, persisting to st.
func New(def *saga.Definition, st store.Store, opts Options) *Orchestrator {
	o := &Orchestrator{
		definition: def,
		store:      st,
		pipeline:   opts.Pipeline,
		clock:      opts.Clock,
		idGen:      opts.IDGenerator,
		bounds:     opts.TimeoutBounds,
		logger:     opts.Logger,
	}
	if o.pipeline == nil {
		o.pipeline = middleware.New()
	}
	if o.clock == nil {
		o.clock = clock.SystemClock{}
	}
	if o.idGen == nil {
		o.idGen = clock.UUIDGenerator{}
	}
	if o.bounds == (saga.TimeoutBounds{}) {
		o.bounds = saga.DefaultTimeoutBounds
	}
	if o.logger == nil {
		o.logger = logging.NewNoopLogger()
	}
	return o
}

// Name returns the underlying saga.Definition's name.
func (o *Orchestrator) Name() string { return o.definition.Name() }

// HandledMessageTypes returns the underlying saga.Definition's closed set of
// reacted-to message types.
func (o *Orchestrator) HandledMessageTypes() []string { return o.definition.HandledMessageTypes() }

// Deliver runs the full core algorithm (spec §4.2) for one envelope: correlate,
// pre-load, run the middleware pipeline around the core step, and return
// whatever the handler (and any timeout-set side effect) asked to publish.
// A nil, nil return means the envelope was a legitimate no-op (no
// correlation match, ignored-before-start, or delivered to a completed
// instance) — not an error.
func (o *Orchestrator) Deliver(ctx context.Context, env *messaging.Envelope) ([]Publish, error) {
	corr, matched := o.definition.CorrelationFor(env.Type, env.Payload)
	if !matched || corr.CorrelationID == "" {
		o.logger.Debug(ctx, "no correlation match, dropping",
			logging.String("sagaName", o.definition.Name()), logging.String("messageType", env.Type))
		return nil, nil
	}

	existing, err := o.store.GetByCorrelationID(ctx, o.definition.Name(), corr.CorrelationID)
	if err != nil {
		return nil, err
	}

	pctx := middleware.NewContext(env, o.definition.Name(), corr.CorrelationID, existing)

	var outbound []Publish
	core := func(ctx context.Context, pctx *middleware.Context) error {
		err := o.coreStep(ctx, pctx, corr, &outbound)
		pctx.Err = err
		return err
	}

	if err := o.pipeline.Run(ctx, pctx, core); err != nil {
		pctx.Err = err
		return nil, err
	}
	return outbound, nil
}

func (o *Orchestrator) coreStep(ctx context.Context, pctx *middleware.Context, corr saga.Correlation, outbound *[]Publish) error {
	if pctx.ExistingState == nil {
		return o.createInstance(ctx, pctx, corr, outbound)
	}
	if pctx.ExistingState.Metadata.IsCompleted {
		o.logger.Debug(ctx, "delivery to completed instance, dropping",
			logging.String("sagaName", o.definition.Name()), logging.String("sagaId", pctx.ExistingState.Metadata.SagaID))
		return nil
	}
	return o.applyHandler(ctx, pctx, outbound)
}

func (o *Orchestrator) createInstance(ctx context.Context, pctx *middleware.Context, corr saga.Correlation, outbound *[]Publish) error {
	if !corr.CanStart {
		o.logger.Debug(ctx, "message cannot start a new instance, dropping",
			logging.String("sagaName", o.definition.Name()), logging.String("correlationId", corr.CorrelationID))
		return nil
	}

	sagaID := o.idGen.NewID()
	now := o.clock.Now()
	traceParent, traceState := pctx.TraceContext()

	sctx := saga.NewContext(o.definition.Name(), corr.CorrelationID, saga.Metadata{}, o.bounds, o.clock)
	userState, err := o.definition.CreateInitialState(pctx.Envelope.Payload, sctx)
	if err != nil {
		return err
	}

	meta := saga.Metadata{
		SagaID:      sagaID,
		Version:     0,
		CreatedAt:   now,
		UpdatedAt:   now,
		IsCompleted: sctx.Completed(),
		TraceParent: traceParent,
		TraceState:  traceState,
	}
	applyTimeoutChange(&meta, sctx, now)

	newState := &saga.State{Metadata: meta, User: userState}
	if err := o.store.Insert(ctx, o.definition.Name(), corr.CorrelationID, newState); err != nil {
		return err
	}

	pctx.SagaID = sagaID
	pctx.PreState = nil
	pctx.PostState = newState

	o.collectOutbound(sctx, meta, corr.CorrelationID, outbound)
	return nil
}

func (o *Orchestrator) applyHandler(ctx context.Context, pctx *middleware.Context, outbound *[]Publish) error {
	existing := pctx.ExistingState
	sagaID := existing.Metadata.SagaID

	sctx := saga.NewContext(o.definition.Name(), pctx.CorrelationID, existing.Metadata.Clone(), o.bounds, o.clock)
	result, handled, err := o.definition.Handle(pctx.Envelope.Type, pctx.Envelope.Payload, existing, sctx)
	if err != nil {
		return err
	}
	if !handled {
		o.logger.Debug(ctx, "no handler matched, dropping",
			logging.String("sagaName", o.definition.Name()), logging.String("sagaId", sagaID))
		return nil
	}

	now := o.clock.Now()
	meta := existing.Metadata.Clone()
	meta.Version = existing.Metadata.Version + 1
	meta.UpdatedAt = now
	if result.IsCompleted != nil {
		meta.IsCompleted = *result.IsCompleted
	} else {
		meta.IsCompleted = sctx.Completed()
	}
	applyTimeoutChange(&meta, sctx, now)

	newState := &saga.State{Metadata: meta, User: result.NewState}
	if err := o.store.Update(ctx, o.definition.Name(), newState, existing.Metadata.Version); err != nil {
		return err
	}

	pctx.SagaID = sagaID
	pctx.PreState = existing
	pctx.PostState = newState
	pctx.HandlerResult = result

	o.collectOutbound(sctx, meta, pctx.CorrelationID, outbound)
	return nil
}

func applyTimeoutChange(meta *saga.Metadata, sctx *saga.Context, now time.Time) {
	ms, cleared, changed := sctx.PendingTimeoutChange()
	if !changed {
		return
	}
	if cleared {
		meta.TimeoutMs = nil
		meta.TimeoutExpiresAt = nil
		return
	}
	meta.TimeoutMs = &ms
	expiresAt := now.Add(time.Duration(ms) * time.Millisecond)
	meta.TimeoutExpiresAt = &expiresAt
}

// collectOutbound appends the handler's ctx.publish/ctx.schedule messages and,
// if a timeout was freshly set on a non-completed instance, the scheduled
// SagaTimeoutExpired delivery (spec §4.2 step h, §4.6).
func (o *Orchestrator) collectOutbound(sctx *saga.Context, meta saga.Metadata, correlationID string, outbound *[]Publish) {
	for _, msg := range sctx.OutboundMessages() {
		env := messaging.NewEnvelope(o.idGen.NewID(), msg.Type, msg.Payload)
		for k, v := range msg.Headers {
			env = env.WithHeader(k, v)
		}
		*outbound = append(*outbound, Publish{
			Envelope: env,
			Options: messaging.PublishOptions{
				Endpoint:     msg.Type,
				DelayMs:      msg.DelayMs,
				PartitionKey: msg.PartitionKey,
			},
		})
	}

	if ms, cleared, changed := sctx.PendingTimeoutChange(); changed && !cleared && !meta.IsCompleted {
		payload := messaging.TimeoutExpiredPayload{
			SagaID:        meta.SagaID,
			SagaName:      o.definition.Name(),
			CorrelationID: correlationID,
			TimeoutMs:     ms,
			TimeoutSetAt:  o.clock.Now().UnixMilli(),
		}
		env := messaging.NewEnvelope(o.idGen.NewID(), messaging.TimeoutExpiredType, payload)
		*outbound = append(*outbound, Publish{
			Envelope: env,
			Options: messaging.PublishOptions{
				Endpoint:     messaging.TimeoutExpiredType,
				DelayMs:      ms,
				PartitionKey: correlationID,
			},
		})
	}
}
