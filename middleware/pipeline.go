// Package middleware implements the composable onion pipeline that wraps
// every orchestrator delivery (spec §4.3), built the same way the teacher
// codebase's message bus composes its middleware chain: fold the registered
// middleware back-to-front around a terminal handler, so the first
// registered middleware is outermost.
package middleware

import (
	"context"

	"sagaflow/messaging"
	"sagaflow/saga"
)

// Context is the mutable object middleware observes and mutates around one
// delivery. It carries the envelope and correlation identifiers, the state
// loaded before the pipeline started (so middleware can inspect existing
// trace context), a scratch metadata bag middleware may read/write, an
// optional trace-context hook, and post-handler slots the orchestrator's
// core step fills in once it runs (spec §4.2 step 3).
type Context struct {
	Envelope      *messaging.Envelope
	SagaName      string
	CorrelationID string

	// ExistingState is the state loaded before the pipeline runs; nil when
	// no instance exists yet for this correlation.
	ExistingState *saga.State

	// Scratch is free-form metadata middleware may use to pass information
	// between each other. The orchestrator's core step does not read it.
	Scratch map[string]any

	traceParent string
	traceState  string

	// Post-handler slots, populated by the orchestrator's core step after it
	// runs; middleware running after next() returns may observe them.
	SagaID        string
	PreState      *saga.State
	PostState     *saga.State
	HandlerResult saga.HandleResult
	Err           error
}

// NewContext constructs a pipeline Context for one delivery.
func NewContext(env *messaging.Envelope, sagaName, correlationID string, existing *saga.State) *Context {
	return &Context{
		Envelope:      env,
		SagaName:      sagaName,
		CorrelationID: correlationID,
		ExistingState: existing,
		Scratch:       make(map[string]any),
	}
}

// SetTraceContext records a W3C trace context to be captured into a new
// instance's metadata at creation time (spec §4.3). Calling this after an
// instance already exists has no persisted effect.
func (c *Context) SetTraceContext(traceParent, traceState string) {
	c.traceParent = traceParent
	c.traceState = traceState
}

// TraceContext returns whatever SetTraceContext last recorded.
func (c *Context) TraceContext() (traceParent, traceState string) {
	return c.traceParent, c.traceState
}

// Next is the continuation a Middleware calls to proceed to the next
// middleware, or to the orchestrator's core step if it is last in the chain.
type Next func(ctx context.Context, pctx *Context) error

// Middleware wraps execution of a single delivery. It may inspect or mutate
// pctx before calling next, after next returns, or both; it may also
// swallow or rethrow whatever error next returns. Middleware must not
// publish messages on behalf of the saga — only handlers may, via
// saga.Context (spec §4.3).
type Middleware interface {
	Handle(ctx context.Context, pctx *Context, next Next) error
	Name() string
}

// Pipeline runs a registered list of Middleware, in registration order,
// around a terminal handler.
type Pipeline struct {
	middlewares []Middleware
}

// New builds a Pipeline from an ordered list of middleware.
func New(mw ...Middleware) *Pipeline {
	return &Pipeline{middlewares: append([]Middleware(nil), mw...)}
}

// Use appends middleware to the end of the chain.
func (p *Pipeline) Use(mw Middleware) {
	p.middlewares = append(p.middlewares, mw)
}

// Run builds the onion chain around core (the orchestrator's core step) and
// executes it. Middleware is folded back-to-front so the first registered
// middleware is outermost and runs first.
func (p *Pipeline) Run(ctx context.Context, pctx *Context, core Next) error {
	next := core
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		mw := p.middlewares[i]
		currentNext := next
		next = func(ctx context.Context, pctx *Context) error {
			return mw.Handle(ctx, pctx, currentNext)
		}
	}
	return next(ctx, pctx)
}
