package middleware

import (
	"context"
	"errors"
	"testing"

	"sagaflow/messaging"
)

type recordingMiddleware struct {
	name  string
	order *[]string
	err   error
}

func (mw recordingMiddleware) Handle(ctx context.Context, pctx *Context, next Next) error {
	*mw.order = append(*mw.order, mw.name+":before")
	if mw.err != nil {
		return mw.err
	}
	err := next(ctx, pctx)
	*mw.order = append(*mw.order, mw.name+":after")
	return err
}

func (mw recordingMiddleware) Name() string { return mw.name }

func newTestContext() *Context {
	env := messaging.NewEnvelope("e1", "OrderSubmitted", nil)
	return NewContext(env, "order", "o1", nil)
}

func TestPipeline_RunsInRegistrationOrder(t *testing.T) {
	order := make([]string, 0, 6)

	p := New(
		recordingMiddleware{name: "m1", order: &order},
		recordingMiddleware{name: "m2", order: &order},
	)

	core := func(ctx context.Context, pctx *Context) error {
		order = append(order, "core")
		return nil
	}

	if err := p.Run(context.Background(), newTestContext(), core); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"m1:before", "m2:before", "core", "m2:after", "m1:after"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestPipeline_ShortCircuitSkipsCore(t *testing.T) {
	order := make([]string, 0, 2)
	boom := errors.New("boom")

	p := New(recordingMiddleware{name: "m1", order: &order, err: boom})

	coreCalled := false
	core := func(ctx context.Context, pctx *Context) error {
		coreCalled = true
		return nil
	}

	err := p.Run(context.Background(), newTestContext(), core)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if coreCalled {
		t.Fatal("core should not run when middleware short-circuits")
	}
}

func TestPipeline_NoMiddlewareCallsCoreDirectly(t *testing.T) {
	p := New()

	called := false
	core := func(ctx context.Context, pctx *Context) error {
		called = true
		return nil
	}

	if err := p.Run(context.Background(), newTestContext(), core); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("core must run when no middleware is registered")
	}
}

func TestContext_TraceContext(t *testing.T) {
	pctx := newTestContext()

	if tp, ts := pctx.TraceContext(); tp != "" || ts != "" {
		t.Fatalf("expected empty trace context, got %q %q", tp, ts)
	}

	pctx.SetTraceContext("00-trace-01", "vendor=1")

	tp, ts := pctx.TraceContext()
	if tp != "00-trace-01" || ts != "vendor=1" {
		t.Fatalf("trace context not recorded: %q %q", tp, ts)
	}
}
