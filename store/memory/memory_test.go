package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sagaflowerrors "sagaflow/errors"
	"sagaflow/saga"
)

func newState(sagaID string, version int64) *saga.State {
	now := time.Now().UTC()
	return &saga.State{
		Metadata: saga.Metadata{
			SagaID:    sagaID,
			Version:   version,
			CreatedAt: now,
			UpdatedAt: now,
		},
		User: map[string]any{"status": "new"},
	}
}

func TestStore_InsertAndGetByID(t *testing.T) {
	s := New()
	ctx := context.Background()

	state := newState("s1", 0)
	if err := s.Insert(ctx, "order", "o1", state); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	got, err := s.GetByID(ctx, "order", "s1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil || got.Metadata.SagaID != "s1" {
		t.Fatalf("expected instance s1, got %+v", got)
	}
}

func TestStore_GetByID_Missing(t *testing.T) {
	s := New()
	got, err := s.GetByID(context.Background(), "order", "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing instance, got %+v", got)
	}
}

func TestStore_GetByCorrelationID(t *testing.T) {
	s := New()
	ctx := context.Background()

	state := newState("s1", 0)
	if err := s.Insert(ctx, "order", "o1", state); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	got, err := s.GetByCorrelationID(ctx, "order", "o1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil || got.Metadata.SagaID != "s1" {
		t.Fatalf("expected instance s1, got %+v", got)
	}
}

func TestStore_Insert_DuplicateCorrelation(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Insert(ctx, "order", "o1", newState("s1", 0)); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	err := s.Insert(ctx, "order", "o1", newState("s2", 0))
	var dup *sagaflowerrors.DuplicateCorrelation
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateCorrelation, got %v", err)
	}
}

func TestStore_Update_Success(t *testing.T) {
	s := New()
	ctx := context.Background()

	state := newState("s1", 0)
	if err := s.Insert(ctx, "order", "o1", state); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	updated := newState("s1", 1)
	if err := s.Update(ctx, "order", updated, 0); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, _ := s.GetByID(ctx, "order", "s1")
	if got.Metadata.Version != 1 {
		t.Fatalf("expected version 1, got %d", got.Metadata.Version)
	}
}

func TestStore_Update_ConcurrencyViolation(t *testing.T) {
	s := New()
	ctx := context.Background()

	state := newState("s1", 0)
	if err := s.Insert(ctx, "order", "o1", state); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	err := s.Update(ctx, "order", newState("s1", 1), 5)
	var conflict *sagaflowerrors.ConcurrencyViolation
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConcurrencyViolation, got %v", err)
	}
	if conflict.Expected != 5 || conflict.Actual != 0 {
		t.Fatalf("unexpected conflict details: %+v", conflict)
	}
}

// TestStore_ConcurrentUpdate_OneWinner exercises the scenario D invariant:
// of N concurrent updates racing on the same expected version, exactly one
// succeeds.
func TestStore_ConcurrentUpdate_OneWinner(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Insert(ctx, "order", "o1", newState("s1", 0)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	const racers = 8
	var wg sync.WaitGroup
	var succeeded, failed int
	var mu sync.Mutex

	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wg.Done()
			err := s.Update(ctx, "order", newState("s1", 1), 0)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else {
				failed++
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("expected exactly one winner, got %d", succeeded)
	}
	if failed != racers-1 {
		t.Fatalf("expected %d losers, got %d", racers-1, failed)
	}
}
