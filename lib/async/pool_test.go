package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quantfall/deriva/errs"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	pool, err := NewPool(2, 4)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	var count atomic.Int32
	for i := 0; i < 4; i++ {
		if err := pool.Submit(context.Background(), func(context.Context) error {
			count.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if count.Load() != 4 {
		t.Fatalf("expected 4 executed tasks, got %d", count.Load())
	}
}

func TestPoolRejectsWhenSaturated(t *testing.T) {
	pool, err := NewPool(1, 0)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()

	block := make(chan struct{})
	release := func() { close(block) }
	defer release()

	if err := pool.Submit(context.Background(), func(context.Context) error {
		<-block
		return nil
	}); err != nil {
		t.Fatalf("first submit should be accepted: %v", err)
	}

	// Give the single worker a beat to pick the job up, then saturate.
	time.Sleep(20 * time.Millisecond)
	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	if err == nil {
		t.Fatalf("expected saturation rejection")
	}
	if errs.CodeOf(err) != errs.CodeUnavailable {
		t.Fatalf("expected unavailable code, got %q", errs.CodeOf(err))
	}
}

func TestPoolSubmitHonoursCancelledContext(t *testing.T) {
	pool, err := NewPool(1, 0)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = pool.Submit(ctx, func(context.Context) error { return nil })
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPoolSurvivesPanickingTask(t *testing.T) {
	pool, err := NewPool(1, 2)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	if err := pool.Submit(context.Background(), func(context.Context) error {
		panic("boom")
	}); err != nil {
		t.Fatalf("submit panicking task: %v", err)
	}

	done := make(chan struct{})
	if err := pool.Submit(context.Background(), func(context.Context) error {
		close(done)
		return nil
	}); err != nil {
		t.Fatalf("submit follow-up task: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not survive the panic")
	}
	pool.Close()
}
