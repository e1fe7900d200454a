package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JohnDataAnalyst/pigmalion-v06/metrics"
)

func TestQueueProcessesTask(t *testing.T) {
	q := New(10, 1, time.Second, metrics.New())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	var processed int32
	done := make(chan struct{})
	ok := q.Enqueue(Task{
		ID:     "batch-001.jsonl",
		Source: "test",
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&processed, 1)
			close(done)
			return nil
		},
	})
	if !ok {
		t.Fatalf("expected enqueue to succeed")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("task did not complete")
	}
	if atomic.LoadInt32(&processed) != 1 {
		t.Fatalf("task not processed")
	}
}

func TestQueueBounded(t *testing.T) {
	q := New(1, 0, 100*time.Millisecond, metrics.New())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	ok := q.Enqueue(Task{ID: "slow", Source: "test", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	if !ok {
		t.Fatalf("expected first enqueue to succeed")
	}
	if ok := q.Enqueue(Task{ID: "drop", Source: "test", Run: func(ctx context.Context) error { return nil }}); ok {
		t.Fatalf("expected enqueue to be rejected when queue is full")
	}
}

func TestQueueRejectsBeforeStart(t *testing.T) {
	q := New(1, 1, time.Second, metrics.New())
	if ok := q.Enqueue(Task{ID: "early", Source: "test", Run: func(ctx context.Context) error { return nil }}); ok {
		t.Fatalf("expected enqueue to fail before Start")
	}
	if q.Healthy() {
		t.Fatalf("queue should not report healthy before Start")
	}
}

func TestQueueOnFinishReceivesError(t *testing.T) {
	q := New(10, 1, time.Second, metrics.New())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	wantErr := errors.New("boom")
	got := make(chan error, 1)
	q.Enqueue(Task{
		ID:     "failing",
		Source: "test",
		Run:    func(ctx context.Context) error { return wantErr },
		OnFinish: func(err error) {
			got <- err
		},
	})

	select {
	case err := <-got:
		if !errors.Is(err, wantErr) {
			t.Fatalf("OnFinish error = %v, want %v", err, wantErr)
		}
	case <-time.After(time.Second):
		t.Fatalf("OnFinish not called")
	}
}

func TestQueueStopDrains(t *testing.T) {
	q := New(10, 1, time.Second, metrics.New())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	var processed int32
	for i := 0; i < 3; i++ {
		q.Enqueue(Task{ID: "drain", Source: "test", Run: func(ctx context.Context) error {
			atomic.AddInt32(&processed, 1)
			return nil
		}})
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	q.Stop(stopCtx)
	if atomic.LoadInt32(&processed) != 3 {
		t.Fatalf("processed %d tasks before stop returned, want 3", processed)
	}
}
