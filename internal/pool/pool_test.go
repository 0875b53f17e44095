package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestRunExecutesAllTasks(t *testing.T) {
	p := New(2)
	var count atomic.Int32
	tasks := make([]Task, 8)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			count.Add(1)
			return nil
		}
	}
	if err := p.Run(context.Background(), tasks); err != nil {
		t.Fatalf("run: %v", err)
	}
	if count.Load() != 8 {
		t.Fatalf("expected 8 tasks run, got %d", count.Load())
	}
}

func TestRunBoundsParallelism(t *testing.T) {
	p := New(2)
	var active, peak atomic.Int32
	var mu sync.Mutex
	tasks := make([]Task, 6)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			now := active.Add(1)
			mu.Lock()
			if now > peak.Load() {
				peak.Store(now)
			}
			mu.Unlock()
			defer active.Add(-1)
			return nil
		}
	}
	if err := p.Run(context.Background(), tasks); err != nil {
		t.Fatalf("run: %v", err)
	}
	if peak.Load() > 2 {
		t.Fatalf("parallelism exceeded limit: %d", peak.Load())
	}
}

func TestRunReturnsFirstError(t *testing.T) {
	p := New(1)
	boom := errors.New("boom")
	err := p.Run(context.Background(), []Task{
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return boom },
		func(ctx context.Context) error { return nil },
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestRunAfterCloseFails(t *testing.T) {
	p := New(1)
	p.Close()
	err := p.Run(context.Background(), []Task{func(ctx context.Context) error { return nil }})
	if err == nil {
		t.Fatalf("expected error after close")
	}
}

func TestRunHonorsCancelledContext(t *testing.T) {
	p := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran atomic.Bool
	err := p.Run(ctx, []Task{func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}})
	if err == nil {
		t.Fatalf("expected context error")
	}
	if ran.Load() {
		t.Fatalf("task should not run under a cancelled context")
	}
}

func TestDefaultWorkerCount(t *testing.T) {
	if New(0).Workers() < 1 {
		t.Fatalf("expected at least one worker")
	}
}
