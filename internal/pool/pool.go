// Package pool provides the background worker pool a develop session shares
// with its collaborators. Work is submitted as context-aware closures; the
// pool bounds parallelism and aggregates the first failure.
package pool

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of background work.
type Task func(ctx context.Context) error

// Pool executes tasks with bounded parallelism. A Pool is created once at
// bootstrap and shared by reference for the rest of the session.
type Pool struct {
	workers int

	mu     sync.Mutex
	closed bool
}

// New creates a pool. workers <= 0 defaults to the CPU count.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{workers: workers}
}

// Workers reports the configured parallelism.
func (p *Pool) Workers() int {
	return p.workers
}

// Close marks the pool as shut down; subsequent Run calls fail fast.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Run executes all tasks and blocks until they finish or the context is
// cancelled. The first task error cancels the remaining tasks and is
// returned.
func (p *Pool) Run(ctx context.Context, tasks []Task) error {
	if p == nil {
		return fmt.Errorf("pool: not initialized")
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return fmt.Errorf("pool: closed")
	}
	if len(tasks) == 0 {
		return nil
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.workers)
	for _, task := range tasks {
		task := task
		if task == nil {
			continue
		}
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			return task(groupCtx)
		})
	}
	return group.Wait()
}
