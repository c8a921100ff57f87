package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

// ErrPoolClosed is returned when a job is submitted after Close
var ErrPoolClosed = errors.New("worker pool is closed")

// WorkerPool runs jobs on a fixed number of goroutines
type WorkerPool struct {
	workers  int
	jobQueue chan func()
	pending  sync.WaitGroup
	running  sync.WaitGroup
	once     sync.Once

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool creates a new worker pool with the specified number of workers
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	return &WorkerPool{
		workers:  workers,
		jobQueue: make(chan func(), workers*2),
	}
}

// Workers returns the number of worker goroutines
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Start initializes and starts all workers in the pool
func (wp *WorkerPool) Start() {
	wp.once.Do(func() {
		wp.running.Add(wp.workers)
		for i := 0; i < wp.workers; i++ {
			go wp.worker()
		}
	})
}

// worker processes jobs from the job queue
func (wp *WorkerPool) worker() {
	defer wp.running.Done()
	for job := range wp.jobQueue {
		job()
		wp.pending.Done()
	}
}

// Submit adds a job to the worker pool queue, blocking while the queue is full
func (wp *WorkerPool) Submit(job func()) error {
	return wp.SubmitContext(context.Background(), job)
}

// SubmitContext is Submit that gives up when ctx ends before the job is queued
func (wp *WorkerPool) SubmitContext(ctx context.Context, job func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		return ErrPoolClosed
	}

	wp.pending.Add(1)
	select {
	case wp.jobQueue <- job:
		return nil
	case <-ctx.Done():
		wp.pending.Done()
		return ctx.Err()
	}
}

// Wait waits for all submitted jobs to complete
func (wp *WorkerPool) Wait() {
	wp.pending.Wait()
}

// Close stops accepting jobs, lets queued jobs finish and waits for the
// workers to exit
func (wp *WorkerPool) Close() {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return
	}
	wp.closed = true
	close(wp.jobQueue)
	wp.mu.Unlock()

	// workers that were never started still have to drain the queue
	wp.Start()
	wp.running.Wait()
}

// Group tracks a subset of jobs so callers sharing a pool wait only for
// their own work
type Group struct {
	pool *WorkerPool
	wg   sync.WaitGroup
}

// NewGroup creates a job group on the pool
func (wp *WorkerPool) NewGroup() *Group {
	return &Group{pool: wp}
}

// Go submits job as part of the group
func (g *Group) Go(ctx context.Context, job func()) error {
	g.wg.Add(1)
	err := g.pool.SubmitContext(ctx, func() {
		defer g.wg.Done()
		job()
	})
	if err != nil {
		g.wg.Done()
	}
	return err
}

// Wait waits for the group's jobs
func (g *Group) Wait() {
	g.wg.Wait()
}
