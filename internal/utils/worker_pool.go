package utils

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned when submitting to a pool after Shutdown.
var ErrPoolClosed = errors.New("worker pool: closed")

// WorkerPool runs submitted tasks on a fixed number of goroutines.
type WorkerPool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool starts a pool with the given number of workers (at least one).
func NewWorkerPool(workers int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	pool := &WorkerPool{tasks: make(chan func(), workers)}

	pool.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go pool.worker()
	}
	return pool
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for task := range wp.tasks {
		task()
	}
}

// Submit queues a task. It blocks while the queue is full and gives up when ctx is done.
func (wp *WorkerPool) Submit(ctx context.Context, task func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		return ErrPoolClosed
	}

	select {
	case wp.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunAll submits tasks and waits until every submitted one has finished.
// Tasks after a failed submit are skipped and the submit error is returned.
func (wp *WorkerPool) RunAll(ctx context.Context, tasks ...func()) error {
	var wg sync.WaitGroup
	var err error

	for _, task := range tasks {
		task := task
		wg.Add(1)
		if err = wp.Submit(ctx, func() {
			defer wg.Done()
			task()
		}); err != nil {
			wg.Done()
			break
		}
	}

	wg.Wait()
	return err
}

// Shutdown stops accepting tasks and waits for queued ones to finish.
func (wp *WorkerPool) Shutdown() {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return
	}
	wp.closed = true
	close(wp.tasks)
	wp.mu.Unlock()

	wp.wg.Wait()
}
