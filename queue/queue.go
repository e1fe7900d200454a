package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/JohnDataAnalyst/pigmalion-v06/metrics"
)

// Task encapsulates a unit of ingest work processed by the worker pool,
// typically one spool file.
type Task struct {
	ID       string
	Source   string
	Run      func(context.Context) error
	OnFinish func(error)
}

// Queue is a bounded task queue with a fixed worker pool. The watcher and
// the backfill pass both feed it; workers drain it one spool file at a
// time.
type Queue struct {
	tasks       chan Task
	workerCount int
	timeout     time.Duration
	stats       *metrics.Metrics
	started     bool
	mu          sync.RWMutex
	wg          sync.WaitGroup
}

// New creates a Queue with the provided capacity, worker count, per-task
// timeout, and metrics sink.
func New(capacity, workerCount int, timeout time.Duration, stats *metrics.Metrics) *Queue {
	if stats == nil {
		stats = metrics.New()
	}
	q := &Queue{
		tasks:       make(chan Task, capacity),
		workerCount: workerCount,
		timeout:     timeout,
		stats:       stats,
	}
	stats.UpdateQueue(0, capacity, workerCount)
	return q
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()
	for i := 0; i < q.workerCount; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Enqueue attempts to queue a task without blocking. Returns false if the
// queue is full or not started.
func (q *Queue) Enqueue(t Task) bool {
	q.mu.RLock()
	started := q.started
	q.mu.RUnlock()
	if !started {
		log.Printf("enqueue called before queue started for task %s", t.ID)
		return false
	}
	select {
	case q.tasks <- t:
		q.stats.UpdateQueue(len(q.tasks), cap(q.tasks), q.workerCount)
		return true
	default:
		log.Printf("task queue full, dropping task %s", t.ID)
		return false
	}
}

// Stop stops accepting new tasks and waits for workers to drain until the
// context is done.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	close(q.tasks)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Healthy returns true if the queue has been started.
func (q *Queue) Healthy() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.started
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-q.tasks:
			if !ok {
				return
			}
			q.handleTask(ctx, t)
		}
	}
}

func (q *Queue) handleTask(ctx context.Context, t Task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("task %s panic recovered: %v", t.ID, r)
		}
	}()

	taskCtx, cancel := context.WithTimeout(ctx, q.timeout)
	err := t.Run(taskCtx)
	cancel()
	if t.OnFinish != nil {
		t.OnFinish(err)
	}
	q.stats.UpdateQueue(len(q.tasks), cap(q.tasks), q.workerCount)
	status := "success"
	if err != nil {
		status = err.Error()
	}
	log.Printf("task_source=%s task=%s duration_ms=%d status=%s", t.Source, t.ID, time.Since(start).Milliseconds(), status)
}
