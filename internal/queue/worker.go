package queue

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/codebuildervaibhav/scribber/internal/logging"
	"github.com/codebuildervaibhav/scribber/internal/metrics"
)

// WorkerPool runs tasks on a fixed number of goroutines fed by a bounded queue.
type WorkerPool struct {
	taskQueue   chan *Task
	workerCount int
	metrics     *metrics.Metrics
	logger      zerolog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(workerCount, queueSize int, m *metrics.Metrics) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &WorkerPool{
		taskQueue:   make(chan *Task, queueSize),
		workerCount: workerCount,
		metrics:     m,
		logger:      logging.WithComponent("worker-pool"),
	}
}

// Start initializes all workers
func (wp *WorkerPool) Start() {
	wp.logger.Info().Int("workers", wp.workerCount).Int("queueSize", cap(wp.taskQueue)).Msg("Starting worker pool")
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Submit enqueues a task without blocking. It returns ErrQueueFull when the
// queue is at capacity and ErrPoolClosed after Stop.
func (wp *WorkerPool) Submit(task *Task) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		return ErrPoolClosed
	}

	select {
	case wp.taskQueue <- task:
		wp.metrics.QueueDepth.Set(float64(len(wp.taskQueue)))
		wp.logger.Debug().Str("taskId", task.ID).Str("kind", task.Kind).Msg("Task enqueued")
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for queued and running tasks to return, or
// for ctx to expire.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	wp.mu.Lock()
	if !wp.closed {
		wp.closed = true
		close(wp.taskQueue)
	}
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Info().Msg("Worker pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker processes tasks from the queue
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	wp.logger.Debug().Int("worker", id).Msg("Worker started")

	for task := range wp.taskQueue {
		wp.metrics.QueueDepth.Set(float64(len(wp.taskQueue)))
		wp.run(id, task)
	}
}

func (wp *WorkerPool) run(id int, task *Task) {
	// Panic recovery
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error().
				Int("worker", id).
				Str("taskId", task.ID).
				Str("kind", task.Kind).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("PANIC processing task")
			if task.OnPanic != nil {
				task.OnPanic(r)
			}
		}
	}()

	task.Run(context.Background())
}
