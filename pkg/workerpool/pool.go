// Package workerpool provides a bounded worker pool used to evaluate many
// data mappings concurrently without unbounded goroutine growth.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Task is one unit of work
type Task struct {
	ID      string
	Payload interface{}
}

// Result is the outcome of one task
type Result struct {
	TaskID string
	Err    error
	Data   interface{}
}

// WorkerFunc processes a single task
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds pool sizing
type Config struct {
	Workers   int
	QueueSize int
	// GracefulShutdownTimeout bounds how long Stop waits for in-flight work
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns conservative defaults
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool fans tasks out to a fixed set of workers and collects results on a
// buffered channel
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     zerolog.Logger

	taskChan   chan *Task
	resultChan chan *Result
	wg         sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
}

// New creates a pool. Workers are not started until Start is called.
func New(cfg Config, fn WorkerFunc, logger zerolog.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		taskChan:   make(chan *Task, cfg.QueueSize),
		resultChan: make(chan *Result, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Debug().
		Int("workers", p.config.Workers).
		Int("queue_size", p.config.QueueSize).
		Msg("worker pool started")
}

// Submit queues a task. It blocks while the queue is full and fails once
// the pool is shutting down or ctx expires.
func (p *Pool) Submit(ctx context.Context, task *Task) error {
	select {
	case p.taskChan <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("pool is shutting down")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results returns the result channel. One result is emitted per submitted
// task.
func (p *Pool) Results() <-chan *Result {
	return p.resultChan
}

// Stop drains queued tasks, waits for workers up to the shutdown timeout
// and closes the result channel
func (p *Pool) Stop() {
	p.cancel()
	close(p.taskChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debug().Msg("worker pool stopped")
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn().Msg("worker pool shutdown timed out")
	}
	close(p.resultChan)
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.taskChan {
		result := p.workerFunc(p.ctx, task)
		if result == nil {
			result = &Result{TaskID: task.ID}
		}
		if result.Err != nil {
			atomic.AddInt64(&p.tasksFailed, 1)
			p.logger.Debug().
				Str("task_id", task.ID).
				Int("worker_id", id).
				Err(result.Err).
				Msg("task failed")
		} else {
			atomic.AddInt64(&p.tasksCompleted, 1)
		}
		p.resultChan <- result
	}
}

// Stats is a point-in-time snapshot of pool counters
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
}

func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
	}
}
