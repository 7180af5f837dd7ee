package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TaskStatus represents the status of a pool task
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "PENDING"
	TaskStatusRunning TaskStatus = "RUNNING"
	TaskStatusSuccess TaskStatus = "SUCCESS"
	TaskStatusFailed  TaskStatus = "FAILED"
)

// Task is one unit of background work, typically a sync run
type Task struct {
	ID          uuid.UUID
	Name        string
	Status      TaskStatus
	Error       string
	SubmittedAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	fn func(ctx context.Context)
}

// NewTask creates a pending task
func NewTask(name string, fn func(ctx context.Context)) *Task {
	return &Task{
		ID:          uuid.New(),
		Name:        name,
		Status:      TaskStatusPending,
		SubmittedAt: time.Now(),
		fn:          fn,
	}
}

// Start marks the task as running
func (t *Task) Start() {
	now := time.Now()
	t.Status = TaskStatusRunning
	t.StartedAt = &now
	t.Error = ""
}

// Complete marks the task as successful
func (t *Task) Complete() {
	now := time.Now()
	t.Status = TaskStatusSuccess
	t.CompletedAt = &now
}

// Fail marks the task as failed
func (t *Task) Fail(err string) {
	now := time.Now()
	t.Status = TaskStatusFailed
	t.CompletedAt = &now
	t.Error = err
}

// WorkerPoolConfig holds worker pool configuration
type WorkerPoolConfig struct {
	// MaxConcurrentJobs is the number of workers
	MaxConcurrentJobs int
	// QueueSize bounds the tasks waiting for a worker
	QueueSize int
	// JobTimeout bounds one task; 0 leaves the task to its own deadline
	JobTimeout time.Duration
	// HistorySize is how many finished tasks are kept for monitoring
	HistorySize int
}

// DefaultWorkerPoolConfig returns default configuration
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		MaxConcurrentJobs: 2,
		QueueSize:         100,
		JobTimeout:        30 * time.Minute,
		HistorySize:       100,
	}
}

// Validate validates the configuration
func (c *WorkerPoolConfig) Validate() error {
	if c.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("%w: max_concurrent_jobs must be positive", ErrInvalidConfig)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("%w: queue_size must be positive", ErrInvalidConfig)
	}
	if c.JobTimeout < 0 {
		return fmt.Errorf("%w: job_timeout cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// WorkerPool runs submitted tasks on a fixed number of workers. It implements
// the orchestrator's RunExecutor.
type WorkerPool struct {
	config WorkerPoolConfig
	logger *zap.Logger

	tasks     chan *Task
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool

	// Task history for monitoring (in-memory, limited size)
	historyMu sync.RWMutex
	history   []Task
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(config WorkerPoolConfig, logger *zap.Logger) (*WorkerPool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{
		config:  config,
		logger:  logger,
		tasks:   make(chan *Task, config.QueueSize),
		history: make([]Task, 0, config.HistorySize),
	}, nil
}

// Start starts the workers
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.isRunning {
		p.mu.Unlock()
		return nil
	}
	p.isRunning = true
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.config.MaxConcurrentJobs; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	p.logger.Info("Sync worker pool started",
		zap.Int("workers", p.config.MaxConcurrentJobs),
		zap.Int("queue_size", p.config.QueueSize),
		zap.Duration("job_timeout", p.config.JobTimeout),
	)
	return nil
}

// Stop cancels running tasks and waits for the workers to exit
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return nil
	}
	p.isRunning = false
	close(p.tasks)
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Sync worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		p.logger.Warn("Sync worker pool stop timed out")
		return ctx.Err()
	}
}

// Submit queues fn for execution. It never blocks: a full queue is an error.
func (p *WorkerPool) Submit(name string, fn func(ctx context.Context)) error {
	task := NewTask(name, fn)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isRunning {
		return ErrSchedulerNotRunning
	}

	select {
	case p.tasks <- task:
		p.logger.Debug("Task submitted",
			zap.String("task_id", task.ID.String()),
			zap.String("name", name),
		)
		return nil
	default:
		return ErrJobQueueFull
	}
}

// QueueLength returns the number of tasks waiting for a worker
func (p *WorkerPool) QueueLength() int {
	return len(p.tasks)
}

// worker processes tasks from the queue
func (p *WorkerPool) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()

	p.logger.Debug("Worker started", zap.Int("worker_id", workerID))

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("Worker stopping", zap.Int("worker_id", workerID))
			return
		case task, ok := <-p.tasks:
			if !ok {
				p.logger.Debug("Task channel closed", zap.Int("worker_id", workerID))
				return
			}
			p.processTask(ctx, task, workerID)
		}
	}
}

// processTask executes a single task. A panicking task fails without taking the worker down.
func (p *WorkerPool) processTask(ctx context.Context, task *Task, workerID int) {
	task.Start()
	p.logger.Info("Processing task",
		zap.Int("worker_id", workerID),
		zap.String("task_id", task.ID.String()),
		zap.String("name", task.Name),
	)

	taskCtx := ctx
	if p.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, p.config.JobTimeout)
		defer cancel()
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				task.Fail(fmt.Sprintf("panic: %v", r))
				p.logger.Error("Task panicked",
					zap.Int("worker_id", workerID),
					zap.String("task_id", task.ID.String()),
					zap.String("name", task.Name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
			}
		}()
		task.fn(taskCtx)
		task.Complete()
	}()

	if task.Status == TaskStatusSuccess {
		p.logger.Info("Task completed",
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID.String()),
			zap.String("name", task.Name),
			zap.Duration("duration", task.CompletedAt.Sub(*task.StartedAt)),
		)
	}
	p.addToHistory(task)
}

// addToHistory adds a finished task to history
func (p *WorkerPool) addToHistory(task *Task) {
	p.historyMu.Lock()
	defer p.historyMu.Unlock()

	p.history = append([]Task{*task}, p.history...)
	if len(p.history) > p.config.HistorySize {
		p.history = p.history[:p.config.HistorySize]
	}
}

// GetTaskHistory returns recently finished tasks, newest first
func (p *WorkerPool) GetTaskHistory(limit int) []Task {
	p.historyMu.RLock()
	defer p.historyMu.RUnlock()

	if limit <= 0 || limit > len(p.history) {
		limit = len(p.history)
	}
	result := make([]Task, limit)
	copy(result, p.history[:limit])
	return result
}
