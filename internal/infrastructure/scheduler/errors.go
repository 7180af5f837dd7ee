package scheduler

import "errors"

var (
	// ErrSchedulerNotRunning is returned when trying to submit a task to a stopped pool
	ErrSchedulerNotRunning = errors.New("scheduler: not running")

	// ErrJobQueueFull is returned when the task queue is full
	ErrJobQueueFull = errors.New("scheduler: job queue is full")

	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("scheduler: invalid configuration")

	// ErrJobNotFound is returned when a named sync job is not configured
	ErrJobNotFound = errors.New("scheduler: sync job not found")

	// ErrJobAlreadyInProgress is returned when the previous run of a job is still running
	ErrJobAlreadyInProgress = errors.New("scheduler: sync job already in progress")
)
