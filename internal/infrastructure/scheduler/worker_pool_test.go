package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Test Helpers
// ---------------------------------------------------------------------------

func newTestLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func newStartedPool(t *testing.T, cfg WorkerPoolConfig) *WorkerPool {
	t.Helper()
	pool, err := NewWorkerPool(cfg, newTestLogger())
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})
	return pool
}

// ---------------------------------------------------------------------------
// Task Tests
// ---------------------------------------------------------------------------

func TestTask_Lifecycle(t *testing.T) {
	task := NewTask("sync_run:1", func(context.Context) {})
	assert.Equal(t, TaskStatusPending, task.Status)
	assert.Nil(t, task.StartedAt)

	task.Error = "previous error"
	task.Start()
	assert.Equal(t, TaskStatusRunning, task.Status)
	assert.NotNil(t, task.StartedAt)
	assert.Empty(t, task.Error)

	task.Fail("boom")
	assert.Equal(t, TaskStatusFailed, task.Status)
	assert.NotNil(t, task.CompletedAt)
	assert.Equal(t, "boom", task.Error)
}

// ---------------------------------------------------------------------------
// WorkerPoolConfig Tests
// ---------------------------------------------------------------------------

func TestWorkerPoolConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*WorkerPoolConfig)
		wantErr bool
	}{
		{"Default config is valid", func(*WorkerPoolConfig) {}, false},
		{"Zero workers", func(c *WorkerPoolConfig) { c.MaxConcurrentJobs = 0 }, true},
		{"Zero queue", func(c *WorkerPoolConfig) { c.QueueSize = 0 }, true},
		{"Negative timeout", func(c *WorkerPoolConfig) { c.JobTimeout = -time.Second }, true},
		{"No timeout", func(c *WorkerPoolConfig) { c.JobTimeout = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultWorkerPoolConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidConfig))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// WorkerPool Tests
// ---------------------------------------------------------------------------

func TestWorkerPool_SubmitBeforeStart(t *testing.T) {
	pool, err := NewWorkerPool(DefaultWorkerPoolConfig(), newTestLogger())
	require.NoError(t, err)

	err = pool.Submit("task", func(context.Context) {})
	assert.ErrorIs(t, err, ErrSchedulerNotRunning)
}

func TestWorkerPool_RunsTasks(t *testing.T) {
	pool := newStartedPool(t, DefaultWorkerPoolConfig())
	var count atomic.Int32

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit("task", func(context.Context) { count.Add(1) }))
	}

	require.Eventually(t, func() bool { return count.Load() == 5 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(pool.GetTaskHistory(0)) == 5 }, 2*time.Second, 5*time.Millisecond)
	for _, task := range pool.GetTaskHistory(0) {
		assert.Equal(t, TaskStatusSuccess, task.Status)
	}
	assert.Len(t, pool.GetTaskHistory(2), 2)
}

func TestWorkerPool_QueueFull(t *testing.T) {
	pool := newStartedPool(t, WorkerPoolConfig{MaxConcurrentJobs: 1, QueueSize: 1})
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, pool.Submit("blocker", func(context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, pool.Submit("queued", func(context.Context) {}))

	err := pool.Submit("overflow", func(context.Context) {})
	assert.ErrorIs(t, err, ErrJobQueueFull)
	assert.Equal(t, 1, pool.QueueLength())

	close(release)
}

func TestWorkerPool_JobTimeout(t *testing.T) {
	pool := newStartedPool(t, WorkerPoolConfig{MaxConcurrentJobs: 1, QueueSize: 1, JobTimeout: 20 * time.Millisecond})
	errCh := make(chan error, 1)

	require.NoError(t, pool.Submit("slow", func(ctx context.Context) {
		<-ctx.Done()
		errCh <- ctx.Err()
	}))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("task context was not cancelled")
	}
}

func TestWorkerPool_PanicDoesNotKillWorker(t *testing.T) {
	pool := newStartedPool(t, WorkerPoolConfig{MaxConcurrentJobs: 1, QueueSize: 2})
	var ran atomic.Bool

	require.NoError(t, pool.Submit("panics", func(context.Context) { panic("boom") }))
	require.NoError(t, pool.Submit("after", func(context.Context) { ran.Store(true) }))

	require.Eventually(t, ran.Load, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(pool.GetTaskHistory(0)) == 2 }, 2*time.Second, 5*time.Millisecond)
	history := pool.GetTaskHistory(0)
	assert.Equal(t, "after", history[0].Name)
	assert.Equal(t, TaskStatusFailed, history[1].Status)
	assert.Contains(t, history[1].Error, "boom")
}

func TestWorkerPool_StopCancelsRunningTasks(t *testing.T) {
	pool, err := NewWorkerPool(WorkerPoolConfig{MaxConcurrentJobs: 1, QueueSize: 1}, newTestLogger())
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	started := make(chan struct{})

	require.NoError(t, pool.Submit("long", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(ctx))
	assert.ErrorIs(t, pool.Submit("late", func(context.Context) {}), ErrSchedulerNotRunning)
	// stopping twice is a no-op
	assert.NoError(t, pool.Stop(ctx))
}
