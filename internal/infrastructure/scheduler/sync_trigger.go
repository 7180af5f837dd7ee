package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	syncapp "github.com/erp/marketsync/internal/application/marketsync"
	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/erp/marketsync/internal/infrastructure/config"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Sync Jobs
// ---------------------------------------------------------------------------

// SyncJob is a sync run fired on a fixed cadence
type SyncJob struct {
	Name     string
	Interval time.Duration
	Request  syncapp.RunRequest
}

// JobsFromConfig converts configured jobs, rejecting unknown resources, scopes and modes
func JobsFromConfig(cfgs []config.SyncJobConfig) ([]SyncJob, error) {
	jobs := make([]SyncJob, 0, len(cfgs))
	seen := make(map[string]struct{}, len(cfgs))
	for _, c := range cfgs {
		if _, dup := seen[c.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate job name %q", ErrInvalidConfig, c.Name)
		}
		seen[c.Name] = struct{}{}

		if c.Interval <= 0 {
			return nil, fmt.Errorf("%w: job %q needs a positive interval", ErrInvalidConfig, c.Name)
		}
		resource := marketsync.ResourceType(c.Resource)
		if !resource.IsValid() {
			return nil, fmt.Errorf("%w: job %q has unknown resource %q", ErrInvalidConfig, c.Name, c.Resource)
		}
		scope, err := marketsync.ParseScopeSelector(c.Scope)
		if err != nil {
			return nil, fmt.Errorf("%w: job %q: %v", ErrInvalidConfig, c.Name, err)
		}
		mode := marketsync.SyncMode(c.Mode)
		if !mode.IsValid() {
			return nil, fmt.Errorf("%w: job %q has unknown mode %q", ErrInvalidConfig, c.Name, c.Mode)
		}
		jobs = append(jobs, SyncJob{
			Name:     c.Name,
			Interval: c.Interval,
			Request: syncapp.RunRequest{
				Resource: resource,
				Scope:    scope,
				Mode:     mode,
				MaxPages: c.MaxPages,
			},
		})
	}
	return jobs, nil
}

// ---------------------------------------------------------------------------
// SyncRunner
// ---------------------------------------------------------------------------

// SyncRunner is the part of the orchestrator the trigger drives
type SyncRunner interface {
	Start(ctx context.Context, req syncapp.RunRequest) (*marketsync.SyncRun, error)
	GetRun(ctx context.Context, id uuid.UUID) (*marketsync.SyncRun, error)
	RecoverInterrupted(ctx context.Context) (int64, error)
	PruneRuns(ctx context.Context, retention time.Duration) (int64, error)
}

// Ensure Orchestrator implements SyncRunner
var _ SyncRunner = (*syncapp.Orchestrator)(nil)

// ---------------------------------------------------------------------------
// SyncTriggerConfig
// ---------------------------------------------------------------------------

// SyncTriggerConfig holds configuration for the sync trigger
type SyncTriggerConfig struct {
	// CheckInterval is how often due jobs are looked for
	CheckInterval time.Duration
	// HousekeepInterval is how often old runs are pruned
	HousekeepInterval time.Duration
	// Retention is the age after which finished runs are pruned; 0 keeps them
	Retention time.Duration
	Jobs      []SyncJob
}

// DefaultSyncTriggerConfig returns default configuration
func DefaultSyncTriggerConfig() SyncTriggerConfig {
	return SyncTriggerConfig{
		CheckInterval:     10 * time.Second,
		HousekeepInterval: 6 * time.Hour,
	}
}

// ---------------------------------------------------------------------------
// SyncTrigger
// ---------------------------------------------------------------------------

// SyncTrigger starts configured sync jobs when they fall due and prunes old runs.
// A job whose previous run is still running is skipped until that run ends.
type SyncTrigger struct {
	config SyncTriggerConfig
	runner SyncRunner
	logger *zap.Logger
	now    func() time.Time

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool

	// Track last scheduled time and run per job to avoid overlapping runs
	stateMu       sync.RWMutex
	lastScheduled map[string]time.Time
	lastRun       map[string]uuid.UUID
	lastHousekeep time.Time
}

// NewSyncTrigger creates a new sync trigger
func NewSyncTrigger(cfg SyncTriggerConfig, runner SyncRunner, logger *zap.Logger) *SyncTrigger {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultSyncTriggerConfig().CheckInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncTrigger{
		config:        cfg,
		runner:        runner,
		logger:        logger,
		now:           time.Now,
		lastScheduled: make(map[string]time.Time),
		lastRun:       make(map[string]uuid.UUID),
	}
}

// Start recovers runs interrupted by a previous process and starts the loop
func (c *SyncTrigger) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return nil
	}
	c.isRunning = true
	c.mu.Unlock()

	if _, err := c.runner.RecoverInterrupted(ctx); err != nil {
		c.logger.Error("Failed to recover interrupted sync runs", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.runLoop(ctx)

	c.logger.Info("Sync trigger started",
		zap.Duration("check_interval", c.config.CheckInterval),
		zap.Int("jobs", len(c.config.Jobs)),
		zap.Duration("retention", c.config.Retention),
	)
	return nil
}

// Stop stops the trigger loop. Runs already started keep going in the pool.
func (c *SyncTrigger) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return nil
	}
	c.isRunning = false
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("Sync trigger stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runLoop periodically checks for due jobs
func (c *SyncTrigger) runLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	c.checkAndSchedule(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkAndSchedule(ctx)
		}
	}
}

// checkAndSchedule starts every due job and runs housekeeping when due
func (c *SyncTrigger) checkAndSchedule(ctx context.Context) {
	now := c.now()
	for _, job := range c.config.Jobs {
		if !c.isDue(job, now) {
			continue
		}
		if _, err := c.startJob(ctx, job, now); err != nil {
			if errors.Is(err, ErrJobAlreadyInProgress) {
				c.logger.Debug("Skipping sync job, previous run still running", zap.String("job", job.Name))
				continue
			}
			c.logger.Error("Failed to start sync job",
				zap.String("job", job.Name),
				zap.Error(err),
			)
		}
	}
	c.housekeep(ctx, now)
}

func (c *SyncTrigger) isDue(job SyncJob, now time.Time) bool {
	c.stateMu.RLock()
	last, exists := c.lastScheduled[job.Name]
	c.stateMu.RUnlock()
	return !exists || now.Sub(last) >= job.Interval
}

// startJob starts one run of job unless its previous run is still going
func (c *SyncTrigger) startJob(ctx context.Context, job SyncJob, now time.Time) (*marketsync.SyncRun, error) {
	c.stateMu.RLock()
	prevID, hasPrev := c.lastRun[job.Name]
	c.stateMu.RUnlock()
	if hasPrev {
		prev, err := c.runner.GetRun(ctx, prevID)
		if err == nil && !prev.IsTerminal() {
			return nil, ErrJobAlreadyInProgress
		}
	}

	c.logger.Info("Starting scheduled sync job",
		zap.String("job", job.Name),
		zap.String("resource", job.Request.Resource.String()),
		zap.String("scope", job.Request.Scope.String()),
		zap.String("mode", job.Request.Mode.String()),
	)
	run, err := c.runner.Start(ctx, job.Request)
	if run != nil {
		c.stateMu.Lock()
		c.lastScheduled[job.Name] = now
		c.lastRun[job.Name] = run.ID
		c.stateMu.Unlock()
	}
	return run, err
}

// housekeep prunes runs older than the retention once per HousekeepInterval
func (c *SyncTrigger) housekeep(ctx context.Context, now time.Time) {
	if c.config.Retention <= 0 || c.config.HousekeepInterval <= 0 {
		return
	}
	c.stateMu.Lock()
	if !c.lastHousekeep.IsZero() && now.Sub(c.lastHousekeep) < c.config.HousekeepInterval {
		c.stateMu.Unlock()
		return
	}
	c.lastHousekeep = now
	c.stateMu.Unlock()

	if _, err := c.runner.PruneRuns(ctx, c.config.Retention); err != nil {
		c.logger.Error("Failed to prune sync runs", zap.Error(err))
	}
}

// TriggerJob starts a configured job now, outside its cadence
func (c *SyncTrigger) TriggerJob(ctx context.Context, name string) (*marketsync.SyncRun, error) {
	for _, job := range c.config.Jobs {
		if job.Name == name {
			return c.startJob(ctx, job, c.now())
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrJobNotFound, name)
}

// JobState is the trigger's view of one configured job
type JobState struct {
	Name          string     `json:"name"`
	Interval      string     `json:"interval"`
	Resource      string     `json:"resource"`
	Scope         string     `json:"scope"`
	Mode          string     `json:"mode"`
	LastScheduled *time.Time `json:"last_scheduled,omitempty"`
	LastRunID     *uuid.UUID `json:"last_run_id,omitempty"`
}

// GetJobStates returns the configured jobs with their last scheduling, sorted by name
func (c *SyncTrigger) GetJobStates() []JobState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	states := make([]JobState, 0, len(c.config.Jobs))
	for _, job := range c.config.Jobs {
		st := JobState{
			Name:     job.Name,
			Interval: job.Interval.String(),
			Resource: job.Request.Resource.String(),
			Scope:    job.Request.Scope.String(),
			Mode:     job.Request.Mode.String(),
		}
		if t, ok := c.lastScheduled[job.Name]; ok {
			st.LastScheduled = &t
		}
		if id, ok := c.lastRun[job.Name]; ok {
			st.LastRunID = &id
		}
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states
}
