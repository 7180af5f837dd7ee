package marketsync

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/erp/marketsync/internal/infrastructure/logger"
	"github.com/erp/marketsync/internal/infrastructure/marketplace"
	"github.com/erp/marketsync/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// finalizeTimeout bounds the final save of a run whose context has expired
const finalizeTimeout = 10 * time.Second

// MarketplaceSource is the part of the marketplace client the orchestrator needs
type MarketplaceSource interface {
	marketplace.PageSource
	IsConfigured(account marketsync.AccountScope) bool
}

// RunExecutor runs background work. The scheduler's worker pool implements it.
type RunExecutor interface {
	Submit(name string, task func(ctx context.Context)) error
}

// RunRequest describes one sync run
type RunRequest struct {
	Resource marketsync.ResourceType
	Scope    marketsync.ScopeSelector
	Mode     marketsync.SyncMode
	// MaxPages caps pages per account; 0 means the hard ceiling
	MaxPages int
}

// Orchestrator executes sync runs over the configured accounts
type Orchestrator struct {
	runs             marketsync.SyncRunRepository
	source           MarketplaceSource
	pager            *marketplace.Pager
	upserter         *UpsertService
	reconciler       *InventoryReconciler
	executor         RunExecutor
	metrics          marketsync.MetricsSink
	logger           *zap.Logger
	now              Clock
	runTimeout       time.Duration
	maxErrors        int
	parallelAccounts bool
}

// OrchestratorConfig holds the dependencies and settings of Orchestrator
type OrchestratorConfig struct {
	Runs       marketsync.SyncRunRepository
	Source     MarketplaceSource
	Upserter   *UpsertService
	Reconciler *InventoryReconciler
	// Executor runs Start requests; nil runs them on a plain goroutine
	Executor RunExecutor
	Metrics  marketsync.MetricsSink
	Logger   *zap.Logger
	Clock    Clock
	// RunTimeout bounds a run when the caller's context has no earlier deadline
	RunTimeout       time.Duration
	MaxErrors        int
	ParallelAccounts bool
}

// NewOrchestrator creates a new Orchestrator
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = marketsync.NopMetrics{}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	maxErrors := cfg.MaxErrors
	if maxErrors <= 0 {
		maxErrors = marketsync.DefaultMaxErrors
	}
	return &Orchestrator{
		runs:             cfg.Runs,
		source:           cfg.Source,
		pager:            marketplace.NewPager(cfg.Source, metrics),
		upserter:         cfg.Upserter,
		reconciler:       cfg.Reconciler,
		executor:         cfg.Executor,
		metrics:          metrics,
		logger:           log,
		now:              clockOrNow(cfg.Clock),
		runTimeout:       cfg.RunTimeout,
		maxErrors:        maxErrors,
		parallelAccounts: cfg.ParallelAccounts,
	}
}

// SetExecutor sets the background executor.
// This is useful when the scheduler is created after the orchestrator.
func (o *Orchestrator) SetExecutor(executor RunExecutor) {
	o.executor = executor
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// Run executes a sync run to completion and returns it in its terminal state.
// The error is only set when the run could not be created.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*marketsync.SyncRun, error) {
	run, err := o.createRun(ctx, req)
	if err != nil {
		return nil, err
	}
	o.execute(ctx, run)
	return run, nil
}

// Start creates the run and executes it in the background. The returned copy
// is the run as created; poll GetRun for progress.
func (o *Orchestrator) Start(ctx context.Context, req RunRequest) (*marketsync.SyncRun, error) {
	run, err := o.createRun(ctx, req)
	if err != nil {
		return nil, err
	}
	snapshot := copyRun(run)

	bg := context.WithoutCancel(ctx)
	task := func(taskCtx context.Context) {
		o.execute(mergeCancel(bg, taskCtx), run)
	}
	if o.executor == nil {
		go task(context.Background())
		return snapshot, nil
	}
	if err := o.executor.Submit("sync_run:"+run.ID.String(), task); err != nil {
		run.AddError(fmt.Sprintf("could not schedule run: %v", err))
		run.Fail(marketsync.FailureCancelled, o.now())
		o.saveFinal(bg, run)
		return copyRun(run), err
	}
	return snapshot, nil
}

// GetRun returns a run by ID
func (o *Orchestrator) GetRun(ctx context.Context, id uuid.UUID) (*marketsync.SyncRun, error) {
	return o.runs.FindByID(ctx, id)
}

// ListRuns returns the latest runs, optionally filtered by resource
func (o *Orchestrator) ListRuns(ctx context.Context, resource marketsync.ResourceType, limit int) ([]*marketsync.SyncRun, error) {
	return o.runs.ListRecent(ctx, resource, limit)
}

// RecoverInterrupted fails runs left running by a previous process
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int64, error) {
	n, err := o.runs.MarkInterrupted(ctx, o.now())
	if err != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", err)
	}
	if n > 0 {
		o.logger.Warn("Marked interrupted sync runs as failed", zap.Int64("count", n))
	}
	return n, nil
}

// PruneRuns deletes runs that started before now minus retention
func (o *Orchestrator) PruneRuns(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	n, err := o.runs.PruneBefore(ctx, o.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("prune sync runs: %w", err)
	}
	if n > 0 {
		o.logger.Info("Pruned old sync runs", zap.Int64("count", n), zap.Duration("retention", retention))
	}
	return n, nil
}

func (o *Orchestrator) createRun(ctx context.Context, req RunRequest) (*marketsync.SyncRun, error) {
	run, err := marketsync.NewSyncRun(req.Resource, req.Scope, req.Mode, req.MaxPages, o.maxErrors, o.now())
	if err != nil {
		return nil, err
	}
	if err := o.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create sync run: %w", err)
	}
	return run, nil
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// runTracker guards the run while accounts are processed in parallel. Every
// write to the run or an account result goes through update.
type runTracker struct {
	mu       sync.Mutex
	run      *marketsync.SyncRun
	panicked bool
}

func (t *runTracker) update(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn()
}

func (o *Orchestrator) execute(ctx context.Context, run *marketsync.SyncRun) {
	ctx = logger.WithRunID(ctx, run.ID.String())
	ctx, span := telemetry.StartSpan(ctx, "sync.run",
		telemetry.WithAttribute(telemetry.SpanAttrRunID, run.ID.String()),
		telemetry.WithAttribute(telemetry.SpanAttrResource, run.Resource.String()),
		telemetry.WithAttribute(telemetry.SpanAttrMode, run.Mode.String()),
		telemetry.WithAttribute("sync.scope", run.Scope.String()),
	)
	defer span.End()

	if o.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.runTimeout)
		defer cancel()
	}

	log := logger.WithLogger(ctx, o.logger)
	log.Info("Sync run started",
		zap.String("resource", run.Resource.String()),
		zap.String("scope", run.Scope.String()),
		zap.String("mode", run.Mode.String()),
		zap.Int("max_pages", run.MaxPages),
	)

	tracker := &runTracker{run: run}
	defer o.finalize(ctx, span, tracker)

	accounts := run.Scope.Accounts()
	if o.parallelAccounts && len(accounts) > 1 {
		var wg sync.WaitGroup
		for _, account := range accounts {
			wg.Add(1)
			go func(account marketsync.AccountScope) {
				defer wg.Done()
				o.processAccountSafely(ctx, tracker, account)
			}(account)
		}
		wg.Wait()
		return
	}
	for _, account := range accounts {
		if ctx.Err() != nil {
			return
		}
		o.processAccountSafely(ctx, tracker, account)
	}
}

// finalize moves the run to a terminal state on every exit path and persists it
func (o *Orchestrator) finalize(ctx context.Context, span trace.Span, tracker *runTracker) {
	run := tracker.run
	if r := recover(); r != nil {
		tracker.panicked = true
		run.AddError(fmt.Sprintf("panic: %v", r))
		logger.WithLogger(ctx, o.logger).Error("Sync run panicked",
			zap.Any("panic", r),
			zap.ByteString("stack", debug.Stack()),
		)
	}

	now := o.now()
	switch {
	case tracker.panicked:
		run.Fail(marketsync.FailurePanic, now)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		run.AddError(marketsync.ErrDeadlineExceeded.Error())
		run.Fail(marketsync.FailureDeadlineExceeded, now)
	case ctx.Err() != nil:
		run.Fail(marketsync.FailureCancelled, now)
	default:
		run.Finish(now)
	}

	o.saveFinal(ctx, run)
	o.metrics.RunFinished(ctx, run)

	telemetry.SetAttributes(span,
		"sync.status", run.Status.String(),
		"sync.total_items", run.TotalItems,
		"sync.failed", run.Failed,
	)
	if run.Status == marketsync.SyncRunFailed {
		telemetry.RecordError(span, errors.New(run.FailureReason))
	}

	logger.WithLogger(ctx, o.logger).Info("Sync run finished",
		zap.String("status", run.Status.String()),
		zap.String("failure_reason", run.FailureReason),
		zap.Int("total_items", run.TotalItems),
		zap.Int("created", run.Created),
		zap.Int("updated", run.Updated),
		zap.Int("unchanged", run.Unchanged),
		zap.Int("failed", run.Failed),
		zap.Int("errors", run.ErrorCount),
		zap.Duration("duration", run.Duration()),
	)
}

// saveFinal persists the run even when ctx has already expired
func (o *Orchestrator) saveFinal(ctx context.Context, run *marketsync.SyncRun) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := o.runs.Save(saveCtx, run); err != nil {
		logger.WithLogger(ctx, o.logger).Error("Failed to persist sync run", zap.Error(err))
	}
}

// saveProgress persists intermediate counters so status polling sees progress
func (o *Orchestrator) saveProgress(ctx context.Context, tracker *runTracker) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	tracker.run.UpdatedAt = o.now()
	if err := o.runs.Save(ctx, tracker.run); err != nil && ctx.Err() == nil {
		logger.WithLogger(ctx, o.logger).Warn("Failed to persist sync progress", zap.Error(err))
	}
}

func (o *Orchestrator) processAccountSafely(ctx context.Context, tracker *runTracker, account marketsync.AccountScope) {
	run := tracker.run
	labels := telemetry.SyncRunLabels(run.Resource.String(), account.String(), run.Mode.String())
	telemetry.WithProfilingLabels(ctx, labels, func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				tracker.update(func() {
					tracker.panicked = true
					run.AddError(fmt.Sprintf("account %s: panic: %v", account, r))
					run.Account(account).Fail(marketsync.FailurePanic)
				})
				logger.WithLogger(ctx, o.logger).Error("Account sync panicked",
					zap.String("account", account.String()),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
			}
		}()
		o.processAccount(ctx, tracker, account)
	})
}

// processAccount fetches and upserts every page of one account in cursor order
func (o *Orchestrator) processAccount(ctx context.Context, tracker *runTracker, account marketsync.AccountScope) {
	run := tracker.run
	acc := run.Account(account)
	ctx = logger.WithAccount(ctx, account.String())
	ctx, span := telemetry.StartSpan(ctx, "sync.account",
		telemetry.WithAttribute(telemetry.SpanAttrRunID, run.ID.String()),
		telemetry.WithAttribute(telemetry.SpanAttrAccount, account.String()),
	)
	defer span.End()
	log := logger.WithLogger(ctx, o.logger)

	failAccount := func(msg string) {
		tracker.update(func() {
			acc.Fail(msg)
			run.AddError(fmt.Sprintf("account %s: %s", account, msg))
		})
		telemetry.RecordError(span, errors.New(msg))
	}

	if !o.source.IsConfigured(account) {
		failAccount(marketsync.ErrAccountNotConfigured.Error())
		log.Warn("Skipping account without credentials")
		return
	}

	cursor := marketsync.IncrementalCursor{StartPage: 1, WindowStart: run.StartedAt}
	if run.Mode == marketsync.SyncModeIncremental {
		prev, err := o.runs.LastCompletedPortion(ctx, run.Resource, account)
		if err != nil {
			failAccount(fmt.Sprintf("load incremental watermark: %v", err))
			return
		}
		cursor = marketsync.NextIncrementalCursor(prev, run.StartedAt)
		if cursor.Resumed() {
			log.Info("Resuming listing cut short by the page limit", zap.Int("page", cursor.StartPage))
		}
	}
	tracker.update(func() {
		acc.UpdatedSince = cursor.UpdatedSince
		windowStart := cursor.WindowStart
		acc.WindowStart = &windowStart
	})
	filter := marketplace.Filter{StartPage: cursor.StartPage, UpdatedSince: cursor.UpdatedSince}

	iter := o.pager.FetchAll(run.Resource, account, filter, run.MaxPages)
	for {
		page, ok := iter.Next(ctx)
		if !ok {
			break
		}
		tracker.update(func() {
			acc.PagesFetched++
			acc.LastPage = page.Number
		})
		telemetry.AddEvent(span, "page", telemetry.SpanAttrPage, page.Number, "items", len(page.Items))

		for _, item := range page.Items {
			if ctx.Err() != nil {
				break
			}
			outcome, err := o.upserter.UpsertRaw(ctx, run.Resource, account, item)
			tracker.update(func() {
				acc.Record(outcome)
				if err != nil {
					run.AddError(fmt.Sprintf("account %s page %d: %v", account, page.Number, err))
				}
			})
			if err != nil {
				log.Warn("Record upsert failed",
					zap.Int("page", page.Number),
					zap.String("remote_id", marketsync.ProbeRemoteID(item)),
					zap.Error(err),
				)
			}
		}
		log.Debug("Page processed",
			zap.Int("page", page.Number),
			zap.Int("items", len(page.Items)),
			zap.Bool("has_more", page.HasMore),
		)
		o.saveProgress(ctx, tracker)
	}

	if ctx.Err() != nil {
		// the run finalizer records the deadline or cancellation
		return
	}
	if err := iter.Err(); err != nil {
		if marketplace.KindOf(err) == marketplace.KindAuthFailure {
			log.Error("Marketplace rejected account credentials, aborting account", zap.Error(err))
		} else {
			log.Warn("Page fetch failed, skipping rest of account", zap.Error(err))
		}
		failAccount(err.Error())
	} else if iter.Truncated() {
		tracker.update(func() {
			acc.Truncated = true
			acc.Warn(fmt.Sprintf("page limit reached, listing continues at page %d", iter.NextPage()))
		})
		log.Warn("Page limit reached before the end of the listing", zap.Int("next_page", iter.NextPage()))
	}

	if run.Resource == marketsync.ResourceProducts && o.reconciler != nil && marketplace.KindOf(iter.Err()) != marketplace.KindAuthFailure {
		res, err := o.reconciler.Reconcile(ctx, account)
		if err != nil {
			log.Warn("Inventory reconcile failed", zap.Error(err))
		}
		tracker.update(func() {
			if err != nil {
				acc.Warn(fmt.Sprintf("inventory reconcile failed: %v", err))
				return
			}
			acc.InventoryRows = res.ItemsSynced
			acc.LowStock = res.LowStockCount
		})
	}

	tracker.update(func() {
		if acc.Status == marketsync.SyncRunRunning {
			acc.Status = marketsync.SyncRunCompleted
		}
	})
	log.Info("Account sync finished",
		zap.String("status", acc.Status.String()),
		zap.Int("pages", acc.PagesFetched),
		zap.Int("items", acc.TotalItems),
		zap.Int("failed", acc.Failed),
	)
}

// mergeCancel returns base cancelled when either base or extra is done
func mergeCancel(base, extra context.Context) context.Context {
	ctx, cancel := context.WithCancel(base)
	stop := context.AfterFunc(extra, cancel)
	context.AfterFunc(ctx, func() { stop() })
	return ctx
}

// copyRun returns a copy safe to hand out while the original keeps running
func copyRun(run *marketsync.SyncRun) *marketsync.SyncRun {
	cp := *run
	cp.Accounts = make([]marketsync.AccountResult, len(run.Accounts))
	for i, acc := range run.Accounts {
		acc.Warnings = append([]string(nil), acc.Warnings...)
		cp.Accounts[i] = acc
	}
	cp.Errors = append([]string(nil), run.Errors...)
	return &cp
}
