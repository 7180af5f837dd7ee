package marketsync

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncRunStatus is the lifecycle state of a sync run or of one account's portion
type SyncRunStatus string

const (
	SyncRunRunning   SyncRunStatus = "running"
	SyncRunCompleted SyncRunStatus = "completed"
	SyncRunFailed    SyncRunStatus = "failed"
)

// IsValid returns true if the status is valid
func (s SyncRunStatus) IsValid() bool {
	switch s {
	case SyncRunRunning, SyncRunCompleted, SyncRunFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true once the run can no longer change
func (s SyncRunStatus) IsTerminal() bool {
	return s == SyncRunCompleted || s == SyncRunFailed
}

// String returns the string representation of SyncRunStatus
func (s SyncRunStatus) String() string {
	return string(s)
}

// Failure reasons recorded on a failed run
const (
	FailureDeadlineExceeded  = "DeadlineExceeded"
	FailureAllAccountsFailed = "AllAccountsFailed"
	FailureInterrupted       = "Interrupted"
	FailurePanic             = "Panic"
	FailureCancelled         = "Cancelled"
)

const (
	// DefaultMaxErrors is the number of error messages kept on a run
	DefaultMaxErrors = 20
	// MaxPagesCeiling bounds a fetch when no page cap is given
	MaxPagesCeiling = 10000
)

// SyncCounters are the item counters of a run or account
type SyncCounters struct {
	TotalItems int `json:"total_items"`
	Created    int `json:"created"`
	Updated    int `json:"updated"`
	Unchanged  int `json:"unchanged"`
	Failed     int `json:"failed"`
}

// Record counts one upsert outcome
func (c *SyncCounters) Record(outcome UpsertOutcome) {
	c.TotalItems++
	switch outcome {
	case OutcomeCreated:
		c.Created++
	case OutcomeUpdated:
		c.Updated++
	case OutcomeUnchanged:
		c.Unchanged++
	case OutcomeFailed:
		c.Failed++
	}
}

// Add sums other into c
func (c *SyncCounters) Add(other SyncCounters) {
	c.TotalItems += other.TotalItems
	c.Created += other.Created
	c.Updated += other.Updated
	c.Unchanged += other.Unchanged
	c.Failed += other.Failed
}

// AccountResult is one account's portion of a run
type AccountResult struct {
	Account AccountScope  `json:"account"`
	Status  SyncRunStatus `json:"status"`
	SyncCounters
	PagesFetched  int      `json:"pages_fetched"`
	LastPage      int      `json:"last_page"`
	Error         string   `json:"error,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	InventoryRows int      `json:"inventory_rows,omitempty"`
	LowStock      int      `json:"low_stock,omitempty"`

	// Truncated is set when the page cap stopped the listing while the
	// marketplace still reported more pages
	Truncated bool `json:"truncated,omitempty"`
	// UpdatedSince is the filter the listing was requested with
	UpdatedSince *time.Time `json:"updated_since,omitempty"`
	// WindowStart is the start of the run that began the current pass over
	// the listing. Resumed portions inherit it from the truncated one.
	WindowStart *time.Time `json:"window_start,omitempty"`
}

// Fail marks the account portion failed with reason
func (a *AccountResult) Fail(reason string) {
	a.Status = SyncRunFailed
	a.Error = reason
}

// Warn adds a non-fatal note to the account portion
func (a *AccountResult) Warn(msg string) {
	a.Warnings = append(a.Warnings, msg)
}

// IncrementalCursor is where an incremental listing of one account starts
type IncrementalCursor struct {
	UpdatedSince *time.Time
	StartPage    int
	WindowStart  time.Time
}

// Resumed reports whether the cursor continues a truncated pass
func (c IncrementalCursor) Resumed() bool {
	return c.StartPage > 1
}

// NextIncrementalCursor derives the cursor of an incremental run starting at
// now from the account's latest completed portion. A truncated portion is
// resumed after its last page with the same filter, so pages beyond a cap are
// still visited. Only a pass that reached the end of the listing moves the
// watermark, and it moves to the start of that pass.
func NextIncrementalCursor(prev *AccountResult, now time.Time) IncrementalCursor {
	if prev == nil || prev.WindowStart == nil {
		return IncrementalCursor{StartPage: 1, WindowStart: now}
	}
	if prev.Truncated {
		return IncrementalCursor{
			UpdatedSince: prev.UpdatedSince,
			StartPage:    prev.LastPage + 1,
			WindowStart:  *prev.WindowStart,
		}
	}
	since := *prev.WindowStart
	return IncrementalCursor{UpdatedSince: &since, StartPage: 1, WindowStart: now}
}

// SyncRun is one invocation of the orchestrator
type SyncRun struct {
	ID       uuid.UUID
	Resource ResourceType
	Scope    ScopeSelector
	Mode     SyncMode
	MaxPages int
	Status   SyncRunStatus
	SyncCounters
	Accounts      []AccountResult
	Errors        []string
	ErrorCount    int
	FailureReason string
	StartedAt     time.Time
	FinishedAt    *time.Time
	UpdatedAt     time.Time

	maxErrors int
}

// NewSyncRun validates the request and creates a run in running state
func NewSyncRun(resource ResourceType, scope ScopeSelector, mode SyncMode, maxPages, maxErrors int, now time.Time) (*SyncRun, error) {
	if !resource.IsValid() {
		return nil, fmt.Errorf("%w: unknown resource %q", ErrInvalidRunRequest, resource)
	}
	if !scope.IsValid() {
		return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalidRunRequest, scope)
	}
	if !mode.IsValid() {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidRunRequest, mode)
	}
	if maxPages < 0 || maxPages > MaxPagesCeiling {
		return nil, fmt.Errorf("%w: max_pages must be within 0..%d", ErrInvalidRunRequest, MaxPagesCeiling)
	}
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}
	accounts := make([]AccountResult, 0, 2)
	for _, a := range scope.Accounts() {
		accounts = append(accounts, AccountResult{Account: a, Status: SyncRunRunning})
	}
	return &SyncRun{
		ID:        uuid.New(),
		Resource:  resource,
		Scope:     scope,
		Mode:      mode,
		MaxPages:  maxPages,
		Status:    SyncRunRunning,
		Accounts:  accounts,
		StartedAt: now,
		UpdatedAt: now,
		maxErrors: maxErrors,
	}, nil
}

// SetMaxErrors overrides K for runs rebuilt from storage
func (r *SyncRun) SetMaxErrors(k int) {
	if k > 0 {
		r.maxErrors = k
	}
}

// Account returns the portion for a, or nil if a is outside the run's scope
func (r *SyncRun) Account(a AccountScope) *AccountResult {
	for i := range r.Accounts {
		if r.Accounts[i].Account == a {
			return &r.Accounts[i]
		}
	}
	return nil
}

// AddError keeps the first K messages; ErrorCount counts all of them
func (r *SyncRun) AddError(msg string) {
	r.ErrorCount++
	k := r.maxErrors
	if k <= 0 {
		k = DefaultMaxErrors
	}
	if len(r.Errors) < k {
		r.Errors = append(r.Errors, msg)
	}
}

// IsTerminal returns true once the run has finished
func (r *SyncRun) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// Finish sums account counters and moves the run to its terminal state.
// A run fails if a failure reason is set or if every account failed.
func (r *SyncRun) Finish(now time.Time) {
	if r.IsTerminal() {
		return
	}
	r.SyncCounters = SyncCounters{}
	failedAccounts := 0
	for i := range r.Accounts {
		acc := &r.Accounts[i]
		if acc.Status == SyncRunRunning {
			if r.FailureReason != "" {
				acc.Fail(r.FailureReason)
			} else {
				acc.Status = SyncRunCompleted
			}
		}
		if acc.Status == SyncRunFailed {
			failedAccounts++
		}
		r.SyncCounters.Add(acc.SyncCounters)
	}
	if r.FailureReason == "" && len(r.Accounts) > 0 && failedAccounts == len(r.Accounts) {
		r.FailureReason = FailureAllAccountsFailed
	}
	if r.FailureReason != "" {
		r.Status = SyncRunFailed
	} else {
		r.Status = SyncRunCompleted
	}
	finished := now
	r.FinishedAt = &finished
	r.UpdatedAt = now
}

// Fail moves the run to failed with reason, keeping counters gathered so far
func (r *SyncRun) Fail(reason string, now time.Time) {
	if r.IsTerminal() {
		return
	}
	r.FailureReason = reason
	r.Finish(now)
}

// Duration is the wall time of a finished run, or zero while running
func (r *SyncRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
