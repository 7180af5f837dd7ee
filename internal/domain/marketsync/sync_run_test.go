package marketsync

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSyncRun(t *testing.T) {
	now := time.Now()

	t.Run("both scope creates A then B portions", func(t *testing.T) {
		run, err := NewSyncRun(ResourceProducts, ScopeBoth, SyncModeFull, 5, 0, now)
		require.NoError(t, err)
		assert.Equal(t, SyncRunRunning, run.Status)
		require.Len(t, run.Accounts, 2)
		assert.Equal(t, AccountA, run.Accounts[0].Account)
		assert.Equal(t, AccountB, run.Accounts[1].Account)
		assert.Nil(t, run.Account(AccountB).Warnings)
	})

	t.Run("rejects invalid requests", func(t *testing.T) {
		_, err := NewSyncRun("invoices", ScopeA, SyncModeFull, 0, 0, now)
		assert.ErrorIs(t, err, ErrInvalidRunRequest)
		_, err = NewSyncRun(ResourceOrders, "C", SyncModeFull, 0, 0, now)
		assert.ErrorIs(t, err, ErrInvalidRunRequest)
		_, err = NewSyncRun(ResourceOrders, ScopeA, "delta", 0, 0, now)
		assert.ErrorIs(t, err, ErrInvalidRunRequest)
		_, err = NewSyncRun(ResourceOrders, ScopeA, SyncModeFull, -1, 0, now)
		assert.ErrorIs(t, err, ErrInvalidRunRequest)
	})
}

func TestSyncRun_AddErrorKeepsFirstK(t *testing.T) {
	run, err := NewSyncRun(ResourceProducts, ScopeA, SyncModeFull, 0, 3, time.Now())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		run.AddError(fmt.Sprintf("err-%d", i))
	}

	assert.Equal(t, []string{"err-0", "err-1", "err-2"}, run.Errors)
	assert.Equal(t, 5, run.ErrorCount)
}

func TestSyncRun_Finish(t *testing.T) {
	now := time.Now()

	t.Run("partial account failure completes the run", func(t *testing.T) {
		run, _ := NewSyncRun(ResourceProducts, ScopeBoth, SyncModeFull, 0, 0, now)
		run.Account(AccountA).Record(OutcomeCreated)
		run.Account(AccountA).Fail("page 3 failed")
		run.Account(AccountB).Record(OutcomeCreated)
		run.Account(AccountB).Record(OutcomeFailed)

		run.Finish(now.Add(time.Second))

		assert.Equal(t, SyncRunCompleted, run.Status)
		assert.Equal(t, SyncRunCompleted, run.Account(AccountB).Status)
		assert.Equal(t, 3, run.TotalItems)
		assert.Equal(t, 2, run.Created)
		assert.Equal(t, 1, run.Failed)
		assert.Equal(t, time.Second, run.Duration())
	})

	t.Run("all accounts failed fails the run", func(t *testing.T) {
		run, _ := NewSyncRun(ResourceOrders, ScopeA, SyncModeFull, 0, 0, now)
		run.Account(AccountA).Fail("auth")
		run.Finish(now)
		assert.Equal(t, SyncRunFailed, run.Status)
		assert.Equal(t, FailureAllAccountsFailed, run.FailureReason)
	})

	t.Run("fail is terminal and idempotent", func(t *testing.T) {
		run, _ := NewSyncRun(ResourceOrders, ScopeBoth, SyncModeFull, 0, 0, now)
		run.Fail(FailureDeadlineExceeded, now)
		run.Fail(FailurePanic, now)
		run.Finish(now)
		assert.Equal(t, SyncRunFailed, run.Status)
		assert.Equal(t, FailureDeadlineExceeded, run.FailureReason)
		assert.Equal(t, SyncRunFailed, run.Account(AccountA).Status)
		assert.Equal(t, FailureDeadlineExceeded, run.Account(AccountB).Error)
	})
}

func TestScopeSelector(t *testing.T) {
	sel, err := ParseScopeSelector("BOTH")
	require.NoError(t, err)
	assert.Equal(t, []AccountScope{AccountA, AccountB}, sel.Accounts())
	assert.True(t, sel.Includes(AccountB))

	sel, err = ParseScopeSelector("b")
	require.NoError(t, err)
	assert.Equal(t, ScopeB, sel)
	assert.False(t, sel.Includes(AccountA))

	_, err = ParseScopeSelector("c")
	assert.ErrorIs(t, err, ErrInvalidScope)

	acc, err := ParseAccountScope("a")
	require.NoError(t, err)
	assert.Equal(t, AccountA, acc)
}

func TestNextIncrementalCursor(t *testing.T) {
	first := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	now := first.Add(2 * time.Hour)
	since := first.Add(-24 * time.Hour)

	tests := []struct {
		name      string
		prev      *AccountResult
		wantSince *time.Time
		wantPage  int
		wantStart time.Time
	}{
		{
			name:      "no earlier portion lists everything",
			wantPage:  1,
			wantStart: now,
		},
		{
			name:      "finished pass moves the watermark to its window start",
			prev:      &AccountResult{LastPage: 4, UpdatedSince: &since, WindowStart: &first},
			wantSince: &first,
			wantPage:  1,
			wantStart: now,
		},
		{
			name:      "truncated pass resumes after its last page",
			prev:      &AccountResult{LastPage: 4, Truncated: true, UpdatedSince: &since, WindowStart: &first},
			wantSince: &since,
			wantPage:  5,
			wantStart: first,
		},
		{
			name:      "truncated full listing resumes without a filter",
			prev:      &AccountResult{LastPage: 1, Truncated: true, WindowStart: &first},
			wantPage:  2,
			wantStart: first,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cursor := NextIncrementalCursor(tt.prev, now)
			assert.Equal(t, tt.wantSince, cursor.UpdatedSince)
			assert.Equal(t, tt.wantPage, cursor.StartPage)
			assert.True(t, cursor.WindowStart.Equal(tt.wantStart))
			assert.Equal(t, tt.wantPage > 1, cursor.Resumed())
		})
	}
}
