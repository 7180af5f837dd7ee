package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/marketsync/internal/domain/marketsync"
)

// fakeSource serves total items in pages of size, failing on failPage.
type fakeSource struct {
	total    int
	size     int
	failPage int
	calls    []int
	since    []*time.Time
}

func (f *fakeSource) FetchPage(_ context.Context, _ marketsync.ResourceType, _ marketsync.AccountScope, page int, updatedSince *time.Time) (*PageEnvelope, error) {
	f.calls = append(f.calls, page)
	f.since = append(f.since, updatedSince)
	if page == f.failPage {
		return nil, &RequestError{Kind: KindTransient, Route: RouteOther, StatusCode: 503, Attempts: 4, Err: errors.New("HTTP 503")}
	}
	start := (page - 1) * f.size
	var items []json.RawMessage
	for i := start; i < start+f.size && i < f.total; i++ {
		items = append(items, json.RawMessage(fmt.Sprintf(`{"id":"p-%d"}`, i+1)))
	}
	return &PageEnvelope{Items: items, Page: page, HasMore: start+f.size < f.total, Total: f.total}, nil
}

func drain(t *testing.T, it *PageIterator) []Page {
	t.Helper()
	var pages []Page
	for page, ok := it.Next(context.Background()); ok; page, ok = it.Next(context.Background()) {
		pages = append(pages, page)
	}
	return pages
}

func TestPager_IteratesUntilHasMoreFalse(t *testing.T) {
	src := &fakeSource{total: 5, size: 2}
	sink := newRecordingSink()
	it := NewPager(src, sink).FetchAll(marketsync.ResourceProducts, marketsync.AccountA, Filter{}, 0)

	pages := drain(t, it)
	require.Len(t, pages, 3)
	assert.Equal(t, []int{1, 2, 3}, src.calls)
	assert.Equal(t, 1, pages[0].Number)
	assert.Len(t, pages[2].Items, 1)
	assert.False(t, pages[2].HasMore)
	assert.NoError(t, it.Err())
	assert.Equal(t, 3, it.Emitted())
	assert.Equal(t, 3, sink.count("page:products:A"))

	_, ok := it.Next(context.Background())
	assert.False(t, ok)
	assert.Len(t, src.calls, 3)
}

func TestPager_IsLazy(t *testing.T) {
	src := &fakeSource{total: 10, size: 2}
	it := NewPager(src, nil).FetchAll(marketsync.ResourceOrders, marketsync.AccountB, Filter{}, 0)
	assert.Empty(t, src.calls)

	_, ok := it.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, []int{1}, src.calls)
	assert.Equal(t, 2, it.NextPage())
}

func TestPager_MaxPages(t *testing.T) {
	tests := []struct {
		name          string
		total         int
		start         int
		maxPages      int
		wantCalls     []int
		wantTruncated bool
	}{
		{name: "cap hit with more pages left", total: 100, maxPages: 2, wantCalls: []int{1, 2}, wantTruncated: true},
		{name: "cap equals listing length", total: 20, maxPages: 2, wantCalls: []int{1, 2}},
		{name: "listing shorter than cap", total: 15, maxPages: 5, wantCalls: []int{1, 2}},
		{name: "resumed listing hits cap again", total: 50, start: 3, maxPages: 2, wantCalls: []int{3, 4}, wantTruncated: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{total: tt.total, size: 10}
			it := NewPager(src, nil).FetchAll(marketsync.ResourceProducts, marketsync.AccountA, Filter{StartPage: tt.start}, tt.maxPages)

			drain(t, it)
			assert.Equal(t, tt.wantCalls, src.calls)
			assert.NoError(t, it.Err())
			assert.Equal(t, tt.wantTruncated, it.Truncated())
		})
	}
}

func TestPager_StartPageAndFilter(t *testing.T) {
	src := &fakeSource{total: 6, size: 2}
	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	it := NewPager(src, nil).FetchAll(marketsync.ResourceProducts, marketsync.AccountA, Filter{StartPage: 2, UpdatedSince: &since}, 0)

	pages := drain(t, it)
	require.Len(t, pages, 2)
	assert.Equal(t, 2, pages[0].Number)
	assert.Equal(t, []int{2, 3}, src.calls)
	for _, s := range src.since {
		assert.Equal(t, &since, s)
	}
}

func TestPager_StopsOnEmptyPage(t *testing.T) {
	src := &fakeSource{total: 0, size: 10}
	it := NewPager(src, nil).FetchAll(marketsync.ResourceProducts, marketsync.AccountA, Filter{}, 0)

	assert.Empty(t, drain(t, it))
	assert.NoError(t, it.Err())
	assert.Equal(t, 0, it.Emitted())
}

func TestPager_ErrorExhaustsIterator(t *testing.T) {
	src := &fakeSource{total: 50, size: 10, failPage: 3}
	it := NewPager(src, nil).FetchAll(marketsync.ResourceProducts, marketsync.AccountA, Filter{}, 0)

	pages := drain(t, it)
	assert.Len(t, pages, 2)
	require.Error(t, it.Err())
	assert.ErrorIs(t, it.Err(), marketsync.ErrTransient)
	assert.Contains(t, it.Err().Error(), "page 3")

	_, ok := it.Next(context.Background())
	assert.False(t, ok)
	assert.Equal(t, []int{1, 2, 3}, src.calls)
}

func TestPager_CancelledContext(t *testing.T) {
	src := &fakeSource{total: 50, size: 10}
	it := NewPager(src, nil).FetchAll(marketsync.ResourceProducts, marketsync.AccountA, Filter{}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := it.Next(ctx)

	assert.False(t, ok)
	assert.ErrorIs(t, it.Err(), context.Canceled)
	assert.Empty(t, src.calls)
}
