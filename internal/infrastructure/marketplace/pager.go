package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/erp/marketsync/internal/domain/marketsync"
)

// Filter narrows a paged listing.
type Filter struct {
	// StartPage resumes from page N; values below 1 start at page 1
	StartPage int
	// UpdatedSince restricts the listing to items modified at or after it
	UpdatedSince *time.Time
}

// Page is one page of raw marketplace items.
type Page struct {
	Number  int
	Items   []json.RawMessage
	HasMore bool
	Total   int
}

// PageSource fetches single pages. Client implements it.
type PageSource interface {
	FetchPage(ctx context.Context, resource marketsync.ResourceType, account marketsync.AccountScope, page int, updatedSince *time.Time) (*PageEnvelope, error)
}

// Ensure Client implements PageSource
var _ PageSource = (*Client)(nil)

// Pager turns a PageSource into lazy, finite page iterators.
type Pager struct {
	source  PageSource
	metrics marketsync.MetricsSink
}

// NewPager creates a Pager. A nil sink discards measurements.
func NewPager(source PageSource, metrics marketsync.MetricsSink) *Pager {
	if metrics == nil {
		metrics = marketsync.NopMetrics{}
	}
	return &Pager{source: source, metrics: metrics}
}

// FetchAll returns an iterator over the pages of resource for account. No
// request is made until Next is called. maxPages 0 means no limit other than
// marketsync.MaxPagesCeiling.
func (p *Pager) FetchAll(resource marketsync.ResourceType, account marketsync.AccountScope, filter Filter, maxPages int) *PageIterator {
	start := filter.StartPage
	if start < 1 {
		start = 1
	}
	limit := maxPages
	if limit <= 0 || limit > marketsync.MaxPagesCeiling {
		limit = marketsync.MaxPagesCeiling
	}
	return &PageIterator{
		pager:    p,
		resource: resource,
		account:  account,
		since:    filter.UpdatedSince,
		next:     start,
		limit:    limit,
	}
}

// PageIterator yields pages in cursor order. It is not safe for concurrent use.
//
//	it := pager.FetchAll(resource, account, filter, maxPages)
//	for page, ok := it.Next(ctx); ok; page, ok = it.Next(ctx) {
//		...
//	}
//	if err := it.Err(); err != nil { ... }
type PageIterator struct {
	pager    *Pager
	resource marketsync.ResourceType
	account  marketsync.AccountScope
	since    *time.Time

	next      int
	limit     int
	emitted   int
	done      bool
	truncated bool
	err       error
}

// Next fetches the next page. It returns false once the listing is exhausted,
// the page limit is reached or a fetch failed; Err distinguishes the cases.
func (it *PageIterator) Next(ctx context.Context) (Page, bool) {
	if it.done {
		return Page{}, false
	}
	if it.emitted >= it.limit {
		it.done = true
		return Page{}, false
	}
	if err := ctx.Err(); err != nil {
		it.fail(err)
		return Page{}, false
	}

	envelope, err := it.pager.source.FetchPage(ctx, it.resource, it.account, it.next, it.since)
	if err != nil {
		it.fail(err)
		return Page{}, false
	}
	if len(envelope.Items) == 0 {
		it.done = true
		return Page{}, false
	}

	page := Page{
		Number:  it.next,
		Items:   envelope.Items,
		HasMore: envelope.HasMore,
		Total:   envelope.Total,
	}
	it.emitted++
	it.next++
	switch {
	case !envelope.HasMore:
		it.done = true
	case it.emitted >= it.limit:
		it.done = true
		it.truncated = true
	}
	it.pager.metrics.PageFetched(ctx, it.resource, it.account)
	return page, true
}

// Err returns the failure that ended the iteration, if any.
func (it *PageIterator) Err() error {
	return it.err
}

// Truncated reports whether the page limit ended the iteration while the
// marketplace still had more pages. NextPage is where to resume.
func (it *PageIterator) Truncated() bool {
	return it.truncated
}

// Emitted returns how many pages have been returned so far.
func (it *PageIterator) Emitted() int {
	return it.emitted
}

// NextPage is the page number the next call to Next would request.
func (it *PageIterator) NextPage() int {
	return it.next
}

func (it *PageIterator) fail(err error) {
	it.done = true
	it.err = fmt.Errorf("fetch %s page %d for account %s: %w", it.resource, it.next, it.account, err)
}
