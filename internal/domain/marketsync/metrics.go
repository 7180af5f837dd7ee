package marketsync

import (
	"context"
	"time"
)

// MetricsSink receives engine measurements. Implementations must be safe for
// concurrent use; a sink is injected, never looked up globally.
type MetricsSink interface {
	// RequestAttempt is called once per outbound attempt
	RequestAttempt(ctx context.Context, route string, statusCode int, latency time.Duration)
	RequestRetried(ctx context.Context, route string)
	RequestFailed(ctx context.Context, route string, kind string)
	RequestThrottled(ctx context.Context, route string, wait time.Duration)

	RecordUpserted(ctx context.Context, resource ResourceType, account AccountScope, outcome UpsertOutcome)
	PageFetched(ctx context.Context, resource ResourceType, account AccountScope)
	RunFinished(ctx context.Context, run *SyncRun)
	LowStock(ctx context.Context, account AccountScope, count int)
}

// NopMetrics discards everything
type NopMetrics struct{}

func (NopMetrics) RequestAttempt(context.Context, string, int, time.Duration)                {}
func (NopMetrics) RequestRetried(context.Context, string)                                    {}
func (NopMetrics) RequestFailed(context.Context, string, string)                             {}
func (NopMetrics) RequestThrottled(context.Context, string, time.Duration)                   {}
func (NopMetrics) RecordUpserted(context.Context, ResourceType, AccountScope, UpsertOutcome) {}
func (NopMetrics) PageFetched(context.Context, ResourceType, AccountScope)                   {}
func (NopMetrics) RunFinished(context.Context, *SyncRun)                                     {}
func (NopMetrics) LowStock(context.Context, AccountScope, int)                               {}

// MultiSink fans every call out to several sinks
type MultiSink []MetricsSink

func (m MultiSink) RequestAttempt(ctx context.Context, route string, statusCode int, latency time.Duration) {
	for _, s := range m {
		s.RequestAttempt(ctx, route, statusCode, latency)
	}
}

func (m MultiSink) RequestRetried(ctx context.Context, route string) {
	for _, s := range m {
		s.RequestRetried(ctx, route)
	}
}

func (m MultiSink) RequestFailed(ctx context.Context, route string, kind string) {
	for _, s := range m {
		s.RequestFailed(ctx, route, kind)
	}
}

func (m MultiSink) RequestThrottled(ctx context.Context, route string, wait time.Duration) {
	for _, s := range m {
		s.RequestThrottled(ctx, route, wait)
	}
}

func (m MultiSink) RecordUpserted(ctx context.Context, resource ResourceType, account AccountScope, outcome UpsertOutcome) {
	for _, s := range m {
		s.RecordUpserted(ctx, resource, account, outcome)
	}
}

func (m MultiSink) PageFetched(ctx context.Context, resource ResourceType, account AccountScope) {
	for _, s := range m {
		s.PageFetched(ctx, resource, account)
	}
}

func (m MultiSink) RunFinished(ctx context.Context, run *SyncRun) {
	for _, s := range m {
		s.RunFinished(ctx, run)
	}
}

func (m MultiSink) LowStock(ctx context.Context, account AccountScope, count int) {
	for _, s := range m {
		s.LowStock(ctx, account, count)
	}
}

var (
	_ MetricsSink = NopMetrics{}
	_ MetricsSink = MultiSink(nil)
)
