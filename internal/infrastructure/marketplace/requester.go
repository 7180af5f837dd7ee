package marketplace

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/erp/marketsync/internal/infrastructure/logger"
	"github.com/erp/marketsync/internal/infrastructure/telemetry"
)

// maxResponseSize is the maximum accepted marketplace response body (10MB)
const maxResponseSize = 10 * 1024 * 1024

// CorrelationHeader carries the per-call correlation id to the marketplace
const CorrelationHeader = "X-Correlation-ID"

// RouteClass selects the token bucket a call draws from.
type RouteClass string

const (
	RouteOrders RouteClass = "orders"
	RouteOther  RouteClass = "other"
)

// String returns the string representation of RouteClass
func (r RouteClass) String() string {
	return string(r)
}

// RouteFor returns the route class of a resource.
func RouteFor(resource marketsync.ResourceType) RouteClass {
	if resource == marketsync.ResourceOrders {
		return RouteOrders
	}
	return RouteOther
}

// RouteLimit is the token bucket of one route class.
type RouteLimit struct {
	RPS   float64
	Burst int
}

// DefaultRouteLimits returns 2 rps / burst 5 for orders and 5 rps / burst 10 otherwise.
func DefaultRouteLimits() map[RouteClass]RouteLimit {
	return map[RouteClass]RouteLimit{
		RouteOrders: {RPS: 2, Burst: 5},
		RouteOther:  {RPS: 5, Burst: 10},
	}
}

// Request is one outbound marketplace call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// CorrelationID is generated when empty
	CorrelationID string
}

// Response is a successful marketplace response.
type Response struct {
	StatusCode    int
	Header        http.Header
	Body          []byte
	Attempts      int
	CorrelationID string
}

// RouteStats are the counters of one route class.
type RouteStats struct {
	Route     RouteClass `json:"route"`
	RPS       float64    `json:"rps"`
	Burst     int        `json:"burst"`
	Requests  int64      `json:"requests"`
	Retries   int64      `json:"retries"`
	Failures  int64      `json:"failures"`
	Throttled int64      `json:"throttled"`
}

type routeState struct {
	limit     RouteLimit
	limiter   *rate.Limiter
	requests  atomic.Int64
	retries   atomic.Int64
	failures  atomic.Int64
	throttled atomic.Int64
}

// RequesterConfig configures a Requester.
type RequesterConfig struct {
	Routes map[RouteClass]RouteLimit
	Retry  RetryPolicy
	// WaitTimeout bounds how long one call waits for a token. Zero waits until ctx ends.
	WaitTimeout time.Duration
	// AttemptTimeout bounds a single HTTP attempt. Default: 30s
	AttemptTimeout time.Duration
}

// Requester sends marketplace calls through per-route token buckets and the
// shared retry policy. Buckets are process-wide; a Requester is safe for
// concurrent use and is meant to be shared by every client.
type Requester struct {
	httpClient  *http.Client
	retry       RetryPolicy
	waitTimeout time.Duration
	metrics     marketsync.MetricsSink
	logger      *zap.Logger

	mu     sync.RWMutex
	routes map[RouteClass]*routeState

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// RequesterOption configures optional Requester dependencies.
type RequesterOption func(*Requester)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) RequesterOption {
	return func(r *Requester) { r.httpClient = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(sink marketsync.MetricsSink) RequesterOption {
	return func(r *Requester) {
		if sink != nil {
			r.metrics = sink
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) RequesterOption {
	return func(r *Requester) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRequester creates a Requester. Missing route limits fall back to DefaultRouteLimits.
func NewRequester(cfg RequesterConfig, opts ...RequesterOption) *Requester {
	timeout := cfg.AttemptTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r := &Requester{
		httpClient:  &http.Client{Timeout: timeout},
		retry:       cfg.Retry.normalized(),
		waitTimeout: cfg.WaitTimeout,
		metrics:     marketsync.NopMetrics{},
		logger:      zap.NewNop(),
		routes:      make(map[RouteClass]*routeState),
		now:         time.Now,
		sleep:       sleepContext,
	}
	for route, limit := range DefaultRouteLimits() {
		r.routes[route] = newRouteState(limit)
	}
	for route, limit := range cfg.Routes {
		r.routes[route] = newRouteState(limit)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newRouteState(limit RouteLimit) *routeState {
	if limit.RPS <= 0 {
		limit.RPS = 1
	}
	if limit.Burst <= 0 {
		limit.Burst = max(1, int(limit.RPS))
	}
	return &routeState{limit: limit, limiter: rate.NewLimiter(rate.Limit(limit.RPS), limit.Burst)}
}

// route returns the state of route, creating it with the "other" limits when unknown.
func (r *Requester) route(route RouteClass) *routeState {
	r.mu.RLock()
	st, ok := r.routes[route]
	r.mu.RUnlock()
	if ok {
		return st
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.routes[route]; ok {
		return st
	}
	limit := DefaultRouteLimits()[RouteOther]
	if other, ok := r.routes[RouteOther]; ok {
		limit = other.limit
	}
	st = newRouteState(limit)
	r.routes[route] = st
	return st
}

// Execute sends req, waiting for a token of route before every attempt and
// retrying retriable failures. The final failure is a *RequestError.
func (r *Requester) Execute(ctx context.Context, route RouteClass, req *Request) (*Response, error) {
	st := r.route(route)

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ctx = logger.WithCorrelationID(ctx, correlationID)
	log := logger.WithLogger(ctx, r.logger).With(zap.String("route", route.String()))

	ctx, span := telemetry.StartSpan(ctx, "marketplace.request",
		telemetry.WithAttribute(telemetry.SpanAttrRoute, route.String()),
		telemetry.WithAttribute(telemetry.SpanAttrCorrelationID, correlationID),
	)
	defer span.End()

	for attempt := 0; ; attempt++ {
		if err := r.waitForToken(ctx, route, st); err != nil {
			return nil, r.fail(ctx, span, st, &RequestError{
				Kind:     KindRateLimited,
				Route:    route,
				Attempts: attempt,
				Err:      fmt.Errorf("waiting for rate limiter token: %w", err),
			})
		}

		resp, statusCode, err := r.attempt(ctx, st, route, req, correlationID)
		log.Debug("Marketplace request attempt",
			zap.Int("attempt", attempt+1),
			zap.Int("status", statusCode),
			zap.String("method", req.Method),
			zap.Error(err),
		)
		if err == nil {
			resp.Attempts = attempt + 1
			resp.CorrelationID = correlationID
			telemetry.SetAttributes(span, "marketplace.attempts", attempt+1, "http.status_code", statusCode)
			return resp, nil
		}

		kind, retriable, retryAfter := r.classify(ctx, statusCode, err, resp)
		if !retriable || !r.retry.ShouldRetry(attempt) {
			return nil, r.fail(ctx, span, st, &RequestError{
				Kind:       kind,
				Route:      route,
				StatusCode: statusCode,
				Attempts:   attempt + 1,
				Err:        err,
			})
		}

		delay := r.retry.Delay(attempt, retryAfter)
		st.retries.Add(1)
		r.metrics.RequestRetried(ctx, route.String())
		log.Warn("Retrying marketplace request",
			zap.Int("attempt", attempt+1),
			zap.Int("status", statusCode),
			zap.String("kind", kind.String()),
			zap.Duration("delay", delay),
		)
		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return nil, r.fail(ctx, span, st, &RequestError{
				Kind:       kind,
				Route:      route,
				StatusCode: statusCode,
				Attempts:   attempt + 1,
				Err:        fmt.Errorf("%w (last failure: %v)", sleepErr, err),
			})
		}
	}
}

// waitForToken reserves a token of the route bucket and waits for it. A call
// that cannot proceed immediately counts as throttled.
func (r *Requester) waitForToken(ctx context.Context, route RouteClass, st *routeState) error {
	if r.waitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.waitTimeout)
		defer cancel()
	}

	now := r.now()
	res := st.limiter.ReserveN(now, 1)
	if !res.OK() {
		return fmt.Errorf("rate limiter for route %s cannot grant a token", route)
	}
	wait := res.DelayFrom(now)
	if wait <= 0 {
		return nil
	}

	st.throttled.Add(1)
	r.metrics.RequestThrottled(ctx, route.String(), wait)
	if deadline, ok := ctx.Deadline(); ok && deadline.Sub(now) < wait {
		res.CancelAt(now)
		return context.DeadlineExceeded
	}
	if err := sleepContext(ctx, wait); err != nil {
		res.Cancel()
		return err
	}
	return nil
}

// attempt performs one HTTP round trip. err is non-nil for transport failures
// and non-2xx responses; resp is returned for non-2xx so headers can be read.
func (r *Requester) attempt(ctx context.Context, st *routeState, route RouteClass, req *Request, correlationID string) (*Response, int, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, 0, fmt.Errorf("marketplace: failed to create request: %w", err)
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set(CorrelationHeader, correlationID)
	httpReq.Header.Set("Accept", "application/json")
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	st.requests.Add(1)
	httpResp, err := r.httpClient.Do(httpReq)
	if err != nil {
		r.metrics.RequestAttempt(ctx, route.String(), 0, time.Since(start))
		return nil, 0, err
	}
	defer httpResp.Body.Close()

	data, readErr := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	r.metrics.RequestAttempt(ctx, route.String(), httpResp.StatusCode, time.Since(start))
	if readErr != nil {
		return nil, httpResp.StatusCode, fmt.Errorf("marketplace: failed to read response: %w", readErr)
	}

	resp := &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: data}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return resp, httpResp.StatusCode, fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, truncate(data, 256))
	}
	return resp, httpResp.StatusCode, nil
}

// classify returns the kind of a failed attempt, whether it may be retried and
// the server requested delay.
func (r *Requester) classify(ctx context.Context, statusCode int, err error, resp *Response) (ErrorKind, bool, time.Duration) {
	if ctx.Err() != nil {
		return KindTransient, false, 0
	}
	if statusCode == 0 {
		if isRetriableTransportError(err) {
			return KindTransient, true, 0
		}
		return KindUnknown, false, 0
	}
	if resp == nil {
		// body could not be read completely
		return KindTransient, true, 0
	}
	kind, retriable := classifyStatus(statusCode)
	var retryAfter time.Duration
	if kind == KindRateLimited {
		retryAfter = parseRetryAfter(resp.Header, r.now())
	}
	return kind, retriable, retryAfter
}

// fail records the final failure of a call and returns it.
func (r *Requester) fail(ctx context.Context, span trace.Span, st *routeState, reqErr *RequestError) error {
	st.failures.Add(1)
	r.metrics.RequestFailed(ctx, reqErr.Route.String(), reqErr.Kind.String())
	telemetry.RecordError(span, reqErr)
	logger.WithLogger(ctx, r.logger).Warn("Marketplace request failed",
		zap.String("route", reqErr.Route.String()),
		zap.String("kind", reqErr.Kind.String()),
		zap.Int("status", reqErr.StatusCode),
		zap.Int("attempts", reqErr.Attempts),
		zap.Error(reqErr.Err),
	)
	return reqErr
}

// Stats returns the counters of route.
func (r *Requester) Stats(route RouteClass) RouteStats {
	st := r.route(route)
	return RouteStats{
		Route:     route,
		RPS:       st.limit.RPS,
		Burst:     st.limit.Burst,
		Requests:  st.requests.Load(),
		Retries:   st.retries.Load(),
		Failures:  st.failures.Load(),
		Throttled: st.throttled.Load(),
	}
}

// AllStats returns the counters of every known route ordered by name.
func (r *Requester) AllStats() []RouteStats {
	r.mu.RLock()
	routes := make([]RouteClass, 0, len(r.routes))
	for route := range r.routes {
		routes = append(routes, route)
	}
	r.mu.RUnlock()

	sort.Slice(routes, func(i, j int) bool { return routes[i] < routes[j] })
	stats := make([]RouteStats, 0, len(routes))
	for _, route := range routes {
		stats = append(stats, r.Stats(route))
	}
	return stats
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
