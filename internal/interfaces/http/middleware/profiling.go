package middleware

import (
	"context"
	"slices"
	"strconv"
	"strings"

	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/erp/marketsync/internal/infrastructure/telemetry"
	"github.com/gin-gonic/gin"
)

// ProfilingLabelMethod tags profiles with the HTTP method
const ProfilingLabelMethod = "method"

// ProfilingConfig configures request profiling labels
type ProfilingConfig struct {
	Enabled bool
	// SkipPaths are served without labels
	SkipPaths []string
}

// DefaultProfilingConfig skips the probe and scrape endpoints
func DefaultProfilingConfig() ProfilingConfig {
	return ProfilingConfig{
		Enabled:   true,
		SkipPaths: []string{"/health", "/metrics"},
	}
}

// ProfilingWithConfig runs each request under Pyroscope labels so CPU spent
// serving the API can be sliced by route. Labels:
//
//	route      "/api/v1/orders/:id/acknowledge"
//	operation  "orders"
//	method     "POST"
//	account    "A", only when the request names a valid account in ?account=
func ProfilingWithConfig(cfg ProfilingConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return passThrough
	}
	return func(c *gin.Context) {
		if slices.Contains(cfg.SkipPaths, c.Request.URL.Path) {
			c.Next()
			return
		}
		telemetry.WithProfilingLabels(c.Request.Context(), requestProfilingLabels(c), func(ctx context.Context) {
			c.Request = c.Request.WithContext(ctx)
			c.Next()
		})
	}
}

func requestProfilingLabels(c *gin.Context) map[string]string {
	route := c.FullPath()
	if route == "" {
		// unmatched paths would give every 404 its own label value
		return nil
	}
	labels := map[string]string{
		telemetry.ProfilingLabelRoute: route,
		ProfilingLabelMethod:          c.Request.Method,
	}
	if op := routeOperation(route); op != "" {
		labels[telemetry.ProfilingLabelOperation] = op
	}
	if account, err := marketsync.ParseAccountScope(c.Query("account")); err == nil {
		labels[telemetry.ProfilingLabelAccount] = account.String()
	}
	return labels
}

// routeOperation returns the first literal segment after the API prefix,
// e.g. "/api/v1/sync/runs/:id" gives "sync".
func routeOperation(route string) string {
	for _, part := range strings.Split(route, "/") {
		switch {
		case part == "", part == "api", isVersionSegment(part):
		case strings.HasPrefix(part, ":"), strings.HasPrefix(part, "*"):
		default:
			return part
		}
	}
	return ""
}

func isVersionSegment(segment string) bool {
	if len(segment) < 2 || (segment[0] != 'v' && segment[0] != 'V') {
		return false
	}
	n, err := strconv.Atoi(segment[1:])
	return err == nil && n >= 0 && !strings.ContainsAny(segment[1:], "+-")
}
