package handler

import (
	"net/http"
	"runtime"
	"time"

	appmarketsync "github.com/erp/marketsync/internal/application/marketsync"
	"github.com/erp/marketsync/internal/infrastructure/logger"
	"github.com/erp/marketsync/internal/infrastructure/scheduler"
	"github.com/erp/marketsync/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping() error
}

// SystemHandler handles health and system information endpoints
type SystemHandler struct {
	BaseHandler
	name      string
	version   string
	database  Pinger
	trigger   *scheduler.SyncTrigger
	startTime time.Time
}

// NewSystemHandler creates a new SystemHandler. trigger may be nil when the
// scheduler is disabled.
func NewSystemHandler(name, version string, database Pinger, trigger *scheduler.SyncTrigger) *SystemHandler {
	return &SystemHandler{
		name:      name,
		version:   version,
		database:  database,
		trigger:   trigger,
		startTime: time.Now(),
	}
}

// HealthResponse is the health check body
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Uptime   string `json:"uptime"`
}

// SystemInfoResponse represents the system information response
type SystemInfoResponse struct {
	Name      string               `json:"name"`
	Version   string               `json:"version"`
	GoVersion string               `json:"go_version"`
	Uptime    string               `json:"uptime"`
	Scheduler bool                 `json:"scheduler_enabled"`
	Jobs      []scheduler.JobState `json:"jobs,omitempty"`
}

// PingResponse is the liveness body
type PingResponse struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Health answers 200 when the database is reachable and 503 otherwise
//
// GET /health
func (h *SystemHandler) Health(c *gin.Context) {
	resp := HealthResponse{
		Status:   "healthy",
		Database: "up",
		Uptime:   time.Since(h.startTime).Round(time.Second).String(),
	}
	if h.database != nil {
		if err := h.database.Ping(); err != nil {
			logger.L(c.Request.Context()).Warn("Health check failed", zap.Error(err))
			resp.Status = "unhealthy"
			resp.Database = "down"
			c.JSON(http.StatusServiceUnavailable, dto.NewSuccessResponse(resp))
			return
		}
	}
	h.Success(c, resp)
}

// GetSystemInfo returns version, uptime and scheduled job states
//
// GET /api/v1/system/info
func (h *SystemHandler) GetSystemInfo(c *gin.Context) {
	info := SystemInfoResponse{
		Name:      h.name,
		Version:   h.version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Scheduler: h.trigger != nil,
	}
	if h.trigger != nil {
		info.Jobs = h.trigger.GetJobStates()
	}
	h.Success(c, info)
}

// Ping is a liveness probe that touches no dependency
//
// GET /api/v1/system/ping
func (h *SystemHandler) Ping(c *gin.Context) {
	h.Success(c, PingResponse{
		Message:   "pong",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// TriggerJob starts a configured sync job immediately
//
// POST /api/v1/system/jobs/:name/trigger
func (h *SystemHandler) TriggerJob(c *gin.Context) {
	if h.trigger == nil {
		h.Error(c, http.StatusServiceUnavailable, dto.ErrCodeUnavailable, "Scheduler is disabled")
		return
	}

	run, err := h.trigger.TriggerJob(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Accepted(c, appmarketsync.ToSyncRunResponse(run))
}
