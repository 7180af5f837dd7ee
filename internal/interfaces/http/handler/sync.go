package handler

import (
	appmarketsync "github.com/erp/marketsync/internal/application/marketsync"
	"github.com/erp/marketsync/internal/infrastructure/marketplace"
	"github.com/gin-gonic/gin"
)

// SyncHandler handles sync run endpoints
type SyncHandler struct {
	BaseHandler
	service   *appmarketsync.SyncService
	requester *marketplace.Requester
}

// NewSyncHandler creates a new SyncHandler
func NewSyncHandler(service *appmarketsync.SyncService, requester *marketplace.Requester) *SyncHandler {
	return &SyncHandler{
		service:   service,
		requester: requester,
	}
}

// ListRunsQuery filters the run listing
type ListRunsQuery struct {
	Resource string `form:"resource" binding:"omitempty,oneof=products orders"`
	Limit    int    `form:"limit" binding:"omitempty,gte=1,lte=100"`
}

// RunSync starts a sync run.
// Synchronous runs answer 200 with the finished run; async runs answer 202
// with the run as created, to be polled through GetSyncStatus.
//
// POST /api/v1/sync/runs
func (h *SyncHandler) RunSync(c *gin.Context) {
	var req appmarketsync.RunSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	run, err := h.service.RunSync(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if req.Async {
		h.Accepted(c, appmarketsync.ToSyncRunResponse(run))
		return
	}
	h.Success(c, appmarketsync.ToSyncRunResponse(run))
}

// GetSyncStatus returns one run
//
// GET /api/v1/sync/runs/:id
func (h *SyncHandler) GetSyncStatus(c *gin.Context) {
	id, ok := h.ParseID(c)
	if !ok {
		return
	}

	run, err := h.service.GetSyncStatus(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, appmarketsync.ToSyncRunResponse(run))
}

// ListRuns returns recent runs, newest first
//
// GET /api/v1/sync/runs?resource=&limit=
func (h *SyncHandler) ListRuns(c *gin.Context) {
	var query ListRunsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		h.BindError(c, err)
		return
	}

	runs, err := h.service.ListRuns(c.Request.Context(), query.Resource, query.Limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, appmarketsync.ToSyncRunResponses(runs))
}

// GetLimits returns the requester's per-route limits and counters
//
// GET /api/v1/sync/limits
func (h *SyncHandler) GetLimits(c *gin.Context) {
	h.Success(c, h.requester.AllStats())
}
