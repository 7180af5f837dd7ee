package handler

import (
	appmarketsync "github.com/erp/marketsync/internal/application/marketsync"
	"github.com/gin-gonic/gin"
)

// ProductHandler handles remote product endpoints
type ProductHandler struct {
	BaseHandler
	service *appmarketsync.SyncService
}

// NewProductHandler creates a new ProductHandler
func NewProductHandler(service *appmarketsync.SyncService) *ProductHandler {
	return &ProductHandler{service: service}
}

// QuickUpdate pushes a new price and/or stock for one offer.
// The :id path parameter is the marketplace's remote ID.
//
// POST /api/v1/products/:id/quick-update
func (h *ProductHandler) QuickUpdate(c *gin.Context) {
	remoteID := c.Param("id")
	if remoteID == "" {
		h.BadRequest(c, "Remote ID is required")
		return
	}

	var req appmarketsync.QuickUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	product, err := h.service.QuickUpdate(c.Request.Context(), remoteID, req.Account, req.Price, req.Stock)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, appmarketsync.ToProductResponse(product))
}
