package handler

import (
	appmarketsync "github.com/erp/marketsync/internal/application/marketsync"
	"github.com/gin-gonic/gin"
)

// OrderHandler handles remote order lifecycle endpoints
type OrderHandler struct {
	BaseHandler
	service *appmarketsync.SyncService
}

// NewOrderHandler creates a new OrderHandler
func NewOrderHandler(service *appmarketsync.SyncService) *OrderHandler {
	return &OrderHandler{service: service}
}

// GetByID returns one order
//
// GET /api/v1/orders/:id
func (h *OrderHandler) GetByID(c *gin.Context) {
	id, ok := h.ParseID(c)
	if !ok {
		return
	}

	order, err := h.service.GetOrder(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, appmarketsync.ToOrderResponse(order))
}

// Acknowledge acknowledges a new order. Acknowledging twice is a no-op.
//
// POST /api/v1/orders/:id/acknowledge
func (h *OrderHandler) Acknowledge(c *gin.Context) {
	id, ok := h.ParseID(c)
	if !ok {
		return
	}

	order, err := h.service.AcknowledgeOrder(c.Request.Context(), id, getActor(c))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, appmarketsync.ToOrderResponse(order))
}

// UpdateStatus moves an order to another status
//
// PUT /api/v1/orders/:id/status
func (h *OrderHandler) UpdateStatus(c *gin.Context) {
	id, ok := h.ParseID(c)
	if !ok {
		return
	}

	var req appmarketsync.UpdateOrderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	order, err := h.service.UpdateOrderStatus(c.Request.Context(), id, req.Status, getActor(c))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, appmarketsync.ToOrderResponse(order))
}

// AttachDocument stores a document reference on a finalized order
//
// POST /api/v1/orders/:id/documents
func (h *OrderHandler) AttachDocument(c *gin.Context) {
	id, ok := h.ParseID(c)
	if !ok {
		return
	}

	var req appmarketsync.AttachDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	order, err := h.service.AttachDocument(c.Request.Context(), id, req.DocRef, getActor(c))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, appmarketsync.ToOrderResponse(order))
}

// History returns the order's lifecycle entries in order
//
// GET /api/v1/orders/:id/history
func (h *OrderHandler) History(c *gin.Context) {
	id, ok := h.ParseID(c)
	if !ok {
		return
	}

	entries, err := h.service.OrderHistory(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, appmarketsync.ToOrderHistoryResponses(entries))
}
