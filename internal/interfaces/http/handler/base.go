package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/erp/marketsync/internal/domain/shared"
	"github.com/erp/marketsync/internal/infrastructure/logger"
	"github.com/erp/marketsync/internal/infrastructure/scheduler"
	"github.com/erp/marketsync/internal/interfaces/http/dto"
	"github.com/erp/marketsync/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultActor is recorded in order history when authentication is disabled
const DefaultActor = "api"

// BaseHandler provides common handler utilities
type BaseHandler struct{}

// getRequestID extracts the request ID from the context
func getRequestID(c *gin.Context) string {
	if id := c.GetString(middleware.RequestIDKey); id != "" {
		return id
	}
	return c.GetHeader(middleware.RequestIDHeader)
}

// getActor returns the authenticated operator, or DefaultActor
func getActor(c *gin.Context) string {
	if operator := middleware.GetOperator(c); operator != "" {
		return operator
	}
	return DefaultActor
}

// Success sends a success response
func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

// Accepted sends a 202 response for work that continues in the background
func (h *BaseHandler) Accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, dto.NewSuccessResponse(data))
}

// Error sends an error response with the appropriate status code
func (h *BaseHandler) Error(c *gin.Context, statusCode int, code, message string) {
	middleware.SetErrorCode(c, code)
	c.JSON(statusCode, dto.NewErrorResponseWithRequestID(code, message, getRequestID(c)))
}

// ErrorWithCode sends an error response, deriving status code from error code
func (h *BaseHandler) ErrorWithCode(c *gin.Context, code, message string) {
	h.Error(c, dto.GetHTTPStatus(code), code, message)
}

// BadRequest sends a 400 bad request response
func (h *BaseHandler) BadRequest(c *gin.Context, message string) {
	h.Error(c, http.StatusBadRequest, dto.ErrCodeBadRequest, message)
}

// InternalError sends a 500 internal server error response
func (h *BaseHandler) InternalError(c *gin.Context, message string) {
	h.Error(c, http.StatusInternalServerError, dto.ErrCodeInternal, message)
}

// BindError answers a failed ShouldBind* call
func (h *BaseHandler) BindError(c *gin.Context, err error) {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		middleware.HandleValidationError(c, err)
		return
	}
	if middleware.IsBodyTooLarge(err) {
		middleware.AbortBodyTooLarge(c)
		return
	}
	h.Error(c, http.StatusBadRequest, dto.ErrCodeInvalidJSON, "Invalid request body")
}

// ParseID parses the :id path parameter, answering 400 when it is not a UUID
func (h *BaseHandler) ParseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "Invalid ID format")
		return uuid.Nil, false
	}
	return id, true
}

// HandleError converts service errors to HTTP responses
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}

	code, message := classifyError(err)
	status := dto.GetHTTPStatus(code)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusServiceUnavailable {
		logger.L(c.Request.Context()).Error("Request failed", zap.Error(err))
		message = "An unexpected error occurred"
	}
	_ = c.Error(err)
	middleware.SetErrorCode(c, code)
	c.JSON(status, dto.NewErrorResponseWithRequestID(code, message, getRequestID(c)))
}

// classifyError maps an error chain to an API error code and message
func classifyError(err error) (string, string) {
	switch {
	case errors.Is(err, marketsync.ErrSyncRunNotFound):
		return dto.ErrCodeNotFound, "Sync run not found"
	case errors.Is(err, marketsync.ErrOrderNotFound):
		return dto.ErrCodeNotFound, "Order not found"
	case errors.Is(err, marketsync.ErrRemoteEntityNotFound):
		return dto.ErrCodeNotFound, "Remote entity not found"
	case errors.Is(err, marketsync.ErrCanonicalNotFound):
		return dto.ErrCodeNotFound, "Canonical product not found"
	case errors.Is(err, marketsync.ErrInvalidTransition):
		return dto.ErrCodeInvalidTransition, domainMessage(err)
	case errors.Is(err, marketsync.ErrWindowExpired):
		return dto.ErrCodeWindowExpired, domainMessage(err)
	case errors.Is(err, marketsync.ErrVersionConflict):
		return dto.ErrCodeConcurrencyConflict, "Record was modified concurrently, retry the request"
	case errors.Is(err, marketsync.ErrInvalidScope):
		return dto.ErrCodeInvalidScope, errorMessage(err)
	case errors.Is(err, marketsync.ErrAccountNotConfigured):
		return dto.ErrCodeAccountNotConfigured, errorMessage(err)
	case errors.Is(err, marketsync.ErrInvalidRunRequest),
		errors.Is(err, marketsync.ErrEmptyQuickUpdate),
		errors.Is(err, marketsync.ErrValidation):
		return dto.ErrCodeValidation, errorMessage(err)
	case errors.Is(err, marketsync.ErrAuthFailure):
		return dto.ErrCodeMarketplaceAuth, "Marketplace rejected the account credentials"
	case errors.Is(err, marketsync.ErrRateLimited),
		errors.Is(err, marketsync.ErrTransient),
		errors.Is(err, marketsync.ErrUnknown):
		return dto.ErrCodeMarketplaceUnavailable, errorMessage(err)
	case errors.Is(err, scheduler.ErrJobNotFound):
		return dto.ErrCodeNotFound, "Sync job not found"
	case errors.Is(err, scheduler.ErrJobAlreadyInProgress):
		return dto.ErrCodeConcurrencyConflict, "Sync job is already running"
	case errors.Is(err, scheduler.ErrJobQueueFull),
		errors.Is(err, scheduler.ErrSchedulerNotRunning):
		return dto.ErrCodeUnavailable, "Sync queue is unavailable, retry later"
	}

	var domainErr *shared.DomainError
	if errors.As(err, &domainErr) {
		code := dto.NormalizeErrorCode(domainErr.Code)
		if _, known := dto.ErrorCodeHTTPStatus[code]; !known {
			// Domain rule violations without a dedicated code are input errors
			code = dto.ErrCodeValidation
		}
		return code, domainErr.Message
	}
	return dto.ErrCodeInternal, ""
}

// domainMessage returns the DomainError message in err's chain, falling back to err itself
func domainMessage(err error) string {
	var domainErr *shared.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return errorMessage(err)
}

// errorMessage strips the package prefixes of wrapped sentinels
func errorMessage(err error) string {
	return strings.ReplaceAll(err.Error(), "marketsync: ", "")
}
