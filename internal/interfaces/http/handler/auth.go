package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/erp/marketsync/internal/infrastructure/auth"
	"github.com/erp/marketsync/internal/infrastructure/logger"
	"github.com/erp/marketsync/internal/interfaces/http/dto"
	"github.com/erp/marketsync/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthHandler handles operator token endpoints
type AuthHandler struct {
	BaseHandler
	tokens      *auth.TokenService
	revocations auth.RevocationList
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(tokens *auth.TokenService, revocations auth.RevocationList) *AuthHandler {
	return &AuthHandler{
		tokens:      tokens,
		revocations: revocations,
	}
}

// OperatorResponse describes the presented token
type OperatorResponse struct {
	Operator  string    `json:"operator"`
	Scopes    []string  `json:"scopes"`
	TokenID   string    `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RevokeResponse confirms a revocation
type RevokeResponse struct {
	Revoked string `json:"revoked"`
}

// Me returns the operator and scopes of the presented token
//
// GET /api/v1/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	claims := middleware.GetJWTClaims(c)
	if claims == nil {
		h.Error(c, http.StatusUnauthorized, dto.ErrCodeUnauthorized, "Authentication required")
		return
	}

	resp := OperatorResponse{
		Operator: claims.Operator,
		Scopes:   claims.Scopes,
		TokenID:  claims.ID,
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Time
	}
	if resp.Scopes == nil {
		resp.Scopes = []string{}
	}
	h.Success(c, resp)
}

// Revoke revokes the presented token until it would have expired
//
// POST /api/v1/auth/revoke
func (h *AuthHandler) Revoke(c *gin.Context) {
	claims := middleware.GetJWTClaims(c)
	if claims == nil || claims.ID == "" {
		h.Error(c, http.StatusUnauthorized, dto.ErrCodeUnauthorized, "Authentication required")
		return
	}

	if err := h.revocations.Revoke(c.Request.Context(), claims.ID, claims.GetRemainingTTL()); err != nil {
		logger.L(c.Request.Context()).Error("Failed to revoke token", zap.String("jti", claims.ID), zap.Error(err))
		h.InternalError(c, "Failed to revoke token")
		return
	}
	logger.L(c.Request.Context()).Info("Token revoked", zap.String("jti", claims.ID))
	h.Success(c, RevokeResponse{Revoked: claims.ID})
}

// RevokeOperator revokes every token issued so far to an operator
//
// POST /api/v1/auth/operators/:operator/revoke
func (h *AuthHandler) RevokeOperator(c *gin.Context) {
	operator := strings.TrimSpace(c.Param("operator"))
	if operator == "" {
		h.BadRequest(c, "Operator is required")
		return
	}

	if err := h.revocations.RevokeOperator(c.Request.Context(), operator, h.tokens.GetTokenExpiration()); err != nil {
		logger.L(c.Request.Context()).Error("Failed to revoke operator", zap.String("target", operator), zap.Error(err))
		h.InternalError(c, "Failed to revoke operator")
		return
	}
	logger.L(c.Request.Context()).Info("Operator tokens revoked", zap.String("target", operator))
	h.Success(c, RevokeResponse{Revoked: operator})
}
