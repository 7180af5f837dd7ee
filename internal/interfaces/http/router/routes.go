package router

import (
	"github.com/erp/marketsync/internal/infrastructure/auth"
	"github.com/erp/marketsync/internal/interfaces/http/handler"
	"github.com/erp/marketsync/internal/interfaces/http/middleware"
)

// Handlers are the HTTP handlers behind the API routes. Auth may be nil when
// authentication is disabled.
type Handlers struct {
	Sync    *handler.SyncHandler
	Order   *handler.OrderHandler
	Product *handler.ProductHandler
	System  *handler.SystemHandler
	Auth    *handler.AuthHandler
}

// SyncRoutes returns sync run routes
func SyncRoutes(h *handler.SyncHandler) *DomainGroup {
	g := NewDomainGroup("sync", "/sync")

	read := g.Group("sync-read", "").Use(middleware.RequireScope(auth.ScopeSyncRead))
	read.GET("/runs", h.ListRuns)
	read.GET("/runs/:id", h.GetSyncStatus)
	read.GET("/limits", h.GetLimits)

	run := g.Group("sync-run", "").Use(middleware.RequireScope(auth.ScopeSyncRun))
	run.POST("/runs", h.RunSync)
	return g
}

// OrderRoutes returns order lifecycle routes
func OrderRoutes(h *handler.OrderHandler) *DomainGroup {
	g := NewDomainGroup("orders", "/orders")

	read := g.Group("orders-read", "").Use(middleware.RequireScope(auth.ScopeSyncRead))
	read.GET("/:id", h.GetByID)
	read.GET("/:id/history", h.History)

	write := g.Group("orders-write", "").Use(middleware.RequireScope(auth.ScopeOrdersWrite))
	write.POST("/:id/acknowledge", h.Acknowledge)
	write.PUT("/:id/status", h.UpdateStatus)
	write.POST("/:id/documents", h.AttachDocument)
	return g
}

// ProductRoutes returns remote product routes
func ProductRoutes(h *handler.ProductHandler) *DomainGroup {
	g := NewDomainGroup("products", "/products").Use(middleware.RequireScope(auth.ScopeProductsWrite))
	g.POST("/:id/quick-update", h.QuickUpdate)
	return g
}

// SystemRoutes returns system information and job routes
func SystemRoutes(h *handler.SystemHandler) *DomainGroup {
	g := NewDomainGroup("system", "/system")
	g.GET("/ping", h.Ping)
	g.GET("/info", middleware.RequireScope(auth.ScopeSyncRead), h.GetSystemInfo)
	g.POST("/jobs/:name/trigger", middleware.RequireScope(auth.ScopeAdmin), h.TriggerJob)
	return g
}

// AuthRoutes returns operator token routes
func AuthRoutes(h *handler.AuthHandler) *DomainGroup {
	g := NewDomainGroup("auth", "/auth")
	g.GET("/me", h.Me)
	g.POST("/revoke", h.Revoke)
	g.POST("/operators/:operator/revoke", middleware.RequireScope(auth.ScopeAdmin), h.RevokeOperator)
	return g
}

// RegisterAPI registers every API domain group on r
func RegisterAPI(r *Router, h Handlers) {
	r.Register(SyncRoutes(h.Sync)).
		Register(OrderRoutes(h.Order)).
		Register(ProductRoutes(h.Product)).
		Register(SystemRoutes(h.System))
	if h.Auth != nil {
		r.Register(AuthRoutes(h.Auth))
	}
}
