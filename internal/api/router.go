package api

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"

	apiContext "cardsync/internal/api/context"
	"cardsync/internal/api/handlers"
	"cardsync/internal/api/middleware"
	"cardsync/internal/platform/auth"
	"cardsync/internal/pkg/errors"
)

type Dependencies struct {
	WebhookHandler *handlers.WebhookHandler
	SyncHandler    *handlers.SyncHandler
	LinkHandler    *handlers.LinkHandler
	EventsHandler  *handlers.EventsHandler
	AuditHandler   *handlers.AuditHandler
	HealthHandler  *handlers.HealthHandler
	MetricsHandler *handlers.MetricsHandler
	AuthMiddleware *middleware.AuthMiddleware
	RateLimiter    *middleware.RateLimiter
}

func NewRouter(deps *Dependencies) *httprouter.Router {
	router := httprouter.New()

	router.GET("/health", wrap(deps.HealthHandler.Check))
	router.GET("/metrics", wrap(deps.MetricsHandler.Export))

	limit := deps.RateLimiter.Limit

	// GitHub deliveries authenticate by signature, not bearer token
	router.POST("/webhooks/github",
		chain(deps.WebhookHandler.Receive, limit("webhook")))

	authMid := deps.AuthMiddleware
	canSync := middleware.RequireScope(auth.ScopeSyncWrite)

	// Sync triggers
	router.POST("/api/v1/projects/:project_id/sync",
		chain(deps.SyncHandler.SyncProject, authMid.Handle, canSync, limit("api_write")))
	router.POST("/api/v1/projects/:project_id/sync/reset",
		chain(deps.SyncHandler.Reset, authMid.Handle, canSync, limit("api_write")))
	router.POST("/api/v1/cards/:card_id/sync",
		chain(deps.SyncHandler.SyncCard, authMid.Handle, canSync, limit("api_write")))

	// Repository link
	router.GET("/api/v1/projects/:project_id/link",
		chain(deps.LinkHandler.Get, authMid.Handle, limit("api_read")))
	router.PUT("/api/v1/projects/:project_id/link",
		chain(deps.LinkHandler.Put, authMid.Handle, canSync, limit("api_write")))
	router.DELETE("/api/v1/projects/:project_id/link",
		chain(deps.LinkHandler.Delete, authMid.Handle, canSync, limit("api_write")))
	router.GET("/api/v1/projects/:project_id/audit",
		chain(deps.AuditHandler.List, authMid.Handle, limit("api_read")))

	// Operator
	router.GET("/api/v1/webhooks/events",
		chain(deps.EventsHandler.List, authMid.Handle, requireRole(auth.RoleAdmin), limit("api_read")))
	router.POST("/api/v1/webhooks/events/:delivery_id/reprocess",
		chain(deps.EventsHandler.Reprocess, authMid.Handle, requireRole(auth.RoleAdmin), limit("api_write")))

	return router
}

// Helper function to chain middlewares
func chain(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) httprouter.Handle {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return wrap(handler)
}

// Convert http.HandlerFunc to httprouter.Handle
func wrap(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx := context.WithValue(r.Context(), apiContext.Params, ps)
		handler(w, r.WithContext(ctx))
	}
}

func requireRole(roles ...string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims, ok := r.Context().Value(apiContext.Claims).(*auth.Claims)
			if !ok {
				errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Missing credentials", nil)
				return
			}

			allowed := false
			for _, role := range roles {
				if claims.Role == role {
					allowed = true
					break
				}
			}

			if !allowed {
				errors.WriteError(w, http.StatusForbidden, errors.ErrCodeForbidden, "Insufficient permissions", nil)
				return
			}

			next(w, r)
		}
	}
}
