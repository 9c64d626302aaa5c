package server

import (
	"net/http"

	"github.com/authmesh/authmesh/pkg/middleware"

	"github.com/authmesh/authmesh/internal/handlers"
	authmw "github.com/authmesh/authmesh/internal/middleware"
)

// NewRouter constructs a ServeMux with every API route registered.
func NewRouter(h *handlers.AuthHandler, admin *handlers.AdminHandler, authMW *authmw.AuthMiddleware, metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()

	// Token lifecycle (public; the token itself is the credential)
	mux.HandleFunc("GET /api/v1/auth/authorize-url", h.AuthorizeURL)
	mux.HandleFunc("POST /api/v1/auth/exchange", h.Exchange)
	mux.HandleFunc("POST /api/v1/auth/validate", h.Validate)
	mux.HandleFunc("POST /api/v1/auth/refresh", h.Refresh)
	mux.HandleFunc("POST /api/v1/auth/revoke", h.Revoke)
	mux.HandleFunc("POST /api/v1/auth/switch-organization", h.SwitchOrganization)

	// Token holder endpoints (require a live token)
	mux.HandleFunc("GET /api/v1/auth/me", authMW.RequireAuth(h.Me))
	mux.HandleFunc("POST /api/v1/auth/check-permissions", authMW.RequireAuth(h.CheckPermissions))

	// Organization tree
	mux.HandleFunc("GET /api/v1/organizations", authMW.RequireAuth(admin.GetHierarchy))
	mux.HandleFunc("GET /api/v1/organizations/{id}", authMW.RequirePermission("organizations:read")(admin.GetOrganization))
	mux.HandleFunc("POST /api/v1/organizations", authMW.RequirePermission("organizations:create")(admin.CreateOrganization))
	mux.HandleFunc("POST /api/v1/organizations/move", authMW.RequirePermission("organizations:move")(admin.MoveOrganization))
	mux.HandleFunc("DELETE /api/v1/organizations/{id}", authMW.RequirePermission("organizations:delete")(admin.DeactivateOrganization))

	// Users
	mux.HandleFunc("GET /api/v1/users/{id}/organizations", authMW.RequirePermission("users:read")(admin.GetUserOrganizations))
	mux.HandleFunc("GET /api/v1/users/{id}/roles", authMW.RequirePermission("roles:read")(admin.GetUserRoles))

	// Roles and permissions
	mux.HandleFunc("POST /api/v1/roles", authMW.RequirePermission("roles:create")(admin.CreateRole))
	mux.HandleFunc("GET /api/v1/roles/{id}", authMW.RequirePermission("roles:read")(admin.GetRole))
	mux.HandleFunc("POST /api/v1/roles/assign", authMW.RequirePermission("roles:assign")(admin.AssignRole))
	mux.HandleFunc("POST /api/v1/roles/revoke", authMW.RequirePermission("roles:revoke")(admin.RevokeRole))
	mux.HandleFunc("POST /api/v1/roles/permissions", authMW.RequirePermission("permissions:manage")(admin.AddRolePermission))
	mux.HandleFunc("DELETE /api/v1/roles/permissions", authMW.RequirePermission("permissions:manage")(admin.RemoveRolePermission))

	// Security operations
	mux.HandleFunc("POST /api/v1/tokens/emergency-revoke", authMW.RequirePermission("tokens:emergency_revoke")(admin.EmergencyRevoke))

	// Audit log
	mux.HandleFunc("GET /api/v1/audit/events", authMW.RequirePermission("audit:read")(admin.QueryAuditEvents))
	mux.HandleFunc("GET /api/v1/audit/summary", authMW.RequirePermission("audit:read")(admin.SecuritySummary))
	mux.HandleFunc("GET /api/v1/audit/suspicious", authMW.RequirePermission("audit:read")(admin.SuspiciousActivity))

	// Operational endpoints (public)
	mux.HandleFunc("/healthz", h.HealthCheck)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	return middleware.RequestID(mux)
}
