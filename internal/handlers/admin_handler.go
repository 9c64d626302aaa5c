package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/authmesh/authmesh/internal/apperr"
	"github.com/authmesh/authmesh/internal/audit"
	"github.com/authmesh/authmesh/internal/coordinator"
	"github.com/authmesh/authmesh/internal/middleware"
	"github.com/authmesh/authmesh/internal/models"
	"github.com/authmesh/authmesh/internal/orgs"
	"github.com/authmesh/authmesh/internal/rbac"
	"github.com/authmesh/authmesh/pkg/httputil"
	"github.com/authmesh/authmesh/pkg/logging"
)

// AdminHandler serves the tree, role, and audit administration endpoints.
type AdminHandler struct {
	orgs    *orgs.Resolver
	rbac    *rbac.Service
	coord   *coordinator.Coordinator
	auditor *audit.Logger
	reader  *audit.Reader
	logger  *logging.Logger
}

func NewAdminHandler(resolver *orgs.Resolver, rbacSvc *rbac.Service, coord *coordinator.Coordinator, auditor *audit.Logger, reader *audit.Reader, logger *logging.Logger) *AdminHandler {
	return &AdminHandler{orgs: resolver, rbac: rbacSvc, coord: coord, auditor: auditor, reader: reader, logger: logger}
}

// actorID returns the authenticated caller's internal user id.
func actorID(r *http.Request) *string {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		return nil
	}
	id := claims.User.InternalID
	return &id
}

// GetHierarchy returns the organization tree annotated with the caller's
// reach.
func (h *AdminHandler) GetHierarchy(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == nil {
		httputil.WriteAppError(w, apperr.New(apperr.CodeInvalidToken, "no claims in context"))
		return
	}
	nodes, err := h.orgs.Hierarchy(r.Context(), *actor)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"organizations": nodes})
}

// GetOrganization returns one organization by id.
func (h *AdminHandler) GetOrganization(w http.ResponseWriter, r *http.Request) {
	org, err := h.orgs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, org)
}

// CreateOrganization adds a node under a parent, the admin root by default.
func (h *AdminHandler) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req models.CreateOrganizationRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	actor := actorID(r)
	org, err := h.orgs.Create(r.Context(), &req, actor)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	h.auditor.Administration(r.Context(), models.EventOrgCreated, models.ResultSuccess, actor, &org.ID, "organization", org.ID, map[string]any{
		"name": org.Name,
		"path": org.Path,
	})
	httputil.WriteJSON(w, http.StatusCreated, org)
}

// MoveOrganization re-parents a subtree; every descendant path is rewritten
// in the same transaction.
func (h *AdminHandler) MoveOrganization(w http.ResponseWriter, r *http.Request) {
	var req models.MoveOrganizationRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OrganizationID == "" || req.NewParentID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "organization_id and new_parent_id are required")
		return
	}

	actor := actorID(r)
	moved, err := h.orgs.Move(r.Context(), req.OrganizationID, req.NewParentID, actor)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	// A move to the current parent changes nothing and leaves no trail.
	if moved > 0 {
		h.auditor.Administration(r.Context(), models.EventOrgMoved, models.ResultSuccess, actor, &req.OrganizationID, "organization", req.OrganizationID, map[string]any{
			"new_parent_id": req.NewParentID,
			"moved_count":   moved,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"moved": moved})
}

// DeactivateOrganization soft-disables a node. The admin root never
// deactivates.
func (h *AdminHandler) DeactivateOrganization(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("id")
	actor := actorID(r)
	if err := h.orgs.Deactivate(r.Context(), orgID, actor); err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	h.auditor.Administration(r.Context(), models.EventOrgDeactivated, models.ResultSuccess, actor, &orgID, "organization", orgID, nil)
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"deactivated": true})
}

// GetUserOrganizations lists every organization a user can reach.
func (h *AdminHandler) GetUserOrganizations(w http.ResponseWriter, r *http.Request) {
	userOrgs, err := h.orgs.ForUser(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"organizations": userOrgs})
}

// CreateRole defines a role inside an organization.
func (h *AdminHandler) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRoleRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	role, err := h.rbac.CreateRole(r.Context(), &req, actorID(r))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, role)
}

// GetRole returns a role with its permission list.
func (h *AdminHandler) GetRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.rbac.GetRole(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, role)
}

// AssignRole grants a role to a user.
func (h *AdminHandler) AssignRole(w http.ResponseWriter, r *http.Request) {
	var req models.AssignRoleRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	assignmentID, err := h.rbac.AssignRole(r.Context(), &req, actorID(r))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"assignment_id": assignmentID})
}

// RevokeRole soft-revokes an assignment.
func (h *AdminHandler) RevokeRole(w http.ResponseWriter, r *http.Request) {
	var req models.RevokeRoleRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.rbac.RevokeRole(r.Context(), &req, actorID(r)); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

// AddRolePermission attaches a permission to a role.
func (h *AdminHandler) AddRolePermission(w http.ResponseWriter, r *http.Request) {
	var req models.RolePermissionRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.rbac.AddPermission(r.Context(), &req, actorID(r)); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"added": true})
}

// RemoveRolePermission detaches a permission from a role.
func (h *AdminHandler) RemoveRolePermission(w http.ResponseWriter, r *http.Request) {
	var req models.RolePermissionRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.rbac.RemovePermission(r.Context(), &req, actorID(r)); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

// GetUserRoles lists a user's active assignments in one organization.
func (h *AdminHandler) GetUserRoles(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("organization_id")
	if orgID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "organization_id query parameter is required")
		return
	}

	roles, err := h.rbac.UserRoles(r.Context(), r.PathValue("id"), orgID)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

// EmergencyRevoke invalidates every outstanding token of a user at once.
func (h *AdminHandler) EmergencyRevoke(w http.ResponseWriter, r *http.Request) {
	var req models.EmergencyRevokeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	client := clientContext(r, "")
	if err := h.coord.EmergencyRevoke(r.Context(), req.UserID, actorID(r), client); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

// QueryAuditEvents filters the audit log. Filters arrive as query
// parameters; comma-separated lists are accepted for categories and types.
func (h *AdminHandler) QueryAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.AuditFilter{}

	if v := q.Get("categories"); v != "" {
		for _, c := range strings.Split(v, ",") {
			filter.Categories = append(filter.Categories, models.AuditCategory(strings.ToUpper(strings.TrimSpace(c))))
		}
	}
	if v := q.Get("event_types"); v != "" {
		for _, t := range strings.Split(v, ",") {
			filter.EventTypes = append(filter.EventTypes, strings.TrimSpace(t))
		}
	}
	if v := q.Get("user_id"); v != "" {
		filter.UserID = &v
	}
	if v := q.Get("organization_id"); v != "" {
		filter.OrganizationID = &v
	}
	if v := q.Get("result"); v != "" {
		result := models.AuditResult(v)
		filter.Result = &result
	}
	var err error
	if filter.From, err = parseTimeParam(q.Get("from")); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid from timestamp")
		return
	}
	if filter.To, err = parseTimeParam(q.Get("to")); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid to timestamp")
		return
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	events, err := h.reader.Query(r.Context(), filter)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// SecuritySummary aggregates security-relevant events over a window,
// defaulting to the last 24 hours.
func (h *AdminHandler) SecuritySummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid from timestamp")
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid to timestamp")
		return
	}

	rows, err := h.reader.Summary(r.Context(), from, to)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"summary": rows})
}

// SuspiciousActivity runs the detector queries on demand.
func (h *AdminHandler) SuspiciousActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window, _ := time.ParseDuration(q.Get("window"))
	failThreshold, _ := strconv.Atoi(q.Get("fail_threshold"))
	orgThreshold, _ := strconv.Atoi(q.Get("org_threshold"))

	findings, err := h.reader.Findings(r.Context(), window, failThreshold, orgThreshold)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"findings": findings})
}

func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
