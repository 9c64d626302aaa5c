// Package handlers is the HTTP edge of the authorization server.
package handlers

import (
	"context"
	"net/http"

	"github.com/authmesh/authmesh/internal/apperr"
	"github.com/authmesh/authmesh/internal/coordinator"
	"github.com/authmesh/authmesh/internal/middleware"
	"github.com/authmesh/authmesh/internal/models"
	"github.com/authmesh/authmesh/pkg/httputil"
	"github.com/authmesh/authmesh/pkg/logging"
	reqid "github.com/authmesh/authmesh/pkg/middleware"
)

// Pinger is the readiness surface the health endpoint checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AuthHandler serves the token lifecycle endpoints.
type AuthHandler struct {
	coord  *coordinator.Coordinator
	pinger Pinger
	logger *logging.Logger
}

func NewAuthHandler(coord *coordinator.Coordinator, pinger Pinger, logger *logging.Logger) *AuthHandler {
	return &AuthHandler{coord: coord, pinger: pinger, logger: logger}
}

func clientContext(r *http.Request, sessionID string) models.ClientContext {
	return models.ClientContext{
		IPAddress: httputil.GetClientIP(r),
		UserAgent: r.Header.Get("User-Agent"),
		SessionID: sessionID,
		RequestID: reqid.GetRequestID(r.Context()),
	}
}

// AuthorizeURL returns the IdP redirect a client starts the login flow
// with. The optional state query parameter is echoed into the URL.
func (h *AuthHandler) AuthorizeURL(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"url": h.coord.AuthorizeURL(state),
	})
}

// Exchange trades an IdP authorization code for a scoped access token.
func (h *AuthHandler) Exchange(w http.ResponseWriter, r *http.Request) {
	var req models.ExchangeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Code == "" {
		httputil.WriteAppError(w, apperr.New(apperr.CodeAuthorizationCodeInvalid, "authorization code is required"))
		return
	}

	result, err := h.coord.Login(r.Context(), req.Code, clientContext(r, req.SessionID))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

// Validate reports whether a token is live, including the blacklist check.
// Invalid tokens are a negative answer, not an error.
func (h *AuthHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req models.ValidateTokenRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" {
		req.Token = httputil.BearerToken(r)
	}
	if req.Token == "" {
		httputil.WriteError(w, http.StatusBadRequest, "token is required")
		return
	}

	claims, err := h.coord.Authorize(r.Context(), req.Token)
	if err != nil {
		switch apperr.CodeOf(err) {
		case apperr.CodeInvalidToken, apperr.CodeTokenExpired, apperr.CodeTokenBlacklisted:
			httputil.WriteJSON(w, http.StatusOK, models.ValidateTokenResponse{Valid: false})
		default:
			httputil.WriteAppError(w, err)
		}
		return
	}
	httputil.WriteJSON(w, http.StatusOK, models.ValidateTokenResponse{Valid: true, Payload: claims})
}

// Refresh exchanges a live token for a fresh one with re-resolved
// permissions.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	token := httputil.BearerToken(r)
	if token == "" {
		httputil.WriteAppError(w, apperr.New(apperr.CodeInvalidToken, "missing bearer token"))
		return
	}

	result, err := h.coord.Refresh(r.Context(), token, clientContext(r, ""))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

// Revoke blacklists the presented token.
func (h *AuthHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	token := httputil.BearerToken(r)
	if token == "" {
		httputil.WriteAppError(w, apperr.New(apperr.CodeInvalidToken, "missing bearer token"))
		return
	}

	var req models.RevokeTokenRequest
	if r.ContentLength > 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if err := h.coord.Revoke(r.Context(), token, req.Reason, clientContext(r, "")); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

// SwitchOrganization mints a token scoped to another organization the
// caller can reach. The presented token stays valid.
func (h *AuthHandler) SwitchOrganization(w http.ResponseWriter, r *http.Request) {
	token := httputil.BearerToken(r)
	if token == "" {
		httputil.WriteAppError(w, apperr.New(apperr.CodeInvalidToken, "missing bearer token"))
		return
	}

	var req models.SwitchOrganizationRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OrganizationID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "organization_id is required")
		return
	}

	result, err := h.coord.SwitchOrganization(r.Context(), token, req.OrganizationID, clientContext(r, ""))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

// Me returns the caller's principal view straight from the token payload.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		httputil.WriteAppError(w, apperr.New(apperr.CodeInvalidToken, "no claims in context"))
		return
	}

	httputil.WriteJSON(w, http.StatusOK, models.UserContext{
		User: models.UserClaimView{
			InternalID: claims.User.InternalID,
			Email:      claims.User.Email,
			Name:       claims.User.Name,
			FirstName:  claims.User.FirstName,
			LastName:   claims.User.LastName,
			ExternalID: claims.User.ExternalID,
		},
		Organization: models.OrgClaimView{
			ID:   claims.Organization.ID,
			Name: claims.Organization.Name,
			Path: claims.Organization.Path,
		},
		Permissions: claims.Permissions,
		Roles:       claims.Roles,
		ExpiresAt:   claims.ExpiresAt.Time,
	})
}

// CheckPermissions answers permission checks from the caller's token.
func (h *AuthHandler) CheckPermissions(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		httputil.WriteAppError(w, apperr.New(apperr.CodeInvalidToken, "no claims in context"))
		return
	}

	var req models.CheckPermissionsRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Permissions) == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "permissions list is required")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, h.coord.CheckPermissions(claims, req.Permissions))
}

// HealthCheck reports process and dependency health.
func (h *AuthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
