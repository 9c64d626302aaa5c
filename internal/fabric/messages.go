// Package fabric is the typed async request/reply layer between the token
// coordinator and the RBAC workers. Every exchange is JSON over a subject,
// wrapped in an envelope carrying a correlation id and an optional
// application error.
package fabric

import (
	"encoding/json"
	"time"

	"github.com/authmesh/authmesh/internal/apperr"
	"github.com/authmesh/authmesh/internal/models"
)

// Subjects. Workers join one queue group so each request is handled once.
const (
	SubjectUserResolve         = "authz.user.resolve"
	SubjectUserCreate          = "authz.user.create"
	SubjectUserOrganizations   = "authz.user.orgs"
	SubjectUserPermissions     = "authz.user.permissions"
	SubjectBlacklistCheck      = "authz.token.blacklist.check"
	SubjectBlacklistAdd        = "authz.token.blacklist.add"
	SubjectPermissionValidate  = "authz.permission.validate"
	SubjectAuditAuthentication = "authz.audit.authentication"

	// SubjectDLQ receives requests that exhausted their retries.
	SubjectDLQ = "authz.dlq"

	// QueueGroup is the worker queue group name.
	QueueGroup = "authz-workers"
)

// Envelope wraps every message on the fabric. Exactly one of Error and Data
// is meaningful on replies; requests carry Data only.
type Envelope struct {
	CorrelationID string          `json:"correlation_id"`
	Error         *apperr.Error   `json:"error,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope wraps a payload for sending.
func NewEnvelope(correlationID string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeSerializationFailed, "marshal fabric payload", err)
	}
	return &Envelope{CorrelationID: correlationID, Data: data}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e *Envelope) Decode(dst any) error {
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return apperr.Wrap(apperr.CodeSerializationFailed, "unmarshal fabric payload", err)
	}
	return nil
}

// DLQEntry is the record published to the dead letter subject when a message
// exhausts its retries.
type DLQEntry struct {
	Subject       string          `json:"subject"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
	Error         string          `json:"error"`
	Attempts      int             `json:"attempts"`
	FailedAt      time.Time       `json:"failed_at"`
}

// ResolveUserRequest looks a user up by IdP subject, optionally refreshing
// the stored profile from the latest exchange.
type ResolveUserRequest struct {
	ExternalID string             `json:"external_id"`
	Profile    *models.IdPProfile `json:"profile,omitempty"`
}

type ResolveUserResponse struct {
	User *models.User `json:"user"`
}

// CreateUserRequest provisions an internal user from an IdP profile on first
// login.
type CreateUserRequest struct {
	Profile models.IdPProfile `json:"profile"`
}

type CreateUserResponse struct {
	User *models.User `json:"user"`
}

// UserOrganizationsRequest lists the organizations a user can reach.
// IncludeInherited adds organizations reachable only through inheritable
// roles on ancestors; StatusFilter narrows direct memberships by status;
// Limit caps the result (0 means unlimited).
type UserOrganizationsRequest struct {
	UserID           string `json:"user_id"`
	IncludeInherited bool   `json:"include_inherited"`
	StatusFilter     string `json:"status_filter,omitempty"`
	Limit            int    `json:"limit,omitempty"`
}

type UserOrganizationsResponse struct {
	Organizations []models.UserOrganization `json:"organizations"`
}

// UserPermissionsRequest resolves effective permissions for one user in one
// organization.
type UserPermissionsRequest struct {
	UserID           string `json:"user_id"`
	OrganizationID   string `json:"organization_id"`
	IncludeInherited bool   `json:"include_inherited"`
	Pattern          string `json:"pattern,omitempty"`
}

type UserPermissionsResponse struct {
	Permissions []models.ResolvedPermission `json:"permissions"`
	Roles       []models.RoleRef            `json:"roles"`
}

// BlacklistCheckRequest asks whether a token is revoked, by its own jti or
// by a blanket per-user emergency row. TokenExpiresAt bounds how long a
// negative answer is worth caching.
type BlacklistCheckRequest struct {
	JTI            string    `json:"jti"`
	UserID         *string   `json:"user_id,omitempty"`
	TokenExpiresAt time.Time `json:"token_expires_at,omitempty"`
}

type BlacklistCheckResponse struct {
	Status models.BlacklistStatus `json:"status"`
}

// BlacklistAddRequest revokes a token.
type BlacklistAddRequest struct {
	Entry models.TokenBlacklistEntry `json:"entry"`
}

type BlacklistAddResponse struct {
	Added bool `json:"added"`
}

// PermissionValidateRequest checks permissions for a user in an organization.
type PermissionValidateRequest struct {
	UserID         string   `json:"user_id"`
	OrganizationID string   `json:"organization_id"`
	Permissions    []string `json:"permissions"`
}

type PermissionValidateResponse struct {
	Results []models.PermissionCheck `json:"results"`
}

// AuthenticationEvent is the fire-and-forget audit record published after an
// authentication attempt. No reply is expected.
type AuthenticationEvent struct {
	EventType      string               `json:"event_type"`
	Result         models.AuditResult   `json:"result"`
	UserID         *string              `json:"user_id,omitempty"`
	OrganizationID *string              `json:"organization_id,omitempty"`
	Details        map[string]any       `json:"details,omitempty"`
	Client         models.ClientContext `json:"client"`
	OccurredAt     time.Time            `json:"occurred_at"`
}
