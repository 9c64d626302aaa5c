package models

import "time"

// ExchangeRequest is the inbound body for the authorization-code exchange.
type ExchangeRequest struct {
	Code      string `json:"code"`
	SessionID string `json:"session_id,omitempty"`
}

// AuthResult is the outcome of a successful exchange or refresh.
type AuthResult struct {
	Token        string        `json:"token"`
	ExpiresAt    time.Time     `json:"expires_at"`
	User         *User         `json:"user"`
	Organization *Organization `json:"organization"`
	Permissions  []string      `json:"permissions"`
	Roles        []RoleRef     `json:"roles"`
	IsNewUser    bool          `json:"is_new_user"`
}

// ValidateTokenRequest carries a token to validate.
type ValidateTokenRequest struct {
	Token string `json:"token"`
}

// ValidateTokenResponse reports validity and, when valid, the decoded payload.
type ValidateTokenResponse struct {
	Valid   bool `json:"valid"`
	Payload any  `json:"payload,omitempty"`
}

// RevokeTokenRequest carries an optional reason for a revocation.
type RevokeTokenRequest struct {
	Reason string `json:"reason,omitempty"`
}

// UserContext is the principal view returned to a token holder.
type UserContext struct {
	User         UserClaimView `json:"principal"`
	Organization OrgClaimView  `json:"organization"`
	Permissions  []string      `json:"permissions"`
	Roles        []RoleRef     `json:"roles"`
	ExpiresAt    time.Time     `json:"expires_at"`
}

// UserClaimView mirrors the user block of a token payload.
type UserClaimView struct {
	InternalID string `json:"internal_id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	ExternalID string `json:"external_id"`
}

// OrgClaimView mirrors the organization block of a token payload.
type OrgClaimView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// SwitchOrganizationRequest asks for a token scoped to another organization.
type SwitchOrganizationRequest struct {
	OrganizationID string `json:"organization_id"`
}

// EmergencyRevokeRequest invalidates every outstanding token of a user.
type EmergencyRevokeRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

// CheckPermissionsRequest asks whether the token grants each permission.
type CheckPermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

// CheckPermissionsResponse reports per-permission results plus aggregates.
type CheckPermissionsResponse struct {
	Results map[string]bool `json:"results"`
	HasAll  bool            `json:"has_all"`
	HasAny  bool            `json:"has_any"`
}

// CreateOrganizationRequest is the admin body for creating an organization.
type CreateOrganizationRequest struct {
	Name        string         `json:"name"`
	DisplayName *string        `json:"display_name,omitempty"`
	Description *string        `json:"description,omitempty"`
	ParentID    *string        `json:"parent_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// MoveOrganizationRequest re-parents an organization subtree.
type MoveOrganizationRequest struct {
	OrganizationID string `json:"organization_id"`
	NewParentID    string `json:"new_parent_id"`
}

// CreateRoleRequest is the admin body for creating a role.
type CreateRoleRequest struct {
	OrganizationID string         `json:"organization_id"`
	Name           string         `json:"name"`
	DisplayName    *string        `json:"display_name,omitempty"`
	Description    *string        `json:"description,omitempty"`
	IsInheritable  bool           `json:"is_inheritable"`
	IsAssignable   bool           `json:"is_assignable"`
	Priority       int            `json:"priority"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// AssignRoleRequest grants a role to a user.
type AssignRoleRequest struct {
	UserID         string     `json:"user_id"`
	RoleID         string     `json:"role_id"`
	OrganizationID string     `json:"organization_id"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// RevokeRoleRequest revokes a role from a user.
type RevokeRoleRequest struct {
	UserID         string `json:"user_id"`
	RoleID         string `json:"role_id"`
	OrganizationID string `json:"organization_id"`
	Reason         string `json:"reason,omitempty"`
}

// RolePermissionRequest adds or removes a permission on a role.
type RolePermissionRequest struct {
	RoleID     string `json:"role_id"`
	Permission string `json:"permission"`
}
