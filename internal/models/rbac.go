package models

import (
	"path"
	"strings"
	"time"
)

// Role is defined inside exactly one organization. Inheritable roles
// propagate their permissions to every descendant organization; priority
// breaks ties when the same permission arrives from several roles.
type Role struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	Name           string         `json:"name"`
	DisplayName    *string        `json:"display_name,omitempty"`
	Description    *string        `json:"description,omitempty"`
	IsActive       bool           `json:"is_active"`
	IsAssignable   bool           `json:"is_assignable"`
	IsInheritable  bool           `json:"is_inheritable"`
	Priority       int            `json:"priority"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`

	// Loaded via join when requested.
	Permissions []Permission `json:"permissions,omitempty"`
}

// HasPermission checks whether this role grants the given
// "resource:action" permission.
func (r *Role) HasPermission(permission string) bool {
	for _, p := range r.Permissions {
		if p.Permission == permission {
			return true
		}
	}
	return false
}

// RoleRef is the compact role shape embedded in token payloads.
type RoleRef struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	IsInheritable bool   `json:"is_inheritable"`
}

// Ref returns the token-payload shape of the role.
func (r *Role) Ref() RoleRef {
	return RoleRef{ID: r.ID, Name: r.Name, IsInheritable: r.IsInheritable}
}

// Permission is a named capability in "resource:action" form. The Permission
// field is always Resource + ":" + Action.
type Permission struct {
	ID          string  `json:"id"`
	Permission  string  `json:"permission"`
	Resource    string  `json:"resource"`
	Action      string  `json:"action"`
	Category    string  `json:"category,omitempty"`
	DisplayName *string `json:"display_name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// SplitPermission splits "resource:action" into its parts.
// ok is false when the string is not in the two-part form.
func SplitPermission(permission string) (resource, action string, ok bool) {
	parts := strings.SplitN(permission, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// PermissionMatches reports whether a granted permission satisfies a
// required one. Wildcards are honored on the granted side: "*:*" (or "*")
// grants everything, "repos:*" grants every action on repos.
func PermissionMatches(granted, required string) bool {
	if granted == required || granted == "*" || granted == "*:*" {
		return true
	}
	gr, ga, ok := SplitPermission(granted)
	if !ok {
		return false
	}
	rr, ra, ok := SplitPermission(required)
	if !ok {
		return false
	}
	return (gr == rr || gr == "*") && (ga == ra || ga == "*")
}

// MatchPermissionPattern applies a glob-like pattern ('*' and '?') to a
// "resource:action" string. An empty pattern matches everything.
func MatchPermissionPattern(pattern, permission string) bool {
	if pattern == "" {
		return true
	}
	ok, err := path.Match(pattern, permission)
	return err == nil && ok
}

// RolePermission is the edge between a role and a permission.
type RolePermission struct {
	RoleID       string         `json:"role_id"`
	PermissionID string         `json:"permission_id"`
	GrantedBy    *string        `json:"granted_by,omitempty"`
	GrantedAt    time.Time      `json:"granted_at"`
	Conditions   map[string]any `json:"conditions,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// UserRole assigns a role to a user within the role's organization.
// Revocation is soft: IsActive flips to false and the revocation fields are
// filled in, leaving the grant history intact for the audit trail.
type UserRole struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	RoleID         string         `json:"role_id"`
	OrganizationID string         `json:"organization_id"`
	GrantedBy      *string        `json:"granted_by,omitempty"`
	GrantedAt      time.Time      `json:"granted_at"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	IsActive       bool           `json:"is_active"`
	Conditions     map[string]any `json:"conditions,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	RevokedAt      *time.Time     `json:"revoked_at,omitempty"`
	RevokedBy      *string        `json:"revoked_by,omitempty"`

	// Loaded via join when requested.
	Role *Role `json:"role,omitempty"`
}

// IsExpired reports whether the assignment's expiry has passed.
func (ur *UserRole) IsExpired(now time.Time) bool {
	return ur.ExpiresAt != nil && !ur.ExpiresAt.After(now)
}

// Active reports whether the assignment is in force at the given instant.
func (ur *UserRole) Active(now time.Time) bool {
	return ur.IsActive && !ur.IsExpired(now)
}

// PermissionSource tells where a resolved permission came from: a role
// granted in the target organization itself, or an inheritable role granted
// on an ancestor.
type PermissionSource string

const (
	SourceDirect    PermissionSource = "direct"
	SourceInherited PermissionSource = "inherited"
)

// ResolvedPermission is one row of a permission resolution: the winning
// grant for a permission string, with its provenance.
type ResolvedPermission struct {
	Permission    string           `json:"permission"`
	RoleID        string           `json:"role_id"`
	RoleName      string           `json:"role_name"`
	IsInheritable bool             `json:"is_inheritable"`
	Source        PermissionSource `json:"source"`
	Priority      int              `json:"priority"`
	GrantedAt     time.Time        `json:"granted_at"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty"`
	Conditions    map[string]any   `json:"conditions,omitempty"`
}

// Wins reports whether p beats other when both grant the same permission
// string: direct beats inherited, then higher role priority, then earlier
// granted_at as the deterministic tie-break.
func (p *ResolvedPermission) Wins(other *ResolvedPermission) bool {
	if p.Source != other.Source {
		return p.Source == SourceDirect
	}
	if p.Priority != other.Priority {
		return p.Priority > other.Priority
	}
	return p.GrantedAt.Before(other.GrantedAt)
}

// PermissionCheck is one row of a bulk permission check.
type PermissionCheck struct {
	Permission    string `json:"permission"`
	HasPermission bool   `json:"has_permission"`
}
