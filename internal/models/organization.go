package models

import (
	"strings"
	"time"
	"unicode"
)

// Admin is the distinguished root of the organization tree. It is seeded by
// migrations and can never be moved, deactivated, or re-parented. Every other
// organization lives somewhere underneath it.
const (
	AdminOrganizationID   = "00000000-0000-0000-0000-000000000001"
	AdminOrganizationPath = "admin"
)

// PathSeparator delimits segments of a materialized organization path
// (ltree label syntax, e.g. "admin.acme.eng").
const PathSeparator = "."

// Organization represents a node in the rooted organization tree.
// Path is the materialized hierarchical path: the sanitized names of every
// ancestor, root first, joined with dots.
type Organization struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	DisplayName *string        `json:"display_name,omitempty"`
	Description *string        `json:"description,omitempty"`
	ParentID    *string        `json:"parent_id,omitempty"`
	Path        string         `json:"path"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	IsActive    bool           `json:"is_active"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CreatedBy   *string        `json:"created_by,omitempty"`
	UpdatedBy   *string        `json:"updated_by,omitempty"`
}

// IsAdmin returns true for the root organization.
func (o *Organization) IsAdmin() bool {
	return o.ID == AdminOrganizationID
}

// Depth returns the number of path segments (Admin has depth 1).
func (o *Organization) Depth() int {
	if o.Path == "" {
		return 0
	}
	return strings.Count(o.Path, PathSeparator) + 1
}

// PathSegment returns the last segment of the organization's path.
func (o *Organization) PathSegment() string {
	idx := strings.LastIndex(o.Path, PathSeparator)
	if idx < 0 {
		return o.Path
	}
	return o.Path[idx+1:]
}

// IsDescendantOf reports whether o sits strictly below the given path.
func (o *Organization) IsDescendantOf(ancestorPath string) bool {
	return IsPathDescendant(o.Path, ancestorPath)
}

// IsPathDescendant reports whether path sits strictly below ancestorPath.
func IsPathDescendant(path, ancestorPath string) bool {
	return path != ancestorPath && strings.HasPrefix(path, ancestorPath+PathSeparator)
}

// AncestorPaths returns every proper ancestor path of the given path,
// root first. For "admin.acme.eng" it returns ["admin", "admin.acme"].
func AncestorPaths(path string) []string {
	segments := strings.Split(path, PathSeparator)
	if len(segments) < 2 {
		return nil
	}
	ancestors := make([]string, 0, len(segments)-1)
	for i := 1; i < len(segments); i++ {
		ancestors = append(ancestors, strings.Join(segments[:i], PathSeparator))
	}
	return ancestors
}

// SanitizePathSegment converts an organization name into a path label:
// lowercased, with every non-alphanumeric rune replaced by '_'.
func SanitizePathSegment(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if unicode.IsLower(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ValidOrganizationName reports whether a name is acceptable as an
// organization name: at least two characters and a non-empty sanitized form.
func ValidOrganizationName(name string) bool {
	if len(strings.TrimSpace(name)) < 2 {
		return false
	}
	seg := SanitizePathSegment(name)
	return strings.Trim(seg, "_") != ""
}

// MembershipStatus is the lifecycle state of an organization membership.
type MembershipStatus string

const (
	MembershipActive    MembershipStatus = "active"
	MembershipInactive  MembershipStatus = "inactive"
	MembershipSuspended MembershipStatus = "suspended"
)

// OrganizationMembership ties a user to an organization. At most one
// membership per user carries IsPrimary=true.
type OrganizationMembership struct {
	UserID         string           `json:"user_id"`
	OrganizationID string           `json:"organization_id"`
	IsPrimary      bool             `json:"is_primary"`
	Status         MembershipStatus `json:"status"`
	JoinedAt       time.Time        `json:"joined_at"`
	MembershipType *string          `json:"membership_type,omitempty"`
}

// IsActive returns true for memberships in the active state.
func (m *OrganizationMembership) IsActive() bool {
	return m.Status == MembershipActive
}

// OrganizationNode is one row of a hierarchy listing, ordered by path.
type OrganizationNode struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	DisplayName    *string `json:"display_name,omitempty"`
	Path           string  `json:"path"`
	Level          int     `json:"level"`
	ParentID       *string `json:"parent_id,omitempty"`
	HasAccess      bool    `json:"has_access"`
	MemberCount    int     `json:"member_count"`
	RoleCount      int     `json:"role_count"`
	IsDirectMember bool    `json:"is_direct_member"`
}

// OrganizationSource tells how a user reaches an organization in a
// membership listing: by direct membership or via an inheritable role
// granted on an ancestor.
type OrganizationSource string

const (
	OrganizationSourceMember    OrganizationSource = "member"
	OrganizationSourceInherited OrganizationSource = "inherited"
)

// UserOrganization is one row of a user's organization listing.
type UserOrganization struct {
	Organization
	IsPrimary        bool               `json:"is_primary"`
	MembershipStatus MembershipStatus   `json:"membership_status,omitempty"`
	Source           OrganizationSource `json:"source"`
}
