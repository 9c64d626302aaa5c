package models

import "time"

// AuditCategory groups audit events for querying and summaries.
type AuditCategory string

const (
	CategoryAuthentication AuditCategory = "AUTHENTICATION"
	CategoryAuthorization  AuditCategory = "AUTHORIZATION"
	CategoryAdministration AuditCategory = "ADMINISTRATION"
	CategorySecurity       AuditCategory = "SECURITY"
	CategorySystem         AuditCategory = "SYSTEM"
)

// AuditResult is the outcome recorded on an audit event.
type AuditResult string

const (
	ResultSuccess AuditResult = "success"
	ResultFailure AuditResult = "failure"
)

// Event types written by the server.
const (
	EventLogin           = "login"
	EventFirstLogin      = "first_login"
	EventLoginFailed     = "login_failed"
	EventTokenRefresh    = "token_refresh"
	EventTokenRevoked    = "token_revoked"
	EventTokenValidation = "token_validation"
	EventPermissionCheck = "permission_check"
	EventRoleGranted     = "role_granted"
	EventRoleRevoked     = "role_revoked"
	EventRoleExpired     = "role_expired"
	EventOrgCreated      = "organization_created"
	EventOrgMoved        = "organization_moved"
	EventOrgDeactivated  = "organization_deactivated"
	EventEmergencyRevoke = "emergency_revocation"
	EventRoleExpirySweep = "role_expiry_sweep"
	EventTokenCleanup    = "token_cleanup"
)

// AuditEvent is one immutable row of the audit log. The table is
// partitioned by month of OccurredAt and never updated or deleted.
// Signature is an HMAC over the stable fields, making tampering in the
// store detectable.
type AuditEvent struct {
	ID             string         `json:"id"`
	EventType      string         `json:"event_type"`
	Category       AuditCategory  `json:"event_category"`
	UserID         *string        `json:"user_id,omitempty"`
	OrganizationID *string        `json:"organization_id,omitempty"`
	ResourceType   *string        `json:"resource_type,omitempty"`
	ResourceID     *string        `json:"resource_id,omitempty"`
	Action         *string        `json:"action,omitempty"`
	Result         AuditResult    `json:"result"`
	Details        map[string]any `json:"details,omitempty"`
	IPAddress      *string        `json:"ip_address,omitempty"`
	UserAgent      *string        `json:"user_agent,omitempty"`
	SessionID      *string        `json:"session_id,omitempty"`
	RequestID      *string        `json:"request_id,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Signature      string         `json:"signature,omitempty"`
}

// AuditFilter narrows an audit query. Zero values mean "no constraint".
type AuditFilter struct {
	Categories     []AuditCategory
	EventTypes     []string
	UserID         *string
	OrganizationID *string
	Result         *AuditResult
	From           time.Time
	To             time.Time
	Limit          int
	Offset         int
}

// SecuritySummaryRow is one row of the security events summary.
type SecuritySummaryRow struct {
	Category  AuditCategory `json:"event_category"`
	EventType string        `json:"event_type"`
	Result    AuditResult   `json:"result"`
	Count     int           `json:"count"`
	FirstSeen time.Time     `json:"first_seen"`
	LastSeen  time.Time     `json:"last_seen"`
}

// Suspicious activity classifications produced by the detector.
const (
	ActivityBruteForce    = "BRUTE_FORCE_ATTEMPT"
	ActivityUnusualAccess = "UNUSUAL_ACCESS_PATTERN"
)

// SuspiciousActivity is one finding of the anomaly detector.
type SuspiciousActivity struct {
	ActivityType string         `json:"activity_type"`
	UserID       *string        `json:"user_id,omitempty"`
	IPAddress    string         `json:"ip_address"`
	EventCount   int            `json:"event_count"`
	FirstEvent   time.Time      `json:"first_event"`
	LastEvent    time.Time      `json:"last_event"`
	Details      map[string]any `json:"details,omitempty"`
}

// ClientContext carries the caller-side context attached to authentication
// and authorization operations for auditing.
type ClientContext struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}
