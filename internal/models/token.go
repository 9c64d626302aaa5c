package models

import "time"

// EmergencyJTIPrefix marks blanket per-user revocation rows in the token
// blacklist. A row with jti "EMERGENCY_<user_id>" revokes every token of
// that user until the row expires, whether or not the individual jti was
// ever blacklisted.
const EmergencyJTIPrefix = "EMERGENCY_"

// EmergencyJTI builds the blanket-revocation jti for a user.
func EmergencyJTI(userID string) string {
	return EmergencyJTIPrefix + userID
}

// TokenBlacklistEntry records a revoked token. Entries are honored only
// while ExpiresAt is in the future; a sweep removes the rest.
type TokenBlacklistEntry struct {
	JTI            string         `json:"jti"`
	UserID         *string        `json:"user_id,omitempty"`
	OrganizationID *string        `json:"organization_id,omitempty"`
	RevokedAt      time.Time      `json:"revoked_at"`
	RevokedBy      *string        `json:"revoked_by,omitempty"`
	Reason         string         `json:"reason"`
	ExpiresAt      time.Time      `json:"expires_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ActiveAt reports whether the entry is still in force.
func (e *TokenBlacklistEntry) ActiveAt(now time.Time) bool {
	return e.ExpiresAt.After(now)
}

// BlacklistStatus is the answer to a blacklist lookup.
type BlacklistStatus struct {
	Blacklisted   bool       `json:"is_blacklisted"`
	Reason        string     `json:"reason,omitempty"`
	BlacklistedAt *time.Time `json:"blacklisted_at,omitempty"`
}

// Revocation reasons written to the blacklist.
const (
	RevocationReasonRefresh   = "token_refresh"
	RevocationReasonLogout    = "user_logout"
	RevocationReasonEmergency = "emergency_revocation"
)
