package models

import (
	"strings"
	"time"
)

// UserStatus is the lifecycle state of a user account.
type UserStatus string

const (
	UserActive    UserStatus = "Active"
	UserInactive  UserStatus = "Inactive"
	UserSuspended UserStatus = "Suspended"
)

// User is an internal principal. ExternalID is the identity-provider subject
// and maps one IdP identity to exactly one internal user for its lifetime.
// Credentials never live here; authentication is delegated to the IdP.
type User struct {
	ID                string     `json:"id"`
	ExternalID        string     `json:"external_id"`
	Email             string     `json:"email"`
	FirstName         string     `json:"first_name"`
	LastName          string     `json:"last_name"`
	ProfilePictureURL *string    `json:"profile_picture_url,omitempty"`
	Status            UserStatus `json:"status"`
	Source            string     `json:"source"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// IsActive returns true for users in the Active state.
func (u *User) IsActive() bool {
	return u.Status == UserActive
}

// FullName joins first and last name, tolerating either being empty.
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// IdPProfile is the user profile returned by the identity provider after a
// successful code exchange.
type IdPProfile struct {
	ExternalID        string `json:"external_id"`
	Email             string `json:"email"`
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	ProfilePictureURL string `json:"profile_picture_url,omitempty"`
	Provider          string `json:"provider,omitempty"`
}
