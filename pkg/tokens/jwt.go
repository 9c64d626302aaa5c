// Package tokens mints and validates the scoped access tokens issued after a
// successful permission resolution. A token is bound to exactly one
// organization; switching organizations means minting a new token.
package tokens

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/authmesh/authmesh/internal/models"
)

var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("token expired")
	ErrKeyTooShort        = errors.New("signing key must be at least 32 bytes")
	ErrTooManyPermissions = errors.New("permission set exceeds token capacity")
)

// allowedMethods is the HMAC allowlist. Anything else, including "none", is
// rejected during parsing.
var allowedMethods = map[string]bool{
	jwt.SigningMethodHS256.Alg(): true,
	jwt.SigningMethodHS384.Alg(): true,
	jwt.SigningMethodHS512.Alg(): true,
}

// UserClaims is the user block of the token payload.
type UserClaims struct {
	InternalID string `json:"internal_id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	ExternalID string `json:"external_id"`
}

// OrgClaims is the organization block of the token payload.
type OrgClaims struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// Metadata records how and where the token was minted.
type Metadata struct {
	GeneratedAt     time.Time `json:"generated_at"`
	Source          string    `json:"source"`
	IP              string    `json:"ip,omitempty"`
	UserAgent       string    `json:"user_agent,omitempty"`
	SessionID       string    `json:"session_id,omitempty"`
	PermissionCount int       `json:"permission_count"`
	InheritedCount  int       `json:"inherited_count"`
}

// Claims is the full payload of a scoped access token. Permissions are the
// already-resolved effective set for the scoped organization; holders never
// re-run resolution to interpret a token.
type Claims struct {
	User              UserClaims       `json:"user"`
	Organization      OrgClaims        `json:"organization"`
	Permissions       []string         `json:"permissions"`
	Roles             []models.RoleRef `json:"roles"`
	Scope             string           `json:"scope"`
	IncludesInherited bool             `json:"includes_inherited"`
	Metadata          Metadata         `json:"metadata"`
	jwt.RegisteredClaims
}

// Config controls minting and validation.
type Config struct {
	// SigningKey is the shared HMAC secret. Minimum 32 bytes.
	SigningKey []byte

	// Algorithm is one of HS256, HS384, HS512. Defaults to HS256.
	Algorithm string

	// Issuer and Audience fill the registered claims.
	Issuer   string
	Audience string

	// TTL is the token lifetime. Defaults to 1 hour.
	TTL time.Duration

	// Leeway tolerated on exp/nbf during validation. Defaults to 5 minutes.
	Leeway time.Duration

	// MaxPermissions caps the permission list a token may carry. Minting
	// refuses sets over the cap. Defaults to 500.
	MaxPermissions int
}

// Manager mints and validates tokens.
type Manager struct {
	cfg    Config
	method jwt.SigningMethod
}

// NewManager validates the config and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.SigningKey) < 32 {
		return nil, ErrKeyTooShort
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = jwt.SigningMethodHS256.Alg()
	}
	if !allowedMethods[cfg.Algorithm] {
		return nil, fmt.Errorf("unsupported signing algorithm %q", cfg.Algorithm)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = 5 * time.Minute
	}
	if cfg.MaxPermissions <= 0 {
		cfg.MaxPermissions = 500
	}
	method := jwt.GetSigningMethod(cfg.Algorithm)
	return &Manager{cfg: cfg, method: method}, nil
}

// MaxPermissions returns the configured permission cap.
func (m *Manager) MaxPermissions() int {
	return m.cfg.MaxPermissions
}

// TTL returns the configured token lifetime.
func (m *Manager) TTL() time.Duration {
	return m.cfg.TTL
}

// MintInput carries everything needed to mint a token.
type MintInput struct {
	User              UserClaims
	Organization      OrgClaims
	Permissions       []string
	Roles             []models.RoleRef
	IncludesInherited bool
	InheritedCount    int
	Source            string
	IP                string
	UserAgent         string
	SessionID         string
}

// Mint signs a new scoped token. A permission set larger than the
// configured cap is refused with ErrTooManyPermissions rather than
// silently shortened.
func (m *Manager) Mint(in MintInput) (token string, claims *Claims, err error) {
	now := time.Now()

	perms := in.Permissions
	if len(perms) > m.cfg.MaxPermissions {
		return "", nil, fmt.Errorf("%w: %d permissions, cap %d",
			ErrTooManyPermissions, len(perms), m.cfg.MaxPermissions)
	}

	jti, err := NewJTI()
	if err != nil {
		return "", nil, err
	}

	c := &Claims{
		User:              in.User,
		Organization:      in.Organization,
		Permissions:       perms,
		Roles:             in.Roles,
		Scope:             "org:" + in.Organization.ID,
		IncludesInherited: in.IncludesInherited,
		Metadata: Metadata{
			GeneratedAt:     now.UTC(),
			Source:          in.Source,
			IP:              in.IP,
			UserAgent:       in.UserAgent,
			SessionID:       in.SessionID,
			PermissionCount: len(perms),
			InheritedCount:  in.InheritedCount,
		},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.cfg.Issuer,
			Subject:   in.User.InternalID,
			Audience:  jwt.ClaimStrings{m.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.TTL)),
			ID:        jti,
		},
	}

	signed, err := jwt.NewWithClaims(m.method, c).SignedString(m.cfg.SigningKey)
	if err != nil {
		return "", nil, err
	}
	return signed, c, nil
}

// Validate parses and verifies a token, returning its claims.
// Expiry is reported as ErrExpiredToken; every other failure is
// ErrInvalidToken.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if !allowedMethods[t.Method.Alg()] {
			return nil, ErrInvalidToken
		}
		return m.cfg.SigningKey, nil
	}, jwt.WithLeeway(m.cfg.Leeway))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ExtractJTI returns the jti of a token without verifying its signature.
// Used by revocation paths that must blacklist even tokens that no longer
// validate.
func ExtractJTI(tokenString string) (string, error) {
	claims := &Claims{}
	_, _, err := jwt.NewParser().ParseUnverified(tokenString, claims)
	if err != nil {
		return "", ErrInvalidToken
	}
	if claims.ID == "" {
		return "", ErrInvalidToken
	}
	return claims.ID, nil
}

// HasPermission reports whether the token's resolved set satisfies the
// required permission, honoring wildcard grants.
func (c *Claims) HasPermission(required string) bool {
	for _, p := range c.Permissions {
		if models.PermissionMatches(p, required) {
			return true
		}
	}
	return false
}

// NewJTI returns a fresh unguessable token identifier.
func NewJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
