// Package idp talks to the external identity provider. Authentication is
// fully delegated: this server never sees credentials, only authorization
// codes and the profiles they exchange into.
package idp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/authmesh/authmesh/internal/apperr"
	"github.com/authmesh/authmesh/internal/models"
	"github.com/authmesh/authmesh/pkg/logging"
)

// Config identifies this server to the IdP.
type Config struct {
	// BaseURL is the IdP origin, e.g. "https://id.example.com".
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURI  string

	// Timeout bounds each IdP call. Default 10s.
	Timeout time.Duration
}

// Client exchanges authorization codes for user profiles.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *logging.Logger
}

func NewClient(cfg Config, logger *logging.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// AuthorizeURL builds the IdP authorization redirect for the login flow.
func (c *Client) AuthorizeURL(state string) string {
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {c.cfg.ClientID},
		"redirect_uri":  {c.cfg.RedirectURI},
		"scope":         {"openid profile email"},
		"state":         {state},
	}
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + "/oauth/authorize?" + q.Encode()
}

// tokenResponse is the IdP token endpoint reply.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Error       string `json:"error"`
	ErrorDesc   string `json:"error_description"`
}

// profileResponse is the IdP userinfo reply.
type profileResponse struct {
	Sub        string `json:"sub"`
	Email      string `json:"email"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	Picture    string `json:"picture"`
}

// Exchange trades an authorization code for the user's IdP profile.
func (c *Client) Exchange(ctx context.Context, code string) (*models.IdPProfile, error) {
	if code == "" {
		return nil, apperr.New(apperr.CodeAuthorizationCodeInvalid, "empty authorization code")
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"redirect_uri":  {c.cfg.RedirectURI},
	}

	tok, err := c.postToken(ctx, form)
	if err != nil {
		return nil, err
	}

	profile, err := c.fetchProfile(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	return profile, nil
}

func (c *Client) postToken(ctx context.Context, form url.Values) (*tokenResponse, error) {
	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/oauth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeIdPApiError, "build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.CodeExternalTimeout, "token exchange timed out", err)
		}
		return nil, apperr.Wrap(apperr.CodeIdPApiError, "token exchange request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeIdPApiError, "read token response", err)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, apperr.Wrap(apperr.CodeIdPApiError, "decode token response", err)
	}

	if resp.StatusCode != http.StatusOK || tok.Error != "" {
		c.logger.WarnContext(ctx, "idp rejected authorization code",
			"status", resp.StatusCode,
			"idp_error", tok.Error,
		)
		if resp.StatusCode == http.StatusBadRequest || tok.Error == "invalid_grant" {
			return nil, apperr.Newf(apperr.CodeAuthorizationCodeInvalid, "authorization code rejected: %s", tok.Error)
		}
		return nil, apperr.Newf(apperr.CodeIdPExchangeFailed, "token exchange failed with status %d", resp.StatusCode)
	}
	if tok.AccessToken == "" {
		return nil, apperr.New(apperr.CodeIdPExchangeFailed, "token response carried no access token")
	}
	return &tok, nil
}

func (c *Client) fetchProfile(ctx context.Context, accessToken string) (*models.IdPProfile, error) {
	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/oauth/userinfo"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeIdPApiError, "build userinfo request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.CodeExternalTimeout, "userinfo request timed out", err)
		}
		return nil, apperr.Wrap(apperr.CodeIdPApiError, "userinfo request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Newf(apperr.CodeIdPApiError, "userinfo failed with status %d", resp.StatusCode)
	}

	var p profileResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&p); err != nil {
		return nil, apperr.Wrap(apperr.CodeIdPApiError, "decode userinfo response", err)
	}

	// A profile without a stable subject or an email cannot be mapped to an
	// internal user.
	if p.Sub == "" || p.Email == "" {
		return nil, apperr.New(apperr.CodeIdPProfileMissing, "idp profile missing subject or email")
	}

	return &models.IdPProfile{
		ExternalID:        p.Sub,
		Email:             p.Email,
		FirstName:         p.GivenName,
		LastName:          p.FamilyName,
		ProfilePictureURL: p.Picture,
	}, nil
}
