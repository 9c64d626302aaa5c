// Package maintenance runs the background sweeps: role expiry, blacklist
// cleanup, and the direct-permission projection refresh.
package maintenance

import (
	"context"
	"time"

	"github.com/authmesh/authmesh/internal/audit"
	"github.com/authmesh/authmesh/internal/models"
	"github.com/authmesh/authmesh/internal/repository"
	"github.com/authmesh/authmesh/pkg/logging"
)

// Config sets the sweep intervals.
type Config struct {
	// RoleExpiryInterval is how often expired role assignments are
	// deactivated. Default 15m.
	RoleExpiryInterval time.Duration

	// TokenCleanupInterval is how often stale blacklist rows are removed.
	// Default 1h.
	TokenCleanupInterval time.Duration

	// ProjectionRefreshInterval is how often the direct-permission
	// projection is refreshed. Default 5m.
	ProjectionRefreshInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.RoleExpiryInterval <= 0 {
		out.RoleExpiryInterval = 15 * time.Minute
	}
	if out.TokenCleanupInterval <= 0 {
		out.TokenCleanupInterval = time.Hour
	}
	if out.ProjectionRefreshInterval <= 0 {
		out.ProjectionRefreshInterval = 5 * time.Minute
	}
	return out
}

// Sweeper owns the periodic maintenance work.
type Sweeper struct {
	repo    repository.Repository
	auditor *audit.Logger
	cfg     Config
	logger  *logging.Logger
}

func NewSweeper(repo repository.Repository, auditor *audit.Logger, cfg Config, logger *logging.Logger) *Sweeper {
	return &Sweeper{repo: repo, auditor: auditor, cfg: cfg.withDefaults(), logger: logger}
}

// Run drives every sweep until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	roleTicker := time.NewTicker(s.cfg.RoleExpiryInterval)
	tokenTicker := time.NewTicker(s.cfg.TokenCleanupInterval)
	projectionTicker := time.NewTicker(s.cfg.ProjectionRefreshInterval)
	defer roleTicker.Stop()
	defer tokenTicker.Stop()
	defer projectionTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-roleTicker.C:
			s.SweepExpiredRoles(ctx)
		case <-tokenTicker.C:
			s.CleanupTokens(ctx)
		case <-projectionTicker.C:
			s.RefreshProjection(ctx)
		}
	}
}

// SweepExpiredRoles deactivates role assignments whose expiry has passed.
func (s *Sweeper) SweepExpiredRoles(ctx context.Context) {
	count, err := s.repo.ExpireUserRoles(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "role expiry sweep failed", "error", err)
		return
	}
	if count == 0 {
		return
	}
	s.logger.InfoContext(ctx, "expired role assignments deactivated", "count", count)
	s.auditor.System(ctx, models.EventRoleExpirySweep, models.ResultSuccess, map[string]any{
		"expired_count": count,
	})
}

// CleanupTokens removes blacklist rows for tokens that have expired on
// their own.
func (s *Sweeper) CleanupTokens(ctx context.Context) {
	count, err := s.repo.CleanupExpiredTokens(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "token cleanup failed", "error", err)
		return
	}
	if count == 0 {
		return
	}
	s.logger.InfoContext(ctx, "expired blacklist rows removed", "count", count)
	s.auditor.System(ctx, models.EventTokenCleanup, models.ResultSuccess, map[string]any{
		"removed_count": count,
	})
}

// RefreshProjection rebuilds the direct-permission projection.
func (s *Sweeper) RefreshProjection(ctx context.Context) {
	if err := s.repo.RefreshDirectPermissions(ctx); err != nil {
		s.logger.ErrorContext(ctx, "projection refresh failed", "error", err)
	}
}
