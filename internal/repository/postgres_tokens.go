package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/authmesh/authmesh/internal/models"
	"github.com/authmesh/authmesh/pkg/database"
)

// =============================================================================
// TOKEN BLACKLIST
// =============================================================================

func (r *PostgresRepository) BlacklistToken(ctx context.Context, entry *models.TokenBlacklistEntry) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := r.pool.Exec(ctx,
		`SELECT authz.blacklist_token($1, $2, $3, $4, $5, $6, $7)`,
		entry.JTI, entry.UserID, entry.OrganizationID, entry.RevokedBy,
		entry.Reason, entry.ExpiresAt, entry.Metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to blacklist token: %w", err)
	}
	return nil
}

func (r *PostgresRepository) IsTokenBlacklisted(ctx context.Context, jti string, userID *string) (*models.BlacklistStatus, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var status models.BlacklistStatus
	var at time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT is_blacklisted, reason, blacklisted_at
		   FROM authz.is_token_blacklisted($1, $2)`,
		jti, userID,
	).Scan(&status.Blacklisted, &status.Reason, &at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &models.BlacklistStatus{Blacklisted: false}, nil
		}
		return nil, fmt.Errorf("failed to check token blacklist: %w", err)
	}
	status.BlacklistedAt = &at
	return &status, nil
}

func (r *PostgresRepository) EmergencyRevokeUserTokens(ctx context.Context, userID string, revokedBy *string, ttl time.Duration) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := r.pool.Exec(ctx,
		`SELECT authz.emergency_revoke_user_tokens($1, $2, $3)`,
		userID, revokedBy, ttl,
	)
	if err != nil {
		return fmt.Errorf("failed to emergency revoke tokens: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CleanupExpiredTokens(ctx context.Context) (int, error) {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	var count int
	if err := r.pool.QueryRow(ctx, `SELECT authz.cleanup_expired_tokens()`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to clean up expired tokens: %w", err)
	}
	return count, nil
}
