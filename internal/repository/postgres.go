package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/authmesh/authmesh/internal/models"
	"github.com/authmesh/authmesh/pkg/database"
)

// PostgresRepository backs the server with PostgreSQL. Tree and precedence
// logic lives in stored functions under the authz schema; this layer binds
// parameters and scans rows.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

// isUniqueViolation checks for Postgres unique constraint violations (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// raisedWith matches errors raised by stored functions on their message text.
func raisedWith(err error, fragment string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && strings.Contains(pgErr.Message, fragment)
}

// =============================================================================
// USERS
// =============================================================================

func (r *PostgresRepository) CreateUser(ctx context.Context, user *models.User) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO authz.users (external_id, email, first_name, last_name, profile_picture_url, status, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		user.ExternalID, user.Email, user.FirstName, user.LastName,
		user.ProfilePictureURL, user.Status, user.Source,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

const userColumns = `
	id, external_id, email, first_name, last_name, profile_picture_url,
	status, source, created_at, updated_at
`

func scanUser(row pgx.Row) (*models.User, error) {
	var user models.User
	err := row.Scan(
		&user.ID, &user.ExternalID, &user.Email, &user.FirstName, &user.LastName,
		&user.ProfilePictureURL, &user.Status, &user.Source,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func (r *PostgresRepository) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `SELECT ` + userColumns + ` FROM authz.users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

func (r *PostgresRepository) GetUserByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `SELECT ` + userColumns + ` FROM authz.users WHERE external_id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, externalID))
}

func (r *PostgresRepository) UpdateUser(ctx context.Context, user *models.User) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		UPDATE authz.users
		SET email = $2, first_name = $3, last_name = $4,
		    profile_picture_url = $5, status = $6
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		user.ID, user.Email, user.FirstName, user.LastName,
		user.ProfilePictureURL, user.Status,
	).Scan(&user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to update user: %w", err)
	}

	return nil
}

// =============================================================================
// ORGANIZATIONS
// =============================================================================

const organizationColumns = `
	id, name, display_name, description, parent_id, path::text, metadata,
	is_active, created_at, updated_at, created_by, updated_by
`

func scanOrganization(row pgx.Row) (*models.Organization, error) {
	var org models.Organization
	err := row.Scan(
		&org.ID, &org.Name, &org.DisplayName, &org.Description, &org.ParentID,
		&org.Path, &org.Metadata, &org.IsActive,
		&org.CreatedAt, &org.UpdatedAt, &org.CreatedBy, &org.UpdatedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return &org, nil
}

func (r *PostgresRepository) CreateOrganization(ctx context.Context, req *models.CreateOrganizationRequest, createdBy *string) (*models.Organization, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	var id string
	err := r.pool.QueryRow(ctx,
		`SELECT authz.create_organization($1, $2, $3, $4, $5, $6)`,
		req.Name, req.DisplayName, req.Description, req.ParentID, req.Metadata, createdBy,
	).Scan(&id)
	if err != nil {
		switch {
		case raisedWith(err, "already exists"):
			return nil, ErrOrganizationExists
		case raisedWith(err, "not found"):
			return nil, ErrOrganizationNotFound
		case isUniqueViolation(err):
			return nil, ErrOrganizationExists
		}
		return nil, fmt.Errorf("failed to create organization: %w", err)
	}

	return r.GetOrganization(ctx, id)
}

func (r *PostgresRepository) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `SELECT ` + organizationColumns + ` FROM authz.organizations WHERE id = $1`
	return scanOrganization(r.pool.QueryRow(ctx, query, id))
}

func (r *PostgresRepository) GetOrganizationByPath(ctx context.Context, path string) (*models.Organization, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `SELECT ` + organizationColumns + ` FROM authz.organizations WHERE path = $1::ltree`
	return scanOrganization(r.pool.QueryRow(ctx, query, path))
}

func (r *PostgresRepository) MoveOrganization(ctx context.Context, orgID, newParentID string, movedBy *string) (int, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	var moved int
	err := r.pool.QueryRow(ctx,
		`SELECT authz.move_organization($1, $2, $3)`,
		orgID, newParentID, movedBy,
	).Scan(&moved)
	if err != nil {
		switch {
		case raisedWith(err, "not found"):
			return 0, ErrOrganizationNotFound
		case raisedWith(err, "cannot be moved"), raisedWith(err, "own parent"),
			raisedWith(err, "own descendant"), raisedWith(err, "already exists"):
			return 0, fmt.Errorf("%w: %v", ErrInvalidMove, err)
		}
		return 0, fmt.Errorf("failed to move organization: %w", err)
	}

	return moved, nil
}

func (r *PostgresRepository) DeactivateOrganization(ctx context.Context, orgID string, updatedBy *string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := r.pool.Exec(ctx,
		`UPDATE authz.organizations SET is_active = FALSE, updated_by = $2 WHERE id = $1 AND id <> $3`,
		orgID, updatedBy, models.AdminOrganizationID,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate organization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrganizationNotFound
	}
	return nil
}

func (r *PostgresRepository) GetOrganizationHierarchy(ctx context.Context, userID string) ([]models.OrganizationNode, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx,
		`SELECT id, name, display_name, path::text, parent_id, level,
		        has_access, is_direct_member, member_count, role_count
		   FROM authz.get_organization_hierarchy($1)`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get organization hierarchy: %w", err)
	}
	defer rows.Close()

	var nodes []models.OrganizationNode
	for rows.Next() {
		var n models.OrganizationNode
		if err := rows.Scan(
			&n.ID, &n.Name, &n.DisplayName, &n.Path, &n.ParentID, &n.Level,
			&n.HasAccess, &n.IsDirectMember, &n.MemberCount, &n.RoleCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan hierarchy row: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (r *PostgresRepository) GetUserOrganizations(ctx context.Context, userID string) ([]models.UserOrganization, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx,
		`SELECT id, name, display_name, path::text, parent_id, is_primary, source
		   FROM authz.get_user_organizations($1)
		  ORDER BY path`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get user organizations: %w", err)
	}
	defer rows.Close()

	var orgs []models.UserOrganization
	for rows.Next() {
		var o models.UserOrganization
		if err := rows.Scan(
			&o.ID, &o.Name, &o.DisplayName, &o.Path, &o.ParentID,
			&o.IsPrimary, &o.Source,
		); err != nil {
			return nil, fmt.Errorf("failed to scan organization row: %w", err)
		}
		o.IsActive = true
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

func (r *PostgresRepository) UserHasOrganizationAccess(ctx context.Context, userID, orgID string) (bool, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var hasAccess bool
	err := r.pool.QueryRow(ctx,
		`SELECT authz.user_has_organization_access($1, $2)`,
		userID, orgID,
	).Scan(&hasAccess)
	if err != nil {
		return false, fmt.Errorf("failed to check organization access: %w", err)
	}
	return hasAccess, nil
}

func (r *PostgresRepository) AddMembership(ctx context.Context, m *models.OrganizationMembership) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := r.pool.Exec(ctx,
		`INSERT INTO authz.organization_memberships (user_id, organization_id, is_primary, status)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, organization_id) DO UPDATE
		     SET is_primary = EXCLUDED.is_primary, status = EXCLUDED.status`,
		m.UserID, m.OrganizationID, m.IsPrimary, m.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to add membership: %w", err)
	}
	return nil
}
