// Package seeder populates a repository with a realistic organization tree,
// users, roles, and assignments for development and load testing.
package seeder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/authmesh/authmesh/internal/models"
	"github.com/authmesh/authmesh/internal/repository"
	"github.com/authmesh/authmesh/pkg/logging"
)

// Config shapes the generated data set.
type Config struct {
	// Seed fixes the random source for reproducible runs. 0 randomizes.
	Seed int64

	// Companies is the number of top-level organizations under the root.
	Companies int

	// DepartmentsPerCompany and TeamsPerDepartment shape the tree below.
	DepartmentsPerCompany int
	TeamsPerDepartment    int

	// UsersPerOrg is how many members each leaf organization gets.
	UsersPerOrg int
}

// DefaultConfig generates a small but fully shaped data set.
func DefaultConfig() Config {
	return Config{
		Companies:             3,
		DepartmentsPerCompany: 3,
		TeamsPerDepartment:    2,
		UsersPerOrg:           5,
	}
}

// Seeder writes generated data through the repository, so the same tree and
// precedence rules apply as for real traffic.
type Seeder struct {
	repo   repository.Repository
	cfg    Config
	faker  *gofakeit.Faker
	logger *logging.Logger
}

func New(repo repository.Repository, cfg Config, logger *logging.Logger) *Seeder {
	return &Seeder{
		repo:   repo,
		cfg:    cfg,
		faker:  gofakeit.New(cfg.Seed),
		logger: logger,
	}
}

// Summary reports what a run created.
type Summary struct {
	Organizations int
	Users         int
	Roles         int
	Assignments   int
}

// Run generates the tree and its population. Safe to re-run: name collisions
// are skipped, not fatal.
func (s *Seeder) Run(ctx context.Context) (*Summary, error) {
	sum := &Summary{}

	for i := 0; i < s.cfg.Companies; i++ {
		company, err := s.createOrg(ctx, nil, s.faker.Company())
		if err != nil {
			s.logger.WarnContext(ctx, "skipping company", "error", err)
			continue
		}
		sum.Organizations++

		// An inheritable admin role at the company level reaches every
		// department and team below it.
		companyAdmin, err := s.createRole(ctx, company.ID, "org-admin", true, 500,
			"organizations:read", "users:read", "roles:read", "audit:read")
		if err != nil {
			return nil, err
		}
		sum.Roles++

		if err := s.seedMembers(ctx, company, companyAdmin, sum); err != nil {
			return nil, err
		}

		for d := 0; d < s.cfg.DepartmentsPerCompany; d++ {
			dept, err := s.createOrg(ctx, &company.ID, s.faker.JobDescriptor())
			if err != nil {
				s.logger.WarnContext(ctx, "skipping department", "error", err)
				continue
			}
			sum.Organizations++

			deptRole, err := s.createRole(ctx, dept.ID, "member", false, 100,
				"organizations:read")
			if err != nil {
				return nil, err
			}
			sum.Roles++

			if err := s.seedMembers(ctx, dept, deptRole, sum); err != nil {
				return nil, err
			}

			for t := 0; t < s.cfg.TeamsPerDepartment; t++ {
				team, err := s.createOrg(ctx, &dept.ID, s.faker.HackerNoun()+" team")
				if err != nil {
					s.logger.WarnContext(ctx, "skipping team", "error", err)
					continue
				}
				sum.Organizations++

				teamRole, err := s.createRole(ctx, team.ID, "member", false, 100,
					"organizations:read")
				if err != nil {
					return nil, err
				}
				sum.Roles++

				if err := s.seedMembers(ctx, team, teamRole, sum); err != nil {
					return nil, err
				}
			}
		}
	}

	s.logger.InfoContext(ctx, "seed complete",
		"organizations", sum.Organizations,
		"users", sum.Users,
		"roles", sum.Roles,
		"assignments", sum.Assignments,
	)
	return sum, nil
}

func (s *Seeder) createOrg(ctx context.Context, parentID *string, name string) (*models.Organization, error) {
	if !models.ValidOrganizationName(name) {
		name = name + " " + s.faker.LetterN(4)
	}
	desc := s.faker.Sentence(8)
	return s.repo.CreateOrganization(ctx, &models.CreateOrganizationRequest{
		Name:        name,
		Description: &desc,
		ParentID:    parentID,
	}, nil)
}

func (s *Seeder) createRole(ctx context.Context, orgID, name string, inheritable bool, priority int, perms ...string) (*models.Role, error) {
	role, err := s.repo.CreateRole(ctx, &models.CreateRoleRequest{
		OrganizationID: orgID,
		Name:           name,
		IsInheritable:  inheritable,
		IsAssignable:   true,
		Priority:       priority,
	})
	if err != nil {
		return nil, fmt.Errorf("create role %s: %w", name, err)
	}
	for _, p := range perms {
		if err := s.repo.AddPermissionToRole(ctx, role.ID, p, nil); err != nil {
			return nil, fmt.Errorf("grant %s to role %s: %w", p, name, err)
		}
	}
	return role, nil
}

func (s *Seeder) seedMembers(ctx context.Context, org *models.Organization, role *models.Role, sum *Summary) error {
	for i := 0; i < s.cfg.UsersPerOrg; i++ {
		user, err := s.createUser(ctx)
		if err != nil {
			return err
		}
		sum.Users++

		if err := s.repo.AddMembership(ctx, &models.OrganizationMembership{
			UserID:         user.ID,
			OrganizationID: org.ID,
			IsPrimary:      true,
			Status:         models.MembershipActive,
			JoinedAt:       time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("add membership: %w", err)
		}

		if _, err := s.repo.AssignRole(ctx, &models.AssignRoleRequest{
			UserID:         user.ID,
			RoleID:         role.ID,
			OrganizationID: org.ID,
		}, nil); err != nil {
			return fmt.Errorf("assign role: %w", err)
		}
		sum.Assignments++
	}
	return nil
}

func (s *Seeder) createUser(ctx context.Context) (*models.User, error) {
	first := s.faker.FirstName()
	last := s.faker.LastName()
	user := &models.User{
		ExternalID: "seed|" + s.faker.UUID(),
		Email:      strings.ToLower(first + "." + last + "@" + s.faker.DomainName()),
		FirstName:  first,
		LastName:   last,
		Status:     models.UserActive,
		Source:     "seeder",
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}
