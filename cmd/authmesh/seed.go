package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/authmesh/authmesh/internal/repository"
	"github.com/authmesh/authmesh/internal/seeder"
)

var seedCfg = seeder.DefaultConfig()

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Populate the database with a generated organization tree",
	Long: `Generates companies, departments, and teams under the admin root,
with users, memberships, roles, and assignments. Intended for development
and load testing; runs against whatever database the config points at.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		repo, err := openRepository(logger)
		if err != nil {
			return err
		}
		defer repo.Close()

		if _, ok := repo.(*repository.MemoryRepository); ok {
			logger.Warn("seeding the in-memory repository; data is gone when the process exits")
		}

		sum, err := seeder.New(repo, seedCfg, logger).Run(context.Background())
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		fmt.Printf("created %d organizations, %d users, %d roles, %d assignments\n",
			sum.Organizations, sum.Users, sum.Roles, sum.Assignments)
		return nil
	},
}

func init() {
	seedCmd.Flags().Int64Var(&seedCfg.Seed, "seed", 0, "random seed (0 = randomize)")
	seedCmd.Flags().IntVar(&seedCfg.Companies, "companies", seedCfg.Companies, "top-level organizations")
	seedCmd.Flags().IntVar(&seedCfg.DepartmentsPerCompany, "departments", seedCfg.DepartmentsPerCompany, "departments per company")
	seedCmd.Flags().IntVar(&seedCfg.TeamsPerDepartment, "teams", seedCfg.TeamsPerDepartment, "teams per department")
	seedCmd.Flags().IntVar(&seedCfg.UsersPerOrg, "users", seedCfg.UsersPerOrg, "users per organization")
	rootCmd.AddCommand(seedCmd)
}
