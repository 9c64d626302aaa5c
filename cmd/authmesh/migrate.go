package main

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"
)

var migrationsPath string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		mig, err := newMigrator()
		if err != nil {
			return err
		}
		if err := mig.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				fmt.Println("database is up to date")
				return nil
			}
			return fmt.Errorf("migrate up: %w", err)
		}
		return printVersion(mig)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		mig, err := newMigrator()
		if err != nil {
			return err
		}
		if err := mig.Steps(-1); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
		return printVersion(mig)
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the current migration version",
	RunE: func(cmd *cobra.Command, args []string) error {
		mig, err := newMigrator()
		if err != nil {
			return err
		}
		return printVersion(mig)
	},
}

func init() {
	migrateCmd.PersistentFlags().StringVar(&migrationsPath, "path", "migrations", "migrations directory")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
	rootCmd.AddCommand(migrateCmd)
}

func newMigrator() (*migrate.Migrate, error) {
	if cfg.Database.Type != "postgres" {
		return nil, fmt.Errorf("migrations require database.type=postgres, got %q", cfg.Database.Type)
	}
	mig, err := migrate.New("file://"+migrationsPath, cfg.Database.Postgres.ConnString())
	if err != nil {
		return nil, fmt.Errorf("initialize migrations: %w", err)
	}
	return mig, nil
}

func printVersion(mig *migrate.Migrate) error {
	version, dirty, err := mig.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		fmt.Println("no migrations applied")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("version %d (dirty=%v)\n", version, dirty)
	return nil
}
