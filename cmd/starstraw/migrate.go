// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

package main

import (
	"os"
	"strconv"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/hkauso/starstraw/internal/config"
	"github.com/hkauso/starstraw/internal/store"
)

// NewMigrateCmd creates the migrate subcommand with up/down/steps/version/force.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database schema migrations",
	}

	cmd.PersistentFlags().String("database.url", "", "PostgreSQL connection URL (falls back to DATABASE_URL)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd, func(m *store.Migrator) error {
					pending, err := m.PendingMigrations()
					if err != nil {
						return err
					}
					if len(pending) == 0 {
						cmd.Println("No pending migrations")
						return nil
					}
					if err := m.Up(); err != nil {
						return err
					}
					cmd.Printf("Applied %d migration(s)\n", len(pending))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back all migrations (destructive)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd, func(m *store.Migrator) error {
					if err := m.Down(); err != nil {
						return err
					}
					cmd.Println("Rolled back all migrations")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "steps <n>",
			Short: "Apply n migrations (negative rolls back)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return oops.Code("INVALID_STEPS").Errorf("steps must be an integer, got %q", args[0])
				}
				return withMigrator(cmd, func(m *store.Migrator) error {
					if err := m.Steps(n); err != nil {
						return err
					}
					cmd.Printf("Applied %d step(s)\n", n)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show the current migration version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd, func(m *store.Migrator) error {
					version, dirty, err := m.Version()
					if err != nil {
						return err
					}
					if version == 0 {
						cmd.Println("No migrations applied")
						return nil
					}
					name, err := store.MigrationName(version)
					if err != nil {
						return err
					}
					if name == "" {
						name = "unknown"
					}
					cmd.Printf("Version: %d (%s), dirty: %v\n", version, name, dirty)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Set the migration version without running migrations",
			Long: `Set the recorded migration version without running any SQL.
Use only to recover from a dirty state after fixing the database by hand.`,
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil || version < 0 {
					return oops.Code("INVALID_VERSION").Errorf("version must be a non-negative integer, got %q", args[0])
				}
				return withMigrator(cmd, func(m *store.Migrator) error {
					if err := m.Force(version); err != nil {
						return err
					}
					cmd.Printf("Forced version to %d\n", version)
					return nil
				})
			},
		},
	)

	return cmd
}

// withMigrator resolves the database URL, opens a migrator, runs fn, and
// closes the migrator.
func withMigrator(cmd *cobra.Command, fn func(*store.Migrator) error) error {
	databaseURL, err := resolveDatabaseURL(cmd)
	if err != nil {
		return err
	}

	migrator, err := store.NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			cmd.PrintErrf("warning: failed to close migrator: %v\n", closeErr)
		}
	}()

	return fn(migrator)
}

// resolveDatabaseURL checks the flag, then the config file, then the
// DATABASE_URL environment variable.
func resolveDatabaseURL(cmd *cobra.Command) (string, error) {
	if flagURL, err := cmd.Flags().GetString("database.url"); err == nil && flagURL != "" {
		return flagURL, nil
	}

	if configFile != "" {
		cfg, err := config.Load(configFile, nil)
		if err != nil {
			return "", err
		}
		return cfg.Database.URL, nil
	}

	if envURL := os.Getenv("DATABASE_URL"); envURL != "" {
		return envURL, nil
	}

	return "", oops.Code("CONFIG_MISSING_DATABASE_URL").
		Errorf("database URL required: set --database.url, --config, or DATABASE_URL")
}
