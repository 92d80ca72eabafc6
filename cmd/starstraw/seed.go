// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hkauso/starstraw/internal/auth"
	authpg "github.com/hkauso/starstraw/internal/auth/postgres"
	"github.com/hkauso/starstraw/internal/config"
	"github.com/hkauso/starstraw/internal/skill"
	skillpg "github.com/hkauso/starstraw/internal/skill/postgres"
	"github.com/hkauso/starstraw/internal/store"
)

// Default timeout for seed command.
const defaultSeedTimeout = 30 * time.Second

// seedFile is the YAML document the seed command consumes.
type seedFile struct {
	Users []seedUser `yaml:"users"`
}

// seedUser creates an account and optionally pins skill levels, so a fresh
// deployment can start with an administrator able to grant experience.
type seedUser struct {
	Username string         `yaml:"username"`
	Password string         `yaml:"password"`
	Levels   map[string]int `yaml:"levels"`
}

type seedConfig struct {
	file    string
	timeout time.Duration
}

// NewSeedCmd creates the seed subcommand.
func NewSeedCmd() *cobra.Command {
	cfg := &seedConfig{}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create initial accounts from a seed file",
		Long: `Creates the accounts and skill levels listed in a YAML seed file.
This command is idempotent - existing accounts are left untouched.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSeed(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.file, "file", "seed.yaml", "seed file path")
	cmd.Flags().DurationVar(&cfg.timeout, "timeout", defaultSeedTimeout, "timeout for database operations (e.g., 30s, 1m)")

	return cmd
}

func runSeed(cmd *cobra.Command, cfg *seedConfig) error {
	serviceCfg, err := loadSeedServiceConfig()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(cfg.file)
	if err != nil {
		return oops.Code("SEED_FILE_UNREADABLE").With("path", cfg.file).Wrap(err)
	}

	var seeds seedFile
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return oops.Code("SEED_FILE_INVALID").With("path", cfg.file).Wrap(err)
	}

	// Use cmd.Context() to respect SIGINT/SIGTERM signals.
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.timeout)
	defer cancel()

	cmd.Println("Connecting to database...")
	db, err := store.Connect(ctx, serviceCfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	hasher := auth.NewArgon2idHasher()
	credentials, err := auth.NewCredentialService(authpg.NewUserRepository(db.Pool()), hasher)
	if err != nil {
		return err
	}

	skillSet, err := buildSkillSet(serviceCfg.Skills)
	if err != nil {
		return err
	}
	ledger, err := skill.NewLedger(skillSet, skillpg.NewProgressRepository(db.Pool()))
	if err != nil {
		return err
	}

	for _, seed := range seeds.Users {
		if err := seedOneUser(ctx, cmd, credentials, ledger, seed); err != nil {
			return err
		}
	}

	cmd.Println("Seeding complete")
	return nil
}

func seedOneUser(ctx context.Context, cmd *cobra.Command, credentials *auth.CredentialService, ledger *skill.Ledger, seed seedUser) error {
	user, err := credentials.CreateUser(ctx, seed.Username, seed.Password)
	if err != nil {
		if errors.Is(err, auth.ErrDuplicateUsername) {
			cmd.Printf("User %s already exists, skipping\n", seed.Username)
			return nil
		}
		return oops.Code("SEED_FAILED").
			With("operation", "create user").
			With("username", seed.Username).
			Wrap(err)
	}

	for skillName, level := range seed.Levels {
		if _, err := ledger.SetLevel(ctx, user.ID, skillName, level); err != nil {
			return oops.Code("SEED_FAILED").
				With("operation", "set skill level").
				With("username", seed.Username).
				With("skill", skillName).
				Wrap(err)
		}
	}

	cmd.Printf("Created user %s\n", seed.Username)
	slog.Info("seeded user", "user_id", user.ID.String(), "username", seed.Username)
	return nil
}

// loadSeedServiceConfig prefers the config file since the seed needs both
// the database URL and the skill definitions.
func loadSeedServiceConfig() (*config.Config, error) {
	if configFile == "" {
		if os.Getenv("DATABASE_URL") == "" {
			return nil, oops.Code("CONFIG_MISSING").
				Errorf("seed requires --config (for skills) or DATABASE_URL")
		}
		return &config.Config{
			Database: config.DatabaseConfig{URL: os.Getenv("DATABASE_URL")},
		}, nil
	}

	return config.Load(configFile, nil)
}
