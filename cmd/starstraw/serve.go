// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hkauso/starstraw/internal/access"
	"github.com/hkauso/starstraw/internal/auth"
	authpg "github.com/hkauso/starstraw/internal/auth/postgres"
	"github.com/hkauso/starstraw/internal/config"
	"github.com/hkauso/starstraw/internal/gateway"
	"github.com/hkauso/starstraw/internal/httpapi"
	"github.com/hkauso/starstraw/internal/logging"
	"github.com/hkauso/starstraw/internal/observability"
	"github.com/hkauso/starstraw/internal/skill"
	skillpg "github.com/hkauso/starstraw/internal/skill/postgres"
	"github.com/hkauso/starstraw/internal/store"
)

const (
	defaultLogFormat = "json"
	defaultLogLevel  = "info"
)

var shutdownTimeout = 5 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	var logFormat, logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authentication service",
		Long: `Start the HTTP API and observability servers. Pending database
migrations are applied before the service accepts requests.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, logFormat, logLevel)
		},
	}

	registerConfigFlags(cmd.Flags())
	cmd.Flags().StringVar(&logFormat, "log-format", defaultLogFormat, "log format (json or text)")
	cmd.Flags().StringVar(&logLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, or error)")

	return cmd
}

// registerConfigFlags declares flags whose names mirror config keys so
// posflag can overlay them directly.
func registerConfigFlags(flags *pflag.FlagSet) {
	flags.String("database.url", "", "PostgreSQL connection URL")
	flags.String("http.addr", config.DefaultHTTPAddr, "API listen address")
	flags.String("observability.addr", config.DefaultObservabilityAddr, "metrics/health listen address (empty = disabled)")
	flags.Duration("session.ttl", config.DefaultSessionTTL, "session token lifetime")
	flags.Duration("session.renewal_window", 0, "rotate tokens validated within this window of expiry (0 = disabled)")
}

func runServe(cmd *cobra.Command, logFormat, logLevel string) error {
	if logFormat != "json" && logFormat != "text" {
		return fmt.Errorf("log-format must be 'json' or 'text', got %q", logFormat)
	}
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("log-level must be 'debug', 'info', 'warn', or 'error', got %q", logLevel)
	}
	logging.SetDefault("starstraw", version, logFormat, level)

	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	slog.Info("starting starstraw",
		"http_addr", cfg.HTTP.Addr,
		"observability_addr", cfg.Observability.Addr,
		"session_ttl", cfg.Session.TTL.String(),
	)

	db, err := store.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator, err := store.NewMigrator(cfg.Database.URL)
	if err != nil {
		return err
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close() //nolint:errcheck // migration error takes precedence
		return err
	}
	if err := migrator.Close(); err != nil {
		slog.Warn("failed to close migrator", "error", err)
	}
	slog.Info("migrations applied")

	gw, obsServer, err := buildGateway(cfg, db)
	if err != nil {
		return err
	}

	apiServer, err := httpapi.NewServer(cfg.HTTP.Addr, gw, cfg.Session.TTL)
	if err != nil {
		return err
	}

	var obsErrCh <-chan error
	if cfg.Observability.Addr != "" {
		obsErrCh, err = obsServer.Start()
		if err != nil {
			return err
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability")
	}

	go purgeExpiredSessions(ctx, gw)

	apiErrCh, err := apiServer.Start()
	if err != nil {
		if cfg.Observability.Addr != "" {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			if stopErr := obsServer.Stop(stopCtx); stopErr != nil {
				slog.Warn("failed to stop observability server during cleanup", "error", stopErr)
			}
		}
		return err
	}
	go monitorServerErrors(ctx, cancel, apiErrCh, "api")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("starstraw started")
	slog.Info("service ready", "api_addr", apiServer.Addr())

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	slog.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		slog.Warn("error stopping api server", "error", err)
	}
	if cfg.Observability.Addr != "" {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			slog.Warn("error stopping observability server", "error", err)
		}
	}

	slog.Info("shutdown complete")
	return nil
}

// buildGateway assembles the service graph from configuration.
func buildGateway(cfg *config.Config, db *store.DB) (*gateway.Gateway, *observability.Server, error) {
	hashParams := auth.DefaultHashParams()
	if cfg.Hash.Time > 0 {
		hashParams.Time = cfg.Hash.Time
	}
	if cfg.Hash.MemoryKiB > 0 {
		hashParams.Memory = cfg.Hash.MemoryKiB
	}
	if cfg.Hash.Threads > 0 {
		hashParams.Threads = cfg.Hash.Threads
	}
	hasher := auth.NewArgon2idHasherWithParams(hashParams)

	credentials, err := auth.NewCredentialService(authpg.NewUserRepository(db.Pool()), hasher)
	if err != nil {
		return nil, nil, err
	}

	sessions, err := auth.NewSessionService(authpg.NewSessionRepository(db.Pool()), auth.SessionConfig{
		TTL:           cfg.Session.TTL,
		RenewalWindow: cfg.Session.RenewalWindow,
	})
	if err != nil {
		return nil, nil, err
	}

	skillSet, err := buildSkillSet(cfg.Skills)
	if err != nil {
		return nil, nil, err
	}

	ledger, err := skill.NewLedger(skillSet, skillpg.NewProgressRepository(db.Pool()))
	if err != nil {
		return nil, nil, err
	}

	ruleSet, err := access.NewRuleSet(buildRules(cfg.Rules), skillSet)
	if err != nil {
		return nil, nil, err
	}

	resolver, err := access.NewResolver(ruleSet, ledger)
	if err != nil {
		return nil, nil, err
	}

	obsServer := observability.NewServer(cfg.Observability.Addr, readinessProbe(db))

	gw, err := gateway.New(credentials, sessions, ledger, resolver, obsServer.Metrics())
	if err != nil {
		return nil, nil, err
	}
	return gw, obsServer, nil
}

func buildSkillSet(configs []config.SkillConfig) (*skill.Set, error) {
	skills := make([]skill.Skill, 0, len(configs))
	for _, sc := range configs {
		s, err := skill.NewSkill(sc.Name, sc.Thresholds)
		if err != nil {
			return nil, err
		}
		skills = append(skills, s)
	}
	return skill.NewSet(skills)
}

func buildRules(configs []config.RuleConfig) []access.Rule {
	rules := make([]access.Rule, 0, len(configs))
	for _, rc := range configs {
		rules = append(rules, access.Rule{
			Action:   rc.Action,
			Effect:   access.Effect(rc.Effect),
			Skill:    rc.Skill,
			MinLevel: rc.MinLevel,
		})
	}
	return rules
}

const (
	sessionPurgeInterval  = time.Hour
	readinessProbeTimeout = 2 * time.Second
)

// pinger is the slice of store.DB the readiness probe needs.
type pinger interface {
	Ping(ctx context.Context) error
}

// readinessProbe reports whether the database answers a ping, so
// /healthz/readiness reflects actual storage health.
func readinessProbe(db pinger) func() bool {
	return func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), readinessProbeTimeout)
		defer cancel()
		return db.Ping(ctx) == nil
	}
}

// purgeExpiredSessions trims expired session rows periodically until the
// context is cancelled.
func purgeExpiredSessions(ctx context.Context, gw *gateway.Gateway) {
	ticker := time.NewTicker(sessionPurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := gw.PurgeExpiredSessions(ctx)
			if err != nil {
				slog.Warn("session purge failed", "error", err)
				continue
			}
			if purged > 0 {
				slog.Info("purged expired sessions", "count", purged)
			}
		}
	}
}

// monitorServerErrors cancels the context when a server reports a fatal
// error, so one failing server brings the process down cleanly.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
