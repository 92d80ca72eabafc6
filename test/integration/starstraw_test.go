// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

//go:build integration

package integration

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hkauso/starstraw/internal/access"
	"github.com/hkauso/starstraw/internal/auth"
	authpg "github.com/hkauso/starstraw/internal/auth/postgres"
	"github.com/hkauso/starstraw/internal/gateway"
	"github.com/hkauso/starstraw/internal/skill"
	skillpg "github.com/hkauso/starstraw/internal/skill/postgres"
	"github.com/hkauso/starstraw/internal/store"
)

// testEnv holds the resources a spec needs: a PostgreSQL container with
// migrations applied and a fully wired gateway on top of it.
type testEnv struct {
	ctx       context.Context
	cancel    context.CancelFunc
	container testcontainers.Container
	connStr   string
	db        *store.DB
	gateway   *gateway.Gateway
	ledger    *skill.Ledger
	users     *authpg.UserRepository
}

// fast argon2id parameters so specs do not burn CPU on hashing
var testHashParams = auth.HashParams{Time: 1, Memory: 8 * 1024, Threads: 1}

func setupTestEnv() (*testEnv, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	env := &testEnv{ctx: ctx, cancel: cancel}

	container, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("starstraw_test"),
		postgres.WithUsername("starstraw"),
		postgres.WithPassword("starstraw"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		cancel()
		return nil, err
	}
	env.container = container

	env.connStr, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		env.cleanup()
		return nil, err
	}

	migrator, err := store.NewMigrator(env.connStr)
	if err != nil {
		env.cleanup()
		return nil, err
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		env.cleanup()
		return nil, err
	}
	_ = migrator.Close()

	env.db, err = store.Connect(ctx, env.connStr)
	if err != nil {
		env.cleanup()
		return nil, err
	}

	if err := env.buildGateway(); err != nil {
		env.cleanup()
		return nil, err
	}

	return env, nil
}

// buildGateway wires the same graph the serve command builds, with a single
// "spirit" skill and a small rule set.
func (env *testEnv) buildGateway() error {
	hasher := auth.NewArgon2idHasherWithParams(testHashParams)
	env.users = authpg.NewUserRepository(env.db.Pool())

	credentials, err := auth.NewCredentialService(env.users, hasher)
	if err != nil {
		return err
	}

	sessions, err := auth.NewSessionService(authpg.NewSessionRepository(env.db.Pool()), auth.SessionConfig{
		TTL: time.Hour,
	})
	if err != nil {
		return err
	}

	spirit, err := skill.NewSkill("spirit", []int64{0, 100, 500})
	if err != nil {
		return err
	}
	skillSet, err := skill.NewSet([]skill.Skill{spirit})
	if err != nil {
		return err
	}

	env.ledger, err = skill.NewLedger(skillSet, skillpg.NewProgressRepository(env.db.Pool()))
	if err != nil {
		return err
	}

	rules, err := access.NewRuleSet([]access.Rule{
		{Action: "post:create", Effect: access.EffectAllow},
		{Action: "post:purge", Effect: access.EffectDeny},
		{Action: "spirit:award", Effect: access.EffectRequire, Skill: "spirit", MinLevel: 2},
		{Action: "spirit:level", Effect: access.EffectRequire, Skill: "spirit", MinLevel: 2},
	}, skillSet)
	if err != nil {
		return err
	}

	resolver, err := access.NewResolver(rules, env.ledger)
	if err != nil {
		return err
	}

	env.gateway, err = gateway.New(credentials, sessions, env.ledger, resolver, nil)
	return err
}

func (env *testEnv) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if env.db != nil {
		env.db.Close()
	}
	if env.container != nil {
		_ = env.container.Terminate(ctx)
	}
	env.cancel()
}

var _ = Describe("Starstraw", func() {
	var env *testEnv

	BeforeEach(func() {
		var err error
		env, err = setupTestEnv()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		env.cleanup()
	})

	Describe("Migrations", func() {
		It("reports the applied version and is idempotent", func() {
			migrator, err := store.NewMigrator(env.connStr)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = migrator.Close() }()

			version, dirty, err := migrator.Version()
			Expect(err).NotTo(HaveOccurred())
			Expect(dirty).To(BeFalse())
			Expect(version).To(BeNumerically(">=", 1))

			Expect(migrator.Up()).To(Succeed(), "second Up should be a no-op")

			pending, err := migrator.PendingMigrations()
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeEmpty())
		})
	})

	Describe("Registration and login", func() {
		It("registers, logs in, and identifies a user", func() {
			user, token, err := env.gateway.Register(env.ctx, "alice", "correct-horse")
			Expect(err).NotTo(HaveOccurred())
			Expect(user.Username).To(Equal("alice"))
			Expect(token).NotTo(BeEmpty())

			identified, _, err := env.gateway.Identify(env.ctx, token)
			Expect(err).NotTo(HaveOccurred())
			Expect(identified.ID).To(Equal(user.ID))

			_, loginToken, err := env.gateway.Login(env.ctx, "alice", "correct-horse")
			Expect(err).NotTo(HaveOccurred())
			Expect(loginToken).NotTo(Equal(token), "each login issues a fresh token")
		})

		It("rejects duplicate usernames case-insensitively", func() {
			_, _, err := env.gateway.Register(env.ctx, "alice", "correct-horse")
			Expect(err).NotTo(HaveOccurred())

			_, _, err = env.gateway.Register(env.ctx, "ALICE", "other-password")
			Expect(err).To(MatchError(auth.ErrDuplicateUsername))
		})

		It("keeps wrong-password and unknown-user failures identical", func() {
			_, _, err := env.gateway.Register(env.ctx, "alice", "correct-horse")
			Expect(err).NotTo(HaveOccurred())

			_, _, wrongPass := env.gateway.Login(env.ctx, "alice", "wrong-password")
			_, _, unknownUser := env.gateway.Login(env.ctx, "nobody", "wrong-password")

			Expect(wrongPass).To(MatchError(auth.ErrAuthFailed))
			Expect(unknownUser).To(MatchError(auth.ErrAuthFailed))
			Expect(wrongPass.Error()).To(Equal(unknownUser.Error()))
		})
	})

	Describe("Session lifecycle", func() {
		It("revokes sessions on logout", func() {
			_, token, err := env.gateway.Register(env.ctx, "alice", "correct-horse")
			Expect(err).NotTo(HaveOccurred())

			Expect(env.gateway.Logout(env.ctx, token)).To(Succeed())

			_, _, err = env.gateway.Identify(env.ctx, token)
			Expect(err).To(MatchError(auth.ErrSessionRevoked))
		})

		It("keeps only the presented session after a password change", func() {
			_, token, err := env.gateway.Register(env.ctx, "alice", "correct-horse")
			Expect(err).NotTo(HaveOccurred())

			_, otherToken, err := env.gateway.Login(env.ctx, "alice", "correct-horse")
			Expect(err).NotTo(HaveOccurred())

			_, err = env.gateway.ChangePassword(env.ctx, token, "correct-horse", "new-password-1")
			Expect(err).NotTo(HaveOccurred())

			_, _, err = env.gateway.Identify(env.ctx, token)
			Expect(err).NotTo(HaveOccurred(), "presented session survives")

			_, _, err = env.gateway.Identify(env.ctx, otherToken)
			Expect(err).To(MatchError(auth.ErrSessionRevoked))

			_, _, err = env.gateway.Login(env.ctx, "alice", "new-password-1")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("Skill ledger", func() {
		It("accumulates experience and derives levels", func() {
			user, _, err := env.gateway.Register(env.ctx, "alice", "correct-horse")
			Expect(err).NotTo(HaveOccurred())

			progress, err := env.ledger.AwardExperience(env.ctx, user.ID, "spirit", 60)
			Expect(err).NotTo(HaveOccurred())
			Expect(progress.Experience).To(Equal(int64(60)))
			Expect(progress.Level).To(Equal(0))

			progress, err = env.ledger.AwardExperience(env.ctx, user.ID, "spirit", 60)
			Expect(err).NotTo(HaveOccurred())
			Expect(progress.Experience).To(Equal(int64(120)))
			Expect(progress.Level).To(Equal(1))

			fetched, err := env.ledger.GetProgress(env.ctx, user.ID, "spirit")
			Expect(err).NotTo(HaveOccurred())
			Expect(fetched.Experience).To(Equal(int64(120)))
		})

		It("sums concurrent awards without losing any", func() {
			user, _, err := env.gateway.Register(env.ctx, "alice", "correct-horse")
			Expect(err).NotTo(HaveOccurred())

			const workers = 8
			const perWorker = 10

			var wg sync.WaitGroup
			errs := make(chan error, workers*perWorker)
			for range workers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for range perWorker {
						if _, err := env.ledger.AwardExperience(env.ctx, user.ID, "spirit", 5); err != nil {
							errs <- err
						}
					}
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				Expect(err).NotTo(HaveOccurred())
			}

			progress, err := env.ledger.GetProgress(env.ctx, user.ID, "spirit")
			Expect(err).NotTo(HaveOccurred())
			Expect(progress.Experience).To(Equal(int64(workers * perWorker * 5)))
		})
	})

	Describe("Authorization", func() {
		It("gates actions on persisted skill levels", func() {
			user, token, err := env.gateway.Register(env.ctx, "alice", "correct-horse")
			Expect(err).NotTo(HaveOccurred())

			decision, _, err := env.gateway.Authorize(env.ctx, token, "spirit:award")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Allowed).To(BeFalse())
			Expect(decision.RequiredLevel).To(Equal(2))
			Expect(decision.CurrentLevel).To(Equal(0))

			_, err = env.ledger.SetLevel(env.ctx, user.ID, "spirit", 2)
			Expect(err).NotTo(HaveOccurred())

			decision, _, err = env.gateway.Authorize(env.ctx, token, "spirit:award")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Allowed).To(BeTrue())
		})

		It("lets a leveled user award experience to another", func() {
			admin, adminToken, err := env.gateway.Register(env.ctx, "admin", "correct-horse")
			Expect(err).NotTo(HaveOccurred())
			_, _, err = env.gateway.Register(env.ctx, "alice", "other-password")
			Expect(err).NotTo(HaveOccurred())

			_, _, err = env.gateway.AwardExperience(env.ctx, adminToken, "alice", "spirit", 150)
			var denied *gateway.DeniedError
			Expect(errors.As(err, &denied)).To(BeTrue(), "unleveled admin must be denied")

			_, err = env.ledger.SetLevel(env.ctx, admin.ID, "spirit", 2)
			Expect(err).NotTo(HaveOccurred())

			progress, _, err := env.gateway.AwardExperience(env.ctx, adminToken, "alice", "spirit", 150)
			Expect(err).NotTo(HaveOccurred())
			Expect(progress.Experience).To(Equal(int64(150)))
			Expect(progress.Level).To(Equal(1))
		})
	})
})
