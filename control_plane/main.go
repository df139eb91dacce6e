package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/itskum47/adpilot/control_plane/agentproxy"
	"github.com/itskum47/adpilot/control_plane/auth"
	"github.com/itskum47/adpilot/control_plane/commands"
	"github.com/itskum47/adpilot/control_plane/config"
	"github.com/itskum47/adpilot/control_plane/coordination"
	"github.com/itskum47/adpilot/control_plane/idempotency"
	"github.com/itskum47/adpilot/control_plane/logging"
	"github.com/itskum47/adpilot/control_plane/rollup"
	"github.com/itskum47/adpilot/control_plane/rulegen"
	"github.com/itskum47/adpilot/control_plane/rules"
	"github.com/itskum47/adpilot/control_plane/scheduler"
	"github.com/itskum47/adpilot/control_plane/store"
	"github.com/itskum47/adpilot/control_plane/streaming"
	"github.com/itskum47/adpilot/control_plane/timeline"
)

func generateNodeID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "node"
	}
	return hostname + "-" + uuid.NewString()[:8]
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("control plane exited")
	}
}

// backingStore is what openStore hands back: the full store plus the
// liveness view, which the Store interface does not expose.
type backingStore interface {
	store.Store
	store.LivenessStore
}

func openStore(ctx context.Context, cfg config.Postgres, logger zerolog.Logger) (backingStore, func(), error) {
	if cfg.DSN == "" {
		logger.Warn().Msg("no postgres dsn configured, using in-memory store")
		return store.NewMemoryStore(), func() {}, nil
	}
	if cfg.AutoMigrate {
		if err := store.RunMigrations(ctx, cfg.DSN); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Msg("migrations applied")
	}
	pg, err := store.NewPostgresStore(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	logger.Info().Msg("connected to postgres")
	return pg, pg.Close, nil
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nodeID := generateNodeID()
	logger = logger.With().Str("node_id", nodeID).Logger()

	s, closeStore, err := openStore(ctx, cfg.Postgres, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Redis is optional. Without it the node runs alone: no election, no
	// distributed rule leases, idempotency records live in process.
	var (
		coord store.Coordinator
		redis *store.RedisCoordinator
	)
	if cfg.Redis.Addr != "" {
		redis, err = store.NewRedisCoordinator(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer redis.Close()
		coord = redis
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")
	} else {
		logger.Warn().Msg("no redis configured, running single node")
	}

	var idemBackend idempotency.Backend
	if redis != nil {
		idemBackend = idempotency.NewRedisBackend(redis)
	} else {
		cache, err := idempotency.NewCacheBackend(cfg.Cache.MaxCostBytes)
		if err != nil {
			return fmt.Errorf("idempotency cache: %w", err)
		}
		defer cache.Close()
		idemBackend = cache
	}

	sched := scheduler.New(logger)

	var elector *coordination.LeaderElector
	if coord != nil {
		elector = coordination.NewLeaderElector(coord, nodeID, cfg.Scheduler.LeaderLeaseTTL, logger)
	}

	proxy := agentproxy.New(cfg.Agent, logger)
	dashboard := NewDashboardService(s, sched, elector, proxy)
	hub := NewMetricsHub(dashboard, logger)

	var bus streaming.Publisher = streaming.NewLogPublisher(logger)
	if cfg.NATS.URL != "" {
		nc, err := streaming.ConnectNATS(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("nats unavailable, events go to the log only")
		} else {
			bus = nc
		}
	}
	events := streaming.Multi(bus, hub)
	defer events.Close()

	tokens, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	if err != nil {
		return err
	}

	tl := timeline.NewStore(0)
	executor := rules.NewExecutor(s, proxy, events, tl, logger)
	engine := rules.NewEngine(s, proxy, rollup.NewAggregator(s), events, tl, logger)
	compactor := rollup.NewCompactor(s, cfg.Retention, events, logger)
	liveness := coordination.NewLivenessTracker(s, cfg.Agent.StaleAfter, events, logger)
	queue := commands.NewQueue(s, events, logger)
	guard := scheduler.NewRunGuard(coord, nodeID, cfg.Scheduler.RuleLeaseTTL, logger)
	runner := NewRunner(s, executor, engine, guard, logger)

	var janitor *coordination.LockJanitor
	if coord != nil {
		janitor = coordination.NewLockJanitor(coord, logger)
	}

	if err := seed(ctx, s, cfg.Auth, logger); err != nil {
		return err
	}

	registerJobs(sched, cfg.Scheduler, runner, compactor, liveness, janitor)

	api := NewAPI(APIDeps{
		Config:      cfg,
		Store:       s,
		Tokens:      tokens,
		Liveness:    liveness,
		Queue:       queue,
		Executor:    executor,
		Runner:      runner,
		RuleGen:     rulegen.New(cfg.RuleGen, logger),
		Proxy:       proxy,
		Timeline:    tl,
		Scheduler:   sched,
		Elector:     elector,
		Idempotency: idempotency.NewStore(idemBackend, cfg.Cache.IdempotencyTTL),
		Dashboard:   dashboard,
		Hub:         hub,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:              ":" + strings.TrimPrefix(cfg.Server.Port, ":"),
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Only the leader ticks jobs. Followers keep the loops running in
	// STANDBY so a promotion takes effect on the next tick.
	if elector != nil {
		sched.SetMode(scheduler.ModeStandby)
		elector.SetCallbacks(
			func(fenced context.Context) {
				epoch, _ := coordination.GetEpochFromContext(fenced)
				logger.Info().Int64("epoch", epoch).Msg("elected leader, running jobs")
				sched.SetMode(scheduler.ModeActive)
			},
			func() {
				logger.Warn().Msg("leadership lost, jobs on standby")
				sched.SetMode(scheduler.ModeStandby)
			},
		)
		elector.Start(gctx)
	}

	g.Go(func() error {
		sched.Start(gctx)
		<-gctx.Done()
		sched.SetMode(scheduler.ModeDraining)
		sched.Wait()
		logger.Info().Msg("scheduler drained")
		return nil
	})

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("control plane listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// seed creates the bootstrap admin when configured and the built-in
// automated rule. Both are no-ops once present.
func seed(ctx context.Context, s store.Store, cfg config.Auth, logger zerolog.Logger) error {
	if cfg.BootstrapAdminEmail != "" {
		if err := seedAdmin(ctx, s, cfg, logger); err != nil {
			return err
		}
	}
	created, err := s.CreateAutomatedRuleIfAbsent(ctx, rules.DefaultAutomatedRule())
	if err != nil {
		return fmt.Errorf("seed automated rule: %w", err)
	}
	if created {
		logger.Info().Msg("seeded default automated rule")
	}
	return nil
}

func seedAdmin(ctx context.Context, s store.Store, cfg config.Auth, logger zerolog.Logger) error {
	email := strings.TrimSpace(cfg.BootstrapAdminEmail)
	if _, err := s.GetUserByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("lookup bootstrap admin: %w", err)
	}
	hash, err := auth.HashPassword(cfg.BootstrapAdminPassword)
	if err != nil {
		return fmt.Errorf("hash bootstrap admin password: %w", err)
	}
	err = s.CreateUser(ctx, &store.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Role:         store.RoleAdmin,
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
	})
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create bootstrap admin: %w", err)
	}
	logger.Info().Str("email", email).Msg("bootstrap admin created")
	return nil
}
