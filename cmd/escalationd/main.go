// Package main is the entry point for the escalation engine daemon.
// It wires all dependencies together, schedules the escalation scan and
// serves the admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pitabwire/escalate/internal/action"
	"github.com/pitabwire/escalate/internal/condition"
	"github.com/pitabwire/escalate/internal/config"
	"github.com/pitabwire/escalate/internal/definition"
	"github.com/pitabwire/escalate/internal/directory"
	"github.com/pitabwire/escalate/internal/escalation"
	"github.com/pitabwire/escalate/internal/idempotency"
	"github.com/pitabwire/escalate/internal/lock"
	"github.com/pitabwire/escalate/internal/notify"
	"github.com/pitabwire/escalate/internal/observability"
	"github.com/pitabwire/escalate/internal/store"
	"github.com/pitabwire/escalate/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Telemetry.
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "escalationd", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
	}

	// Persistence.
	st, closeStore, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer closeStore()

	// Rule seed files.
	if err := seedRules(ctx, cfg.Definitions, st, metrics, logger); err != nil {
		logger.Error("rule seeding failed", zap.Error(err))
		return 1
	}

	// Collaborators.
	dir, err := buildDirectory(cfg.Directory)
	if err != nil {
		logger.Error("directory initialization failed", zap.Error(err))
		return 1
	}

	notifier, notifierCheck, err := buildNotifier(cfg.Notification, metrics, logger)
	if err != nil {
		logger.Error("notifier initialization failed", zap.Error(err))
		return 1
	}

	locker, closeLocker, err := buildLocker(cfg.Escalation.Lock, logger)
	if err != nil {
		logger.Error("lock initialization failed", zap.Error(err))
		return 1
	}
	defer closeLocker()

	idem, closeIdem, err := buildIdempotency(cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	defer closeIdem()

	calendar, err := escalation.NewCalendar(
		cfg.Escalation.Calendar.TimeZone,
		cfg.Escalation.Calendar.StartHour,
		cfg.Escalation.Calendar.EndHour,
		cfg.Escalation.Calendar.Holidays,
	)
	if err != nil {
		logger.Error("business calendar invalid", zap.Error(err))
		return 1
	}

	selector, err := escalation.NewSelector(cfg.Escalation.TargetSelection, st)
	if err != nil {
		logger.Error("target selector invalid", zap.Error(err))
		return 1
	}

	// Engine.
	evaluator := condition.NewEvaluator(st,
		condition.WithEmptyGroupPolicy(condition.EmptyGroupPolicy(cfg.Conditions.EmptyGroupPolicy)),
		condition.WithLogger(logger.Named("condition")),
	)
	executor := action.NewExecutor(
		action.WithNotifier(notifier, dir),
		action.WithLogger(logger.Named("action")),
	)
	machine := escalation.NewMachine(escalation.MachineConfig{
		Directory: dir,
		Notifier:  notifier,
		Selector:  selector,
		Intervals: cfg.Escalation.DefaultIntervals,
		Logger:    logger.Named("escalation"),
		Metrics:   metrics,
	})
	scanner := escalation.NewScanner(escalation.ScannerConfig{
		Store:    st,
		Resolver: escalation.NewTriggerResolver(st, evaluator, calendar, logger.Named("trigger")),
		Machine:  machine,
		Locker:   locker,
		LeaseTTL: cfg.Escalation.Lock.TTL,
		Workers:  cfg.Escalation.Workers,
		Logger:   logger.Named("scanner"),
		Metrics:  metrics,
	})
	service := escalation.NewService(escalation.ServiceConfig{
		Store:     st,
		Evaluator: evaluator,
		Executor:  executor,
		Scanner:   scanner,
		Machine:   machine,
		Logger:    logger,
		Metrics:   metrics,
	})

	// HTTP.
	var authenticate func(http.Handler) http.Handler
	if cfg.Auth.Enabled {
		secret := os.Getenv(cfg.Auth.SecretEnv)
		if secret == "" {
			logger.Error("auth secret not set", zap.String("env", cfg.Auth.SecretEnv))
			return 1
		}
		authenticate = transport.JWTAuthenticator(cfg.Auth, []byte(secret))
	} else {
		logger.Warn("admin API authentication disabled")
	}

	readiness := observability.ReadinessChecks{
		Store:    observability.CheckFunc(st.Ping),
		Notifier: notifierCheck,
	}
	if locker != nil {
		readiness.Lock = observability.CheckFunc(locker.Ping)
	}
	if hc, ok := idem.(observability.HealthChecker); ok {
		readiness.Idempotency = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Service:      service,
		Idempotency:  idem,
		Authenticate: authenticate,
		Readiness:    readiness,
		Metrics:      metrics,
		Logger:       logger.Named("http"),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Scheduled scan.
	var scheduler *cron.Cron
	if cfg.Escalation.Enabled {
		scheduler, err = buildScheduler(ctx, cfg.Escalation.Schedule, service, logger)
		if err != nil {
			logger.Error("escalation schedule invalid", zap.Error(err))
			return 1
		}
		scheduler.Start()
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("lock", cfg.Escalation.Lock.Driver),
		zap.Bool("escalation_scan", cfg.Escalation.Enabled),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Wait for a running scan to finish its current candidates.
	if scheduler != nil {
		select {
		case <-scheduler.Stop().Done():
		case <-shutdownCtx.Done():
			logger.Warn("escalation scan still running at shutdown")
		}
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStore creates the store selected by config. The returned closer is
// never nil.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory store, state is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("store: ping: %w", err)
		}

		pg := store.NewPgStore(pool)
		if cfg.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("store: migrate: %w", err)
			}
		}
		return pg, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// seedRules loads, validates and upserts the rule seed files.
func seedRules(ctx context.Context, cfg config.DefinitionsConfig, st store.Store, metrics *observability.Metrics, logger *zap.Logger) error {
	if len(cfg.Directories) == 0 {
		return nil
	}
	sets, err := definition.NewLoader().LoadAll(cfg.Directories)
	if err != nil {
		return err
	}
	if verrs := definition.NewValidator().Validate(sets); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("rule definition invalid", zap.String("error", ve.Error()))
		}
		return fmt.Errorf("%d rule definition errors", len(verrs))
	}

	applied, err := definition.Apply(ctx, st, sets)
	if err != nil {
		return err
	}
	metrics.RecordRulesLoaded("condition_group", applied.ConditionGroups)
	metrics.RecordRulesLoaded("escalation_rule", applied.EscalationRules)
	logger.Info("rule definitions loaded",
		zap.Int("files", len(sets)),
		zap.Int("condition_groups", applied.ConditionGroups),
		zap.Int("escalation_rules", applied.EscalationRules),
	)
	return nil
}

func buildDirectory(cfg config.DirectoryConfig) (*directory.StaticDirectory, error) {
	if cfg.File == "" {
		return directory.NewStaticDirectoryFromUsers(nil)
	}
	return directory.NewStaticDirectory(cfg.File)
}

// buildNotifier returns the configured notifier and, for the webhook, a
// readiness check that fails while its circuit is open.
func buildNotifier(cfg config.NotificationConfig, metrics *observability.Metrics, logger *zap.Logger) (notify.Notifier, observability.HealthChecker, error) {
	switch cfg.Driver {
	case "log":
		return notify.NewLogNotifier(logger.Named("notify")), nil, nil
	case "webhook":
		wh := cfg.Webhook
		n, err := notify.NewWebhookNotifier(notify.WebhookConfig{
			URL:                 wh.URL,
			Timeout:             wh.Timeout,
			Headers:             wh.Headers,
			BreakerInterval:     wh.CircuitBreaker.Interval,
			BreakerTimeout:      wh.CircuitBreaker.Timeout,
			BreakerMinRequests:  wh.CircuitBreaker.MinRequests,
			BreakerFailureRatio: wh.CircuitBreaker.FailureRatio,
		}, logger.Named("notify"), func(_ string, _, to gobreaker.State) {
			metrics.SetNotifierCircuitBreakerState(breakerGauge(to))
		})
		if err != nil {
			return nil, nil, err
		}
		return n, n, nil
	default:
		return nil, nil, fmt.Errorf("unsupported notification driver: %q", cfg.Driver)
	}
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// buildLocker returns a nil Locker for the "none" driver. The returned
// closer is never nil.
func buildLocker(cfg config.LockConfig, logger *zap.Logger) (lock.Locker, func(), error) {
	switch cfg.Driver {
	case "none":
		logger.Warn("escalation scan lease disabled")
		return nil, func() {}, nil
	case "memory":
		return lock.NewMemoryLocker(), func() {}, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("lock: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		closer := func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close failed", zap.Error(err))
			}
		}
		return lock.NewRedisLocker(client), closer, nil
	default:
		return nil, nil, fmt.Errorf("unsupported lock driver: %q", cfg.Driver)
	}
}

// buildIdempotency returns a nil Store for the "none" driver, which turns
// replay protection off.
func buildIdempotency(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	switch cfg.Driver {
	case "none":
		return nil, func() {}, nil
	case "memory":
		return idempotency.NewMemoryStore(), func() {}, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		closer := func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close failed", zap.Error(err))
			}
		}
		return idempotency.NewRedisStore(client), closer, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency driver: %q", cfg.Driver)
	}
}

// buildScheduler runs the escalation scan on the cron schedule. Overlapping
// runs in this process are skipped; the lease covers other replicas.
func buildScheduler(ctx context.Context, schedule string, svc *escalation.Service, logger *zap.Logger) (*cron.Cron, error) {
	cl := cronLogger{logger.Named("cron").Sugar()}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	_, err := c.AddFunc(schedule, func() {
		summary, err := svc.ProcessEscalations(ctx)
		if err != nil {
			logger.Error("scheduled escalation scan failed", zap.Error(err))
			return
		}
		if summary.LeaseHeld {
			logger.Info("escalation scan skipped, lease held by another scanner")
			return
		}
		if len(summary.Errors) > 0 {
			logger.Warn("scheduled escalation scan finished with errors",
				zap.Strings("errors", summary.Errors))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	return c, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
