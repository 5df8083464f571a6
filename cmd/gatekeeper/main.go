package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/api"
	"github.com/lalithlochan/gatekeeper/internal/authz"
	"github.com/lalithlochan/gatekeeper/internal/circuitbreaker"
	"github.com/lalithlochan/gatekeeper/internal/compliance"
	"github.com/lalithlochan/gatekeeper/internal/config"
	"github.com/lalithlochan/gatekeeper/internal/consent"
	"github.com/lalithlochan/gatekeeper/internal/db"
	"github.com/lalithlochan/gatekeeper/internal/deliverylog"
	"github.com/lalithlochan/gatekeeper/internal/health"
	"github.com/lalithlochan/gatekeeper/internal/jobs"
	"github.com/lalithlochan/gatekeeper/internal/observ"
	"github.com/lalithlochan/gatekeeper/internal/policy"
	"github.com/lalithlochan/gatekeeper/internal/redis"
	"github.com/lalithlochan/gatekeeper/internal/sns"
	"github.com/lalithlochan/gatekeeper/internal/sqs"
	"github.com/lalithlochan/gatekeeper/internal/store/memory"
	"github.com/lalithlochan/gatekeeper/internal/worker"
)

// store is everything the engine persists. Both the Postgres repository
// and the memory store satisfy it.
type store interface {
	authz.StateReader
	consent.Store
	consent.ProfileSource
	compliance.Store
	health.Store
	deliverylog.Store
	policy.Store
	worker.Repository
	worker.UserSource
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting gatekeeper",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("storage", cfg.Storage),
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	checks := map[string]func(context.Context) error{}

	// Storage
	var st store
	switch cfg.Storage {
	case "memory":
		logger.Warn("using in-memory storage, state is lost on restart")
		st = memory.New()
	default:
		database, err := db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
			MaxConns: int32(cfg.DBMaxConns),
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		logger.Info("database connection established",
			zap.String("host", cfg.DBHost),
			zap.Int("port", cfg.DBPort),
			zap.String("database", cfg.DBName),
		)
		checks["postgres"] = database.Health
		st = db.NewRepository(database, logger)
	}

	// Segment policies: YAML seeds overlaid by the segment_policies table
	seeds, err := policy.LoadFile(cfg.SegmentPolicyFile)
	if err != nil {
		return fmt.Errorf("failed to load segment policies: %w", err)
	}
	table := policy.NewTable(seeds)
	refresher := policy.NewRefresher(table, seeds, st, logger)
	if err := refresher.Refresh(ctx); err != nil {
		logger.Warn("initial policy refresh failed, serving seed policies", zap.Error(err))
	}
	resolver := policy.NewResolver(table, cfg.DefaultSegment, logger)

	// Redis: strict caps, fail-closed marker, idempotency and rate limiting
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, strict caps, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var (
		capCounter  *redis.CapCounter
		idempotency *redis.IdempotencyService
		limiter     api.Limiter
		marker      interface {
			consent.Marker
			authz.Guard
		} = memory.NewMarker()
	)
	if redisClient != nil {
		defer redisClient.Close()
		checks["redis"] = redisClient.Ping
		capCounter = redis.NewCapCounter(redisClient, logger)
		idempotency = redis.NewIdempotencyService(redisClient, logger)
		marker = redis.NewConsentMarker(redisClient, logger)
		if cfg.RateLimitPerMinute > 0 {
			limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  cfg.RateLimitPerMinute,
				Window: time.Minute,
			})
		}
	}

	// AWS: outcome and spill queues, alert topic
	var breakers []*circuitbreaker.CircuitBreaker

	var spiller deliverylog.Spiller
	var sqsClient sqs.API
	if cfg.OutcomeQueueURL != "" || cfg.SpillQueueURL != "" {
		sqsClient, err = sqs.NewClient(ctx, sqs.Config{Region: cfg.AWSRegion, Endpoint: cfg.AWSEndpoint})
		if err != nil {
			return fmt.Errorf("failed to create sqs client: %w", err)
		}
	}
	if cfg.SpillQueueURL != "" {
		protected := circuitbreaker.NewProtectedSpiller(
			sqs.NewSpillProducer(sqsClient, cfg.SpillQueueURL, logger),
			circuitbreaker.New(circuitbreaker.DefaultConfig("sqs-spill"), logger),
		)
		breakers = append(breakers, protected.Breaker())
		spiller = protected
	}

	var publisher health.Publisher
	if cfg.AlertTopicARN != "" {
		var snsPub *sns.Publisher
		if cfg.AWSEndpoint != "" {
			snsPub, err = sns.NewPublisherWithEndpoint(ctx, cfg.AlertTopicARN, cfg.AWSEndpoint, cfg.AWSRegion)
		} else {
			snsPub, err = sns.NewPublisher(ctx, cfg.AlertTopicARN)
		}
		if err != nil {
			return fmt.Errorf("failed to create sns publisher: %w", err)
		}
		protected := circuitbreaker.NewProtectedPublisher(snsPub,
			circuitbreaker.New(circuitbreaker.DefaultConfig("sns-alerts"), logger), logger)
		breakers = append(breakers, protected.Breaker())
		publisher = protected
	} else {
		logger.Warn("ALERT_TOPIC_ARN not set, alert transitions are only stored")
	}

	// Delivery log and health monitor. The monitor escalates log write
	// failures, so it is attached after both exist.
	recorder := deliverylog.NewRecorder(st, nil, spiller, deliverylog.Config{}, logger)
	healthCfg := health.DefaultConfig()
	healthCfg.Window = cfg.HealthWindow
	healthCfg.ErrorRateThreshold = cfg.ErrorRateThreshold
	healthCfg.HealthScoreThreshold = cfg.HealthScoreThreshold
	healthCfg.OptOutRateThreshold = cfg.OptOutRateThreshold
	monitor := health.NewMonitor(st, publisher, healthCfg, logger)
	recorder.SetEscalator(monitor)

	// Engine
	authzOpts := []authz.Option{authz.WithGuard(marker), authz.WithAttemptLogger(recorder)}
	if capCounter != nil && len(cfg.StrictCapAlertTypes) > 0 {
		authzOpts = append(authzOpts, authz.WithStrictCaps(capCounter, cfg.StrictCapAlertTypes))
	}
	authorizer := authz.NewService(st, resolver, logger, authzOpts...)
	ledger := consent.NewLedger(st, st, st, resolver, st, marker, logger)
	reporter := compliance.NewReporter(st, logger)

	// Typed nils must not reach the planner or the API as non-nil interfaces.
	var (
		dedup worker.Dedup
		idem  api.Idempotency
	)
	if idempotency != nil {
		dedup = idempotency
		idem = idempotency
	}
	planner := worker.NewPlanner(authorizer, st, dedup, worker.PlannerConfig{
		PageSize: 500,
		Rate:     cfg.PlannerRate,
	}, logger)

	var raiser worker.CounterRaiser
	if capCounter != nil {
		raiser = capCounter
	}
	reconciler := worker.NewReconciler(st, resolver, monitor, raiser, worker.Config{
		PollInterval: cfg.ReconcileInterval,
		Lookback:     48 * time.Hour,
	}, logger)

	// Background work
	logDrained := make(chan struct{})
	go func() {
		recorder.Run(ctx)
		close(logDrained)
	}()
	go reconciler.Start(ctx)

	if sqsClient != nil && cfg.OutcomeQueueURL != "" {
		outcomes := sqs.NewConsumer(sqsClient, cfg.OutcomeQueueURL, "outcomes", sqs.OutcomeHandler(recorder), sqs.ConsumerConfig{}, logger)
		go outcomes.Run(ctx)
	}
	if sqsClient != nil && cfg.SpillQueueURL != "" {
		replays := sqs.NewConsumer(sqsClient, cfg.SpillQueueURL, "spill", sqs.SpillHandler(recorder), sqs.ConsumerConfig{}, logger)
		go replays.Run(ctx)
	}

	runner := jobs.NewRunner(ctx, 30*time.Second, logger)
	if err := runner.Add("queue-health", cfg.HealthCheckSchedule, monitor.Check); err != nil {
		return err
	}
	if err := runner.Add("policy-refresh", cfg.PolicyRefreshSchedule, refresher.Refresh); err != nil {
		return err
	}
	if h, ok := checks["postgres"]; ok {
		// Health also samples pool usage into the connections gauge.
		if err := runner.Add("db-stats", "@every 30s", h); err != nil {
			return err
		}
	}
	runner.Start()
	defer func() { <-runner.Stop().Done() }()

	// HTTP
	handler := api.NewHandler(logger, api.Services{
		Ledger:     ledger,
		Authorizer: authorizer,
		Recorder:   recorder,
		Reporter:   reporter,
		Queues:     monitor,
		Alerts:     monitor.Alerts(),
		Planner:    planner,

		Idempotency: idem,
		Checks:      checks,
		Breakers:    breakers,
	})
	router := api.NewRouter(handler, api.RouterConfig{Limiter: limiter, RateLimit: cfg.RateLimitPerMinute}, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	// Stop consumers and the reconciler, then wait for the log writer to
	// drain its buffer.
	stop()
	<-logDrained
	logger.Info("delivery log drained")
	return nil
}
