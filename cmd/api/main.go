// Package main is the entry point for the PlaySync API server.
//
// It loads configuration (resolving secrets from SSM in non-local
// environments), connects the PostgreSQL pool, wires the Play Developer API
// client and the sync orchestrator, builds the HTTP server with the core
// chassis (middleware, routing, health checks), and starts listening.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"playsync/internal/api/handlers"
	"playsync/internal/config"
	"playsync/internal/core"
	"playsync/internal/db"
	"playsync/internal/entitlement"
	"playsync/internal/external"
	"playsync/internal/queue"
	"playsync/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	// The SSM provider region must be known before config is loaded, so it
	// comes straight from the environment. LoadConfig skips SSM entirely
	// when APP_ENV=local.
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := config.LoadConfig(config.NewSSMProvider(region))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("playsync API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	// Database pool.
	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database pool: %w", err)
	}

	repo := db.NewEntitlementRepository(pool, logger)

	// AWS clients. The endpoint override supports LocalStack; it is empty in
	// real environments.
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		pool.Close()
		return fmt.Errorf("loading AWS SDK config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	// Play Developer API client. The HTTP client timeout stays below the
	// orchestrator's verification deadline so the breaker sees timeouts
	// before the pipeline gives up.
	catalog := entitlement.NewStaticProductCatalog()
	playClient, err := external.NewPlayClient(
		&http.Client{Timeout: cfg.Play.VerifyTimeout},
		catalog,
		external.PlayClientConfig{
			PackageName:        cfg.Play.PackageName,
			ServiceAccountJSON: []byte(cfg.Play.ServiceAccountJSON.Unmask()),
			Logger:             logger,
		},
	)
	if err != nil {
		pool.Close()
		return fmt.Errorf("creating Play client: %w", err)
	}

	// Sync pipeline.
	scheduler := queue.NewAckRetryPublisher(sqsClient, cfg.AWS, logger)
	tracker := entitlement.NewTracker(repo, playClient, scheduler, logger,
		entitlement.WithAckRetryDelay(cfg.Play.AckRetryDelay),
	)

	var syncMetrics entitlement.Metrics
	if cfg.Observability.EnableMetrics {
		syncMetrics = entitlement.NewCloudWatchMetrics(cwClient, logger)
	}

	orchestrator := entitlement.NewOrchestrator(repo, playClient, tracker, catalog, syncMetrics, logger,
		entitlement.WithVerifyTimeout(cfg.Play.VerifyTimeout),
		entitlement.WithAckTimeout(cfg.Play.AckTimeout),
	)

	// HTTP server chassis.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		pool.Close()
		return fmt.Errorf("creating server: %w", err)
	}

	srv.Authenticator = core.NewAPIKeyAuthenticator(cfg.Auth.APIKeyHash)
	if cfg.Observability.EnableMetrics {
		srv.Metrics = &cloudWatchRequestMetrics{
			client:    cwClient,
			namespace: cfg.Observability.MetricNamespace,
			logger:    logger,
		}
	}
	srv.HealthProbes = []core.HealthProbe{
		core.ProbeFunc("database", func(ctx context.Context) error {
			return pool.Ping(ctx)
		}),
	}
	srv.AddCleanup(func() error {
		pool.Close()
		return nil
	})

	entitlementHandler := handlers.NewEntitlementHandler(orchestrator, repo, srv.Validator, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, entitlementHandler.RegisterRoutes)

	webhookHandler := handlers.NewPlayWebhookHandler(orchestrator, repo, cfg.Play.WebhookToken, logger)
	srv.WebhookRouteRegistrars = append(srv.WebhookRouteRegistrars, webhookHandler.RegisterRoutes)

	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// newPool builds the pgx connection pool with the configured tuning
// parameters and verifies connectivity before returning.
func newPool(ctx context.Context, dbCfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dbCfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	poolCfg.MaxConns = int32(dbCfg.MaxConns)
	poolCfg.MinConns = int32(dbCfg.MinConns)
	poolCfg.MaxConnLifetime = dbCfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = dbCfg.HealthCheckPeriod
	poolCfg.ConnConfig.ConnectTimeout = dbCfg.AcquireTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Channel to capture server errors from ListenAndServe.
	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or server error.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with a 10-second deadline.
	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Shutdown server resources (DB pools, etc.).
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}

// cloudWatchRequestMetrics implements core.MetricsCollector by publishing
// per-request count and latency datapoints. Publication is fire-and-forget
// on a short deadline so a slow CloudWatch endpoint never blocks a response.
type cloudWatchRequestMetrics struct {
	client    *cloudwatch.Client
	namespace string
	logger    *slog.Logger
}

func (m *cloudWatchRequestMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	dims := []cwtypes.Dimension{
		{Name: aws.String(types.DimMethod), Value: aws.String(method)},
		{Name: aws.String(types.DimEndpoint), Value: aws.String(endpoint)},
		{Name: aws.String(types.DimStatus), Value: aws.String(status)},
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace: aws.String(m.namespace),
			MetricData: []cwtypes.MetricDatum{
				{
					MetricName: aws.String(types.MetricAPIRequestCount),
					Value:      aws.Float64(1),
					Unit:       cwtypes.StandardUnitCount,
					Dimensions: dims,
				},
				{
					MetricName: aws.String(types.MetricAPIRequestLatency),
					Value:      aws.Float64(float64(duration.Milliseconds())),
					Unit:       cwtypes.StandardUnitMilliseconds,
					Dimensions: dims,
				},
			},
		})
		if err != nil {
			m.logger.Warn("failed to publish request metrics", "error", err)
		}
	}()
}

// Compile-time assertion that the metrics adapter satisfies the collector
// interface used by the middleware chain.
var _ core.MetricsCollector = (*cloudWatchRequestMetrics)(nil)
