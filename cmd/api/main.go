// Package main is the entry point for the TutorBill API server.
//
// It loads configuration, opens the Postgres pool, wires the billing
// services into their HTTP handlers and serves them through the core
// chassis (middleware, routing, health checks).
//
// In local mode (APP_ENV=local) it runs as a standard HTTP server on the
// configured port. Inside AWS Lambda it serves API Gateway HTTP API events
// through the same router, bridged by the api-proxy httpadapter.
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

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"tutorbill/internal/api/handlers"
	"tutorbill/internal/billing"
	"tutorbill/internal/config"
	"tutorbill/internal/core"
	"tutorbill/internal/db"
	"tutorbill/internal/external"
	"tutorbill/internal/queue"
	"tutorbill/internal/telemetry"
	"tutorbill/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("tutorbill API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	if cfg.Environment == "local" {
		if err := db.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return fmt.Errorf("applying schema: %w", err)
		}
	}

	deps, err := newAWSDeps(ctx, cfg, logger)
	if err != nil {
		pool.Close()
		return err
	}

	srv, err := buildServer(cfg, logger, pool, deps)
	if err != nil {
		pool.Close()
		return err
	}
	srv.HealthProbes = append(srv.HealthProbes, core.PingProbe{Label: "database", Ping: pool.Ping})
	srv.OnShutdown(pool.Close)
	srv.MountRoutes()

	// AWS Lambda sets AWS_LAMBDA_RUNTIME_API when executing inside the runtime.
	if isLambdaEnvironment() {
		logger.Info("starting in Lambda mode")
		lambda.Start(newLambdaHandler(srv.Handler()))
		return nil
	}

	return runHTTPServer(srv, cfg, logger)
}

// awsDeps holds the optional AWS-backed collaborators of the charge engine.
type awsDeps struct {
	metrics billing.ChargeMetrics
	alerts  billing.AlertPublisher
}

// newAWSDeps builds the CloudWatch and SQS clients when they are enabled.
// Both stay nil otherwise, which the engine treats as disabled.
func newAWSDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (awsDeps, error) {
	var deps awsDeps
	if !cfg.Observability.EnableMetrics && cfg.AWS.BillingAlertQueue == "" {
		return deps, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return deps, fmt.Errorf("loading AWS config: %w", err)
	}

	var counter queue.AlertCounter
	if cfg.Observability.EnableMetrics {
		cw := telemetry.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		}), cfg.Observability.MetricNamespace, logger)
		deps.metrics, counter = cw, cw
	}
	if cfg.AWS.BillingAlertQueue != "" {
		deps.alerts = queue.NewAlertPublisher(sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		}), cfg.AWS.BillingAlertQueue, counter, logger)
	}
	return deps, nil
}

// buildServer wires the billing services over pool and registers their
// handlers on a new core.Server. Routes are not mounted yet.
func buildServer(cfg *config.Config, logger *slog.Logger, pool db.Pool, deps awsDeps) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	clock := types.RealClock{}
	subs := db.NewSubscriptionRepo(pool, logger)
	relations := db.NewRelationRepo(pool)

	referrals := billing.NewReferrals(subs, billing.NewReferralCode, cfg.Billing.ReferralBonus.Cents(), clock, logger)
	ledger := billing.NewLedger(subs, referrals, clock, logger)
	gate := billing.NewGate(subs, relations, logger)
	attacher := billing.NewStudentAttacher(gate, relations, clock)

	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: 15 * time.Second},
		external.StripeClientConfig{SecretKey: cfg.Billing.StripeSecretKey.Unmask(), Logger: logger},
	)
	service := billing.NewService(subs, relations, referrals, stripeClient, billing.ServiceConfig{
		Currency:     cfg.Billing.Currency,
		MinTopUp:     cfg.Billing.MinTopUp.Cents(),
		DashboardURL: cfg.Server.DashboardURL,
	}, logger)

	engine := billing.NewEngine(subs, relations, deps.metrics, deps.alerts, billing.EngineConfig{
		Concurrency:   cfg.Scheduler.Concurrency,
		RecordTimeout: cfg.Scheduler.RecordTimeout,
		BatchSize:     cfg.Scheduler.BatchSize,
	}, logger)

	billingHandler := handlers.NewBillingHandler(service, engine, cfg.Scheduler.TriggerTokenHash, srv.Validator, clock, logger)
	plans := billing.NewPlans(subs, subs, cfg.Billing.PlanQuotas, logger)
	webhookHandler := handlers.NewStripeWebhookHandler(external.StripeVerifier{}, ledger, plans, cfg.Billing.StripeWebhookSecret, clock, logger)
	referralHandler := handlers.NewReferralHandler(referrals, srv.Validator, logger)
	relationsHandler := handlers.NewRelationsHandler(gate, attacher, srv.Validator, logger)

	srv.RouteRegistrars = append(srv.RouteRegistrars,
		billingHandler.RegisterRoutes,
		webhookHandler.RegisterRoutes,
		referralHandler.RegisterRoutes,
		relationsHandler.RegisterRoutes,
	)
	return srv, nil
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

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

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Closes the database pool.
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
