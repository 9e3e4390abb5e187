// Package main is the entrypoint for the scheduler Lambda function.
//
// An EventBridge rule invokes it once a day with {"task":"monthly_charge"}.
// The handler takes the per-month job lock, records job history and runs
// the monthly charge engine. Records already charged this cycle are
// skipped, so the daily cadence also picks up teachers whose next charge
// date falls mid-month.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"

	"tutorbill/internal/billing"
	"tutorbill/internal/config"
	"tutorbill/internal/db"
	"tutorbill/internal/queue"
	"tutorbill/internal/scheduler"
	"tutorbill/internal/telemetry"
	"tutorbill/internal/types"
)

// ChargeRunner runs one monthly charge pass.
type ChargeRunner interface {
	Run(ctx context.Context, now time.Time) (*types.ChargeSummary, error)
}

// JobLocker abstracts the distributed lock.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID string, workerID string) error
}

// JobHistorian abstracts the job history recording.
type JobHistorian interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, err error) error
}

// Handler holds the dependencies of the Lambda handler function.
type Handler struct {
	Engine     ChargeRunner
	JobLock    JobLocker
	JobHistory JobHistorian
	WorkerID   string
	LockTTL    time.Duration
	Clock      types.Clock
	Logger     *slog.Logger
}

// Handle runs the task named in payload.
//
//  1. Resolve the reference time.
//  2. Acquire "monthly_charge:YYYY-MM"; a held lock means another worker is
//     running and this invocation is a no-op.
//  3. Record job start, run the engine, record completion.
//  4. Release the lock on failure so the next invocation can retry.
func (h *Handler) Handle(ctx context.Context, payload scheduler.Payload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := h.Clock
	if clock == nil {
		clock = types.RealClock{}
	}

	now := payload.Now(clock.Now())
	logger.InfoContext(ctx, "scheduler invoked",
		"task", string(payload.Task),
		"reference_time", now.Format(time.RFC3339),
		"worker_id", h.WorkerID,
	)

	if payload.Task != scheduler.TaskMonthlyCharge {
		return "", fmt.Errorf("unknown task type: %q", payload.Task)
	}

	lockID := scheduler.LockID(payload.Task, now)
	acquired, err := h.JobLock.Acquire(ctx, lockID, h.WorkerID, h.LockTTL)
	if err != nil {
		logger.ErrorContext(ctx, "failed to acquire job lock", "lock_id", lockID, "error", err)
		return "", fmt.Errorf("acquiring job lock %s: %w", lockID, err)
	}
	if !acquired {
		logger.InfoContext(ctx, "job lock not acquired, another worker is processing", "lock_id", lockID)
		return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
	}

	jobID, err := h.JobHistory.Start(ctx, string(payload.Task))
	if err != nil {
		// History is bookkeeping only; the charge still runs.
		logger.ErrorContext(ctx, "failed to start job history", "error", err)
		jobID = 0
	}

	summary, runErr := h.Engine.Run(ctx, now)

	status, items, failed := scheduler.JobStatusSuccess, 0, 0
	if summary != nil {
		items = summary.Processed
		for _, res := range summary.Results {
			if res.Outcome == types.OutcomeError {
				failed++
			}
		}
		if failed > 0 {
			status = scheduler.JobStatusPartial
		}
	}
	if runErr != nil {
		status = scheduler.JobStatusFailed
	}

	if jobID != 0 {
		if err := h.JobHistory.Finish(ctx, jobID, status, items, runErr); err != nil {
			logger.ErrorContext(ctx, "failed to finish job history", "job_id", jobID, "error", err)
		}
	}

	if runErr != nil {
		if err := h.JobLock.Release(ctx, lockID, h.WorkerID); err != nil {
			logger.ErrorContext(ctx, "failed to release job lock", "lock_id", lockID, "error", err)
		}
		logger.ErrorContext(ctx, "monthly charge failed", "error", runErr, "items_before_error", items)
		return "", fmt.Errorf("task %s failed: %w", payload.Task, runErr)
	}

	result := fmt.Sprintf("task %s complete: %d processed, %d failed", payload.Task, items, failed)
	logger.InfoContext(ctx, result, "status", status)
	return result, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("scheduler Lambda initializing (cold start)")

	if err := config.ResolveSecrets(config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL"))); err != nil {
		logger.Error("failed to resolve SSM secrets", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadConfig(nil)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	var metrics billing.ChargeMetrics
	var alertCounter queue.AlertCounter
	if cfg.Observability.EnableMetrics {
		cw := telemetry.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		}), cfg.Observability.MetricNamespace, logger)
		metrics, alertCounter = cw, cw
	}

	var alerts billing.AlertPublisher
	if cfg.AWS.BillingAlertQueue != "" {
		alerts = queue.NewAlertPublisher(sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		}), cfg.AWS.BillingAlertQueue, alertCounter, logger)
	}

	subs := db.NewSubscriptionRepo(pool, logger)
	relations := db.NewRelationRepo(pool)
	engine := billing.NewEngine(subs, relations, metrics, alerts, billing.EngineConfig{
		Concurrency:   cfg.Scheduler.Concurrency,
		RecordTimeout: cfg.Scheduler.RecordTimeout,
		BatchSize:     cfg.Scheduler.BatchSize,
	}, logger)

	workerID := "scheduler-" + uuid.NewString()
	handler := &Handler{
		Engine:     engine,
		JobLock:    db.NewJobLockRepository(pool),
		JobHistory: db.NewJobHistoryRepository(pool),
		WorkerID:   workerID,
		LockTTL:    cfg.Scheduler.LockTTL,
		Clock:      types.RealClock{},
		Logger:     logger,
	}

	logger.Info("scheduler Lambda initialized",
		"worker_id", workerID,
		"version", cfg.Build.Version,
	)
	lambda.Start(handler.Handle)
}
