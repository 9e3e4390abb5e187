package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tutorbill/internal/types"
)

// EngineConfig tunes a charge run.
type EngineConfig struct {
	// Concurrency bounds how many records are charged at once.
	Concurrency int
	// RecordTimeout bounds the store calls made for a single record.
	RecordTimeout time.Duration
	// BatchSize is the page size used when listing due records.
	BatchSize int
	// MaxAttempts bounds re-reads after a version conflict.
	MaxAttempts int
}

// DefaultEngineConfig returns the production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Concurrency:   4,
		RecordTimeout: 10 * time.Second,
		BatchSize:     100,
		MaxAttempts:   3,
	}
}

func (c EngineConfig) withDefaults() EngineConfig {
	d := DefaultEngineConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.RecordTimeout <= 0 {
		c.RecordTimeout = d.RecordTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}

// Engine runs the monthly charge over every due active subscription.
//
// A record is due when its next_charge_date is unset or not after the run
// time. A successful debit advances next_charge_date in the same
// conditional write, so a second run in the same cycle finds nothing to
// charge.
type Engine struct {
	store    ChargeStore
	students StudentCounter
	metrics  ChargeMetrics
	alerts   AlertPublisher
	cfg      EngineConfig
	logger   *slog.Logger
}

// NewEngine creates an Engine. metrics and alerts may be nil.
func NewEngine(store ChargeStore, students StudentCounter, metrics ChargeMetrics, alerts AlertPublisher, cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		students: students,
		metrics:  metrics,
		alerts:   alerts,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Run charges every record due at now. Per-record failures are reported in
// the summary and never stop the run; the returned error is set only when
// the due records could not be listed. Results keep listing order.
func (e *Engine) Run(ctx context.Context, now time.Time) (*types.ChargeSummary, error) {
	summary := &types.ChargeSummary{RunAt: now, Results: []types.ChargeResult{}}

	after := ""
	for {
		page, err := e.store.ListDueActive(ctx, now, after, e.cfg.BatchSize)
		if err != nil {
			e.finish(ctx, summary)
			return summary, fmt.Errorf("list due subscriptions: %w", err)
		}
		if len(page) == 0 {
			break
		}

		results := make([]types.ChargeResult, len(page))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.Concurrency)
		for i := range page {
			rec := page[i]
			g.Go(func() error {
				results[i] = e.chargeRecord(gctx, rec, now)
				return nil
			})
		}
		_ = g.Wait()

		summary.Results = append(summary.Results, results...)
		after = page[len(page)-1].UserID
		if len(page) < e.cfg.BatchSize {
			break
		}
	}

	e.finish(ctx, summary)
	return summary, nil
}

func (e *Engine) finish(ctx context.Context, summary *types.ChargeSummary) {
	summary.Processed = len(summary.Results)

	e.logger.InfoContext(ctx, "monthly charge run finished",
		slog.Time("run_at", summary.RunAt),
		slog.Int("processed", summary.Processed),
		slog.Int("charged", summary.Count(types.OutcomeCharged)),
		slog.Int("insufficient_funds", summary.Count(types.OutcomeInsufficientFunds)),
		slog.Int("skipped", summary.Count(types.OutcomeSkipped)),
		slog.Int("errors", summary.Count(types.OutcomeError)),
	)

	if e.metrics != nil {
		if err := e.metrics.RecordChargeRun(ctx, summary); err != nil {
			e.logger.WarnContext(ctx, "failed to record charge metrics", slog.Any("error", err))
		}
	}
}

// chargeRecord charges one record, retrying on version conflicts. Panics
// and errors become an OutcomeError result for this record only.
func (e *Engine) chargeRecord(ctx context.Context, rec types.SubscriptionRecord, now time.Time) (result types.ChargeResult) {
	result = types.ChargeResult{UserID: rec.UserID, OldBalance: rec.CreditBalance, NewBalance: rec.CreditBalance}

	defer func() {
		if r := recover(); r != nil {
			result = errorResult(rec, fmt.Errorf("panic: %v", r))
		}
		if result.Outcome == types.OutcomeError {
			e.logger.ErrorContext(ctx, "monthly charge failed",
				slog.String("user_id", rec.UserID),
				slog.String("error", result.Error),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RecordTimeout)
	defer cancel()

	current := &rec
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			fresh, err := e.store.GetByUserID(ctx, rec.UserID)
			if err != nil {
				return errorResult(rec, err)
			}
			if !fresh.IsDue(now) {
				return types.ChargeResult{
					UserID:     rec.UserID,
					Outcome:    types.OutcomeSkipped,
					OldBalance: fresh.CreditBalance,
					NewBalance: fresh.CreditBalance,
				}
			}
			current = fresh
		}

		res, applied, err := e.tryCharge(ctx, current, now)
		if err != nil {
			return errorResult(*current, err)
		}
		if applied {
			e.publishAlert(ctx, current, res, now)
			return res
		}
	}

	return errorResult(*current, types.NewAppError(types.ErrCodeConflictConcurrent,
		fmt.Sprintf("record changed concurrently %d times", e.cfg.MaxAttempts), nil))
}

// tryCharge performs one conditional write against rec's version.
func (e *Engine) tryCharge(ctx context.Context, rec *types.SubscriptionRecord, now time.Time) (types.ChargeResult, bool, error) {
	count, err := e.students.CountActiveStudents(ctx, rec.UserID)
	if err != nil {
		return types.ChargeResult{}, false, err
	}
	cost := MonthlyCost(count)
	newBalance := rec.CreditBalance - cost

	res := types.ChargeResult{
		UserID:         rec.UserID,
		ActiveStudents: count,
		MonthlyCost:    cost,
		OldBalance:     rec.CreditBalance,
	}

	if newBalance < 0 {
		applied, err := e.store.MarkInsufficientFunds(ctx, rec.UserID, rec.Version, types.MonthlyShortfall{
			Cost:           cost,
			ActiveStudents: count,
			At:             now,
		})
		if err != nil || !applied {
			return types.ChargeResult{}, false, err
		}
		res.Outcome = types.OutcomeInsufficientFunds
		res.NewBalance = rec.CreditBalance
		res.LowBalanceAlerted = true
		return res, true, nil
	}

	lowBalance := newBalance < cost
	applied, err := e.store.ApplyMonthlyDebit(ctx, rec.UserID, rec.Version, types.MonthlyDebit{
		Cost:              cost,
		ActiveStudents:    count,
		ChargedAt:         now,
		NextChargeDate:    NextChargeDate(now),
		LowBalanceAlerted: lowBalance,
	})
	if err != nil || !applied {
		return types.ChargeResult{}, false, err
	}
	res.Outcome = types.OutcomeCharged
	res.NewBalance = newBalance
	res.LowBalanceAlerted = lowBalance
	return res, true, nil
}

// publishAlert emits a balance alert when a record newly needs attention.
// Publishing failures are logged; the charge itself already committed.
func (e *Engine) publishAlert(ctx context.Context, before *types.SubscriptionRecord, res types.ChargeResult, now time.Time) {
	if e.alerts == nil {
		return
	}

	var kind types.AlertKind
	switch {
	case res.Outcome == types.OutcomeInsufficientFunds:
		kind = types.AlertInsufficientFunds
	case res.Outcome == types.OutcomeCharged && res.LowBalanceAlerted && !before.LowBalanceAlerted:
		kind = types.AlertLowBalance
	default:
		return
	}

	alert := types.BalanceAlert{
		AlertID:        uuid.NewString(),
		UserID:         res.UserID,
		Kind:           kind,
		Balance:        res.NewBalance,
		MonthlyCost:    res.MonthlyCost,
		ActiveStudents: res.ActiveStudents,
		CreatedAt:      now,
	}
	if err := e.alerts.PublishBalanceAlert(ctx, alert); err != nil {
		e.logger.WarnContext(ctx, "failed to publish balance alert",
			slog.String("user_id", res.UserID),
			slog.String("kind", string(kind)),
			slog.Any("error", err),
		)
	}
}

func errorResult(rec types.SubscriptionRecord, err error) types.ChargeResult {
	return types.ChargeResult{
		UserID:     rec.UserID,
		Outcome:    types.OutcomeError,
		OldBalance: rec.CreditBalance,
		NewBalance: rec.CreditBalance,
		Error:      err.Error(),
	}
}
