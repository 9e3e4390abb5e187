package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"tutorbill/internal/types"
)

// SubscriptionRepo is the store accessor for per-teacher subscription
// records.
//
// Balance and referral mutations are single conditional statements (or a
// short transaction) so that concurrent top-ups, charges and settlements
// cannot lose updates:
//   - monthly writes are guarded by the record version and status;
//   - top-ups claim the payment event id before incrementing the balance;
//   - referral settlement claims referral_credited before paying the referrer.
type SubscriptionRepo struct {
	db     Pool
	logger *slog.Logger
}

// NewSubscriptionRepo creates a SubscriptionRepo backed by pool.
func NewSubscriptionRepo(pool Pool, logger *slog.Logger) *SubscriptionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepo{db: pool, logger: logger}
}

const subscriptionColumns = `user_id, status, credit_balance_cents, quota_limit, quota_used,
	monthly_cost_cents, last_charge_date, next_charge_date, low_balance_alerted,
	referral_code, referred_by, referral_credited, referral_count, referral_earnings_cents,
	stripe_customer_id, stripe_subscription_id, stripe_price_id, version, created_at, updated_at`

// scanSubscription reads one row selected with subscriptionColumns.
func scanSubscription(row pgx.Row) (*types.SubscriptionRecord, error) {
	var (
		rec  types.SubscriptionRecord
		code *string
	)
	err := row.Scan(
		&rec.UserID,
		&rec.Status,
		&rec.CreditBalance,
		&rec.QuotaLimit,
		&rec.QuotaUsed,
		&rec.MonthlyCost,
		&rec.LastChargeDate,
		&rec.NextChargeDate,
		&rec.LowBalanceAlerted,
		&code,
		&rec.ReferredBy,
		&rec.ReferralCredited,
		&rec.ReferralCount,
		&rec.ReferralEarnings,
		&rec.StripeCustomerID,
		&rec.StripeSubscriptionID,
		&rec.StripePriceID,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if code != nil {
		rec.ReferralCode = *code
	}
	return &rec, nil
}

// GetByUserID returns the record for userID or a not_found_subscription error.
func (r *SubscriptionRepo) GetByUserID(ctx context.Context, userID string) (*types.SubscriptionRecord, error) {
	rec, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`,
		userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return nil, storeError(err, "failed to get subscription")
	}
	return rec, nil
}

// Upsert applies a partial update, creating the record with defaults when it
// does not exist. Nil patch fields keep their stored value.
func (r *SubscriptionRepo) Upsert(ctx context.Context, patch types.SubscriptionPatch, now time.Time) (*types.SubscriptionRecord, error) {
	if patch.UserID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "user_id is required", nil)
	}

	var status *string
	if patch.Status != nil {
		s := string(*patch.Status)
		status = &s
	}

	rec, err := scanSubscription(r.db.QueryRow(ctx,
		`INSERT INTO subscriptions (user_id, status, quota_limit, stripe_customer_id,
		                            stripe_subscription_id, stripe_price_id, created_at, updated_at)
		 VALUES ($1, COALESCE($2, 'active'), COALESCE($3, 0), COALESCE($4, ''),
		         COALESCE($5, ''), COALESCE($6, ''), $7, $7)
		 ON CONFLICT (user_id) DO UPDATE SET
		     status                 = COALESCE($2, subscriptions.status),
		     quota_limit            = COALESCE($3, subscriptions.quota_limit),
		     stripe_customer_id     = COALESCE($4, subscriptions.stripe_customer_id),
		     stripe_subscription_id = COALESCE($5, subscriptions.stripe_subscription_id),
		     stripe_price_id        = COALESCE($6, subscriptions.stripe_price_id),
		     version                = subscriptions.version + 1,
		     updated_at             = $7
		 RETURNING `+subscriptionColumns,
		patch.UserID,
		status,
		patch.QuotaLimit,
		patch.StripeCustomerID,
		patch.StripeSubscriptionID,
		patch.StripePriceID,
		now,
	))
	if err != nil {
		return nil, storeError(err, "failed to upsert subscription")
	}
	return rec, nil
}

// ListDueActive returns up to limit active records whose next charge date is
// unset or not after now, ordered by user_id and starting after afterUserID.
func (r *SubscriptionRepo) ListDueActive(ctx context.Context, now time.Time, afterUserID string, limit int) ([]types.SubscriptionRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status = 'active'
		   AND (next_charge_date IS NULL OR next_charge_date <= $1)
		   AND user_id > $2
		 ORDER BY user_id
		 LIMIT $3`,
		now,
		afterUserID,
		limit,
	)
	if err != nil {
		return nil, storeError(err, "failed to list due subscriptions")
	}
	defer rows.Close()

	var out []types.SubscriptionRecord
	for rows.Next() {
		rec, err := scanSubscription(rows)
		if err != nil {
			return nil, storeError(err, "failed to scan subscription")
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(err, "failed to iterate subscriptions")
	}
	return out, nil
}

// ApplyMonthlyDebit subtracts debit.Cost and advances the billing cycle.
// It reports false when the record changed since expectedVersion, is no
// longer active, or cannot cover the cost; nothing is written in that case.
func (r *SubscriptionRepo) ApplyMonthlyDebit(ctx context.Context, userID string, expectedVersion int64, debit types.MonthlyDebit) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET credit_balance_cents = credit_balance_cents - $3,
		     monthly_cost_cents   = $3,
		     quota_used           = $4,
		     last_charge_date     = $5,
		     next_charge_date     = $6,
		     low_balance_alerted  = $7,
		     version              = version + 1,
		     updated_at           = $5
		 WHERE user_id = $1
		   AND version = $2
		   AND status = 'active'
		   AND credit_balance_cents >= $3`,
		userID,
		expectedVersion,
		debit.Cost,
		debit.ActiveStudents,
		debit.ChargedAt,
		debit.NextChargeDate,
		debit.LowBalanceAlerted,
	)
	if err != nil {
		return false, storeError(err, "failed to apply monthly debit")
	}
	return tag.RowsAffected() == 1, nil
}

// MarkInsufficientFunds moves an active record to insufficient_funds without
// touching the balance. Same version guard as ApplyMonthlyDebit.
func (r *SubscriptionRepo) MarkInsufficientFunds(ctx context.Context, userID string, expectedVersion int64, shortfall types.MonthlyShortfall) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status              = 'insufficient_funds',
		     monthly_cost_cents  = $3,
		     quota_used          = $4,
		     low_balance_alerted = TRUE,
		     version             = version + 1,
		     updated_at          = $5
		 WHERE user_id = $1
		   AND version = $2
		   AND status = 'active'`,
		userID,
		expectedVersion,
		shortfall.Cost,
		shortfall.ActiveStudents,
		shortfall.At,
	)
	if err != nil {
		return false, storeError(err, "failed to mark insufficient funds")
	}
	return tag.RowsAffected() == 1, nil
}

// CreditTopUp claims topUp.EventID and increments the balance in one
// transaction. A previously claimed event id yields Duplicate=true and the
// current balance, with nothing written. The record is created when missing
// and is always left active with the low-balance flag cleared.
//
// A recharge onto a zero balance marks the referral settlement pending. The
// mark stays until SettleReferral resolves it and is reported on every later
// top-up, duplicates included, as SettlementPending.
func (r *SubscriptionRepo) CreditTopUp(ctx context.Context, topUp types.TopUp) (types.TopUpResult, error) {
	result := types.TopUpResult{UserID: topUp.UserID}

	err := withTx(ctx, r.db, func(tx pgx.Tx) error {
		if topUp.EventID != "" {
			tag, err := tx.Exec(ctx,
				`INSERT INTO processed_payment_events (event_id, user_id, amount_cents, processed_at)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (event_id) DO NOTHING`,
				topUp.EventID,
				topUp.UserID,
				topUp.Amount,
				topUp.At,
			)
			if err != nil {
				return storeError(err, "failed to claim payment event")
			}
			if tag.RowsAffected() == 0 {
				result.Duplicate = true
				var balance types.Cents
				err := tx.QueryRow(ctx,
					`SELECT credit_balance_cents, referral_settle_pending FROM subscriptions WHERE user_id = $1`,
					topUp.UserID,
				).Scan(&balance, &result.SettlementPending)
				if err != nil && !errors.Is(err, pgx.ErrNoRows) {
					return storeError(err, "failed to read balance")
				}
				result.PreviousBalance = balance
				result.NewBalance = balance
				return errRollback
			}
		}

		var newBalance types.Cents
		err := tx.QueryRow(ctx,
			`INSERT INTO subscriptions (user_id, status, credit_balance_cents, stripe_customer_id,
			                            referral_settle_pending, created_at, updated_at)
			 VALUES ($1, 'active', $2, $3, TRUE, $4, $4)
			 ON CONFLICT (user_id) DO UPDATE SET
			     credit_balance_cents    = subscriptions.credit_balance_cents + EXCLUDED.credit_balance_cents,
			     status                  = 'active',
			     low_balance_alerted     = FALSE,
			     stripe_customer_id      = CASE WHEN EXCLUDED.stripe_customer_id <> ''
			                                    THEN EXCLUDED.stripe_customer_id
			                                    ELSE subscriptions.stripe_customer_id END,
			     referral_settle_pending = subscriptions.referral_settle_pending
			                               OR (subscriptions.credit_balance_cents = 0
			                                   AND NOT subscriptions.referral_credited),
			     version                 = subscriptions.version + 1,
			     updated_at              = EXCLUDED.updated_at
			 RETURNING credit_balance_cents, referral_settle_pending`,
			topUp.UserID,
			topUp.Amount,
			topUp.CustomerID,
			topUp.At,
		).Scan(&newBalance, &result.SettlementPending)
		if err != nil {
			return storeError(err, "failed to credit balance")
		}

		result.NewBalance = newBalance
		result.PreviousBalance = newBalance - topUp.Amount
		return nil
	})
	if err != nil && !errors.Is(err, errRollback) {
		return types.TopUpResult{}, err
	}
	return result, nil
}

// SettleReferral pays bonus to the referrer of refereeID at most once.
//
// The referee's referral_credited flag is claimed first; the referrer is then
// credited by code. When there is nothing to settle the referee's
// referral_settle_pending mark is cleared. When the referrer no longer
// exists the transaction is rolled back, the mark survives and Settled is
// false.
func (r *SubscriptionRepo) SettleReferral(ctx context.Context, refereeID string, bonus types.Cents, now time.Time) (types.Settlement, error) {
	settlement := types.Settlement{RefereeID: refereeID}

	err := withTx(ctx, r.db, func(tx pgx.Tx) error {
		var code string
		err := tx.QueryRow(ctx,
			`UPDATE subscriptions
			 SET referral_credited       = TRUE,
			     referral_settle_pending = FALSE,
			     version                 = version + 1,
			     updated_at              = $2
			 WHERE user_id = $1
			   AND referral_credited = FALSE
			   AND referred_by <> ''
			 RETURNING referred_by`,
			refereeID,
			now,
		).Scan(&code)
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return storeError(err, "failed to claim referral settlement")
			}
			// Nothing to claim. A code redeemed after the first recharge is
			// never paid, so the pending mark goes too.
			_, err := tx.Exec(ctx,
				`UPDATE subscriptions
				 SET referral_settle_pending = FALSE
				 WHERE user_id = $1 AND referral_settle_pending`,
				refereeID,
			)
			if err != nil {
				return storeError(err, "failed to clear pending referral settlement")
			}
			return nil
		}
		settlement.Code = code

		var referrerID string
		err = tx.QueryRow(ctx,
			`UPDATE subscriptions
			 SET credit_balance_cents    = credit_balance_cents + $2,
			     referral_count          = referral_count + 1,
			     referral_earnings_cents = referral_earnings_cents + $2,
			     version                 = version + 1,
			     updated_at              = $4
			 WHERE referral_code = $1
			   AND user_id <> $3
			 RETURNING user_id`,
			code,
			bonus,
			refereeID,
			now,
		).Scan(&referrerID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				r.logger.WarnContext(ctx, "referrer not found, settlement rolled back",
					slog.String("referee_id", refereeID),
					slog.String("code", code),
				)
				return errRollback
			}
			return storeError(err, "failed to credit referrer")
		}

		settlement.Settled = true
		settlement.ReferrerID = referrerID
		settlement.Bonus = bonus
		return nil
	})
	if err != nil && !errors.Is(err, errRollback) {
		return types.Settlement{RefereeID: refereeID}, err
	}
	if !settlement.Settled {
		return types.Settlement{RefereeID: refereeID, Code: settlement.Code}, nil
	}
	return settlement, nil
}

// AssignReferralCode sets code on userID unless the user already has one,
// creating the record when missing. It returns the code actually stored.
// A code held by another user yields conflict_referral_code.
func (r *SubscriptionRepo) AssignReferralCode(ctx context.Context, userID, code string, now time.Time) (string, error) {
	var stored string
	err := r.db.QueryRow(ctx,
		`INSERT INTO subscriptions (user_id, referral_code, created_at, updated_at)
		 VALUES ($1, $2, $3, $3)
		 ON CONFLICT (user_id) DO UPDATE SET
		     referral_code = COALESCE(subscriptions.referral_code, EXCLUDED.referral_code),
		     version       = CASE WHEN subscriptions.referral_code IS NULL
		                          THEN subscriptions.version + 1
		                          ELSE subscriptions.version END,
		     updated_at    = CASE WHEN subscriptions.referral_code IS NULL
		                          THEN EXCLUDED.updated_at
		                          ELSE subscriptions.updated_at END
		 RETURNING referral_code`,
		userID,
		code,
		now,
	).Scan(&stored)
	if err != nil {
		if isUniqueViolation(err) {
			return "", types.NewAppError(types.ErrCodeConflictReferralCode, "referral code already in use", err)
		}
		return "", storeError(err, "failed to assign referral code")
	}
	return stored, nil
}

// ReferralCodeExists reports whether any record holds code.
func (r *SubscriptionRepo) ReferralCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE referral_code = $1)`,
		code,
	).Scan(&exists)
	if err != nil {
		return false, storeError(err, "failed to check referral code")
	}
	return exists, nil
}

// FindByReferralCode returns the record owning code or not_found_referral_code.
func (r *SubscriptionRepo) FindByReferralCode(ctx context.Context, code string) (*types.SubscriptionRecord, error) {
	rec, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE referral_code = $1`,
		code,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundReferralCode, "referral code not found", nil)
		}
		return nil, storeError(err, "failed to find referral code")
	}
	return rec, nil
}

// SetReferredBy records that userID redeemed code, creating the record when
// missing. Once the referral has been credited the value is frozen and
// conflict_referral_already_settled is returned.
func (r *SubscriptionRepo) SetReferredBy(ctx context.Context, userID, code string, now time.Time) error {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (user_id, referred_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $3)
		 ON CONFLICT (user_id) DO UPDATE SET
		     referred_by = EXCLUDED.referred_by,
		     version     = subscriptions.version + 1,
		     updated_at  = EXCLUDED.updated_at
		 WHERE subscriptions.referral_credited = FALSE`,
		userID,
		code,
		now,
	)
	if err != nil {
		return storeError(err, "failed to set referred_by")
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictReferralSettled, "referral bonus already settled for this user", nil)
	}
	return nil
}

// UpdateQuotaUsed stores the last observed active-student count.
func (r *SubscriptionRepo) UpdateQuotaUsed(ctx context.Context, userID string, used int) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions SET quota_used = $2, version = version + 1 WHERE user_id = $1`,
		userID,
		used,
	)
	if err != nil {
		return storeError(err, "failed to update quota usage")
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}
