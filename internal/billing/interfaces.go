// Package billing implements the credit billing core: the subscription
// limit gate, the monthly charge engine, the credit ledger and the referral
// engine. Persistence is reached through the narrow store interfaces below;
// internal/db provides the PostgreSQL implementation.
package billing

import (
	"context"
	"time"

	"tutorbill/internal/types"
)

// RecordReader reads a subscription record by teacher id.
type RecordReader interface {
	GetByUserID(ctx context.Context, userID string) (*types.SubscriptionRecord, error)
}

// StudentCounter counts active student-teacher relations.
type StudentCounter interface {
	CountActiveStudents(ctx context.Context, teacherID string) (int, error)
}

// GateStore is what the limit gate needs from the record store.
type GateStore interface {
	RecordReader
	UpdateQuotaUsed(ctx context.Context, userID string, used int) error
}

// RelationWriter attaches and detaches students.
type RelationWriter interface {
	AttachActive(ctx context.Context, teacherID, studentID string, now time.Time) error
	Deactivate(ctx context.Context, teacherID, studentID string, now time.Time) error
}

// ChargeStore is what the monthly charge engine needs. Both writes are
// conditional on expectedVersion and report false when they did not apply.
type ChargeStore interface {
	RecordReader
	ListDueActive(ctx context.Context, now time.Time, afterUserID string, limit int) ([]types.SubscriptionRecord, error)
	ApplyMonthlyDebit(ctx context.Context, userID string, expectedVersion int64, debit types.MonthlyDebit) (bool, error)
	MarkInsufficientFunds(ctx context.Context, userID string, expectedVersion int64, shortfall types.MonthlyShortfall) (bool, error)
}

// LedgerStore applies top-ups atomically and idempotently per event id.
type LedgerStore interface {
	CreditTopUp(ctx context.Context, topUp types.TopUp) (types.TopUpResult, error)
}

// ReferralStore is what the referral engine needs.
type ReferralStore interface {
	RecordReader
	AssignReferralCode(ctx context.Context, userID, code string, now time.Time) (string, error)
	ReferralCodeExists(ctx context.Context, code string) (bool, error)
	FindByReferralCode(ctx context.Context, code string) (*types.SubscriptionRecord, error)
	SetReferredBy(ctx context.Context, userID, code string, now time.Time) error
	SettleReferral(ctx context.Context, refereeID string, bonus types.Cents, now time.Time) (types.Settlement, error)
}

// Settler pays out a pending referral bonus.
type Settler interface {
	Settle(ctx context.Context, refereeID string) (types.Settlement, error)
}

// PaymentProcessor creates hosted one-time charge sessions.
type PaymentProcessor interface {
	CreateOneTimeCharge(ctx context.Context, req types.ChargeRequest) (types.ChargeSession, error)
}

// ChargeMetrics records the outcome counts of a charge run. Optional.
type ChargeMetrics interface {
	RecordChargeRun(ctx context.Context, summary *types.ChargeSummary) error
}

// AlertPublisher hands balance alerts to downstream notification. Optional.
type AlertPublisher interface {
	PublishBalanceAlert(ctx context.Context, alert types.BalanceAlert) error
}

// PlanStore writes plan fields onto subscription records.
type PlanStore interface {
	Upsert(ctx context.Context, patch types.SubscriptionPatch, now time.Time) (*types.SubscriptionRecord, error)
}
