package types

import "time"

// SubscriptionRecord is the per-teacher billing record. There is at most one
// record per teacher, keyed by UserID.
//
// Version is bumped by every write and is used as an optimistic-concurrency
// token by the monthly charge path.
type SubscriptionRecord struct {
	UserID               string             `json:"user_id"`
	Status               SubscriptionStatus `json:"status"`
	CreditBalance        Cents              `json:"credit_balance"`
	QuotaLimit           int                `json:"quota_limit"`
	QuotaUsed            int                `json:"quota_used"`
	MonthlyCost          Cents              `json:"monthly_cost"`
	LastChargeDate       *time.Time         `json:"last_charge_date,omitempty"`
	NextChargeDate       *time.Time         `json:"next_charge_date,omitempty"`
	LowBalanceAlerted    bool               `json:"low_balance_alerted"`
	ReferralCode         string             `json:"referral_code,omitempty"`
	ReferredBy           string             `json:"referred_by,omitempty"`
	ReferralCredited     bool               `json:"referral_credited"`
	ReferralCount        int                `json:"referral_count"`
	ReferralEarnings     Cents              `json:"referral_earnings"`
	StripeCustomerID     string             `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string             `json:"stripe_subscription_id,omitempty"`
	StripePriceID        string             `json:"stripe_price_id,omitempty"`
	Version              int64              `json:"version"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// NewSubscriptionRecord returns a record with the documented defaults.
func NewSubscriptionRecord(userID string, now time.Time) SubscriptionRecord {
	return SubscriptionRecord{
		UserID:    userID,
		Status:    SubStatusActive,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsDue reports whether the record should be charged at now: it must be
// active and either never charged or past its next charge date.
func (r *SubscriptionRecord) IsDue(now time.Time) bool {
	if !r.Status.IsBillable() {
		return false
	}
	return r.NextChargeDate == nil || !r.NextChargeDate.After(now)
}

// SubscriptionPatch is a partial update keyed by UserID. Nil fields are left
// untouched; a missing record is created with defaults first.
type SubscriptionPatch struct {
	UserID               string
	Status               *SubscriptionStatus
	QuotaLimit           *int
	StripeCustomerID     *string
	StripeSubscriptionID *string
	StripePriceID        *string
}

// PlanChange is the state of a teacher's Stripe subscription as reported by
// a customer.subscription.* event.
type PlanChange struct {
	UserID         string
	CustomerID     string
	SubscriptionID string
	PriceID        string
	// PriceQuota is the student quota carried on the price metadata, if any.
	PriceQuota *int
	// Status is the Stripe subscription status, not SubscriptionStatus.
	Status  string
	Deleted bool
	At      time.Time
}

// LimitDecision is the output of the subscription limit gate. A denial is a
// decision, not an error.
type LimitDecision struct {
	CanAddStudent bool   `json:"can_add_student"`
	CurrentCount  int    `json:"current_count"`
	Limit         int    `json:"limit"`
	Message       string `json:"message,omitempty"`
}

// MonthlyDebit is the state written when a monthly charge succeeds.
type MonthlyDebit struct {
	Cost              Cents
	ActiveStudents    int
	ChargedAt         time.Time
	NextChargeDate    time.Time
	LowBalanceAlerted bool
}

// MonthlyShortfall is the state written when a monthly charge cannot be
// covered by the balance.
type MonthlyShortfall struct {
	Cost           Cents
	ActiveStudents int
	At             time.Time
}

// TopUp is a verified credit purchase to apply to a teacher's balance.
// EventID is the payment processor's event id and makes the credit
// idempotent across redeliveries.
type TopUp struct {
	UserID     string
	Amount     Cents
	CustomerID string
	EventID    string
	At         time.Time
}

// TopUpResult reports the balance transition produced by a top-up.
type TopUpResult struct {
	UserID          string `json:"user_id"`
	PreviousBalance Cents  `json:"previous_balance"`
	NewBalance      Cents  `json:"new_balance"`
	IsFirstRecharge bool   `json:"is_first_recharge"`
	// Duplicate is true when the event id was already applied; nothing changed.
	Duplicate bool `json:"duplicate"`
	// SettlementPending is true while a first recharge still owes its
	// referral settlement.
	SettlementPending bool        `json:"settlement_pending"`
	Settlement        *Settlement `json:"settlement,omitempty"`
}

// Settlement reports the outcome of paying a referral bonus.
type Settlement struct {
	Settled    bool   `json:"settled"`
	RefereeID  string `json:"referee_id"`
	ReferrerID string `json:"referrer_id,omitempty"`
	Code       string `json:"code,omitempty"`
	Bonus      Cents  `json:"bonus"`
}

// ReferralStats is what a teacher sees about their own referral code.
type ReferralStats struct {
	UserID   string `json:"user_id"`
	Code     string `json:"referral_code"`
	Count    int    `json:"referral_count"`
	Earnings Cents  `json:"referral_earnings"`
}

// ChargeResult is the per-teacher outcome of a monthly charge run.
type ChargeResult struct {
	UserID            string        `json:"user_id"`
	Outcome           ChargeOutcome `json:"outcome"`
	ActiveStudents    int           `json:"active_students"`
	MonthlyCost       Cents         `json:"monthly_cost"`
	OldBalance        Cents         `json:"old_balance"`
	NewBalance        Cents         `json:"new_balance"`
	LowBalanceAlerted bool          `json:"low_balance_alerted"`
	Error             string        `json:"error,omitempty"`
}

// ChargeSummary is the result of one monthly charge run.
type ChargeSummary struct {
	RunAt     time.Time      `json:"run_at"`
	Processed int            `json:"processed"`
	Results   []ChargeResult `json:"results"`
}

// Count returns how many results have the given outcome.
func (s *ChargeSummary) Count(outcome ChargeOutcome) int {
	n := 0
	for _, r := range s.Results {
		if r.Outcome == outcome {
			n++
		}
	}
	return n
}

// BillingSnapshot is the read model behind GET /billing.
type BillingSnapshot struct {
	UserID            string             `json:"user_id"`
	Status            SubscriptionStatus `json:"status,omitempty"`
	CreditBalance     Cents              `json:"credit_balance"`
	ActiveStudents    int                `json:"active_students"`
	MonthlyCost       Cents              `json:"monthly_cost"`
	CanAfford         bool               `json:"can_afford"`
	MonthsCovered     int64              `json:"months_covered"`
	LowBalanceAlerted bool               `json:"low_balance_alerted"`
	NextChargeDate    *time.Time         `json:"next_charge_date,omitempty"`
	HasSubscription   bool               `json:"has_subscription"`
}

// BalanceAlert is published when a teacher's balance needs attention.
type BalanceAlert struct {
	AlertID        string    `json:"alert_id"`
	UserID         string    `json:"user_id"`
	Kind           AlertKind `json:"kind"`
	Balance        Cents     `json:"balance"`
	MonthlyCost    Cents     `json:"monthly_cost"`
	ActiveStudents int       `json:"active_students"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChargeRequest asks the payment processor for a one-time charge session.
type ChargeRequest struct {
	// CustomerRef is the processor's customer id, when one is known.
	CustomerRef string
	// ClientReference correlates the completed payment with the teacher.
	ClientReference string
	Amount          Cents
	Currency        string
	Description     string
	SuccessURL      string
	CancelURL       string
	Metadata        map[string]string
}

// ChargeSession is the processor's hosted payment page for a ChargeRequest.
type ChargeSession struct {
	SessionID   string `json:"session_id"`
	RedirectURL string `json:"redirect_url"`
}

// CheckoutRequest is a teacher's request to buy credit.
type CheckoutRequest struct {
	UserID       string `json:"userId" validate:"required"`
	CreditAmount Cents  `json:"creditAmount" validate:"required"`
	ReferralCode string `json:"referralCode,omitempty"`
}
