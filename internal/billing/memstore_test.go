package billing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"tutorbill/internal/types"
)

// memStore is an in-memory store with the same conditional-write semantics
// as the PostgreSQL repositories. All methods are safe for concurrent use.
type memStore struct {
	mu        sync.Mutex
	records   map[string]*types.SubscriptionRecord
	relations map[string]map[string]types.RelationStatus
	events    map[string]bool
	// settlePending mirrors referral_settle_pending, keyed by user id.
	settlePending map[string]bool

	// Fault injection, keyed by user id.
	countErr   map[string]error
	countPanic map[string]bool
	// beforeWrite runs (unlocked) before each conditional monthly write.
	beforeWrite func(userID string)
	quotaErr    error
	// settleFailures makes the next n SettleReferral calls fail.
	settleFailures int
}

func newMemStore() *memStore {
	return &memStore{
		records:       make(map[string]*types.SubscriptionRecord),
		relations:     make(map[string]map[string]types.RelationStatus),
		events:        make(map[string]bool),
		settlePending: make(map[string]bool),
		countErr:      make(map[string]error),
		countPanic:    make(map[string]bool),
	}
}

func (s *memStore) put(rec types.SubscriptionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Version == 0 {
		rec.Version = 1
	}
	s.records[rec.UserID] = &rec
}

func (s *memStore) get(userID string) types.SubscriptionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.records[userID]
}

func (s *memStore) mutate(userID string, fn func(rec *types.SubscriptionRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.records[userID])
	s.records[userID].Version++
}

func (s *memStore) setStudents(teacherID string, active int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[string]types.RelationStatus)
	for i := range active {
		m[string(rune('a'+i))] = types.RelationActive
	}
	s.relations[teacherID] = m
}

func (s *memStore) GetByUserID(_ context.Context, userID string) (*types.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) UpdateQuotaUsed(_ context.Context, userID string, used int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quotaErr != nil {
		return s.quotaErr
	}
	rec, ok := s.records[userID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	rec.QuotaUsed = used
	rec.Version++
	return nil
}

func (s *memStore) CountActiveStudents(_ context.Context, teacherID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countPanic[teacherID] {
		panic("corrupt relation row")
	}
	if err := s.countErr[teacherID]; err != nil {
		return 0, err
	}
	n := 0
	for _, st := range s.relations[teacherID] {
		if st == types.RelationActive {
			n++
		}
	}
	return n, nil
}

func (s *memStore) AttachActive(_ context.Context, teacherID, studentID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.relations[teacherID] == nil {
		s.relations[teacherID] = make(map[string]types.RelationStatus)
	}
	s.relations[teacherID][studentID] = types.RelationActive
	return nil
}

func (s *memStore) Deactivate(_ context.Context, teacherID, studentID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.relations[teacherID][studentID] != types.RelationActive {
		return types.NewAppError(types.ErrCodeNotFoundRelation, "active relation not found", nil)
	}
	s.relations[teacherID][studentID] = types.RelationInactive
	return nil
}

func (s *memStore) ListDueActive(_ context.Context, now time.Time, afterUserID string, limit int) ([]types.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []types.SubscriptionRecord
	for _, id := range ids {
		rec := s.records[id]
		if id <= afterUserID || !rec.IsDue(now) {
			continue
		}
		out = append(out, *rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) ApplyMonthlyDebit(_ context.Context, userID string, expectedVersion int64, debit types.MonthlyDebit) (bool, error) {
	if s.beforeWrite != nil {
		s.beforeWrite(userID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok || rec.Version != expectedVersion || rec.Status != types.SubStatusActive || rec.CreditBalance < debit.Cost {
		return false, nil
	}
	rec.CreditBalance -= debit.Cost
	rec.MonthlyCost = debit.Cost
	rec.QuotaUsed = debit.ActiveStudents
	charged, next := debit.ChargedAt, debit.NextChargeDate
	rec.LastChargeDate = &charged
	rec.NextChargeDate = &next
	rec.LowBalanceAlerted = debit.LowBalanceAlerted
	rec.Version++
	return true, nil
}

func (s *memStore) MarkInsufficientFunds(_ context.Context, userID string, expectedVersion int64, shortfall types.MonthlyShortfall) (bool, error) {
	if s.beforeWrite != nil {
		s.beforeWrite(userID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok || rec.Version != expectedVersion || rec.Status != types.SubStatusActive {
		return false, nil
	}
	rec.Status = types.SubStatusInsufficientFunds
	rec.MonthlyCost = shortfall.Cost
	rec.QuotaUsed = shortfall.ActiveStudents
	rec.LowBalanceAlerted = true
	rec.Version++
	return true, nil
}

func (s *memStore) CreditTopUp(_ context.Context, topUp types.TopUp) (types.TopUpResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := types.TopUpResult{UserID: topUp.UserID}

	rec, ok := s.records[topUp.UserID]
	if topUp.EventID != "" && s.events[topUp.EventID] {
		if ok {
			res.PreviousBalance, res.NewBalance = rec.CreditBalance, rec.CreditBalance
		}
		res.Duplicate = true
		res.SettlementPending = s.settlePending[topUp.UserID]
		return res, nil
	}
	s.events[topUp.EventID] = true

	if !ok {
		r := types.NewSubscriptionRecord(topUp.UserID, topUp.At)
		rec = &r
		s.records[topUp.UserID] = rec
	} else {
		rec.Version++
	}
	res.PreviousBalance = rec.CreditBalance
	if rec.CreditBalance == 0 && !rec.ReferralCredited {
		s.settlePending[topUp.UserID] = true
	}
	res.SettlementPending = s.settlePending[topUp.UserID]
	rec.CreditBalance += topUp.Amount
	rec.Status = types.SubStatusActive
	rec.LowBalanceAlerted = false
	if topUp.CustomerID != "" {
		rec.StripeCustomerID = topUp.CustomerID
	}
	res.NewBalance = rec.CreditBalance
	return res, nil
}

func (s *memStore) AssignReferralCode(_ context.Context, userID, code string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if ok && rec.ReferralCode != "" {
		return rec.ReferralCode, nil
	}
	for id, other := range s.records {
		if id != userID && other.ReferralCode == code {
			return "", types.NewAppError(types.ErrCodeConflictReferralCode, "referral code already in use", nil)
		}
	}
	if !ok {
		r := types.NewSubscriptionRecord(userID, now)
		rec = &r
		s.records[userID] = rec
	} else {
		rec.Version++
	}
	rec.ReferralCode = code
	return code, nil
}

func (s *memStore) ReferralCodeExists(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.ReferralCode == code {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) FindByReferralCode(_ context.Context, code string) (*types.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.ReferralCode == code {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundReferralCode, "referral code not found", nil)
}

func (s *memStore) SetReferredBy(_ context.Context, userID, code string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		r := types.NewSubscriptionRecord(userID, now)
		rec = &r
		s.records[userID] = rec
	} else if rec.ReferralCredited {
		return types.NewAppError(types.ErrCodeConflictReferralSettled, "referral bonus already settled for this user", nil)
	} else {
		rec.Version++
	}
	rec.ReferredBy = code
	return nil
}

func (s *memStore) SettleReferral(_ context.Context, refereeID string, bonus types.Cents, _ time.Time) (types.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := types.Settlement{RefereeID: refereeID}
	if s.settleFailures > 0 {
		s.settleFailures--
		return out, types.NewAppError(types.ErrCodeInternalDB, "failed to claim referral settlement", errors.New("connection reset"))
	}

	referee, ok := s.records[refereeID]
	if !ok || referee.ReferralCredited || referee.ReferredBy == "" {
		delete(s.settlePending, refereeID)
		return out, nil
	}
	var referrer *types.SubscriptionRecord
	for id, rec := range s.records {
		if id != refereeID && rec.ReferralCode == referee.ReferredBy {
			referrer = rec
			break
		}
	}
	if referrer == nil {
		out.Code = referee.ReferredBy
		return out, nil
	}

	referee.ReferralCredited = true
	referee.Version++
	delete(s.settlePending, refereeID)
	referrer.CreditBalance += bonus
	referrer.ReferralCount++
	referrer.ReferralEarnings += bonus
	referrer.Version++

	out.Settled = true
	out.ReferrerID = referrer.UserID
	out.Code = referee.ReferredBy
	out.Bonus = bonus
	return out, nil
}

// --- collaborators ---

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []types.BalanceAlert
	err    error
}

func (r *recordingAlerts) PublishBalanceAlert(_ context.Context, alert types.BalanceAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return r.err
}

type recordingMetrics struct {
	mu   sync.Mutex
	runs []*types.ChargeSummary
}

func (r *recordingMetrics) RecordChargeRun(_ context.Context, summary *types.ChargeSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, summary)
	return nil
}

func (s *memStore) Upsert(_ context.Context, patch types.SubscriptionPatch, now time.Time) (*types.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[patch.UserID]
	if !ok {
		fresh := types.NewSubscriptionRecord(patch.UserID, now)
		rec = &fresh
		s.records[patch.UserID] = rec
	} else {
		rec.Version++
	}
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.QuotaLimit != nil {
		rec.QuotaLimit = *patch.QuotaLimit
	}
	if patch.StripeCustomerID != nil {
		rec.StripeCustomerID = *patch.StripeCustomerID
	}
	if patch.StripeSubscriptionID != nil {
		rec.StripeSubscriptionID = *patch.StripeSubscriptionID
	}
	if patch.StripePriceID != nil {
		rec.StripePriceID = *patch.StripePriceID
	}
	rec.UpdatedAt = now
	cp := *rec
	return &cp, nil
}
