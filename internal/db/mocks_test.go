package db

import (
	"context"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"

	"tutorbill/internal/types"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Pool / Tx ---

type mockPool struct {
	*mockDBTX
	tx       *mockTx
	beginErr error
}

func newMockPool() *mockPool {
	return &mockPool{mockDBTX: new(mockDBTX), tx: new(mockTx)}
}

func (p *mockPool) Begin(context.Context) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	return p.tx, nil
}

// mockTx overrides the pgx.Tx methods the repositories use. Calling any
// other method panics on the nil embedded interface.
type mockTx struct {
	pgx.Tx
	mock.Mock
	committed  bool
	rolledBack bool
}

func (t *mockTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := t.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (t *mockTx) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := t.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

func (t *mockTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *mockTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// valueRow scans fixed values into the destinations.
func valueRow(values ...any) *mockRow {
	return &mockRow{scanFn: func(dest ...any) error {
		assign(dest, values)
		return nil
	}}
}

// --- Mock Rows ---

type mockRows struct {
	data    [][]any
	idx     int
	closed  bool
	scanErr error
	errVal  error
}

func newMockRows(data [][]any) *mockRows {
	return &mockRows{data: data, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.data)
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	assign(dest, r.data[r.idx])
	return nil
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

// assign copies values into pointer destinations, converting between named
// and underlying types. A nil value leaves the zero value.
func assign(dest []any, values []any) {
	for i, d := range dest {
		if values[i] == nil {
			continue
		}
		target := reflect.ValueOf(d).Elem()
		v := reflect.ValueOf(values[i])
		if v.Type() != target.Type() && v.Type().ConvertibleTo(target.Type()) {
			v = v.Convert(target.Type())
		}
		target.Set(v)
	}
}

// subscriptionValues lays rec out in subscriptionColumns order.
func subscriptionValues(rec types.SubscriptionRecord) []any {
	var code any
	if rec.ReferralCode != "" {
		c := rec.ReferralCode
		code = &c
	}
	var last, next any
	if rec.LastChargeDate != nil {
		last = rec.LastChargeDate
	}
	if rec.NextChargeDate != nil {
		next = rec.NextChargeDate
	}
	return []any{
		rec.UserID, rec.Status, rec.CreditBalance, rec.QuotaLimit, rec.QuotaUsed,
		rec.MonthlyCost, last, next, rec.LowBalanceAlerted,
		code, rec.ReferredBy, rec.ReferralCredited, rec.ReferralCount, rec.ReferralEarnings,
		rec.StripeCustomerID, rec.StripeSubscriptionID, rec.StripePriceID, rec.Version, rec.CreatedAt, rec.UpdatedAt,
	}
}

func subscriptionRow(rec types.SubscriptionRecord) *mockRow {
	return valueRow(subscriptionValues(rec)...)
}

func tag(s string) pgconn.CommandTag {
	return pgconn.NewCommandTag(s)
}
