package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pasarlokal/dispatch-engine/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresStore(mock), mock
}

var (
	pgNow      = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	noTime     *time.Time
	orderCols  = []string{"id", "market_id", "customer_id", "merchant_count", "extra_stops", "distance_km", "subtotal", "shipping_cost", "service_fee", "extra_pickup_fee", "courier_earning_total", "courier_earning_extra", "app_earning_total", "config_missing", "status", "shipping_status", "courier_id", "total_price", "created_at", "assigned_at", "completed_at", "settled_at"}
	itemCols   = []string{"merchant_id", "product_id", "quantity", "unit_price", "ready"}
	accountCol = []string{"id", "role", "wallet_balance", "status", "updated_at"}
	requestCol = []string{"id", "courier_id", "amount", "requested_by", "processed_by", "status", "bank_name", "bank_account_number", "bank_account_name", "note", "created_at", "processed_at"}
)

// expectOrder queues the two reads GetOrder performs.
func expectOrder(mock pgxmock.PgxPoolIface, id string, status model.ShippingStatus, courierID string) {
	mock.ExpectQuery(`FROM orders WHERE id = \$1`).WithArgs(id).
		WillReturnRows(pgxmock.NewRows(orderCols).AddRow(
			id, "mkt-1", "buyer-1", 2, 1, "6.5",
			"35000", "17000", "2000", "3000",
			"19000", "2000", "3000",
			false, "UNPAID", string(status), courierID, "57000",
			pgNow, noTime, noTime, noTime))
	mock.ExpectQuery(`FROM order_items WHERE order_id = \$1`).WithArgs(id).
		WillReturnRows(pgxmock.NewRows(itemCols).
			AddRow("m-1", "p-1", 2, "10000", true).
			AddRow("m-2", "p-2", 1, "15000", true))
}

func accountRows(id string, role model.Role, balance string, status model.AccountStatus) *pgxmock.Rows {
	return pgxmock.NewRows(accountCol).AddRow(id, string(role), balance, string(status), pgNow)
}

func requestRows(id string, status model.RequestStatus) *pgxmock.Rows {
	return pgxmock.NewRows(requestCol).AddRow(
		id, "c1", "12000", "admin-1", "", string(status), "", "", "", "", pgNow, noTime)
}

const claimUpdate = `(?s)UPDATE orders.*SET shipping_status = 'COURIER_ASSIGNED', courier_id = \$2, assigned_at = \$3` +
	`.*WHERE id = \$1.*AND shipping_status = 'SEARCHING_COURIER'` +
	`.*p\.role = 'COURIER'.*p\.status <> 'SUSPENDED'.*p\.wallet_balance >= \$4::NUMERIC`

func TestPostgresClaimOrder_ConditionalUpdateWins(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(claimUpdate).
		WithArgs("o-1", "c1", pgNow, "10000").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	expectOrder(mock, "o-1", model.StatusCourierAssigned, "c1")

	o, err := st.ClaimOrder(context.Background(), "o-1", "c1", d(10000), pgNow)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCourierAssigned, o.ShippingStatus)
	assert.Equal(t, "c1", o.CourierID)
	assert.True(t, o.MerchantEarnings["m-1"].Equal(d(20000)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimOrder_ZeroRowsClassified(t *testing.T) {
	tests := []struct {
		name    string
		status  model.ShippingStatus
		courier string
		account *pgxmock.Rows // nil: no profile row
		want    error
	}{
		{"another courier won", model.StatusCourierAssigned, "c2",
			accountRows("c1", model.RoleCourier, "50000", model.AccountActive), model.ErrAlreadyClaimed},
		{"balance below minimum", model.StatusSearchingCourier, "",
			accountRows("c1", model.RoleCourier, "4000", model.AccountFrozen), model.ErrAccountFrozen},
		{"suspended courier", model.StatusSearchingCourier, "",
			accountRows("c1", model.RoleCourier, "50000", model.AccountSuspended), model.ErrAccountSuspended},
		{"merchant cannot claim", model.StatusSearchingCourier, "",
			accountRows("c1", model.RoleMerchant, "50000", model.AccountActive), model.ErrAccountNotFound},
		{"unknown courier", model.StatusSearchingCourier, "", nil, model.ErrAccountNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, mock := newMockStore(t)

			mock.ExpectExec(claimUpdate).
				WithArgs("o-1", "c1", pgNow, "10000").
				WillReturnResult(pgxmock.NewResult("UPDATE", 0))
			expectOrder(mock, "o-1", tt.status, tt.courier)
			acct := mock.ExpectQuery(`FROM profiles WHERE id = \$1`).WithArgs("c1")
			if tt.account != nil {
				acct.WillReturnRows(tt.account)
			} else {
				acct.WillReturnError(pgx.ErrNoRows)
			}

			_, err := st.ClaimOrder(context.Background(), "o-1", "c1", d(10000), pgNow)
			assert.ErrorIs(t, err, tt.want)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresTransitionOrder_ZeroRowsIsNotOwner(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(`(?s)UPDATE orders SET.*AND shipping_status = ANY\(\$6\).*courier_id = \$7::TEXT`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	expectOrder(mock, "o-1", model.StatusCourierAssigned, "c1")

	_, err := st.TransitionOrder(context.Background(), model.OrderTransition{
		OrderID:   "o-1",
		From:      []model.ShippingStatus{model.StatusCourierAssigned},
		To:        model.StatusOnDelivery,
		CourierID: "c2",
		At:        pgNow,
	})
	assert.ErrorIs(t, err, model.ErrNotOwner)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetAccountStatus_CASMiss(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`(?s)UPDATE profiles SET status = \$3.*WHERE id = \$1 AND status = \$2`).
		WithArgs("c1", "ACTIVE", "FROZEN").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`FROM profiles WHERE id = \$1`).WithArgs("c1").
		WillReturnRows(accountRows("c1", model.RoleCourier, "4000", model.AccountSuspended))

	_, err := st.SetAccountStatus(context.Background(), "c1", model.AccountActive, model.AccountFrozen)
	assert.ErrorIs(t, err, model.ErrStatusChanged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateAccount_DuplicateID(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO profiles`).
		WithArgs("m-1", "MERCHANT", "ACTIVE").
		WillReturnError(&pgconn.PgError{Code: uniqueViolation, ConstraintName: "profiles_pkey"})

	err := st.CreateAccount(context.Background(), &model.Account{ID: "m-1", Role: model.RoleMerchant})
	assert.ErrorIs(t, err, model.ErrAccountExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// expectSettleHeader queues the order lock and the earning check.
func expectSettleHeader(mock pgxmock.PgxPoolIface, settledAt *time.Time, earned bool) {
	mock.ExpectBeginTx(pgx.TxOptions{})
	mock.ExpectQuery(`SELECT shipping_status, settled_at FROM orders WHERE id = \$1 FOR UPDATE`).
		WithArgs("o-1").
		WillReturnRows(pgxmock.NewRows([]string{"shipping_status", "settled_at"}).AddRow("DELIVERED", settledAt))
	if settledAt != nil {
		return
	}
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM wallet_logs WHERE related_order_id = \$1 AND type = 'ORDER_EARNING'\)`).
		WithArgs("o-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(earned))
}

func earning(account string, amount int64) model.Mutation {
	return model.Mutation{
		AccountID:      account,
		Type:           model.EntryOrderEarning,
		Direction:      model.Credit,
		Amount:         d(amount),
		RelatedOrderID: "o-1",
	}
}

func TestPostgresSettleOrder_CommitsBatch(t *testing.T) {
	st, mock := newMockStore(t)

	expectSettleHeader(mock, nil, false)
	mock.ExpectQuery(`FROM profiles WHERE id = \$1 FOR UPDATE`).WithArgs("c1").
		WillReturnRows(accountRows("c1", model.RoleCourier, "4000", model.AccountFrozen))
	mock.ExpectQuery(`FROM profiles WHERE id = \$1 FOR UPDATE`).WithArgs("m-1").
		WillReturnRows(accountRows("m-1", model.RoleMerchant, "0", model.AccountActive))
	mock.ExpectExec(`INSERT INTO wallet_logs`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO wallet_logs`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE profiles SET wallet_balance = \$2::NUMERIC`).
		WithArgs("c1", "23000", "ACTIVE", pgNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE profiles SET wallet_balance = \$2::NUMERIC`).
		WithArgs("m-1", "20000", "ACTIVE", pgNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE orders SET settled_at = \$2 WHERE id = \$1`).
		WithArgs("o-1", pgNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	entries, err := st.SettleOrder(context.Background(), "o-1",
		[]model.Mutation{earning("m-1", 20000), earning("c1", 19000)}, freezeBelow(10000), pgNow)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[1].BalanceAfter.Equal(d(23000)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSettleOrder_AlreadySettled(t *testing.T) {
	for _, tt := range []struct {
		name    string
		settled *time.Time
		earned  bool
	}{
		{"settled_at set", &pgNow, false},
		{"earning rows exist", nil, true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			st, mock := newMockStore(t)
			expectSettleHeader(mock, tt.settled, tt.earned)
			mock.ExpectRollback()

			_, err := st.SettleOrder(context.Background(), "o-1",
				[]model.Mutation{earning("c1", 19000)}, nil, pgNow)
			assert.ErrorIs(t, err, model.ErrAlreadySettled)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresSettleOrder_UniqueViolationInBatchIsAnError(t *testing.T) {
	st, mock := newMockStore(t)

	expectSettleHeader(mock, nil, false)
	mock.ExpectQuery(`FROM profiles WHERE id = \$1 FOR UPDATE`).WithArgs("c1").
		WillReturnRows(accountRows("c1", model.RoleCourier, "50000", model.AccountActive))
	mock.ExpectExec(`INSERT INTO wallet_logs`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO wallet_logs`).
		WillReturnError(&pgconn.PgError{Code: uniqueViolation, ConstraintName: "wallet_logs_order_earning_uniq"})
	mock.ExpectRollback()

	// Two earnings for one account in the same batch.
	_, err := st.SettleOrder(context.Background(), "o-1",
		[]model.Mutation{earning("c1", 19000), earning("c1", 10000)}, nil, pgNow)
	require.Error(t, err)
	assert.False(t, errors.Is(err, model.ErrAlreadySettled), "nothing was committed, got %v", err)
	assert.True(t, isUniqueViolation(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionRequest_ApproveTopUp(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBeginTx(pgx.TxOptions{})
	mock.ExpectQuery(`FROM topup_requests WHERE id = \$1 FOR UPDATE`).WithArgs("r-1").
		WillReturnRows(requestRows("r-1", model.RequestPending))
	mock.ExpectQuery(`FROM profiles WHERE id = \$1 FOR UPDATE`).WithArgs("c1").
		WillReturnRows(accountRows("c1", model.RoleCourier, "0", model.AccountFrozen))
	mock.ExpectExec(`INSERT INTO wallet_logs`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE profiles SET wallet_balance = \$2::NUMERIC`).
		WithArgs("c1", "12000", "ACTIVE", pgNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`(?s)UPDATE topup_requests.*WHERE id = \$1 AND status = \$6`).
		WithArgs("r-1", "APPROVED", "admin-1", pgNow, "", "PENDING").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`FROM topup_requests WHERE id = \$1`).WithArgs("r-1").
		WillReturnRows(requestRows("r-1", model.RequestApproved))
	mock.ExpectCommit()

	r, entry, err := st.TransitionRequest(context.Background(), RequestTransition{
		Kind:        model.RequestTopUp,
		RequestID:   "r-1",
		From:        model.RequestPending,
		To:          model.RequestApproved,
		ProcessedBy: "admin-1",
		Mutation:    &model.Mutation{Type: model.EntryTopUp, Direction: model.Credit},
		Rule:        freezeBelow(10000),
		At:          pgNow,
	})
	require.NoError(t, err)
	assert.Equal(t, model.RequestApproved, r.Status)
	require.NotNil(t, entry)
	assert.Equal(t, "r-1", entry.RelatedRequestID)
	assert.True(t, entry.BalanceAfter.Equal(d(12000)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionRequest_AlreadyProcessed(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBeginTx(pgx.TxOptions{})
	mock.ExpectQuery(`FROM topup_requests WHERE id = \$1 FOR UPDATE`).WithArgs("r-1").
		WillReturnRows(requestRows("r-1", model.RequestApproved))
	mock.ExpectRollback()

	r, entry, err := st.TransitionRequest(context.Background(), RequestTransition{
		Kind:      model.RequestTopUp,
		RequestID: "r-1",
		From:      model.RequestPending,
		To:        model.RequestApproved,
		Mutation:  &model.Mutation{Type: model.EntryTopUp, Direction: model.Credit},
		At:        pgNow,
	})
	assert.ErrorIs(t, err, model.ErrRequestProcessed)
	assert.Nil(t, entry)
	require.NotNil(t, r)
	assert.Equal(t, model.RequestApproved, r.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
