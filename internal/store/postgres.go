package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pasarlokal/dispatch-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Row-level serialization comes from Postgres itself: conditional UPDATEs
// re-check their WHERE clause against the latest row version, and ledger
// writes lock the affected profiles with SELECT … FOR UPDATE.
type PostgresStore struct {
	pool Pool
}

// Pool is the subset of *pgxpool.Pool the store uses.
type Pool interface {
	querier
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

var _ Pool = (*pgxpool.Pool)(nil)

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// --- Tariffs ---

func (s *PostgresStore) GetTariff(ctx context.Context, marketID string) (*model.RegionalTariff, error) {
	var t model.RegionalTariff
	var flatKm, flatRate, perKm, pickTotal, pickCourier, pickApp, serviceFee string

	err := s.pool.QueryRow(ctx,
		`SELECT market_id, kecamatan_name,
		        flat_distance_km::TEXT, flat_rate_amount::TEXT, extra_fee_per_km::TEXT,
		        extra_pickup_fee_total::TEXT, extra_pickup_fee_courier::TEXT, extra_pickup_fee_app::TEXT,
		        max_merchants_per_order, buyer_service_fee::TEXT
		 FROM kecamatan_finance_settings WHERE market_id = $1`, marketID).
		Scan(&t.MarketID, &t.KecamatanName,
			&flatKm, &flatRate, &perKm,
			&pickTotal, &pickCourier, &pickApp,
			&t.MaxMerchantsPerOrder, &serviceFee)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: market %s", model.ErrConfigMissing, marketID)
	}
	if err != nil {
		return nil, fmt.Errorf("get tariff %s: %w", marketID, err)
	}

	t.FlatDistanceKm = num(flatKm)
	t.FlatRateAmount = num(flatRate)
	t.ExtraFeePerKm = num(perKm)
	t.ExtraPickupFeeTotal = num(pickTotal)
	t.ExtraPickupFeeCourier = num(pickCourier)
	t.ExtraPickupFeeApp = num(pickApp)
	t.BuyerServiceFee = num(serviceFee)
	return &t, nil
}

func (s *PostgresStore) UpsertTariff(ctx context.Context, t *model.RegionalTariff) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kecamatan_finance_settings
		    (market_id, kecamatan_name, flat_distance_km, flat_rate_amount, extra_fee_per_km,
		     extra_pickup_fee_total, extra_pickup_fee_courier, extra_pickup_fee_app,
		     max_merchants_per_order, buyer_service_fee)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10::NUMERIC)
		 ON CONFLICT (market_id) DO UPDATE SET
		    kecamatan_name = EXCLUDED.kecamatan_name,
		    flat_distance_km = EXCLUDED.flat_distance_km,
		    flat_rate_amount = EXCLUDED.flat_rate_amount,
		    extra_fee_per_km = EXCLUDED.extra_fee_per_km,
		    extra_pickup_fee_total = EXCLUDED.extra_pickup_fee_total,
		    extra_pickup_fee_courier = EXCLUDED.extra_pickup_fee_courier,
		    extra_pickup_fee_app = EXCLUDED.extra_pickup_fee_app,
		    max_merchants_per_order = EXCLUDED.max_merchants_per_order,
		    buyer_service_fee = EXCLUDED.buyer_service_fee`,
		t.MarketID, t.KecamatanName,
		t.FlatDistanceKm.String(), t.FlatRateAmount.String(), t.ExtraFeePerKm.String(),
		t.ExtraPickupFeeTotal.String(), t.ExtraPickupFeeCourier.String(), t.ExtraPickupFeeApp.String(),
		t.MaxMerchantsPerOrder, t.BuyerServiceFee.String(),
	)
	return err
}

// --- Orders ---

const orderColumns = `id, market_id, customer_id, merchant_count, extra_stops, distance_km::TEXT,
	subtotal::TEXT, shipping_cost::TEXT, service_fee::TEXT, extra_pickup_fee::TEXT,
	courier_earning_total::TEXT, courier_earning_extra::TEXT, app_earning_total::TEXT,
	config_missing, status, shipping_status, COALESCE(courier_id, ''), total_price::TEXT,
	created_at, assigned_at, completed_at, settled_at`

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	f := o.Fees
	_, err = tx.Exec(ctx,
		`INSERT INTO orders (id, market_id, customer_id, merchant_count, extra_stops, distance_km,
		                     subtotal, shipping_cost, service_fee, extra_pickup_fee,
		                     courier_earning_total, courier_earning_pure, courier_earning_extra,
		                     app_earning_total, merchant_earning_total, config_missing,
		                     status, shipping_status, total_price, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC,
		         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		         $11::NUMERIC, $12::NUMERIC, $13::NUMERIC,
		         $14::NUMERIC, $15::NUMERIC, $16,
		         $17, $18, $19::NUMERIC, $20)`,
		o.ID, o.MarketID, o.BuyerID, f.MerchantCount, f.ExtraStops, f.DistanceKm.String(),
		o.Subtotal.String(), f.BaseShipping.String(), f.ServiceFee.String(), f.ExtraPickupFee.String(),
		f.CourierEarning.String(), f.BaseShipping.String(), f.ExtraPickupFeeCourier.String(),
		f.AppEarning.String(), o.Subtotal.String(), f.ConfigMissing,
		string(o.PaymentStatus), string(o.ShippingStatus), o.TotalPrice.String(), o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}

	for i, it := range o.Items {
		if _, err := tx.Exec(ctx,
			`INSERT INTO order_items (order_id, line_no, merchant_id, product_id, quantity, unit_price, ready)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7)`,
			o.ID, i+1, it.MerchantID, it.ProductID, it.Quantity, it.UnitPrice.String(), it.Ready,
		); err != nil {
			return fmt.Errorf("insert order item %s/%d: %w", o.ID, i+1, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, s.pool, id)
}

func getOrder(ctx context.Context, q querier, id string) (*model.Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	if err := loadItems(ctx, q, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *PostgresStore) ListOrdersByStatus(ctx context.Context, marketID string, status model.ShippingStatus, limit int) ([]model.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE shipping_status = $1 AND ($2 = '' OR market_id = $2)
		 ORDER BY created_at
		 LIMIT $3`, string(status), marketID, limit)
	if err != nil {
		return nil, err
	}

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		orders = append(orders, *o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range orders {
		if err := loadItems(ctx, s.pool, &orders[i]); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (s *PostgresStore) MarkMerchantReady(ctx context.Context, orderID, merchantID string) (*model.Order, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	err = tx.QueryRow(ctx, `SELECT shipping_status FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}

	ct, err := tx.Exec(ctx,
		`UPDATE order_items SET ready = true WHERE order_id = $1 AND merchant_id = $2`,
		orderID, merchantID)
	if err != nil {
		return nil, err
	}
	if ct.RowsAffected() == 0 {
		return nil, model.ErrNotOwner
	}
	if model.ShippingStatus(status) != model.StatusCreated {
		return nil, model.ErrInvalidTransition
	}

	if _, err := tx.Exec(ctx,
		`UPDATE orders SET shipping_status = 'SEARCHING_COURIER'
		 WHERE id = $1 AND shipping_status = 'CREATED'
		   AND NOT EXISTS (SELECT 1 FROM order_items WHERE order_id = $1 AND NOT ready)`,
		orderID); err != nil {
		return nil, err
	}

	o, err := getOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

// ClaimOrder is a single conditional UPDATE. Concurrent claims on the same
// row serialize inside Postgres; every loser re-evaluates the WHERE clause
// against the winner's row version and affects zero rows.
func (s *PostgresStore) ClaimOrder(ctx context.Context, orderID, courierID string, minBalance decimal.Decimal, at time.Time) (*model.Order, error) {
	ct, err := s.pool.Exec(ctx,
		`UPDATE orders
		 SET shipping_status = 'COURIER_ASSIGNED', courier_id = $2, assigned_at = $3
		 WHERE id = $1
		   AND shipping_status = 'SEARCHING_COURIER'
		   AND EXISTS (
		       SELECT 1 FROM profiles p
		       WHERE p.id = $2
		         AND p.role = 'COURIER'
		         AND p.status <> 'SUSPENDED'
		         AND p.wallet_balance >= $4::NUMERIC)`,
		orderID, courierID, at, minBalance.String())
	if err != nil {
		return nil, fmt.Errorf("claim order %s: %w", orderID, err)
	}
	if ct.RowsAffected() == 1 {
		return s.GetOrder(ctx, orderID)
	}

	// Zero rows: explain why without assuming our view was current.
	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	acct, err := s.GetAccount(ctx, courierID)
	if err != nil && !errors.Is(err, model.ErrAccountNotFound) {
		return nil, err
	}
	if cerr := classifyClaim(o, acct, minBalance); cerr != nil {
		return nil, cerr
	}
	return nil, model.ErrAlreadyClaimed
}

func (s *PostgresStore) TransitionOrder(ctx context.Context, t model.OrderTransition) (*model.Order, error) {
	from := make([]string, len(t.From))
	for i, f := range t.From {
		from[i] = string(f)
	}

	ct, err := s.pool.Exec(ctx,
		`UPDATE orders SET
		    shipping_status = $2::TEXT,
		    courier_id   = CASE WHEN $3::BOOL THEN NULL ELSE courier_id END,
		    assigned_at  = CASE WHEN $3::BOOL THEN NULL ELSE assigned_at END,
		    status       = CASE WHEN $4::BOOL THEN 'PAID' ELSE status END,
		    completed_at = CASE WHEN $2::TEXT = 'DELIVERED' THEN $5 ELSE completed_at END
		 WHERE id = $1
		   AND shipping_status = ANY($6)
		   AND ($7::TEXT = '' OR courier_id = $7::TEXT)
		   AND ($8::TEXT = '' OR customer_id = $8::TEXT)`,
		t.OrderID, string(t.To), t.ClearCourier, t.MarkPaid, t.At, from, t.CourierID, t.BuyerID)
	if err != nil {
		return nil, fmt.Errorf("transition order %s → %s: %w", t.OrderID, t.To, err)
	}

	o, err := s.GetOrder(ctx, t.OrderID)
	if err != nil {
		return nil, err
	}
	if ct.RowsAffected() == 0 {
		if cerr := classifyTransition(o, t); cerr != nil {
			return nil, cerr
		}
		return nil, model.ErrInvalidTransition
	}
	return o, nil
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	status := a.Status
	if status == "" {
		status = model.AccountActive
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (id, role, wallet_balance, status, updated_at)
		 VALUES ($1, $2, 0, $3, now())`,
		a.ID, string(a.Role), string(status))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", model.ErrAccountExists, a.ID)
	}
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, s.pool, id, false)
}

func getAccount(ctx context.Context, q querier, id string, forUpdate bool) (*model.Account, error) {
	sql := `SELECT id, role, wallet_balance::TEXT, status, updated_at FROM profiles WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	a, err := scanAccount(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) SetAccountStatus(ctx context.Context, id string, from, to model.AccountStatus) (*model.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`UPDATE profiles SET status = $3, updated_at = now()
		 WHERE id = $1 AND status = $2
		 RETURNING id, role, wallet_balance::TEXT, status, updated_at`,
		id, string(from), string(to)))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.GetAccount(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, model.ErrStatusChanged
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// --- Ledger ---

func (s *PostgresStore) AppendEntry(ctx context.Context, m model.Mutation, rule model.StatusRule) (*model.LedgerEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	entries, err := applyInTx(ctx, tx, []model.Mutation{m}, rule, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &entries[0], nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, profile_id, type, direction, amount::TEXT, balance_after::TEXT, description,
		        COALESCE(related_order_id, ''), COALESCE(related_request_id, ''), created_at
		 FROM wallet_logs WHERE profile_id = $1 ORDER BY seq DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) SettleOrder(ctx context.Context, orderID string, muts []model.Mutation, rule model.StatusRule, at time.Time) ([]model.LedgerEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	var settledAt *time.Time
	err = tx.QueryRow(ctx,
		`SELECT shipping_status, settled_at FROM orders WHERE id = $1 FOR UPDATE`, orderID).
		Scan(&status, &settledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	if settledAt != nil {
		return nil, model.ErrAlreadySettled
	}

	var earned bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM wallet_logs WHERE related_order_id = $1 AND type = 'ORDER_EARNING')`,
		orderID).Scan(&earned); err != nil {
		return nil, err
	}
	if earned {
		return nil, model.ErrAlreadySettled
	}
	if !model.ShippingStatus(status).Settleable() {
		return nil, model.ErrInvalidTransition
	}

	// The order row is locked and carries no earning yet, so a unique
	// violation here means the batch itself repeats a payee.
	entries, err := applyInTx(ctx, tx, muts, rule, at)
	if err != nil {
		return nil, fmt.Errorf("settle order %s: %w", orderID, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE orders SET settled_at = $2 WHERE id = $1`, orderID, at); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("settle order %s: %w", orderID, err)
	}
	return entries, nil
}

func (s *PostgresStore) ReconcileBalances(ctx context.Context) ([]model.Drift, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.id, p.wallet_balance::TEXT,
		        COALESCE(SUM(CASE WHEN w.direction = 'DEBIT' THEN -w.amount ELSE w.amount END), 0)::TEXT
		 FROM profiles p
		 LEFT JOIN wallet_logs w ON w.profile_id = p.id
		 GROUP BY p.id, p.wallet_balance
		 HAVING p.wallet_balance <> COALESCE(SUM(CASE WHEN w.direction = 'DEBIT' THEN -w.amount ELSE w.amount END), 0)
		 ORDER BY p.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drifts []model.Drift
	for rows.Next() {
		var d model.Drift
		var cached, computed string
		if err := rows.Scan(&d.AccountID, &cached, &computed); err != nil {
			return nil, err
		}
		d.Cached = num(cached)
		d.Computed = num(computed)
		drifts = append(drifts, d)
	}
	return drifts, rows.Err()
}

// applyInTx locks every affected profile in id order (deadlock-free across
// concurrent settlements), validates all mutations against running
// balances, then writes entries and the new balance/status of each profile.
func applyInTx(ctx context.Context, tx pgx.Tx, muts []model.Mutation, rule model.StatusRule, at time.Time) ([]model.LedgerEntry, error) {
	ids := make([]string, 0, len(muts))
	seen := make(map[string]bool, len(muts))
	for _, m := range muts {
		if !seen[m.AccountID] {
			seen[m.AccountID] = true
			ids = append(ids, m.AccountID)
		}
	}
	sort.Strings(ids)

	staged := make(map[string]*model.Account, len(ids))
	for _, id := range ids {
		a, err := getAccount(ctx, tx, id, true)
		if err != nil {
			return nil, err
		}
		staged[id] = a
	}

	entries := make([]model.LedgerEntry, 0, len(muts))
	for _, m := range muts {
		acct := staged[m.AccountID]
		entry, status, err := applyMutation(acct, m, rule, uuid.New().String(), at)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", m.AccountID, err)
		}
		acct.WalletBalance = entry.BalanceAfter
		acct.Status = status
		entries = append(entries, entry)
	}

	for _, e := range entries {
		if _, err := tx.Exec(ctx,
			`INSERT INTO wallet_logs (id, profile_id, type, direction, amount, balance_after,
			                          description, related_order_id, related_request_id, created_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, NULLIF($8, ''), NULLIF($9, ''), $10)`,
			e.ID, e.AccountID, string(e.Type), string(e.Direction), e.Amount.String(), e.BalanceAfter.String(),
			e.Description, e.RelatedOrderID, e.RelatedRequestID, e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("insert wallet log: %w", err)
		}
	}
	for _, id := range ids {
		a := staged[id]
		if _, err := tx.Exec(ctx,
			`UPDATE profiles SET wallet_balance = $2::NUMERIC, status = $3, updated_at = $4 WHERE id = $1`,
			id, a.WalletBalance.String(), string(a.Status), at,
		); err != nil {
			return nil, fmt.Errorf("update profile %s: %w", id, err)
		}
	}
	return entries, nil
}

// --- Requests ---

// requestSQL holds the per-kind table layout. Top-ups carry no bank fields.
type requestSQL struct {
	table   string
	columns string
}

var requestTables = map[model.RequestKind]requestSQL{
	model.RequestTopUp: {
		table: "topup_requests",
		columns: `id, courier_id, amount::TEXT, requested_by, processed_by, status,
		          '' AS bank_name, '' AS bank_account_number, '' AS bank_account_name,
		          note, created_at, processed_at`,
	},
	model.RequestWithdrawal: {
		table: "withdrawals",
		columns: `id, profile_id, amount::TEXT, requested_by, processed_by, status,
		          bank_name, bank_account_number, bank_account_name,
		          note, created_at, processed_at`,
	},
}

func (s *PostgresStore) CreateRequest(ctx context.Context, r *model.WalletRequest) error {
	var err error
	switch r.Kind {
	case model.RequestTopUp:
		_, err = s.pool.Exec(ctx,
			`INSERT INTO topup_requests (id, courier_id, amount, requested_by, status, note, created_at)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7)`,
			r.ID, r.AccountID, r.Amount.String(), r.RequestedBy, string(r.Status), r.Note, r.CreatedAt)
	case model.RequestWithdrawal:
		_, err = s.pool.Exec(ctx,
			`INSERT INTO withdrawals (id, profile_id, amount, bank_name, bank_account_number, bank_account_name,
			                          requested_by, status, note, created_at)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8, $9, $10)`,
			r.ID, r.AccountID, r.Amount.String(), r.BankName, r.BankAccountNumber, r.BankAccountName,
			r.RequestedBy, string(r.Status), r.Note, r.CreatedAt)
	default:
		return fmt.Errorf("unknown request kind %q", r.Kind)
	}
	return err
}

func (s *PostgresStore) GetRequest(ctx context.Context, kind model.RequestKind, id string) (*model.WalletRequest, error) {
	return getRequest(ctx, s.pool, kind, id, false)
}

func getRequest(ctx context.Context, q querier, kind model.RequestKind, id string, forUpdate bool) (*model.WalletRequest, error) {
	rt, ok := requestTables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown request kind %q", kind)
	}
	sql := `SELECT ` + rt.columns + ` FROM ` + rt.table + ` WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	r, err := scanRequest(q.QueryRow(ctx, sql, id), kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", model.ErrRequestNotFound, kind, id)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) ListRequests(ctx context.Context, kind model.RequestKind, status model.RequestStatus, limit int) ([]model.WalletRequest, error) {
	rt, ok := requestTables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown request kind %q", kind)
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+rt.columns+` FROM `+rt.table+`
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY created_at LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.WalletRequest
	for rows.Next() {
		r, err := scanRequest(rows, kind)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

func (s *PostgresStore) TransitionRequest(ctx context.Context, t RequestTransition) (*model.WalletRequest, *model.LedgerEntry, error) {
	rt, ok := requestTables[t.Kind]
	if !ok {
		return nil, nil, fmt.Errorf("unknown request kind %q", t.Kind)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	r, err := getRequest(ctx, tx, t.Kind, t.RequestID, true)
	if err != nil {
		return nil, nil, err
	}
	if r.Status != t.From {
		return r, nil, model.ErrRequestProcessed
	}

	var entry *model.LedgerEntry
	if t.Mutation != nil {
		m := *t.Mutation
		m.AccountID = r.AccountID
		m.Amount = r.Amount
		m.RelatedRequestID = r.ID
		entries, err := applyInTx(ctx, tx, []model.Mutation{m}, t.Rule, t.At)
		if err != nil {
			if isUniqueViolation(err) {
				return r, nil, model.ErrRequestProcessed
			}
			return nil, nil, err
		}
		entry = &entries[0]
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+rt.table+`
		 SET status = $2, processed_by = $3, processed_at = $4, note = COALESCE(NULLIF($5, ''), note)
		 WHERE id = $1 AND status = $6`,
		r.ID, string(t.To), t.ProcessedBy, t.At, t.Note, string(t.From)); err != nil {
		return nil, nil, err
	}

	r, err = getRequest(ctx, tx, t.Kind, t.RequestID, false)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return r, entry, nil
}

// --- Scanning helpers ---

// num parses a NUMERIC rendered as TEXT. Postgres only emits valid numbers.
func num(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var distanceKm, subtotal, shipping, service, extra, courierTotal, courierExtra, appTotal, total string
	var payment, shippingStatus string

	if err := row.Scan(&o.ID, &o.MarketID, &o.BuyerID, &o.Fees.MerchantCount, &o.Fees.ExtraStops, &distanceKm,
		&subtotal, &shipping, &service, &extra,
		&courierTotal, &courierExtra, &appTotal,
		&o.Fees.ConfigMissing, &payment, &shippingStatus, &o.CourierID, &total,
		&o.CreatedAt, &o.AssignedAt, &o.CompletedAt, &o.SettledAt); err != nil {
		return nil, err
	}

	o.PaymentStatus = model.PaymentStatus(payment)
	o.ShippingStatus = model.ShippingStatus(shippingStatus)
	o.Subtotal = num(subtotal)
	o.TotalPrice = num(total)

	f := &o.Fees
	f.DistanceKm = num(distanceKm)
	f.BaseShipping = num(shipping)
	f.ServiceFee = num(service)
	f.ExtraPickupFee = num(extra)
	f.CourierEarning = num(courierTotal)
	f.ExtraPickupFeeCourier = num(courierExtra)
	f.AppEarning = num(appTotal)
	f.ExtraPickupFeeApp = f.AppEarning.Sub(f.ServiceFee)
	f.TotalToBuyer = f.BaseShipping.Add(f.ServiceFee).Add(f.ExtraPickupFee)
	return &o, nil
}

// loadItems reads the order lines and derives per-merchant earnings.
func loadItems(ctx context.Context, q querier, o *model.Order) error {
	rows, err := q.Query(ctx,
		`SELECT merchant_id, product_id, quantity, unit_price::TEXT, ready
		 FROM order_items WHERE order_id = $1 ORDER BY line_no`, o.ID)
	if err != nil {
		return fmt.Errorf("load items %s: %w", o.ID, err)
	}
	defer rows.Close()

	o.Items = nil
	o.MerchantEarnings = make(map[string]decimal.Decimal)
	for rows.Next() {
		var it model.OrderItem
		var price string
		if err := rows.Scan(&it.MerchantID, &it.ProductID, &it.Quantity, &price, &it.Ready); err != nil {
			return err
		}
		it.UnitPrice = num(price)
		o.Items = append(o.Items, it)
		o.MerchantEarnings[it.MerchantID] = o.MerchantEarnings[it.MerchantID].Add(it.LineTotal())
	}
	return rows.Err()
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var role, balance, status string
	if err := row.Scan(&a.ID, &role, &balance, &status, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Role = model.Role(role)
	a.WalletBalance = num(balance)
	a.Status = model.AccountStatus(status)
	return &a, nil
}

func scanRequest(row pgx.Row, kind model.RequestKind) (*model.WalletRequest, error) {
	r := model.WalletRequest{Kind: kind}
	var amount, status string
	if err := row.Scan(&r.ID, &r.AccountID, &amount, &r.RequestedBy, &r.ProcessedBy, &status,
		&r.BankName, &r.BankAccountNumber, &r.BankAccountName,
		&r.Note, &r.CreatedAt, &r.ProcessedAt); err != nil {
		return nil, err
	}
	r.Amount = num(amount)
	r.Status = model.RequestStatus(status)
	return &r, nil
}

// scanLedgerEntries reads pgx rows into LedgerEntry slices.
func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var typ, dir, amount, after string

		if err := rows.Scan(&e.ID, &e.AccountID, &typ, &dir, &amount, &after, &e.Description,
			&e.RelatedOrderID, &e.RelatedRequestID, &e.CreatedAt); err != nil {
			return nil, err
		}

		e.Type = model.EntryType(typ)
		e.Direction = model.Direction(dir)
		e.Amount = num(amount)
		e.BalanceAfter = num(after)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
