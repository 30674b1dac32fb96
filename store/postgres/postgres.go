/*
Package postgres provides a PostgreSQL implementation of ledger.Store on pgx.

PURPOSE:
  Production persistence. Unlike store/sqlite, concurrent atomic units run
  in parallel and are isolated by row locks:
  - AccountRepo.Lock is SELECT ... FOR UPDATE
  - EntryRepo.Settle is UPDATE ... WHERE status = 'pending'
  - PositionRepo.Update is UPDATE ... WHERE version = $n

MONEY:
  Money columns are NUMERIC(20,8), matching ledger.MoneyScale. Workflows
  never produce finer amounts, so nothing is rounded on write. Reads cast
  to text and parse with decimal.NewFromString so no value passes through
  float64; an unparsable column is an error.

USAGE:
  pool, err := pgxpool.New(ctx, dsn)
  store, err := postgres.New(ctx, pool)

SEE ALSO:
  - store/sqlite: Same schema, SQLite dialect
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/invest-ledger/ledger"
)

var errReadOnly = errors.New("postgres: write outside RunAtomic")

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	balance NUMERIC(20,8) NOT NULL CHECK (balance >= 0),
	total_deposits NUMERIC(20,8) NOT NULL,
	total_withdrawals NUMERIC(20,8) NOT NULL,
	total_investments NUMERIC(20,8) NOT NULL,
	total_profit NUMERIC(20,8) NOT NULL,
	kyc_status TEXT NOT NULL,
	kyc_rejection_reason TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS entries (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	type TEXT NOT NULL,
	amount NUMERIC(20,8) NOT NULL CHECK (amount > 0),
	status TEXT NOT NULL,
	balance_before NUMERIC(20,8) NOT NULL,
	balance_after NUMERIC(20,8) NOT NULL,
	locked BOOLEAN NOT NULL DEFAULT FALSE,
	description TEXT,
	position_id TEXT,
	allocation_id TEXT,
	wallet_symbol TEXT,
	proof TEXT,
	payment_method TEXT,
	payment_details JSONB,
	processed_by TEXT,
	processed_at TIMESTAMPTZ,
	rejection_reason TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_account_created ON entries(account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_entries_pending ON entries(type, created_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT,
	minimum_amount NUMERIC(20,8) NOT NULL,
	maximum_amount NUMERIC(20,8) NOT NULL,
	duration_days INTEGER NOT NULL,
	percentage_return NUMERIC(20,8) NOT NULL,
	risk TEXT NOT NULL,
	is_active BOOLEAN NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	plan_id TEXT NOT NULL,
	plan_name TEXT NOT NULL,
	amount NUMERIC(20,8) NOT NULL,
	percentage_return NUMERIC(20,8) NOT NULL,
	duration_days INTEGER NOT NULL,
	daily_profit NUMERIC(20,8) NOT NULL,
	expected_return NUMERIC(20,8) NOT NULL,
	total_profit NUMERIC(20,8) NOT NULL,
	status TEXT NOT NULL,
	start_date TIMESTAMPTZ NOT NULL,
	end_date TIMESTAMPTZ NOT NULL,
	last_profit_distribution TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	cancelled_at TIMESTAMPTZ,
	cancel_reason TEXT,
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_positions_account ON positions(account_id);
CREATE INDEX IF NOT EXISTS idx_positions_active ON positions(status) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS profit_distributions (
	seq BIGSERIAL PRIMARY KEY,
	position_id TEXT NOT NULL REFERENCES positions(id),
	amount NUMERIC(20,8) NOT NULL,
	date TIMESTAMPTZ NOT NULL,
	balance_after NUMERIC(20,8) NOT NULL
);

CREATE TABLE IF NOT EXISTS traders (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	strategy TEXT,
	risk TEXT NOT NULL,
	is_active BOOLEAN NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS allocations (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	trader_id TEXT NOT NULL,
	trader_name TEXT NOT NULL,
	allocated_amount NUMERIC(20,8) NOT NULL,
	total_earned NUMERIC(20,8) NOT NULL,
	status TEXT NOT NULL,
	start_date TIMESTAMPTZ NOT NULL,
	stopped_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_one_active_allocation
	ON allocations(account_id) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS outbox (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	event_key TEXT NOT NULL,
	payload BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	published_at TIMESTAMPTZ,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT
);

CREATE INDEX IF NOT EXISTS idx_outbox_unpublished
	ON outbox(seq) WHERE published_at IS NULL;
`

// Store implements ledger.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a store. The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Connect opens a pool from a DSN and applies the schema. A positive
// maxConns overrides the pool size from the DSN.
func Connect(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	s, err := New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Reset truncates every table.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE outbox, profit_distributions, entries, allocations, positions, traders, plans, accounts`)
	return err
}

// RunAtomic executes fn inside a read-committed transaction.
func (s *Store) RunAtomic(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&txView{q: tx, writable: true}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Read() ledger.Tx {
	return &txView{q: s.pool}
}

type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txView struct {
	q        queryer
	writable bool
}

func (v *txView) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if !v.writable {
		return pgconn.CommandTag{}, errReadOnly
	}
	return v.q.Exec(ctx, sql, args...)
}

func (v *txView) Accounts() ledger.AccountRepo       { return accountRepo{v} }
func (v *txView) Entries() ledger.EntryRepo          { return entryRepo{v} }
func (v *txView) Plans() ledger.PlanRepo             { return planRepo{v} }
func (v *txView) Positions() ledger.PositionRepo     { return positionRepo{v} }
func (v *txView) Allocations() ledger.AllocationRepo { return allocationRepo{v} }
func (v *txView) Traders() ledger.TraderRepo         { return traderRepo{v} }
func (v *txView) Outbox() ledger.OutboxRepo          { return outboxRepo{v} }

// =============================================================================
// ACCOUNTS
// =============================================================================

type accountRepo struct{ v *txView }

const accountSelect = `SELECT id, balance::text, total_deposits::text, total_withdrawals::text,
	total_investments::text, total_profit::text, kyc_status, COALESCE(kyc_rejection_reason, ''),
	created_at, updated_at FROM accounts`

func (r accountRepo) Create(ctx context.Context, a ledger.Account) error {
	_, err := r.v.exec(ctx, `INSERT INTO accounts (id, balance, total_deposits, total_withdrawals,
		total_investments, total_profit, kyc_status, kyc_rejection_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(a.ID), a.Balance.String(), a.TotalDeposits.String(), a.TotalWithdrawals.String(),
		a.TotalInvestments.String(), a.TotalProfit.String(), string(a.KYCStatus),
		nullText(a.KYCRejectionReason), a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err) {
		return ledger.ErrDuplicateID
	}
	return err
}

func (r accountRepo) Get(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	return r.get(ctx, accountSelect+` WHERE id = $1`, id)
}

func (r accountRepo) Lock(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	if !r.v.writable {
		return nil, errReadOnly
	}
	return r.get(ctx, accountSelect+` WHERE id = $1 FOR UPDATE`, id)
}

func (r accountRepo) get(ctx context.Context, sql string, id ledger.AccountID) (*ledger.Account, error) {
	a, err := scanAccount(r.v.q.QueryRow(ctx, sql, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

func (r accountRepo) Update(ctx context.Context, a ledger.Account) error {
	tag, err := r.v.exec(ctx, `UPDATE accounts SET balance = $1, total_deposits = $2,
		total_withdrawals = $3, total_investments = $4, total_profit = $5, kyc_status = $6,
		kyc_rejection_reason = $7, updated_at = $8 WHERE id = $9`,
		a.Balance.String(), a.TotalDeposits.String(), a.TotalWithdrawals.String(),
		a.TotalInvestments.String(), a.TotalProfit.String(), string(a.KYCStatus),
		nullText(a.KYCRejectionReason), a.UpdatedAt, string(a.ID))
	return expectOne(tag, err, ledger.ErrAccountNotFound)
}

func (r accountRepo) List(ctx context.Context) ([]ledger.Account, error) {
	rows, err := r.v.q.Query(ctx, accountSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return collect(rows, scanAccount)
}

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var (
		a                                        ledger.Account
		id, kyc                                  string
		balance, deposits, withdrawals, invested string
		profit                                   string
	)
	err := row.Scan(&id, &balance, &deposits, &withdrawals, &invested, &profit,
		&kyc, &a.KYCRejectionReason, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	a.ID = ledger.AccountID(id)
	a.KYCStatus = ledger.KYCStatus(kyc)
	var m moneyParser
	a.Balance = m.parse("balance", balance)
	a.TotalDeposits = m.parse("total_deposits", deposits)
	a.TotalWithdrawals = m.parse("total_withdrawals", withdrawals)
	a.TotalInvestments = m.parse("total_investments", invested)
	a.TotalProfit = m.parse("total_profit", profit)
	return a, m.err
}

// =============================================================================
// ENTRIES
// =============================================================================

type entryRepo struct{ v *txView }

const entrySelect = `SELECT id, account_id, type, amount::text, status, balance_before::text,
	balance_after::text, locked, COALESCE(description, ''), COALESCE(position_id, ''),
	COALESCE(allocation_id, ''), COALESCE(wallet_symbol, ''), COALESCE(proof, ''),
	COALESCE(payment_method, ''), COALESCE(payment_details::text, ''), COALESCE(processed_by, ''),
	processed_at, COALESCE(rejection_reason, ''), created_at, updated_at FROM entries`

func (r entryRepo) Append(ctx context.Context, e ledger.Entry) error {
	var details *string
	if len(e.PaymentDetails) > 0 {
		raw, err := json.Marshal(e.PaymentDetails)
		if err != nil {
			return fmt.Errorf("encode payment details: %w", err)
		}
		s := string(raw)
		details = &s
	}

	_, err := r.v.exec(ctx, `INSERT INTO entries (id, account_id, type, amount, status,
		balance_before, balance_after, locked, description, position_id, allocation_id,
		wallet_symbol, proof, payment_method, payment_details, processed_by, processed_at,
		rejection_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15::jsonb, $16, $17, $18, $19, $20)`,
		string(e.ID), string(e.AccountID), string(e.Type), e.Amount.String(), string(e.Status),
		e.BalanceBefore.String(), e.BalanceAfter.String(), e.Locked, nullText(e.Description),
		nullText(string(e.PositionID)), nullText(string(e.AllocationID)), nullText(e.WalletSymbol),
		nullText(e.Proof), nullText(e.PaymentMethod), details, nullText(e.ProcessedBy),
		e.ProcessedAt, nullText(e.RejectionReason), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateID
		}
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

func (r entryRepo) Get(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	e, err := scanEntry(r.v.q.QueryRow(ctx, entrySelect+` WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return &e, nil
}

func (r entryRepo) Settle(ctx context.Context, id ledger.EntryID, t ledger.EntryType, s ledger.Settlement) error {
	var after *string
	if s.BalanceAfter != nil {
		v := s.BalanceAfter.String()
		after = &v
	}
	tag, err := r.v.exec(ctx, `UPDATE entries SET status = $1, processed_by = $2, processed_at = $3,
		rejection_reason = $4, updated_at = $3, balance_after = COALESCE($5::numeric, balance_after)
		WHERE id = $6 AND type = $7 AND status = 'pending'`,
		string(s.Status), nullText(s.ProcessedBy), s.ProcessedAt, nullText(s.Reason),
		after, string(id), string(t))
	return expectOne(tag, err, ledger.ErrNotPending)
}

func (r entryRepo) ListByAccount(ctx context.Context, accountID ledger.AccountID, f ledger.EntryFilter) ([]ledger.Entry, error) {
	sql := entrySelect + ` WHERE account_id = $1`
	args := []any{string(accountID)}
	if f.Type != "" {
		args = append(args, string(f.Type))
		sql += fmt.Sprintf(` AND type = $%d`, len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		sql += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	sql += ` ORDER BY created_at DESC, seq DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.v.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return collect(rows, scanEntry)
}

func (r entryRepo) ListPending(ctx context.Context, t ledger.EntryType) ([]ledger.Entry, error) {
	rows, err := r.v.q.Query(ctx,
		entrySelect+` WHERE status = 'pending' AND ($1 = '' OR type = $1) ORDER BY created_at, seq`,
		string(t))
	if err != nil {
		return nil, fmt.Errorf("list pending entries: %w", err)
	}
	return collect(rows, scanEntry)
}

func scanEntry(row pgx.Row) (ledger.Entry, error) {
	var (
		e                                     ledger.Entry
		id, accountID, typ, status            string
		amount, before, after                 string
		positionID, allocationID, detailsJSON string
	)
	err := row.Scan(&id, &accountID, &typ, &amount, &status, &before, &after, &e.Locked,
		&e.Description, &positionID, &allocationID, &e.WalletSymbol, &e.Proof, &e.PaymentMethod,
		&detailsJSON, &e.ProcessedBy, &e.ProcessedAt, &e.RejectionReason, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return e, err
	}
	e.ID = ledger.EntryID(id)
	e.AccountID = ledger.AccountID(accountID)
	e.Type = ledger.EntryType(typ)
	e.Status = ledger.EntryStatus(status)
	var m moneyParser
	e.Amount = m.parse("amount", amount)
	e.BalanceBefore = m.parse("balance_before", before)
	e.BalanceAfter = m.parse("balance_after", after)
	e.PositionID = ledger.PositionID(positionID)
	e.AllocationID = ledger.AllocationID(allocationID)
	if detailsJSON != "" {
		if err := json.Unmarshal([]byte(detailsJSON), &e.PaymentDetails); err != nil {
			return e, fmt.Errorf("decode payment details: %w", err)
		}
	}
	return e, m.err
}

// =============================================================================
// PLANS
// =============================================================================

type planRepo struct{ v *txView }

const planSelect = `SELECT id, name, COALESCE(description, ''), minimum_amount::text,
	maximum_amount::text, duration_days, percentage_return::text, risk, is_active,
	created_at, updated_at FROM plans`

func (r planRepo) Create(ctx context.Context, p ledger.InvestmentPlan) error {
	_, err := r.v.exec(ctx, `INSERT INTO plans (id, name, description, minimum_amount,
		maximum_amount, duration_days, percentage_return, risk, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		string(p.ID), p.Name, nullText(p.Description), p.MinimumAmount.String(),
		p.MaximumAmount.String(), p.DurationDays, p.PercentageReturn.String(), string(p.Risk),
		p.IsActive, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return ledger.ErrDuplicateID
	}
	return err
}

func (r planRepo) Get(ctx context.Context, id ledger.PlanID) (*ledger.InvestmentPlan, error) {
	p, err := scanPlan(r.v.q.QueryRow(ctx, planSelect+` WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return &p, nil
}

func (r planRepo) Update(ctx context.Context, p ledger.InvestmentPlan) error {
	tag, err := r.v.exec(ctx, `UPDATE plans SET name = $1, description = $2, minimum_amount = $3,
		maximum_amount = $4, duration_days = $5, percentage_return = $6, risk = $7, is_active = $8,
		updated_at = $9 WHERE id = $10`,
		p.Name, nullText(p.Description), p.MinimumAmount.String(), p.MaximumAmount.String(),
		p.DurationDays, p.PercentageReturn.String(), string(p.Risk), p.IsActive, p.UpdatedAt,
		string(p.ID))
	return expectOne(tag, err, ledger.ErrPlanNotFound)
}

func (r planRepo) Delete(ctx context.Context, id ledger.PlanID) error {
	tag, err := r.v.exec(ctx, `DELETE FROM plans WHERE id = $1`, string(id))
	return expectOne(tag, err, ledger.ErrPlanNotFound)
}

func (r planRepo) List(ctx context.Context, activeOnly bool) ([]ledger.InvestmentPlan, error) {
	rows, err := r.v.q.Query(ctx,
		planSelect+` WHERE ($1 = FALSE OR is_active) ORDER BY minimum_amount, name`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	return collect(rows, scanPlan)
}

func scanPlan(row pgx.Row) (ledger.InvestmentPlan, error) {
	var (
		p                     ledger.InvestmentPlan
		id, risk              string
		minimum, maximum, pct string
	)
	err := row.Scan(&id, &p.Name, &p.Description, &minimum, &maximum, &p.DurationDays,
		&pct, &risk, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	p.ID = ledger.PlanID(id)
	p.Risk = ledger.Risk(risk)
	var m moneyParser
	p.MinimumAmount = m.parse("minimum_amount", minimum)
	p.MaximumAmount = m.parse("maximum_amount", maximum)
	p.PercentageReturn = m.parse("percentage_return", pct)
	return p, m.err
}

// =============================================================================
// POSITIONS
// =============================================================================

type positionRepo struct{ v *txView }

const positionSelect = `SELECT id, account_id, plan_id, plan_name, amount::text,
	percentage_return::text, duration_days, daily_profit::text, expected_return::text,
	total_profit::text, status, start_date, end_date, last_profit_distribution, completed_at,
	cancelled_at, COALESCE(cancel_reason, ''), version, created_at, updated_at FROM positions`

func (r positionRepo) Create(ctx context.Context, p ledger.Position) error {
	_, err := r.v.exec(ctx, `INSERT INTO positions (id, account_id, plan_id, plan_name, amount,
		percentage_return, duration_days, daily_profit, expected_return, total_profit, status,
		start_date, end_date, last_profit_distribution, completed_at, cancelled_at, cancel_reason,
		version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		string(p.ID), string(p.AccountID), string(p.PlanID), p.PlanName, p.Amount.String(),
		p.PercentageReturn.String(), p.DurationDays, p.DailyProfit.String(), p.ExpectedReturn.String(),
		p.TotalProfit.String(), string(p.Status), p.StartDate, p.EndDate, p.LastProfitDistribution,
		p.CompletedAt, p.CancelledAt, nullText(p.CancelReason), p.Version, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return ledger.ErrDuplicateID
	}
	return err
}

func (r positionRepo) Get(ctx context.Context, id ledger.PositionID) (*ledger.Position, error) {
	p, err := scanPosition(r.v.q.QueryRow(ctx, positionSelect+` WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}

	rows, err := r.v.q.Query(ctx, `SELECT amount::text, date, balance_after::text
		FROM profit_distributions WHERE position_id = $1 ORDER BY seq`, string(id))
	if err != nil {
		return nil, fmt.Errorf("load distributions: %w", err)
	}
	p.ProfitDistributions, err = collect(rows, func(row pgx.Row) (ledger.ProfitDistribution, error) {
		var (
			d             ledger.ProfitDistribution
			amount, after string
		)
		if err := row.Scan(&amount, &d.Date, &after); err != nil {
			return d, err
		}
		var m moneyParser
		d.Amount = m.parse("amount", amount)
		d.BalanceAfter = m.parse("balance_after", after)
		return d, m.err
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r positionRepo) Update(ctx context.Context, p ledger.Position) error {
	tag, err := r.v.exec(ctx, `UPDATE positions SET total_profit = $1, status = $2,
		last_profit_distribution = $3, completed_at = $4, cancelled_at = $5, cancel_reason = $6,
		version = version + 1, updated_at = $7
		WHERE id = $8 AND version = $9`,
		p.TotalProfit.String(), string(p.Status), p.LastProfitDistribution, p.CompletedAt,
		p.CancelledAt, nullText(p.CancelReason), p.UpdatedAt, string(p.ID), p.Version)
	return expectOne(tag, err, ledger.ErrConcurrentModification)
}

func (r positionRepo) AppendDistribution(ctx context.Context, id ledger.PositionID, d ledger.ProfitDistribution) error {
	_, err := r.v.exec(ctx, `INSERT INTO profit_distributions (position_id, amount, date, balance_after)
		VALUES ($1, $2, $3, $4)`, string(id), d.Amount.String(), d.Date, d.BalanceAfter.String())
	return err
}

func (r positionRepo) ListByAccount(ctx context.Context, accountID ledger.AccountID) ([]ledger.Position, error) {
	rows, err := r.v.q.Query(ctx, positionSelect+` WHERE account_id = $1 ORDER BY created_at`, string(accountID))
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	return collect(rows, scanPosition)
}

func (r positionRepo) ListActive(ctx context.Context) ([]ledger.Position, error) {
	rows, err := r.v.q.Query(ctx, positionSelect+` WHERE status = 'active' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active positions: %w", err)
	}
	return collect(rows, scanPosition)
}

func (r positionRepo) CountActiveByPlan(ctx context.Context, planID ledger.PlanID) (int, error) {
	var n int
	err := r.v.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE plan_id = $1 AND status = 'active'`, string(planID)).Scan(&n)
	return n, err
}

func scanPosition(row pgx.Row) (ledger.Position, error) {
	var (
		p                                    ledger.Position
		id, accountID, planID, status        string
		amount, pct, daily, expected, profit string
	)
	err := row.Scan(&id, &accountID, &planID, &p.PlanName, &amount, &pct, &p.DurationDays,
		&daily, &expected, &profit, &status, &p.StartDate, &p.EndDate, &p.LastProfitDistribution,
		&p.CompletedAt, &p.CancelledAt, &p.CancelReason, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	p.ID = ledger.PositionID(id)
	p.AccountID = ledger.AccountID(accountID)
	p.PlanID = ledger.PlanID(planID)
	p.Status = ledger.PositionStatus(status)
	var m moneyParser
	p.Amount = m.parse("amount", amount)
	p.PercentageReturn = m.parse("percentage_return", pct)
	p.DailyProfit = m.parse("daily_profit", daily)
	p.ExpectedReturn = m.parse("expected_return", expected)
	p.TotalProfit = m.parse("total_profit", profit)
	return p, m.err
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

type allocationRepo struct{ v *txView }

const allocationSelect = `SELECT id, account_id, trader_id, trader_name, allocated_amount::text,
	total_earned::text, status, start_date, stopped_at, created_at, updated_at FROM allocations`

func (r allocationRepo) Create(ctx context.Context, a ledger.CopyTradingAllocation) error {
	_, err := r.v.exec(ctx, `INSERT INTO allocations (id, account_id, trader_id, trader_name,
		allocated_amount, total_earned, status, start_date, stopped_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		string(a.ID), string(a.AccountID), string(a.TraderID), a.TraderName,
		a.AllocatedAmount.String(), a.TotalEarned.String(), string(a.Status), a.StartDate,
		a.StoppedAt, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.ConstraintName == "idx_one_active_allocation" {
			return ledger.ErrActiveAllocationExists
		}
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateID
		}
	}
	return err
}

func (r allocationRepo) Active(ctx context.Context, accountID ledger.AccountID) (*ledger.CopyTradingAllocation, error) {
	a, err := scanAllocation(r.v.q.QueryRow(ctx,
		allocationSelect+` WHERE account_id = $1 AND status = 'active'`, string(accountID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active allocation: %w", err)
	}
	return &a, nil
}

func (r allocationRepo) Update(ctx context.Context, a ledger.CopyTradingAllocation) error {
	tag, err := r.v.exec(ctx, `UPDATE allocations SET total_earned = $1, status = $2,
		stopped_at = $3, updated_at = $4 WHERE id = $5`,
		a.TotalEarned.String(), string(a.Status), a.StoppedAt, a.UpdatedAt, string(a.ID))
	return expectOne(tag, err, ledger.ErrNoActiveAllocation)
}

func (r allocationRepo) ListByAccount(ctx context.Context, accountID ledger.AccountID) ([]ledger.CopyTradingAllocation, error) {
	rows, err := r.v.q.Query(ctx,
		allocationSelect+` WHERE account_id = $1 ORDER BY created_at DESC`, string(accountID))
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	return collect(rows, scanAllocation)
}

func scanAllocation(row pgx.Row) (ledger.CopyTradingAllocation, error) {
	var (
		a                               ledger.CopyTradingAllocation
		id, accountID, traderID, status string
		amount, earned                  string
	)
	err := row.Scan(&id, &accountID, &traderID, &a.TraderName, &amount, &earned, &status,
		&a.StartDate, &a.StoppedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	a.ID = ledger.AllocationID(id)
	a.AccountID = ledger.AccountID(accountID)
	a.TraderID = ledger.TraderID(traderID)
	a.Status = ledger.AllocationStatus(status)
	var m moneyParser
	a.AllocatedAmount = m.parse("allocated_amount", amount)
	a.TotalEarned = m.parse("total_earned", earned)
	return a, m.err
}

// =============================================================================
// TRADERS
// =============================================================================

type traderRepo struct{ v *txView }

const traderSelect = `SELECT id, name, COALESCE(strategy, ''), risk, is_active, created_at FROM traders`

func (r traderRepo) Create(ctx context.Context, t ledger.Trader) error {
	_, err := r.v.exec(ctx, `INSERT INTO traders (id, name, strategy, risk, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(t.ID), t.Name, nullText(t.Strategy), string(t.Risk), t.IsActive, t.CreatedAt)
	if isUniqueViolation(err) {
		return ledger.ErrDuplicateID
	}
	return err
}

func (r traderRepo) Get(ctx context.Context, id ledger.TraderID) (*ledger.Trader, error) {
	t, err := scanTrader(r.v.q.QueryRow(ctx, traderSelect+` WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrTraderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trader: %w", err)
	}
	return &t, nil
}

func (r traderRepo) List(ctx context.Context) ([]ledger.Trader, error) {
	rows, err := r.v.q.Query(ctx, traderSelect+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list traders: %w", err)
	}
	return collect(rows, scanTrader)
}

func scanTrader(row pgx.Row) (ledger.Trader, error) {
	var (
		t        ledger.Trader
		id, risk string
	)
	if err := row.Scan(&id, &t.Name, &t.Strategy, &risk, &t.IsActive, &t.CreatedAt); err != nil {
		return t, err
	}
	t.ID = ledger.TraderID(id)
	t.Risk = ledger.Risk(risk)
	return t, nil
}

// =============================================================================
// OUTBOX
// =============================================================================

type outboxRepo struct{ v *txView }

func (r outboxRepo) Append(ctx context.Context, m ledger.OutboxMessage) error {
	_, err := r.v.exec(ctx, `INSERT INTO outbox (id, event_type, event_key, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.EventType, m.Key, m.Payload, m.CreatedAt)
	if isUniqueViolation(err) {
		return ledger.ErrDuplicateID
	}
	return err
}

// Unpublished orders by seq; a NULL limit returns every row.
func (r outboxRepo) Unpublished(ctx context.Context, limit int) ([]ledger.OutboxMessage, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := r.v.q.Query(ctx, `SELECT id, event_type, event_key, payload, created_at,
		published_at, attempts, COALESCE(last_error, '')
		FROM outbox WHERE published_at IS NULL ORDER BY seq LIMIT $1`, lim)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	return collect(rows, func(row pgx.Row) (ledger.OutboxMessage, error) {
		var m ledger.OutboxMessage
		err := row.Scan(&m.ID, &m.EventType, &m.Key, &m.Payload, &m.CreatedAt,
			&m.PublishedAt, &m.Attempts, &m.LastError)
		return m, err
	})
}

func (r outboxRepo) MarkPublished(ctx context.Context, id string, at time.Time) error {
	tag, err := r.v.exec(ctx, `UPDATE outbox SET published_at = $1, attempts = attempts + 1
		WHERE id = $2`, at, id)
	return expectOne(tag, err, ledger.ErrMessageNotFound)
}

func (r outboxRepo) MarkFailed(ctx context.Context, id string, reason string) error {
	tag, err := r.v.exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_error = $1
		WHERE id = $2`, reason, id)
	return expectOne(tag, err, ledger.ErrMessageNotFound)
}

// Helper functions

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func expectOne(tag pgconn.CommandTag, err error, none error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return none
	}
	return nil
}

func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// moneyParser parses decimal columns and keeps the first failure. A corrupt
// amount is an error, never a silent zero.
type moneyParser struct{ err error }

func (m *moneyParser) parse(column, s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil && m.err == nil {
		m.err = fmt.Errorf("corrupt %s value %q: %w", column, s, err)
	}
	return d
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505"
}
