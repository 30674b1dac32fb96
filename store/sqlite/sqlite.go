/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Default persistence for single-node deployments and local development.
  The same schema is used by store/postgres with dialect differences only.

KEY TABLES:
  accounts:             One balance per user
  entries:              Ledger records (append; only settlement fields change)
  plans:                Investment plan catalog
  positions:            Investment positions (versioned)
  profit_distributions: Accrual audit trail per position
  allocations:          Copy-trading allocations
  traders:              Copy-trading catalog

INDEXES:
  - idx_entries_account_created: History queries (hot path)
  - idx_entries_pending: Admin pending queue
  - idx_one_active_allocation: At most one active allocation per account

CONCURRENCY:
  SQLite has a single writer. RunAtomic holds a mutex for the whole unit
  and the pool is capped at one connection, so AccountRepo.Lock is a plain
  read: no other unit can interleave. Read() shares the same connection
  and therefore waits for an open unit to commit.

  Never call Read() from inside RunAtomic; use the Tx passed to fn.

MONEY AND TIME:
  Amounts are stored as TEXT decimal strings and parsed with
  decimal.NewFromString. Timestamps are fixed-width RFC3339 with nanoseconds, in UTC.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/invest-ledger/ledger"
)

var errReadOnly = errors.New("sqlite: write outside RunAtomic")

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		balance TEXT NOT NULL,
		total_deposits TEXT NOT NULL,
		total_withdrawals TEXT NOT NULL,
		total_investments TEXT NOT NULL,
		total_profit TEXT NOT NULL,
		kyc_status TEXT NOT NULL,
		kyc_rejection_reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		type TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		locked INTEGER NOT NULL DEFAULT 0,
		description TEXT,
		position_id TEXT,
		allocation_id TEXT,
		wallet_symbol TEXT,
		proof TEXT,
		payment_method TEXT,
		payment_details_json TEXT,
		processed_by TEXT,
		processed_at TEXT,
		rejection_reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_account_created
		ON entries(account_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_entries_pending
		ON entries(type, created_at) WHERE status = 'pending';

	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		minimum_amount TEXT NOT NULL,
		maximum_amount TEXT NOT NULL,
		duration_days INTEGER NOT NULL,
		percentage_return TEXT NOT NULL,
		risk TEXT NOT NULL,
		is_active INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		plan_id TEXT NOT NULL,
		plan_name TEXT NOT NULL,
		amount TEXT NOT NULL,
		percentage_return TEXT NOT NULL,
		duration_days INTEGER NOT NULL,
		daily_profit TEXT NOT NULL,
		expected_return TEXT NOT NULL,
		total_profit TEXT NOT NULL,
		status TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		last_profit_distribution TEXT,
		completed_at TEXT,
		cancelled_at TEXT,
		cancel_reason TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_positions_account ON positions(account_id);
	CREATE INDEX IF NOT EXISTS idx_positions_active ON positions(status) WHERE status = 'active';

	CREATE TABLE IF NOT EXISTS profit_distributions (
		position_id TEXT NOT NULL REFERENCES positions(id),
		amount TEXT NOT NULL,
		date TEXT NOT NULL,
		balance_after TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_distributions_position
		ON profit_distributions(position_id, date);

	CREATE TABLE IF NOT EXISTS traders (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		strategy TEXT,
		risk TEXT NOT NULL,
		is_active INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS allocations (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		trader_id TEXT NOT NULL,
		trader_name TEXT NOT NULL,
		allocated_amount TEXT NOT NULL,
		total_earned TEXT NOT NULL,
		status TEXT NOT NULL,
		start_date TEXT NOT NULL,
		stopped_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: one active copy-trading allocation per account
	CREATE UNIQUE INDEX IF NOT EXISTS idx_one_active_allocation
		ON allocations(account_id) WHERE status = 'active';

	CREATE TABLE IF NOT EXISTS outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		event_key TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at TEXT NOT NULL,
		published_at TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_unpublished
		ON outbox(seq) WHERE published_at IS NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ATOMIC UNIT (ledger.Store interface)
// =============================================================================

// RunAtomic executes fn within a database transaction.
func (s *Store) RunAtomic(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txView{q: sqlTx, writable: true}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// Read returns repositories bound to the pool.
func (s *Store) Read() ledger.Tx {
	return &txView{q: s.db}
}

// Reset deletes all data. Used by tests.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"outbox", "profit_distributions", "entries", "allocations", "positions", "traders", "plans", "accounts"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type txView struct {
	q        queryer
	writable bool
}

func (v *txView) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if !v.writable {
		return nil, errReadOnly
	}
	return v.q.ExecContext(ctx, query, args...)
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

const accountColumns = `id, balance, total_deposits, total_withdrawals, total_investments,
	total_profit, kyc_status, kyc_rejection_reason, created_at, updated_at`

func (r accountRepo) Create(ctx context.Context, a ledger.Account) error {
	_, err := r.v.exec(ctx, `INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Balance.String(), a.TotalDeposits.String(), a.TotalWithdrawals.String(),
		a.TotalInvestments.String(), a.TotalProfit.String(), a.KYCStatus,
		nullString(a.KYCRejectionReason), formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return ledger.ErrDuplicateID
	}
	return err
}

func (r accountRepo) Get(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	row := r.v.q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

// Lock is a plain read: RunAtomic already serializes writers.
func (r accountRepo) Lock(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	if !r.v.writable {
		return nil, errReadOnly
	}
	return r.Get(ctx, id)
}

func (r accountRepo) Update(ctx context.Context, a ledger.Account) error {
	res, err := r.v.exec(ctx, `UPDATE accounts SET balance = ?, total_deposits = ?,
		total_withdrawals = ?, total_investments = ?, total_profit = ?, kyc_status = ?,
		kyc_rejection_reason = ?, updated_at = ? WHERE id = ?`,
		a.Balance.String(), a.TotalDeposits.String(), a.TotalWithdrawals.String(),
		a.TotalInvestments.String(), a.TotalProfit.String(), a.KYCStatus,
		nullString(a.KYCRejectionReason), formatTime(a.UpdatedAt), a.ID,
	)
	return expectOne(res, err, ledger.ErrAccountNotFound)
}

func (r accountRepo) List(ctx context.Context) ([]ledger.Account, error) {
	rows, err := r.v.q.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAccount(row scanner) (ledger.Account, error) {
	var (
		a                                        ledger.Account
		balance, deposits, withdrawals, invested string
		profit, createdAt, updatedAt             string
		rejection                                sql.NullString
	)
	err := row.Scan(&a.ID, &balance, &deposits, &withdrawals, &invested,
		&profit, &a.KYCStatus, &rejection, &createdAt, &updatedAt)
	if err != nil {
		return a, err
	}
	var m moneyParser
	a.Balance = m.parse("balance", balance)
	a.TotalDeposits = m.parse("total_deposits", deposits)
	a.TotalWithdrawals = m.parse("total_withdrawals", withdrawals)
	a.TotalInvestments = m.parse("total_investments", invested)
	a.TotalProfit = m.parse("total_profit", profit)
	a.KYCRejectionReason = rejection.String
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, m.err
}

// =============================================================================
// ENTRIES
// =============================================================================

type entryRepo struct{ v *txView }

const entryColumns = `id, account_id, type, amount, status, balance_before, balance_after,
	locked, description, position_id, allocation_id, wallet_symbol, proof, payment_method,
	payment_details_json, processed_by, processed_at, rejection_reason, created_at, updated_at`

func (r entryRepo) Append(ctx context.Context, e ledger.Entry) error {
	var details sql.NullString
	if len(e.PaymentDetails) > 0 {
		raw, err := json.Marshal(e.PaymentDetails)
		if err != nil {
			return fmt.Errorf("failed to encode payment details: %w", err)
		}
		details = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := r.v.exec(ctx, `INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.Type, e.Amount.String(), e.Status,
		e.BalanceBefore.String(), e.BalanceAfter.String(), e.Locked,
		nullString(e.Description), nullString(string(e.PositionID)), nullString(string(e.AllocationID)),
		nullString(e.WalletSymbol), nullString(e.Proof), nullString(e.PaymentMethod), details,
		nullString(e.ProcessedBy), nullTime(e.ProcessedAt), nullString(e.RejectionReason),
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateID
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

func (r entryRepo) Get(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	row := r.v.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	return &e, nil
}

// Settle only matches pending rows of the expected type.
func (r entryRepo) Settle(ctx context.Context, id ledger.EntryID, t ledger.EntryType, s ledger.Settlement) error {
	query := `UPDATE entries SET status = ?, processed_by = ?, processed_at = ?,
		rejection_reason = ?, updated_at = ?`
	args := []any{s.Status, nullString(s.ProcessedBy), formatTime(s.ProcessedAt),
		nullString(s.Reason), formatTime(s.ProcessedAt)}
	if s.BalanceAfter != nil {
		query += `, balance_after = ?`
		args = append(args, s.BalanceAfter.String())
	}
	query += ` WHERE id = ? AND type = ? AND status = 'pending'`
	args = append(args, id, t)

	res, err := r.v.exec(ctx, query, args...)
	return expectOne(res, err, ledger.ErrNotPending)
}

func (r entryRepo) ListByAccount(ctx context.Context, accountID ledger.AccountID, f ledger.EntryFilter) ([]ledger.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM entries WHERE account_id = ?`
	args := []any{accountID}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.query(ctx, query, args...)
}

func (r entryRepo) ListPending(ctx context.Context, t ledger.EntryType) ([]ledger.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM entries WHERE status = 'pending'`
	var args []any
	if t != "" {
		query += ` AND type = ?`
		args = append(args, t)
	}
	query += ` ORDER BY created_at, rowid`
	return r.query(ctx, query, args...)
}

func (r entryRepo) query(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := r.v.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(row scanner) (ledger.Entry, error) {
	var (
		e                                   ledger.Entry
		amount, before, after               string
		description, positionID, allocID    sql.NullString
		wallet, proof, method, details      sql.NullString
		processedBy, processedAt, rejection sql.NullString
		createdAt, updatedAt                string
	)
	err := row.Scan(&e.ID, &e.AccountID, &e.Type, &amount, &e.Status, &before, &after,
		&e.Locked, &description, &positionID, &allocID, &wallet, &proof, &method,
		&details, &processedBy, &processedAt, &rejection, &createdAt, &updatedAt)
	if err != nil {
		return e, err
	}
	var m moneyParser
	e.Amount = m.parse("amount", amount)
	e.BalanceBefore = m.parse("balance_before", before)
	e.BalanceAfter = m.parse("balance_after", after)
	e.Description = description.String
	e.PositionID = ledger.PositionID(positionID.String)
	e.AllocationID = ledger.AllocationID(allocID.String)
	e.WalletSymbol = wallet.String
	e.Proof = proof.String
	e.PaymentMethod = method.String
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &e.PaymentDetails); err != nil {
			return e, fmt.Errorf("failed to decode payment details: %w", err)
		}
	}
	e.ProcessedBy = processedBy.String
	e.ProcessedAt = parseNullTime(processedAt)
	e.RejectionReason = rejection.String
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return e, m.err
}

// =============================================================================
// PLANS
// =============================================================================

type planRepo struct{ v *txView }

const planColumns = `id, name, description, minimum_amount, maximum_amount, duration_days,
	percentage_return, risk, is_active, created_at, updated_at`

func (r planRepo) Create(ctx context.Context, p ledger.InvestmentPlan) error {
	_, err := r.v.exec(ctx, `INSERT INTO plans (`+planColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, nullString(p.Description), p.MinimumAmount.String(), p.MaximumAmount.String(),
		p.DurationDays, p.PercentageReturn.String(), p.Risk, p.IsActive,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return ledger.ErrDuplicateID
	}
	return err
}

func (r planRepo) Get(ctx context.Context, id ledger.PlanID) (*ledger.InvestmentPlan, error) {
	row := r.v.q.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return &p, nil
}

func (r planRepo) Update(ctx context.Context, p ledger.InvestmentPlan) error {
	res, err := r.v.exec(ctx, `UPDATE plans SET name = ?, description = ?, minimum_amount = ?,
		maximum_amount = ?, duration_days = ?, percentage_return = ?, risk = ?, is_active = ?,
		updated_at = ? WHERE id = ?`,
		p.Name, nullString(p.Description), p.MinimumAmount.String(), p.MaximumAmount.String(),
		p.DurationDays, p.PercentageReturn.String(), p.Risk, p.IsActive, formatTime(p.UpdatedAt), p.ID,
	)
	return expectOne(res, err, ledger.ErrPlanNotFound)
}

func (r planRepo) Delete(ctx context.Context, id ledger.PlanID) error {
	res, err := r.v.exec(ctx, `DELETE FROM plans WHERE id = ?`, id)
	return expectOne(res, err, ledger.ErrPlanNotFound)
}

func (r planRepo) List(ctx context.Context, activeOnly bool) ([]ledger.InvestmentPlan, error) {
	query := `SELECT ` + planColumns + ` FROM plans`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY CAST(minimum_amount AS REAL), name`

	rows, err := r.v.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var out []ledger.InvestmentPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPlan(row scanner) (ledger.InvestmentPlan, error) {
	var (
		p                     ledger.InvestmentPlan
		description           sql.NullString
		minimum, maximum, pct string
		createdAt, updatedAt  string
	)
	err := row.Scan(&p.ID, &p.Name, &description, &minimum, &maximum, &p.DurationDays,
		&pct, &p.Risk, &p.IsActive, &createdAt, &updatedAt)
	if err != nil {
		return p, err
	}
	p.Description = description.String
	var m moneyParser
	p.MinimumAmount = m.parse("minimum_amount", minimum)
	p.MaximumAmount = m.parse("maximum_amount", maximum)
	p.PercentageReturn = m.parse("percentage_return", pct)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, m.err
}

// =============================================================================
// POSITIONS
// =============================================================================

type positionRepo struct{ v *txView }

const positionColumns = `id, account_id, plan_id, plan_name, amount, percentage_return,
	duration_days, daily_profit, expected_return, total_profit, status, start_date, end_date,
	last_profit_distribution, completed_at, cancelled_at, cancel_reason, version,
	created_at, updated_at`

func (r positionRepo) Create(ctx context.Context, p ledger.Position) error {
	_, err := r.v.exec(ctx, `INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AccountID, p.PlanID, p.PlanName, p.Amount.String(), p.PercentageReturn.String(),
		p.DurationDays, p.DailyProfit.String(), p.ExpectedReturn.String(), p.TotalProfit.String(),
		p.Status, formatTime(p.StartDate), formatTime(p.EndDate),
		nullTime(p.LastProfitDistribution), nullTime(p.CompletedAt), nullTime(p.CancelledAt),
		nullString(p.CancelReason), p.Version, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return ledger.ErrDuplicateID
	}
	return err
}

func (r positionRepo) Get(ctx context.Context, id ledger.PositionID) (*ledger.Position, error) {
	row := r.v.q.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}

	rows, err := r.v.q.QueryContext(ctx,
		`SELECT amount, date, balance_after FROM profit_distributions
		 WHERE position_id = ? ORDER BY date, rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load distributions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var amount, date, after string
		if err := rows.Scan(&amount, &date, &after); err != nil {
			return nil, err
		}
		var m moneyParser
		p.ProfitDistributions = append(p.ProfitDistributions, ledger.ProfitDistribution{
			Amount:       m.parse("amount", amount),
			Date:         parseTime(date),
			BalanceAfter: m.parse("balance_after", after),
		})
		if m.err != nil {
			return nil, m.err
		}
	}
	return &p, rows.Err()
}

// Update writes p only if the stored version still equals p.Version.
func (r positionRepo) Update(ctx context.Context, p ledger.Position) error {
	res, err := r.v.exec(ctx, `UPDATE positions SET total_profit = ?, status = ?,
		last_profit_distribution = ?, completed_at = ?, cancelled_at = ?, cancel_reason = ?,
		version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		p.TotalProfit.String(), p.Status, nullTime(p.LastProfitDistribution),
		nullTime(p.CompletedAt), nullTime(p.CancelledAt), nullString(p.CancelReason),
		formatTime(p.UpdatedAt), p.ID, p.Version,
	)
	return expectOne(res, err, ledger.ErrConcurrentModification)
}

func (r positionRepo) AppendDistribution(ctx context.Context, id ledger.PositionID, d ledger.ProfitDistribution) error {
	_, err := r.v.exec(ctx,
		`INSERT INTO profit_distributions (position_id, amount, date, balance_after) VALUES (?, ?, ?, ?)`,
		id, d.Amount.String(), formatTime(d.Date), d.BalanceAfter.String())
	return err
}

func (r positionRepo) ListByAccount(ctx context.Context, accountID ledger.AccountID) ([]ledger.Position, error) {
	return r.query(ctx, `SELECT `+positionColumns+` FROM positions WHERE account_id = ? ORDER BY created_at`, accountID)
}

func (r positionRepo) ListActive(ctx context.Context) ([]ledger.Position, error) {
	return r.query(ctx, `SELECT `+positionColumns+` FROM positions WHERE status = 'active' ORDER BY created_at`)
}

func (r positionRepo) CountActiveByPlan(ctx context.Context, planID ledger.PlanID) (int, error) {
	var n int
	err := r.v.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM positions WHERE plan_id = ? AND status = 'active'`, planID).Scan(&n)
	return n, err
}

func (r positionRepo) query(ctx context.Context, query string, args ...any) ([]ledger.Position, error) {
	rows, err := r.v.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPosition(row scanner) (ledger.Position, error) {
	var (
		p                                    ledger.Position
		amount, pct, daily, expected, profit string
		startDate, endDate                   string
		lastDist, completedAt, cancelledAt   sql.NullString
		cancelReason                         sql.NullString
		createdAt, updatedAt                 string
	)
	err := row.Scan(&p.ID, &p.AccountID, &p.PlanID, &p.PlanName, &amount, &pct,
		&p.DurationDays, &daily, &expected, &profit, &p.Status, &startDate, &endDate,
		&lastDist, &completedAt, &cancelledAt, &cancelReason, &p.Version, &createdAt, &updatedAt)
	if err != nil {
		return p, err
	}
	var m moneyParser
	p.Amount = m.parse("amount", amount)
	p.PercentageReturn = m.parse("percentage_return", pct)
	p.DailyProfit = m.parse("daily_profit", daily)
	p.ExpectedReturn = m.parse("expected_return", expected)
	p.TotalProfit = m.parse("total_profit", profit)
	p.StartDate = parseTime(startDate)
	p.EndDate = parseTime(endDate)
	p.LastProfitDistribution = parseNullTime(lastDist)
	p.CompletedAt = parseNullTime(completedAt)
	p.CancelledAt = parseNullTime(cancelledAt)
	p.CancelReason = cancelReason.String
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, m.err
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

type allocationRepo struct{ v *txView }

const allocationColumns = `id, account_id, trader_id, trader_name, allocated_amount,
	total_earned, status, start_date, stopped_at, created_at, updated_at`

func (r allocationRepo) Create(ctx context.Context, a ledger.CopyTradingAllocation) error {
	_, err := r.v.exec(ctx, `INSERT INTO allocations (`+allocationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.AccountID, a.TraderID, a.TraderName, a.AllocatedAmount.String(),
		a.TotalEarned.String(), a.Status, formatTime(a.StartDate), nullTime(a.StoppedAt),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		if isActiveAllocationError(err) {
			return ledger.ErrActiveAllocationExists
		}
		return ledger.ErrDuplicateID
	}
	return err
}

func (r allocationRepo) Active(ctx context.Context, accountID ledger.AccountID) (*ledger.CopyTradingAllocation, error) {
	row := r.v.q.QueryRowContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE account_id = ? AND status = 'active'`, accountID)
	a, err := scanAllocation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active allocation: %w", err)
	}
	return &a, nil
}

func (r allocationRepo) Update(ctx context.Context, a ledger.CopyTradingAllocation) error {
	res, err := r.v.exec(ctx, `UPDATE allocations SET total_earned = ?, status = ?,
		stopped_at = ?, updated_at = ? WHERE id = ?`,
		a.TotalEarned.String(), a.Status, nullTime(a.StoppedAt), formatTime(a.UpdatedAt), a.ID)
	return expectOne(res, err, ledger.ErrNoActiveAllocation)
}

func (r allocationRepo) ListByAccount(ctx context.Context, accountID ledger.AccountID) ([]ledger.CopyTradingAllocation, error) {
	rows, err := r.v.q.QueryContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE account_id = ? ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	defer rows.Close()

	var out []ledger.CopyTradingAllocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAllocation(row scanner) (ledger.CopyTradingAllocation, error) {
	var (
		a                         ledger.CopyTradingAllocation
		amount, earned, startDate string
		stoppedAt                 sql.NullString
		createdAt, updatedAt      string
	)
	err := row.Scan(&a.ID, &a.AccountID, &a.TraderID, &a.TraderName, &amount, &earned,
		&a.Status, &startDate, &stoppedAt, &createdAt, &updatedAt)
	if err != nil {
		return a, err
	}
	var m moneyParser
	a.AllocatedAmount = m.parse("allocated_amount", amount)
	a.TotalEarned = m.parse("total_earned", earned)
	a.StartDate = parseTime(startDate)
	a.StoppedAt = parseNullTime(stoppedAt)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, m.err
}

// =============================================================================
// TRADERS
// =============================================================================

type traderRepo struct{ v *txView }

func (r traderRepo) Create(ctx context.Context, t ledger.Trader) error {
	_, err := r.v.exec(ctx,
		`INSERT INTO traders (id, name, strategy, risk, is_active, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, nullString(t.Strategy), t.Risk, t.IsActive, formatTime(t.CreatedAt))
	if isUniqueConstraintError(err) {
		return ledger.ErrDuplicateID
	}
	return err
}

func (r traderRepo) Get(ctx context.Context, id ledger.TraderID) (*ledger.Trader, error) {
	row := r.v.q.QueryRowContext(ctx,
		`SELECT id, name, strategy, risk, is_active, created_at FROM traders WHERE id = ?`, id)
	t, err := scanTrader(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrTraderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trader: %w", err)
	}
	return &t, nil
}

func (r traderRepo) List(ctx context.Context) ([]ledger.Trader, error) {
	rows, err := r.v.q.QueryContext(ctx,
		`SELECT id, name, strategy, risk, is_active, created_at FROM traders ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list traders: %w", err)
	}
	defer rows.Close()

	var out []ledger.Trader
	for rows.Next() {
		t, err := scanTrader(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTrader(row scanner) (ledger.Trader, error) {
	var (
		t         ledger.Trader
		strategy  sql.NullString
		createdAt string
	)
	if err := row.Scan(&t.ID, &t.Name, &strategy, &t.Risk, &t.IsActive, &createdAt); err != nil {
		return t, err
	}
	t.Strategy = strategy.String
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}

// =============================================================================
// OUTBOX
// =============================================================================

type outboxRepo struct{ v *txView }

func (r outboxRepo) Append(ctx context.Context, m ledger.OutboxMessage) error {
	_, err := r.v.exec(ctx, `INSERT INTO outbox (id, event_type, event_key, payload, created_at, attempts)
		VALUES (?, ?, ?, ?, ?, 0)`,
		m.ID, m.EventType, m.Key, m.Payload, formatTime(m.CreatedAt))
	if isUniqueConstraintError(err) {
		return ledger.ErrDuplicateID
	}
	return err
}

// Unpublished returns messages in insertion order. seq is monotonic, so
// two messages created in the same instant keep their order.
func (r outboxRepo) Unpublished(ctx context.Context, limit int) ([]ledger.OutboxMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.v.q.QueryContext(ctx, `SELECT id, event_type, event_key, payload, created_at,
		published_at, attempts, last_error
		FROM outbox WHERE published_at IS NULL ORDER BY seq LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	defer rows.Close()

	var out []ledger.OutboxMessage
	for rows.Next() {
		var (
			m                    ledger.OutboxMessage
			createdAt            string
			publishedAt, lastErr sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.EventType, &m.Key, &m.Payload, &createdAt,
			&publishedAt, &m.Attempts, &lastErr); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(createdAt)
		m.PublishedAt = parseNullTime(publishedAt)
		m.LastError = lastErr.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r outboxRepo) MarkPublished(ctx context.Context, id string, at time.Time) error {
	res, err := r.v.exec(ctx, `UPDATE outbox SET published_at = ?, attempts = attempts + 1
		WHERE id = ?`, formatTime(at), id)
	return expectOne(res, err, ledger.ErrMessageNotFound)
}

func (r outboxRepo) MarkFailed(ctx context.Context, id string, reason string) error {
	res, err := r.v.exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_error = ?
		WHERE id = ?`, reason, id)
	return expectOne(res, err, ledger.ErrMessageNotFound)
}

// Helper functions

func expectOne(res sql.Result, err error, none error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return none
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Fixed-width so that text comparison orders rows by time.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
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

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// SQLite reports partial-index violations by column, not by index name.
func isActiveAllocationError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "allocations.account_id")
}
