/*
store.go - Persistence interfaces and the atomic unit of work

PURPOSE:
  Defines the boundary between workflows and the database. Every workflow
  that touches a balance and a record together runs inside
  Store.RunAtomic, so both writes commit or neither does.

KEY INTERFACES:
  Store:          Entry point; RunAtomic plus read-only access
  Tx:             Repositories bound to one atomic unit
  AccountRepo:    Balance store (Lock = read-for-update)
  EntryRepo:      Append-only ledger with conditional settlement
  PlanRepo:       Investment plan catalog
  PositionRepo:   Investment positions (optimistic version)
  AllocationRepo: Copy-trading allocations
  TraderRepo:     Copy-trading trader catalog
  OutboxRepo:     Notifications committed with the change they describe

LOCKING CONTRACT:
  AccountRepo.Lock must be called before validating and mutating a
  balance. Adapters guarantee that a second Lock on the same account in a
  concurrent unit blocks until the first unit ends:
  - store/postgres: SELECT ... FOR UPDATE
  - store/sqlite:   write transactions are serialized
  - ledger/store:   RunAtomic holds a store-wide mutex

CONDITIONAL SETTLEMENT:
  EntryRepo.Settle only matches entries that are still pending and of the
  expected type. A second approval finds nothing and returns ErrNotPending,
  so double-processing is prevented by the write itself, not by a prior read.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests
  - store/sqlite/sqlite.go: SQLite (default)
  - store/postgres/postgres.go: PostgreSQL via pgx

OUTBOX:
  Workflows append an OutboxMessage inside the same unit as the balance
  change. events.Relay reads unpublished messages outside any unit and
  marks each one published in a unit of its own.

SEE ALSO:
  - ledger.go: Record primitive used inside RunAtomic
  - outbox.go: OutboxMessage
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Atomic unit of work
// =============================================================================

// Store runs atomic units and offers read-only access outside them.
type Store interface {
	// RunAtomic executes fn within a transaction.
	// If fn returns error, every write made through tx is rolled back.
	RunAtomic(ctx context.Context, fn func(tx Tx) error) error

	// Read returns repositories for queries outside an atomic unit.
	// Writes through them are not allowed.
	Read() Tx
}

// Tx exposes repositories bound to one atomic unit.
type Tx interface {
	Accounts() AccountRepo
	Entries() EntryRepo
	Plans() PlanRepo
	Positions() PositionRepo
	Allocations() AllocationRepo
	Traders() TraderRepo
	Outbox() OutboxRepo
}

// =============================================================================
// REPOSITORIES
// =============================================================================

type AccountRepo interface {
	Create(ctx context.Context, a Account) error
	Get(ctx context.Context, id AccountID) (*Account, error)
	// Lock reads the account and holds it until the unit ends.
	Lock(ctx context.Context, id AccountID) (*Account, error)
	Update(ctx context.Context, a Account) error
	List(ctx context.Context) ([]Account, error)
}

type EntryRepo interface {
	// Append inserts a new entry. This is the only way entries are created.
	Append(ctx context.Context, e Entry) error
	Get(ctx context.Context, id EntryID) (*Entry, error)
	// Settle moves a pending entry of type t out of pending.
	// Returns ErrNotPending if no pending entry of that type has the id.
	Settle(ctx context.Context, id EntryID, t EntryType, s Settlement) error
	ListByAccount(ctx context.Context, accountID AccountID, f EntryFilter) ([]Entry, error)
	// ListPending returns pending entries of type t, oldest first.
	ListPending(ctx context.Context, t EntryType) ([]Entry, error)
}

type PlanRepo interface {
	Create(ctx context.Context, p InvestmentPlan) error
	Get(ctx context.Context, id PlanID) (*InvestmentPlan, error)
	Update(ctx context.Context, p InvestmentPlan) error
	Delete(ctx context.Context, id PlanID) error
	List(ctx context.Context, activeOnly bool) ([]InvestmentPlan, error)
}

type PositionRepo interface {
	Create(ctx context.Context, p Position) error
	// Get returns the position with its profit distributions.
	Get(ctx context.Context, id PositionID) (*Position, error)
	// Update writes p if the stored version equals p.Version, then bumps it.
	// Returns ErrConcurrentModification otherwise.
	Update(ctx context.Context, p Position) error
	AppendDistribution(ctx context.Context, id PositionID, d ProfitDistribution) error
	ListByAccount(ctx context.Context, accountID AccountID) ([]Position, error)
	ListActive(ctx context.Context) ([]Position, error)
	CountActiveByPlan(ctx context.Context, planID PlanID) (int, error)
}

type AllocationRepo interface {
	Create(ctx context.Context, a CopyTradingAllocation) error
	// Active returns the active allocation of an account, or nil.
	Active(ctx context.Context, accountID AccountID) (*CopyTradingAllocation, error)
	Update(ctx context.Context, a CopyTradingAllocation) error
	ListByAccount(ctx context.Context, accountID AccountID) ([]CopyTradingAllocation, error)
}

type TraderRepo interface {
	Create(ctx context.Context, t Trader) error
	Get(ctx context.Context, id TraderID) (*Trader, error)
	List(ctx context.Context) ([]Trader, error)
}

type OutboxRepo interface {
	Append(ctx context.Context, m OutboxMessage) error
	// Unpublished returns up to limit unpublished messages, oldest first.
	// A limit <= 0 returns all of them.
	Unpublished(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
	// MarkFailed counts a failed attempt and keeps the message unpublished.
	MarkFailed(ctx context.Context, id string, reason string) error
}
