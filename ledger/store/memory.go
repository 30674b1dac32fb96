// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/warp/invest-ledger/ledger"
)

var errReadOnly = errors.New("write outside RunAtomic")

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps all records in maps. RunAtomic holds a store-wide lock for
// the whole unit, which serializes writers and satisfies the Lock contract.
type Memory struct {
	mu   sync.RWMutex
	data *memoryData
}

type memoryData struct {
	accounts      map[ledger.AccountID]ledger.Account
	entries       map[ledger.EntryID]ledger.Entry
	entryOrder    []ledger.EntryID
	plans         map[ledger.PlanID]ledger.InvestmentPlan
	positions     map[ledger.PositionID]ledger.Position
	distributions map[ledger.PositionID][]ledger.ProfitDistribution
	allocations   map[ledger.AllocationID]ledger.CopyTradingAllocation
	traders       map[ledger.TraderID]ledger.Trader
	outbox        []ledger.OutboxMessage
}

func NewMemory() *Memory {
	return &Memory{data: &memoryData{
		accounts:      make(map[ledger.AccountID]ledger.Account),
		entries:       make(map[ledger.EntryID]ledger.Entry),
		plans:         make(map[ledger.PlanID]ledger.InvestmentPlan),
		positions:     make(map[ledger.PositionID]ledger.Position),
		distributions: make(map[ledger.PositionID][]ledger.ProfitDistribution),
		allocations:   make(map[ledger.AllocationID]ledger.CopyTradingAllocation),
		traders:       make(map[ledger.TraderID]ledger.Trader),
	}}
}

// RunAtomic executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) RunAtomic(ctx context.Context, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(&view{m: m, atomic: true}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

// Read returns a read-only view. Each call takes the read lock.
func (m *Memory) Read() ledger.Tx {
	return &view{m: m}
}

func (d *memoryData) clone() *memoryData {
	c := &memoryData{
		accounts:      make(map[ledger.AccountID]ledger.Account, len(d.accounts)),
		entries:       make(map[ledger.EntryID]ledger.Entry, len(d.entries)),
		entryOrder:    append([]ledger.EntryID{}, d.entryOrder...),
		plans:         make(map[ledger.PlanID]ledger.InvestmentPlan, len(d.plans)),
		positions:     make(map[ledger.PositionID]ledger.Position, len(d.positions)),
		distributions: make(map[ledger.PositionID][]ledger.ProfitDistribution, len(d.distributions)),
		allocations:   make(map[ledger.AllocationID]ledger.CopyTradingAllocation, len(d.allocations)),
		traders:       make(map[ledger.TraderID]ledger.Trader, len(d.traders)),
		outbox:        append([]ledger.OutboxMessage{}, d.outbox...),
	}
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.entries {
		c.entries[k] = v
	}
	for k, v := range d.plans {
		c.plans[k] = v
	}
	for k, v := range d.positions {
		c.positions[k] = v
	}
	for k, v := range d.distributions {
		c.distributions[k] = append([]ledger.ProfitDistribution{}, v...)
	}
	for k, v := range d.allocations {
		c.allocations[k] = v
	}
	for k, v := range d.traders {
		c.traders[k] = v
	}
	return c
}

// =============================================================================
// VIEW - Repositories over the shared data
// =============================================================================

type view struct {
	m      *Memory
	atomic bool
}

func (v *view) read(fn func(d *memoryData) error) error {
	if !v.atomic {
		v.m.mu.RLock()
		defer v.m.mu.RUnlock()
	}
	return fn(v.m.data)
}

func (v *view) write(fn func(d *memoryData) error) error {
	if !v.atomic {
		return errReadOnly
	}
	return fn(v.m.data)
}

func (v *view) Accounts() ledger.AccountRepo       { return accountRepo{v} }
func (v *view) Entries() ledger.EntryRepo          { return entryRepo{v} }
func (v *view) Plans() ledger.PlanRepo             { return planRepo{v} }
func (v *view) Positions() ledger.PositionRepo     { return positionRepo{v} }
func (v *view) Allocations() ledger.AllocationRepo { return allocationRepo{v} }
func (v *view) Traders() ledger.TraderRepo         { return traderRepo{v} }
func (v *view) Outbox() ledger.OutboxRepo          { return outboxRepo{v} }

// =============================================================================
// ACCOUNTS
// =============================================================================

type accountRepo struct{ v *view }

func (r accountRepo) Create(_ context.Context, a ledger.Account) error {
	return r.v.write(func(d *memoryData) error {
		if _, ok := d.accounts[a.ID]; ok {
			return ledger.ErrDuplicateID
		}
		d.accounts[a.ID] = a
		return nil
	})
}

func (r accountRepo) Get(_ context.Context, id ledger.AccountID) (*ledger.Account, error) {
	var out *ledger.Account
	err := r.v.read(func(d *memoryData) error {
		a, ok := d.accounts[id]
		if !ok {
			return ledger.ErrAccountNotFound
		}
		out = &a
		return nil
	})
	return out, err
}

func (r accountRepo) Lock(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	if !r.v.atomic {
		return nil, errReadOnly
	}
	return r.Get(ctx, id)
}

func (r accountRepo) Update(_ context.Context, a ledger.Account) error {
	return r.v.write(func(d *memoryData) error {
		if _, ok := d.accounts[a.ID]; !ok {
			return ledger.ErrAccountNotFound
		}
		d.accounts[a.ID] = a
		return nil
	})
}

func (r accountRepo) List(_ context.Context) ([]ledger.Account, error) {
	var out []ledger.Account
	err := r.v.read(func(d *memoryData) error {
		for _, a := range d.accounts {
			out = append(out, a)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// =============================================================================
// ENTRIES
// =============================================================================

type entryRepo struct{ v *view }

func copyEntry(e ledger.Entry) ledger.Entry {
	if e.PaymentDetails != nil {
		details := make(map[string]string, len(e.PaymentDetails))
		for k, val := range e.PaymentDetails {
			details[k] = val
		}
		e.PaymentDetails = details
	}
	return e
}

func (r entryRepo) Append(_ context.Context, e ledger.Entry) error {
	return r.v.write(func(d *memoryData) error {
		if _, ok := d.entries[e.ID]; ok {
			return ledger.ErrDuplicateID
		}
		d.entries[e.ID] = copyEntry(e)
		d.entryOrder = append(d.entryOrder, e.ID)
		return nil
	})
}

func (r entryRepo) Get(_ context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	var out *ledger.Entry
	err := r.v.read(func(d *memoryData) error {
		e, ok := d.entries[id]
		if !ok {
			return ledger.ErrEntryNotFound
		}
		e = copyEntry(e)
		out = &e
		return nil
	})
	return out, err
}

func (r entryRepo) Settle(_ context.Context, id ledger.EntryID, t ledger.EntryType, s ledger.Settlement) error {
	return r.v.write(func(d *memoryData) error {
		e, ok := d.entries[id]
		if !ok || e.Type != t || e.Status != ledger.StatusPending {
			return ledger.ErrNotPending
		}
		e.Status = s.Status
		if s.BalanceAfter != nil {
			e.BalanceAfter = *s.BalanceAfter
		}
		at := s.ProcessedAt
		e.ProcessedBy = s.ProcessedBy
		e.ProcessedAt = &at
		e.RejectionReason = s.Reason
		e.UpdatedAt = at
		d.entries[id] = e
		return nil
	})
}

// ListByAccount returns newest first.
func (r entryRepo) ListByAccount(_ context.Context, accountID ledger.AccountID, f ledger.EntryFilter) ([]ledger.Entry, error) {
	var out []ledger.Entry
	err := r.v.read(func(d *memoryData) error {
		for i := len(d.entryOrder) - 1; i >= 0; i-- {
			e := d.entries[d.entryOrder[i]]
			if e.AccountID != accountID || !f.Matches(e) {
				continue
			}
			out = append(out, copyEntry(e))
			if f.Limit > 0 && len(out) == f.Limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (r entryRepo) ListPending(_ context.Context, t ledger.EntryType) ([]ledger.Entry, error) {
	var out []ledger.Entry
	err := r.v.read(func(d *memoryData) error {
		for _, id := range d.entryOrder {
			e := d.entries[id]
			if e.Status == ledger.StatusPending && (t == "" || e.Type == t) {
				out = append(out, copyEntry(e))
			}
		}
		return nil
	})
	return out, err
}

// =============================================================================
// PLANS
// =============================================================================

type planRepo struct{ v *view }

func (r planRepo) Create(_ context.Context, p ledger.InvestmentPlan) error {
	return r.v.write(func(d *memoryData) error {
		if _, ok := d.plans[p.ID]; ok {
			return ledger.ErrDuplicateID
		}
		d.plans[p.ID] = p
		return nil
	})
}

func (r planRepo) Get(_ context.Context, id ledger.PlanID) (*ledger.InvestmentPlan, error) {
	var out *ledger.InvestmentPlan
	err := r.v.read(func(d *memoryData) error {
		p, ok := d.plans[id]
		if !ok {
			return ledger.ErrPlanNotFound
		}
		out = &p
		return nil
	})
	return out, err
}

func (r planRepo) Update(_ context.Context, p ledger.InvestmentPlan) error {
	return r.v.write(func(d *memoryData) error {
		if _, ok := d.plans[p.ID]; !ok {
			return ledger.ErrPlanNotFound
		}
		d.plans[p.ID] = p
		return nil
	})
}

func (r planRepo) Delete(_ context.Context, id ledger.PlanID) error {
	return r.v.write(func(d *memoryData) error {
		if _, ok := d.plans[id]; !ok {
			return ledger.ErrPlanNotFound
		}
		delete(d.plans, id)
		return nil
	})
}

func (r planRepo) List(_ context.Context, activeOnly bool) ([]ledger.InvestmentPlan, error) {
	var out []ledger.InvestmentPlan
	err := r.v.read(func(d *memoryData) error {
		for _, p := range d.plans {
			if activeOnly && !p.IsActive {
				continue
			}
			out = append(out, p)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].MinimumAmount.LessThan(out[j].MinimumAmount) })
	return out, err
}

// =============================================================================
// POSITIONS
// =============================================================================

type positionRepo struct{ v *view }

func (r positionRepo) Create(_ context.Context, p ledger.Position) error {
	return r.v.write(func(d *memoryData) error {
		if _, ok := d.positions[p.ID]; ok {
			return ledger.ErrDuplicateID
		}
		p.ProfitDistributions = nil
		d.positions[p.ID] = p
		return nil
	})
}

func (r positionRepo) Get(_ context.Context, id ledger.PositionID) (*ledger.Position, error) {
	var out *ledger.Position
	err := r.v.read(func(d *memoryData) error {
		p, ok := d.positions[id]
		if !ok {
			return ledger.ErrPositionNotFound
		}
		p.ProfitDistributions = append([]ledger.ProfitDistribution{}, d.distributions[id]...)
		out = &p
		return nil
	})
	return out, err
}

func (r positionRepo) Update(_ context.Context, p ledger.Position) error {
	return r.v.write(func(d *memoryData) error {
		cur, ok := d.positions[p.ID]
		if !ok {
			return ledger.ErrPositionNotFound
		}
		if cur.Version != p.Version {
			return ledger.ErrConcurrentModification
		}
		p.Version++
		p.ProfitDistributions = nil
		d.positions[p.ID] = p
		return nil
	})
}

func (r positionRepo) AppendDistribution(_ context.Context, id ledger.PositionID, dist ledger.ProfitDistribution) error {
	return r.v.write(func(d *memoryData) error {
		if _, ok := d.positions[id]; !ok {
			return ledger.ErrPositionNotFound
		}
		d.distributions[id] = append(d.distributions[id], dist)
		return nil
	})
}

func (r positionRepo) list(match func(ledger.Position) bool) ([]ledger.Position, error) {
	var out []ledger.Position
	err := r.v.read(func(d *memoryData) error {
		for _, p := range d.positions {
			if match(p) {
				out = append(out, p)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (r positionRepo) ListByAccount(_ context.Context, accountID ledger.AccountID) ([]ledger.Position, error) {
	return r.list(func(p ledger.Position) bool { return p.AccountID == accountID })
}

func (r positionRepo) ListActive(_ context.Context) ([]ledger.Position, error) {
	return r.list(func(p ledger.Position) bool { return p.Status == ledger.PositionActive })
}

func (r positionRepo) CountActiveByPlan(_ context.Context, planID ledger.PlanID) (int, error) {
	active, err := r.list(func(p ledger.Position) bool {
		return p.PlanID == planID && p.Status == ledger.PositionActive
	})
	return len(active), err
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

type allocationRepo struct{ v *view }

func (r allocationRepo) Create(_ context.Context, a ledger.CopyTradingAllocation) error {
	return r.v.write(func(d *memoryData) error {
		if _, ok := d.allocations[a.ID]; ok {
			return ledger.ErrDuplicateID
		}
		if a.Status == ledger.AllocationActive {
			for _, existing := range d.allocations {
				if existing.AccountID == a.AccountID && existing.Status == ledger.AllocationActive {
					return ledger.ErrActiveAllocationExists
				}
			}
		}
		d.allocations[a.ID] = a
		return nil
	})
}

func (r allocationRepo) Active(_ context.Context, accountID ledger.AccountID) (*ledger.CopyTradingAllocation, error) {
	var out *ledger.CopyTradingAllocation
	err := r.v.read(func(d *memoryData) error {
		for _, a := range d.allocations {
			if a.AccountID == accountID && a.Status == ledger.AllocationActive {
				a := a
				out = &a
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (r allocationRepo) Update(_ context.Context, a ledger.CopyTradingAllocation) error {
	return r.v.write(func(d *memoryData) error {
		if _, ok := d.allocations[a.ID]; !ok {
			return ledger.ErrNoActiveAllocation
		}
		d.allocations[a.ID] = a
		return nil
	})
}

func (r allocationRepo) ListByAccount(_ context.Context, accountID ledger.AccountID) ([]ledger.CopyTradingAllocation, error) {
	var out []ledger.CopyTradingAllocation
	err := r.v.read(func(d *memoryData) error {
		for _, a := range d.allocations {
			if a.AccountID == accountID {
				out = append(out, a)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, err
}

// =============================================================================
// TRADERS
// =============================================================================

type traderRepo struct{ v *view }

func (r traderRepo) Create(_ context.Context, t ledger.Trader) error {
	return r.v.write(func(d *memoryData) error {
		if _, ok := d.traders[t.ID]; ok {
			return ledger.ErrDuplicateID
		}
		d.traders[t.ID] = t
		return nil
	})
}

func (r traderRepo) Get(_ context.Context, id ledger.TraderID) (*ledger.Trader, error) {
	var out *ledger.Trader
	err := r.v.read(func(d *memoryData) error {
		t, ok := d.traders[id]
		if !ok {
			return ledger.ErrTraderNotFound
		}
		out = &t
		return nil
	})
	return out, err
}

func (r traderRepo) List(_ context.Context) ([]ledger.Trader, error) {
	var out []ledger.Trader
	err := r.v.read(func(d *memoryData) error {
		for _, t := range d.traders {
			out = append(out, t)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

// =============================================================================
// OUTBOX
// =============================================================================

type outboxRepo struct{ v *view }

func (r outboxRepo) Append(_ context.Context, m ledger.OutboxMessage) error {
	return r.v.write(func(d *memoryData) error {
		for _, existing := range d.outbox {
			if existing.ID == m.ID {
				return ledger.ErrDuplicateID
			}
		}
		m.Payload = append([]byte(nil), m.Payload...)
		d.outbox = append(d.outbox, m)
		return nil
	})
}

func (r outboxRepo) Unpublished(_ context.Context, limit int) ([]ledger.OutboxMessage, error) {
	var out []ledger.OutboxMessage
	err := r.v.read(func(d *memoryData) error {
		for _, m := range d.outbox {
			if m.PublishedAt != nil {
				continue
			}
			if limit > 0 && len(out) == limit {
				break
			}
			m.Payload = append([]byte(nil), m.Payload...)
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

func (r outboxRepo) MarkPublished(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(m *ledger.OutboxMessage) {
		m.PublishedAt = &at
		m.Attempts++
	})
}

func (r outboxRepo) MarkFailed(_ context.Context, id string, reason string) error {
	return r.update(id, func(m *ledger.OutboxMessage) {
		m.Attempts++
		m.LastError = reason
	})
}

func (r outboxRepo) update(id string, fn func(m *ledger.OutboxMessage)) error {
	return r.v.write(func(d *memoryData) error {
		for i := range d.outbox {
			if d.outbox[i].ID == id {
				fn(&d.outbox[i])
				return nil
			}
		}
		return ledger.ErrMessageNotFound
	})
}
