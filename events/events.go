// Package events carries ledger notifications to a broker.
//
// Workflows write events to the store's outbox inside the atomic unit that
// changes the balance (Recorded, Settled). Relay publishes them after
// commit, so a committed change is never lost and a rolled-back one is
// never announced. Delivery is at least once.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/warp/invest-ledger/ledger"
)

const (
	EntryRecorded = "ledger.entry.recorded"
	EntrySettled  = "ledger.entry.settled"
)

// Event is the JSON payload sent for every ledger change.
type Event struct {
	Type          string    `json:"type"`
	EntryID       string    `json:"entryId"`
	AccountID     string    `json:"accountId"`
	EntryType     string    `json:"entryType"`
	Status        string    `json:"status"`
	Amount        string    `json:"amount"`
	BalanceBefore string    `json:"balanceBefore"`
	BalanceAfter  string    `json:"balanceAfter"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// FromEntry builds an event of the given type from an entry.
func FromEntry(eventType string, e ledger.Entry) Event {
	return Event{
		Type:          eventType,
		EntryID:       string(e.ID),
		AccountID:     string(e.AccountID),
		EntryType:     string(e.Type),
		Status:        string(e.Status),
		Amount:        e.Amount.String(),
		BalanceBefore: e.BalanceBefore.String(),
		BalanceAfter:  e.BalanceAfter.String(),
		OccurredAt:    e.UpdatedAt,
	}
}

// Key is the partition key; events of one account stay ordered.
func (e Event) Key() string { return e.AccountID }

func (e Event) Marshal() ([]byte, error) { return json.Marshal(e) }

// Decode parses a payload produced by Marshal.
func Decode(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}

// Publisher sends events to a broker.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, ...Event) error { return nil }
func (Noop) Close() error                            { return nil }

// Recorder keeps published events in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, events ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
