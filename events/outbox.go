package events

import (
	"context"
	"fmt"

	"github.com/warp/invest-ledger/ledger"
)

// Recorded writes an EntryRecorded event for e to the outbox of tx.
func Recorded(ctx context.Context, tx ledger.Tx, e ledger.Entry) error {
	return enqueue(ctx, tx, FromEntry(EntryRecorded, e))
}

// Settled writes an EntrySettled event for e to the outbox of tx.
func Settled(ctx context.Context, tx ledger.Tx, e ledger.Entry) error {
	return enqueue(ctx, tx, FromEntry(EntrySettled, e))
}

// enqueue must run inside RunAtomic so the message commits or rolls back
// with the change it describes.
func enqueue(ctx context.Context, tx ledger.Tx, ev Event) error {
	payload, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	return tx.Outbox().Append(ctx, ledger.OutboxMessage{
		ID:        ledger.NewID(),
		EventType: ev.Type,
		Key:       ev.Key(),
		Payload:   payload,
		CreatedAt: ev.OccurredAt,
	})
}
