package ledger

import "time"

// OutboxMessage is a notification written in the same atomic unit as the
// change it describes. A relay publishes it after commit, so a committed
// change always produces its message and a rolled-back one never does.
//
// Delivery is at least once: a relay that crashes between publishing and
// MarkPublished sends the message again on restart.
type OutboxMessage struct {
	ID        string
	EventType string
	// Key orders delivery; messages with the same key are published in
	// append order.
	Key         string
	Payload     []byte
	CreatedAt   time.Time
	PublishedAt *time.Time
	Attempts    int
	LastError   string
}
