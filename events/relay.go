package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/invest-ledger/lease"
	"github.com/warp/invest-ledger/ledger"
)

const relayLease = "outbox-relay"

// Relay publishes committed outbox messages. Each pass reads unpublished
// messages oldest first, publishes them one by one and marks each one in
// its own atomic unit.
//
// A publish failure stops the pass, so a later message with the same key
// never overtakes an earlier one. A crash between Publish and
// MarkPublished sends the message again: delivery is at least once and
// consumers dedupe on entryId.
type Relay struct {
	Store     ledger.Store
	Publisher Publisher
	Interval  time.Duration
	BatchSize int

	// Optional. When set, a pass runs only while holding the relay lease,
	// so several processes sharing a database do not publish concurrently.
	Locker   lease.Locker
	LeaseTTL time.Duration

	// Now is the clock. Tests replace it.
	Now func() time.Time

	log     *slog.Logger
	stop    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewRelay returns a relay polling every 2 seconds in batches of 100.
func NewRelay(store ledger.Store, publisher Publisher, log *slog.Logger) *Relay {
	if publisher == nil {
		publisher = Noop{}
	}
	return &Relay{
		Store:     store,
		Publisher: publisher,
		Interval:  2 * time.Second,
		BatchSize: 100,
		LeaseTTL:  time.Minute,
		Now:       time.Now,
		log:       log.With("component", "outbox_relay"),
	}
}

// Start runs passes in the background until Stop. The first pass runs
// immediately.
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.stop = make(chan struct{})
	r.running = true
	r.wg.Add(1)
	go r.loop(ctx)

	r.log.Info("started", "interval", r.Interval, "batch_size", r.BatchSize)
}

// Stop ends the loop and waits for an in-flight pass to return.
func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	close(r.stop)
	r.cancel()
	r.wg.Wait()
	r.running = false
	r.log.Info("stopped")
}

func (r *Relay) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		r.pass(ctx)
		select {
		case <-ticker.C:
		case <-r.stop:
			return
		}
	}
}

func (r *Relay) pass(ctx context.Context) {
	n, err := r.RunOnce(ctx)
	switch {
	case errors.Is(err, lease.ErrHeld):
		r.log.Debug("pass skipped, lease held elsewhere")
	case err != nil && ctx.Err() == nil:
		r.log.Error("pass failed", "outcome", "failure", "error", err)
	case n > 0:
		r.log.Debug("pass finished", "outcome", "success", "published", n)
	}
}

// RunOnce publishes up to BatchSize messages and returns how many were
// published. A publish failure is recorded on the message and ends the
// pass without an error; storage failures are returned.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	if r.Locker != nil {
		release, err := r.Locker.Acquire(ctx, relayLease, r.LeaseTTL)
		if err != nil {
			return 0, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				r.log.Warn("lease release failed", "error", err)
			}
		}()
	}

	msgs, err := r.Store.Read().Outbox().Unpublished(ctx, r.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch outbox: %w", err)
	}

	published := 0
	for _, m := range msgs {
		ev, err := Decode(m.Payload)
		if err != nil {
			// Undecodable payloads can never succeed; record and move on.
			if err := r.markFailed(ctx, m, err); err != nil {
				return published, err
			}
			continue
		}

		if err := r.Publisher.Publish(ctx, ev); err != nil {
			if err := r.markFailed(ctx, m, err); err != nil {
				return published, err
			}
			return published, nil
		}

		err = r.Store.RunAtomic(ctx, func(tx ledger.Tx) error {
			return tx.Outbox().MarkPublished(ctx, m.ID, r.Now())
		})
		if err != nil {
			return published, fmt.Errorf("mark %s published: %w", m.ID, err)
		}
		published++
	}
	return published, nil
}

func (r *Relay) markFailed(ctx context.Context, m ledger.OutboxMessage, cause error) error {
	r.log.WarnContext(ctx, "publish failed",
		"operation", "publish",
		"outcome", "failure",
		"message_id", m.ID,
		"event_type", m.EventType,
		"attempts", m.Attempts+1,
		"error", cause,
	)
	err := r.Store.RunAtomic(ctx, func(tx ledger.Tx) error {
		return tx.Outbox().MarkFailed(ctx, m.ID, cause.Error())
	})
	if err != nil {
		return fmt.Errorf("mark %s failed: %w", m.ID, err)
	}
	return nil
}
