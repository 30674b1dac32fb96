/*
scheduler.go - Automated accrual scheduler

PURPOSE:
  Periodically runs the accrual tick, which credits hourly profit to active
  positions and settles the ones that have matured.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Each run first takes the "accrual" lease, so when several processes
    share a database only one of them ticks at a time
  - A run that finds the lease held is skipped, not queued
  - The manual admin trigger goes through RunNow and takes the same lease

CONFIGURATION:
  - Interval: How often to tick (default: 1 hour)
  - LeaseTTL: Upper bound on one run (default: 10 minutes)
  - Enabled:  Whether the background loop is active (default: true)

USAGE:
  scheduler := NewAccrualScheduler(run, locker, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - admin.go: RunAccrual endpoint (manual tick)
  - investment/accrual.go: RunAccrualTick
*/
package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/invest-ledger/investment"
	"github.com/warp/invest-ledger/lease"
)

const accrualLease = "accrual"

// AccrualScheduler runs the accrual tick on an interval.
type AccrualScheduler struct {
	Run      func(ctx context.Context) (investment.AccrualSummary, error)
	Locker   lease.Locker
	Interval time.Duration
	LeaseTTL time.Duration
	Enabled  bool

	log    *slog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewAccrualScheduler creates a new scheduler.
func NewAccrualScheduler(run func(ctx context.Context) (investment.AccrualSummary, error), locker lease.Locker, log *slog.Logger) *AccrualScheduler {
	return &AccrualScheduler{
		Run:      run,
		Locker:   locker,
		Interval: time.Hour,
		LeaseTTL: 10 * time.Minute,
		Enabled:  true,
		log:      log.With("component", "scheduler"),
	}
}

// Start begins the scheduler. The first tick runs immediately.
func (s *AccrualScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)

	go s.loop(ctx)

	s.log.Info("started", "interval", s.Interval)
}

// Stop stops the scheduler and waits for an in-flight run to return.
func (s *AccrualScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.cancel()
	s.wg.Wait()
	s.ticker = nil
	s.log.Info("stopped")
}

func (s *AccrualScheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.tick(ctx)
		case <-s.stop:
			return
		}
	}
}

func (s *AccrualScheduler) tick(ctx context.Context) {
	sum, err := s.RunNow(ctx)
	switch {
	case errors.Is(err, lease.ErrHeld):
		s.log.Debug("tick skipped, lease held elsewhere")
	case err != nil:
		s.log.Error("tick failed", "error", err)
	case sum.Failed > 0:
		s.log.Warn("tick completed with failures",
			"scanned", sum.Scanned,
			"accrued", sum.Accrued,
			"completed", sum.Completed,
			"failed", sum.Failed,
		)
	default:
		s.log.Info("tick completed",
			"scanned", sum.Scanned,
			"accrued", sum.Accrued,
			"completed", sum.Completed,
			"skipped", sum.Skipped,
		)
	}
}

// RunNow runs one tick under the accrual lease. It returns lease.ErrHeld
// when another run holds it.
func (s *AccrualScheduler) RunNow(ctx context.Context) (investment.AccrualSummary, error) {
	release, err := s.Locker.Acquire(ctx, accrualLease, s.LeaseTTL)
	if err != nil {
		return investment.AccrualSummary{}, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("lease release failed", "error", err)
		}
	}()

	return s.Run(ctx)
}
