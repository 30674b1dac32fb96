package investment

import (
	"context"
	"time"

	"github.com/warp/invest-ledger/ledger"
)

// AccruePosition runs the per-position step of a tick and returns its error.
func (s *Service) AccruePosition(ctx context.Context, id ledger.PositionID, now time.Time) error {
	_, err := s.accrue(ctx, id, now)
	return err
}
