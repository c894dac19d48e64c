package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/quantrail/controlplane/internal/store"
)

// RetentionSweeper periodically drops terminal orders from the live table
// once they have been terminal for longer than the retention window. The
// order store's terminal index keeps each sweep proportional to the number
// of expired orders.
type RetentionSweeper struct {
	interval time.Duration
	window   time.Duration
	orders   *store.OrderStore
	logger   *slog.Logger
}

// NewRetentionSweeper creates a sweeper over the given order store.
func NewRetentionSweeper(interval, window time.Duration, orders *store.OrderStore, logger *slog.Logger) *RetentionSweeper {
	return &RetentionSweeper{
		interval: interval,
		window:   window,
		orders:   orders,
		logger:   logger,
	}
}

// Start launches a background goroutine that ticks at the configured
// interval and sweeps expired terminal orders. It stops when ctx is
// cancelled.
func (s *RetentionSweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				s.sweep(t)
			}
		}
	}()
}

func (s *RetentionSweeper) sweep(now time.Time) {
	dropped := s.orders.SweepTerminal(now.Add(-s.window))
	if dropped > 0 {
		s.logger.Debug("retention sweep", slog.Int("dropped", dropped))
	}
}
