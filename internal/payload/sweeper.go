package payload

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultTTL           = 24 * time.Hour
	DefaultSweepInterval = time.Minute
)

// Sweeper deletes payloads older than TTL on a fixed interval, independent of
// message delivery.
type Sweeper struct {
	store    Store
	logger   *slog.Logger
	TTL      time.Duration
	Interval time.Duration
	now      func() time.Time
}

func NewSweeper(store Store, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		logger:   logger,
		TTL:      DefaultTTL,
		Interval: DefaultSweepInterval,
		now:      time.Now,
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.logger.Info("payload sweeper started", "ttl", s.TTL, "interval", s.Interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("payload sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Warn("payload sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs a single pass.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	removed, err := s.store.Sweep(ctx, s.now().Add(-s.TTL))
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		s.logger.Debug("swept payloads", "removed", removed)
	}
	return removed, nil
}
