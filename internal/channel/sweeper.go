package channel

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ChikamsoChidebe/Photonx/internal/model"
	"github.com/ChikamsoChidebe/Photonx/internal/photonerr"
)

// Sweeper drives time-based transitions: channels past their deadline move
// to timed_out, timed-out channels past the dispute window move to expired,
// and idle cache entries are evicted.
type Sweeper struct {
	machine  *Machine
	interval time.Duration
	logger   *logrus.Logger
}

// NewSweeper builds a sweeper ticking at the given interval.
func NewSweeper(machine *Machine, interval time.Duration, logger *logrus.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sweeper{machine: machine, interval: interval, logger: logger}
}

// Run blocks until ctx is done, sweeping once per tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case now := <-ticker.C:
			s.Sweep(ctx, now)
		}
	}
}

// Sweep runs a single pass. Exported so tests can drive it directly.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	ids, err := s.machine.store.ListChannels(ctx)
	if err != nil {
		s.logger.WithError(err).Error("sweep: list channels")
		return
	}
	for _, id := range ids {
		ch, err := s.machine.GetState(ctx, id)
		if err != nil {
			if !photonerr.Is(err, photonerr.KindNotFound) {
				s.logger.WithError(err).WithField("channel", id).Warn("sweep: load channel")
			}
			continue
		}
		switch ch.Status {
		case model.StatusActive, model.StatusCheckpointing:
			if !now.Before(ch.TimeoutAt) {
				if err := s.machine.MarkTimedOut(ctx, id); err != nil {
					s.logger.WithError(err).WithField("channel", id).Warn("sweep: mark timed out")
				}
			}
		case model.StatusTimedOut:
			if !now.Before(ch.TimeoutAt.Add(s.machine.cfg.DisputeWindow)) {
				if err := s.machine.MarkExpired(ctx, id); err != nil {
					s.logger.WithError(err).WithField("channel", id).Warn("sweep: mark expired")
				}
			}
		}
	}
	if n := s.machine.EvictIdle(now); n > 0 {
		s.logger.WithField("evicted", n).Debug("sweep: idle cache entries evicted")
	}
}
