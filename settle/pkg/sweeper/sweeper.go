// Package sweeper expires overdue referral chains in the background so
// stale chains release their contact locks without waiting for traffic.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

const DefaultInterval = time.Minute

// ChainExpirer is the slice of the chain store the sweeper drives.
type ChainExpirer interface {
	ExpireDue(ctx context.Context) (int, error)
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Chains   ChainExpirer
	Interval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Chains == nil {
		return errors.New("chain expirer is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return nil
}

type Sweeper struct {
	log      *slog.Logger
	clock    clockwork.Clock
	chains   ChainExpirer
	interval time.Duration
}

func New(cfg Config) (*Sweeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sweeper{
		log:      cfg.Logger,
		clock:    cfg.Clock,
		chains:   cfg.Chains,
		interval: cfg.Interval,
	}, nil
}

// Run sweeps once immediately, then on every tick until the context is
// canceled. Sweep failures are logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info("sweeper: started", "interval", s.interval)

	s.sweep(ctx)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper: stopped")
			return nil
		case <-ticker.Chan():
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	expired, err := s.chains.ExpireDue(ctx)
	if err != nil {
		s.log.Error("sweeper: sweep failed", "error", err)
		return
	}
	if expired > 0 {
		s.log.Info("sweeper: expired overdue chains", "count", expired)
	}
}
