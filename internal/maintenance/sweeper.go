package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/veridianlabs/veriface/internal/identity"
	"go.uber.org/zap"
)

// Expired code material lingers this long before the sweeper clears it, so a
// user who just missed the window still sees OtpExpired rather than a vanished
// code.
const expiryGracePeriod = 1 * time.Hour

var errMissingStore = errors.New("maintenance: identity store is required")

// SweeperConfig bundles settings for the periodic cleanup job.
type SweeperConfig struct {
	Store    *identity.Store
	Interval time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Sweeper periodically clears long-expired activation and action codes.
// Sweeping does not change activation semantics: an unverified identity whose
// code was cleared still reports the code as expired at verification time.
type Sweeper struct {
	store     *identity.Store
	interval  time.Duration
	clock     func() time.Time
	logger    *zap.Logger
	scheduler *gocron.Scheduler
}

// NewSweeper constructs the sweeper. An interval of zero disables it; Start
// then becomes a no-op.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("maintenance: interval must not be negative, got %v", cfg.Interval)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Sweeper{
		store:    cfg.Store,
		interval: cfg.Interval,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Start schedules the sweep on its interval.
func (s *Sweeper) Start() error {
	if s.interval == 0 {
		s.logger.Info("code sweeper disabled")
		return nil
	}

	scheduler := gocron.NewScheduler(time.UTC)
	if _, err := scheduler.Every(s.interval).Do(s.runSweep); err != nil {
		return fmt.Errorf("maintenance: scheduling sweep: %w", err)
	}
	scheduler.StartAsync()
	s.scheduler = scheduler

	s.logger.Info("code sweeper started", zap.Duration("interval", s.interval))
	return nil
}

// Stop halts the scheduled job. Safe to call when never started.
func (s *Sweeper) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

func (s *Sweeper) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, _, err := s.SweepOnce(ctx); err != nil {
		s.logger.Error("code sweep failed", zap.Error(err))
	}
}

// SweepOnce clears activation and action codes that expired before the grace
// cutoff, returning how many of each were removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, int64, error) {
	cutoff := s.clock().UTC().Add(-expiryGracePeriod)

	activations, err := s.store.SweepExpiredActivationCodes(ctx, cutoff)
	if err != nil {
		return 0, 0, err
	}
	actions, err := s.store.SweepExpiredActionCodes(ctx, cutoff)
	if err != nil {
		return activations, 0, err
	}

	if activations > 0 || actions > 0 {
		s.logger.Info("expired codes swept",
			zap.Int64("activation_codes", activations),
			zap.Int64("action_codes", actions))
	}
	return activations, actions, nil
}
