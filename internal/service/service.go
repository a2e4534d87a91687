package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"compliance-watch/internal/risk"
	"compliance-watch/internal/scheduler"
	"compliance-watch/internal/storage"
)

// Monitor is the polling side of the service.
type Monitor interface {
	Start(ctx context.Context) (int, error)
	// Resync realigns live polling jobs with stored risk scores.
	Resync(ctx context.Context) (int, error)
	Stop()
}

// Escalator restores and stops escalation timers.
type Escalator interface {
	Recover(ctx context.Context) (int, error)
	Stop()
}

// Sweeper purges expired alerts.
type Sweeper interface {
	CleanupOldAlerts(ctx context.Context) (int64, error)
}

// Recalculator refreshes every entity's risk score.
type Recalculator interface {
	RecalculateAll(ctx context.Context) (risk.BatchSummary, error)
}

// Options tune the maintenance loop.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
	LockKey      int64
	// Recalculate enables the batch risk refresh on each maintenance tick.
	Recalculate bool
}

// Service composes the monitor, escalation recovery and housekeeping.
type Service struct {
	monitor      Monitor
	escalator    Escalator
	sweeper      Sweeper
	recalculator Recalculator
	maintenance  *scheduler.Scheduler
	locker       storage.AdvisoryLocker
	opts         Options
	logger       zerolog.Logger
}

// New constructs the monitoring service. locker may be nil.
func New(mon Monitor, esc Escalator, sweeper Sweeper, recalc Recalculator, locker storage.AdvisoryLocker, opts Options, logger zerolog.Logger) *Service {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	return &Service{
		monitor:      mon,
		escalator:    esc,
		sweeper:      sweeper,
		recalculator: recalc,
		maintenance: scheduler.New(scheduler.Options{
			Interval:     opts.Interval,
			AlignToStart: true,
			StartupDelay: opts.StartupDelay,
		}, logger),
		locker: locker,
		opts:   opts,
		logger: logger.With().Str("component", "service").Logger(),
	}
}

// Run recovers escalations, starts monitoring and runs maintenance until ctx
// is cancelled. Timers are stopped before it returns.
func (s *Service) Run(ctx context.Context) error {
	defer s.escalator.Stop()
	recovered, err := s.escalator.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover escalations: %w", err)
	}

	defer s.monitor.Stop()
	scheduled, err := s.monitor.Start(ctx)
	if err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}
	s.logger.Info().Int("escalations", recovered).Int("entities", scheduled).Dur("maintenance_interval", s.opts.Interval).Msg("service started")

	err = s.maintenance.Run(ctx, s.Maintain)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Maintain runs one housekeeping pass. It is skipped when another process
// holds the advisory lock.
func (s *Service) Maintain(ctx context.Context, tick time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip maintenance because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	var errs []error
	removed, err := s.sweeper.CleanupOldAlerts(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("cleanup alerts: %w", err))
	} else {
		s.logger.Info().Time("tick", tick).Int64("removed", removed).Msg("alert retention sweep done")
	}

	if s.opts.Recalculate && s.recalculator != nil {
		summary, err := s.recalculator.RecalculateAll(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("recalculate scores: %w", err))
		} else {
			s.logger.Info().Int("total", summary.Total).Int("failed", summary.Failed).Dur("took", summary.Duration).Msg("risk scores recalculated")
			moved, err := s.monitor.Resync(ctx)
			if err != nil {
				errs = append(errs, fmt.Errorf("resync polling jobs: %w", err))
			} else if moved > 0 {
				s.logger.Info().Int("rescheduled", moved).Msg("polling jobs follow recalculated scores")
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
