// Package scheduler runs the periodic maintenance jobs: the stale request
// sweep and the daily counter resets.
package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tejzpr/agentmart/internal/config"
)

// DailyResetSchedule fires at 00:00 UTC.
const DailyResetSchedule = "0 0 * * *"

type Expirer interface {
	ExpireStale(ctx context.Context, newTTL, paidTTL time.Duration) (int, error)
}

type CounterResetter interface {
	ResetDaily(ctx context.Context) error
}

// Resetters resets every counter in turn. A failure does not stop the rest;
// the first error is returned.
type Resetters []CounterResetter

func (rs Resetters) ResetDaily(ctx context.Context) error {
	var first error
	for _, r := range rs {
		if err := r.ResetDaily(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type Scheduler struct {
	cron    *cron.Cron
	cfg     config.LifecycleConfig
	expirer Expirer
	daily   CounterResetter
	logger  *zap.Logger
	ctx     context.Context
}

func New(cfg config.LifecycleConfig, expirer Expirer, daily CounterResetter, logger *zap.Logger) (*Scheduler, error) {
	logger = logger.Named("scheduler")
	cl := cronLogger{logger.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		cfg:     cfg,
		expirer: expirer,
		daily:   daily,
		logger:  logger,
		ctx:     context.Background(),
	}
	if _, err := s.cron.AddFunc(cfg.SweepSchedule, func() { s.sweep(s.ctx) }); err != nil {
		return nil, errors.Wrapf(err, "schedule expiry sweep %q", cfg.SweepSchedule)
	}
	if _, err := s.cron.AddFunc(DailyResetSchedule, func() { s.resetDaily(s.ctx) }); err != nil {
		return nil, errors.Wrap(err, "schedule daily reset")
	}
	return s, nil
}

// Run starts the jobs and blocks until ctx is done, then waits for running
// jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) sweep(ctx context.Context) {
	n, err := s.expirer.ExpireStale(ctx, s.cfg.NewTTL, s.cfg.PaidTTL)
	if err != nil {
		s.logger.Error("expiry sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("expiry sweep", zap.Int("expired", n))
	}
}

func (s *Scheduler) resetDaily(ctx context.Context) {
	if err := s.daily.ResetDaily(ctx); err != nil {
		s.logger.Error("daily counter reset failed", zap.Error(err))
		return
	}
	s.logger.Info("daily counters reset")
}

// cronLogger adapts zap to the cron.Logger interface.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
