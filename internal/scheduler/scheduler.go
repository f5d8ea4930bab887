package scheduler

import (
	"context"
	"errors"
	"fmt"

	"weather-push-go/internal/push"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper is the job the scheduler runs.
type Sweeper interface {
	Sweep(ctx context.Context) (push.Result, error)
}

type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	logger  *zap.Logger
}

// New registers a sweep on spec, a standard cron expression or a descriptor
// such as "@hourly". A sweep still running when the next tick fires is not
// started twice.
func New(sweeper Sweeper, spec string, logger *zap.Logger) (*Scheduler, error) {
	cl := cronLogger{logger.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		sweeper: sweeper,
		logger:  logger,
	}

	if _, err := s.cron.AddFunc(spec, s.runSweep); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new sweeps and waits for a running one until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out with a sweep still running")
	}
}

func (s *Scheduler) runSweep() {
	s.logger.Info("scheduled weather push sweep starting")
	res, err := s.sweeper.Sweep(context.Background())
	switch {
	case errors.Is(err, push.ErrSweepInProgress):
		s.logger.Info("sweep skipped, another one is running")
	case err != nil:
		s.logger.Error("scheduled sweep failed",
			zap.Error(err),
			zap.Int("sent", res.Sent),
			zap.Int("removed", res.Removed),
		)
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
