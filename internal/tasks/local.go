package tasks

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// LocalScheduler runs the sweeps on a cron inside the API process.  It is
// used when the store is process-local (memory, sqlite) and a separate
// sweeper binary could not see the same data.  It accepts the same specs as
// the asynq scheduler: standard five-field cron lines and descriptors such as
// "@every 30s".
type LocalScheduler struct {
	h            *Handlers
	sweepSpec    string
	recoverySpec string
	log          *zap.Logger
}

// NewLocalScheduler validates both specs.
func NewLocalScheduler(h *Handlers, sweepSpec, recoverySpec string, log *zap.Logger) (*LocalScheduler, error) {
	for _, spec := range []string{sweepSpec, recoverySpec} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return nil, fmt.Errorf("schedule %q: %w", spec, err)
		}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LocalScheduler{h: h, sweepSpec: sweepSpec, recoverySpec: recoverySpec, log: log}, nil
}

// Start launches the cron.  It stops when ctx is cancelled; a sweep still
// running at that point is allowed to finish.
func (s *LocalScheduler) Start(ctx context.Context) error {
	clog := cronLogger{s.log.Sugar()}
	c := cron.New(cron.WithLogger(clog), cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)))
	if _, err := c.AddFunc(s.sweepSpec, s.job(ctx, NewExpireOffersTask(), s.h.HandleExpireOffers)); err != nil {
		return fmt.Errorf("schedule %s (%s): %w", TypeExpireOffers, s.sweepSpec, err)
	}
	if _, err := c.AddFunc(s.recoverySpec, s.job(ctx, NewRecoverCompensationsTask(), s.h.HandleRecoverCompensations)); err != nil {
		return fmt.Errorf("schedule %s (%s): %w", TypeRecoverCompensations, s.recoverySpec, err)
	}
	s.log.Info("starting local sweep scheduler", zap.String("sweep", s.sweepSpec), zap.String("recovery", s.recoverySpec))
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		s.log.Info("local sweep scheduler stopped")
	}()
	return nil
}

func (s *LocalScheduler) job(ctx context.Context, t *asynq.Task, run func(context.Context, *asynq.Task) error) func() {
	return func() {
		if ctx.Err() != nil {
			return
		}
		runCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
		defer cancel()
		_ = run(runCtx, t) // handlers log their own failures
	}
}

// cronLogger routes cron's own messages to zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
