// Package tasks runs the periodic sweeps of the reallocation service on
// asynq: the offer-expiry sweep and the compensation recovery sweep.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/iliyamo/reservation-reallocation/internal/service"
)

const (
	TypeExpireOffers         = "reallocation:expire_offers"
	TypeRecoverCompensations = "reallocation:recover_compensations"
)

// Sweeper is the part of the service the task handlers drive.
type Sweeper interface {
	ExpireOffers(ctx context.Context) (service.SweepResult, error)
	RecoverCompensations(ctx context.Context) (service.RecoveryResult, error)
}

// Handlers executes sweep tasks.
type Handlers struct {
	svc Sweeper
	log *zap.Logger
}

// NewHandlers returns task handlers bound to svc.
func NewHandlers(svc Sweeper, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{svc: svc, log: log}
}

// HandleExpireOffers runs one expiry sweep.  Per-reservation failures are
// counted in the result and picked up by the next run, so only a failure to
// list due offers fails the task.
func (h *Handlers) HandleExpireOffers(ctx context.Context, t *asynq.Task) error {
	res, err := h.svc.ExpireOffers(ctx)
	if err != nil {
		h.log.Error("expire offers task failed", zap.Error(err))
		return fmt.Errorf("expire offers: %w", err)
	}
	h.log.Debug("expire offers task done", zap.Int("scanned", res.Scanned), zap.Int("expired", res.Expired),
		zap.Int("failed", res.Failed))
	return nil
}

// HandleRecoverCompensations runs one compensation recovery sweep.
func (h *Handlers) HandleRecoverCompensations(ctx context.Context, t *asynq.Task) error {
	res, err := h.svc.RecoverCompensations(ctx)
	if err != nil {
		h.log.Error("recover compensations task failed", zap.Error(err))
		return fmt.Errorf("recover compensations: %w", err)
	}
	h.log.Debug("recover compensations task done", zap.Int("applied", res.Applied), zap.Int("discarded", res.Discarded),
		zap.Int("escalated", res.Escalated), zap.Int("failed", res.Failed))
	return nil
}

// NewServeMux routes both task types to h.
func NewServeMux(h *Handlers) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeExpireOffers, h.HandleExpireOffers)
	mux.HandleFunc(TypeRecoverCompensations, h.HandleRecoverCompensations)
	return mux
}

// sweepTimeout bounds a single sweep run.  A sweep is never retried: the
// next scheduled run does the same work.
const sweepTimeout = 5 * time.Minute

// NewExpireOffersTask builds the expiry sweep task.
func NewExpireOffersTask() *asynq.Task {
	return asynq.NewTask(TypeExpireOffers, nil, asynq.MaxRetry(0), asynq.Timeout(sweepTimeout))
}

// NewRecoverCompensationsTask builds the recovery sweep task.
func NewRecoverCompensationsTask() *asynq.Task {
	return asynq.NewTask(TypeRecoverCompensations, nil, asynq.MaxRetry(0), asynq.Timeout(sweepTimeout))
}

// Registrar is the subset of *asynq.Scheduler used to register the sweeps.
type Registrar interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
}

// RegisterSchedules registers the two periodic sweeps on s.
func RegisterSchedules(s Registrar, sweepSpec, recoverySpec string) error {
	if _, err := s.Register(sweepSpec, NewExpireOffersTask()); err != nil {
		return fmt.Errorf("register %s (%s): %w", TypeExpireOffers, sweepSpec, err)
	}
	if _, err := s.Register(recoverySpec, NewRecoverCompensationsTask()); err != nil {
		return fmt.Errorf("register %s (%s): %w", TypeRecoverCompensations, recoverySpec, err)
	}
	return nil
}
