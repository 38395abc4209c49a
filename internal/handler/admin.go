package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/reservation-reallocation/internal/service"
)

// Sweeper runs the periodic sweeps on demand.
type Sweeper interface {
	ExpireOffers(ctx context.Context) (service.SweepResult, error)
	RecoverCompensations(ctx context.Context) (service.RecoveryResult, error)
}

// AdminHandler lets operators trigger a sweep without waiting for the
// scheduler, e.g. after an outage of a collaborator.
type AdminHandler struct {
	svc Sweeper
	log *zap.Logger
}

// NewAdminHandler returns an AdminHandler.
func NewAdminHandler(svc Sweeper, log *zap.Logger) *AdminHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminHandler{svc: svc, log: log}
}

// ExpireOffers handles POST /api/admin/sweeps/expire-offers.
func (h *AdminHandler) ExpireOffers(c echo.Context) error {
	res, err := h.svc.ExpireOffers(outbound(c))
	if err != nil {
		return fail(c, h.log, err)
	}
	return respond(c, http.StatusOK, "Expiry sweep finished", res)
}

// RecoverCompensations handles POST /api/admin/sweeps/recover-compensations.
func (h *AdminHandler) RecoverCompensations(c echo.Context) error {
	res, err := h.svc.RecoverCompensations(outbound(c))
	if err != nil {
		return fail(c, h.log, err)
	}
	return respond(c, http.StatusOK, "Recovery sweep finished", res)
}
