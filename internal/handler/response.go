package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/reservation-reallocation/internal/service"
)

// envelope is the {code, message, data} wrapper shared with the order and
// payment services.  code mirrors the HTTP status.
type envelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func respond(c echo.Context, status int, msg string, data interface{}) error {
	return c.JSON(status, envelope{Code: status, Message: msg, Data: data})
}

// statusOf maps service errors to HTTP statuses.  Partial saga failures are
// checked first since they also wrap the cause of the failed step.
func statusOf(err error) (int, string) {
	var notActive *service.OfferNotActiveError
	switch {
	case errors.Is(err, service.ErrPartialSagaFailure):
		return http.StatusInternalServerError, "booking failed after payment, compensation is in flight"
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrNotHolder):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, service.ErrReservationNotFound):
		return http.StatusNotFound, "reservation not found"
	case errors.As(err, &notActive) && notActive.Reason == service.ReasonNotFound:
		return http.StatusNotFound, "reservation not found"
	case errors.Is(err, service.ErrOfferNotActive):
		return http.StatusConflict, err.Error()
	case errors.Is(err, service.ErrInvalidStateTransition):
		return http.StatusConflict, err.Error()
	case errors.Is(err, service.ErrOperationInProgress):
		return http.StatusConflict, "an identical request is still being processed, retry shortly"
	case errors.Is(err, service.ErrPaymentAuthorizationFailed):
		return http.StatusPaymentRequired, "payment authorization was declined"
	case errors.Is(err, service.ErrCollaboratorUnavailable):
		return http.StatusServiceUnavailable, "a downstream service is unavailable, retry with the same request"
	}
	return http.StatusInternalServerError, "internal error"
}

// fail writes the error envelope.  Offer errors carry the reason so the
// client can re-fetch and decide.
func fail(c echo.Context, log *zap.Logger, err error) error {
	status, msg := statusOf(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("route", c.Path()), zap.Error(err))
	}
	var notActive *service.OfferNotActiveError
	if errors.As(err, &notActive) {
		return respond(c, status, msg, echo.Map{"reason": notActive.Reason, "status": notActive.Status})
	}
	return respond(c, status, msg, nil)
}
