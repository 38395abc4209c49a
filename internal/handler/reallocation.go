package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/reservation-reallocation/internal/client"
	"github.com/iliyamo/reservation-reallocation/internal/middleware"
	"github.com/iliyamo/reservation-reallocation/internal/service"
)

// outbound carries the caller's bearer token to the collaborators.
func outbound(c echo.Context) context.Context {
	return client.WithBearer(c.Request().Context(), middleware.Bearer(c))
}

// Cancel handles POST /api/cancel/:reservation_id.
func (h *ReservationHandler) Cancel(c echo.Context) error {
	res, err := h.svc.Cancel(outbound(c), c.Param("reservation_id"), actor(c))
	if err != nil {
		return fail(c, h.log, err)
	}
	return respond(c, http.StatusOK, res.Message, echo.Map{
		"message":       res.Message,
		"reservation":   res.Reservation,
		"refund_status": res.Refund,
		"next_offer":    res.NextOffer,
	})
}

// CancelReallocation handles POST /api/cancel/reallocation/:reservation_id,
// the offeree declining an offer.
func (h *ReservationHandler) CancelReallocation(c echo.Context) error {
	res, err := h.svc.Decline(outbound(c), c.Param("reservation_id"), actor(c))
	if err != nil {
		return fail(c, h.log, err)
	}
	return respond(c, http.StatusOK, res.Message, echo.Map{
		"message":     res.Message,
		"reservation": res.Reservation,
		"next_offer":  res.NextOffer,
	})
}

type acceptRequest struct {
	ReservationID string             `json:"reservation_id"`
	UserID        string             `json:"user_id"`
	Count         int                `json:"count"`
	PaymentID     string             `json:"payment_id"`
	OrderID       string             `json:"order_id"`
	Price         *float64           `json:"price"`
	BookingTime   string             `json:"booking_time"`
	BillingFlow   string             `json:"billing_flow"`
	Items         []client.OrderItem `json:"items"`
}

func (b acceptRequest) toService() (service.AcceptRequest, error) {
	req := service.AcceptRequest{
		ReservationID: b.ReservationID,
		UserID:        b.UserID,
		PartySize:     b.Count,
		Billing: service.BillingRequest{
			Flow:      service.BillingFlow(strings.ToLower(strings.TrimSpace(b.BillingFlow))),
			PaymentID: b.PaymentID,
			OrderID:   b.OrderID,
			Items:     b.Items,
		},
	}
	if b.Price != nil {
		cents := client.Cents(*b.Price)
		req.Billing.PriceCents = &cents
	}
	if b.BookingTime != "" {
		t, err := time.Parse(time.RFC3339, b.BookingTime)
		if err != nil {
			return req, err
		}
		req.RequestedTime = &t
	}
	return req, nil
}

// AcceptReallocation handles POST /api/accept-reallocation.  The body's
// user_id must be the authenticated user.
func (h *ReservationHandler) AcceptReallocation(c echo.Context) error {
	var body acceptRequest
	if err := c.Bind(&body); err != nil {
		return respond(c, http.StatusBadRequest, "invalid request body", nil)
	}
	if body.UserID == "" {
		body.UserID = middleware.UserID(c)
	}
	if body.UserID != middleware.UserID(c) {
		return respond(c, http.StatusForbidden, "user_id does not match the authenticated user", nil)
	}
	req, err := body.toService()
	if err != nil {
		return respond(c, http.StatusBadRequest, "booking_time must be an RFC3339 timestamp", nil)
	}

	res, err := h.svc.Accept(outbound(c), req)
	if err != nil {
		return fail(c, h.log, err)
	}
	msg := "Reallocation accepted"
	if res.PlaceholderCharge {
		msg = "Reallocation accepted without a billing context, payment will be collected later"
	}
	return respond(c, http.StatusOK, msg, echo.Map{
		"reservation":        res.Reservation,
		"order_id":           res.OrderID,
		"payment_id":         res.PaymentID,
		"price":              client.Amount(res.AmountCents),
		"placeholder_charge": res.PlaceholderCharge,
	})
}
