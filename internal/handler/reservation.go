package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/reservation-reallocation/internal/middleware"
	"github.com/iliyamo/reservation-reallocation/internal/model"
	"github.com/iliyamo/reservation-reallocation/internal/service"
)

// ReservationService is what the HTTP layer needs from the service.
type ReservationService interface {
	Create(ctx context.Context, in model.NewReservation) (*model.Reservation, error)
	Get(ctx context.Context, id string) (*model.Reservation, error)
	ListByUser(ctx context.Context, userID string) ([]model.Reservation, error)
	ListBySlot(ctx context.Context, slot model.Slot) ([]model.Reservation, error)
	Cancel(ctx context.Context, reservationID, actingUserID string) (*service.CancelResult, error)
	Decline(ctx context.Context, reservationID, actingUserID string) (*service.DeclineResult, error)
	Accept(ctx context.Context, req service.AcceptRequest) (*service.AcceptResult, error)
}

// AdminRole may act on any user's reservations.
const AdminRole = "ADMIN"

// ReservationHandler serves reservation reads, creation and the reallocation
// flow.  It assumes JWTAuth ran before it.
type ReservationHandler struct {
	svc ReservationService
	log *zap.Logger
}

// NewReservationHandler panics on a nil service, like the other constructors
// wired at start-up.
func NewReservationHandler(svc ReservationService, log *zap.Logger) *ReservationHandler {
	if svc == nil {
		panic("nil service passed to NewReservationHandler")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ReservationHandler{svc: svc, log: log}
}

type createReservationRequest struct {
	UserID       string `json:"user_id"`
	RestaurantID string `json:"restaurant_id"`
	Slot         string `json:"slot"`
	Bucket       string `json:"bucket"`
	PartySize    int    `json:"party_size"`
}

// Create handles POST /api/reservations.  user_id defaults to the caller.
func (h *ReservationHandler) Create(c echo.Context) error {
	var body createReservationRequest
	if err := c.Bind(&body); err != nil {
		return respond(c, http.StatusBadRequest, "invalid request body", nil)
	}
	if body.UserID == "" {
		body.UserID = middleware.UserID(c)
	}
	if !actingFor(c, body.UserID) {
		return respond(c, http.StatusForbidden, "user_id does not match the authenticated user", nil)
	}
	slot, err := time.Parse(time.RFC3339, strings.TrimSpace(body.Slot))
	if err != nil {
		return respond(c, http.StatusBadRequest, "slot must be an RFC3339 timestamp", nil)
	}

	r, err := h.svc.Create(c.Request().Context(), model.NewReservation{
		UserID:    body.UserID,
		Slot:      model.Slot{RestaurantID: body.RestaurantID, Time: slot, Bucket: body.Bucket},
		PartySize: body.PartySize,
	})
	if err != nil {
		return fail(c, h.log, err)
	}
	msg := "Reservation booked"
	if r.Status == model.StatusPending {
		msg = "Slot taken, added to the waitlist"
	}
	return respond(c, http.StatusCreated, msg, echo.Map{"reservation": r})
}

// ListByUser handles GET /api/reservations/user/:user_id.  An empty result
// is a domain 404 with an empty list.
func (h *ReservationHandler) ListByUser(c echo.Context) error {
	userID := c.Param("user_id")
	if !actingFor(c, userID) {
		return respond(c, http.StatusForbidden, "forbidden", nil)
	}
	list, err := h.svc.ListByUser(c.Request().Context(), userID)
	if err != nil {
		return fail(c, h.log, err)
	}
	if len(list) == 0 {
		return respond(c, http.StatusNotFound, "No reservations found", echo.Map{"reservations": []model.Reservation{}})
	}
	return respond(c, http.StatusOK, "Reservations retrieved", echo.Map{"reservations": list})
}

// Get handles GET /api/reservations/:reservation_id, a fresh read for the
// requester, the current holder or an admin.
func (h *ReservationHandler) Get(c echo.Context) error {
	r, err := h.svc.Get(c.Request().Context(), c.Param("reservation_id"))
	if err != nil {
		return fail(c, h.log, err)
	}
	if !actingFor(c, r.UserID) && !r.HeldBy(middleware.UserID(c)) {
		// same answer as a missing id, existence is not disclosed
		return respond(c, http.StatusNotFound, "reservation not found", nil)
	}
	return respond(c, http.StatusOK, "Reservation retrieved", echo.Map{"reservation": r})
}

// ListBySlot handles GET /api/admin/slots?restaurant_id=&slot=&bucket=.
func (h *ReservationHandler) ListBySlot(c echo.Context) error {
	restaurant := c.QueryParam("restaurant_id")
	at, err := time.Parse(time.RFC3339, c.QueryParam("slot"))
	if restaurant == "" || err != nil {
		return respond(c, http.StatusBadRequest, "restaurant_id and an RFC3339 slot are required", nil)
	}
	list, err := h.svc.ListBySlot(c.Request().Context(), model.Slot{RestaurantID: restaurant, Time: at, Bucket: c.QueryParam("bucket")})
	if err != nil {
		return fail(c, h.log, err)
	}
	return respond(c, http.StatusOK, "Slot reservations retrieved", echo.Map{"reservations": list})
}

// actingFor reports whether the caller may act as userID.
func actingFor(c echo.Context, userID string) bool {
	return userID != "" && (middleware.UserID(c) == userID || middleware.Role(c) == AdminRole)
}

// actor is the user id passed to ownership checks in the service.  Admins
// act without one.
func actor(c echo.Context) string {
	if middleware.Role(c) == AdminRole {
		return ""
	}
	return middleware.UserID(c)
}
