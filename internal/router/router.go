package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iliyamo/reservation-reallocation/internal/handler"
	"github.com/iliyamo/reservation-reallocation/internal/middleware"
)

// RegisterRoutes registers the unauthenticated endpoints: liveness,
// readiness and Prometheus metrics.
func RegisterRoutes(e *echo.Echo, ready echo.HandlerFunc) {
	e.GET("/healthz", handler.Health)
	if ready != nil {
		e.GET("/readyz", ready)
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// RegisterReservations registers the reservation and reallocation API under
// /api.  Every route requires a valid bearer token; limiter runs after
// authentication so buckets are per user.
func RegisterReservations(e *echo.Echo, h *handler.ReservationHandler, jwtSecret string, limiter echo.MiddlewareFunc) *echo.Group {
	mw := []echo.MiddlewareFunc{middleware.JWTAuth(jwtSecret)}
	if limiter != nil {
		mw = append(mw, limiter)
	}
	g := e.Group("/api", mw...)

	g.POST("/reservations", h.Create)
	g.GET("/reservations/user/:user_id", h.ListByUser)
	g.GET("/reservations/:reservation_id", h.Get)

	g.POST("/cancel/:reservation_id", h.Cancel)
	g.POST("/cancel/reallocation/:reservation_id", h.CancelReallocation)
	g.POST("/accept-reallocation", h.AcceptReallocation)
	return g
}

// RegisterAdmin registers operator endpoints on the authenticated /api
// group.  They require the ADMIN role.
func RegisterAdmin(api *echo.Group, h *handler.ReservationHandler, a *handler.AdminHandler) {
	g := api.Group("/admin", middleware.RequireRole(handler.AdminRole))
	g.GET("/slots", h.ListBySlot)
	g.POST("/sweeps/expire-offers", a.ExpireOffers)
	g.POST("/sweeps/recover-compensations", a.RecoverCompensations)
}
