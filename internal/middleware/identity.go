package middleware

// identity.go exposes what JWTAuth stored in the Echo context to handlers
// and to the other middleware.

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// Context keys set by JWTAuth.
const (
	ctxUserID = "user_id"
	ctxRole   = "role"
	ctxBearer = "bearer"
)

// UserID returns the authenticated subject, or "" when the request carries
// no valid token.
func UserID(c echo.Context) string {
	s, _ := c.Get(ctxUserID).(string)
	return s
}

// Role returns the role claim of the authenticated user.
func Role(c echo.Context) string {
	s, _ := c.Get(ctxRole).(string)
	return strings.ToUpper(s)
}

// Bearer returns the raw access token so it can be forwarded to
// collaborators.
func Bearer(c echo.Context) string {
	s, _ := c.Get(ctxBearer).(string)
	return s
}

// abort writes the {code, message} envelope used by every API response.
func abort(c echo.Context, status int, msg string) error {
	return c.JSON(status, echo.Map{"code": status, "message": msg})
}
