package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/retail/inventory-auth/internal/api/middleware"
)

// ctxClaims returns the identity and role the Auth middleware put on the
// context. An empty identity means the middleware did not run.
func ctxClaims(c echo.Context) (username, role string, err error) {
	username, _ = c.Get(middleware.ContextKeyUsername).(string)
	if username == "" {
		return "", "", echo.NewHTTPError(http.StatusUnauthorized, "missing authentication claims")
	}
	role, _ = c.Get(middleware.ContextKeyRole).(string)
	return username, role, nil
}
