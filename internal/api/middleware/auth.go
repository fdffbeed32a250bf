package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/retail/inventory-auth/internal/api/metrics"
	"github.com/retail/inventory-auth/internal/core/ports"
)

const (
	ContextKeyUsername = "username"
	ContextKeyRole     = "role"
)

// Auth verifies the bearer token and injects its identity and role into the
// context. Every bad token gets the same 401 regardless of the cause.
func Auth(tokens ports.TokenService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
			if authHeader == "" {
				metrics.TokenRejectionsTotal.Inc()
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				metrics.TokenRejectionsTotal.Inc()
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization header")
			}

			username, role, err := tokens.Decode(strings.TrimSpace(parts[1]))
			if err != nil {
				metrics.TokenRejectionsTotal.Inc()
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set(ContextKeyUsername, username)
			c.Set(ContextKeyRole, role)

			return next(c)
		}
	}
}
