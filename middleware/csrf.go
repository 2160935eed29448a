package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// CSRFVerifier checks a token against the value it was bound to.
type CSRFVerifier interface {
	Verify(binding, token string) bool
}

// CSRFProtect requires a valid token in header for unsafe methods. The token is
// bound to the value of the named cookie.
func CSRFProtect(verifier CSRFVerifier, cookieName, header string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			switch c.Request().Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				return next(c)
			}

			cookie, err := c.Cookie(cookieName)
			if err != nil || cookie.Value == "" {
				return echo.NewHTTPError(http.StatusForbidden, "missing csrf binding")
			}
			if !verifier.Verify(cookie.Value, c.Request().Header.Get(header)) {
				return echo.NewHTTPError(http.StatusForbidden, "invalid csrf token")
			}
			return next(c)
		}
	}
}
