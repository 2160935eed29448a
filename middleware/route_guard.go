package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// SessionChecker answers whether a session is persisted.
type SessionChecker interface {
	IsAuthenticated(ctx context.Context) bool
}

// RouteGuard gates routes on the persisted session. Nothing but
// IsAuthenticated is consulted, so a restored but unverified session passes.
type RouteGuard struct {
	sessions   SessionChecker
	signInPath string
}

// NewRouteGuard creates a guard that sends anonymous page requests to signInPath.
func NewRouteGuard(sessions SessionChecker, signInPath string) *RouteGuard {
	return &RouteGuard{sessions: sessions, signInPath: signInPath}
}

// RequireSession rejects anonymous requests: 401 for API calls, a redirect for pages.
func (g *RouteGuard) RequireSession() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authed := g.sessions.IsAuthenticated(c.Request().Context())
			c.Set(SessionStateKey, authed)
			if authed {
				return next(c)
			}
			if wantsJSON(c.Request()) {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			return c.Redirect(http.StatusFound, g.signInPath)
		}
	}
}

// AnonymousOnly sends signed-in users away from pages like sign-in and sign-up.
func (g *RouteGuard) AnonymousOnly(redirectTo string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authed := g.sessions.IsAuthenticated(c.Request().Context())
			c.Set(SessionStateKey, authed)
			if authed {
				return c.Redirect(http.StatusFound, redirectTo)
			}
			return next(c)
		}
	}
}

func wantsJSON(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		return true
	}
	return strings.Contains(r.Header.Get(echo.HeaderAccept), echo.MIMEApplicationJSON)
}
