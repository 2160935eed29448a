package middleware

import (
	"marketplace-session/internal/domain"
	"marketplace-session/utils/logger"

	"github.com/labstack/echo/v4"
)

// IdentityReader exposes the signed-in identity, if any.
type IdentityReader interface {
	CurrentIdentity() *domain.Identity
}

// RequestContext puts the request id, the route and the signed-in user id into the
// request context so every log line of the request carries them.
// It must run after echo's RequestID middleware.
func RequestContext(sessions IdentityReader) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
				ctx = logger.WithRequestID(ctx, id)
			}
			if path := c.Path(); path != "" {
				ctx = logger.WithOperation(ctx, c.Request().Method+" "+path)
			}
			if identity := sessions.CurrentIdentity(); identity != nil {
				ctx = logger.WithUserID(ctx, identity.UID)
			}
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
