package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

type staticSession bool

func (s staticSession) IsAuthenticated(context.Context) bool { return bool(s) }

func guardedServer(authed bool) *echo.Echo {
	g := NewRouteGuard(staticSession(authed), "/sign-in")
	e := echo.New()
	ok := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
	e.GET("/api/session/profile", ok, g.RequireSession())
	e.GET("/account", ok, g.RequireSession())
	e.GET("/sign-in", ok, g.AnonymousOnly("/"))
	return e
}

func TestRouteGuard_RequireSession(t *testing.T) {
	tests := []struct {
		name         string
		authed       bool
		path         string
		wantStatus   int
		wantLocation string
	}{
		{name: "api allowed", authed: true, path: "/api/session/profile", wantStatus: http.StatusOK},
		{name: "api rejected", authed: false, path: "/api/session/profile", wantStatus: http.StatusUnauthorized},
		{name: "page allowed", authed: true, path: "/account", wantStatus: http.StatusOK},
		{name: "page redirected", authed: false, path: "/account", wantStatus: http.StatusFound, wantLocation: "/sign-in"},
		{name: "sign-in page for anonymous", authed: false, path: "/sign-in", wantStatus: http.StatusOK},
		{name: "sign-in page for signed-in user", authed: true, path: "/sign-in", wantStatus: http.StatusFound, wantLocation: "/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()

			guardedServer(tt.authed).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantLocation, rec.Header().Get(echo.HeaderLocation))
		})
	}
}
