package handler

import (
	"net/http"

	"marketplace-session/internal/domain"

	"github.com/labstack/echo/v4"
)

// StateReader reports the session lifecycle state.
type StateReader interface {
	State() domain.AuthState
}

// HealthHandler handles health check requests.
type HealthHandler struct {
	sessions StateReader
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(sessions StateReader) *HealthHandler {
	return &HealthHandler{sessions: sessions}
}

// Handle processes the /health endpoint. The session state is reported, not judged:
// an anonymous session is healthy.
func (h *HealthHandler) Handle(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":        "healthy",
		"session_state": h.sessions.State().String(),
	})
}
