package handler

import (
	"log/slog"
	"net/http"
	"time"

	"marketplace-session/internal/domain"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// ClientCookie identifies a browser; CSRF tokens are bound to its value.
const ClientCookie = "ms_client"

// CSRFTokenHeader carries the CSRF token on mutating requests.
const CSRFTokenHeader = "X-CSRF-Token"

// CSRFHandler handles CSRF token requests.
type CSRFHandler struct {
	generator domain.CSRFTokenGenerator
	secure    bool
}

// NewCSRFHandler creates a new CSRF handler. secure marks the client cookie Secure.
func NewCSRFHandler(generator domain.CSRFTokenGenerator, secure bool) *CSRFHandler {
	return &CSRFHandler{generator: generator, secure: secure}
}

// csrfResponse represents the CSRF token response.
type csrfResponse struct {
	Data struct {
		CSRFToken string `json:"csrf_token"`
	} `json:"data"`
}

// Handle issues a CSRF token bound to the client cookie, creating the cookie if needed.
func (h *CSRFHandler) Handle(c echo.Context) error {
	ctx := c.Request().Context()

	clientID := ""
	if cookie, err := c.Cookie(ClientCookie); err == nil {
		clientID = cookie.Value
	}
	if _, err := uuid.Parse(clientID); err != nil {
		clientID = uuid.NewString()
		c.SetCookie(&http.Cookie{
			Name:     ClientCookie,
			Value:    clientID,
			Path:     "/",
			HttpOnly: true,
			Secure:   h.secure,
			SameSite: http.SameSiteLaxMode,
			Expires:  time.Now().Add(365 * 24 * time.Hour),
		})
	}

	token, err := h.generator.Generate(clientID)
	if err != nil {
		slog.ErrorContext(ctx, "csrf token generation failed", "error", err)
		return mapDomainError(err)
	}

	// Log only the first 8 characters of the client id
	slog.InfoContext(ctx, "csrf token generated", "client_prefix", clientID[:8])

	c.Response().Header().Set(CSRFTokenHeader, token)
	resp := csrfResponse{}
	resp.Data.CSRFToken = token
	return c.JSON(http.StatusOK, resp)
}
