package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"marketplace-session/internal/domain"
	"marketplace-session/internal/infrastructure/navigation"
	"marketplace-session/internal/usecase"

	"github.com/labstack/echo/v4"
)

// SessionHandler serves the session endpoints used by page components.
type SessionHandler struct {
	sessions *usecase.SessionManager
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(sessions *usecase.SessionManager) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// identityView is the public projection of an Identity. The token is never exposed.
type identityView struct {
	UID           string `json:"uid"`
	Email         string `json:"email"`
	DisplayName   string `json:"displayName,omitempty"`
	PhotoURL      string `json:"photoURL,omitempty"`
	EmailVerified bool   `json:"emailVerified"`
}

func newIdentityView(i *domain.Identity) *identityView {
	if i == nil {
		return nil
	}
	return &identityView{
		UID:           i.UID,
		Email:         i.Email,
		DisplayName:   i.DisplayName,
		PhotoURL:      i.PhotoURL,
		EmailVerified: i.EmailVerified,
	}
}

// sessionResponse represents the JSON response of GET /api/session.
type sessionResponse struct {
	State         string          `json:"state"`
	Authenticated bool            `json:"authenticated"`
	Identity      *identityView   `json:"identity"`
	Profile       json.RawMessage `json:"profile"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type identityResponse struct {
	Identity *identityView `json:"identity"`
}

// Get returns the current session. authenticated comes from storage only.
func (h *SessionHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	snap := h.sessions.Snapshot()

	return c.JSON(http.StatusOK, sessionResponse{
		State:         snap.State.String(),
		Authenticated: h.sessions.IsAuthenticated(ctx),
		Identity:      newIdentityView(snap.Identity),
		Profile:       profileJSON(snap.Profile),
	})
}

// SignIn handles POST /api/session/sign-in.
func (h *SessionHandler) SignIn(c echo.Context) error {
	var req signInRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, errorBody{Error: domain.CodeValidation, Message: "invalid request body"})
	}

	identity, err := h.sessions.SignIn(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, identityResponse{Identity: newIdentityView(identity)})
}

// Google handles POST /api/session/google.
func (h *SessionHandler) Google(c echo.Context) error {
	identity, err := h.sessions.SignInWithGoogle(c.Request().Context())
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, identityResponse{Identity: newIdentityView(identity)})
}

// SignOut handles POST /api/session/sign-out. The hard navigation requested by the
// manager becomes a 303 so the client reloads the landing page.
func (h *SessionHandler) SignOut(c echo.Context) error {
	ctx, rec := navigation.WithRecorder(c.Request().Context())

	if err := h.sessions.SignOut(ctx); err != nil {
		slog.ErrorContext(ctx, "sign-out completed with errors", "error", err)
	}

	target, ok := rec.Target()
	if !ok {
		target = usecase.DefaultLandingPath
	}
	return c.Redirect(http.StatusSeeOther, target)
}

// Profile handles GET /api/session/profile.
func (h *SessionHandler) Profile(c echo.Context) error {
	profile, err := h.sessions.SyncProfile(c.Request().Context())
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSONBlob(http.StatusOK, profileJSON(profile))
}

// profileJSON returns the backend payload when present, so clients see what the backend sent.
func profileJSON(p *domain.Profile) json.RawMessage {
	if p == nil {
		return json.RawMessage("null")
	}
	if len(p.Payload) > 0 {
		return p.Payload
	}
	b, err := json.Marshal(p)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
