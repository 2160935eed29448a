package handler

import (
	"net/http"

	"marketplace-session/internal/domain"
	"marketplace-session/internal/usecase"

	"github.com/labstack/echo/v4"
)

// AccountHandler serves sign-up and password reset. Neither touches the session.
type AccountHandler struct {
	sessions *usecase.SessionManager
}

// NewAccountHandler creates a new account handler.
func NewAccountHandler(sessions *usecase.SessionManager) *AccountHandler {
	return &AccountHandler{sessions: sessions}
}

type resetPasswordRequest struct {
	Email string `json:"email"`
}

type signUpResponse struct {
	Success bool                `json:"success"`
	User    *domain.BackendUser `json:"user"`
}

// SignUp handles POST /api/session/sign-up. Fields other than email and password
// are forwarded to the backend as-is.
func (h *AccountHandler) SignUp(c echo.Context) error {
	var body map[string]any
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, errorBody{Error: domain.CodeValidation, Message: "invalid request body"})
	}

	req := domain.SignUpRequest{ExtraFields: make(map[string]any, len(body))}
	for k, v := range body {
		switch k {
		case "email":
			req.Email, _ = v.(string)
		case "password":
			req.Password, _ = v.(string)
		default:
			req.ExtraFields[k] = v
		}
	}

	user, err := h.sessions.SignUp(c.Request().Context(), req)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusCreated, signUpResponse{Success: true, User: user})
}

// ResetPassword handles POST /api/session/reset-password.
func (h *AccountHandler) ResetPassword(c echo.Context) error {
	var req resetPasswordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, errorBody{Error: domain.CodeValidation, Message: "invalid request body"})
	}

	if err := h.sessions.ResetPassword(c.Request().Context(), req.Email); err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}
