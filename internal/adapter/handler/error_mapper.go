package handler

import (
	"errors"
	"net/http"

	"marketplace-session/internal/domain"

	"github.com/labstack/echo/v4"
)

// errorBody is the JSON body of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// mapDomainError converts a domain error into an appropriate echo.HTTPError.
// AuthError messages are shown to the user; anything else gets a generic message.
func mapDomainError(err error) *echo.HTTPError {
	var ae *domain.AuthError
	if errors.As(err, &ae) {
		msg := ae.Message
		if msg == "" {
			msg = ae.Code
		}
		return echo.NewHTTPError(authErrorStatus(ae.Code), errorBody{Error: ae.Code, Message: msg})
	}

	switch {
	case errors.Is(err, domain.ErrNotAuthenticated),
		errors.Is(err, domain.ErrTokenInvalid):
		return echo.NewHTTPError(http.StatusUnauthorized, errorBody{Error: "unauthenticated", Message: "authentication required"})

	case errors.Is(err, domain.ErrStorageUnavailable),
		errors.Is(err, domain.ErrManagerClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, errorBody{Error: "unavailable", Message: "session storage unavailable"})

	case errors.Is(err, domain.ErrCSRFSecretMissing):
		return echo.NewHTTPError(http.StatusInternalServerError, errorBody{Error: domain.CodeInternal, Message: "token generation error"})

	default:
		return echo.NewHTTPError(http.StatusInternalServerError, errorBody{Error: domain.CodeInternal, Message: "internal error"})
	}
}

func authErrorStatus(code string) int {
	switch code {
	case domain.CodeInvalidCredential:
		return http.StatusUnauthorized
	case domain.CodeUserNotFound:
		return http.StatusNotFound
	case domain.CodeValidation, domain.CodeInvalidEmail:
		return http.StatusBadRequest
	case domain.CodePopupClosed:
		return http.StatusConflict
	case domain.CodeTooManyRequests:
		return http.StatusTooManyRequests
	case domain.CodeNetworkError, domain.CodeProviderUnavailable, domain.CodeBackendUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
