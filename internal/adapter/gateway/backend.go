package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"time"

	"marketplace-session/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Backend endpoint paths.
const (
	PathSignUp         = "/api/auth/sign-up"
	PathSyncUser       = "/api/auth/sync-user"
	PathResetPassword  = "/api/auth/reset-password"
	DefaultProfilePath = "/api/users/profile"
)

const maxResponseBytes = 1 << 20

// BackendClient implements domain.AuthBackend over the marketplace backend's HTTP API.
type BackendClient struct {
	baseURL     string
	profilePath string
	httpClient  *http.Client
	tracer      trace.Tracer
	logger      *slog.Logger
}

// NewBackendClient creates a client for the backend at baseURL.
func NewBackendClient(baseURL, profilePath string, timeout time.Duration, logger *slog.Logger) *BackendClient {
	if profilePath == "" {
		profilePath = DefaultProfilePath
	}
	return &BackendClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		profilePath: profilePath,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		tracer: otel.Tracer("marketplace-session/backend"),
		logger: logger,
	}
}

type signUpResponse struct {
	Success bool            `json:"success"`
	User    json.RawMessage `json:"user"`
	Message string          `json:"message"`
}

// SignUp creates an account through the backend.
func (c *BackendClient) SignUp(ctx context.Context, req domain.SignUpRequest) (*domain.BackendUser, error) {
	body := make(map[string]any, len(req.ExtraFields)+2)
	maps.Copy(body, req.ExtraFields)
	body["email"] = req.Email
	body["password"] = req.Password

	status, raw, err := c.do(ctx, http.MethodPost, PathSignUp, "", body)
	if err != nil {
		return nil, err
	}

	var resp signUpResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		if status >= http.StatusBadRequest {
			return nil, backendRejection(status, "")
		}
		return nil, domain.NewAuthError(domain.CodeBackendUnavailable, "malformed sign-up response", err)
	}
	if !resp.Success || status >= http.StatusBadRequest {
		return nil, backendRejection(status, resp.Message)
	}

	user, err := decodeBackendUser(resp.User)
	if err != nil {
		return nil, domain.NewAuthError(domain.CodeBackendUnavailable, "malformed sign-up user", err)
	}
	return user, nil
}

func decodeBackendUser(raw json.RawMessage) (*domain.BackendUser, error) {
	var user domain.BackendUser
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, err
	}
	var extra map[string]any
	if err := json.Unmarshal(raw, &extra); err != nil {
		return nil, err
	}
	for _, k := range []string{"id", "email", "fullName", "createdAt"} {
		delete(extra, k)
	}
	if len(extra) > 0 {
		user.Extra = extra
	}
	return &user, nil
}

type syncUserRequest struct {
	ID                string `json:"id"`
	Email             string `json:"email"`
	FullName          string `json:"fullName"`
	ProfilePictureURL string `json:"profilePictureUrl"`
	EmailVerified     bool   `json:"emailVerified"`
	PhoneNumber       string `json:"phoneNumber"`
}

// SyncUser upserts the identity on the backend. The response body is ignored.
func (c *BackendClient) SyncUser(ctx context.Context, identity domain.Identity) error {
	status, _, err := c.do(ctx, http.MethodPost, PathSyncUser, identity.Token, syncUserRequest{
		ID:                identity.UID,
		Email:             identity.Email,
		FullName:          identity.DisplayName,
		ProfilePictureURL: identity.PhotoURL,
		EmailVerified:     identity.EmailVerified,
		PhoneNumber:       identity.PhoneNumber,
	})
	if err != nil {
		return err
	}
	if status >= http.StatusBadRequest {
		return fmt.Errorf("%w: sync-user returned status %d", domain.ErrBackendUnavailable, status)
	}
	return nil
}

type messageResponse struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
}

// ResetPassword asks the backend to send a password reset email.
func (c *BackendClient) ResetPassword(ctx context.Context, email string) error {
	status, raw, err := c.do(ctx, http.MethodPost, PathResetPassword, "", map[string]string{"email": email})
	if err != nil {
		return err
	}

	var resp messageResponse
	_ = json.Unmarshal(raw, &resp)
	if status >= http.StatusBadRequest || (resp.Success != nil && !*resp.Success) {
		return backendRejection(status, resp.Message)
	}
	return nil
}

type profileEnvelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// FetchProfile loads the signed-in user's profile. Both a bare profile and a
// {success, data} envelope are accepted; the cached payload is the profile itself.
func (c *BackendClient) FetchProfile(ctx context.Context, token string) (*domain.Profile, error) {
	status, raw, err := c.do(ctx, http.MethodGet, c.profilePath, token, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, fmt.Errorf("%w: profile returned status %d", domain.ErrNotAuthenticated, status)
	case status >= http.StatusBadRequest:
		return nil, fmt.Errorf("%w: profile returned status %d", domain.ErrBackendUnavailable, status)
	}

	payload := raw
	var env profileEnvelope
	if json.Unmarshal(raw, &env) == nil && env.Success != nil {
		if !*env.Success {
			return nil, fmt.Errorf("%w: %s", domain.ErrBackendUnavailable, env.Message)
		}
		payload = env.Data
	}

	profile, err := domain.ParseProfile(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
	}
	return profile, nil
}

// do sends a JSON request and returns the status and the (size-limited) body.
// Transport failures become network errors.
func (c *BackendClient) do(ctx context.Context, method, path, token string, body any) (int, []byte, error) {
	ctx, span := c.tracer.Start(ctx, "backend "+method+" "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		))
	defer span.End()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		return 0, nil, domain.NewAuthError(domain.CodeNetworkError, "backend unreachable", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, domain.NewAuthError(domain.CodeNetworkError, "backend response interrupted", err)
	}
	c.logger.DebugContext(ctx, "backend call", "method", method, "path", path, "status", resp.StatusCode)
	return resp.StatusCode, raw, nil
}

// backendRejection turns a failed backend answer into an AuthError carrying its message.
func backendRejection(status int, message string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return domain.NewAuthError(domain.CodeTooManyRequests, nonEmpty(message, "too many requests"), nil)
	case status >= http.StatusInternalServerError:
		return domain.NewAuthError(domain.CodeBackendUnavailable, nonEmpty(message, fmt.Sprintf("backend returned status %d", status)), nil)
	default:
		return domain.NewAuthError(domain.CodeValidation, nonEmpty(message, "request rejected"), nil)
	}
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

var (
	_ domain.AuthBackend      = (*BackendClient)(nil)
	_ domain.IdentityProvider = (*KratosProvider)(nil)
)
