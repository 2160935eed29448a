package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"marketplace-session/internal/domain"
	"marketplace-session/internal/domain/mock"
	"marketplace-session/internal/infrastructure/cache"
	"marketplace-session/internal/infrastructure/localidp"
	"marketplace-session/internal/infrastructure/navigation"
	"marketplace-session/internal/infrastructure/storage"
	"marketplace-session/internal/infrastructure/token"
	"marketplace-session/internal/usecase"

	"github.com/alexedwards/argon2id"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type sessionFixture struct {
	manager *usecase.SessionManager
	idp     *localidp.Provider
	backend *mock.MockAuthBackend
	store   *storage.MemoryStore
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	issuer := token.NewJWTIssuer(token.JWTConfig{
		Secret:   "handler-test-secret-with-32-chars!!",
		Issuer:   "marketplace-session",
		Audience: "marketplace",
		TTL:      time.Hour,
	})
	idp := localidp.New(issuer, logger,
		localidp.WithHashParams(&argon2id.Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}),
		localidp.WithSocialIdentity("google", domain.Identity{Email: "g@test.com", DisplayName: "Google User"}),
	)
	_, err := idp.Register("user@test.com", "secret123", "Test User")
	require.NoError(t, err)

	backend := mock.NewMockAuthBackend(ctrl)
	backend.EXPECT().SyncUser(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	backend.EXPECT().FetchProfile(gomock.Any(), gomock.Any()).Return(&domain.Profile{
		DisplayName: "Test User",
		Payload:     json.RawMessage(`{"displayName":"Test User","plan":"pro"}`),
	}, nil).AnyTimes()

	store := storage.NewMemoryStore()
	persisted := usecase.NewPersistedSession(store, cache.NewSessionCache(time.Minute), logger)
	manager := usecase.NewSessionManager(idp, backend, persisted, navigation.New(logger, nil), logger)
	require.NoError(t, manager.Start(context.Background()))
	t.Cleanup(func() { _ = manager.Close() })

	return &sessionFixture{manager: manager, idp: idp, backend: backend, store: store}
}

func doJSON(t *testing.T, h echo.HandlerFunc, method, target, body string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	return rec, h(e.NewContext(req, rec))
}

func TestSessionHandler_Get(t *testing.T) {
	t.Run("anonymous session", func(t *testing.T) {
		f := newSessionFixture(t)
		h := NewSessionHandler(f.manager)

		rec, err := doJSON(t, h.Get, http.MethodGet, "/api/session", "")

		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, rec.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "anonymous", resp["state"])
		assert.Equal(t, false, resp["authenticated"])
		assert.Nil(t, resp["identity"])
	})

	t.Run("signed-in session hides the token", func(t *testing.T) {
		f := newSessionFixture(t)
		h := NewSessionHandler(f.manager)
		_, err := f.manager.SignIn(context.Background(), "user@test.com", "secret123")
		require.NoError(t, err)

		rec, err := doJSON(t, h.Get, http.MethodGet, "/api/session", "")

		require.NoError(t, err)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "authenticated", resp["state"])
		assert.Equal(t, true, resp["authenticated"])
		identity := resp["identity"].(map[string]any)
		assert.Equal(t, "user@test.com", identity["email"])
		assert.NotContains(t, identity, "token")
		assert.NotContains(t, rec.Body.String(), f.manager.Token(context.Background()))
	})
}

func TestSessionHandler_SignIn(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{name: "valid credentials", body: `{"email":"user@test.com","password":"secret123"}`, wantStatus: http.StatusOK},
		{name: "wrong password", body: `{"email":"user@test.com","password":"nope"}`, wantStatus: http.StatusUnauthorized, wantCode: domain.CodeInvalidCredential},
		{name: "unknown user", body: `{"email":"ghost@test.com","password":"secret123"}`, wantStatus: http.StatusNotFound, wantCode: domain.CodeUserNotFound},
		{name: "malformed body", body: `{"email":`, wantStatus: http.StatusBadRequest, wantCode: domain.CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSessionFixture(t)
			h := NewSessionHandler(f.manager)

			rec, err := doJSON(t, h.SignIn, http.MethodPost, "/api/session/sign-in", tt.body)

			if tt.wantCode == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.wantStatus, rec.Code)
				assert.Contains(t, rec.Body.String(), `"uid"`)
				assert.True(t, f.manager.IsAuthenticated(context.Background()))
				return
			}
			var he *echo.HTTPError
			require.ErrorAs(t, err, &he)
			assert.Equal(t, tt.wantStatus, he.Code)
			assert.Equal(t, tt.wantCode, he.Message.(errorBody).Error)
			assert.False(t, f.manager.IsAuthenticated(context.Background()))
		})
	}
}

func TestSessionHandler_Google(t *testing.T) {
	f := newSessionFixture(t)
	h := NewSessionHandler(f.manager)

	rec, err := doJSON(t, h.Google, http.MethodPost, "/api/session/google", "")

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "g@test.com")
	assert.True(t, f.manager.IsAuthenticated(context.Background()))
}

func TestSessionHandler_SignOut(t *testing.T) {
	f := newSessionFixture(t)
	h := NewSessionHandler(f.manager)
	_, err := f.manager.SignIn(context.Background(), "user@test.com", "secret123")
	require.NoError(t, err)

	rec, err := doJSON(t, h.SignOut, http.MethodPost, "/api/session/sign-out", "")

	require.NoError(t, err)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get(echo.HeaderLocation))
	assert.False(t, f.manager.IsAuthenticated(context.Background()))

	keys, err := f.store.GetMany(context.Background(), usecase.KeyAuthToken, usecase.KeyAuthUser, usecase.KeyUserProfile)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestSessionHandler_Profile(t *testing.T) {
	t.Run("requires a session", func(t *testing.T) {
		f := newSessionFixture(t)
		h := NewSessionHandler(f.manager)

		_, err := doJSON(t, h.Profile, http.MethodGet, "/api/session/profile", "")

		var he *echo.HTTPError
		require.ErrorAs(t, err, &he)
		assert.Equal(t, http.StatusUnauthorized, he.Code)
	})

	t.Run("returns the backend payload", func(t *testing.T) {
		f := newSessionFixture(t)
		h := NewSessionHandler(f.manager)
		_, err := f.manager.SignIn(context.Background(), "user@test.com", "secret123")
		require.NoError(t, err)

		rec, err := doJSON(t, h.Profile, http.MethodGet, "/api/session/profile", "")

		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"displayName":"Test User","plan":"pro"}`, rec.Body.String())
	})
}
