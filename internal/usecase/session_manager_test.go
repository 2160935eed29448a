package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"marketplace-session/internal/domain"
	"marketplace-session/internal/domain/mock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type managerFixture struct {
	store     *faultyStore
	persisted *PersistedSession
	provider  *fakeProvider
	backend   *stubBackend
	navigator *recordingNavigator
	manager   *SessionManager
}

func newManagerFixture(t *testing.T, opts ...Option) *managerFixture {
	t.Helper()
	f := &managerFixture{
		store:     newFaultyStore(),
		provider:  newFakeProvider(),
		backend:   &stubBackend{profile: &domain.Profile{DisplayName: "Fresh"}},
		navigator: &recordingNavigator{},
	}
	f.persisted = newTestPersisted(f.store)
	f.manager = NewSessionManager(f.provider, f.backend, f.persisted, f.navigator, discardLogger(), opts...)
	t.Cleanup(func() { _ = f.manager.Close() })
	return f
}

// reload builds a second manager over the same storage, as after a page reload.
func (f *managerFixture) reload(t *testing.T) *SessionManager {
	t.Helper()
	m := NewSessionManager(newFakeProvider(), &stubBackend{}, newTestPersisted(f.store), &recordingNavigator{}, discardLogger())
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// assertConsistent fails if storage holds exactly one of token and user record.
func assertConsistent(t *testing.T, store *faultyStore) {
	t.Helper()
	_, hasToken := store.raw(KeyAuthToken)
	_, hasUser := store.raw(KeyAuthUser)
	assert.Equal(t, hasToken, hasUser, "token present=%v, user present=%v", hasToken, hasUser)
}

// assertStorageMatchesState fails if storage and the in-memory state disagree
// about whether a session exists.
func assertStorageMatchesState(t *testing.T, f *managerFixture) {
	t.Helper()
	_, hasToken := f.store.raw(KeyAuthToken)
	_, hasUser := f.store.raw(KeyAuthUser)
	authed := f.manager.State() == domain.StateAuthenticated
	assert.Equal(t, authed, hasToken && hasUser, "state=%s, token present=%v, user present=%v", f.manager.State(), hasToken, hasUser)
	if id := f.manager.CurrentIdentity(); id != nil && hasToken {
		token, _ := f.store.raw(KeyAuthToken)
		assert.Equal(t, id.Token, token)
	}
}

func testIdentity() *domain.Identity {
	return &domain.Identity{UID: "u1", Email: "user@test.com", Token: "tok-abc"}
}

func TestSessionManager_SignInSuccess(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.provider.signInID = testIdentity()
	require.NoError(t, f.manager.Start(ctx))

	identity, err := f.manager.SignIn(ctx, "user@test.com", "secret123")

	require.NoError(t, err)
	assert.Equal(t, "u1", identity.UID)
	assert.Equal(t, domain.StateAuthenticated, f.manager.State())
	assert.True(t, f.manager.IsAuthenticated(ctx))

	token, ok := f.store.raw(KeyAuthToken)
	require.True(t, ok)
	assert.Equal(t, "tok-abc", token)

	user, ok := f.store.raw(KeyAuthUser)
	require.True(t, ok)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(user), &rec))
	assert.Equal(t, "u1", rec["uid"])

	require.Eventually(t, func() bool { return f.backend.syncCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		p := f.manager.CurrentProfile()
		return p != nil && p.DisplayName == "Fresh"
	}, time.Second, 5*time.Millisecond)
}

func TestSessionManager_SignInFailure(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.provider.signInErr = domain.NewAuthError(domain.CodeInvalidCredential, "wrong password", nil)
	require.NoError(t, f.manager.Start(ctx))
	setsBefore := f.store.callCount("SetMany")

	identity, err := f.manager.SignIn(ctx, "user@test.com", "bad")

	assert.Nil(t, identity)
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)
	assert.Equal(t, domain.CodeInvalidCredential, domain.ErrorCode(err))
	assert.Nil(t, f.manager.CurrentIdentity())
	assert.Equal(t, domain.StateAnonymous, f.manager.State())
	assert.Equal(t, setsBefore, f.store.callCount("SetMany"))
	assert.False(t, f.manager.IsAuthenticated(ctx))
}

func TestSessionManager_SignInUnclassifiedErrorIsInternal(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.provider.signInErr = errors.New("boom")

	_, err := f.manager.SignIn(ctx, "user@test.com", "secret123")

	assert.Equal(t, domain.CodeInternal, domain.ErrorCode(err))
}

func TestSessionManager_ReloadRestoresWithoutNetwork(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.provider.signInID = testIdentity()
	require.NoError(t, f.manager.Start(ctx))
	_, err := f.manager.SignIn(ctx, "user@test.com", "secret123")
	require.NoError(t, err)

	reloaded := f.reload(t)
	assert.True(t, reloaded.IsAuthenticated(ctx), "storage check must not wait for Start")

	require.NoError(t, reloaded.Start(ctx))
	identity := reloaded.CurrentIdentity()
	require.NotNil(t, identity)
	assert.Equal(t, "u1", identity.UID)
	assert.Equal(t, "user@test.com", identity.Email)
	assert.Equal(t, "tok-abc", identity.Token)
	assert.Equal(t, domain.StateAuthenticated, reloaded.State())
}

func TestSessionManager_RestoreFromPreseededStorage(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	require.NoError(t, f.store.MemoryStore.SetMany(ctx, map[string]string{
		KeyAuthToken:   "tok-abc",
		KeyAuthUser:    `{"uid":"u1","email":"user@test.com","displayName":"","photoURL":"","token":"tok-abc"}`,
		KeyUserProfile: `{"displayName":"Cached"}`,
	}))

	assert.True(t, f.manager.IsAuthenticated(ctx))
	assert.Equal(t, domain.StateUnknown, f.manager.State())

	require.NoError(t, f.manager.Start(ctx))

	assert.Equal(t, domain.StateAuthenticated, f.manager.State())
	require.NotNil(t, f.manager.CurrentProfile())
	assert.Equal(t, "Cached", f.manager.CurrentProfile().DisplayName)
	assert.Zero(t, f.backend.fetchCount())
	assert.Zero(t, f.backend.syncCount())
}

func TestSessionManager_RestoreClearsPartialState(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	require.NoError(t, f.store.MemoryStore.SetMany(ctx, map[string]string{
		KeyAuthToken:   "tok-abc",
		KeyUserProfile: `{"displayName":"Orphan"}`,
	}))

	require.NoError(t, f.manager.Start(ctx))

	assert.Equal(t, domain.StateAnonymous, f.manager.State())
	for _, k := range []string{KeyAuthToken, KeyAuthUser, KeyUserProfile} {
		_, ok := f.store.raw(k)
		assert.False(t, ok, k)
	}
}

func TestSessionManager_StartTwice(t *testing.T) {
	f := newManagerFixture(t)
	require.NoError(t, f.manager.Start(context.Background()))
	assert.ErrorIs(t, f.manager.Start(context.Background()), domain.ErrManagerStarted)
}

func TestSessionManager_StartSubscriptionFailureKeepsRestoredState(t *testing.T) {
	f := newManagerFixture(t)
	f.provider.watchErr = errors.New("unreachable")

	err := f.manager.Start(context.Background())

	assert.Error(t, err)
	assert.Equal(t, domain.StateAnonymous, f.manager.State())
}

func TestSessionManager_SignOutClearsEverything(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.provider.signInID = testIdentity()
	require.NoError(t, f.manager.Start(ctx))
	_, err := f.manager.SignIn(ctx, "user@test.com", "secret123")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := f.store.raw(KeyUserProfile)
		return ok
	}, time.Second, 5*time.Millisecond)

	var clearedBeforeNavigate bool
	f.navigator.onNavigate = func() {
		_, hasToken := f.store.raw(KeyAuthToken)
		_, hasUser := f.store.raw(KeyAuthUser)
		_, hasProfile := f.store.raw(KeyUserProfile)
		clearedBeforeNavigate = !hasToken && !hasUser && !hasProfile
	}

	require.NoError(t, f.manager.SignOut(ctx))

	assert.True(t, clearedBeforeNavigate)
	assert.Equal(t, []string{"/"}, f.navigator.navigations())
	assert.Nil(t, f.manager.CurrentIdentity())
	assert.Nil(t, f.manager.CurrentProfile())
	assert.Equal(t, domain.StateAnonymous, f.manager.State())
	assert.False(t, f.manager.IsAuthenticated(ctx))
}

func TestSessionManager_SignOutIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	require.NoError(t, f.manager.Start(ctx))

	assert.NoError(t, f.manager.SignOut(ctx))
	assert.NoError(t, f.manager.SignOut(ctx))

	assert.False(t, f.manager.IsAuthenticated(ctx))
	assert.Equal(t, 2, f.provider.signOuts)
	assert.Len(t, f.navigator.navigations(), 2)
}

func TestSessionManager_SignOutProviderFailureStillClears(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.provider.signInID = testIdentity()
	require.NoError(t, f.manager.Start(ctx))
	_, err := f.manager.SignIn(ctx, "user@test.com", "secret123")
	require.NoError(t, err)
	f.provider.signOutErr = errors.New("provider down")

	err = f.manager.SignOut(ctx)

	assert.Error(t, err)
	assert.False(t, f.manager.IsAuthenticated(ctx))
	assert.Equal(t, []string{"/"}, f.navigator.navigations())
}

func TestSessionManager_SignOutUsesLandingPath(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, WithLandingPath("/welcome"))

	require.NoError(t, f.manager.SignOut(ctx))

	assert.Equal(t, []string{"/welcome"}, f.navigator.navigations())
}

func TestSessionManager_ConsistencyUnderInjectedFailures(t *testing.T) {
	tests := []struct {
		name   string
		inject func(f *managerFixture)
		op     func(ctx context.Context, f *managerFixture) error
		// storageDown skips the state check: a failed clear cannot reach storage.
		storageDown bool
	}{
		{
			name:   "sign-in provider rejects",
			inject: func(f *managerFixture) { f.provider.signInErr = domain.ErrNetwork },
			op:     signInOp,
		},
		{
			name:   "sign-in identity write fails",
			inject: func(f *managerFixture) { f.store.fail("SetMany") },
			op:     signInOp,
		},
		{
			name: "token refresh write fails while signed in",
			op: func(ctx context.Context, f *managerFixture) error {
				if err := signInOp(ctx, f); err != nil {
					return err
				}
				f.store.fail("SetMany")
				return f.manager.applyIdentity(ctx, &domain.Identity{UID: "u1", Email: "user@test.com", Token: "tok-new"}, false)
			},
		},
		{
			name:   "sign-in profile cache write fails",
			inject: func(f *managerFixture) { f.store.failAfter("SetMany", 1) },
			op:     signInOp,
		},
		{
			name:   "sign-in backend sync fails",
			inject: func(f *managerFixture) { f.backend.syncErr = domain.ErrBackendUnavailable },
			op:     signInOp,
		},
		{
			name:   "sign-in profile fetch fails",
			inject: func(f *managerFixture) { f.backend.fetchErr = domain.ErrBackendUnavailable },
			op:     signInOp,
		},
		{
			name: "sign-out provider fails",
			inject: func(f *managerFixture) {
				f.provider.signOutErr = errors.New("provider down")
			},
			op: signInThenSignOutOp,
		},
		{
			name:        "sign-out storage clear fails",
			inject:      func(f *managerFixture) { f.store.failAfter("Delete", 0) },
			op:          signInThenSignOutOp,
			storageDown: true,
		},
		{
			name: "sign-out with canceled context",
			op: func(ctx context.Context, f *managerFixture) error {
				if err := signInOp(ctx, f); err != nil {
					return err
				}
				canceled, cancel := context.WithCancel(ctx)
				cancel()
				return f.manager.SignOut(canceled)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newManagerFixture(t)
			f.provider.signInID = testIdentity()
			require.NoError(t, f.manager.Start(ctx))
			if tt.inject != nil {
				tt.inject(f)
			}

			_ = tt.op(ctx, f)
			assertConsistent(t, f.store)

			require.NoError(t, f.manager.Close())
			assertConsistent(t, f.store)
			if !tt.storageDown {
				assertStorageMatchesState(t, f)
			}
		})
	}
}

func signInOp(ctx context.Context, f *managerFixture) error {
	_, err := f.manager.SignIn(ctx, "user@test.com", "secret123")
	return err
}

func signInThenSignOutOp(ctx context.Context, f *managerFixture) error {
	if err := signInOp(ctx, f); err != nil {
		return err
	}
	return f.manager.SignOut(ctx)
}

func TestSessionManager_StaleProfileRetained(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	require.NoError(t, f.store.MemoryStore.SetMany(ctx, map[string]string{
		KeyAuthToken:   "tok-abc",
		KeyAuthUser:    `{"uid":"u1","email":"user@test.com","token":"tok-abc"}`,
		KeyUserProfile: `{"displayName":"Cached","preferences":{"theme":"dark"}}`,
	}))
	require.NoError(t, f.manager.Start(ctx))
	before := f.manager.CurrentProfile()
	require.NotNil(t, before)
	f.backend.fetchErr = domain.ErrBackendUnavailable

	profile, err := f.manager.SyncProfile(ctx)

	require.NoError(t, err)
	assert.Equal(t, before, profile)
	assert.Equal(t, before, f.manager.CurrentProfile())
	raw, ok := f.store.raw(KeyUserProfile)
	require.True(t, ok)
	assert.JSONEq(t, `{"displayName":"Cached","preferences":{"theme":"dark"}}`, raw)
}

func TestSessionManager_SyncProfileWithoutCacheSurfacesFailure(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.provider.signInID = testIdentity()
	f.backend.gate = make(chan struct{})
	require.NoError(t, f.manager.Start(ctx))
	_, err := f.manager.SignIn(ctx, "user@test.com", "secret123")
	require.NoError(t, err)
	f.backend.mu.Lock()
	f.backend.gate = nil
	f.backend.fetchErr = domain.ErrBackendUnavailable
	f.backend.mu.Unlock()

	profile, err := f.manager.SyncProfile(ctx)

	assert.Nil(t, profile)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
}

func TestSessionManager_SyncProfileAnonymous(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.manager.SyncProfile(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
}

func TestSessionManager_LateProfileDiscardedAfterSignOut(t *testing.T) {
	ctrl := gomock.NewController(t)
	metrics := mock.NewMockSessionMetrics(ctrl)
	discarded := make(chan struct{})
	metrics.EXPECT().Transition(gomock.Any()).AnyTimes()
	metrics.EXPECT().SignIn(gomock.Any(), gomock.Any()).AnyTimes()
	metrics.EXPECT().BackgroundFailure(gomock.Any()).AnyTimes()
	metrics.EXPECT().StaleResultDiscarded(taskProfileSync).Do(func(string) { close(discarded) })

	ctx := context.Background()
	f := newManagerFixture(t, WithMetrics(metrics))
	f.provider.signInID = testIdentity()
	f.backend.gate = make(chan struct{})
	require.NoError(t, f.manager.Start(ctx))

	_, err := f.manager.SignIn(ctx, "user@test.com", "secret123")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.backend.fetchCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.manager.SignOut(ctx))
	close(f.backend.gate)

	select {
	case <-discarded:
	case <-time.After(time.Second):
		t.Fatal("late profile was not discarded")
	}
	assert.Nil(t, f.manager.CurrentProfile())
	_, ok := f.store.raw(KeyUserProfile)
	assert.False(t, ok)
}

func TestSessionManager_ProviderNotifications(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	changes := make(chan Snapshot, 8)
	unsubscribe := f.manager.OnChange(func(s Snapshot) { changes <- s })
	defer unsubscribe()
	require.NoError(t, f.manager.Start(ctx))
	<-changes

	f.provider.emit(testIdentity())
	require.Eventually(t, func() bool { return f.manager.IsAuthenticated(ctx) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "u1", f.manager.CurrentIdentity().UID)
	require.Eventually(t, func() bool { return f.backend.syncCount() == 1 }, time.Second, 5*time.Millisecond)

	f.provider.emit(nil)
	require.Eventually(t, func() bool { return !f.manager.IsAuthenticated(ctx) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StateAnonymous, f.manager.State())
	assert.Empty(t, f.navigator.navigations(), "provider sign-out does not navigate")
}

func TestSessionManager_RepeatedNotificationSyncsOnce(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.provider.signInID = testIdentity()
	require.NoError(t, f.manager.Start(ctx))

	_, err := f.manager.SignIn(ctx, "user@test.com", "secret123")
	require.NoError(t, err)
	gen := f.manager.Snapshot().Generation
	f.provider.emit(testIdentity())
	f.provider.emit(testIdentity())

	require.NoError(t, f.manager.Close())
	assert.Equal(t, 1, f.backend.syncCount())
	assert.Equal(t, gen, f.manager.Snapshot().Generation)
}

func TestSessionManager_RestoredSessionSyncsOnFirstNotification(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	require.NoError(t, f.store.MemoryStore.SetMany(ctx, map[string]string{
		KeyAuthToken: "tok-abc",
		KeyAuthUser:  `{"uid":"u1","email":"user@test.com","token":"tok-abc"}`,
	}))
	require.NoError(t, f.manager.Start(ctx))

	f.provider.emit(testIdentity())

	require.Eventually(t, func() bool { return f.backend.syncCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.manager.CurrentProfile() != nil }, time.Second, 5*time.Millisecond)
}

func TestSessionManager_LateNotificationForSignedOutTokenIgnored(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.provider.signInID = testIdentity()
	require.NoError(t, f.manager.Start(ctx))
	_, err := f.manager.SignIn(ctx, "user@test.com", "secret123")
	require.NoError(t, err)
	require.NoError(t, f.manager.SignOut(ctx))

	f.provider.emit(testIdentity())
	f.provider.emit(nil)
	require.Eventually(t, func() bool { return len(f.provider.events) == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.manager.Close())

	assert.False(t, f.manager.IsAuthenticated(ctx))
	assert.Nil(t, f.manager.CurrentIdentity())
}

func TestSessionManager_SocialSignIn(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.provider.socialID = &domain.Identity{UID: "g1", Email: "g@test.com", Token: "tok-g"}
	require.NoError(t, f.manager.Start(ctx))

	identity, err := f.manager.SignInWithGoogle(ctx)

	require.NoError(t, err)
	assert.Equal(t, "g1", identity.UID)
	assert.Equal(t, "google", f.provider.lastSocial)
	assert.True(t, f.manager.IsAuthenticated(ctx))
	require.Eventually(t, func() bool { return f.backend.syncCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSessionManager_SocialSignInPopupClosed(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.provider.socialErr = domain.ErrPopupClosed
	require.NoError(t, f.manager.Start(ctx))

	_, err := f.manager.SignInWithGoogle(ctx)

	assert.Equal(t, domain.CodePopupClosed, domain.ErrorCode(err))
	assert.False(t, f.manager.IsAuthenticated(ctx))
}

func TestSessionManager_SignUp(t *testing.T) {
	tests := []struct {
		name      string
		req       domain.SignUpRequest
		backend   *stubBackend
		wantCode  string
		wantCalls int
	}{
		{
			name:      "created",
			req:       domain.SignUpRequest{Email: " new@test.com ", Password: "secret123", ExtraFields: map[string]any{"fullName": "New"}},
			backend:   &stubBackend{signUpUser: &domain.BackendUser{ID: "b1", Email: "new@test.com"}},
			wantCalls: 1,
		},
		{
			name:     "invalid email",
			req:      domain.SignUpRequest{Email: "nope", Password: "secret123"},
			backend:  &stubBackend{},
			wantCode: domain.CodeValidation,
		},
		{
			name:     "short password",
			req:      domain.SignUpRequest{Email: "new@test.com", Password: "123"},
			backend:  &stubBackend{},
			wantCode: domain.CodeValidation,
		},
		{
			name:      "backend rejects",
			req:       domain.SignUpRequest{Email: "new@test.com", Password: "secret123"},
			backend:   &stubBackend{signUpErr: domain.NewAuthError(domain.CodeValidation, "email already registered", nil)},
			wantCode:  domain.CodeValidation,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := newFaultyStore()
			m := NewSessionManager(newFakeProvider(), tt.backend, newTestPersisted(store), &recordingNavigator{}, discardLogger())
			defer m.Close()

			user, err := m.SignUp(ctx, tt.req)

			assert.Len(t, tt.backend.signUps, tt.wantCalls)
			assert.False(t, m.IsAuthenticated(ctx))
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, domain.ErrorCode(err))
				assert.Nil(t, user)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "b1", user.ID)
			assert.Equal(t, "new@test.com", tt.backend.signUps[0].Email)
		})
	}
}

func TestSessionManager_ResetPassword(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)

	assert.Equal(t, domain.CodeInvalidEmail, domain.ErrorCode(f.manager.ResetPassword(ctx, "not-an-email")))
	assert.Empty(t, f.backend.resets)

	require.NoError(t, f.manager.ResetPassword(ctx, "user@test.com"))
	assert.Equal(t, []string{"user@test.com"}, f.backend.resets)

	f.backend.resetErr = domain.ErrBackendUnavailable
	assert.ErrorIs(t, f.manager.ResetPassword(ctx, "user@test.com"), domain.ErrBackendUnavailable)
	assert.False(t, f.manager.IsAuthenticated(ctx))
}

func TestSessionManager_ClosedRejectsSignIn(t *testing.T) {
	f := newManagerFixture(t)
	f.provider.signInID = testIdentity()
	require.NoError(t, f.manager.Close())

	_, err := f.manager.SignIn(context.Background(), "user@test.com", "secret123")

	assert.ErrorIs(t, err, domain.ErrManagerClosed)
	assert.NoError(t, f.manager.Close())
}

func TestSessionManager_CloseStopsSubscription(t *testing.T) {
	f := newManagerFixture(t)
	require.NoError(t, f.manager.Start(context.Background()))

	require.NoError(t, f.manager.Close())

	select {
	case <-f.provider.watchClosed:
	case <-time.After(time.Second):
		t.Fatal("subscription still running after Close")
	}
}

func TestSessionManager_SignOutWithCanceledContextClearsStorage(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.provider.signInID = testIdentity()
	require.NoError(t, f.manager.Start(ctx))
	_, err := f.manager.SignIn(ctx, "user@test.com", "secret123")
	require.NoError(t, err)

	reqCtx, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, f.manager.SignOut(reqCtx))

	_, hasToken := f.store.raw(KeyAuthToken)
	_, hasUser := f.store.raw(KeyAuthUser)
	assert.False(t, hasToken)
	assert.False(t, hasUser)
	assert.False(t, f.manager.IsAuthenticated(ctx))
	assert.Equal(t, []string{"/"}, f.navigator.navigations())
}

func TestSessionManager_FailedRepersistKeepsStoredSession(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.provider.signInID = testIdentity()
	require.NoError(t, f.manager.Start(ctx))
	_, err := f.manager.SignIn(ctx, "user@test.com", "secret123")
	require.NoError(t, err)
	f.store.fail("SetMany")

	err = f.manager.applyIdentity(ctx, &domain.Identity{UID: "u1", Email: "user@test.com", Token: "tok-new"}, false)

	require.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.Equal(t, domain.StateAuthenticated, f.manager.State())
	assert.Equal(t, "tok-abc", f.manager.CurrentIdentity().Token)
	assert.True(t, f.manager.IsAuthenticated(ctx))
	assert.Equal(t, "tok-abc", f.manager.Token(ctx))
}

func TestSessionManager_GuardReadDuringSignOut(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.provider.signInID = testIdentity()
	require.NoError(t, f.manager.Start(ctx))
	_, err := f.manager.SignIn(ctx, "user@test.com", "secret123")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.manager.CurrentProfile() != nil }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.manager.Close())
	f.persisted.cache.Invalidate()

	reached, release := f.store.pauseNextRead()
	done := make(chan bool)
	go func() { done <- f.manager.IsAuthenticated(ctx) }()

	<-reached
	require.NoError(t, f.manager.SignOut(ctx))
	release()
	<-done

	assert.False(t, f.manager.IsAuthenticated(ctx))
	assert.Empty(t, f.manager.Token(ctx))
}

func TestSessionManager_NotificationForRevokedTokenNotPersisted(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.provider.signInID = testIdentity()
	require.NoError(t, f.manager.Start(ctx))
	_, err := f.manager.SignIn(ctx, "user@test.com", "secret123")
	require.NoError(t, err)
	require.NoError(t, f.manager.SignOut(ctx))

	err = f.manager.applyIdentity(ctx, testIdentity(), false)
	assert.ErrorIs(t, err, errTokenSignedOut)
	assert.False(t, f.manager.IsAuthenticated(ctx))

	// an explicit sign-in with the same token is honored and resets the revocations
	_, err = f.manager.SignIn(ctx, "user@test.com", "secret123")
	require.NoError(t, err)
	assert.True(t, f.manager.IsAuthenticated(ctx))
	f.manager.mu.Lock()
	assert.Empty(t, f.manager.revoked)
	f.manager.mu.Unlock()
}

func TestSessionManager_ProfileCopiesAreIndependent(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.backend.profile = &domain.Profile{
		DisplayName: "Fresh",
		Preferences: map[string]any{"theme": "dark"},
		Payload:     json.RawMessage(`{"displayName":"Fresh"}`),
	}
	f.provider.signInID = testIdentity()
	require.NoError(t, f.manager.Start(ctx))
	_, err := f.manager.SignIn(ctx, "user@test.com", "secret123")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.manager.CurrentProfile() != nil }, time.Second, 5*time.Millisecond)

	got := f.manager.CurrentProfile()
	got.Preferences["theme"] = "light"
	got.Payload[0] = '['

	again := f.manager.Snapshot().Profile
	assert.Equal(t, "dark", again.Preferences["theme"])
	assert.Equal(t, byte('{'), again.Payload[0])
}
