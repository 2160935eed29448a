package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"

	"marketplace-session/internal/domain"

	"github.com/go-playground/validator/v10"
)

// DefaultLandingPath is where sign-out navigates.
const DefaultLandingPath = "/"

// Background task names, used in logs and metrics.
const (
	taskProfileSync = "profile-sync"
	taskBackendSync = "backend-sync"
)

// Snapshot is a consistent view of the manager's state.
type Snapshot struct {
	State      domain.AuthState
	Identity   *domain.Identity
	Profile    *domain.Profile
	Generation uint64
}

// Option configures a SessionManager.
type Option func(*SessionManager)

// WithMetrics sets the metrics recorder.
func WithMetrics(m domain.SessionMetrics) Option {
	return func(s *SessionManager) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLandingPath sets the path sign-out navigates to.
func WithLandingPath(path string) Option {
	return func(s *SessionManager) {
		if path != "" {
			s.landingPath = path
		}
	}
}

// SessionManager owns the identity lifecycle: it mediates every transition of
// the current Identity/Profile pair and keeps PersistedSession consistent with it.
type SessionManager struct {
	provider    domain.IdentityProvider
	backend     domain.AuthBackend
	persisted   *PersistedSession
	navigator   domain.Navigator
	metrics     domain.SessionMetrics
	validate    *validator.Validate
	logger      *slog.Logger
	landingPath string

	mu         sync.Mutex
	state      domain.AuthState
	identity   *domain.Identity
	profile    *domain.Profile
	generation uint64
	// spawnedGen is the generation whose background tasks have been started.
	spawnedGen uint64
	// revoked holds tokens signed out by this process since the last new
	// identity; late provider notifications carrying them are ignored.
	revoked map[string]struct{}

	observersMu  sync.Mutex
	observers    map[int]func(Snapshot)
	nextObserver int

	started bool
	closed  bool
	bgCtx   context.Context
	cancel  context.CancelFunc
	tasks   sync.WaitGroup
}

// NewSessionManager creates a SessionManager in the Unknown state. Call Start to restore
// the persisted session and subscribe to the provider.
func NewSessionManager(
	provider domain.IdentityProvider,
	backend domain.AuthBackend,
	persisted *PersistedSession,
	navigator domain.Navigator,
	logger *slog.Logger,
	opts ...Option,
) *SessionManager {
	bgCtx, cancel := context.WithCancel(context.Background())
	m := &SessionManager{
		provider:    provider,
		backend:     backend,
		persisted:   persisted,
		navigator:   navigator,
		metrics:     noopMetrics{},
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger,
		landingPath: DefaultLandingPath,
		state:       domain.StateUnknown,
		revoked:     make(map[string]struct{}),
		observers:   make(map[int]func(Snapshot)),
		bgCtx:       bgCtx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start restores the persisted session without contacting the provider, then
// subscribes to the provider's auth-state notifications.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.ErrManagerClosed
	}
	if m.started {
		m.mu.Unlock()
		return domain.ErrManagerStarted
	}
	m.started = true
	m.setStateLocked(domain.StateRestoring)
	m.restoreLocked(ctx)
	m.mu.Unlock()
	m.notifyObservers()

	events, err := m.provider.WatchAuthState(m.bgCtx)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to subscribe to auth state", "error", err)
		return fmt.Errorf("subscribe to auth state: %w", err)
	}

	m.tasks.Add(1)
	go m.watchLoop(events)
	return nil
}

// restoreLocked sets the identity from the persisted record. A partial record is cleared.
func (m *SessionManager) restoreLocked(ctx context.Context) {
	identity, err := m.persisted.LoadIdentity(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "discarding unreadable persisted session", "error", err)
	}
	if identity == nil {
		if m.persisted.IsPartial(ctx) {
			m.logger.WarnContext(ctx, "discarding partial persisted session")
		}
		if err := m.persisted.Clear(ctx); err != nil {
			m.logger.ErrorContext(ctx, "failed to clear persisted session", "error", err)
		}
		m.identity = nil
		m.profile = nil
		m.setStateLocked(domain.StateAnonymous)
		return
	}

	m.generation++
	m.identity = identity
	profile, found, err := m.persisted.LoadProfile(ctx)
	switch {
	case err != nil:
		m.logger.WarnContext(ctx, "ignoring unreadable cached profile", "error", err)
	case found:
		m.profile = profile
	}
	m.setStateLocked(domain.StateAuthenticated)
	m.logger.InfoContext(ctx, "session restored from storage", "user_id", identity.UID)
}

func (m *SessionManager) watchLoop(events <-chan domain.AuthStateChange) {
	defer m.tasks.Done()
	for {
		select {
		case <-m.bgCtx.Done():
			return
		case change, ok := <-events:
			if !ok {
				return
			}
			m.handleAuthChange(m.bgCtx, change)
		}
	}
}

func (m *SessionManager) handleAuthChange(ctx context.Context, change domain.AuthStateChange) {
	if change.Identity == nil {
		if err := m.becomeAnonymous(ctx, ""); err != nil {
			m.logger.ErrorContext(ctx, "failed to clear session after provider sign-out", "error", err)
		}
		return
	}

	err := m.applyIdentity(ctx, change.Identity, false)
	switch {
	case errors.Is(err, errTokenSignedOut):
		m.logger.DebugContext(ctx, "ignoring notification for signed-out token", "user_id", change.Identity.UID)
	case err != nil:
		m.logger.ErrorContext(ctx, "failed to apply provider identity", "user_id", change.Identity.UID, "error", err)
	}
}

// errTokenSignedOut rejects provider notifications for a token this process signed out.
var errTokenSignedOut = errors.New("token was signed out")

// applyIdentity persists identity and makes it current. Background profile and
// backend sync start once per generation. A user sign-in passes userAction and
// is applied even for a previously signed-out token.
//
// A failed write leaves memory untouched; storage keeps what it held before.
func (m *SessionManager) applyIdentity(ctx context.Context, identity *domain.Identity, userAction bool) error {
	next := *identity

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.ErrManagerClosed
	}
	if _, revoked := m.revoked[next.Token]; revoked && !userAction {
		m.mu.Unlock()
		return errTokenSignedOut
	}
	if err := m.persisted.SaveIdentity(ctx, &next); err != nil {
		m.mu.Unlock()
		return err
	}

	same := m.state == domain.StateAuthenticated && m.identity.SameSession(&next)
	if !same {
		m.generation++
		m.profile = nil
		clear(m.revoked)
	}
	m.identity = &next
	m.setStateLocked(domain.StateAuthenticated)

	gen := m.generation
	spawn := m.spawnedGen != gen
	m.spawnedGen = gen
	m.mu.Unlock()

	m.notifyObservers()

	if spawn {
		m.spawn(taskProfileSync, func(ctx context.Context) {
			_, _ = m.syncProfile(ctx, gen, next)
		})
		m.spawn(taskBackendSync, func(ctx context.Context) {
			m.syncBackend(ctx, next)
		})
	}
	return nil
}

// becomeAnonymous clears memory and storage. A non-empty token is remembered as revoked.
// The storage clear ignores cancellation of ctx.
func (m *SessionManager) becomeAnonymous(ctx context.Context, revokeToken string) error {
	m.mu.Lock()
	if revokeToken != "" {
		m.revoked[revokeToken] = struct{}{}
	}
	m.generation++
	m.identity = nil
	m.profile = nil
	err := m.persisted.Clear(context.WithoutCancel(ctx))
	m.setStateLocked(domain.StateAnonymous)
	m.mu.Unlock()

	m.notifyObservers()
	return err
}

// SignIn verifies email and password with the provider. Failures are returned
// classified and leave the session untouched.
func (m *SessionManager) SignIn(ctx context.Context, email, password string) (*domain.Identity, error) {
	if m.isClosed() {
		return nil, domain.ErrManagerClosed
	}

	identity, err := m.provider.SignInWithPassword(ctx, strings.TrimSpace(email), password)
	if err != nil {
		err = classify(err)
		m.metrics.SignIn("password", domain.ErrorCode(err))
		m.logger.InfoContext(ctx, "sign-in rejected", "code", domain.ErrorCode(err), "error", err)
		return nil, err
	}

	if err := m.applyIdentity(ctx, identity, true); err != nil {
		m.metrics.SignIn("password", domain.CodeInternal)
		return nil, fmt.Errorf("persist session: %w", err)
	}
	m.metrics.SignIn("password", "success")
	m.logger.InfoContext(ctx, "signed in", "user_id", identity.UID, "method", "password")

	out := *identity
	return &out, nil
}

// SignInWithGoogle runs the provider-hosted Google flow.
func (m *SessionManager) SignInWithGoogle(ctx context.Context) (*domain.Identity, error) {
	return m.SignInWithSocial(ctx, "google")
}

// SignInWithSocial runs a provider-hosted social sign-in. On success it behaves like SignIn.
func (m *SessionManager) SignInWithSocial(ctx context.Context, provider string) (*domain.Identity, error) {
	if m.isClosed() {
		return nil, domain.ErrManagerClosed
	}

	identity, err := m.provider.SignInWithSocial(ctx, provider)
	if err != nil {
		err = classify(err)
		m.metrics.SignIn(provider, domain.ErrorCode(err))
		m.logger.InfoContext(ctx, "social sign-in failed", "provider", provider, "code", domain.ErrorCode(err), "error", err)
		return nil, err
	}

	if err := m.applyIdentity(ctx, identity, true); err != nil {
		m.metrics.SignIn(provider, domain.CodeInternal)
		return nil, fmt.Errorf("persist session: %w", err)
	}
	m.metrics.SignIn(provider, "success")
	m.logger.InfoContext(ctx, "signed in", "user_id", identity.UID, "method", provider)

	out := *identity
	return &out, nil
}

// SignUp validates the request and delegates account creation to the backend.
// It does not change the session.
func (m *SessionManager) SignUp(ctx context.Context, req domain.SignUpRequest) (*domain.BackendUser, error) {
	req.Email = strings.TrimSpace(req.Email)
	if err := m.validate.StructCtx(ctx, req); err != nil {
		return nil, validationError(err)
	}

	user, err := m.backend.SignUp(ctx, req)
	if err != nil {
		m.logger.InfoContext(ctx, "sign-up rejected", "code", domain.ErrorCode(err), "error", err)
		return nil, classify(err)
	}
	m.logger.InfoContext(ctx, "account created", "user_id", user.ID)
	return user, nil
}

// SignOut signs out with the provider, clears memory and storage whatever failed,
// then performs one hard navigation to the landing path. It is safe to call when
// already anonymous.
func (m *SessionManager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	var token string
	if m.identity != nil {
		token = m.identity.Token
	}
	m.mu.Unlock()
	if token == "" {
		token = m.persisted.Token(ctx)
	}

	var errs []error
	if err := m.provider.SignOut(ctx); err != nil {
		m.logger.ErrorContext(ctx, "provider sign-out failed", "error", err)
		errs = append(errs, fmt.Errorf("provider sign-out: %w", err))
	}
	if err := m.becomeAnonymous(ctx, token); err != nil {
		m.logger.ErrorContext(ctx, "failed to clear persisted session", "error", err)
		errs = append(errs, fmt.Errorf("clear session: %w", err))
	}

	m.logger.InfoContext(ctx, "signed out", "navigate_to", m.landingPath)
	m.navigator.HardNavigate(ctx, m.landingPath)
	return errors.Join(errs...)
}

// ResetPassword passes the request to the backend. The session is not touched.
func (m *SessionManager) ResetPassword(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if err := m.validate.VarCtx(ctx, email, "required,email"); err != nil {
		return domain.NewAuthError(domain.CodeInvalidEmail, "a valid email address is required", err)
	}
	if err := m.backend.ResetPassword(ctx, email); err != nil {
		return classify(err)
	}
	return nil
}

// SyncProfile serves the cached profile first, then refreshes it from the backend.
// A failed refresh keeps the cached profile; an error is returned only when
// there is nothing to show.
func (m *SessionManager) SyncProfile(ctx context.Context) (*domain.Profile, error) {
	m.mu.Lock()
	if m.identity == nil {
		m.mu.Unlock()
		return nil, domain.ErrNotAuthenticated
	}
	identity := *m.identity
	gen := m.generation
	m.mu.Unlock()

	return m.syncProfile(ctx, gen, identity)
}

func (m *SessionManager) syncProfile(ctx context.Context, gen uint64, identity domain.Identity) (*domain.Profile, error) {
	m.mu.Lock()
	if m.generation == gen && m.profile == nil {
		cached, found, err := m.persisted.LoadProfile(ctx)
		switch {
		case err != nil:
			m.logger.WarnContext(ctx, "ignoring unreadable cached profile", "error", err)
		case found:
			m.profile = cached
		}
	}
	m.mu.Unlock()

	fresh, fetchErr := m.backend.FetchProfile(ctx, identity.Token)

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		m.metrics.StaleResultDiscarded(taskProfileSync)
		m.logger.DebugContext(ctx, "discarding profile for superseded identity", "user_id", identity.UID)
		return nil, domain.ErrNotAuthenticated
	}
	if fetchErr != nil {
		stale := copyProfile(m.profile)
		m.mu.Unlock()
		m.metrics.BackgroundFailure(taskProfileSync)
		m.logger.WarnContext(ctx, "profile fetch failed, keeping cached profile",
			"user_id", identity.UID,
			"cached", stale != nil,
			"error", fetchErr)
		if stale == nil {
			return nil, fmt.Errorf("fetch profile: %w", fetchErr)
		}
		return stale, nil
	}

	m.profile = fresh
	if err := m.persisted.SaveProfile(ctx, fresh); err != nil {
		m.logger.WarnContext(ctx, "failed to cache profile", "error", err)
	}
	out := copyProfile(fresh)
	m.mu.Unlock()

	m.notifyObservers()
	return out, nil
}

func (m *SessionManager) syncBackend(ctx context.Context, identity domain.Identity) {
	if err := m.backend.SyncUser(ctx, identity); err != nil {
		m.metrics.BackgroundFailure(taskBackendSync)
		m.logger.WarnContext(ctx, "backend user sync failed", "user_id", identity.UID, "error", err)
		return
	}
	m.logger.DebugContext(ctx, "backend user synced", "user_id", identity.UID)
}

// spawn runs fn on a tracked goroutine. Panics are logged, never propagated.
func (m *SessionManager) spawn(task string, fn func(ctx context.Context)) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.tasks.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				m.metrics.BackgroundFailure(task)
				m.logger.Error("background task panicked", "task", task, "panic", r)
			}
		}()
		fn(m.bgCtx)
	}()
}

// IsAuthenticated reports whether storage holds both token and user record.
// It never consults the in-memory identity.
func (m *SessionManager) IsAuthenticated(ctx context.Context) bool {
	return m.persisted.HasSession(ctx)
}

// Token returns the persisted access token, or "".
func (m *SessionManager) Token(ctx context.Context) string {
	return m.persisted.Token(ctx)
}

// State returns the lifecycle state.
func (m *SessionManager) State() domain.AuthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentIdentity returns a copy of the current identity, or nil.
func (m *SessionManager) CurrentIdentity() *domain.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return nil
	}
	out := *m.identity
	return &out
}

// CurrentProfile returns a copy of the current profile, or nil.
func (m *SessionManager) CurrentProfile() *domain.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyProfile(m.profile)
}

// Snapshot returns state, identity and profile read together.
func (m *SessionManager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *SessionManager) snapshotLocked() Snapshot {
	s := Snapshot{State: m.state, Generation: m.generation, Profile: copyProfile(m.profile)}
	if m.identity != nil {
		id := *m.identity
		s.Identity = &id
	}
	return s
}

// OnChange registers fn to receive a snapshot after every transition.
// The returned function unregisters it.
func (m *SessionManager) OnChange(fn func(Snapshot)) func() {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()

	id := m.nextObserver
	m.nextObserver++
	m.observers[id] = fn
	return func() {
		m.observersMu.Lock()
		defer m.observersMu.Unlock()
		delete(m.observers, id)
	}
}

func (m *SessionManager) notifyObservers() {
	snap := m.Snapshot()

	m.observersMu.Lock()
	fns := make([]func(Snapshot), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.observersMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// Close stops the provider subscription and waits for background tasks.
func (m *SessionManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.tasks.Wait()
	return nil
}

func (m *SessionManager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *SessionManager) setStateLocked(s domain.AuthState) {
	if m.state == s {
		return
	}
	m.logger.Debug("session state changed", "from", m.state.String(), "to", s.String())
	m.state = s
	m.metrics.Transition(s)
}

// classify makes sure err carries an AuthError code.
func classify(err error) error {
	var ae *domain.AuthError
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.NewAuthError(domain.CodeNetworkError, "request did not complete", err)
	}
	return domain.NewAuthError(domain.CodeInternal, "unexpected authentication failure", err)
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domain.NewAuthError(domain.CodeValidation, "invalid request", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, strings.ToLower(fe.Field())+" is required")
		case "email":
			msgs = append(msgs, "email must be a valid email address")
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s characters", strings.ToLower(fe.Field()), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", strings.ToLower(fe.Field())))
		}
	}
	return domain.NewAuthError(domain.CodeValidation, strings.Join(msgs, "; "), err)
}

func copyProfile(p *domain.Profile) *domain.Profile {
	if p == nil {
		return nil
	}
	out := *p
	out.Preferences = maps.Clone(p.Preferences)
	out.Payload = bytes.Clone(p.Payload)
	return &out
}

type noopMetrics struct{}

func (noopMetrics) Transition(domain.AuthState) {}
func (noopMetrics) SignIn(string, string) {}
func (noopMetrics) BackgroundFailure(string) {}
func (noopMetrics) StaleResultDiscarded(string) {}
