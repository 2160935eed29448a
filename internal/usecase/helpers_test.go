package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"marketplace-session/internal/domain"
	"marketplace-session/internal/infrastructure/cache"
	"marketplace-session/internal/infrastructure/storage"
)

var errInjected = errors.New("injected failure")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// faultyStore wraps MemoryStore and fails operations on demand.
type faultyStore struct {
	*storage.MemoryStore

	mu sync.Mutex
	// failFrom maps an operation to the first call number (1-based) that fails.
	failFrom map[string]int
	calls    map[string]int
	// afterGetMany runs once, after the next GetMany has read the store.
	afterGetMany func()
}

func newFaultyStore() *faultyStore {
	return &faultyStore{
		MemoryStore: storage.NewMemoryStore(),
		failFrom:    make(map[string]int),
		calls:       make(map[string]int),
	}
}

// fail makes every following call of op fail.
func (s *faultyStore) fail(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFrom[op] = s.calls[op] + 1
}

// failAfter lets n more calls of op succeed, then fails the rest.
func (s *faultyStore) failAfter(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFrom[op] = s.calls[op] + n + 1
}

func (s *faultyStore) heal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.failFrom)
}

func (s *faultyStore) check(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if from, ok := s.failFrom[op]; ok && s.calls[op] >= from {
		return errInjected
	}
	return nil
}

func (s *faultyStore) callCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *faultyStore) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	if err := s.check("GetMany"); err != nil {
		return nil, err
	}
	values, err := s.MemoryStore.GetMany(ctx, keys...)

	s.mu.Lock()
	hook := s.afterGetMany
	s.afterGetMany = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return values, err
}

// pauseNextRead blocks the next GetMany after it has read the store. reached is
// closed once the read is paused; the read returns after release is called.
func (s *faultyStore) pauseNextRead() (reached <-chan struct{}, release func()) {
	r := make(chan struct{})
	gate := make(chan struct{})
	s.mu.Lock()
	s.afterGetMany = func() {
		close(r)
		<-gate
	}
	s.mu.Unlock()
	return r, func() { close(gate) }
}

func (s *faultyStore) SetMany(ctx context.Context, entries map[string]string) error {
	if err := s.check("SetMany"); err != nil {
		return err
	}
	return s.MemoryStore.SetMany(ctx, entries)
}

func (s *faultyStore) Delete(ctx context.Context, keys ...string) error {
	if err := s.check("Delete"); err != nil {
		return err
	}
	return s.MemoryStore.Delete(ctx, keys...)
}

// raw reads a key bypassing the persisted-session cache.
func (s *faultyStore) raw(key string) (string, bool) {
	v, ok, _ := s.MemoryStore.Get(context.Background(), key)
	return v, ok
}

func newTestPersisted(store domain.KeyValueStore) *PersistedSession {
	return NewPersistedSession(store, cache.NewSessionCache(0), discardLogger())
}

// fakeProvider is a scripted IdentityProvider with a controllable notification stream.
type fakeProvider struct {
	mu          sync.Mutex
	signInID    *domain.Identity
	signInErr   error
	socialID    *domain.Identity
	socialErr   error
	signOutErr  error
	signOuts    int
	watchErr    error
	events      chan domain.AuthStateChange
	lastSocial  string
	watchClosed chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		events:      make(chan domain.AuthStateChange, 16),
		watchClosed: make(chan struct{}),
	}
}

func (p *fakeProvider) SignInWithPassword(_ context.Context, _, _ string) (*domain.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signInErr != nil {
		return nil, p.signInErr
	}
	id := *p.signInID
	return &id, nil
}

func (p *fakeProvider) SignInWithSocial(_ context.Context, provider string) (*domain.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSocial = provider
	if p.socialErr != nil {
		return nil, p.socialErr
	}
	id := *p.socialID
	return &id, nil
}

func (p *fakeProvider) SignOut(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signOuts++
	return p.signOutErr
}

func (p *fakeProvider) WatchAuthState(ctx context.Context) (<-chan domain.AuthStateChange, error) {
	if p.watchErr != nil {
		return nil, p.watchErr
	}
	out := make(chan domain.AuthStateChange)
	go func() {
		defer close(p.watchClosed)
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-p.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *fakeProvider) emit(identity *domain.Identity) {
	p.events <- domain.AuthStateChange{Identity: identity}
}

// recordingNavigator records hard navigations.
type recordingNavigator struct {
	mu    sync.Mutex
	paths []string
	// onNavigate runs before the navigation is recorded.
	onNavigate func()
}

func (n *recordingNavigator) HardNavigate(_ context.Context, path string) {
	if n.onNavigate != nil {
		n.onNavigate()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paths = append(n.paths, path)
}

func (n *recordingNavigator) navigations() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.paths...)
}

// stubBackend is a scripted AuthBackend. fetch may block on gate.
type stubBackend struct {
	mu         sync.Mutex
	profile    *domain.Profile
	fetchErr   error
	gate       chan struct{}
	fetches    int
	syncs      []domain.Identity
	syncErr    error
	signUpUser *domain.BackendUser
	signUpErr  error
	signUps    []domain.SignUpRequest
	resets     []string
	resetErr   error
}

func (b *stubBackend) SignUp(_ context.Context, req domain.SignUpRequest) (*domain.BackendUser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signUps = append(b.signUps, req)
	return b.signUpUser, b.signUpErr
}

func (b *stubBackend) SyncUser(_ context.Context, identity domain.Identity) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncs = append(b.syncs, identity)
	return b.syncErr
}

func (b *stubBackend) ResetPassword(_ context.Context, email string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resets = append(b.resets, email)
	return b.resetErr
}

func (b *stubBackend) FetchProfile(ctx context.Context, _ string) (*domain.Profile, error) {
	b.mu.Lock()
	b.fetches++
	gate := b.gate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	if b.profile == nil {
		return nil, errors.New("no profile")
	}
	p := *b.profile
	return &p, nil
}

func (b *stubBackend) syncCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.syncs)
}

func (b *stubBackend) fetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches
}
