//go:generate mockgen -source=port.go -destination=mock/port_mock.go -package=mock

package domain

import "context"

// KeyValueStore is the durable string key-value storage backing a persisted session.
// SetMany and Delete must apply all keys or none.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	GetMany(ctx context.Context, keys ...string) (map[string]string, error)
	SetMany(ctx context.Context, entries map[string]string) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// ChangeNotifier is implemented by stores that can observe writes made by other processes.
type ChangeNotifier interface {
	OnExternalChange(fn func())
}

// IdentityProvider verifies credentials and publishes auth-state changes.
type IdentityProvider interface {
	SignInWithPassword(ctx context.Context, email, password string) (*Identity, error)
	SignInWithSocial(ctx context.Context, provider string) (*Identity, error)
	SignOut(ctx context.Context) error
	// WatchAuthState delivers notifications in emission order until ctx is done,
	// then closes the channel.
	WatchAuthState(ctx context.Context) (<-chan AuthStateChange, error)
}

// AuthBackend is the marketplace backend surface used by the session manager.
type AuthBackend interface {
	SignUp(ctx context.Context, req SignUpRequest) (*BackendUser, error)
	SyncUser(ctx context.Context, identity Identity) error
	ResetPassword(ctx context.Context, email string) error
	FetchProfile(ctx context.Context, token string) (*Profile, error)
}

// Navigator performs a full navigation that discards all view state.
type Navigator interface {
	HardNavigate(ctx context.Context, path string)
}

// SessionMetrics records session lifecycle events.
type SessionMetrics interface {
	Transition(to AuthState)
	SignIn(method, result string)
	BackgroundFailure(task string)
	StaleResultDiscarded(task string)
}

// CSRFTokenGenerator generates CSRF tokens from a binding value.
type CSRFTokenGenerator interface {
	Generate(binding string) (string, error)
	Verify(binding, token string) bool
}
