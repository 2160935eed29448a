package domain

import (
	"encoding/json"
	"time"
)

// Identity represents the authenticated principal returned by the identity provider.
type Identity struct {
	UID           string
	Email         string
	DisplayName   string
	PhotoURL      string
	EmailVerified bool
	PhoneNumber   string
	// Token is the provider-issued access token. Expiry is not enforced locally.
	Token string
}

// SameSession reports whether both identities describe the same principal and token.
func (i *Identity) SameSession(other *Identity) bool {
	if i == nil || other == nil {
		return i == other
	}
	return i.UID == other.UID && i.Token == other.Token
}

// Profile is application-owned user data fetched from the marketplace backend.
type Profile struct {
	DisplayName string         `json:"displayName,omitempty"`
	AvatarURL   string         `json:"avatarUrl,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
	// Payload is the backend response body as received; it is what gets cached.
	Payload json.RawMessage `json:"-"`
}

// SignUpRequest is the input to a backend sign-up.
type SignUpRequest struct {
	Email       string         `validate:"required,email"`
	Password    string         `validate:"required,min=6"`
	ExtraFields map[string]any `validate:"-"`
}

// BackendUser is the user record returned by the backend after sign-up.
type BackendUser struct {
	ID        string         `json:"id"`
	Email     string         `json:"email"`
	FullName  string         `json:"fullName,omitempty"`
	CreatedAt *time.Time     `json:"createdAt,omitempty"`
	Extra     map[string]any `json:"-"`
}

// AuthState is the lifecycle state of the session manager.
type AuthState int

const (
	StateUnknown AuthState = iota
	StateRestoring
	StateAuthenticated
	StateAnonymous
)

func (s AuthState) String() string {
	switch s {
	case StateRestoring:
		return "restoring"
	case StateAuthenticated:
		return "authenticated"
	case StateAnonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

// AuthStateChange is one notification of the provider's auth-state stream.
// A nil Identity means the provider no longer has a signed-in user.
type AuthStateChange struct {
	Identity *Identity
}

// CachedSession is an in-memory snapshot of the persisted session keys.
// An empty field means the key is absent from storage.
type CachedSession struct {
	Token          string
	UserRecord     string
	ProfilePayload string
}
