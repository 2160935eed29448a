package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"marketplace-session/internal/domain"
	"marketplace-session/internal/infrastructure/cache"
)

// Storage keys of the persisted session.
const (
	KeyAuthToken   = "authToken"
	KeyAuthUser    = "authUser"
	KeyUserProfile = "userProfile"
)

var sessionKeys = []string{KeyAuthToken, KeyAuthUser, KeyUserProfile}

// userRecord is the JSON stored under KeyAuthUser.
type userRecord struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL"`
	Token       string `json:"token"`
}

// PersistedSession is the durable projection of identity and profile.
// Token and user record are written together and cleared together.
type PersistedSession struct {
	store  domain.KeyValueStore
	cache  *cache.SessionCache
	logger *slog.Logger
}

// NewPersistedSession creates a PersistedSession over store. Reads go through c,
// which is invalidated on every write and on external change notifications.
func NewPersistedSession(store domain.KeyValueStore, c *cache.SessionCache, l *slog.Logger) *PersistedSession {
	p := &PersistedSession{store: store, cache: c, logger: l}
	if n, ok := store.(domain.ChangeNotifier); ok {
		n.OnExternalChange(c.Invalidate)
	}
	return p
}

func (p *PersistedSession) snapshot(ctx context.Context) (domain.CachedSession, error) {
	if s, ok := p.cache.Get(); ok {
		return *s, nil
	}
	version := p.cache.Version()
	values, err := p.store.GetMany(ctx, sessionKeys...)
	if err != nil {
		return domain.CachedSession{}, fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	s := domain.CachedSession{
		Token:          values[KeyAuthToken],
		UserRecord:     values[KeyAuthUser],
		ProfilePayload: values[KeyUserProfile],
	}
	p.cache.SetIfVersion(version, s)
	return s, nil
}

// HasSession reports whether both token and user record are present.
func (p *PersistedSession) HasSession(ctx context.Context) bool {
	s, err := p.snapshot(ctx)
	if err != nil {
		p.logger.WarnContext(ctx, "session storage read failed", "error", err)
		return false
	}
	return s.Token != "" && s.UserRecord != ""
}

// Token returns the persisted access token, or "" when no complete session is stored.
func (p *PersistedSession) Token(ctx context.Context) string {
	s, err := p.snapshot(ctx)
	if err != nil || s.UserRecord == "" {
		return ""
	}
	return s.Token
}

// LoadIdentity returns the cached identity, or nil when token or user record is missing.
func (p *PersistedSession) LoadIdentity(ctx context.Context) (*domain.Identity, error) {
	s, err := p.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if s.Token == "" || s.UserRecord == "" {
		return nil, nil
	}
	var rec userRecord
	if err := json.Unmarshal([]byte(s.UserRecord), &rec); err != nil {
		return nil, fmt.Errorf("decode user record: %w", err)
	}
	if rec.UID == "" {
		return nil, fmt.Errorf("decode user record: missing uid")
	}
	return &domain.Identity{
		UID:         rec.UID,
		Email:       rec.Email,
		DisplayName: rec.DisplayName,
		PhotoURL:    rec.PhotoURL,
		Token:       s.Token,
	}, nil
}

// IsPartial reports whether exactly one of token and user record is stored.
func (p *PersistedSession) IsPartial(ctx context.Context) bool {
	s, err := p.snapshot(ctx)
	if err != nil {
		return false
	}
	return (s.Token == "") != (s.UserRecord == "")
}

// SaveIdentity writes token and user record in one atomic write. On failure
// whatever was stored before is left as it was.
func (p *PersistedSession) SaveIdentity(ctx context.Context, identity *domain.Identity) error {
	defer p.cache.Invalidate()

	rec, err := json.Marshal(userRecord{
		UID:         identity.UID,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
		PhotoURL:    identity.PhotoURL,
		Token:       identity.Token,
	})
	if err != nil {
		return fmt.Errorf("encode user record: %w", err)
	}
	if err := p.store.SetMany(ctx, map[string]string{
		KeyAuthToken: identity.Token,
		KeyAuthUser:  string(rec),
	}); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// LoadProfile returns the cached profile, if any.
func (p *PersistedSession) LoadProfile(ctx context.Context) (*domain.Profile, bool, error) {
	s, err := p.snapshot(ctx)
	if err != nil {
		return nil, false, err
	}
	if s.ProfilePayload == "" {
		return nil, false, nil
	}
	profile, err := domain.ParseProfile([]byte(s.ProfilePayload))
	if err != nil {
		return nil, false, err
	}
	return profile, true, nil
}

// SaveProfile caches the backend profile payload.
func (p *PersistedSession) SaveProfile(ctx context.Context, profile *domain.Profile) error {
	defer p.cache.Invalidate()

	payload := profile.Payload
	if len(payload) == 0 {
		var err error
		if payload, err = json.Marshal(profile); err != nil {
			return fmt.Errorf("encode profile: %w", err)
		}
	}
	if err := p.store.SetMany(ctx, map[string]string{KeyUserProfile: string(payload)}); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// Clear removes token, user record and profile in one atomic delete.
func (p *PersistedSession) Clear(ctx context.Context) error {
	defer p.cache.Invalidate()

	if err := p.store.Delete(ctx, sessionKeys...); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	return nil
}
