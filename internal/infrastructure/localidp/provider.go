// Package localidp is an in-process identity provider for development and tests.
// Passwords are stored as Argon2id hashes and access tokens are HS256 JWTs.
package localidp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"marketplace-session/internal/domain"
	"marketplace-session/internal/infrastructure/authstate"
	"marketplace-session/internal/infrastructure/token"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// DefaultHashParams follow the OWASP minimum for Argon2id.
var DefaultHashParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// Failed sign-in attempts allowed per account before too-many-requests.
const (
	attemptBurst  = 5
	attemptRefill = time.Minute
)

// ErrUserExists is returned by Register for a taken email.
var ErrUserExists = errors.New("user already exists")

type user struct {
	identity     domain.Identity
	passwordHash string
}

// Provider implements domain.IdentityProvider in memory.
type Provider struct {
	issuer      *token.JWTIssuer
	params      *argon2id.Params
	tokens      func(ctx context.Context) string
	broadcaster *authstate.Broadcaster
	logger      *slog.Logger

	mu       sync.Mutex
	users    map[string]*user // by lower-cased email
	social   map[string]domain.Identity
	limiters map[string]*rate.Limiter
	revoked  map[string]struct{} // session ids
	current  string
}

// Option configures a Provider.
type Option func(*Provider)

// WithHashParams overrides the Argon2id parameters.
func WithHashParams(p *argon2id.Params) Option {
	return func(pr *Provider) { pr.params = p }
}

// WithTokenSource sets where a restored access token comes from.
func WithTokenSource(ts func(ctx context.Context) string) Option {
	return func(pr *Provider) { pr.tokens = ts }
}

// WithSocialIdentity makes SignInWithSocial(provider) succeed as identity.
func WithSocialIdentity(provider string, identity domain.Identity) Option {
	return func(pr *Provider) { pr.social[provider] = identity }
}

// New creates an empty provider issuing tokens with issuer.
func New(issuer *token.JWTIssuer, logger *slog.Logger, opts ...Option) *Provider {
	p := &Provider{
		issuer:      issuer,
		params:      DefaultHashParams,
		broadcaster: authstate.NewBroadcaster(),
		logger:      logger,
		users:       make(map[string]*user),
		social:      make(map[string]domain.Identity),
		limiters:    make(map[string]*rate.Limiter),
		revoked:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds an account and returns its identity without a token.
func (p *Provider) Register(email, password, displayName string) (*domain.Identity, error) {
	key := strings.ToLower(strings.TrimSpace(email))
	if key == "" || password == "" {
		return nil, domain.NewAuthError(domain.CodeValidation, "email and password are required", nil)
	}

	hash, err := argon2id.CreateHash(password, p.params)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.users[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrUserExists, key)
	}
	u := &user{
		identity: domain.Identity{
			UID:           uuid.NewString(),
			Email:         key,
			DisplayName:   displayName,
			EmailVerified: true,
		},
		passwordHash: hash,
	}
	p.users[key] = u

	out := u.identity
	return &out, nil
}

// SignInWithPassword verifies the password and issues an access token.
func (p *Provider) SignInWithPassword(ctx context.Context, email, password string) (*domain.Identity, error) {
	key := strings.ToLower(strings.TrimSpace(email))

	p.mu.Lock()
	u, ok := p.users[key]
	limiter := p.limiterLocked(key)
	p.mu.Unlock()

	if limiter.Tokens() < 1 {
		return nil, domain.NewAuthError(domain.CodeTooManyRequests, "too many failed attempts, try again later", nil)
	}
	if !ok {
		limiter.Allow()
		return nil, domain.NewAuthError(domain.CodeUserNotFound, "no account for this email", nil)
	}

	match, err := argon2id.ComparePasswordAndHash(password, u.passwordHash)
	if err != nil {
		return nil, fmt.Errorf("compare password: %w", err)
	}
	if !match {
		limiter.Allow()
		return nil, domain.NewAuthError(domain.CodeInvalidCredential, "wrong password", nil)
	}

	return p.startSession(ctx, u.identity)
}

// SignInWithSocial signs in as the identity preset for provider.
func (p *Provider) SignInWithSocial(ctx context.Context, provider string) (*domain.Identity, error) {
	p.mu.Lock()
	identity, ok := p.social[provider]
	p.mu.Unlock()
	if !ok {
		return nil, domain.NewAuthError(domain.CodeProviderUnavailable, fmt.Sprintf("%s sign-in is not configured", provider), nil)
	}
	if identity.UID == "" {
		identity.UID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(provider+":"+identity.Email)).String()
	}
	return p.startSession(ctx, identity)
}

func (p *Provider) startSession(ctx context.Context, identity domain.Identity) (*domain.Identity, error) {
	tok, err := p.issuer.Issue(&identity, uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	identity.Token = tok

	p.mu.Lock()
	p.current = tok
	p.mu.Unlock()

	p.logger.DebugContext(ctx, "local session started", "user_id", identity.UID)
	p.broadcaster.Publish(domain.AuthStateChange{Identity: &identity})

	out := identity
	return &out, nil
}

// SignOut revokes the current session. Without one it only publishes the sign-out.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	tok := p.current
	p.current = ""
	p.mu.Unlock()
	if tok == "" && p.tokens != nil {
		tok = p.tokens(ctx)
	}

	if tok != "" {
		if claims, err := p.issuer.Parse(tok); err == nil {
			p.mu.Lock()
			p.revoked[claims.SessionID] = struct{}{}
			p.mu.Unlock()
		}
	}

	p.broadcaster.Publish(domain.AuthStateChange{})
	return nil
}

// WatchAuthState subscribes to sign-in and sign-out changes. A restored token is
// verified once: a valid one is confirmed, an invalid one is signed out.
func (p *Provider) WatchAuthState(ctx context.Context) (<-chan domain.AuthStateChange, error) {
	ch := p.broadcaster.Subscribe(ctx)

	if p.tokens != nil {
		if tok := p.tokens(ctx); tok != "" {
			p.confirm(tok)
		}
	}
	return ch, nil
}

func (p *Provider) confirm(tok string) {
	identity, err := p.Verify(tok)
	if err != nil {
		p.logger.Info("restored local session rejected", "error", err)
		p.broadcaster.Publish(domain.AuthStateChange{})
		return
	}

	p.mu.Lock()
	p.current = tok
	p.mu.Unlock()
	p.broadcaster.Publish(domain.AuthStateChange{Identity: identity})
}

// Verify returns the identity an access token was issued for.
func (p *Provider) Verify(tok string) (*domain.Identity, error) {
	claims, err := p.issuer.Parse(tok)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	_, revoked := p.revoked[claims.SessionID]
	p.mu.Unlock()
	if revoked {
		return nil, fmt.Errorf("%w: session revoked", domain.ErrTokenInvalid)
	}

	return &domain.Identity{
		UID:           claims.UID,
		Email:         claims.Email,
		DisplayName:   claims.Name,
		PhotoURL:      claims.Picture,
		EmailVerified: true,
		Token:         tok,
	}, nil
}

func (p *Provider) limiterLocked(key string) *rate.Limiter {
	l, ok := p.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(attemptRefill), attemptBurst)
		p.limiters[key] = l
	}
	return l
}

var _ domain.IdentityProvider = (*Provider)(nil)
