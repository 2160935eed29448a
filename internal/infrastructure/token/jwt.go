package token

import (
	"errors"
	"fmt"
	"time"

	"marketplace-session/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig holds access token configuration.
type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
}

// accessClaims are the claims of an access token issued by the local provider.
type accessClaims struct {
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
	Sid     string `json:"sid"`
	jwt.RegisteredClaims
}

// AccessClaims is the verified content of an access token.
type AccessClaims struct {
	UID       string
	Email     string
	Name      string
	Picture   string
	SessionID string
	ExpiresAt time.Time
}

// JWTIssuer issues and verifies HS256 access tokens.
type JWTIssuer struct {
	cfg JWTConfig
	now func() time.Time
}

// NewJWTIssuer creates a new JWT issuer.
func NewJWTIssuer(cfg JWTConfig) *JWTIssuer {
	return &JWTIssuer{cfg: cfg, now: time.Now}
}

// Issue generates a signed access token for identity bound to sessionID.
func (j *JWTIssuer) Issue(identity *domain.Identity, sessionID string) (string, error) {
	now := j.now()
	claims := accessClaims{
		Email:   identity.Email,
		Name:    identity.DisplayName,
		Picture: identity.PhotoURL,
		Sid:     sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.cfg.Issuer,
			Audience:  jwt.ClaimStrings{j.cfg.Audience},
			Subject:   identity.UID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.cfg.TTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(j.cfg.Secret))
}

// Parse verifies signature, issuer, audience and expiry of tokenStr.
func (j *JWTIssuer) Parse(tokenStr string) (*AccessClaims, error) {
	var claims accessClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		return []byte(j.cfg.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(j.cfg.Issuer),
		jwt.WithAudience(j.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: expired", domain.ErrTokenInvalid)
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrTokenInvalid, err)
	}

	return &AccessClaims{
		UID:       claims.Subject,
		Email:     claims.Email,
		Name:      claims.Name,
		Picture:   claims.Picture,
		SessionID: claims.Sid,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
