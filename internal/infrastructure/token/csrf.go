package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"

	"marketplace-session/internal/domain"
)

// HMACCSRFGenerator generates CSRF tokens using HMAC-SHA256.
// Implements domain.CSRFTokenGenerator.
type HMACCSRFGenerator struct {
	secret []byte
}

// NewHMACCSRFGenerator creates a new CSRF token generator.
func NewHMACCSRFGenerator(secret string) *HMACCSRFGenerator {
	return &HMACCSRFGenerator{secret: []byte(secret)}
}

// Generate creates a deterministic CSRF token bound to binding (a client id or session token).
func (g *HMACCSRFGenerator) Generate(binding string) (string, error) {
	if len(g.secret) == 0 {
		return "", domain.ErrCSRFSecretMissing
	}

	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(binding))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether token was generated for binding. Comparison is constant time.
func (g *HMACCSRFGenerator) Verify(binding, token string) bool {
	if token == "" || binding == "" {
		return false
	}
	expected, err := g.Generate(binding)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(token))
}
