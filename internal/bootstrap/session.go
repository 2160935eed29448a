// Package bootstrap assembles the session manager and its collaborators from configuration.
package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"

	"marketplace-session/config"
	"marketplace-session/internal/adapter/gateway"
	"marketplace-session/internal/domain"
	"marketplace-session/internal/infrastructure/cache"
	"marketplace-session/internal/infrastructure/localidp"
	"marketplace-session/internal/infrastructure/metrics"
	"marketplace-session/internal/infrastructure/navigation"
	"marketplace-session/internal/infrastructure/popup"
	"marketplace-session/internal/infrastructure/storage"
	"marketplace-session/internal/infrastructure/token"
	"marketplace-session/internal/usecase"

	"github.com/prometheus/client_golang/prometheus"
)

// Options carries the process-specific hooks.
type Options struct {
	// Registerer receives the session metrics; nil disables them.
	Registerer prometheus.Registerer
	// OpenBrowser shows the provider's sign-in page during social sign-in.
	OpenBrowser func(url string) error
	// Navigate is called after the hard navigation has been recorded.
	Navigate func(path string)
}

// Session is one process's session manager plus the resources it owns.
type Session struct {
	Manager  *usecase.SessionManager
	Provider domain.IdentityProvider
	Store    domain.KeyValueStore
	Metrics  *metrics.SessionMetrics
}

// NewSession builds a SessionManager for cfg. The caller must Start it and Close the Session.
func NewSession(cfg *config.Config, logger *slog.Logger, opts Options) (*Session, error) {
	store, err := storage.Open(storage.Options{
		Driver:    cfg.StorageDriver,
		Path:      cfg.StoragePath,
		RedisURL:  cfg.RedisURL,
		Namespace: cfg.StorageNamespace,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.StorageDriver, err)
	}

	persisted := usecase.NewPersistedSession(store, cache.NewSessionCache(cfg.CacheTTL), logger)

	provider, err := newProvider(cfg, persisted, logger, opts)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	backend := gateway.NewBackendClient(cfg.BackendURL, cfg.BackendProfilePath, cfg.BackendTimeout, logger)

	managerOpts := []usecase.Option{usecase.WithLandingPath(cfg.LandingPath)}
	var m *metrics.SessionMetrics
	if opts.Registerer != nil {
		m = metrics.New(opts.Registerer)
		managerOpts = append(managerOpts, usecase.WithMetrics(m))
	}

	manager := usecase.NewSessionManager(provider, backend, persisted,
		navigation.New(logger, opts.Navigate), logger, managerOpts...)

	return &Session{Manager: manager, Provider: provider, Store: store, Metrics: m}, nil
}

func newProvider(cfg *config.Config, persisted *usecase.PersistedSession, logger *slog.Logger, opts Options) (domain.IdentityProvider, error) {
	switch cfg.IdentityProvider {
	case config.ProviderKratos:
		opener := opts.OpenBrowser
		if opener == nil {
			opener = func(url string) error {
				logger.Info("open this URL to continue signing in", "url", url)
				return nil
			}
		}
		return gateway.NewKratosProvider(cfg.KratosURL, cfg.ProviderTimeout, logger,
			gateway.WithPopupOpener(popup.NewLoopback(cfg.PopupAddr, opener, logger)),
			gateway.WithTokenSource(persisted.Token),
			gateway.WithSessionCheckInterval(cfg.SessionCheckInterval),
		), nil

	case config.ProviderLocal:
		issuer := token.NewJWTIssuer(token.JWTConfig{
			Secret:   cfg.LocalIDPSecret,
			Issuer:   "marketplace-session",
			Audience: "marketplace",
			TTL:      cfg.LocalIDPTokenTTL,
		})
		idpOpts := []localidp.Option{localidp.WithTokenSource(persisted.Token)}
		if cfg.LocalGoogleEmail != "" {
			idpOpts = append(idpOpts, localidp.WithSocialIdentity("google", domain.Identity{
				Email:         cfg.LocalGoogleEmail,
				EmailVerified: true,
			}))
		}
		idp := localidp.New(issuer, logger, idpOpts...)
		for _, u := range cfg.LocalIDPUsers {
			if _, err := idp.Register(u.Email, u.Password, u.DisplayName); err != nil {
				return nil, fmt.Errorf("seed local user %s: %w", u.Email, err)
			}
		}
		return idp, nil

	default:
		return nil, fmt.Errorf("unknown identity provider %q", cfg.IdentityProvider)
	}
}

// Close stops the manager, then releases the store.
func (s *Session) Close() error {
	return errors.Join(s.Manager.Close(), s.Store.Close())
}
