package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Identity provider names.
const (
	ProviderLocal  = "local"
	ProviderKratos = "kratos"
)

// Config holds the application configuration
type Config struct {
	Port        string // Web front port
	LandingPath string // Hard-navigation target after sign-out
	SignInPath  string // Where the route guard sends anonymous page requests

	IdentityProvider     string        // "local" or "kratos"
	KratosURL            string        // Kratos public (frontend) API
	ProviderTimeout      time.Duration // Per-request timeout towards the provider
	SessionCheckInterval time.Duration // Kratos session re-check period, 0 disables
	PopupAddr            string        // Loopback address receiving social sign-in callbacks

	BackendURL         string        // Marketplace backend base URL
	BackendProfilePath string        // Profile endpoint path
	BackendTimeout     time.Duration // Per-request timeout towards the backend

	StorageDriver    string        // memory, file, sqlite or redis
	StoragePath      string        // File or SQLite path
	RedisURL         string        // Redis URL for the redis driver
	StorageNamespace string        // Redis key prefix
	CacheTTL         time.Duration // Persisted-session snapshot TTL

	CSRFSecret   string // CSRF secret for token generation
	CookieSecure bool   // Mark cookies Secure and send HSTS
	MetricsToken string // Bearer token for /metrics, empty leaves it open

	LocalIDPSecret   string        // HS256 secret of the local provider
	LocalIDPTokenTTL time.Duration // Local access token lifetime
	LocalIDPUsers    []LocalUser   // Accounts seeded into the local provider
	LocalGoogleEmail string        // Identity returned by the local Google sign-in
}

// LocalUser is one account seeded into the local identity provider.
type LocalUser struct {
	Email       string
	Password    string
	DisplayName string
}

// LoadDotEnv loads the given .env files when present. Existing variables win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Port:               getEnv("PORT", "8787"),
		LandingPath:        getEnv("LANDING_PATH", "/"),
		SignInPath:         getEnv("SIGN_IN_PATH", "/sign-in"),
		IdentityProvider:   strings.ToLower(getEnv("IDENTITY_PROVIDER", ProviderLocal)),
		KratosURL:          getEnv("KRATOS_URL", "http://localhost:4433"),
		PopupAddr:          getEnv("POPUP_ADDR", "127.0.0.1:8790"),
		BackendURL:         getEnv("BACKEND_URL", "http://localhost:8080"),
		BackendProfilePath: getEnv("BACKEND_PROFILE_PATH", "/api/users/profile"),
		StorageDriver:      strings.ToLower(getEnv("STORAGE_DRIVER", "file")),
		StoragePath:        getEnv("STORAGE_PATH", ".session/session.json"),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379/0"),
		StorageNamespace:   getEnv("STORAGE_NAMESPACE", "marketplace"),
		CSRFSecret:         getEnv("CSRF_SECRET", ""),
		MetricsToken:       getEnv("METRICS_TOKEN", ""),
		LocalIDPSecret:     getEnv("LOCAL_IDP_SECRET", ""),
		LocalGoogleEmail:   getEnv("LOCAL_IDP_GOOGLE_EMAIL", ""),
	}

	var err error
	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"PROVIDER_TIMEOUT", 10 * time.Second, &config.ProviderTimeout},
		{"SESSION_CHECK_INTERVAL", time.Minute, &config.SessionCheckInterval},
		{"BACKEND_TIMEOUT", 10 * time.Second, &config.BackendTimeout},
		{"CACHE_TTL", 30 * time.Second, &config.CacheTTL},
		{"LOCAL_IDP_TOKEN_TTL", time.Hour, &config.LocalIDPTokenTTL},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, d.fallback); err != nil {
			return nil, err
		}
	}

	if config.CookieSecure, err = getBool("COOKIE_SECURE", false); err != nil {
		return nil, err
	}
	if config.LocalIDPUsers, err = parseLocalUsers(getEnv("LOCAL_IDP_USERS", "")); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if !strings.HasPrefix(c.LandingPath, "/") {
		return fmt.Errorf("LANDING_PATH must be an absolute path")
	}

	switch c.IdentityProvider {
	case ProviderKratos:
		if c.KratosURL == "" {
			return fmt.Errorf("KRATOS_URL cannot be empty")
		}
	case ProviderLocal:
		if len(c.LocalIDPSecret) < 32 {
			return fmt.Errorf("LOCAL_IDP_SECRET must be at least 32 characters")
		}
	default:
		return fmt.Errorf("unknown IDENTITY_PROVIDER %q", c.IdentityProvider)
	}

	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL cannot be empty")
	}

	switch c.StorageDriver {
	case "memory":
	case "file", "sqlite":
		if c.StoragePath == "" {
			return fmt.Errorf("STORAGE_PATH cannot be empty for driver %s", c.StorageDriver)
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL cannot be empty")
		}
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}

	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive")
	}
	if c.ProviderTimeout <= 0 || c.BackendTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT and BACKEND_TIMEOUT must be positive")
	}
	if c.SessionCheckInterval < 0 {
		return fmt.Errorf("SESSION_CHECK_INTERVAL cannot be negative")
	}
	return nil
}

// parseLocalUsers reads "email:password[:Display Name]" entries separated by commas.
func parseLocalUsers(raw string) ([]LocalUser, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var users []LocalUser
	for entry := range strings.SplitSeq(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid LOCAL_IDP_USERS entry %q", entry)
		}
		u := LocalUser{Email: parts[0], Password: parts[1]}
		if len(parts) == 3 {
			u.DisplayName = parts[2]
		}
		users = append(users, u)
	}
	return users, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s format: %w", key, err)
	}
	return d, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

// getEnv retrieves an environment variable or returns a fallback value.
// KEY_FILE, when set and readable, takes precedence over KEY.
func getEnv(key, fallback string) string {
	if fileValue := os.Getenv(key + "_FILE"); fileValue != "" {
		content, err := os.ReadFile(fileValue)
		if err == nil {
			return strings.TrimSpace(string(content))
		}
	}

	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
