package cli

import (
	"errors"
	"fmt"
	"strings"

	"marketplace-session/config"

	"github.com/spf13/viper"
)

// Settings is the sessionctl configuration read from .sessionctl.yaml and SESSIONCTL_* variables.
type Settings struct {
	Output  OutputSettings  `mapstructure:"output"`
	Logging LoggingSettings `mapstructure:"logging"`
	Storage StorageSettings `mapstructure:"storage"`
	Backend BackendSettings `mapstructure:"backend"`
}

// OutputSettings contains output formatting settings
type OutputSettings struct {
	Colors bool   `mapstructure:"colors"`
	Format string `mapstructure:"format"`
}

// LoggingSettings contains logging settings
type LoggingSettings struct {
	Level string `mapstructure:"level"`
}

// StorageSettings override the session storage of the environment configuration.
type StorageSettings struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	RedisURL  string `mapstructure:"redis_url"`
	Namespace string `mapstructure:"namespace"`
}

// BackendSettings override the backend endpoint.
type BackendSettings struct {
	URL string `mapstructure:"url"`
}

// LoadSettings reads cfgFile, or .sessionctl.yaml from the working directory and
// $HOME/.config/sessionctl. A missing file is not an error.
func LoadSettings(cfgFile string) (*Settings, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(".sessionctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/sessionctl")
	}

	v.SetEnvPrefix("SESSIONCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("output.colors", true)
	v.SetDefault("output.format", "table")
	v.SetDefault("logging.level", "warn")
	for _, k := range []string{"storage.driver", "storage.path", "storage.redis_url", "storage.namespace", "backend.url"} {
		v.SetDefault(k, "")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	switch s.Output.Format {
	case "table", "json":
	default:
		return nil, fmt.Errorf("invalid output.format %q: must be table or json", s.Output.Format)
	}
	return &s, nil
}

// Apply overlays the non-empty settings on cfg and revalidates it.
func (s *Settings) Apply(cfg *config.Config) error {
	overlay := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	overlay(&cfg.StorageDriver, strings.ToLower(s.Storage.Driver))
	overlay(&cfg.StoragePath, s.Storage.Path)
	overlay(&cfg.RedisURL, s.Storage.RedisURL)
	overlay(&cfg.StorageNamespace, s.Storage.Namespace)
	overlay(&cfg.BackendURL, s.Backend.URL)
	return cfg.Validate()
}
