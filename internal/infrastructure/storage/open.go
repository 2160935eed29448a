package storage

import (
	"fmt"
	"log/slog"

	"marketplace-session/internal/domain"
)

// Driver names accepted by Open.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Options selects and configures a storage backend.
type Options struct {
	Driver    string
	Path      string
	RedisURL  string
	Namespace string
}

// Open returns the KeyValueStore for opts.Driver.
func Open(opts Options, logger *slog.Logger) (domain.KeyValueStore, error) {
	switch opts.Driver {
	case DriverMemory, "":
		return NewMemoryStore(), nil
	case DriverFile:
		return OpenFileStore(opts.Path, logger)
	case DriverSQLite:
		return OpenSQLiteStore(opts.Path)
	case DriverRedis:
		return NewRedisStore(opts.RedisURL, opts.Namespace)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}
