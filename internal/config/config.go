package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Environment overrides for process-level settings.
const (
	EnvConfigPath   = "CONFIG_PATH"
	EnvDBConnection = "DB_CONNECTION"
	EnvJWTSecret    = "JWT_SECRET"
	EnvJWTMaxAge    = "JWT_MAX_AGE"
)

// DefaultConfigPath is read when neither --config nor CONFIG_PATH is set.
const DefaultConfigPath = "config.yaml"

// DefaultJWTMaxAge bounds how old an accepted bearer token may be.
const DefaultJWTMaxAge = 30 * 24 * time.Hour

// ErrMissingDatabaseDSN indicates no database DSN is configured.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database.dsn`, `database-dsn` or DB_CONNECTION)")

// AppConfig locates the config file.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv resolves the config file location from CONFIG_PATH.
func LoadFromEnv() (AppConfig, error) {
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath returns an absolute config path, defaulting to DefaultConfigPath.
func ResolveConfigPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		p = DefaultConfigPath
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

// DatabaseConfig holds the connection string. Both `database.dsn` and the flat
// `database-dsn` key are accepted; the nested key wins.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// JWTConfig holds bearer token verification settings. Tokens are issued by the
// identity service; this service only verifies them.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	MaxAge time.Duration `yaml:"max-age"`
}

// DSN returns the configured database DSN.
func (c BillingConfig) DSN() (string, error) {
	if dsn := strings.TrimSpace(c.Database.DSN); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(c.DatabaseDSN); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

func applyAccessOverrides(cfg *BillingConfig) {
	overrideString(&cfg.Database.DSN, EnvDBConnection)
	overrideString(&cfg.JWT.Secret, EnvJWTSecret)
	if raw := strings.TrimSpace(os.Getenv(EnvJWTMaxAge)); raw != "" {
		if maxAge, errParse := time.ParseDuration(raw); errParse == nil && maxAge > 0 {
			cfg.JWT.MaxAge = maxAge
		}
	}
	if cfg.JWT.MaxAge <= 0 {
		cfg.JWT.MaxAge = DefaultJWTMaxAge
	}
}
