package ratelimit

import (
	"strings"
	"time"

	"github.com/feedbox/billing/internal/config"
)

// SettingsConfig captures rate limit settings.
type SettingsConfig struct {
	TenantLimit   int
	WebhookLimit  int
	Window        time.Duration
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// SettingsFromConfig converts loaded configuration into limiter settings.
func SettingsFromConfig(cfg config.RateLimitConfig) SettingsConfig {
	settings := SettingsConfig{
		TenantLimit:   cfg.TenantLimit,
		WebhookLimit:  cfg.WebhookLimit,
		Window:        cfg.Window,
		RedisEnabled:  cfg.RedisEnabled,
		RedisAddr:     strings.TrimSpace(cfg.RedisAddr),
		RedisPassword: strings.TrimSpace(cfg.RedisPassword),
		RedisDB:       cfg.RedisDB,
		RedisPrefix:   strings.TrimSpace(cfg.RedisPrefix),
	}
	if settings.RedisPrefix == "" {
		settings.RedisPrefix = config.DefaultRateLimitPrefix
	}
	if settings.Window <= 0 {
		settings.Window = config.DefaultRateLimitWindow
	}
	if settings.RedisDB < 0 {
		settings.RedisDB = 0
	}
	if settings.TenantLimit < 0 {
		settings.TenantLimit = 0
	}
	if settings.WebhookLimit < 0 {
		settings.WebhookLimit = 0
	}
	return settings
}

// StaticSettings returns a provider that always yields settings.
func StaticSettings(settings SettingsConfig) SettingsProvider {
	return func() SettingsConfig { return settings }
}

// DecisionFor resolves the limit for scope.
func (s SettingsConfig) DecisionFor(scope Scope) Decision {
	decision := Decision{Window: s.Window, Scope: scope}
	switch scope {
	case ScopeTenant:
		decision.Limit = s.TenantLimit
	case ScopeIP:
		decision.Limit = s.WebhookLimit
	}
	return decision
}
