package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment overrides for secrets and deployment-specific values.
const (
	EnvServerAddr             = "SERVER_ADDR"
	EnvAsaasAPIKey            = "ASAAS_API_KEY"
	EnvAsaasWebhookToken      = "ASAAS_WEBHOOK_TOKEN"
	EnvMercadoPagoAccessToken = "MERCADOPAGO_ACCESS_TOKEN"
	EnvMercadoPagoSecret      = "MERCADOPAGO_WEBHOOK_SECRET"
	EnvStripeAPIKey           = "STRIPE_API_KEY"
	EnvStripeWebhookSecret    = "STRIPE_WEBHOOK_SECRET"
	EnvCloudflareAPIToken     = "CLOUDFLARE_API_TOKEN"
	EnvVercelAPIToken         = "VERCEL_API_TOKEN"
	EnvRedisAddr              = "REDIS_ADDR"
	EnvTrialDays              = "TRIAL_DAYS"
)

// Defaults applied when the config file omits a value.
const (
	DefaultServerAddr        = ":8080"
	DefaultGateway           = "asaas"
	DefaultExternalTimeout   = 5 * time.Second
	DefaultTrialDays         = 7
	DefaultSweepInterval     = time.Hour
	DefaultReconcileInterval = 5 * time.Minute
	DefaultCancelGrace       = 10 * time.Minute
	DefaultProvisioningStale = 15 * time.Minute
	DefaultTenantRateLimit   = 120
	DefaultWebhookRateLimit  = 600
	DefaultRateLimitWindow   = time.Minute
	DefaultRateLimitPrefix   = "feedbox:rl"
	DefaultAsaasBaseURL      = "https://api.asaas.com/v3"
	DefaultMercadoPagoURL    = "https://api.mercadopago.com"
	DefaultCloudflareBaseURL = "https://api.cloudflare.com/client/v4"
	DefaultVercelBaseURL     = "https://api.vercel.com"
)

// ServerConfig holds HTTP server and logging settings.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	Debug     bool   `yaml:"debug"`
	LogFormat string `yaml:"log-format"`
}

// AsaasConfig holds credentials for the Asaas gateway.
type AsaasConfig struct {
	BaseURL      string `yaml:"base-url"`
	APIKey       string `yaml:"api-key"`
	WebhookToken string `yaml:"webhook-token"`
}

// MercadoPagoConfig holds credentials for the Mercado Pago gateway.
type MercadoPagoConfig struct {
	BaseURL       string `yaml:"base-url"`
	AccessToken   string `yaml:"access-token"`
	WebhookSecret string `yaml:"webhook-secret"`
	SuccessURL    string `yaml:"success-url"`
}

// StripeConfig holds credentials for the Stripe gateway.
type StripeConfig struct {
	APIKey        string `yaml:"api-key"`
	WebhookSecret string `yaml:"webhook-secret"`
	SuccessURL    string `yaml:"success-url"`
	CancelURL     string `yaml:"cancel-url"`
	Currency      string `yaml:"currency"`
}

// GatewaysConfig selects and configures payment gateways.
type GatewaysConfig struct {
	Default     string            `yaml:"default"`
	Timeout     time.Duration     `yaml:"timeout"`
	Asaas       AsaasConfig       `yaml:"asaas"`
	MercadoPago MercadoPagoConfig `yaml:"mercadopago"`
	Stripe      StripeConfig      `yaml:"stripe"`
}

// CloudflareConfig holds DNS provider credentials.
type CloudflareConfig struct {
	BaseURL  string `yaml:"base-url"`
	APIToken string `yaml:"api-token"`
	ZoneID   string `yaml:"zone-id"`
	Proxied  bool   `yaml:"proxied"`
}

// VercelConfig holds hosting provider credentials.
type VercelConfig struct {
	BaseURL   string `yaml:"base-url"`
	APIToken  string `yaml:"api-token"`
	ProjectID string `yaml:"project-id"`
	TeamID    string `yaml:"team-id"`
}

// ProvisioningConfig configures tenant subdomain provisioning.
type ProvisioningConfig struct {
	RootDomain string           `yaml:"root-domain"`
	Target     string           `yaml:"target"`
	Timeout    time.Duration    `yaml:"timeout"`
	StaleAfter time.Duration    `yaml:"stale-after"`
	Reserved   []string         `yaml:"reserved-subdomains"`
	Cloudflare CloudflareConfig `yaml:"cloudflare"`
	Vercel     VercelConfig     `yaml:"vercel"`
}

// SubscriptionsConfig holds subscription lifecycle settings.
type SubscriptionsConfig struct {
	TrialDays   int           `yaml:"trial-days"`
	CancelGrace time.Duration `yaml:"cancel-grace"`
}

// WorkersConfig holds background loop intervals.
type WorkersConfig struct {
	SweepInterval     time.Duration `yaml:"sweep-interval"`
	ReconcileInterval time.Duration `yaml:"reconcile-interval"`
}

// RateLimitConfig holds request rate limit settings.
type RateLimitConfig struct {
	TenantLimit   int           `yaml:"tenant"`
	WebhookLimit  int           `yaml:"webhook"`
	Window        time.Duration `yaml:"window"`
	RedisEnabled  bool          `yaml:"redis-enabled"`
	RedisAddr     string        `yaml:"redis-addr"`
	RedisPassword string        `yaml:"redis-password"`
	RedisDB       int           `yaml:"redis-db"`
	RedisPrefix   string        `yaml:"redis-prefix"`
}

// BillingConfig aggregates every service setting read from the config file.
type BillingConfig struct {
	DatabaseDSN   string              `yaml:"database-dsn"`
	Database      DatabaseConfig      `yaml:"database"`
	JWT           JWTConfig           `yaml:"jwt"`
	Server        ServerConfig        `yaml:"server"`
	Gateways      GatewaysConfig      `yaml:"gateways"`
	Provisioning  ProvisioningConfig  `yaml:"provisioning"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Workers       WorkersConfig       `yaml:"workers"`
	RateLimit     RateLimitConfig     `yaml:"rate-limit"`
}

// LoadBillingConfig reads billing settings from the YAML config file and applies env overrides.
// A missing file yields defaults.
func LoadBillingConfig(configPath string) (BillingConfig, error) {
	var cfg BillingConfig
	data, errRead := os.ReadFile(configPath)
	if errRead != nil && !os.IsNotExist(errRead) {
		return BillingConfig{}, fmt.Errorf("read config file: %w", errRead)
	}
	if errRead == nil {
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return BillingConfig{}, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	}
	applyEnvOverrides(&cfg)
	applyAccessOverrides(&cfg)
	applyDefaults(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *BillingConfig) {
	overrideString(&cfg.Server.Addr, EnvServerAddr)
	overrideString(&cfg.Gateways.Asaas.APIKey, EnvAsaasAPIKey)
	overrideString(&cfg.Gateways.Asaas.WebhookToken, EnvAsaasWebhookToken)
	overrideString(&cfg.Gateways.MercadoPago.AccessToken, EnvMercadoPagoAccessToken)
	overrideString(&cfg.Gateways.MercadoPago.WebhookSecret, EnvMercadoPagoSecret)
	overrideString(&cfg.Gateways.Stripe.APIKey, EnvStripeAPIKey)
	overrideString(&cfg.Gateways.Stripe.WebhookSecret, EnvStripeWebhookSecret)
	overrideString(&cfg.Provisioning.Cloudflare.APIToken, EnvCloudflareAPIToken)
	overrideString(&cfg.Provisioning.Vercel.APIToken, EnvVercelAPIToken)
	if addr := strings.TrimSpace(os.Getenv(EnvRedisAddr)); addr != "" {
		cfg.RateLimit.RedisAddr = addr
		cfg.RateLimit.RedisEnabled = true
	}
	if raw := strings.TrimSpace(os.Getenv(EnvTrialDays)); raw != "" {
		if days, errParse := strconv.Atoi(raw); errParse == nil && days > 0 {
			cfg.Subscriptions.TrialDays = days
		}
	}
}

func overrideString(dst *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*dst = value
	}
}

func applyDefaults(cfg *BillingConfig) {
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		cfg.Server.Addr = DefaultServerAddr
	}
	cfg.Gateways.Default = strings.ToLower(strings.TrimSpace(cfg.Gateways.Default))
	if cfg.Gateways.Default == "" {
		cfg.Gateways.Default = DefaultGateway
	}
	if cfg.Gateways.Timeout <= 0 {
		cfg.Gateways.Timeout = DefaultExternalTimeout
	}
	if cfg.Gateways.Asaas.BaseURL == "" {
		cfg.Gateways.Asaas.BaseURL = DefaultAsaasBaseURL
	}
	if cfg.Gateways.MercadoPago.BaseURL == "" {
		cfg.Gateways.MercadoPago.BaseURL = DefaultMercadoPagoURL
	}
	if cfg.Gateways.Stripe.Currency == "" {
		cfg.Gateways.Stripe.Currency = "brl"
	}
	if cfg.Provisioning.Timeout <= 0 {
		cfg.Provisioning.Timeout = DefaultExternalTimeout
	}
	if cfg.Provisioning.StaleAfter <= 0 {
		cfg.Provisioning.StaleAfter = DefaultProvisioningStale
	}
	if cfg.Provisioning.Cloudflare.BaseURL == "" {
		cfg.Provisioning.Cloudflare.BaseURL = DefaultCloudflareBaseURL
	}
	if cfg.Provisioning.Vercel.BaseURL == "" {
		cfg.Provisioning.Vercel.BaseURL = DefaultVercelBaseURL
	}
	if cfg.Subscriptions.TrialDays <= 0 {
		cfg.Subscriptions.TrialDays = DefaultTrialDays
	}
	if cfg.Subscriptions.CancelGrace <= 0 {
		cfg.Subscriptions.CancelGrace = DefaultCancelGrace
	}
	if cfg.Workers.SweepInterval <= 0 {
		cfg.Workers.SweepInterval = DefaultSweepInterval
	}
	if cfg.Workers.ReconcileInterval <= 0 {
		cfg.Workers.ReconcileInterval = DefaultReconcileInterval
	}
	if cfg.RateLimit.TenantLimit < 0 {
		cfg.RateLimit.TenantLimit = 0
	} else if cfg.RateLimit.TenantLimit == 0 {
		cfg.RateLimit.TenantLimit = DefaultTenantRateLimit
	}
	if cfg.RateLimit.WebhookLimit < 0 {
		cfg.RateLimit.WebhookLimit = 0
	} else if cfg.RateLimit.WebhookLimit == 0 {
		cfg.RateLimit.WebhookLimit = DefaultWebhookRateLimit
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = DefaultRateLimitWindow
	}
	if strings.TrimSpace(cfg.RateLimit.RedisPrefix) == "" {
		cfg.RateLimit.RedisPrefix = DefaultRateLimitPrefix
	}
	if cfg.RateLimit.RedisDB < 0 {
		cfg.RateLimit.RedisDB = 0
	}
}
