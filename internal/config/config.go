package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Payments  PaymentsConfig
	YooKassa  YooKassaConfig
	Platega   PlategaConfig
	CryptoBot CryptoBotConfig
	VPN       VPNConfig
	Notifier  NotifierConfig
	Logger    LoggerConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host        string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port        int    `envconfig:"SERVER_PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	// AdminToken guards the admin trigger endpoints
	AdminToken string `envconfig:"ADMIN_TOKEN"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL      string `envconfig:"DATABASE_URL" required:"true"`
	MaxConns int32  `envconfig:"DB_MAX_CONNS" default:"25"`
	MinConns int32  `envconfig:"DB_MIN_CONNS" default:"5"`
}

// PaymentsConfig holds the payment lifecycle knobs
type PaymentsConfig struct {
	DefaultCurrency string `envconfig:"DEFAULT_CURRENCY" default:"RUB"`
	// TimeoutMinutes bounds the synchronous payment-wait poll
	TimeoutMinutes int `envconfig:"PAYMENT_TIMEOUT_MINUTES" default:"5"`
	// CheckIntervalSeconds paces the payment-wait poll
	CheckIntervalSeconds int `envconfig:"PENDING_CHECK_INTERVAL_SECONDS" default:"5"`
	// CleanupExpiredHours ages out old pendings to expired
	CleanupExpiredHours int `envconfig:"CLEANUP_EXPIRED_HOURS" default:"24"`
	// ReconcileCron is the reconciler schedule (robfig/cron spec)
	ReconcileCron string `envconfig:"RECONCILE_CRON" default:"@every 5m"`
	// SubscriptionHost is the public host subscription URLs are built on
	SubscriptionHost string `envconfig:"SUBSCRIPTION_HOST" required:"true"`
}

// YooKassaConfig holds YooKassa credentials
type YooKassaConfig struct {
	ShopID        string `envconfig:"YOOKASSA_SHOP_ID"`
	APIKey        string `envconfig:"YOOKASSA_API_KEY"`
	ReturnURL     string `envconfig:"YOOKASSA_RETURN_URL"`
	WebhookSecret string `envconfig:"YOOKASSA_WEBHOOK_SECRET"`
}

// PlategaConfig holds Platega credentials
type PlategaConfig struct {
	MerchantID string `envconfig:"PLATEGA_MERCHANT_ID"`
	Secret     string `envconfig:"PLATEGA_SECRET"`
	ReturnURL  string `envconfig:"PLATEGA_RETURN_URL"`
}

// CryptoBotConfig holds CryptoBot credentials
type CryptoBotConfig struct {
	Token         string `envconfig:"CRYPTOBOT_TOKEN"`
	WebhookSecret string `envconfig:"CRYPTOBOT_WEBHOOK_SECRET"`
}

// VPNConfig holds VPN gateway knobs
type VPNConfig struct {
	// PrimaryOutlineServerID is preferred when selecting the single outline
	// server for a subscription
	PrimaryOutlineServerID int64 `envconfig:"PRIMARY_OUTLINE_SERVER_ID" default:"8"`
	// ServerTimeout bounds each remote credential call
	ServerTimeout time.Duration `envconfig:"VPN_SERVER_TIMEOUT" default:"30s"`
}

// NotifierConfig holds notification transport configuration
type NotifierConfig struct {
	// BotToken is the Telegram bot token for the direct HTTP fallback transport
	BotToken string `envconfig:"BOT_TOKEN"`
	// AdminUserID receives admin notifications
	AdminUserID int64 `envconfig:"ADMIN_USER_ID"`
	// APIBaseURL overrides the Telegram API host, mainly for tests
	APIBaseURL string `envconfig:"TELEGRAM_API_BASE_URL" default:"https://api.telegram.org"`
}

// LoggerConfig holds logging configuration
type LoggerConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEVELOPMENT" default:"false"`
}

// Load reads configuration from the environment, with an optional .env file
func Load() (*Config, error) {
	// A missing .env file is fine; real deployments set the environment
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Payments.DefaultCurrency {
	case "RUB", "USD", "EUR":
	default:
		return fmt.Errorf("DEFAULT_CURRENCY %q is not supported", c.Payments.DefaultCurrency)
	}
	if c.Payments.TimeoutMinutes <= 0 {
		return fmt.Errorf("PAYMENT_TIMEOUT_MINUTES must be positive")
	}
	if c.Payments.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("PENDING_CHECK_INTERVAL_SECONDS must be positive")
	}
	if c.Payments.CleanupExpiredHours <= 0 {
		return fmt.Errorf("CLEANUP_EXPIRED_HOURS must be positive")
	}
	return nil
}
