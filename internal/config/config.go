package config

import (
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds application configuration (env + Viper).
type Config struct {
	Env                 string
	Port                string
	DatabaseURL         string
	RedisURL            string
	LockBackend         string // "memory" (in-process) or "redis" (RedLock across instances)
	RabbitMQURL         string
	RabbitMQExchange    string
	StripeSecretKey     string
	StripeWebhookSecret string
	SendinblueAPIKey    string // SENDINBLUE_API_KEY for transactional emails (Brevo)
	MailFrom            string
	FrontendURLEndsWith string
	DevPassword         string
	HealthAdminKey      string
	LogLevel            string

	ComplianceHoldThreshold decimal.Decimal
	KYCRequired             bool
	OperationStaleAfter     time.Duration
	IdempotencyWait         time.Duration
	SweepInterval           time.Duration
	CacheVerifyInterval     time.Duration
	NotificationWorkers     int
	NotificationBuffer      int
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Load loads config from env and optional .env file.
func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	_ = viper.ReadInConfig()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("PORT", "8080")
	viper.SetDefault("LOCK_BACKEND", "memory")
	viper.SetDefault("RABBITMQ_EXCHANGE", "ledger.events")
	viper.SetDefault("COMPLIANCE_HOLD_THRESHOLD", "10000")
	viper.SetDefault("OPERATION_STALE_AFTER", "15m")
	viper.SetDefault("IDEMPOTENCY_WAIT", "10s")
	viper.SetDefault("SWEEP_INTERVAL", "1m")
	viper.SetDefault("CACHE_VERIFY_INTERVAL", "5m")
	viper.SetDefault("NOTIFICATION_WORKERS", 2)
	viper.SetDefault("NOTIFICATION_BUFFER", 1024)
	viper.SetDefault("LOG_LEVEL", "info")

	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	dbURL := viper.GetString("DATABASE_URL_DEV")
	if env == "production" {
		dbURL = viper.GetString("DATABASE_URL_PROD")
	} else if env == "test" {
		dbURL = viper.GetString("DATABASE_URL_TEST")
	}
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}

	threshold, err := decimal.NewFromString(viper.GetString("COMPLIANCE_HOLD_THRESHOLD"))
	if err != nil {
		return nil, err
	}

	return &Config{
		Env:                     env,
		Port:                    viper.GetString("PORT"),
		DatabaseURL:             dbURL,
		RedisURL:                viper.GetString("REDIS_URL"),
		LockBackend:             strings.ToLower(viper.GetString("LOCK_BACKEND")),
		RabbitMQURL:             viper.GetString("RABBITMQ_URL"),
		RabbitMQExchange:        viper.GetString("RABBITMQ_EXCHANGE"),
		StripeSecretKey:         viper.GetString("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:     viper.GetString("STRIPE_WEBHOOK_SECRET"),
		SendinblueAPIKey:        viper.GetString("SENDINBLUE_API_KEY"),
		MailFrom:                viper.GetString("MAIL_FROM"),
		FrontendURLEndsWith:     viper.GetString("FRONTEND_URL_ENDS_WITH"),
		DevPassword:             viper.GetString("DEV_PASSWORD"),
		HealthAdminKey:          viper.GetString("HEALTH_ADMIN_KEY"),
		LogLevel:                viper.GetString("LOG_LEVEL"),
		ComplianceHoldThreshold: threshold,
		KYCRequired:             strings.EqualFold(viper.GetString("KYC_REQUIRED"), "true"),
		OperationStaleAfter:     viper.GetDuration("OPERATION_STALE_AFTER"),
		IdempotencyWait:         viper.GetDuration("IDEMPOTENCY_WAIT"),
		SweepInterval:           viper.GetDuration("SWEEP_INTERVAL"),
		CacheVerifyInterval:     viper.GetDuration("CACHE_VERIFY_INTERVAL"),
		NotificationWorkers:     viper.GetInt("NOTIFICATION_WORKERS"),
		NotificationBuffer:      viper.GetInt("NOTIFICATION_BUFFER"),
	}, nil
}
