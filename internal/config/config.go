package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion        string
	SESFromEmail     string
	ReportEmail      string // recipient of the daily run summary; empty logs it instead
	SNSAlertTopicARN string // operator alerts; empty logs them instead

	// Payment provider
	PaymentAPIURL          string
	PaymentAccessToken     string // platform token for tenant subscription charges
	PaymentNotificationURL string

	// Messaging provider
	MessagingAPIURL     string
	MessagingAPIKey     string
	MessagingWebhookURL string
	PlatformInstance    string // session used for platform-originated messages
	DefaultCountryCode  string

	GatewayTimeout time.Duration

	// Dispatch pacing
	MessageDelay      time.Duration
	TenantSendLimit   int // sends per tenant per minute
	TenantConcurrency int

	// Billing
	SubscriptionTermDays int
	TrialDays            int
	SubscriptionPlanID   string
	ChargeExpiry         time.Duration
	ChargeFallback       time.Duration
	Timezone             string

	// Jobs
	CronDaily          string
	CronReconcile      string
	JobToken           string
	WorkerPollInterval time.Duration
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is loaded first when
// present; variables already set in the environment win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "pixbill",
		DBName:    "pixbill",
		DBSSLMode: "disable",

		// Redis defaults
		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@pixbill.local",

		PaymentAPIURL:      "https://api.mercadopago.com",
		MessagingAPIURL:    "http://localhost:8081",
		DefaultCountryCode: "55",
		GatewayTimeout:     15 * time.Second,

		MessageDelay:      3 * time.Second,
		TenantSendLimit:   20,
		TenantConcurrency: 1,

		SubscriptionTermDays: 30,
		TrialDays:            7,
		SubscriptionPlanID:   "standard",
		ChargeExpiry:         24 * time.Hour,
		ChargeFallback:       30 * time.Minute,
		Timezone:             "America/Sao_Paulo",

		CronDaily:          "0 9 * * *",
		CronReconcile:      "*/5 * * * *",
		WorkerPollInterval: 2 * time.Second,
	}

	var err error
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" || err != nil {
			return
		}
		n, perr := strconv.Atoi(v)
		if perr != nil {
			err = fmt.Errorf("invalid %s: %w", key, perr)
			return
		}
		*dst = n
	}
	setSeconds := func(key string, dst *time.Duration) {
		n := -1
		setInt(key, &n)
		if n >= 0 {
			*dst = time.Duration(n) * time.Second
		}
	}
	setMinutes := func(key string, dst *time.Duration) {
		n := -1
		setInt(key, &n)
		if n >= 0 {
			*dst = time.Duration(n) * time.Minute
		}
	}

	setInt("PORT", &cfg.Port)
	setString("LOG_LEVEL", &cfg.LogLevel)
	setString("ENV", &cfg.Env)

	setString("DB_HOST", &cfg.DBHost)
	setInt("DB_PORT", &cfg.DBPort)
	setString("DB_USER", &cfg.DBUser)
	setString("DB_PASSWORD", &cfg.DBPassword)
	setString("DB_NAME", &cfg.DBName)
	setString("DB_SSLMODE", &cfg.DBSSLMode)

	setString("REDIS_HOST", &cfg.RedisHost)
	setInt("REDIS_PORT", &cfg.RedisPort)
	setString("REDIS_PASSWORD", &cfg.RedisPassword)
	setInt("REDIS_DB", &cfg.RedisDB)

	setString("AWS_REGION", &cfg.AWSRegion)
	setString("SES_FROM_EMAIL", &cfg.SESFromEmail)
	setString("REPORT_EMAIL", &cfg.ReportEmail)
	setString("SNS_ALERT_TOPIC_ARN", &cfg.SNSAlertTopicARN)

	setString("PAYMENT_API_URL", &cfg.PaymentAPIURL)
	setString("PAYMENT_ACCESS_TOKEN", &cfg.PaymentAccessToken)
	setString("PAYMENT_NOTIFICATION_URL", &cfg.PaymentNotificationURL)

	setString("MESSAGING_API_URL", &cfg.MessagingAPIURL)
	setString("MESSAGING_API_KEY", &cfg.MessagingAPIKey)
	setString("MESSAGING_WEBHOOK_URL", &cfg.MessagingWebhookURL)
	setString("PLATFORM_INSTANCE", &cfg.PlatformInstance)
	setString("DEFAULT_COUNTRY_CODE", &cfg.DefaultCountryCode)
	setSeconds("GATEWAY_TIMEOUT", &cfg.GatewayTimeout)

	setSeconds("MESSAGE_DELAY_SECONDS", &cfg.MessageDelay)
	setInt("TENANT_SEND_LIMIT", &cfg.TenantSendLimit)
	setInt("TENANT_CONCURRENCY", &cfg.TenantConcurrency)

	setInt("SUBSCRIPTION_TERM_DAYS", &cfg.SubscriptionTermDays)
	setInt("TRIAL_DAYS", &cfg.TrialDays)
	setString("SUBSCRIPTION_PLAN_ID", &cfg.SubscriptionPlanID)
	setMinutes("CHARGE_EXPIRY_MINUTES", &cfg.ChargeExpiry)
	setMinutes("CHARGE_FALLBACK_MINUTES", &cfg.ChargeFallback)
	setString("TIMEZONE", &cfg.Timezone)

	setString("CRON_DAILY", &cfg.CronDaily)
	setString("CRON_RECONCILE", &cfg.CronReconcile)
	setString("JOB_TOKEN", &cfg.JobToken)
	setSeconds("WORKER_POLL_INTERVAL", &cfg.WorkerPollInterval)

	if err != nil {
		return nil, err
	}

	cfg.DefaultCountryCode = strings.TrimPrefix(cfg.DefaultCountryCode, "+")
	if cfg.TenantConcurrency < 1 {
		cfg.TenantConcurrency = 1
	}
	if _, lerr := time.LoadLocation(cfg.Timezone); lerr != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", lerr)
	}

	return cfg, nil
}

// Location returns the billing time zone. Load has already validated it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
