/**
 * @description
 * Configuration management for the billing-service.
 */
package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	ServerPort          string        `mapstructure:"SERVER_PORT"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	RabbitMQURL         string        `mapstructure:"RABBITMQ_URL"`
	StripeSecretKey     string        `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string        `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	StripeCurrency      string        `mapstructure:"STRIPE_CURRENCY"`
	SupabaseJWTSecret   string        `mapstructure:"SUPABASE_JWT_SECRET"`
	SupabaseJWTAudience string        `mapstructure:"SUPABASE_JWT_AUDIENCE"`
	InternalAPIKey      string        `mapstructure:"INTERNAL_API_KEY"`
	AppURL              string        `mapstructure:"APP_URL"`
	ImmediateInvoicing  bool          `mapstructure:"BILLING_IMMEDIATE_INVOICING"`
	DefaultTopUpAmount  string        `mapstructure:"BILLING_DEFAULT_TOPUP_AMOUNT"`
	ReconcileWindow     time.Duration `mapstructure:"BILLING_RECONCILE_WINDOW"`
	SweepGrace          time.Duration `mapstructure:"BILLING_SWEEP_GRACE"`
	SweepBatchSize      int           `mapstructure:"BILLING_SWEEP_BATCH_SIZE"`
	MonitorMaxAttempts  int           `mapstructure:"POSTCARD_MONITOR_MAX_ATTEMPTS"`
	MonitorInterval     time.Duration `mapstructure:"POSTCARD_MONITOR_INTERVAL"`
	MonitorQueue        string        `mapstructure:"POSTCARD_MONITOR_QUEUE"`

	// TopUpAmount is DefaultTopUpAmount parsed.
	TopUpAmount decimal.Decimal `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()

	viper.SetDefault("SERVER_PORT", "8082")
	viper.SetDefault("STRIPE_CURRENCY", "usd")
	viper.SetDefault("SUPABASE_JWT_AUDIENCE", "authenticated")
	viper.SetDefault("APP_URL", "http://localhost:3000")
	viper.SetDefault("BILLING_IMMEDIATE_INVOICING", true)
	viper.SetDefault("BILLING_DEFAULT_TOPUP_AMOUNT", "25.00")
	viper.SetDefault("BILLING_RECONCILE_WINDOW", "24h")
	viper.SetDefault("BILLING_SWEEP_GRACE", "10m")
	viper.SetDefault("BILLING_SWEEP_BATCH_SIZE", 100)
	viper.SetDefault("POSTCARD_MONITOR_MAX_ATTEMPTS", 20)
	viper.SetDefault("POSTCARD_MONITOR_INTERVAL", "30s")
	viper.SetDefault("POSTCARD_MONITOR_QUEUE", "billing_service.postcard_monitor")

	for _, key := range []string{
		"SERVER_PORT",
		"PORT",
		"DATABASE_URL",
		"RABBITMQ_URL",
		"STRIPE_SECRET_KEY",
		"STRIPE_WEBHOOK_SECRET",
		"STRIPE_CURRENCY",
		"SUPABASE_JWT_SECRET",
		"SUPABASE_JWT_AUDIENCE",
		"INTERNAL_API_KEY",
		"APP_URL",
		"BILLING_IMMEDIATE_INVOICING",
		"BILLING_DEFAULT_TOPUP_AMOUNT",
		"BILLING_RECONCILE_WINDOW",
		"BILLING_SWEEP_GRACE",
		"BILLING_SWEEP_BATCH_SIZE",
		"POSTCARD_MONITOR_MAX_ATTEMPTS",
		"POSTCARD_MONITOR_INTERVAL",
		"POSTCARD_MONITOR_QUEUE",
	} {
		_ = viper.BindEnv(key)
	}

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.AppURL = strings.TrimRight(strings.TrimSpace(config.AppURL), "/")

	config.TopUpAmount, err = decimal.NewFromString(strings.TrimSpace(config.DefaultTopUpAmount))
	if err != nil {
		return config, fmt.Errorf("BILLING_DEFAULT_TOPUP_AMOUNT is not a decimal: %w", err)
	}

	required := []struct{ key, value string }{
		{"DATABASE_URL", config.DatabaseURL},
		{"STRIPE_SECRET_KEY", config.StripeSecretKey},
		{"STRIPE_WEBHOOK_SECRET", config.StripeWebhookSecret},
		{"SUPABASE_JWT_SECRET", config.SupabaseJWTSecret},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return config, fmt.Errorf("%s is required", r.key)
		}
	}
	return config, nil
}
