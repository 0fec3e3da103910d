/**
 * @description
 * Configuration management for the scheduler-service.
 * It loads settings from environment variables, providing defaults for cron schedules.
 */
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the scheduler service.
type Config struct {
	BillingServiceURL    string        `mapstructure:"BILLING_SERVICE_URL"`
	InternalAPIKey       string        `mapstructure:"INTERNAL_API_KEY"`
	ReconcileJobSchedule string        `mapstructure:"RECONCILE_JOB_SCHEDULE"`
	SweepJobSchedule     string        `mapstructure:"SWEEP_JOB_SCHEDULE"`
	JobTimeout           time.Duration `mapstructure:"JOB_TIMEOUT"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	viper.SetDefault("BILLING_SERVICE_URL", "http://localhost:8082")
	viper.SetDefault("RECONCILE_JOB_SCHEDULE", "0 * * * *") // Hourly, on the hour.
	viper.SetDefault("SWEEP_JOB_SCHEDULE", "*/15 * * * *")  // Every 15 minutes.
	viper.SetDefault("JOB_TIMEOUT", "5m")
	viper.AutomaticEnv()

	_ = viper.BindEnv("BILLING_SERVICE_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("RECONCILE_JOB_SCHEDULE")
	_ = viper.BindEnv("SWEEP_JOB_SCHEDULE")
	_ = viper.BindEnv("JOB_TIMEOUT")

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.BillingServiceURL = strings.TrimSpace(config.BillingServiceURL)
	if config.BillingServiceURL == "" {
		return nil, fmt.Errorf("BILLING_SERVICE_URL is required")
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 5 * time.Minute
	}
	return &config, nil
}
