/**
 * @description
 * Configuration management for the account-service.
 */
package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	ServerPort             string `mapstructure:"SERVER_PORT"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	RabbitMQURL            string `mapstructure:"RABBITMQ_URL"`
	HookdeckAPIKey         string `mapstructure:"HOOKDECK_API_KEY"`
	HookdeckAPIURL         string `mapstructure:"HOOKDECK_API_URL"`
	IntakePublicURL        string `mapstructure:"INTAKE_PUBLIC_URL"`
	SupabaseURL            string `mapstructure:"SUPABASE_URL"`
	SupabaseServiceRoleKey string `mapstructure:"SUPABASE_SERVICE_ROLE_KEY"`
	SupabaseJWTSecret      string `mapstructure:"SUPABASE_JWT_SECRET"`
	SupabaseJWTAudience    string `mapstructure:"SUPABASE_JWT_AUDIENCE"`
	ResendAPIKey           string `mapstructure:"RESEND_API_KEY"`
	NotificationFromEmail  string `mapstructure:"NOTIFICATION_FROM_EMAIL"`
	NotificationQueue      string `mapstructure:"DONATION_NOTIFICATION_QUEUE"`
	AppURL                 string `mapstructure:"APP_URL"`
}

var requiredKeys = []string{
	"DATABASE_URL",
	"HOOKDECK_API_KEY",
	"INTAKE_PUBLIC_URL",
	"SUPABASE_URL",
	"SUPABASE_SERVICE_ROLE_KEY",
	"SUPABASE_JWT_SECRET",
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()

	viper.SetDefault("SERVER_PORT", "8081")
	viper.SetDefault("SUPABASE_JWT_AUDIENCE", "authenticated")
	viper.SetDefault("NOTIFICATION_FROM_EMAIL", "Thank Donors <notifications@thankdonors.com>")
	viper.SetDefault("DONATION_NOTIFICATION_QUEUE", "account_service.donation_notifications")
	viper.SetDefault("APP_URL", "http://localhost:3000")

	for _, key := range []string{
		"SERVER_PORT", "PORT", "DATABASE_URL", "RABBITMQ_URL", "HOOKDECK_API_KEY", "HOOKDECK_API_URL",
		"INTAKE_PUBLIC_URL", "SUPABASE_URL", "SUPABASE_SERVICE_ROLE_KEY", "SUPABASE_JWT_SECRET",
		"SUPABASE_JWT_AUDIENCE", "RESEND_API_KEY", "NOTIFICATION_FROM_EMAIL", "DONATION_NOTIFICATION_QUEUE", "APP_URL",
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
	config.IntakePublicURL = strings.TrimRight(strings.TrimSpace(config.IntakePublicURL), "/")

	for _, key := range requiredKeys {
		if strings.TrimSpace(viper.GetString(key)) == "" {
			return config, fmt.Errorf("%s is required", key)
		}
	}
	return config, nil
}
