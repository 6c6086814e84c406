package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Gateway  Gateway  `mapstructure:"gateway"`
	Sync     Sync     `mapstructure:"sync"`
	Auth     Auth     `mapstructure:"auth"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
}

// Gateway holds the configuration for the brokerage gateway API.
type Gateway struct {
	Token string `mapstructure:"token"`
	// ProvisioningURL is the base URL of the account provisioning API.
	ProvisioningURL string `mapstructure:"provisioning_url"`
	// ClientURLTemplate composes the region-scoped client API endpoint;
	// the %s placeholder is replaced with the region reported by the
	// account-state query.
	ClientURLTemplate string  `mapstructure:"client_url_template"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RateLimit         float64 `mapstructure:"rate_limit"`
	RateLimitBurst    int     `mapstructure:"rate_limit_burst"`
}

// Sync holds the configuration for the reconciliation engine.
type Sync struct {
	// HistoryDays is the trailing window for the closed-deal fetch.
	HistoryDays int `mapstructure:"history_days"`
	// IntervalSeconds is the tick interval of the syncd scheduler.
	IntervalSeconds int `mapstructure:"interval_seconds"`
	// MaxConcurrent bounds how many users syncd reconciles at once.
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// Auth holds the shared secret used to verify identity-service tokens.
type Auth struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// Server holds the configuration for the HTTP API server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File enables a rotating log file when non-empty.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("gateway.provisioning_url", "https://mt-provisioning-api-v1.agiliumtrade.agiliumtrade.ai")
	viper.SetDefault("gateway.client_url_template", "https://mt-client-api-v1.%s.agiliumtrade.ai")
	viper.SetDefault("gateway.timeout_seconds", 15)
	viper.SetDefault("gateway.rate_limit", 10) // requests per second
	viper.SetDefault("gateway.rate_limit_burst", 5)
	viper.SetDefault("sync.history_days", 30)
	viper.SetDefault("sync.interval_seconds", 300)
	viper.SetDefault("sync.max_concurrent", 4)
	viper.SetDefault("logger.max_size_mb", 50)
	viper.SetDefault("logger.max_backups", 3)

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
