package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Providers   ProvidersConfig `mapstructure:"providers"`
	Pipeline    PipelineConfig  `mapstructure:"pipeline"`
	Retry       RetryConfig     `mapstructure:"retry"`
	Email       EmailConfig     `mapstructure:"email"`
}

type ServerConfig struct {
	Port            int      `mapstructure:"port"`
	Host            string   `mapstructure:"host"`
	ReadTimeout     int      `mapstructure:"read_timeout"`
	WriteTimeout    int      `mapstructure:"write_timeout"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	RateLimitPerMin int      `mapstructure:"rate_limit_per_min"`
}

type DatabaseConfig struct {
	URL             string `mapstructure:"url"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

// ProvidersConfig carries per-processor API credentials and webhook
// fallback secrets. Per-connection secret refs override these.
type ProvidersConfig struct {
	Stripe       ProviderConfig `mapstructure:"stripe"`
	Square       ProviderConfig `mapstructure:"square"`
	AuthorizeNet ProviderConfig `mapstructure:"authorizenet"`
}

type ProviderConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	APIKey        string `mapstructure:"api_key"`
	APISecret     string `mapstructure:"api_secret"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	Timeout       int    `mapstructure:"timeout"` // seconds
}

// PipelineConfig controls the scheduled analytics batch passes.
type PipelineConfig struct {
	CronSpec      string `mapstructure:"cron_spec"`
	WindowHours   int    `mapstructure:"window_hours"`
	InternalToken string `mapstructure:"internal_token"`
}

// RetryConfig controls the failed-job retry scheduler.
type RetryConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	MaxConcurrency      int `mapstructure:"max_concurrency"`
	BatchSize           int `mapstructure:"batch_size"`
	MaxRetries          int `mapstructure:"max_retries"`
}

// EmailConfig configures the email alert channel.
type EmailConfig struct {
	APIKey    string `mapstructure:"api_key"`
	FromEmail string `mapstructure:"from_email"`
	FromName  string `mapstructure:"from_name"`
}

// Load reads configuration from config files and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	// Read from config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Override with environment variables
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	overrideFromEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Build database URL if not provided
	if config.Database.URL == "" {
		config.Database.URL = fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=%s",
			config.Database.User,
			config.Database.Password,
			config.Database.Host,
			config.Database.Port,
			config.Database.Name,
			config.Database.SSLMode,
		)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.allowed_origins", []string{"*"})
	viper.SetDefault("server.rate_limit_per_min", 300)

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "pulse_service")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", 300)

	// Provider defaults
	viper.SetDefault("providers.stripe.base_url", "https://api.stripe.com")
	viper.SetDefault("providers.stripe.timeout", 30)
	viper.SetDefault("providers.square.base_url", "https://connect.squareup.com")
	viper.SetDefault("providers.square.timeout", 30)
	viper.SetDefault("providers.authorizenet.base_url", "https://api.authorize.net/xml/v1/request.api")
	viper.SetDefault("providers.authorizenet.timeout", 45)

	// Pipeline defaults: daily run shortly after midnight UTC, trailing 24h window
	viper.SetDefault("pipeline.cron_spec", "15 0 * * *")
	viper.SetDefault("pipeline.window_hours", 24)

	// Retry scheduler defaults
	viper.SetDefault("retry.poll_interval_seconds", 60)
	viper.SetDefault("retry.max_concurrency", 4)
	viper.SetDefault("retry.batch_size", 20)
	viper.SetDefault("retry.max_retries", 3)

	// Email defaults
	viper.SetDefault("email.from_email", "alerts@pulseservice.dev")
	viper.SetDefault("email.from_name", "Pulse Risk Alerts")
}

func overrideFromEnv() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			viper.Set("server.port", p)
		}
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		viper.Set("database.url", dbURL)
	}

	if key := os.Getenv("STRIPE_API_KEY"); key != "" {
		viper.Set("providers.stripe.api_key", key)
	}
	if secret := os.Getenv("STRIPE_WEBHOOK_SECRET"); secret != "" {
		viper.Set("providers.stripe.webhook_secret", secret)
	}
	if key := os.Getenv("SQUARE_ACCESS_TOKEN"); key != "" {
		viper.Set("providers.square.api_key", key)
	}
	if secret := os.Getenv("SQUARE_WEBHOOK_SECRET"); secret != "" {
		viper.Set("providers.square.webhook_secret", secret)
	}
	if name := os.Getenv("AUTHORIZENET_API_LOGIN_ID"); name != "" {
		viper.Set("providers.authorizenet.api_key", name)
	}
	if key := os.Getenv("AUTHORIZENET_TRANSACTION_KEY"); key != "" {
		viper.Set("providers.authorizenet.api_secret", key)
	}
	if secret := os.Getenv("AUTHORIZENET_SIGNATURE_KEY"); secret != "" {
		viper.Set("providers.authorizenet.webhook_secret", secret)
	}

	if token := os.Getenv("INTERNAL_JOB_TOKEN"); token != "" {
		viper.Set("pipeline.internal_token", token)
	}

	if key := os.Getenv("SENDGRID_API_KEY"); key != "" {
		viper.Set("email.api_key", key)
	}
}

func validate(config *Config) error {
	if config.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Pipeline.WindowHours <= 0 {
		return fmt.Errorf("pipeline window must be positive")
	}

	if config.Environment == "production" && config.Pipeline.InternalToken == "" {
		return fmt.Errorf("internal job token is required in production")
	}

	return nil
}
