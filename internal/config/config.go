package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Port      string `yaml:"port" env:"VALLEY_PORT" env-default:"8080"`
	BaseURL   string `yaml:"base_url" env:"VALLEY_BASE_URL"`
	DBPath    string `yaml:"db_path" env:"VALLEY_DB_PATH" env-default:"valley.db"`
	LogLevel  string `yaml:"log_level" env:"VALLEY_LOG_LEVEL" env-default:"info"`
	LogFormat string `yaml:"log_format" env:"VALLEY_LOG_FORMAT" env-default:"text"`

	// Signs magic-link tokens.
	JWTSecret string `yaml:"jwt_secret" env:"VALLEY_JWT_SECRET"`

	// Browser origins allowed to open the purchase status websocket.
	WSOrigins []string `yaml:"ws_origins" env:"VALLEY_WS_ORIGINS" env-separator:","`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"VALLEY_SHUTDOWN_TIMEOUT" env-default:"10s"`

	Stripe   Stripe   `yaml:"stripe"`
	Gateway  Gateway  `yaml:"gateway"`
	Postmark Postmark `yaml:"postmark"`
	Backup   Backup   `yaml:"backup"`
}

type Stripe struct {
	SecretKey     string `yaml:"secret_key" env:"STRIPE_SECRET_KEY"`
	WebhookSecret string `yaml:"webhook_secret" env:"STRIPE_WEBHOOK_SECRET"`
}

// Gateway bounds the reconciler's reads against the payment provider.
type Gateway struct {
	Timeout       time.Duration `yaml:"timeout" env:"VALLEY_GATEWAY_TIMEOUT" env-default:"10s"`
	RetryAttempts uint          `yaml:"retry_attempts" env:"VALLEY_GATEWAY_RETRY_ATTEMPTS" env-default:"3"`
	RetryDelay    time.Duration `yaml:"retry_delay" env:"VALLEY_GATEWAY_RETRY_DELAY" env-default:"250ms"`
}

type Postmark struct {
	ServerToken string `yaml:"server_token" env:"VALLEY_POSTMARK_TOKEN"`
	FromEmail   string `yaml:"from_email" env:"VALLEY_FROM_EMAIL"`
	OwnerEmail  string `yaml:"owner_email" env:"VALLEY_OWNER_EMAIL"`
}

type Backup struct {
	Endpoint      string        `yaml:"endpoint" env:"VALLEY_BACKUP_S3_ENDPOINT"`
	Bucket        string        `yaml:"bucket" env:"VALLEY_BACKUP_S3_BUCKET"`
	Region        string        `yaml:"region" env:"VALLEY_BACKUP_S3_REGION" env-default:"us-east-1"`
	AccessKey     string        `yaml:"access_key" env:"VALLEY_BACKUP_S3_ACCESS_KEY"`
	SecretKey     string        `yaml:"secret_key" env:"VALLEY_BACKUP_S3_SECRET_KEY"`
	Prefix        string        `yaml:"prefix" env:"VALLEY_BACKUP_S3_PREFIX" env-default:"valley"`
	Passphrase    string        `yaml:"passphrase" env:"VALLEY_BACKUP_PASSPHRASE"`
	Interval      time.Duration `yaml:"interval" env:"VALLEY_BACKUP_INTERVAL" env-default:"24h"`
	RetentionDays int           `yaml:"retention_days" env:"VALLEY_BACKUP_RETENTION_DAYS" env-default:"30"`
}

// Load reads path when given, otherwise the environment alone. Environment
// variables override file values.
func Load(path string) (*Config, error) {
	var cfg Config
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:" + cfg.Port
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &cfg, nil
}

// ValidateServe checks the settings the HTTP service cannot start without.
func (c *Config) ValidateServe() error {
	var missing []string
	if c.Stripe.SecretKey == "" {
		missing = append(missing, "STRIPE_SECRET_KEY")
	}
	if c.Stripe.WebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if len(c.JWTSecret) < 32 {
		missing = append(missing, "VALLEY_JWT_SECRET (32+ bytes)")
	}
	if len(missing) > 0 {
		return errors.New("missing configuration: " + strings.Join(missing, ", "))
	}
	return nil
}

// Usage describes every supported environment variable.
func Usage() string {
	desc, err := cleanenv.GetDescription(&Config{}, nil)
	if err != nil {
		return ""
	}
	return desc
}
