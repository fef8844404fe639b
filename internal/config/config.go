package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
// Environment variables win over values from a local .env file.
type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Backend  BackendConfig
	S3       S3Config
	Invites  InviteConfig
}

type AppConfig struct {
	Environment string `env:"APP_ENV" envDefault:"development"`
	// ConstrainedHost marks processes such as notification extensions that
	// must not register for push.
	ConstrainedHost bool `env:"APP_CONSTRAINED_HOST" envDefault:"false"`
}

type DatabaseConfig struct {
	Path string `env:"CONVOS_DB_PATH" envDefault:"convos.db"`
	// InboxID selects a stored identity; empty uses the newest one.
	InboxID string `env:"CONVOS_INBOX_ID"`
}

type BackendConfig struct {
	URL     string        `env:"BACKEND_URL" envDefault:"http://localhost:4000"`
	Timeout time.Duration `env:"BACKEND_TIMEOUT" envDefault:"15s"`
}

// S3Config enables direct attachment uploads when Bucket is set.
type S3Config struct {
	Region     string `env:"S3_REGION" envDefault:"us-east-1"`
	Bucket     string `env:"S3_BUCKET"`
	AccessKey  string `env:"S3_ACCESS_KEY"`
	SecretKey  string `env:"S3_SECRET_KEY"`
	Endpoint   string `env:"S3_ENDPOINT"`
	PublicBase string `env:"S3_PUBLIC_BASE"`
}

func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

type InviteConfig struct {
	MaxDecompressedBytes int `env:"INVITE_MAX_DECOMPRESSED_BYTES" envDefault:"1048576"`
	MaxCompressionRatio  int `env:"INVITE_MAX_COMPRESSION_RATIO" envDefault:"100"`
	// DefaultTTL of zero issues invites that never expire.
	DefaultTTL time.Duration `env:"INVITE_DEFAULT_TTL" envDefault:"0s"`
	BaseURL    string        `env:"INVITE_BASE_URL" envDefault:"https://convos.org/v2"`
}

// LoadConfig reads an optional .env file and then the environment.
func LoadConfig(files ...string) (*Config, error) {
	// A missing .env file is normal outside development.
	_ = godotenv.Load(files...)

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Invites.MaxDecompressedBytes <= 0 {
		return fmt.Errorf("INVITE_MAX_DECOMPRESSED_BYTES must be positive")
	}
	if c.Invites.MaxCompressionRatio <= 0 {
		return fmt.Errorf("INVITE_MAX_COMPRESSION_RATIO must be positive")
	}
	if c.Invites.DefaultTTL < 0 {
		return fmt.Errorf("INVITE_DEFAULT_TTL must not be negative")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("CONVOS_DB_PATH is required")
	}
	return nil
}
