package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Histflow Histflow       `yaml:"histflow"`
	Download DownloadConfig `yaml:"download"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type Histflow struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type DownloadConfig struct {
	Dir       string          `yaml:"dir"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	// Timeout bounds every single upstream API call. A timed-out call
	// aborts only the pipeline it belongs to.
	Timeout time.Duration `yaml:"timeout"`
	Candles CandlesConfig `yaml:"candles"`
	Trades  TradesConfig  `yaml:"trades"`
}

type RateLimitConfig struct {
	// MaxCalls upstream API calls are admitted per Period across all
	// concurrent download pipelines.
	MaxCalls int           `yaml:"max_calls"`
	Period   time.Duration `yaml:"period"`
}

type CandlesConfig struct {
	Timeframe string `yaml:"timeframe"`
}

type TradesConfig struct {
	PageLimit int `yaml:"page_limit"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// DefaultDownloadDir is used when download.dir is left empty.
func DefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".histflow_data"
	}
	return filepath.Join(home, ".histflow_data")
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	return &Config{
		Histflow: Histflow{Name: "histflow", Version: "dev"},
		Download: DownloadConfig{
			Dir: DefaultDownloadDir(),
			RateLimit: RateLimitConfig{
				MaxCalls: 100,
				Period:   30 * time.Second,
			},
			Timeout: 30 * time.Second,
			Candles: CandlesConfig{Timeframe: "1m"},
			Trades:  TradesConfig{PageLimit: 1000},
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Histflow.Name == "" {
		return fmt.Errorf("histflow.name is required")
	}

	if cfg.Download.Dir == "" {
		return fmt.Errorf("download.dir is required")
	}
	if cfg.Download.RateLimit.MaxCalls <= 0 {
		return fmt.Errorf("download.rate_limit.max_calls must be greater than 0")
	}
	if cfg.Download.RateLimit.Period <= 0 {
		return fmt.Errorf("download.rate_limit.period must be greater than 0")
	}
	if cfg.Download.Trades.PageLimit <= 0 {
		return fmt.Errorf("download.trades.page_limit must be greater than 0")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
