// Package config provides configuration loading from an optional YAML file
// and environment variables. Environment variables always win.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServiceConfig holds configuration for the tenderd service.
type ServiceConfig struct {
	Port        string `yaml:"port"`
	MetricsPort string `yaml:"metrics_port"`

	// DataDir is the root under which caller workspaces and artifacts live.
	DataDir      string `yaml:"data_dir"`
	KeystorePath string `yaml:"keystore_path"`

	AdminSecret string `yaml:"-"` // never read from file
	SeedKeys    []string

	CaptchaTimeout    time.Duration `yaml:"captcha_timeout"`
	ShutdownDrainWait time.Duration `yaml:"shutdown_drain_wait"`

	LogFormat string `yaml:"log_format"` // json or console
	LogLevel  string `yaml:"log_level"`

	ArtifactS3Bucket string `yaml:"artifact_s3_bucket"`
	ArtifactS3Prefix string `yaml:"artifact_s3_prefix"`

	NotifyBufferSize  int           `yaml:"notify_buffer_size"`
	NotifyWorkers     int           `yaml:"notify_workers"`
	NotifyHTTPTimeout time.Duration `yaml:"notify_http_timeout"`
}

// LoadServiceConfig loads configuration, starting from defaults, applying an
// optional YAML file (CONFIG_FILE), then environment variable overrides.
func LoadServiceConfig() (*ServiceConfig, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func defaults() *ServiceConfig {
	return &ServiceConfig{
		Port:              "8080",
		MetricsPort:       "9090",
		DataDir:           "./data",
		CaptchaTimeout:    300 * time.Second,
		ShutdownDrainWait: 5 * time.Second,
		LogFormat:         "json",
		LogLevel:          "info",
		NotifyBufferSize:  1000,
		NotifyWorkers:     4,
		NotifyHTTPTimeout: 10 * time.Second,
	}
}

// mergeFile overlays values from a YAML file onto the config.
func (c *ServiceConfig) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// applyEnv overrides config values from the environment.
func (c *ServiceConfig) applyEnv() {
	c.Port = GetEnv("PORT", c.Port)
	c.MetricsPort = GetEnv("METRICS_PORT", c.MetricsPort)
	c.DataDir = GetEnv("DATA_DIR", c.DataDir)
	c.KeystorePath = GetEnv("KEYSTORE_PATH", c.KeystorePath)
	c.CaptchaTimeout = GetDurationEnv("CAPTCHA_TIMEOUT", c.CaptchaTimeout)
	c.ShutdownDrainWait = GetDurationEnv("SHUTDOWN_DRAIN_WAIT", c.ShutdownDrainWait)
	c.LogFormat = GetEnv("LOG_FORMAT", c.LogFormat)
	c.LogLevel = GetEnv("LOG_LEVEL", c.LogLevel)
	c.ArtifactS3Bucket = GetEnv("ARTIFACT_S3_BUCKET", c.ArtifactS3Bucket)
	c.ArtifactS3Prefix = GetEnv("ARTIFACT_S3_PREFIX", c.ArtifactS3Prefix)
	c.NotifyBufferSize = GetIntEnv("NOTIFY_BUFFER_SIZE", c.NotifyBufferSize)
	c.NotifyWorkers = GetIntEnv("NOTIFY_WORKERS", c.NotifyWorkers)
	c.NotifyHTTPTimeout = GetDurationEnv("NOTIFY_HTTP_TIMEOUT", c.NotifyHTTPTimeout)

	c.SeedKeys = GetListEnv("TENDERD_SEED_KEYS")

	c.AdminSecret = GetEnv("ADMIN_SECRET", "")
	if c.AdminSecret == "" {
		c.AdminSecret = GetSecretFile(GetEnv("ADMIN_SECRET_FILE", ""))
	}

	if c.KeystorePath == "" {
		c.KeystorePath = c.DataDir + "/apikeys.json"
	}
}
