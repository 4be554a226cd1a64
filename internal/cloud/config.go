package cloud

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TargetConfig holds the provider-side settings for cloud imports and
// exports. Credentials are not configured here; the SDK default chains
// resolve them.
type TargetConfig struct {
	AWS struct {
		Region string `yaml:"region"`
		Bucket string `yaml:"bucket"`
	} `yaml:"aws"`

	GCP struct {
		Project string `yaml:"project"`
		Bucket  string `yaml:"bucket"`
		Zone    string `yaml:"zone"`
	} `yaml:"gcp"`

	// PartSize is the chunk size for multipart uploads, in bytes.
	PartSize int64 `yaml:"part_size"`

	// Concurrency bounds how many parts are in flight at once.
	Concurrency int `yaml:"concurrency"`

	// RetryLimit is the number of attempts for a failed part or upload.
	RetryLimit int `yaml:"retry_limit"`

	PollInterval time.Duration `yaml:"poll_interval"`
	PollDeadline time.Duration `yaml:"poll_deadline"`
}

// DefaultTargetConfig returns the config used when no file is given.
func DefaultTargetConfig() TargetConfig {
	var cfg TargetConfig
	cfg.applyDefaults()
	return cfg
}

func (c *TargetConfig) applyDefaults() {
	if c.PartSize == 0 {
		c.PartSize = 8 * 1024 * 1024
	}
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
	if c.RetryLimit == 0 {
		c.RetryLimit = 3
	}
	if c.PollInterval == 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.PollDeadline == 0 {
		c.PollDeadline = 30 * time.Minute
	}
}

func (c *TargetConfig) validate() error {
	const minPartSize = 5 * 1024 * 1024 // S3 floor for non-final parts
	if c.PartSize < minPartSize {
		return fmt.Errorf("part_size %d is below the %d byte minimum", c.PartSize, minPartSize)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.RetryLimit < 1 {
		return fmt.Errorf("retry_limit must be at least 1, got %d", c.RetryLimit)
	}
	return nil
}

// LoadTargetConfig reads a YAML config file, fills defaults and validates.
func LoadTargetConfig(path string) (TargetConfig, error) {
	var cfg TargetConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}
