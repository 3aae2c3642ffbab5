package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/franksops/dmove/engine"
	"github.com/franksops/dmove/job"
	"github.com/franksops/dmove/provider"
)

const (
	defaultStreams            = 32
	defaultBufferSize         = engine.DefaultBufferSize
	defaultStateDir           = "./.dmove-state"
	defaultCheckpointBytes    = 10 * 1024 * 1024
	defaultCheckpointInterval = 5 * time.Second
)

var errPromptWithTUI = errors.New("the prompt overwrite policy needs the terminal, run with --tui=false")

// Config is the resolved configuration of a run.
type Config struct {
	Streams     int              `mapstructure:"streams"`
	BufferSize  int              `mapstructure:"buffer_size"`
	StateDir    string           `mapstructure:"state_dir"`
	Codec       string           `mapstructure:"codec"`
	Overwrite   string           `mapstructure:"overwrite"`
	ContentType string           `mapstructure:"content_type"`
	MaxRetries  int              `mapstructure:"max_retries"`
	Checkpoint  CheckpointConfig `mapstructure:"checkpoint"`
	MetricsAddr string           `mapstructure:"metrics_addr"`
	TUI         bool             `mapstructure:"tui"`
	Checksum    bool             `mapstructure:"checksum"`
	LogLevel    string           `mapstructure:"log_level"`
	LogJSON     bool             `mapstructure:"log_json"`
	Minio       MinioConfig      `mapstructure:"minio"`
}

type CheckpointConfig struct {
	Bytes    int64         `mapstructure:"bytes"`
	Interval time.Duration `mapstructure:"interval"`
}

type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	Secure    bool   `mapstructure:"secure"`
}

func setDefaults() {
	viper.SetDefault("streams", defaultStreams)
	viper.SetDefault("buffer_size", defaultBufferSize)
	viper.SetDefault("state_dir", defaultStateDir)
	viper.SetDefault("codec", job.JSONCodec.Name())
	viper.SetDefault("overwrite", engine.PolicyNever.String())
	viper.SetDefault("content_type", "")
	viper.SetDefault("max_retries", engine.DefaultMaxRetries)
	viper.SetDefault("checkpoint.bytes", defaultCheckpointBytes)
	viper.SetDefault("checkpoint.interval", defaultCheckpointInterval)
	viper.SetDefault("metrics_addr", "")
	viper.SetDefault("tui", true)
	viper.SetDefault("checksum", false)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_json", false)
	viper.SetDefault("minio.endpoint", "")
	viper.SetDefault("minio.access_key", "")
	viper.SetDefault("minio.secret_key", "")
	viper.SetDefault("minio.region", "")
	viper.SetDefault("minio.secure", true)
}

// loadConfig decodes and validates the current viper settings.
func loadConfig() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Streams < 1 {
		return fmt.Errorf("streams must be at least 1, got %d", c.Streams)
	}
	if c.BufferSize < 1 {
		return fmt.Errorf("buffer_size must be positive, got %d", c.BufferSize)
	}
	if c.StateDir == "" {
		return errors.New("state_dir is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", c.MaxRetries)
	}
	if _, err := job.CodecByName(c.Codec); err != nil {
		return err
	}
	policy, err := engine.ParsePolicy(c.Overwrite)
	if err != nil {
		return err
	}
	if policy == engine.PolicyPrompt && c.TUI {
		return errPromptWithTUI
	}
	return nil
}

func (c *Config) policy() engine.OverwritePolicy {
	p, _ := engine.ParsePolicy(c.Overwrite)
	return p
}

func (c *Config) codec() job.Codec {
	codec, _ := job.CodecByName(c.Codec)
	return codec
}

func (c *Config) checkpointConfig() engine.CheckpointConfig {
	cc := engine.DefaultCheckpointConfig
	if c.Checkpoint.Bytes > 0 {
		cc.BytesInterval = c.Checkpoint.Bytes
	}
	if c.Checkpoint.Interval > 0 {
		cc.TimeInterval = c.Checkpoint.Interval
	}
	return cc
}

func (c *Config) minio() provider.MinioConfig {
	return provider.MinioConfig{
		Endpoint:  c.Minio.Endpoint,
		AccessKey: c.Minio.AccessKey,
		SecretKey: c.Minio.SecretKey,
		Region:    c.Minio.Region,
		Secure:    c.Minio.Secure,
	}
}
