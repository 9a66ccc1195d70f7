package config

import (
	"errors"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	DefaultPath                   = "./config/config.yaml"
	DefaultSaveDir                = "./downloads"
	DefaultTempDir                = "./tmp"
	DefaultMaxConcurrentDownloads = 3
	DefaultRetryCount             = 3
	DefaultPreflightTimeout       = 3
	DefaultMaxTrackedTasks        = 1000
	DefaultEventBuffer            = 500
	DefaultFFmpegPath             = "ffmpeg"
	DefaultListenAddr             = ":50999"
)

// LoadConfigFromFile reads the yaml config at path. A missing file is not an
// error, the defaults are used instead.
func LoadConfigFromFile(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := Default()
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	defer file.Close()

	dec := yaml.NewDecoder(file)
	if err = dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

type Config struct {
	SaveDir                 string `yaml:"save_dir"`
	TempDir                 string `yaml:"temp_dir"`
	MaxConcurrentDownloads  int    `yaml:"max_concurrent_downloads"`
	RetryCount              int    `yaml:"retry_count"`
	RetryDelaySeconds       int    `yaml:"retry_delay_seconds"`
	AddResolutionToFilename bool   `yaml:"add_resolution_to_filename"`
	EnableNotifications     bool   `yaml:"enable_notifications"`
	PreflightTimeoutSeconds int    `yaml:"preflight_timeout_seconds"`
	MaxTrackedTasks         int    `yaml:"max_tracked_tasks"`
	EventBuffer             int    `yaml:"event_buffer"`
	FFmpegPath              string `yaml:"ffmpeg_path"`
	ListenAddr              string `yaml:"listen_addr"`
}

func Default() *Config {
	return &Config{
		SaveDir:                 DefaultSaveDir,
		TempDir:                 DefaultTempDir,
		MaxConcurrentDownloads:  DefaultMaxConcurrentDownloads,
		RetryCount:              DefaultRetryCount,
		EnableNotifications:     true,
		PreflightTimeoutSeconds: DefaultPreflightTimeout,
		MaxTrackedTasks:         DefaultMaxTrackedTasks,
		EventBuffer:             DefaultEventBuffer,
		FFmpegPath:              DefaultFFmpegPath,
		ListenAddr:              DefaultListenAddr,
	}
}

// Normalize clamps out of range values back to something the scheduler can run with.
func (c *Config) Normalize() {
	if c.SaveDir == "" {
		c.SaveDir = DefaultSaveDir
	}
	if c.TempDir == "" {
		c.TempDir = DefaultTempDir
	}
	if c.MaxConcurrentDownloads < 1 {
		c.MaxConcurrentDownloads = 1
	}
	if c.RetryCount < 1 {
		c.RetryCount = 1
	}
	if c.RetryDelaySeconds < 0 {
		c.RetryDelaySeconds = 0
	}
	if c.PreflightTimeoutSeconds <= 0 {
		c.PreflightTimeoutSeconds = DefaultPreflightTimeout
	}
	if c.MaxTrackedTasks <= 0 {
		c.MaxTrackedTasks = DefaultMaxTrackedTasks
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = DefaultFFmpegPath
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

func (c *Config) PreflightTimeout() time.Duration {
	return time.Duration(c.PreflightTimeoutSeconds) * time.Second
}
