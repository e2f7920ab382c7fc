// Package config loads the service configuration from a YAML file with
// environment variable overrides. A .env file in the working directory is
// honored when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Model     ModelConfig     `yaml:"model"`
	Detection DetectionConfig `yaml:"detection"`
	Cadence   CadenceConfig   `yaml:"cadence"`
	Log       LogConfig       `yaml:"log"`
}

// HTTPConfig holds the HTTP listener settings.
type HTTPConfig struct {
	Port             int `yaml:"port"`
	ShutdownTimeoutS int `yaml:"shutdown_timeout_s"`
}

// ModelConfig holds the inference resource settings.
type ModelConfig struct {
	Path         string `yaml:"path"`
	LibraryPath  string `yaml:"library_path"` // onnxruntime shared library
	CacheDir     string `yaml:"cache_dir"`    // empty disables the artifact cache
	Acceleration string `yaml:"acceleration"` // auto, accelerated, fallback
}

// DetectionConfig holds the per-frame analysis settings.
type DetectionConfig struct {
	ThrottleMs       int     `yaml:"throttle_ms"`
	Padding          float64 `yaml:"padding"`
	FailureThreshold int     `yaml:"failure_threshold"`
}

// CadenceConfig holds the detect/decide/play timing.
type CadenceConfig struct {
	WindowS    int     `yaml:"window_s"`
	Gate       float64 `yaml:"gate"`
	MinSamples int     `yaml:"min_samples"`
	PlaybackS  int     `yaml:"playback_s"`
	DebounceMs int     `yaml:"debounce_ms"`
}

// LogConfig holds the logger settings.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Defaults matching the tuned pipeline behavior.
const (
	defaultPort             = 8080
	defaultShutdownTimeoutS = 5
	defaultThrottleMs       = 1000
	defaultPadding          = 0.2
	defaultFailureThreshold = 2
	defaultWindowS          = 10
	defaultGate             = 0.55
	defaultMinSamples       = 7
	defaultPlaybackS        = 30
	defaultDebounceMs       = 1200
)

// Load reads the YAML file at path (optional: empty path skips the file),
// applies environment overrides, fills defaults and validates.
func Load(path string) (*Config, error) {
	// Missing .env files are fine; the process environment still applies.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.HTTP.Port = getEnvInt("HTTP_PORT", cfg.HTTP.Port)
	cfg.Model.Path = getEnv("MODEL_PATH", cfg.Model.Path)
	cfg.Model.LibraryPath = getEnv("ONNXRUNTIME_LIB", cfg.Model.LibraryPath)
	cfg.Model.CacheDir = getEnv("MODEL_CACHE_DIR", cfg.Model.CacheDir)
	cfg.Model.Acceleration = getEnv("ACCELERATION", cfg.Model.Acceleration)
	cfg.Detection.ThrottleMs = getEnvInt("THROTTLE_MS", cfg.Detection.ThrottleMs)
	cfg.Cadence.WindowS = getEnvInt("WINDOW_S", cfg.Cadence.WindowS)
	cfg.Cadence.PlaybackS = getEnvInt("PLAYBACK_S", cfg.Cadence.PlaybackS)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
}

func applyDefaults(cfg *Config) {
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = defaultPort
	}
	if cfg.HTTP.ShutdownTimeoutS == 0 {
		cfg.HTTP.ShutdownTimeoutS = defaultShutdownTimeoutS
	}
	if cfg.Model.Acceleration == "" {
		cfg.Model.Acceleration = "auto"
	}
	if cfg.Detection.ThrottleMs == 0 {
		cfg.Detection.ThrottleMs = defaultThrottleMs
	}
	if cfg.Detection.Padding == 0 {
		cfg.Detection.Padding = defaultPadding
	}
	if cfg.Detection.FailureThreshold == 0 {
		cfg.Detection.FailureThreshold = defaultFailureThreshold
	}
	if cfg.Cadence.WindowS == 0 {
		cfg.Cadence.WindowS = defaultWindowS
	}
	if cfg.Cadence.Gate == 0 {
		cfg.Cadence.Gate = defaultGate
	}
	if cfg.Cadence.MinSamples == 0 {
		cfg.Cadence.MinSamples = defaultMinSamples
	}
	if cfg.Cadence.PlaybackS == 0 {
		cfg.Cadence.PlaybackS = defaultPlaybackS
	}
	if cfg.Cadence.DebounceMs == 0 {
		cfg.Cadence.DebounceMs = defaultDebounceMs
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port %d out of range", c.HTTP.Port)
	}
	if c.Model.Path == "" {
		return fmt.Errorf("model path is required")
	}
	switch c.Model.Acceleration {
	case "auto", "accelerated", "fallback":
	default:
		return fmt.Errorf("unknown acceleration mode %q", c.Model.Acceleration)
	}
	if c.Detection.Padding < 0 || c.Detection.Padding > 1 {
		return fmt.Errorf("padding %v out of range [0,1]", c.Detection.Padding)
	}
	if c.Detection.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1")
	}
	if c.Cadence.Gate < 0 || c.Cadence.Gate > 1 {
		return fmt.Errorf("gate %v out of range [0,1]", c.Cadence.Gate)
	}
	if c.Cadence.MinSamples < 1 {
		return fmt.Errorf("min samples must be at least 1")
	}
	if c.Cadence.WindowS <= 0 || c.Cadence.PlaybackS <= 0 {
		return fmt.Errorf("window and playback durations must be positive")
	}
	return nil
}

// Throttle returns the frame-analysis throttle as a duration.
func (c *Config) Throttle() time.Duration {
	return time.Duration(c.Detection.ThrottleMs) * time.Millisecond
}

// Window returns the detection window as a duration.
func (c *Config) Window() time.Duration {
	return time.Duration(c.Cadence.WindowS) * time.Second
}

// Playback returns the playback duration.
func (c *Config) Playback() time.Duration {
	return time.Duration(c.Cadence.PlaybackS) * time.Second
}

// Debounce returns the face-presence debounce as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Cadence.DebounceMs) * time.Millisecond
}

// ShutdownTimeout returns the graceful shutdown deadline.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.HTTP.ShutdownTimeoutS) * time.Second
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
