// Package config loads service configuration from an optional YAML file,
// a .env file and the environment, in that order of precedence (lowest first).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Ledger drivers
const (
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
	LedgerNone     = "none"
)

// Config holds the configuration for the worker and the standalone CLI
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Storage    StorageConfig    `yaml:"storage"`
	Processing ProcessingConfig `yaml:"processing"`
	TextGen    TextGenConfig    `yaml:"textgen"`
	Whisper    WhisperConfig    `yaml:"whisper"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Redis      RedisConfig      `yaml:"redis"`
	Log        LogConfig        `yaml:"log"`
	PDF        PDFConfig        `yaml:"pdf"`
}

// HTTPConfig configures the worker's HTTP server
type HTTPConfig struct {
	// Addr is the listen address. Defaults to ":8081"
	Addr string `yaml:"addr"`

	// RateLimit is the number of requests per minute allowed per client IP.
	// Defaults to 120; negative disables limiting
	RateLimit int `yaml:"rate_limit"`

	// ShutdownTimeout bounds graceful shutdown. Defaults to 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects where records are read from and derived outputs go
type StorageConfig struct {
	// Dir is the filesystem root for file:// and bare-path locators and for
	// derived outputs. Defaults to "./data"
	Dir string `yaml:"dir"`

	// ContentAPIURL is a simple-content HTTP API used for content:// locators
	// and derived outputs. Optional
	ContentAPIURL string `yaml:"content_api_url"`

	// EmbeddedContent runs an in-process simple-content service instead of
	// calling ContentAPIURL
	EmbeddedContent bool `yaml:"embedded_content"`
}

// ProcessingConfig bounds concurrency and tunes stages
type ProcessingConfig struct {
	// MaxConcurrentRuns bounds runs executing at once. 0 means unlimited
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// CPUWorkers bounds stage bodies running at once across all runs.
	// Defaults to the number of CPUs
	CPUWorkers int `yaml:"cpu_workers"`

	// AudioDecodeContexts bounds concurrent audio decodes. Defaults to 2
	AudioDecodeContexts int `yaml:"audio_decode_contexts"`

	// SummaryMinChars is the text length a document must exceed to be
	// summarized. Defaults to 100
	SummaryMinChars int `yaml:"summary_min_chars"`

	// EventHistory is the number of events kept for /v1/events. Defaults to 500
	EventHistory int `yaml:"event_history"`

	// MaxImagePixels rejects images whose width*height exceeds it before
	// decoding. Defaults to 64Mi pixels
	MaxImagePixels int64 `yaml:"max_image_pixels"`
}

// TextGenConfig points at an OpenAI-compatible endpoint
type TextGenConfig struct {
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Enabled reports whether a text generator should be built
func (c TextGenConfig) Enabled() bool {
	return c.BaseURL != "" || c.APIKey != ""
}

// WhisperConfig configures the containerised transcriber
type WhisperConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Image     string `yaml:"image"`
	ModelPath string `yaml:"model_path"`
}

// LedgerConfig selects the run ledger database
type LedgerConfig struct {
	// Driver is "sqlite", "postgres" or "none". Defaults to "sqlite"
	Driver string `yaml:"driver"`

	// DSN defaults to <storage dir>/ledger.db for sqlite
	DSN string `yaml:"dsn"`
}

// RedisConfig enables the Redis event relay when URL is set
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `yaml:"level"`
}

// PDFConfig configures PDF parsing
type PDFConfig struct {
	LicenseKey string `yaml:"license_key"`
}

// Load reads path (optional), then .env, then the environment, and fills defaults
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	// Load .env file if it exists (silently ignore if not found)
	_ = godotenv.Load()

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown keys
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	num64 := func(key string, dst *int64) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("PIPELINE_HTTP_ADDR", &c.HTTP.Addr)
	num("HTTP_RATE_LIMIT", &c.HTTP.RateLimit)
	str("STORAGE_DIR", &c.Storage.Dir)
	str("CONTENT_API_URL", &c.Storage.ContentAPIURL)
	flag("EMBEDDED_CONTENT", &c.Storage.EmbeddedContent)
	num("MAX_CONCURRENT_RUNS", &c.Processing.MaxConcurrentRuns)
	num("CPU_WORKERS", &c.Processing.CPUWorkers)
	num("AUDIO_DECODE_CONTEXTS", &c.Processing.AudioDecodeContexts)
	num("SUMMARY_MIN_CHARS", &c.Processing.SummaryMinChars)
	num("EVENT_HISTORY", &c.Processing.EventHistory)
	num64("MAX_IMAGE_PIXELS", &c.Processing.MaxImagePixels)
	str("TEXTGEN_BASE_URL", &c.TextGen.BaseURL)
	str("TEXTGEN_API_KEY", &c.TextGen.APIKey)
	str("TEXTGEN_MODEL", &c.TextGen.Model)
	flag("WHISPER_ENABLED", &c.Whisper.Enabled)
	str("WHISPER_IMAGE", &c.Whisper.Image)
	str("WHISPER_MODEL_PATH", &c.Whisper.ModelPath)
	str("LEDGER_DRIVER", &c.Ledger.Driver)
	str("LEDGER_DSN", &c.Ledger.DSN)
	str("REDIS_URL", &c.Redis.URL)
	str("REDIS_PREFIX", &c.Redis.Prefix)
	str("LOG_LEVEL", &c.Log.Level)
	str("UNIPDF_API_KEY", &c.PDF.LicenseKey)

	return errors.Join(errs...)
}

// WithDefaults fills in default values for optional fields
func (c *Config) WithDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8081"
	}
	if c.HTTP.RateLimit == 0 {
		c.HTTP.RateLimit = 120
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "./data"
	}
	if c.Processing.CPUWorkers <= 0 {
		c.Processing.CPUWorkers = runtime.NumCPU()
	}
	if c.Processing.AudioDecodeContexts <= 0 {
		c.Processing.AudioDecodeContexts = 2
	}
	if c.Processing.SummaryMinChars <= 0 {
		c.Processing.SummaryMinChars = 100
	}
	if c.Processing.EventHistory <= 0 {
		c.Processing.EventHistory = 500
	}
	if c.Processing.MaxImagePixels <= 0 {
		c.Processing.MaxImagePixels = 64 << 20
	}
	if c.TextGen.Model == "" {
		c.TextGen.Model = "gpt-4o-mini"
	}
	if c.TextGen.MaxTokens <= 0 {
		c.TextGen.MaxTokens = 512
	}
	if c.TextGen.Timeout <= 0 {
		c.TextGen.Timeout = 2 * time.Minute
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = LedgerSQLite
	}
	if c.Ledger.Driver == LedgerSQLite && c.Ledger.DSN == "" {
		c.Ledger.DSN = filepath.Join(c.Storage.Dir, "ledger.db")
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks option combinations
func (c *Config) Validate() error {
	switch c.Ledger.Driver {
	case LedgerSQLite, LedgerNone:
	case LedgerPostgres:
		if c.Ledger.DSN == "" {
			return fmt.Errorf("LEDGER_DSN is required for the postgres ledger")
		}
	default:
		return fmt.Errorf("unsupported ledger driver %q", c.Ledger.Driver)
	}
	if c.Processing.MaxConcurrentRuns < 0 {
		return fmt.Errorf("max_concurrent_runs must not be negative")
	}
	if c.Storage.EmbeddedContent && c.Storage.ContentAPIURL != "" {
		return fmt.Errorf("embedded_content and content_api_url are mutually exclusive")
	}
	return nil
}
