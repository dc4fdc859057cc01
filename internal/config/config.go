package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config stores runtime configuration. Values come from built-in defaults,
// then the optional YAML file named by CONFIG_FILE, then the environment.
type Config struct {
	OpenAIKey           string        `yaml:"openai_api_key"`
	OpenAIEndpoint      string        `yaml:"openai_api_endpoint"`
	OpenAIModel         string        `yaml:"openai_model"`
	OpenAIAdvancedModel string        `yaml:"openai_advanced_model"`
	ProviderTimeout     time.Duration `yaml:"provider_timeout"`

	Database      string `yaml:"database_path"`
	WorkspaceRoot string `yaml:"workspace_root"`
	// CacheRoot holds the long-lived cache. Empty keeps caching inside each
	// session workspace, so nothing outlives the session.
	CacheRoot     string        `yaml:"cache_root"`
	CacheMaxAge   time.Duration `yaml:"cache_max_age"`
	CacheMaxBytes int64         `yaml:"-"`
	CacheMaxSize  string        `yaml:"cache_max_size"`

	Renderer       string `yaml:"renderer"`
	DPI            int    `yaml:"render_dpi"`
	Concurrency    int    `yaml:"analysis_concurrency"`
	DecodeRetries  int    `yaml:"decode_retries"`
	VerifyAnswers  bool   `yaml:"verify_answers"`
	MaxUploadBytes int64  `yaml:"-"`
	MaxUploadSize  string `yaml:"max_upload_size"`

	LogMode string `yaml:"log_mode"`
	Port    string `yaml:"port"`
}

func defaults() Config {
	return Config{
		OpenAIEndpoint:      "https://api.openai.com/v1",
		OpenAIModel:         "gpt-4o-mini",
		OpenAIAdvancedModel: "gpt-4o",
		ProviderTimeout:     2 * time.Minute,
		Database:            "./data/slide-guide.db",
		WorkspaceRoot:       "./data/workspaces",
		CacheMaxSize:        "0",
		Renderer:            "fitz",
		DPI:                 300,
		Concurrency:         4,
		DecodeRetries:       1,
		MaxUploadSize:       "64MB",
		LogMode:             "dev",
		Port:                "8080",
	}
}

// Load reads configuration and makes sure the directories it names exist.
func Load() (Config, error) {
	// Load .env file if it exists (useful for development)
	_ = godotenv.Load()

	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}

	cfg.OpenAIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIKey)
	cfg.OpenAIEndpoint = getEnv("OPENAI_API_ENDPOINT", cfg.OpenAIEndpoint)
	cfg.OpenAIModel = getEnv("OPENAI_MODEL", cfg.OpenAIModel)
	cfg.OpenAIAdvancedModel = getEnv("OPENAI_ADVANCED_MODEL", cfg.OpenAIAdvancedModel)
	cfg.Database = getEnv("DATABASE_PATH", cfg.Database)
	cfg.WorkspaceRoot = getEnv("WORKSPACE_ROOT", cfg.WorkspaceRoot)
	cfg.CacheRoot = getEnv("CACHE_ROOT", cfg.CacheRoot)
	cfg.CacheMaxSize = getEnv("CACHE_MAX_SIZE", cfg.CacheMaxSize)
	cfg.MaxUploadSize = getEnv("MAX_UPLOAD_SIZE", cfg.MaxUploadSize)
	cfg.Renderer = getEnv("RENDERER", cfg.Renderer)
	cfg.LogMode = getEnv("LOG_MODE", cfg.LogMode)
	cfg.Port = getEnv("PORT", cfg.Port)

	var err error
	if cfg.ProviderTimeout, err = getDuration("PROVIDER_TIMEOUT", cfg.ProviderTimeout); err != nil {
		return Config{}, err
	}
	if cfg.CacheMaxAge, err = getDuration("CACHE_MAX_AGE", cfg.CacheMaxAge); err != nil {
		return Config{}, err
	}
	if cfg.DPI, err = getInt("RENDER_DPI", cfg.DPI); err != nil {
		return Config{}, err
	}
	if cfg.Concurrency, err = getInt("ANALYSIS_CONCURRENCY", cfg.Concurrency); err != nil {
		return Config{}, err
	}
	if cfg.DecodeRetries, err = getInt("DECODE_RETRIES", cfg.DecodeRetries); err != nil {
		return Config{}, err
	}
	if cfg.VerifyAnswers, err = getBool("VERIFY_ANSWERS", cfg.VerifyAnswers); err != nil {
		return Config{}, err
	}

	if err := cfg.finish(); err != nil {
		return Config{}, err
	}
	if err := cfg.ensureDirs(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// finish parses derived values and checks ranges.
func (c *Config) finish() error {
	maxBytes, err := parseSize(c.CacheMaxSize)
	if err != nil {
		return fmt.Errorf("cache max size: %w", err)
	}
	c.CacheMaxBytes = maxBytes

	upload, err := parseSize(c.MaxUploadSize)
	if err != nil {
		return fmt.Errorf("max upload size: %w", err)
	}
	if upload <= 0 {
		return fmt.Errorf("max upload size must be positive, got %q", c.MaxUploadSize)
	}
	c.MaxUploadBytes = upload

	if c.DPI < 36 || c.DPI > 600 {
		return fmt.Errorf("render dpi %d out of range 36-600", c.DPI)
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.DecodeRetries < 0 {
		c.DecodeRetries = 0
	}
	return nil
}

func (c *Config) ensureDirs() error {
	dirs := []string{filepath.Dir(c.Database), c.WorkspaceRoot}
	if c.CacheRoot != "" {
		dirs = append(dirs, c.CacheRoot)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
	}
	return nil
}

// LongLivedCache reports whether cache entries outlive sessions.
func (c Config) LongLivedCache() bool {
	return c.CacheRoot != ""
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func getBool(key string, fallback bool) (bool, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

// parseSize accepts byte counts with optional units such as "512MB".
func parseSize(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0" {
		return 0, nil
	}
	v, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}
