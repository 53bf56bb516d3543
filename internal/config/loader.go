// Package config provides configuration loading for recalld.
//
// Precedence, highest first: environment variables, YAML config file,
// built-in defaults. Config files must live under ~/.config/recalld/ or
// /etc/recalld/, carry 0600 or 0400 permissions, and stay under 1MB.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024

// Load reads configuration from the YAML file at configPath (default
// ~/.config/recalld/config.yaml when empty), overrides with environment
// variables, applies defaults, and validates.
//
// Environment variables map section_field, e.g.:
//
//	SERVER_PORT            -> server.port
//	RETENTION_MAX_SOLUTIONS -> retention.max_solutions
//	RATELIMIT_PER_MINUTE   -> ratelimit.per_minute
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "recalld", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate through the descriptor to avoid a
		// check-then-read race.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		// SECTION_FIELD_NAME -> section.field_name: split on the first
		// underscore only, field names keep theirs.
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// EnsureConfigDir creates ~/.config/recalld with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	configDir := filepath.Join(home, ".config", "recalld")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return nil
}

// validateConfigPath checks the path is in an allowed directory, even
// when the file does not exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Follow symlinks so one cannot escape the allowed directories; fall
	// back to the absolute path for files that do not exist yet.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "recalld"),
		"/etc/recalld",
	}
	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/recalld/ or /etc/recalld/")
}

// validateConfigFileProperties checks permissions and size on an
// already-opened file.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9190
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "recalld"
	}
	if cfg.Telemetry.OTLPEndpoint == "" {
		cfg.Telemetry.OTLPEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}

	if len(cfg.Gateway.AllowedCollections) == 0 {
		cfg.Gateway.AllowedCollections = []string{
			"errors", "runbooks", "incidents", "howtos", "snippets", "reviews",
		}
	}
	if cfg.Gateway.MaxPayloadBytes == 0 {
		cfg.Gateway.MaxPayloadBytes = 10 * 1024
	}
	if cfg.Gateway.MaxLimit == 0 {
		cfg.Gateway.MaxLimit = 100
	}
	if cfg.Gateway.DispatchTimeout == 0 {
		cfg.Gateway.DispatchTimeout = 5 * time.Second
	}

	if cfg.RateLimit.PerMinute == 0 {
		cfg.RateLimit.PerMinute = 60
	}
	if cfg.RateLimit.PerHour == 0 {
		cfg.RateLimit.PerHour = 1000
	}

	if cfg.Retention.MaxSolutions == 0 {
		cfg.Retention.MaxSolutions = 100000
	}
	if cfg.Retention.MaxAgeDays == 0 {
		cfg.Retention.MaxAgeDays = 30
	}
	if cfg.Retention.MinValueScore == 0 {
		cfg.Retention.MinValueScore = 0.5
	}
	if cfg.Retention.DedupSimilarityThreshold == 0 {
		cfg.Retention.DedupSimilarityThreshold = 0.95
	}
	if cfg.Retention.DedupWindow == 0 {
		cfg.Retention.DedupWindow = 512
	}
	if cfg.Retention.Interval == 0 {
		cfg.Retention.Interval = 6 * time.Hour
	}
	if cfg.Retention.MaxRetries == 0 {
		cfg.Retention.MaxRetries = 3
	}
	if cfg.Retention.RetryBackoff == 0 {
		cfg.Retention.RetryBackoff = 30 * time.Second
	}
	if cfg.Retention.DeleteRate == 0 {
		cfg.Retention.DeleteRate = 200
	}
	if cfg.Retention.DeleteBurst == 0 {
		cfg.Retention.DeleteBurst = 50
	}

	if cfg.Store.Path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Store.Path = filepath.Join(home, ".local", "share", "recalld", "solutions.db")
		} else {
			cfg.Store.Path = "solutions.db"
		}
	}

	if cfg.VectorIndex.Provider == "" {
		cfg.VectorIndex.Provider = "chromem"
	}
	if cfg.VectorIndex.Chromem.Path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.VectorIndex.Chromem.Path = filepath.Join(home, ".local", "share", "recalld", "vectorindex")
		} else {
			cfg.VectorIndex.Chromem.Path = "vectorindex"
		}
	}
	if cfg.VectorIndex.Chromem.VectorSize == 0 {
		cfg.VectorIndex.Chromem.VectorSize = 384
	}
	if cfg.VectorIndex.Qdrant.Host == "" {
		cfg.VectorIndex.Qdrant.Host = "localhost"
	}
	if cfg.VectorIndex.Qdrant.Port == 0 {
		cfg.VectorIndex.Qdrant.Port = 6334
	}
	if cfg.VectorIndex.Qdrant.VectorSize == 0 {
		cfg.VectorIndex.Qdrant.VectorSize = 384
	}
	if cfg.VectorIndex.Qdrant.RetryAttempts == 0 {
		cfg.VectorIndex.Qdrant.RetryAttempts = 3
	}
	if cfg.VectorIndex.Qdrant.MaxMessageSize == 0 {
		cfg.VectorIndex.Qdrant.MaxMessageSize = 32 * 1024 * 1024
	}
}

// Validate checks configuration invariants after defaults are applied.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be in [0, 1], got %v", c.Telemetry.SampleRate)
	}

	if len(c.Gateway.AllowedCollections) == 0 {
		return fmt.Errorf("gateway.allowed_collections cannot be empty")
	}
	if c.Gateway.MaxPayloadBytes < 1 {
		return fmt.Errorf("gateway.max_payload_bytes must be positive")
	}
	if c.Gateway.MaxLimit < 1 {
		return fmt.Errorf("gateway.max_limit must be positive")
	}

	if c.RateLimit.PerMinute < 1 || c.RateLimit.PerHour < 1 {
		return fmt.Errorf("ratelimit caps must be positive")
	}
	if c.RateLimit.PerMinute > c.RateLimit.PerHour {
		return fmt.Errorf("ratelimit.per_minute (%d) cannot exceed ratelimit.per_hour (%d)",
			c.RateLimit.PerMinute, c.RateLimit.PerHour)
	}

	if c.Retention.MaxSolutions < 1 {
		return fmt.Errorf("retention.max_solutions must be positive")
	}
	if c.Retention.MinValueScore < 0 || c.Retention.MinValueScore > 1 {
		return fmt.Errorf("retention.min_value_score must be in [0, 1]")
	}
	if c.Retention.DedupSimilarityThreshold <= 0 || c.Retention.DedupSimilarityThreshold > 1 {
		return fmt.Errorf("retention.dedup_similarity_threshold must be in (0, 1]")
	}

	switch c.VectorIndex.Provider {
	case "chromem", "qdrant", "memory":
	default:
		return fmt.Errorf("vectorindex.provider must be chromem, qdrant, or memory, got %q", c.VectorIndex.Provider)
	}
	return nil
}

// MaxAge converts the configured retention age in days to a duration.
func (c *RetentionConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeDays) * 24 * time.Hour
}
