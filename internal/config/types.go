package config

import "time"

// Secret is a string that redacts itself when printed or logged.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// Value returns the underlying secret.
func (s Secret) Value() string {
	return string(s)
}

// Config is the full recalld configuration tree.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Gateway     GatewayConfig     `koanf:"gateway"`
	RateLimit   RateLimitConfig   `koanf:"ratelimit"`
	Retention   RetentionConfig   `koanf:"retention"`
	Store       StoreConfig       `koanf:"store"`
	VectorIndex VectorIndexConfig `koanf:"vectorindex"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json or console
}

// TelemetryConfig configures OpenTelemetry trace export.
type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	ServiceName  string  `koanf:"service_name"`
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	SampleRate   float64 `koanf:"sample_rate"`
}

// GatewayConfig configures the admission gateway.
type GatewayConfig struct {
	AllowedCollections []string      `koanf:"allowed_collections"`
	MaxPayloadBytes    int           `koanf:"max_payload_bytes"`
	MaxLimit           int           `koanf:"max_limit"`
	DispatchTimeout    time.Duration `koanf:"dispatch_timeout"`
}

// RateLimitConfig configures per-client request quotas.
type RateLimitConfig struct {
	PerMinute int `koanf:"per_minute"`
	PerHour   int `koanf:"per_hour"`
}

// RetentionConfig configures the retention engine and scheduler.
type RetentionConfig struct {
	MaxSolutions             int64         `koanf:"max_solutions"`
	MaxAgeDays               int           `koanf:"max_age_days"`
	MinValueScore            float64       `koanf:"min_value_score"`
	DedupSimilarityThreshold float64       `koanf:"dedup_similarity_threshold"`
	DedupWindow              int           `koanf:"dedup_window"`
	Interval                 time.Duration `koanf:"interval"`
	MaxRetries               int           `koanf:"max_retries"`
	RetryBackoff             time.Duration `koanf:"retry_backoff"`
	DeleteRate               float64       `koanf:"delete_rate"`
	DeleteBurst              int           `koanf:"delete_burst"`
}

// StoreConfig configures the SQLite solution store.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// VectorIndexConfig selects and configures the vector index backend.
type VectorIndexConfig struct {
	Provider string        `koanf:"provider"` // chromem (default) or qdrant
	Chromem  ChromemConfig `koanf:"chromem"`
	Qdrant   QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig configures the embedded chromem-go index.
type ChromemConfig struct {
	Path       string `koanf:"path"`
	Compress   bool   `koanf:"compress"`
	VectorSize int    `koanf:"vector_size"`
}

// QdrantConfig configures the external Qdrant index.
type QdrantConfig struct {
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"`
	APIKey         Secret `koanf:"api_key"`
	UseTLS         bool   `koanf:"use_tls"`
	VectorSize     int    `koanf:"vector_size"`
	RetryAttempts  int    `koanf:"retry_attempts"`
	MaxMessageSize int    `koanf:"max_message_size"`
}
