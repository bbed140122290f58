// Package config provides configuration management for the saga coordinator.
package config

import (
	"fmt"
	"time"
)

// Config is the global coordinator configuration.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the HTTP API server configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Broker is the message broker configuration.
	Broker BrokerConfig `mapstructure:"broker"`

	// Coordinator tunes the saga execution core.
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`

	// Saga holds per-step timeout overrides.
	Saga SagaConfig `mapstructure:"saga"`

	// Audit is the durable audit trail configuration.
	Audit AuditConfig `mapstructure:"audit"`

	// State is the snapshot persistence configuration.
	State StateConfig `mapstructure:"state"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"oneof=development staging production"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// RequestTimeout bounds a single request through the handler chain.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// CORS is the CORS configuration.
	CORS CORSConfig `mapstructure:"cors"`

	// RateLimit is the per-client rate limit configuration.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// WebSocket is the live state stream configuration.
	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	// Enabled enables CORS support.
	Enabled bool `mapstructure:"enabled"`

	// AllowedOrigins is the list of allowed origins.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// AllowedMethods is the list of allowed HTTP methods.
	AllowedMethods []string `mapstructure:"allowed_methods"`

	// AllowedHeaders is the list of allowed headers.
	AllowedHeaders []string `mapstructure:"allowed_headers"`

	// ExposedHeaders is the list of headers exposed to the client.
	ExposedHeaders []string `mapstructure:"exposed_headers"`

	// AllowCredentials indicates whether credentials are allowed.
	AllowCredentials bool `mapstructure:"allow_credentials"`

	// MaxAge is the maximum age of CORS preflight cache in seconds.
	MaxAge int `mapstructure:"max_age"`
}

// RateLimitConfig holds per-client-IP rate limit settings.
type RateLimitConfig struct {
	// Enabled enables rate limiting.
	Enabled bool `mapstructure:"enabled"`

	// RequestsPerSecond is the sustained rate per client.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"min=0"`

	// Burst is the short-term excess above the sustained rate.
	Burst int `mapstructure:"burst" validate:"min=0"`
}

// WebSocketConfig holds the saga state stream settings.
type WebSocketConfig struct {
	// MaxConnections caps concurrent websocket clients.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0"`

	// AllowedOrigins is the list of origins allowed to upgrade.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`

	// FilePath enables the saga activity log file sink when non-empty.
	FilePath string `mapstructure:"file_path"`

	// MaxInMemory caps the in-memory saga activity log.
	MaxInMemory int `mapstructure:"max_in_memory" validate:"min=0"`
}

// BrokerConfig holds message broker settings.
type BrokerConfig struct {
	// Type is the transport implementation (memory, redis).
	Type string `mapstructure:"type" validate:"oneof=memory redis"`

	// URL is the broker endpoint, e.g. redis://localhost:6379/0.
	URL string `mapstructure:"url"`

	// PublishTimeoutMS bounds a single publish attempt in milliseconds.
	PublishTimeoutMS int `mapstructure:"publish_timeout_ms" validate:"min=0"`

	// PublishMaxRetries is the number of publish attempts before the
	// broker is reported unavailable.
	PublishMaxRetries int `mapstructure:"publish_max_retries" validate:"min=0"`

	// ConsumerGroup names the coordinator's consumer group on stream
	// transports.
	ConsumerGroup string `mapstructure:"consumer_group"`
}

// CoordinatorConfig tunes the saga execution core.
type CoordinatorConfig struct {
	// Workers is the worker pool size. Events for one saga always run on
	// the same worker.
	Workers int `mapstructure:"workers" validate:"min=1"`

	// QueueSize bounds each worker's task queue.
	QueueSize int `mapstructure:"queue_size" validate:"min=1"`

	// IdempotencyWindow is the processed-events cache size per saga.
	IdempotencyWindow int `mapstructure:"idempotency_window" validate:"min=1"`

	// WheelTick is the timeout wheel resolution.
	WheelTick time.Duration `mapstructure:"wheel_tick"`

	// WheelSlots is the number of timeout wheel slots.
	WheelSlots int `mapstructure:"wheel_slots" validate:"min=0"`

	// Source names this service in emitted envelopes.
	Source string `mapstructure:"source"`

	// RetentionMaxAge prunes terminal sagas older than this age. Zero
	// disables the sweep.
	RetentionMaxAge time.Duration `mapstructure:"retention_max_age"`

	// RetentionInterval is how often the retention sweep runs.
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
}

// SagaConfig holds saga definition overrides.
type SagaConfig struct {
	// Timeouts overrides the default per-step deadlines.
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
}

// TimeoutsConfig holds per-step timeout overrides in milliseconds. Zero
// keeps the step's default.
type TimeoutsConfig struct {
	PartnerRegistrationMS  int `mapstructure:"partner_registration_ms" validate:"min=0"`
	ContractCreationMS     int `mapstructure:"contract_creation_ms" validate:"min=0"`
	DocumentVerificationMS int `mapstructure:"document_verification_ms" validate:"min=0"`
	CampaignEnablementMS   int `mapstructure:"campaign_enablement_ms" validate:"min=0"`
	RecruitmentSetupMS     int `mapstructure:"recruitment_setup_ms" validate:"min=0"`
}

// AuditConfig holds the durable audit trail settings.
type AuditConfig struct {
	// FilePath is the audit database directory.
	FilePath string `mapstructure:"file_path"`

	// FsyncPolicy is the durability mode (always, batched, never).
	FsyncPolicy string `mapstructure:"fsync_policy" validate:"oneof=always batched never"`

	// FlushInterval bounds the batched fsync delay.
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// StateConfig holds the snapshot persistence settings.
type StateConfig struct {
	// SnapshotPath is the snapshot database directory. Empty keeps state
	// in memory only.
	SnapshotPath string `mapstructure:"snapshot_path"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables the Prometheus exporter.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`

	// Alert holds the aggregator alert thresholds.
	Alert AlertConfig `mapstructure:"alert"`
}

// AlertConfig holds metrics aggregator alert thresholds.
type AlertConfig struct {
	// ErrorRateThresholdPct alerts when the failed+compensated share of
	// terminal sagas exceeds this percentage.
	ErrorRateThresholdPct float64 `mapstructure:"error_rate_threshold_pct" validate:"min=0,max=100"`

	// ErrorWindow bounds the terminal outcomes considered for the error
	// rate.
	ErrorWindow time.Duration `mapstructure:"error_window"`

	// ActiveSagasThreshold alerts when concurrently active sagas of one
	// type exceed this count.
	ActiveSagasThreshold int `mapstructure:"active_sagas_threshold" validate:"min=0"`

	// StepP95MS alerts when a step's p95 latency exceeds this bound in
	// milliseconds.
	StepP95MS int `mapstructure:"step_p95_ms" validate:"min=0"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the span exporter (otlp).
	Exporter string `mapstructure:"exporter"`

	// Endpoint is the collector endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// Timeout bounds a single export batch.
	Timeout time.Duration `mapstructure:"timeout"`

	// Headers are extra headers sent to the collector.
	Headers map[string]string `mapstructure:"headers"`

	// Sampler selects the sampling strategy (ratio, always_on, always_off).
	Sampler string `mapstructure:"sampler"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without
// sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Broker: %s, Env: %s}",
		c.App.Name, c.Server.Port, c.Broker.Type, c.App.Environment)
}
