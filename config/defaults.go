package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "sagad",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RequestTimeout:  30 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerSecond: 50,
				Burst:             100,
			},
			WebSocket: WebSocketConfig{
				MaxConnections: 100,
			},
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			Output:      "stdout",
			MaxInMemory: 10000,
		},
		Broker: BrokerConfig{
			Type:              "memory",
			URL:               "redis://localhost:6379/0",
			PublishTimeoutMS:  5000,
			PublishMaxRetries: 6,
			ConsumerGroup:     "saga-coordinator",
		},
		Coordinator: CoordinatorConfig{
			Workers:           8,
			QueueSize:         256,
			IdempotencyWindow: 256,
			WheelTick:         time.Second,
			WheelSlots:        512,
			Source:            "saga-coordinator",
			RetentionMaxAge:   0,
			RetentionInterval: time.Hour,
		},
		Audit: AuditConfig{
			FilePath:      "./data/audit",
			FsyncPolicy:   "batched",
			FlushInterval: 200 * time.Millisecond,
		},
		State: StateConfig{
			SnapshotPath: "./data/state",
			SyncWrites:   true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
			Alert: AlertConfig{
				ErrorRateThresholdPct: 25,
				ErrorWindow:           10 * time.Minute,
				ActiveSagasThreshold:  1000,
				StepP95MS:             30000,
			},
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlp",
			Endpoint:   "localhost:4317",
			Timeout:    10 * time.Second,
			Sampler:    "ratio",
			SampleRate: 0.1,
		},
	}
}
