package config

import "time"

type Duration struct {
	Duration time.Duration
}

type HTTPConfig struct {
	Addr              string   `json:"addr" yaml:"addr"`
	ReadHeaderTimeout Duration `json:"read_header_timeout" yaml:"read_header_timeout"`
	IdleTimeout       Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout   Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxRequestBytes   int64    `json:"max_request_bytes" yaml:"max_request_bytes"`

	// AllowOrigins feeds the CORS middleware. Empty means the local dev defaults.
	AllowOrigins []string `json:"allow_origins,omitempty" yaml:"allow_origins,omitempty"`
}

type InferenceConfig struct {
	// BaseURL of the remote screening model. Empty disables the online path:
	// every case is served by the offline synthesizer.
	BaseURL    string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	StreamPath string `json:"stream_path,omitempty" yaml:"stream_path,omitempty"`

	// APIKey is optional; when set it is sent as the x-api-key header.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	// OpenTimeout bounds the wait for response headers. StreamTimeout bounds the
	// whole call. IdleTimeout bounds the gap between two frames.
	OpenTimeout   Duration `json:"open_timeout,omitempty" yaml:"open_timeout,omitempty"`
	StreamTimeout Duration `json:"stream_timeout,omitempty" yaml:"stream_timeout,omitempty"`
	IdleTimeout   Duration `json:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty"`

	// MaxRetries applies to opening the stream only, never mid-stream.
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

type PipelineConfig struct {
	DefaultMode      string `json:"default_mode,omitempty" yaml:"default_mode,omitempty"`
	SubscriberBuffer int    `json:"subscriber_buffer,omitempty" yaml:"subscriber_buffer,omitempty"`
}

type PersistenceConfig struct {
	// Driver is one of memory, redis, sqlite, postgres.
	Driver string `json:"driver" yaml:"driver"`

	RedisAddr     string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty" yaml:"redis_db,omitempty"`

	// DSN is a file path (or ":memory:") for sqlite and a connection string for postgres.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`

	// ResultTTL expires stored results in redis; zero keeps them forever.
	ResultTTL Duration `json:"result_ttl,omitempty" yaml:"result_ttl,omitempty"`
}

type TelemetryConfig struct {
	ServiceName string `json:"service_name,omitempty" yaml:"service_name,omitempty"`
	Version     string `json:"version,omitempty" yaml:"version,omitempty"`

	// MetricsAddr serves /metrics on a separate listener when set. The main
	// router exposes it too whenever METRICS_ENABLED is on.
	MetricsAddr string `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty"`
}

type Config struct {
	Env         string            `json:"env" yaml:"env"`
	HTTP        HTTPConfig        `json:"http" yaml:"http"`
	Inference   InferenceConfig   `json:"inference" yaml:"inference"`
	Pipeline    PipelineConfig    `json:"pipeline" yaml:"pipeline"`
	Persistence PersistenceConfig `json:"persistence" yaml:"persistence"`
	Telemetry   TelemetryConfig   `json:"telemetry" yaml:"telemetry"`
}
