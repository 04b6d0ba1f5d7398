package config

import "time"

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for poolingh.
type Config struct {
	Pool      PoolConfig      `mapstructure:"pool"      yaml:"pool"      validate:"required"`
	Client    ClientConfig    `mapstructure:"client"    yaml:"client"    validate:"required"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport" validate:"required"`
	Storage   StorageConfig   `mapstructure:"storage"   yaml:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"   yaml:"logging"   validate:"required"`
	Metrics   MetricsConfig   `mapstructure:"metrics"   yaml:"metrics"`
	API       APIConfig       `mapstructure:"api"       yaml:"api"`
}

// PoolConfig controls Queue-level dispatch policy.
type PoolConfig struct {
	MaxPerRequest int           `mapstructure:"max_per_request" yaml:"max_per_request" validate:"min=1"`
	MaxTotal      int           `mapstructure:"max_total"       yaml:"max_total"        validate:"min=0"`
	GlobalQPS     float64       `mapstructure:"global_qps"      yaml:"global_qps"       validate:"min=0"`
	IdleWait      time.Duration `mapstructure:"idle_wait"       yaml:"idle_wait"        validate:"min=0"`
}

// ClientConfig controls the per-credential rate-limit state machine.
type ClientConfig struct {
	SafetyMargin int           `mapstructure:"safety_margin" yaml:"safety_margin" validate:"min=0"`
	ResumeBuffer time.Duration `mapstructure:"resume_buffer" yaml:"resume_buffer" validate:"min=0"`
}

// TransportConfig controls the default HTTP executor.
type TransportConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" validate:"required"`
	MaxBodySize    int64         `mapstructure:"max_body_size"   yaml:"max_body_size"    validate:"min=0"`
	UserAgent      string        `mapstructure:"user_agent"      yaml:"user_agent"       validate:"required"`
}

// StorageConfig selects and configures the result sink.
type StorageConfig struct {
	Type       string `mapstructure:"type"        yaml:"type"        validate:"oneof=jsonl csv mongo postgres none"`
	OutputPath string `mapstructure:"output_path" yaml:"output_path"`
	DSN        string `mapstructure:"dsn"         yaml:"dsn"`
	Database   string `mapstructure:"database"    yaml:"database"`
	Collection string `mapstructure:"collection"  yaml:"collection"`
	BatchSize  int    `mapstructure:"batch_size"  yaml:"batch_size" validate:"min=1"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level       string `mapstructure:"level"        yaml:"level"        validate:"oneof=debug info warn error"`
	Format      string `mapstructure:"format"       yaml:"format"       validate:"oneof=text json"`
	LoggingPath string `mapstructure:"logging_path" yaml:"logging_path"`
}

// MetricsConfig controls the Prometheus-text metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port" validate:"min=1,max=65535"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// APIConfig controls the status/control HTTP surface.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr"    yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxPerRequest: 5,
			MaxTotal:      5000,
			GlobalQPS:     0,
			IdleWait:      time.Second,
		},
		Client: ClientConfig{
			SafetyMargin: 5,
			ResumeBuffer: 2 * time.Second,
		},
		Transport: TransportConfig{
			RequestTimeout: 30 * time.Second,
			MaxBodySize:    10 * 1024 * 1024,
			UserAgent:      "poolingh/" + Version,
		},
		Storage: StorageConfig{
			Type:       "jsonl",
			OutputPath: "./output",
			BatchSize:  100,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "text",
			LoggingPath: "./logs",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
		API: APIConfig{
			Enabled: false,
			Addr:    ":8080",
		},
	}
}
