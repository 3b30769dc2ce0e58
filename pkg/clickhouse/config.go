package clickhouse

import (
	"errors"
	"time"

	"github.com/creasty/defaults"
)

// Config holds the connection settings shared by the native writer and the
// database/sql reader.
//
//nolint:tagliatelle // YAML config uses snake_case by convention
type Config struct {
	// Native protocol address, e.g. "localhost:9000".
	Addr     string `yaml:"addr"`
	Database string `yaml:"database" default:"default"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	MaxConns          int32         `yaml:"max_conns" default:"10"`
	MinConns          int32         `yaml:"min_conns" default:"2"`
	ConnMaxLifetime   time.Duration `yaml:"conn_max_lifetime" default:"1h"`
	ConnMaxIdleTime   time.Duration `yaml:"conn_max_idle_time" default:"30m"`
	HealthCheckPeriod time.Duration `yaml:"health_check_period" default:"1m"`
	DialTimeout       time.Duration `yaml:"dial_timeout" default:"10s"`

	// lz4, zstd or none.
	Compression string `yaml:"compression" default:"lz4"`

	MaxRetries     uint64        `yaml:"max_retries" default:"3"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" default:"100ms"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay" default:"10s"`

	// Applied per attempt unless the caller's context already has a deadline.
	QueryTimeout time.Duration `yaml:"query_timeout" default:"60s"`

	// Metrics labels
	Network   string `yaml:"network"`
	Processor string `yaml:"processor"`
	Debug     bool   `yaml:"debug"`
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}

	switch c.Compression {
	case "", "lz4", "zstd", "none":
	default:
		return errors.New("compression must be one of lz4, zstd or none")
	}

	return nil
}

// SetDefaults fills every unset field from its default tag.
func (c *Config) SetDefaults() {
	_ = defaults.Set(c)
}
