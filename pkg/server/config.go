package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/trace-processor/pkg/ethereum"
	"github.com/ethpandaops/trace-processor/pkg/processor"
	"github.com/ethpandaops/trace-processor/pkg/publisher"
	"github.com/ethpandaops/trace-processor/pkg/redis"
	"github.com/ethpandaops/trace-processor/pkg/state"
	"github.com/ethpandaops/trace-processor/pkg/telemetry"
)

type Config struct {
	// MetricsAddr is the address to listen on for metrics.
	MetricsAddr string `yaml:"metricsAddr" default:":9090"`
	// HealthCheckAddr is the address to listen on for healthcheck.
	HealthCheckAddr *string `yaml:"healthCheckAddr"`
	// PProfAddr is the address to listen on for pprof.
	PProfAddr *string `yaml:"pprofAddr"`
	// LoggingLevel is the logging level to use.
	LoggingLevel string `yaml:"logging" default:"info"`
	// API serves stored traces and manual block enqueueing.
	API APIConfig `yaml:"api"`
	// Ethereum is the ethereum network configuration.
	Ethereum ethereum.Config `yaml:"ethereum"`
	// Redis is the redis configuration.
	Redis *redis.Config `yaml:"redis"`
	// StateManager is the state manager configuration.
	StateManager state.Config `yaml:"stateManager"`
	// Processors is the processor configuration.
	Processors processor.Config `yaml:"processors"`
	// Publisher streams processed traces to Kafka.
	Publisher publisher.Config `yaml:"publisher"`
	// Telemetry configures OpenTelemetry span export.
	Telemetry telemetry.Config `yaml:"telemetry"`
	// MemoryMonitor periodically logs runtime memory statistics.
	MemoryMonitor MemoryMonitorConfig `yaml:"memoryMonitor"`
	// ShutdownTimeout is the timeout for shutting down the server.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"10s"`
}

// APIConfig enables the HTTP API. Trace routes read from the traces
// processor's ClickHouse table and are only served when that processor is
// enabled.
type APIConfig struct {
	Addr *string `yaml:"addr"`
}

// MemoryMonitorConfig configures the runtime memory collector.
type MemoryMonitorConfig struct {
	Enabled             bool          `yaml:"enabled" default:"true"`
	Interval            time.Duration `yaml:"interval" default:"1m"`
	WarningThresholdMB  uint64        `yaml:"warningThresholdMB" default:"4096"`
	CriticalThresholdMB uint64        `yaml:"criticalThresholdMB" default:"8192"`
}

func (c *MemoryMonitorConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}

	if c.CriticalThresholdMB < c.WarningThresholdMB {
		return errors.New("criticalThresholdMB must not be below warningThresholdMB")
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Redis == nil {
		return fmt.Errorf("redis configuration is required")
	}

	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("invalid redis configuration: %w", err)
	}

	if err := c.Ethereum.Validate(); err != nil {
		return fmt.Errorf("invalid ethereum configuration: %w", err)
	}

	if err := c.StateManager.Validate(); err != nil {
		return fmt.Errorf("invalid state manager configuration: %w", err)
	}

	if err := c.Processors.Validate(); err != nil {
		return fmt.Errorf("invalid processor configuration: %w", err)
	}

	if err := c.Publisher.Validate(); err != nil {
		return fmt.Errorf("invalid publisher configuration: %w", err)
	}

	if err := c.MemoryMonitor.Validate(); err != nil {
		return fmt.Errorf("invalid memory monitor configuration: %w", err)
	}

	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdownTimeout must be positive")
	}

	return nil
}
