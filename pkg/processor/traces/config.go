package traces

import (
	"fmt"

	"github.com/ethpandaops/trace-processor/pkg/articulate"
	"github.com/ethpandaops/trace-processor/pkg/clickhouse"
	"github.com/ethpandaops/trace-processor/pkg/rowbuffer"
	"github.com/ethpandaops/trace-processor/pkg/tracestore"
)

// Config holds configuration for the traces processor.
type Config struct {
	clickhouse.Config `yaml:",inline"`
	Enabled           bool   `yaml:"enabled"`
	Table             string `yaml:"table" default:"traces"`

	// MaxPendingBlockRange bounds how far ahead of the oldest incomplete
	// block new blocks may be enqueued. Zero disables the limit.
	MaxPendingBlockRange int `yaml:"maxPendingBlockRange" default:"2"`

	// CheckTraceTree validates the call tree of every transaction and counts
	// malformed ones.
	CheckTraceTree bool `yaml:"checkTraceTree" default:"true"`

	Buffer     rowbuffer.Config  `yaml:"buffer"`
	Articulate articulate.Config `yaml:"articulate"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if err := c.Config.Validate(); err != nil {
		return fmt.Errorf("clickhouse config validation failed: %w", err)
	}

	if c.Table == "" {
		c.Table = tracestore.DefaultTable
	}

	if c.MaxPendingBlockRange < 0 {
		return fmt.Errorf("maxPendingBlockRange must not be negative")
	}

	if err := c.Buffer.Validate(); err != nil {
		return fmt.Errorf("buffer config validation failed: %w", err)
	}

	if err := c.Articulate.Validate(); err != nil {
		return fmt.Errorf("articulate config validation failed: %w", err)
	}

	return nil
}
