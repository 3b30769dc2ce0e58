package state

import (
	"errors"
	"fmt"

	"github.com/ethpandaops/trace-processor/pkg/clickhouse"
)

// DefaultTable holds one row per processed block and processor.
const DefaultTable = "trace_processor_blocks"

type StorageConfig struct {
	clickhouse.Config `yaml:",inline"`
	Table             string `yaml:"table" default:"trace_processor_blocks"`
}

type Config struct {
	Storage StorageConfig `yaml:"storage"`
}

func (c *Config) Validate() error {
	if c.Storage.Table == "" {
		return errors.New("storage.table is required")
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config validation failed: %w", err)
	}

	return nil
}
