package ethereum

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/trace-processor/pkg/ethereum/execution"
)

type Config struct {
	// Execution configuration
	Execution []*execution.Config `yaml:"execution"`
	// Override network name for custom networks (bypasses networkMap)
	OverrideNetworkName *string `yaml:"overrideNetworkName"`
	// HealthCheckInterval is how often ready nodes are re-checked.
	HealthCheckInterval time.Duration `yaml:"healthCheckInterval" default:"15s"`
}

func (c *Config) Validate() error {
	if len(c.Execution) == 0 {
		return errors.New("at least one execution node is required")
	}

	names := make(map[string]struct{}, len(c.Execution))

	for i, execution := range c.Execution {
		if err := execution.Validate(); err != nil {
			return fmt.Errorf("invalid execution configuration at index %d: %w", i, err)
		}

		if _, ok := names[execution.Name]; ok {
			return fmt.Errorf("duplicate execution node name %q", execution.Name)
		}

		names[execution.Name] = struct{}{}
	}

	return nil
}
