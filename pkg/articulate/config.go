package articulate

import (
	"fmt"
	"time"
)

type Config struct {
	Enabled bool `yaml:"enabled" default:"false"`
	// ABIDir holds one <address>.json ABI file per known contract.
	ABIDir   string        `yaml:"abiDir"`
	CacheTTL time.Duration `yaml:"cacheTTL" default:"1h"`
	// MissTTL bounds how long an address without an ABI is remembered.
	MissTTL time.Duration `yaml:"missTTL" default:"5m"`
}

func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.ABIDir == "" {
		return fmt.Errorf("abiDir is required when articulation is enabled")
	}

	if c.CacheTTL <= 0 {
		return fmt.Errorf("cacheTTL must be positive")
	}

	return nil
}
