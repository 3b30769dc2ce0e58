package execution

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

type Config struct {
	// Name identifies the node in logs and metrics.
	Name string `yaml:"name"`
	// NodeAddress is the JSON-RPC endpoint, e.g. http://localhost:8545.
	NodeAddress string `yaml:"nodeAddress"`
	// NodeHeaders are added to every request, e.g. for authentication.
	NodeHeaders map[string]string `yaml:"nodeHeaders"`
	// TraceTimeout bounds a single trace_* call when the caller sets no deadline.
	TraceTimeout time.Duration `yaml:"traceTimeout" default:"60s"`
}

func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("name is required")
	}

	if c.NodeAddress == "" {
		return errors.New("nodeAddress is required")
	}

	u, err := url.Parse(c.NodeAddress)
	if err != nil {
		return fmt.Errorf("invalid nodeAddress: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("nodeAddress must be http or https, got %q", u.Scheme)
	}

	return nil
}
