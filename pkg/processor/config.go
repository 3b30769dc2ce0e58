package processor

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/trace-processor/pkg/processor/traces"
	"github.com/ethpandaops/trace-processor/pkg/processor/tracker"
)

// Config holds the processor manager configuration.
type Config struct {
	// Interval between block discovery rounds.
	Interval time.Duration `yaml:"interval" default:"1s"`

	// Mode is forwards (towards the head) or backwards (towards genesis).
	Mode string `yaml:"mode" default:"forwards"`

	// Concurrency is the number of asynq workers.
	Concurrency int `yaml:"concurrency" default:"20"`

	LeaderElection LeaderElectionConfig `yaml:"leaderElection"`

	// Enqueueing pauses while a process queue holds more than
	// MaxProcessQueueSize tasks, and resumes once it drops below
	// MaxProcessQueueSize*BackpressureHysteresis.
	MaxProcessQueueSize    int     `yaml:"maxProcessQueueSize" default:"1000"`
	BackpressureHysteresis float64 `yaml:"backpressureHysteresis" default:"0.8"`

	Traces traces.Config `yaml:"traces"`
}

type LeaderElectionConfig struct {
	Enabled         bool          `yaml:"enabled" default:"true"`
	TTL             time.Duration `yaml:"ttl" default:"10s"`
	RenewalInterval time.Duration `yaml:"renewalInterval" default:"3s"`
	// NodeID is generated when empty.
	NodeID string `yaml:"nodeId"`
}

func (c *Config) Validate() error {
	if c.Mode == "" {
		c.Mode = tracker.FORWARDS_MODE
	}

	if c.Mode != tracker.FORWARDS_MODE && c.Mode != tracker.BACKWARDS_MODE {
		return fmt.Errorf("invalid mode %s, must be '%s' or '%s'", c.Mode, tracker.FORWARDS_MODE, tracker.BACKWARDS_MODE)
	}

	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}

	if c.Concurrency <= 0 {
		return errors.New("concurrency must be positive")
	}

	if c.MaxProcessQueueSize <= 0 {
		return errors.New("maxProcessQueueSize must be positive")
	}

	if c.BackpressureHysteresis <= 0 || c.BackpressureHysteresis > 1 {
		return errors.New("backpressureHysteresis must be in (0, 1]")
	}

	if c.LeaderElection.Enabled && c.LeaderElection.RenewalInterval >= c.LeaderElection.TTL {
		return errors.New("leader election renewal interval must be less than TTL")
	}

	if c.Traces.Enabled {
		if err := c.Traces.Validate(); err != nil {
			return fmt.Errorf("traces processor config validation failed: %w", err)
		}
	}

	return nil
}
