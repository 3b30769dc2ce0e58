// Package leaderelection elects a single block enqueuer per network and mode
// with a Redis lock.
package leaderelection

import (
	"context"
	"errors"
	"time"
)

var ErrNoLeader = errors.New("no leader elected")

// LeadershipCallback runs synchronously on every leadership change and must
// return quickly; renewal waits for it.
type LeadershipCallback func(ctx context.Context, isLeader bool)

type Elector interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsLeader() bool
	// OnLeadershipChange registers a callback. Callbacks run in registration
	// order.
	OnLeadershipChange(callback LeadershipCallback)
	LeaderID(ctx context.Context) (string, error)
}

type Config struct {
	// Key is the Redis key holding the current leader's node ID.
	Key string
	// Network labels the election metrics.
	Network string

	TTL             time.Duration
	RenewalInterval time.Duration

	// NodeID identifies this instance. A random ID is generated when empty.
	NodeID string
}

func (c *Config) Validate() error {
	if c.Key == "" {
		return errors.New("key is required")
	}

	if c.TTL <= 0 {
		return errors.New("ttl must be positive")
	}

	if c.RenewalInterval <= 0 || c.RenewalInterval >= c.TTL {
		return errors.New("renewal interval must be positive and less than ttl")
	}

	return nil
}
