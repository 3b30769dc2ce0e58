package redis

import (
	"errors"
)

// DefaultPrefix namespaces every key and queue this service creates.
const DefaultPrefix = "trace-processor"

type Config struct {
	// Address is either host:port or a redis:// URL.
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix" default:"trace-processor"`
}

func (c *Config) Validate() error {
	if c.Address == "" {
		return errors.New("redis address is required")
	}

	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}

	return nil
}
