package redis

import (
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Options turns the config into client options. URLs carry their own
// credentials and database; explicit fields fill whatever the URL leaves out.
func Options(config *Config) (*redis.Options, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}

	if strings.HasPrefix(config.Address, "redis://") || strings.HasPrefix(config.Address, "rediss://") {
		opts, err := redis.ParseURL(config.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}

		if opts.Password == "" {
			opts.Password = config.Password
		}

		if opts.DB == 0 {
			opts.DB = config.DB
		}

		return opts, nil
	}

	return &redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	}, nil
}

// New creates a Redis client from configuration.
func New(config *Config) (*redis.Client, error) {
	opts, err := Options(config)
	if err != nil {
		return nil, err
	}

	return redis.NewClient(opts), nil
}
