package publisher

import (
	"errors"
	"time"
)

// Config for the Kafka sink. Publishing is off when no brokers are set.
type Config struct {
	Brokers      []string      `yaml:"brokers"`
	TopicPrefix  string        `yaml:"topicPrefix" default:"traces"`
	BatchSize    int           `yaml:"batchSize" default:"100"`
	BatchTimeout time.Duration `yaml:"batchTimeout" default:"500ms"`
	WriteTimeout time.Duration `yaml:"writeTimeout" default:"10s"`
}

func (c *Config) Enabled() bool {
	return len(c.Brokers) > 0
}

func (c *Config) Validate() error {
	if !c.Enabled() {
		return nil
	}

	if c.TopicPrefix == "" {
		return errors.New("topicPrefix is required when brokers are set")
	}

	if c.BatchSize <= 0 {
		return errors.New("batchSize must be positive")
	}

	return nil
}
