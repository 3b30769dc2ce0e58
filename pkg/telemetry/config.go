package telemetry

// Config selects where spans are exported. An empty endpoint installs a noop
// tracer provider.
type Config struct {
	// Endpoint is an OTLP/HTTP collector, either host:port or a full URL.
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"serviceName" default:"trace-processor"`
	Insecure    bool   `yaml:"insecure" default:"true"`
}

func (c *Config) Enabled() bool {
	return c.Endpoint != ""
}
