package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/creasty/defaults"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/trace-processor/pkg/server"
)

const (
	configEnvVar      = "TRACE_PROCESSOR_CONFIG"
	defaultConfigFile = "config.yaml"
)

var (
	log = logrus.New()

	rootFlags struct {
		config    string
		logFormat string
	}
)

var rootCmd = &cobra.Command{
	Use:   "trace-processor",
	Short: "Indexes execution traces into ClickHouse.",
	Long: `Pulls Parity-style traces from execution clients block by block, stores
them in ClickHouse, publishes them to Kafka and serves them over HTTP.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return initCommon()
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServer(cmd.Context())
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()

	flags.StringVar(&rootFlags.config, "config", "", "config file (default $"+configEnvVar+" or ./"+defaultConfigFile+")")
	flags.StringVar(&rootFlags.logFormat, "log-format", "text", "log output format: text or json")
}

// initCommon loads a .env file from the working directory when present and
// sets up the log formatter. Variables from .env are visible to config
// expansion.
func initCommon() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	switch rootFlags.logFormat {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", rootFlags.logFormat)
	}

	return nil
}

func configPath(flag string) string {
	if flag != "" {
		return flag
	}

	if env := os.Getenv(configEnvVar); env != "" {
		return env
	}

	return defaultConfigFile
}

func runServer(ctx context.Context) error {
	path := configPath(rootFlags.config)

	config, err := loadServerConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load config %s: %w", path, err)
	}

	level, err := logrus.ParseLevel(config.LoggingLevel)
	if err != nil {
		log.WithError(err).Warn("Invalid logging level, using info")

		level = logrus.InfoLevel
	}

	log.SetLevel(level)

	srv, err := server.NewServer(ctx, log, "trace_processor", config)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server stopped with error: %w", err)
	}

	log.Info("Trace processor stopped")

	return nil
}

// loadServerConfig reads a YAML config on top of the struct defaults. ${VAR}
// references are expanded from the environment first so credentials can live
// in .env instead of the file.
func loadServerConfig(file string) (*server.Config, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	config := &server.Config{}
	if err := defaults.Set(config); err != nil {
		return nil, err
	}

	type plain server.Config

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), (*plain)(config)); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}

	return config, nil
}
