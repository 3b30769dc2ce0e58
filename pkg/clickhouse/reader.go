package clickhouse

import (
	"context"
	"database/sql"
	"fmt"

	clickhousego "github.com/ClickHouse/clickhouse-go/v2"
)

// ReaderOptions maps the shared config onto clickhouse-go options for the
// database/sql read path.
func ReaderOptions(cfg *Config) *clickhousego.Options {
	method := clickhousego.CompressionLZ4

	switch cfg.Compression {
	case "zstd":
		method = clickhousego.CompressionZSTD
	case "none":
		method = clickhousego.CompressionNone
	}

	return &clickhousego.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhousego.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.QueryTimeout,
		MaxOpenConns:    int(cfg.MaxConns),
		MaxIdleConns:    int(cfg.MinConns),
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		Compression:     &clickhousego.Compression{Method: method},
		Debug:           cfg.Debug,
	}
}

// OpenDB returns a pinged database/sql handle backed by clickhouse-go.
func OpenDB(ctx context.Context, cfg *Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.SetDefaults()

	db := clickhousego.OpenDB(ReaderOptions(cfg))

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	return db, nil
}
