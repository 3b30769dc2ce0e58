package clickhouse

import (
	"context"

	"github.com/ClickHouse/ch-go"
)

// ClientInterface is the write side of the ClickHouse integration. Reads that
// need scanning into rows go through the database/sql handle from OpenDB.
type ClientInterface interface {
	// Do runs a native query, typically an INSERT with proto.Input columns.
	Do(ctx context.Context, query ch.Query) error
	// Execute runs a statement without expecting results.
	Execute(ctx context.Context, query string) error
	// QueryUInt64 returns the first value of a UInt64 column, or nil.
	QueryUInt64(ctx context.Context, query string, columnName string) (*uint64, error)
	// QueryMinMaxUInt64 returns the "min" and "max" columns of a single row.
	QueryMinMaxUInt64(ctx context.Context, query string) (minVal, maxVal *uint64, err error)
	// IsStorageEmpty reports whether no rows match the given conditions.
	IsStorageEmpty(ctx context.Context, table string, conditions map[string]any) (bool, error)
	// SetNetwork updates the network name for metrics labeling
	SetNetwork(network string)
	Start() error
	Stop() error
}
