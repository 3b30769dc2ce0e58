package tracestore

import "fmt"

// DefaultTable is the table traces are written to when none is configured.
const DefaultTable = "traces"

// CreateTableStatement returns the DDL for the trace table. Rewards share
// transaction index 0 with the first transaction, so the transaction hash is
// part of the sorting key. A re-processed block replaces its earlier rows.
func CreateTableStatement(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	updated_date_time DateTime,
	block_number UInt64,
	block_hash String,
	block_timestamp DateTime,
	transaction_hash String,
	transaction_index UInt32,
	trace_index UInt32,
	trace_address Array(UInt64),
	subtraces UInt32,
	type LowCardinality(String),
	call_type LowCardinality(String),
	from_address String,
	to_address String,
	value UInt256,
	gas UInt64,
	gas_used UInt64,
	error Nullable(String),
	articulated_name String,
	compressed_trace String,
	raw String,
	meta_network_name LowCardinality(String)
) ENGINE = ReplacingMergeTree(updated_date_time)
PARTITION BY (meta_network_name, intDiv(block_number, 5000000))
ORDER BY (meta_network_name, block_number, transaction_index, transaction_hash, trace_index)`, table)
}
