package tracestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethpandaops/trace-processor/pkg/trace"
)

const (
	// DefaultCount is the page size used when a filter sets no count.
	DefaultCount = 100
	// MaxCount bounds a single page.
	MaxCount = 10000
)

// Rewards carry no transaction hash and sort after the block's transactions.
const orderBy = " ORDER BY block_number ASC, transaction_hash = '' ASC, transaction_index ASC, trace_index ASC"

// Reader answers trace queries from ClickHouse through database/sql.
type Reader struct {
	db    *sql.DB
	table string
}

func NewReader(db *sql.DB, table string) *Reader {
	if table == "" {
		table = DefaultTable
	}

	return &Reader{db: db, table: table}
}

func addressStrings(addrs []trace.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, strings.ToLower(string(a)))
	}

	return out
}

// pageLimit resolves the LIMIT for a filter.
func pageLimit(f *trace.Filter) uint64 {
	if f.Count == nil {
		return DefaultCount
	}

	return min(*f.Count, MaxCount)
}

// buildFilterQuery renders f as a parameterised query. Address lists follow
// Filter.Matches: either side may match when both are given.
func buildFilterQuery(table, network string, f *trace.Filter) (string, []any) {
	clauses := []string{"meta_network_name = ?"}
	args := []any{network}

	if f.FromBlock != nil {
		clauses = append(clauses, "block_number >= ?")
		args = append(args, *f.FromBlock)
	}

	if f.ToBlock != nil {
		clauses = append(clauses, "block_number <= ?")
		args = append(args, *f.ToBlock)
	}

	var sides []string

	if len(f.FromAddress) > 0 {
		sides = append(sides, "has(?, from_address)")
		args = append(args, addressStrings(f.FromAddress))
	}

	if len(f.ToAddress) > 0 {
		sides = append(sides, "has(?, to_address)")
		args = append(args, addressStrings(f.ToAddress))
	}

	switch len(sides) {
	case 1:
		clauses = append(clauses, sides[0])
	case 2:
		clauses = append(clauses, "("+strings.Join(sides, " OR ")+")")
	}

	var after uint64
	if f.After != nil {
		after = *f.After
	}

	query := fmt.Sprintf("SELECT raw FROM %s FINAL WHERE %s%s LIMIT ? OFFSET ?", table, strings.Join(clauses, " AND "), orderBy)
	args = append(args, pageLimit(f), after)

	return query, args
}

// Query returns the page of stored traces on network selected by f.
func (r *Reader) Query(ctx context.Context, network string, f *trace.Filter) ([]trace.Trace, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	if f.Count != nil && *f.Count == 0 {
		return []trace.Trace{}, nil
	}

	query, args := buildFilterQuery(r.table, network, f)

	return r.scan(ctx, query, args...)
}

// ByTransaction returns every trace of a transaction in execution order.
func (r *Reader) ByTransaction(ctx context.Context, network string, hash trace.Hash) ([]trace.Trace, error) {
	query := fmt.Sprintf("SELECT raw FROM %s FINAL WHERE meta_network_name = ? AND transaction_hash = ?%s", r.table, orderBy)

	return r.scan(ctx, query, network, strings.ToLower(string(hash)))
}

// ByBlock returns every trace of a block, rewards last.
func (r *Reader) ByBlock(ctx context.Context, network string, blockNumber uint64) ([]trace.Trace, error) {
	query := fmt.Sprintf("SELECT raw FROM %s FINAL WHERE meta_network_name = ? AND block_number = ?%s", r.table, orderBy)

	return r.scan(ctx, query, network, blockNumber)
}

func (r *Reader) scan(ctx context.Context, query string, args ...any) ([]trace.Trace, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query traces: %w", err)
	}
	defer rows.Close()

	traces := make([]trace.Trace, 0)

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan trace: %w", err)
		}

		var t trace.Trace
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("failed to decode stored trace: %w", err)
		}

		traces = append(traces, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read traces: %w", err)
	}

	return traces, nil
}
