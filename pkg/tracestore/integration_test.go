package tracestore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/trace-processor/pkg/clickhouse"
	"github.com/ethpandaops/trace-processor/pkg/trace"
)

// TestReader_Integration writes rows over the native protocol and reads them
// back through database/sql when CLICKHOUSE_ADDR is set.
func TestReader_Integration(t *testing.T) {
	addr := os.Getenv("CLICKHOUSE_ADDR")
	if addr == "" {
		t.Skip("CLICKHOUSE_ADDR not set, skipping integration test")
	}

	const table = "trace_processor_reader_test"

	client, err := clickhouse.New(&clickhouse.Config{Addr: addr, Database: "default", Network: "test"})
	require.NoError(t, err)
	require.NoError(t, client.Start())

	t.Cleanup(func() {
		_ = client.Execute(context.Background(), "DROP TABLE IF EXISTS "+table)
		_ = client.Stop()
	})

	require.NoError(t, client.Execute(t.Context(), "DROP TABLE IF EXISTS "+table))

	w := NewWriter(client, table, "test", "traces")
	require.NoError(t, w.EnsureSchema(t.Context()))

	call := func(block uint64, tx int, from, to trace.Address) trace.Trace {
		return trace.Trace{
			BlockNumber:     block,
			TransactionHash: hash(tx),
			Type:            typePtr(trace.TypeCall),
			Action:          trace.Action{CallType: "call", From: from, To: to},
		}
	}

	traces := []trace.Trace{
		call(10, 1, address(1), address(2)),
		call(10, 2, address(3), address(4)),
		call(11, 3, address(5), address(1)),
		call(12, 4, address(6), address(7)),
	}

	now := time.Now()
	rows := make([]Row, 0, len(traces))

	for i := range traces {
		row, err := NewRow(&traces[i], "test", now)
		require.NoError(t, err)

		rows = append(rows, row)
	}

	require.NoError(t, w.Insert(t.Context(), rows))

	db, err := clickhouse.OpenDB(t.Context(), &clickhouse.Config{Addr: addr, Database: "default"})
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	r := NewReader(db, table)

	blocks := func(got []trace.Trace) []uint64 {
		out := make([]uint64, len(got))
		for i := range got {
			out[i] = got[i].BlockNumber
		}

		return out
	}

	tests := []struct {
		name   string
		filter trace.Filter
		want   []uint64
	}{
		{
			name:   "single sender",
			filter: trace.Filter{FromAddress: []trace.Address{address(3)}},
			want:   []uint64{10},
		},
		{
			name:   "several senders",
			filter: trace.Filter{FromAddress: []trace.Address{address(1), address(6)}},
			want:   []uint64{10, 12},
		},
		{
			name: "either side",
			filter: trace.Filter{
				FromAddress: []trace.Address{address(6)},
				ToAddress:   []trace.Address{address(1), address(4)},
			},
			want: []uint64{10, 11, 12},
		},
		{
			name:   "no match",
			filter: trace.Filter{ToAddress: []trace.Address{address(9)}},
			want:   []uint64{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Query(t.Context(), "test", &tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, blocks(got))
		})
	}

	byBlock, err := r.ByBlock(t.Context(), "test", 10)
	require.NoError(t, err)
	assert.Len(t, byBlock, 2)
}
