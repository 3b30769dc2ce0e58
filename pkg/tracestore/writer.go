package tracestore

import (
	"context"
	"fmt"

	"github.com/ClickHouse/ch-go"

	"github.com/ethpandaops/trace-processor/pkg/clickhouse"
	"github.com/ethpandaops/trace-processor/pkg/common"
)

// Writer inserts trace rows over the native protocol.
type Writer struct {
	client    clickhouse.ClientInterface
	table     string
	network   string
	processor string
}

func NewWriter(client clickhouse.ClientInterface, table, network, processor string) *Writer {
	if table == "" {
		table = DefaultTable
	}

	return &Writer{
		client:    client,
		table:     table,
		network:   network,
		processor: processor,
	}
}

func (w *Writer) Table() string {
	return w.table
}

// EnsureSchema creates the trace table if it does not exist.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	if err := w.client.Execute(ctx, CreateTableStatement(w.table)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", w.table, err)
	}

	return nil
}

// Insert writes rows in a single columnar block.
func (w *Writer) Insert(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	cols := NewColumns()
	for _, row := range rows {
		cols.Append(row)
	}

	input := cols.Input()

	status := "success"

	err := w.client.Do(ctx, ch.Query{
		Body:  input.Into(w.table),
		Input: input,
	})
	if err != nil {
		status = "failed"
	}

	common.ClickHouseInsertsRows.WithLabelValues(w.network, w.processor, w.table, status, "").Add(float64(len(rows)))

	if err != nil {
		return fmt.Errorf("failed to insert %d traces: %w", len(rows), err)
	}

	return nil
}
