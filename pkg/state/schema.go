package state

import (
	"fmt"
	"time"

	"github.com/ClickHouse/ch-go/proto"
)

// createTableStatement returns the DDL for the block state table. The latest
// row per (network, processor, block) wins, so marking a block complete is an
// append.
func createTableStatement(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	updated_date_time DateTime64(3),
	block_number UInt64,
	processor LowCardinality(String),
	meta_network_name LowCardinality(String),
	complete UInt8,
	task_count UInt32
) ENGINE = ReplacingMergeTree(updated_date_time)
ORDER BY (meta_network_name, processor, block_number)`, table)
}

type blockRow struct {
	updated     time.Time
	blockNumber uint64
	processor   string
	network     string
	complete    bool
	taskCount   uint32
}

type blockColumns struct {
	UpdatedDateTime *proto.ColDateTime64
	BlockNumber     proto.ColUInt64
	Processor       *proto.ColLowCardinality[string]
	MetaNetworkName *proto.ColLowCardinality[string]
	Complete        proto.ColUInt8
	TaskCount       proto.ColUInt32
}

func newBlockColumns() *blockColumns {
	return &blockColumns{
		UpdatedDateTime: new(proto.ColDateTime64).WithPrecision(proto.PrecisionMilli),
		Processor:       new(proto.ColStr).LowCardinality(),
		MetaNetworkName: new(proto.ColStr).LowCardinality(),
	}
}

func (c *blockColumns) Append(row blockRow) {
	c.UpdatedDateTime.Append(row.updated)
	c.BlockNumber.Append(row.blockNumber)
	c.Processor.Append(row.processor)
	c.MetaNetworkName.Append(row.network)

	var complete uint8
	if row.complete {
		complete = 1
	}

	c.Complete.Append(complete)
	c.TaskCount.Append(row.taskCount)
}

func (c *blockColumns) Input() proto.Input {
	return proto.Input{
		{Name: "updated_date_time", Data: c.UpdatedDateTime},
		{Name: "block_number", Data: &c.BlockNumber},
		{Name: "processor", Data: c.Processor},
		{Name: "meta_network_name", Data: c.MetaNetworkName},
		{Name: "complete", Data: &c.Complete},
		{Name: "task_count", Data: &c.TaskCount},
	}
}
