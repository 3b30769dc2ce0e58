package tracestore

import (
	"github.com/ClickHouse/ch-go/proto"
)

// Columns holds a batch of trace rows in ch-go columnar form.
type Columns struct {
	UpdatedDateTime  proto.ColDateTime
	BlockNumber      proto.ColUInt64
	BlockHash        proto.ColStr
	BlockTimestamp   proto.ColDateTime
	TransactionHash  proto.ColStr
	TransactionIndex proto.ColUInt32
	TraceIndex       proto.ColUInt32
	TraceAddress     *proto.ColArr[uint64]
	Subtraces        proto.ColUInt32
	Type             *proto.ColLowCardinality[string]
	CallType         *proto.ColLowCardinality[string]
	From             proto.ColStr
	To               proto.ColStr
	Value            proto.ColUInt256
	Gas              proto.ColUInt64
	GasUsed          proto.ColUInt64
	Error            *proto.ColNullable[string]
	ArticulatedName  proto.ColStr
	CompressedTrace  proto.ColStr
	Raw              proto.ColStr
	MetaNetworkName  *proto.ColLowCardinality[string]
}

func NewColumns() *Columns {
	return &Columns{
		TraceAddress:    new(proto.ColUInt64).Array(),
		Type:            new(proto.ColStr).LowCardinality(),
		CallType:        new(proto.ColStr).LowCardinality(),
		Error:           new(proto.ColStr).Nullable(),
		MetaNetworkName: new(proto.ColStr).LowCardinality(),
	}
}

func (c *Columns) Append(row Row) {
	c.UpdatedDateTime.Append(row.UpdatedDateTime)
	c.BlockNumber.Append(row.BlockNumber)
	c.BlockHash.Append(row.BlockHash)
	c.BlockTimestamp.Append(row.BlockTimestamp)
	c.TransactionHash.Append(row.TransactionHash)
	c.TransactionIndex.Append(row.TransactionIndex)
	c.TraceIndex.Append(row.TraceIndex)
	c.TraceAddress.Append(row.TraceAddress)
	c.Subtraces.Append(row.Subtraces)
	c.Type.Append(row.Type)
	c.CallType.Append(row.CallType)
	c.From.Append(row.From)
	c.To.Append(row.To)
	c.Value.Append(row.Value)
	c.Gas.Append(row.Gas)
	c.GasUsed.Append(row.GasUsed)
	c.Error.Append(nullableStr(row.Error))
	c.ArticulatedName.Append(row.ArticulatedName)
	c.CompressedTrace.Append(row.CompressedTrace)
	c.Raw.Append(row.Raw)
	c.MetaNetworkName.Append(row.MetaNetworkName)
}

func (c *Columns) Reset() {
	c.UpdatedDateTime.Reset()
	c.BlockNumber.Reset()
	c.BlockHash.Reset()
	c.BlockTimestamp.Reset()
	c.TransactionHash.Reset()
	c.TransactionIndex.Reset()
	c.TraceIndex.Reset()
	c.TraceAddress.Reset()
	c.Subtraces.Reset()
	c.Type.Reset()
	c.CallType.Reset()
	c.From.Reset()
	c.To.Reset()
	c.Value.Reset()
	c.Gas.Reset()
	c.GasUsed.Reset()
	c.Error.Reset()
	c.ArticulatedName.Reset()
	c.CompressedTrace.Reset()
	c.Raw.Reset()
	c.MetaNetworkName.Reset()
}

// Input returns the columns in table order for an INSERT.
func (c *Columns) Input() proto.Input {
	return proto.Input{
		{Name: "updated_date_time", Data: &c.UpdatedDateTime},
		{Name: "block_number", Data: &c.BlockNumber},
		{Name: "block_hash", Data: &c.BlockHash},
		{Name: "block_timestamp", Data: &c.BlockTimestamp},
		{Name: "transaction_hash", Data: &c.TransactionHash},
		{Name: "transaction_index", Data: &c.TransactionIndex},
		{Name: "trace_index", Data: &c.TraceIndex},
		{Name: "trace_address", Data: c.TraceAddress},
		{Name: "subtraces", Data: &c.Subtraces},
		{Name: "type", Data: c.Type},
		{Name: "call_type", Data: c.CallType},
		{Name: "from_address", Data: &c.From},
		{Name: "to_address", Data: &c.To},
		{Name: "value", Data: &c.Value},
		{Name: "gas", Data: &c.Gas},
		{Name: "gas_used", Data: &c.GasUsed},
		{Name: "error", Data: c.Error},
		{Name: "articulated_name", Data: &c.ArticulatedName},
		{Name: "compressed_trace", Data: &c.CompressedTrace},
		{Name: "raw", Data: &c.Raw},
		{Name: "meta_network_name", Data: c.MetaNetworkName},
	}
}

func (c *Columns) Rows() int {
	return c.BlockNumber.Rows()
}

func nullableStr(s *string) proto.Nullable[string] {
	if s == nil {
		return proto.Null[string]()
	}

	return proto.NewNullable(*s)
}
