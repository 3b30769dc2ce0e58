package tracestore

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ClickHouse/ch-go/proto"

	"github.com/ethpandaops/trace-processor/pkg/trace"
)

// Row is one trace flattened for the trace table. Raw holds the full trace
// JSON so readers can rebuild the trace without loss.
type Row struct {
	UpdatedDateTime  time.Time
	BlockNumber      uint64
	BlockHash        string
	BlockTimestamp   time.Time
	TransactionHash  string
	TransactionIndex uint32
	TraceIndex       uint32
	TraceAddress     []uint64
	Subtraces        uint32
	Type             string
	CallType         string
	From             string
	To               string
	Value            proto.UInt256
	Gas              uint64
	GasUsed          uint64
	Error            *string
	ArticulatedName  string
	CompressedTrace  string
	Raw              string
	MetaNetworkName  string
}

// NewRow flattens t. The sender and recipient columns follow the same rules
// as trace filtering so address queries can be answered from them.
func NewRow(t *trace.Trace, network string, now time.Time) (Row, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return Row{}, fmt.Errorf("failed to encode trace: %w", err)
	}

	typ := ""
	if t.Type != nil {
		typ = t.Type.String()
	}

	value := t.Action.Value
	if t.Kind() == trace.KindSuicide {
		value = t.Action.Balance
	}

	//nolint:gosec // positions and subtrace counts fit in 32 bits
	txIndex, traceIndex, subtraces := uint32(t.TransactionIndex), uint32(t.TraceIndex), uint32(t.Subtraces)

	row := Row{
		UpdatedDateTime:  now,
		BlockNumber:      t.BlockNumber,
		BlockHash:        string(t.BlockHash),
		BlockTimestamp:   time.Unix(t.Timestamp, 0).UTC(),
		TransactionHash:  string(t.TransactionHash),
		TransactionIndex: txIndex,
		TraceIndex:       traceIndex,
		TraceAddress:     t.TraceAddress,
		Subtraces:        subtraces,
		Type:             typ,
		CallType:         t.Action.CallType,
		From:             string(t.Sender()),
		To:               string(t.Recipient()),
		Value:            parseUInt256(value),
		Gas:              t.Action.Gas.Uint64(),
		CompressedTrace:  t.CompressedTrace,
		Raw:              string(raw),
		MetaNetworkName:  network,
	}

	if row.TraceAddress == nil {
		row.TraceAddress = []uint64{}
	}

	if t.Result != nil {
		row.GasUsed = t.Result.GasUsed.Uint64()
	}

	if t.Error != "" {
		e := t.Error
		row.Error = &e
	}

	if t.ArticulatedTrace != nil {
		row.ArticulatedName = t.ArticulatedTrace.Name
	}

	return row, nil
}

// parseUInt256 reads a hex or decimal quantity. Anything unparsable or wider
// than 256 bits is stored as zero.
func parseUInt256(s string) proto.UInt256 {
	if s == "" {
		return proto.UInt256{}
	}

	v := new(big.Int)

	var ok bool
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		digits := s[2:]
		if digits == "" {
			return proto.UInt256{}
		}

		_, ok = v.SetString(digits, 16)
	} else {
		_, ok = v.SetString(s, 10)
	}

	if !ok || v.Sign() < 0 || v.BitLen() > 256 {
		return proto.UInt256{}
	}

	word := func(shift uint) uint64 {
		return new(big.Int).Rsh(v, shift).Uint64()
	}

	return proto.UInt256{
		Low:  proto.UInt128{Low: word(0), High: word(64)},
		High: proto.UInt128{Low: word(128), High: word(192)},
	}
}
