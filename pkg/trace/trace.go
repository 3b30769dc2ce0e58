package trace

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the layout used to render a trace's timestamp.
const DateLayout = "2006-01-02 15:04:05 UTC"

// Trace is one step of a transaction's execution: a call, a contract
// creation, a self-destruct or a block reward.
//
// The calendar date is not stored; Date derives it from Timestamp so the two
// can never disagree.
type Trace struct {
	BlockHash        Hash
	BlockNumber      uint64
	Subtraces        uint64
	TraceAddress     []uint64
	TransactionHash  Hash
	TransactionIndex uint64
	// TraceIndex is the position of the trace inside its transaction in the
	// order the node returned it.
	TraceIndex uint64
	Type       *Type
	Error      string
	Action     Action
	Result     *Result

	ArticulatedTrace *Function
	CompressedTrace  string

	Timestamp int64
}

// Date renders Timestamp in UTC.
func (t *Trace) Date() string {
	return FormatDate(t.Timestamp)
}

// FormatDate renders a unix timestamp the way Trace.Date does.
func FormatDate(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(DateLayout)
}

// Depth is the number of frames above this trace in the call tree.
func (t *Trace) Depth() int {
	return len(t.TraceAddress)
}

// IsRoot reports whether the trace is the top-level frame of its transaction.
func (t *Trace) IsRoot() bool {
	return len(t.TraceAddress) == 0
}

// Failed reports whether the node recorded an error for this step.
func (t *Trace) Failed() bool {
	return t.Error != ""
}

// Kind returns the trace type tag, or KindUnknown when no type was reported.
func (t *Trace) Kind() Kind {
	if t.Type == nil {
		return KindUnknown
	}

	return t.Type.Kind()
}

// IsCreate reports whether the trace deployed a contract.
func (t *Trace) IsCreate() bool {
	return t.Kind() == KindCreate || t.Action.CallType == "creation"
}

// AddressKey renders TraceAddress as a dotted path, "" for the root.
func (t *Trace) AddressKey() string {
	return FormatTraceAddress(t.TraceAddress)
}

// FormatTraceAddress renders a trace address as a dotted path.
func FormatTraceAddress(addr []uint64) string {
	parts := make([]string, len(addr))
	for i, a := range addr {
		parts[i] = fmt.Sprintf("%d", a)
	}

	return strings.Join(parts, ".")
}

type traceJSON struct {
	BlockHash           Hash       `json:"blockHash"`
	BlockNumber         Quantity   `json:"blockNumber"`
	Subtraces           Quantity   `json:"subtraces"`
	TraceAddress        []Quantity `json:"traceAddress"`
	TransactionHash     Hash       `json:"transactionHash"`
	TransactionIndex    *Quantity  `json:"transactionIndex,omitempty"`
	TransactionPosition *Quantity  `json:"transactionPosition,omitempty"`
	TraceIndex          Quantity   `json:"traceIndex"`
	Type                *Type      `json:"type,omitempty"`
	Error               string     `json:"error,omitempty"`
	Action              Action     `json:"action"`
	Result              *Result    `json:"result"`
	ArticulatedTrace    *Function  `json:"articulatedTrace,omitempty"`
	CompressedTrace     string     `json:"compressedTrace,omitempty"`
	Timestamp           int64      `json:"timestamp"`
	Date                string     `json:"date,omitempty"`
}

// MarshalJSON emits the trace with its derived date.
func (t Trace) MarshalJSON() ([]byte, error) {
	addr := make([]Quantity, len(t.TraceAddress))
	for i, a := range t.TraceAddress {
		addr[i] = Quantity(a)
	}

	txIndex := Quantity(t.TransactionIndex)

	return json.Marshal(traceJSON{
		BlockHash:        t.BlockHash,
		BlockNumber:      Quantity(t.BlockNumber),
		Subtraces:        Quantity(t.Subtraces),
		TraceAddress:     addr,
		TransactionHash:  t.TransactionHash,
		TransactionIndex: &txIndex,
		TraceIndex:       Quantity(t.TraceIndex),
		Type:             t.Type,
		Error:            t.Error,
		Action:           t.Action,
		Result:           t.Result,
		ArticulatedTrace: t.ArticulatedTrace,
		CompressedTrace:  t.CompressedTrace,
		Timestamp:        t.Timestamp,
		Date:             t.Date(),
	})
}

// UnmarshalJSON accepts both the stored shape and the raw shape returned by
// trace_* RPC methods, where the transaction index is named
// transactionPosition. An incoming date is ignored.
func (t *Trace) UnmarshalJSON(data []byte) error {
	var raw traceJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var addr []uint64
	for _, a := range raw.TraceAddress {
		addr = append(addr, a.Uint64())
	}

	var txIndex uint64

	switch {
	case raw.TransactionIndex != nil:
		txIndex = raw.TransactionIndex.Uint64()
	case raw.TransactionPosition != nil:
		txIndex = raw.TransactionPosition.Uint64()
	}

	*t = Trace{
		BlockHash:        raw.BlockHash,
		BlockNumber:      raw.BlockNumber.Uint64(),
		Subtraces:        raw.Subtraces.Uint64(),
		TraceAddress:     addr,
		TransactionHash:  raw.TransactionHash,
		TransactionIndex: txIndex,
		TraceIndex:       raw.TraceIndex.Uint64(),
		Type:             raw.Type,
		Error:            raw.Error,
		Action:           raw.Action,
		Result:           raw.Result,
		ArticulatedTrace: raw.ArticulatedTrace,
		CompressedTrace:  raw.CompressedTrace,
		Timestamp:        raw.Timestamp,
	}

	return nil
}

// AssignTraceIndexes numbers the traces of each transaction in the order they
// appear. Rewards carry no transaction hash and share one sequence per block.
func AssignTraceIndexes(traces []Trace) {
	type key struct {
		block uint64
		hash  Hash
	}

	next := make(map[key]uint64)

	for i := range traces {
		k := key{block: traces[i].BlockNumber, hash: traces[i].TransactionHash}
		traces[i].TraceIndex = next[k]
		next[k]++
	}
}
