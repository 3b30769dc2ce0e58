package execution

import (
	"context"

	"github.com/ethpandaops/trace-processor/pkg/trace"
)

// Node is an execution client that can serve Parity-style traces.
//
// All methods must be safe for concurrent use by multiple goroutines.
//
// Lifecycle:
//  1. Create the node with NewRPCNode
//  2. Register OnReady callbacks before calling Start
//  3. Call Start; the node runs OnReady callbacks once its metadata is known
//  4. Call Stop for graceful shutdown
type Node interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// OnReady registers a callback to be invoked when the node becomes ready.
	// Callbacks execute in registration order.
	OnReady(ctx context.Context, callback func(ctx context.Context) error)

	// BlockNumber returns the current head block number.
	BlockNumber(ctx context.Context) (*uint64, error)

	// BlockTimestamp returns the unix timestamp of the given block.
	BlockTimestamp(ctx context.Context, number uint64) (int64, error)

	// TraceBlock returns every trace of the block, including rewards, in node
	// order with TraceIndex and Timestamp populated.
	TraceBlock(ctx context.Context, number uint64) ([]trace.Trace, error)

	// TraceTransaction returns the traces of a single transaction.
	TraceTransaction(ctx context.Context, hash trace.Hash) ([]trace.Trace, error)

	// ReceiptContractAddress returns the contract address recorded in the
	// receipt of a transaction, or "" when it created none.
	ReceiptContractAddress(ctx context.Context, hash trace.Hash) (trace.Address, error)

	// TraceFilter runs trace_filter on the node.
	TraceFilter(ctx context.Context, filter *trace.Filter) ([]trace.Trace, error)

	// ChainID returns the chain ID reported by the execution client.
	ChainID() int32

	// ClientType returns the client implementation, e.g. "erigon".
	ClientType() string

	// IsSynced returns true if the execution client is fully synced.
	IsSynced() bool

	// Name returns the configured name for this node.
	Name() string
}
