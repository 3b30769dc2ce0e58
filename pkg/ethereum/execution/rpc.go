package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/0xsequence/ethkit/ethrpc"
	"github.com/0xsequence/ethkit/go-ethereum/common/hexutil"

	"github.com/ethpandaops/trace-processor/pkg/common"
	"github.com/ethpandaops/trace-processor/pkg/trace"
)

const (
	STATUS_ERROR   = "error"
	STATUS_SUCCESS = "success"

	defaultTraceTimeout = 60 * time.Second
)

type blockHeader struct {
	Hash      string         `json:"hash"`
	Timestamp trace.Quantity `json:"timestamp"`
}

func (n *RPCNode) observe(method string, start time.Time, err error) {
	status := STATUS_SUCCESS
	if err != nil {
		status = STATUS_ERROR
	}

	network := fmt.Sprintf("%d", n.ChainID())

	common.RPCCallDuration.WithLabelValues(network, n.config.Name, method, status).Observe(time.Since(start).Seconds())
	common.RPCCallsTotal.WithLabelValues(network, n.config.Name, method, status).Inc()
}

// withTraceTimeout adds the configured trace timeout if the context has no deadline.
func (n *RPCNode) withTraceTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}

	timeout := n.config.TraceTimeout
	if timeout <= 0 {
		timeout = defaultTraceTimeout
	}

	return context.WithTimeout(ctx, timeout)
}

func (n *RPCNode) BlockNumber(ctx context.Context) (*uint64, error) {
	p, err := n.provider()
	if err != nil {
		return nil, err
	}

	var blockNumber uint64

	start := time.Now()
	_, err = p.Do(ctx, ethrpc.BlockNumber().Into(&blockNumber))
	n.observe("eth_blockNumber", start, err)

	if err != nil {
		return nil, err
	}

	return &blockNumber, nil
}

func (n *RPCNode) BlockTimestamp(ctx context.Context, number uint64) (int64, error) {
	p, err := n.provider()
	if err != nil {
		return 0, err
	}

	var header *blockHeader

	call := ethrpc.NewCallBuilder[*blockHeader]("eth_getBlockByNumber", nil, hexutil.EncodeUint64(number), false)

	start := time.Now()
	_, err = p.Do(ctx, call.Into(&header))
	n.observe("eth_getBlockByNumber", start, err)

	if err != nil {
		return 0, err
	}

	if header == nil || header.Hash == "" {
		return 0, fmt.Errorf("%w: %d", ErrBlockNotFound, number)
	}

	return int64(header.Timestamp.Uint64()), nil
}

type receipt struct {
	TransactionHash string         `json:"transactionHash"`
	ContractAddress *trace.Address `json:"contractAddress"`
}

// ReceiptContractAddress returns the contract address from a transaction's
// receipt. Creates that ran out of gas carry it only there.
func (n *RPCNode) ReceiptContractAddress(ctx context.Context, hash trace.Hash) (trace.Address, error) {
	p, err := n.provider()
	if err != nil {
		return "", err
	}

	var r *receipt

	call := ethrpc.NewCallBuilder[*receipt]("eth_getTransactionReceipt", nil, hash)

	start := time.Now()
	_, err = p.Do(ctx, call.Into(&r))
	n.observe("eth_getTransactionReceipt", start, err)

	if err != nil {
		return "", err
	}

	if r == nil || r.TransactionHash == "" {
		return "", fmt.Errorf("%w: %s", ErrTransactionNotFound, hash)
	}

	if r.ContractAddress == nil {
		return "", nil
	}

	return *r.ContractAddress, nil
}

func (n *RPCNode) callTraces(ctx context.Context, method string, params ...any) ([]trace.Trace, error) {
	p, err := n.provider()
	if err != nil {
		return nil, err
	}

	if m := n.Metadata(); m != nil && !m.Client().SupportsTraceNamespace() {
		return nil, fmt.Errorf("%w: %s", ErrTracingUnsupported, m.Client())
	}

	ctx, cancel := n.withTraceTimeout(ctx)
	defer cancel()

	var traces []trace.Trace

	call := ethrpc.NewCallBuilder[[]trace.Trace](method, nil, params...)

	start := time.Now()
	_, err = p.Do(ctx, call.Into(&traces))
	n.observe(method, start, err)

	if err != nil {
		return nil, err
	}

	return traces, nil
}

// TraceBlock returns the traces of a block. A null response means the node
// does not know the block.
func (n *RPCNode) TraceBlock(ctx context.Context, number uint64) ([]trace.Trace, error) {
	traces, err := n.callTraces(ctx, "trace_block", hexutil.EncodeUint64(number))
	if err != nil {
		return nil, err
	}

	if traces == nil {
		return nil, fmt.Errorf("%w: %d", ErrBlockNotFound, number)
	}

	ts, err := n.BlockTimestamp(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("failed to get timestamp of block %d: %w", number, err)
	}

	finalizeTraces(traces, map[uint64]int64{number: ts})

	return traces, nil
}

func (n *RPCNode) TraceTransaction(ctx context.Context, hash trace.Hash) ([]trace.Trace, error) {
	traces, err := n.callTraces(ctx, "trace_transaction", hash)
	if err != nil {
		return nil, err
	}

	if len(traces) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, hash)
	}

	timestamps, err := n.timestamps(ctx, traces)
	if err != nil {
		return nil, err
	}

	finalizeTraces(traces, timestamps)

	return traces, nil
}

// TraceFilter runs trace_filter. When the filter pages with after or count the
// trace indexes are relative to the returned page.
func (n *RPCNode) TraceFilter(ctx context.Context, filter *trace.Filter) ([]trace.Trace, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	traces, err := n.callTraces(ctx, "trace_filter", filter.RPCParams())
	if err != nil {
		return nil, err
	}

	timestamps, err := n.timestamps(ctx, traces)
	if err != nil {
		return nil, err
	}

	finalizeTraces(traces, timestamps)

	return traces, nil
}

func (n *RPCNode) timestamps(ctx context.Context, traces []trace.Trace) (map[uint64]int64, error) {
	out := make(map[uint64]int64)

	for i := range traces {
		block := traces[i].BlockNumber
		if _, ok := out[block]; ok {
			continue
		}

		ts, err := n.BlockTimestamp(ctx, block)
		if err != nil {
			return nil, fmt.Errorf("failed to get timestamp of block %d: %w", block, err)
		}

		out[block] = ts
	}

	return out, nil
}
