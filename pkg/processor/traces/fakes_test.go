package traces

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/trace-processor/internal/testutil"
	"github.com/ethpandaops/trace-processor/pkg/clickhouse"
	"github.com/ethpandaops/trace-processor/pkg/ethereum"
	"github.com/ethpandaops/trace-processor/pkg/ethereum/execution"
	"github.com/ethpandaops/trace-processor/pkg/rowbuffer"
	"github.com/ethpandaops/trace-processor/pkg/trace"
)

type fakeNode struct {
	head      *uint64
	headErr   error
	traces    []trace.Trace
	tracesErr error
	contracts map[trace.Hash]trace.Address
	receipts  []trace.Hash
}

func (f *fakeNode) Start(context.Context) error                              { return nil }
func (f *fakeNode) Stop(context.Context) error                               { return nil }
func (f *fakeNode) OnReady(context.Context, func(ctx context.Context) error) {}
func (f *fakeNode) BlockNumber(context.Context) (*uint64, error)             { return f.head, f.headErr }
func (f *fakeNode) BlockTimestamp(context.Context, uint64) (int64, error)    { return 0, nil }

func (f *fakeNode) TraceBlock(_ context.Context, n uint64) ([]trace.Trace, error) {
	if f.tracesErr != nil {
		return nil, f.tracesErr
	}

	out := make([]trace.Trace, len(f.traces))
	copy(out, f.traces)

	for i := range out {
		out[i].BlockNumber = n
	}

	return out, nil
}

func (f *fakeNode) TraceTransaction(context.Context, trace.Hash) ([]trace.Trace, error) {
	return nil, nil
}

func (f *fakeNode) TraceFilter(context.Context, *trace.Filter) ([]trace.Trace, error) {
	return nil, nil
}

func (f *fakeNode) ReceiptContractAddress(_ context.Context, hash trace.Hash) (trace.Address, error) {
	f.receipts = append(f.receipts, hash)

	return f.contracts[hash], nil
}

func (f *fakeNode) ChainID() int32     { return 1 }
func (f *fakeNode) ClientType() string { return "erigon" }
func (f *fakeNode) IsSynced() bool     { return true }
func (f *fakeNode) Name() string       { return "fake" }

type fakePool struct {
	node execution.Node
}

func (f *fakePool) GetHealthyExecutionNode() execution.Node {
	return f.node
}

type fakeState struct {
	mu sync.Mutex

	next      uint64
	nextErr   error
	oldest    *uint64
	newest    *uint64
	enqueued  []uint64
	completed []uint64
}

func (f *fakeState) NextBlock(context.Context, string, string, string, uint64) (uint64, error) {
	return f.next, f.nextErr
}

func (f *fakeState) MarkBlockEnqueued(_ context.Context, n uint64, _ int, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.enqueued = append(f.enqueued, n)

	return nil
}

func (f *fakeState) MarkBlockComplete(_ context.Context, n uint64, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.completed = append(f.completed, n)

	return nil
}

func (f *fakeState) GetOldestIncompleteBlock(_ context.Context, _, _ string, minBlock uint64) (*uint64, error) {
	if f.oldest != nil && *f.oldest >= minBlock {
		return f.oldest, nil
	}

	return nil, nil
}

func (f *fakeState) GetNewestIncompleteBlock(_ context.Context, _, _ string, maxBlock uint64) (*uint64, error) {
	if f.newest != nil && *f.newest <= maxBlock {
		return f.newest, nil
	}

	return nil, nil
}

type enqueued struct {
	task *asynq.Task
	opts []asynq.Option
}

func (e enqueued) option(typ asynq.OptionType) any {
	for _, o := range e.opts {
		if o.Type() == typ {
			return o.Value()
		}
	}

	return nil
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []enqueued
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.tasks = append(f.tasks, enqueued{task: task, opts: opts})

	return &asynq.TaskInfo{}, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []trace.Trace
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, _ int32, _ string, traces []trace.Trace) error {
	if f.err != nil {
		return f.err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.published = append(f.published, traces...)

	return nil
}

func (f *fakePublisher) Close() error { return nil }

type harness struct {
	processor *Processor
	node      *fakeNode
	pool      *fakePool
	state     *fakeState
	enqueuer  *fakeEnqueuer
	publisher *fakePublisher
	ch        *clickhouse.MockClient
}

func uint64Ptr(v uint64) *uint64 { return &v }

func testConfig() *Config {
	return &Config{
		Config:               clickhouse.Config{Addr: "localhost:9000"},
		Enabled:              true,
		Table:                "traces",
		MaxPendingBlockRange: 2,
		CheckTraceTree:       true,
		Buffer:               rowbuffer.Config{MaxRows: 1, FlushInterval: time.Second},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	redisClient, _ := testutil.NewMiniredisClient(t)

	h := &harness{
		node:      &fakeNode{head: uint64Ptr(100)},
		state:     &fakeState{next: 100},
		enqueuer:  &fakeEnqueuer{},
		publisher: &fakePublisher{},
		ch:        clickhouse.NewMockClient(),
	}
	h.pool = &fakePool{node: h.node}

	p, err := New(&Dependencies{
		Log:         logrus.New(),
		Pool:        h.pool,
		Network:     &ethereum.Network{ID: 1, Name: "mainnet"},
		State:       h.state,
		AsynqClient: h.enqueuer,
		RedisClient: redisClient,
		RedisPrefix: "test",
		Publisher:   h.publisher,
		ClickHouse:  h.ch,
	}, testConfig())
	require.NoError(t, err)

	h.processor = p

	return h
}

func typ(s string) *trace.Type {
	t := trace.ParseType(s)

	return &t
}

// blockTraces is one transaction with a nested call plus a block reward.
func blockTraces() []trace.Trace {
	tx := trace.Hash("0x1111111111111111111111111111111111111111111111111111111111111111")

	return []trace.Trace{
		{
			TransactionHash: tx,
			TraceAddress:    []uint64{},
			Subtraces:       1,
			Type:            typ("call"),
			Action: trace.Action{
				CallType: "call",
				From:     "0x00000000000000000000000000000000000000aa",
				To:       "0x00000000000000000000000000000000000000bb",
				Value:    "0x1",
			},
			Result: &trace.Result{GasUsed: 21000},
		},
		{
			TransactionHash: tx,
			TraceAddress:    []uint64{0},
			TraceIndex:      1,
			Type:            typ("call"),
			Action: trace.Action{
				CallType: "staticcall",
				From:     "0x00000000000000000000000000000000000000bb",
				To:       "0x00000000000000000000000000000000000000cc",
			},
		},
		{
			Type: typ("reward"),
			Action: trace.Action{
				Author:     "0x00000000000000000000000000000000000000dd",
				RewardType: "block",
				Value:      "0x1bc16d674ec80000",
			},
		},
	}
}
