package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/trace-processor/pkg/api"
	"github.com/ethpandaops/trace-processor/pkg/ethereum"
	"github.com/ethpandaops/trace-processor/pkg/processor"
	"github.com/ethpandaops/trace-processor/pkg/processor/tracker"
	"github.com/ethpandaops/trace-processor/pkg/trace"
)

var (
	addrA  = "0x" + strings.Repeat("a", 40)
	addrB  = "0x" + strings.Repeat("b", 40)
	txHash = "0x" + strings.Repeat("c", 64)
)

type mockQueuer struct {
	mock.Mock
	network *ethereum.Network
}

func (m *mockQueuer) EnqueueBlock(ctx context.Context, processorName string, blockNumber uint64) (*tracker.EnqueueResult, error) {
	args := m.Called(ctx, processorName, blockNumber)

	result, _ := args.Get(0).(*tracker.EnqueueResult)

	return result, args.Error(1)
}

func (m *mockQueuer) Processors() []string { return []string{"traces"} }

func (m *mockQueuer) Network() *ethereum.Network { return m.network }

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Query(ctx context.Context, network string, f *trace.Filter) ([]trace.Trace, error) {
	args := m.Called(ctx, network, f)

	traces, _ := args.Get(0).([]trace.Trace)

	return traces, args.Error(1)
}

func (m *mockStore) ByTransaction(ctx context.Context, network string, hash trace.Hash) ([]trace.Trace, error) {
	args := m.Called(ctx, network, hash)

	traces, _ := args.Get(0).([]trace.Trace)

	return traces, args.Error(1)
}

func (m *mockStore) ByBlock(ctx context.Context, network string, blockNumber uint64) ([]trace.Trace, error) {
	args := m.Called(ctx, network, blockNumber)

	traces, _ := args.Get(0).([]trace.Trace)

	return traces, args.Error(1)
}

type fakeRanges struct {
	min, max *uint64
	err      error
}

func (f *fakeRanges) GetMinMaxStoredBlocks(context.Context, string, string) (minBlock, maxBlock *uint64, err error) {
	return f.min, f.max, f.err
}

type testServer struct {
	queuer *mockQueuer
	store  *mockStore
	ranges *fakeRanges
	mux    *http.ServeMux

	contracts map[trace.Hash]trace.Address
	lookupErr error
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := &testServer{
		queuer: &mockQueuer{network: &ethereum.Network{ID: 1, Name: "mainnet"}},
		store:  &mockStore{},
		ranges: &fakeRanges{},
		mux:    http.NewServeMux(),
	}

	lookup := func(_ context.Context, hash trace.Hash) (trace.Address, error) {
		return s.contracts[hash], s.lookupErr
	}

	api.NewHandler(log, s.queuer, s.store, s.ranges).WithContractLookup(lookup).RegisterRoutes(s.mux)

	t.Cleanup(func() {
		s.queuer.AssertExpectations(t)
		s.store.AssertExpectations(t)
	})

	return s
}

func (s *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()

	s.mux.ServeHTTP(rec, req)

	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))

	return out
}

func sampleTraces() []trace.Trace {
	typ := trace.TypeCall

	return []trace.Trace{
		{BlockNumber: 10, TransactionHash: trace.Hash(txHash), Type: &typ, TraceAddress: []uint64{}},
		{BlockNumber: 10, TransactionHash: trace.Hash(txHash), Type: &typ, TraceAddress: []uint64{0}, TraceIndex: 1},
	}
}

func u64(v uint64) *uint64 { return &v }

func TestParseFilter(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    *trace.Filter
		wantErr string
	}{
		{
			name:  "empty",
			query: "",
			want:  &trace.Filter{},
		},
		{
			name:  "blocks and paging",
			query: "fromBlock=10&toBlock=0x14&after=2&count=5",
			want:  &trace.Filter{FromBlock: u64(10), ToBlock: u64(20), After: u64(2), Count: u64(5)},
		},
		{
			name:  "comma separated addresses",
			query: "fromAddress=" + addrA + "," + addrB + "&toAddress=" + addrB,
			want: &trace.Filter{
				FromAddress: []trace.Address{trace.Address(addrA), trace.Address(addrB)},
				ToAddress:   []trace.Address{trace.Address(addrB)},
			},
		},
		{
			name:  "repeated addresses are lower-cased",
			query: "toAddress=" + strings.ToUpper(addrA) + "&toAddress=" + addrB,
			want: &trace.Filter{
				ToAddress: []trace.Address{trace.Address(addrA), trace.Address(addrB)},
			},
		},
		{
			name:    "address without prefix",
			query:   "fromAddress=" + addrA[2:],
			wantErr: "fromAddress",
		},
		{
			name:    "inverted range",
			query:   "fromBlock=20&toBlock=10",
			wantErr: trace.ErrFromBlockAfterToBlock.Error(),
		},
		{
			name:    "negative count",
			query:   "count=-1",
			wantErr: "count",
		},
		{
			name:    "short address",
			query:   "toAddress=0x1234",
			wantErr: "toAddress",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, err := url.ParseQuery(tt.query)
			require.NoError(t, err)

			got, err := api.ParseFilter(values)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFilter_FirstInvalidParamWins(t *testing.T) {
	values, err := url.ParseQuery("count=x&after=y&toBlock=z&fromBlock=w")
	require.NoError(t, err)

	for range 20 {
		_, err := api.ParseFilter(values)

		var usage *trace.UsageError
		require.ErrorAs(t, err, &usage)
		assert.Equal(t, "fromBlock", usage.Field)
	}

	values.Del("fromBlock")

	_, err = api.ParseFilter(values)

	var usage *trace.UsageError
	require.ErrorAs(t, err, &usage)
	assert.Equal(t, "toBlock", usage.Field)
}

func TestGetTraces(t *testing.T) {
	s := newTestServer(t)

	want := &trace.Filter{FromBlock: u64(10), ToAddress: []trace.Address{trace.Address(addrA)}}
	s.store.On("Query", mock.Anything, "mainnet", want).Return(sampleTraces(), nil).Once()

	rec := s.do(t, http.MethodGet, "/api/v1/traces?fromBlock=10&toAddress="+addrA, "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[api.TracesResponse](t, rec)
	assert.Equal(t, "mainnet", resp.Network)
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, []uint64{0}, resp.Traces[1].TraceAddress)
}

func TestGetTraces_NetworkParam(t *testing.T) {
	s := newTestServer(t)

	s.store.On("Query", mock.Anything, "sepolia", &trace.Filter{}).Return([]trace.Trace{}, nil).Once()

	rec := s.do(t, http.MethodGet, "/api/v1/traces?network=sepolia", "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 0, decode[api.TracesResponse](t, rec).Count)
}

func TestGetTraces_InvalidFilter(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/traces?fromBlock=20&toBlock=10", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, trace.ErrFromBlockAfterToBlock.Error(), decode[api.ErrorResponse](t, rec).Error)
}

func TestGetTraces_StoreError(t *testing.T) {
	s := newTestServer(t)

	s.store.On("Query", mock.Anything, "mainnet", mock.Anything).Return(nil, errors.New("connection refused")).Once()

	rec := s.do(t, http.MethodGet, "/api/v1/traces", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	assert.Equal(t, "failed to query traces", decode[api.ErrorResponse](t, rec).Error)
}

func TestGetTraces_UnknownNetwork(t *testing.T) {
	s := newTestServer(t)
	s.queuer.network = nil

	rec := s.do(t, http.MethodGet, "/api/v1/traces", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetTransactionTraces(t *testing.T) {
	s := newTestServer(t)

	s.store.On("ByTransaction", mock.Anything, "mainnet", trace.Hash(txHash)).Return(sampleTraces(), nil).Once()

	rec := s.do(t, http.MethodGet, "/api/v1/traces/tx/"+txHash[2:], "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/traces/tx/"+txHash, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[api.TracesResponse](t, rec).Count)
}

func TestGetTransactionTraces_NotFound(t *testing.T) {
	s := newTestServer(t)

	s.store.On("ByTransaction", mock.Anything, "mainnet", trace.Hash(txHash)).Return([]trace.Trace{}, nil).Once()

	rec := s.do(t, http.MethodGet, "/api/v1/traces/tx/"+txHash, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetBlockTraces(t *testing.T) {
	s := newTestServer(t)

	s.store.On("ByBlock", mock.Anything, "mainnet", uint64(10)).Return(sampleTraces(), nil).Once()

	rec := s.do(t, http.MethodGet, "/api/v1/traces/block/10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[api.TracesResponse](t, rec).Count)

	rec = s.do(t, http.MethodGet, "/api/v1/traces/block/ten", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBlockAppearances(t *testing.T) {
	s := newTestServer(t)

	call, create := trace.TypeCall, trace.TypeCreate
	failedTx := trace.Hash("0x" + strings.Repeat("d", 64))
	contract := trace.Address("0x" + strings.Repeat("e", 40))
	s.contracts = map[trace.Hash]trace.Address{failedTx: contract}

	traces := []trace.Trace{
		{BlockNumber: 10, TransactionIndex: 0, TransactionHash: trace.Hash(txHash), Type: &call,
			Action: trace.Action{From: trace.Address(addrA), To: trace.Address(addrB)}},
		{BlockNumber: 10, TransactionIndex: 0, TransactionHash: trace.Hash(txHash), Type: &call,
			TraceAddress: []uint64{0}, Action: trace.Action{From: trace.Address(addrB), To: trace.Address(addrA)}},
		{BlockNumber: 10, TransactionIndex: 1, TransactionHash: failedTx, Type: &create,
			Error: "out of gas", Action: trace.Action{From: trace.Address(addrA)}},
	}
	s.store.On("ByBlock", mock.Anything, "mainnet", uint64(10)).Return(traces, nil).Once()

	rec := s.do(t, http.MethodGet, "/api/v1/appearances/block/10", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[api.AppearancesResponse](t, rec)
	assert.Equal(t, uint64(10), resp.BlockNumber)
	assert.Equal(t, []trace.Appearance{
		{Address: trace.Address(addrA), BlockNumber: 10, TransactionIndex: 0},
		{Address: trace.Address(addrA), BlockNumber: 10, TransactionIndex: 1},
		{Address: trace.Address(addrB), BlockNumber: 10, TransactionIndex: 0},
		{Address: contract, BlockNumber: 10, TransactionIndex: 1},
	}, resp.Appearances)
	assert.Equal(t, 4, resp.Count)
}

func TestGetBlockAppearances_Errors(t *testing.T) {
	create := trace.TypeCreate
	failed := []trace.Trace{{BlockNumber: 10, TransactionHash: trace.Hash(txHash), Type: &create, Error: "out of gas"}}

	t.Run("bad block number", func(t *testing.T) {
		s := newTestServer(t)

		rec := s.do(t, http.MethodGet, "/api/v1/appearances/block/0x10", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("store error", func(t *testing.T) {
		s := newTestServer(t)
		s.store.On("ByBlock", mock.Anything, "mainnet", uint64(10)).Return(nil, errors.New("connection refused")).Once()

		rec := s.do(t, http.MethodGet, "/api/v1/appearances/block/10", "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("receipt lookup error", func(t *testing.T) {
		s := newTestServer(t)
		s.lookupErr = ethereum.ErrNoHealthyNode
		s.store.On("ByBlock", mock.Anything, "mainnet", uint64(10)).Return(failed, nil).Once()

		rec := s.do(t, http.MethodGet, "/api/v1/appearances/block/10", "")
		require.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, "failed to resolve appearances", decode[api.ErrorResponse](t, rec).Error)
	})
}

func TestGetStatus(t *testing.T) {
	s := newTestServer(t)
	s.ranges.min, s.ranges.max = u64(5), u64(15)

	rec := s.do(t, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[api.StatusResponse](t, rec)
	assert.Equal(t, "mainnet", resp.Network)
	assert.Equal(t, int32(1), resp.ChainID)
	require.Len(t, resp.Processors, 1)
	assert.Equal(t, api.ProcessorStatus{Name: "traces", MinBlock: u64(5), MaxBlock: u64(15)}, resp.Processors[0])
}

func TestGetStatus_Error(t *testing.T) {
	s := newTestServer(t)
	s.ranges.err = errors.New("timeout")

	rec := s.do(t, http.MethodGet, "/api/v1/status", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestQueueSingleBlock(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		setup      func(q *mockQueuer)
		wantStatus int
		wantError  string
	}{
		{
			name:   "queued",
			target: "/api/v1/queue/block/traces/100",
			setup: func(q *mockQueuer) {
				q.On("EnqueueBlock", mock.Anything, "traces", uint64(100)).
					Return(&tracker.EnqueueResult{BlockNumber: 100, Queue: "traces:process:reprocess:forwards", TasksCreated: 1}, nil).Once()
			},
			wantStatus: http.StatusOK,
		},
		{
			name:       "invalid block number",
			target:     "/api/v1/queue/block/traces/abc",
			setup:      func(*mockQueuer) {},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid block number format",
		},
		{
			name:   "unknown processor",
			target: "/api/v1/queue/block/receipts/100",
			setup: func(q *mockQueuer) {
				q.On("EnqueueBlock", mock.Anything, "receipts", uint64(100)).
					Return(nil, fmt.Errorf("%w: receipts", processor.ErrUnknownProcessor)).Once()
			},
			wantStatus: http.StatusNotFound,
			wantError:  "processor not found",
		},
		{
			name:   "not started",
			target: "/api/v1/queue/block/traces/100",
			setup: func(q *mockQueuer) {
				q.On("EnqueueBlock", mock.Anything, "traces", uint64(100)).Return(nil, processor.ErrNotStarted).Once()
			},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:   "enqueue failure",
			target: "/api/v1/queue/block/traces/100",
			setup: func(q *mockQueuer) {
				q.On("EnqueueBlock", mock.Anything, "traces", uint64(100)).Return(nil, errors.New("redis down")).Once()
			},
			wantStatus: http.StatusInternalServerError,
			wantError:  "redis down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			tt.setup(s.queuer)

			rec := s.do(t, http.MethodPost, tt.target, "")
			require.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, decode[api.ErrorResponse](t, rec).Error)
			}

			if tt.wantStatus == http.StatusOK {
				resp := decode[api.SingleBlockResponse](t, rec)
				assert.Equal(t, "queued", resp.Status)
				assert.Equal(t, uint64(100), resp.BlockNumber)
				assert.Equal(t, "traces:process:reprocess:forwards", resp.Queue)
				assert.Equal(t, 1, resp.TasksCreated)
			}
		})
	}
}

func TestQueueMultipleBlocks(t *testing.T) {
	s := newTestServer(t)

	s.queuer.On("EnqueueBlock", mock.Anything, "traces", uint64(1)).
		Return(&tracker.EnqueueResult{BlockNumber: 1, TasksCreated: 1}, nil).Once()
	s.queuer.On("EnqueueBlock", mock.Anything, "traces", uint64(2)).
		Return(nil, errors.New("redis down")).Once()

	rec := s.do(t, http.MethodPost, "/api/v1/queue/blocks/traces", `{"blocks":[1,2]}`)
	require.Equal(t, http.StatusMultiStatus, rec.Code)

	resp := decode[api.BulkBlocksResponse](t, rec)
	assert.Equal(t, "partial", resp.Status)
	assert.Equal(t, 2, resp.Summary.Total)
	assert.Equal(t, 1, resp.Summary.Queued)
	assert.Equal(t, 1, resp.Summary.Failed)
	assert.Equal(t, "redis down", resp.Results[1].Error)
}

func TestQueueMultipleBlocks_BadRequests(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "invalid json", body: `{`, wantStatus: http.StatusBadRequest},
		{name: "no blocks", body: `{"blocks":[]}`, wantStatus: http.StatusBadRequest},
		{
			name:       "too many blocks",
			body:       `{"blocks":[` + strings.TrimSuffix(strings.Repeat("1,", 1001), ",") + `]}`,
			wantStatus: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)

			rec := s.do(t, http.MethodPost, "/api/v1/queue/blocks/traces", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestQueueMultipleBlocks_UnknownProcessor(t *testing.T) {
	s := newTestServer(t)

	s.queuer.On("EnqueueBlock", mock.Anything, "receipts", uint64(1)).
		Return(nil, fmt.Errorf("%w: receipts", processor.ErrUnknownProcessor)).Once()

	rec := s.do(t, http.MethodPost, "/api/v1/queue/blocks/receipts", `{"blocks":[1,2]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterRoutes_WithoutStore(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	mux := http.NewServeMux()
	api.NewHandler(log, &mockQueuer{}, nil, nil).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/traces", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
