package clickhouse

import (
	"context"
	"sync"

	"github.com/ClickHouse/ch-go"
)

// MockClient is a ClientInterface for tests. Unset funcs succeed with zero values.
type MockClient struct {
	DoFunc                func(ctx context.Context, query ch.Query) error
	ExecuteFunc           func(ctx context.Context, query string) error
	QueryUInt64Func       func(ctx context.Context, query string, columnName string) (*uint64, error)
	QueryMinMaxUInt64Func func(ctx context.Context, query string) (*uint64, *uint64, error)
	IsStorageEmptyFunc    func(ctx context.Context, table string, conditions map[string]any) (bool, error)
	StartFunc             func() error
	StopFunc              func() error

	mu    sync.Mutex
	calls []MockCall
}

// MockCall represents a method call made to the mock.
type MockCall struct {
	Method string
	Args   []any
}

var _ ClientInterface = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) record(method string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, MockCall{Method: method, Args: args})
}

func (m *MockClient) Do(ctx context.Context, query ch.Query) error {
	m.record("Do", query.Body)

	if m.DoFunc != nil {
		return m.DoFunc(ctx, query)
	}

	return nil
}

func (m *MockClient) Execute(ctx context.Context, query string) error {
	m.record("Execute", query)

	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, query)
	}

	return nil
}

func (m *MockClient) QueryUInt64(ctx context.Context, query string, columnName string) (*uint64, error) {
	m.record("QueryUInt64", query, columnName)

	if m.QueryUInt64Func != nil {
		return m.QueryUInt64Func(ctx, query, columnName)
	}

	return nil, nil
}

func (m *MockClient) QueryMinMaxUInt64(ctx context.Context, query string) (minVal, maxVal *uint64, err error) {
	m.record("QueryMinMaxUInt64", query)

	if m.QueryMinMaxUInt64Func != nil {
		return m.QueryMinMaxUInt64Func(ctx, query)
	}

	return nil, nil, nil
}

func (m *MockClient) IsStorageEmpty(ctx context.Context, table string, conditions map[string]any) (bool, error) {
	m.record("IsStorageEmpty", table, conditions)

	if m.IsStorageEmptyFunc != nil {
		return m.IsStorageEmptyFunc(ctx, table, conditions)
	}

	return true, nil
}

func (m *MockClient) SetNetwork(network string) {
	m.record("SetNetwork", network)
}

func (m *MockClient) Start() error {
	m.record("Start")

	if m.StartFunc != nil {
		return m.StartFunc()
	}

	return nil
}

func (m *MockClient) Stop() error {
	m.record("Stop")

	if m.StopFunc != nil {
		return m.StopFunc()
	}

	return nil
}

// Calls returns a copy of the recorded calls.
func (m *MockClient) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)

	return out
}

// GetCallCount returns how often method was called.
func (m *MockClient) GetCallCount(method string) int {
	count := 0

	for _, call := range m.Calls() {
		if call.Method == method {
			count++
		}
	}

	return count
}

func (m *MockClient) WasCalled(method string) bool {
	return m.GetCallCount(method) > 0
}

func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = nil
}
