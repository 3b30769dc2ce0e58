package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// RPCRequest is one JSON-RPC call received by an RPCServer.
type RPCRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []any           `json:"params"`
}

// RPCServer is a fake execution client. It answers each method with a fixed
// JSON result, "null" for unknown methods, and accepts batched requests.
type RPCServer struct {
	*httptest.Server

	mu      sync.Mutex
	results map[string]string
	calls   []RPCRequest
}

// NewRPCServer starts a fake execution client. It is closed with the test.
func NewRPCServer(t *testing.T, results map[string]string) *RPCServer {
	t.Helper()

	s := &RPCServer{results: make(map[string]string, len(results))}
	for method, result := range results {
		s.results[method] = result
	}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if !assert.NoError(t, err) {
			return
		}

		batch := strings.HasPrefix(strings.TrimSpace(string(body)), "[")

		var reqs []RPCRequest

		if batch {
			if !assert.NoError(t, json.Unmarshal(body, &reqs)) {
				return
			}
		} else {
			var req RPCRequest
			if !assert.NoError(t, json.Unmarshal(body, &req)) {
				return
			}

			reqs = []RPCRequest{req}
		}

		responses := make([]string, 0, len(reqs))

		for _, req := range reqs {
			responses = append(responses, `{"jsonrpc":"2.0","id":`+string(req.ID)+`,"result":`+s.answer(req)+`}`)
		}

		w.Header().Set("Content-Type", "application/json")

		if batch {
			_, _ = io.WriteString(w, "["+strings.Join(responses, ",")+"]")
		} else {
			_, _ = io.WriteString(w, responses[0])
		}
	}))

	t.Cleanup(s.Close)

	return s
}

func (s *RPCServer) answer(req RPCRequest) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, req)

	if result, ok := s.results[req.Method]; ok {
		return result
	}

	return "null"
}

// SetResult replaces the answer for method.
func (s *RPCServer) SetResult(method, result string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results[method] = result
}

// Calls returns the requests received so far.
func (s *RPCServer) Calls() []RPCRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RPCRequest, len(s.calls))
	copy(out, s.calls)

	return out
}

// CallsTo returns the requests received for method.
func (s *RPCServer) CallsTo(method string) []RPCRequest {
	var out []RPCRequest

	for _, c := range s.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}

	return out
}
