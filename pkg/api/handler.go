// Package api serves stored traces and accepts manual block requests over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/trace-processor/pkg/common"
	"github.com/ethpandaops/trace-processor/pkg/ethereum"
	"github.com/ethpandaops/trace-processor/pkg/processor"
	"github.com/ethpandaops/trace-processor/pkg/processor/tracker"
	"github.com/ethpandaops/trace-processor/pkg/trace"
)

const maxBulkBlocks = 1000

// BlockQueuer is satisfied by *processor.Manager.
type BlockQueuer interface {
	EnqueueBlock(ctx context.Context, processorName string, blockNumber uint64) (*tracker.EnqueueResult, error)
	Processors() []string
	Network() *ethereum.Network
}

// TraceStore is satisfied by *tracestore.Reader.
type TraceStore interface {
	Query(ctx context.Context, network string, f *trace.Filter) ([]trace.Trace, error)
	ByTransaction(ctx context.Context, network string, hash trace.Hash) ([]trace.Trace, error)
	ByBlock(ctx context.Context, network string, blockNumber uint64) ([]trace.Trace, error)
}

// BlockRanges is satisfied by *state.Manager.
type BlockRanges interface {
	GetMinMaxStoredBlocks(ctx context.Context, network, processor string) (minBlock, maxBlock *uint64, err error)
}

type Handler struct {
	log       logrus.FieldLogger
	queuer    BlockQueuer
	store     TraceStore
	ranges    BlockRanges
	contracts trace.ContractLookup
}

// NewHandler builds a handler. A nil store disables the trace routes and a
// nil ranges disables the status route.
func NewHandler(log logrus.FieldLogger, queuer BlockQueuer, store TraceStore, ranges BlockRanges) *Handler {
	return &Handler{
		log:    log.WithField("component", "api"),
		queuer: queuer,
		store:  store,
		ranges: ranges,
	}
}

// WithContractLookup resolves the contracts of failed creates when listing
// appearances. Without it those contracts are left out.
func (h *Handler) WithContractLookup(lookup trace.ContractLookup) *Handler {
	h.contracts = lookup

	return h
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	if h.store != nil {
		h.handle(mux, "GET /api/v1/traces", h.getTraces)
		h.handle(mux, "GET /api/v1/traces/tx/{hash}", h.getTransactionTraces)
		h.handle(mux, "GET /api/v1/traces/block/{block_number}", h.getBlockTraces)
		h.handle(mux, "GET /api/v1/appearances/block/{block_number}", h.getBlockAppearances)
	}

	if h.ranges != nil {
		h.handle(mux, "GET /api/v1/status", h.getStatus)
	}

	h.handle(mux, "POST /api/v1/queue/block/{processor}/{block_number}", h.queueSingleBlock)
	h.handle(mux, "POST /api/v1/queue/blocks/{processor}", h.queueMultipleBlocks)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *Handler) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		fn(rec, r)

		common.APIRequestsTotal.WithLabelValues(pattern, strconv.Itoa(rec.status)).Inc()
	})
}

type TracesResponse struct {
	Network string        `json:"network"`
	Count   int           `json:"count"`
	Traces  []trace.Trace `json:"traces"`
}

type AppearancesResponse struct {
	Network     string             `json:"network"`
	BlockNumber uint64             `json:"blockNumber"`
	Count       int                `json:"count"`
	Appearances []trace.Appearance `json:"appearances"`
}

type SingleBlockResponse struct {
	Status       string `json:"status"`
	BlockNumber  uint64 `json:"block_number"`
	Processor    string `json:"processor"`
	Queue        string `json:"queue"`
	TasksCreated int    `json:"tasks_created"`
}

type BlockResult struct {
	BlockNumber  uint64 `json:"block_number"`
	Status       string `json:"status"`
	TasksCreated int    `json:"tasks_created,omitempty"`
	Error        string `json:"error,omitempty"`
}

type BulkBlocksRequest struct {
	Blocks []uint64 `json:"blocks"`
}

type BulkBlocksResponse struct {
	Status    string `json:"status"`
	Processor string `json:"processor"`
	Summary   struct {
		Total  int `json:"total"`
		Queued int `json:"queued"`
		Failed int `json:"failed"`
	} `json:"summary"`
	Results []BlockResult `json:"results"`
}

type ProcessorStatus struct {
	Name     string  `json:"name"`
	MinBlock *uint64 `json:"min_block"`
	MaxBlock *uint64 `json:"max_block"`
}

type StatusResponse struct {
	Network    string            `json:"network"`
	ChainID    int32             `json:"chain_id"`
	Processors []ProcessorStatus `json:"processors"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// network resolves the network query parameter, defaulting to the network the
// processors run on.
func (h *Handler) network(r *http.Request) (string, bool) {
	if name := r.URL.Query().Get("network"); name != "" {
		return name, true
	}

	if n := h.queuer.Network(); n != nil {
		return n.Name, true
	}

	return "", false
}

func parseUintParam(values url.Values, name string) (*uint64, error) {
	raw := values.Get(name)
	if raw == "" {
		return nil, nil
	}

	base, digits := 10, raw
	if hex, ok := strings.CutPrefix(strings.ToLower(raw), "0x"); ok {
		base, digits = 16, hex
	}

	v, err := strconv.ParseUint(digits, base, 64)
	if err != nil {
		return nil, &trace.UsageError{Field: name, Value: raw, Reason: "be a non-negative integer"}
	}

	return &v, nil
}

func parseAddressParam(values url.Values, name string) ([]trace.Address, error) {
	var out []trace.Address

	for _, raw := range values[name] {
		for part := range strings.SplitSeq(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}

			addr, err := trace.NewAddress(part)
			if err != nil {
				return nil, &trace.UsageError{Field: name, Value: part, Reason: "be a valid address"}
			}

			out = append(out, addr)
		}
	}

	return out, nil
}

// ParseFilter reads a trace filter from query parameters. Address lists are
// comma separated or repeated.
func ParseFilter(values url.Values) (*trace.Filter, error) {
	f := &trace.Filter{}

	var err error

	params := []struct {
		name string
		dst  **uint64
	}{
		{"fromBlock", &f.FromBlock},
		{"toBlock", &f.ToBlock},
		{"after", &f.After},
		{"count", &f.Count},
	}

	for _, p := range params {
		if *p.dst, err = parseUintParam(values, p.name); err != nil {
			return nil, err
		}
	}

	if f.FromAddress, err = parseAddressParam(values, "fromAddress"); err != nil {
		return nil, err
	}

	if f.ToAddress, err = parseAddressParam(values, "toAddress"); err != nil {
		return nil, err
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}

	return f, nil
}

func (h *Handler) getTraces(w http.ResponseWriter, r *http.Request) {
	network, ok := h.network(r)
	if !ok {
		h.writeError(w, http.StatusServiceUnavailable, "network is not known yet")

		return
	}

	filter, err := ParseFilter(r.URL.Query())
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	traces, err := h.store.Query(r.Context(), network, filter)
	if err != nil {
		h.log.WithError(err).WithField("filter", filter.String()).Error("Failed to query traces")
		h.writeError(w, http.StatusInternalServerError, "failed to query traces")

		return
	}

	h.writeJSON(w, http.StatusOK, TracesResponse{Network: network, Count: len(traces), Traces: traces})
}

func (h *Handler) getTransactionTraces(w http.ResponseWriter, r *http.Request) {
	network, ok := h.network(r)
	if !ok {
		h.writeError(w, http.StatusServiceUnavailable, "network is not known yet")

		return
	}

	hash, err := trace.NewHash(r.PathValue("hash"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid transaction hash: %v", err))

		return
	}

	traces, err := h.store.ByTransaction(r.Context(), network, hash)
	if err != nil {
		h.log.WithError(err).WithField("hash", hash).Error("Failed to query transaction traces")
		h.writeError(w, http.StatusInternalServerError, "failed to query traces")

		return
	}

	if len(traces) == 0 {
		h.writeError(w, http.StatusNotFound, "transaction not found")

		return
	}

	h.writeJSON(w, http.StatusOK, TracesResponse{Network: network, Count: len(traces), Traces: traces})
}

func (h *Handler) getBlockTraces(w http.ResponseWriter, r *http.Request) {
	network, ok := h.network(r)
	if !ok {
		h.writeError(w, http.StatusServiceUnavailable, "network is not known yet")

		return
	}

	blockNumber, err := strconv.ParseUint(r.PathValue("block_number"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid block number format")

		return
	}

	traces, err := h.store.ByBlock(r.Context(), network, blockNumber)
	if err != nil {
		h.log.WithError(err).WithField("block_number", blockNumber).Error("Failed to query block traces")
		h.writeError(w, http.StatusInternalServerError, "failed to query traces")

		return
	}

	h.writeJSON(w, http.StatusOK, TracesResponse{Network: network, Count: len(traces), Traces: traces})
}

func (h *Handler) getBlockAppearances(w http.ResponseWriter, r *http.Request) {
	network, ok := h.network(r)
	if !ok {
		h.writeError(w, http.StatusServiceUnavailable, "network is not known yet")

		return
	}

	blockNumber, err := strconv.ParseUint(r.PathValue("block_number"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid block number format")

		return
	}

	traces, err := h.store.ByBlock(r.Context(), network, blockNumber)
	if err != nil {
		h.log.WithError(err).WithField("block_number", blockNumber).Error("Failed to query block traces")
		h.writeError(w, http.StatusInternalServerError, "failed to query traces")

		return
	}

	appearances, err := trace.UniqAppearances(r.Context(), traces, h.contracts, func(t *trace.Trace, err error) {
		h.log.WithError(err).WithFields(logrus.Fields{
			"block_number":     t.BlockNumber,
			"transaction_hash": t.TransactionHash,
		}).Warn("Skipping appearances for trace")
	})
	if err != nil {
		h.log.WithError(err).WithField("block_number", blockNumber).Error("Failed to resolve appearances")
		h.writeError(w, http.StatusBadGateway, "failed to resolve appearances")

		return
	}

	h.writeJSON(w, http.StatusOK, AppearancesResponse{
		Network:     network,
		BlockNumber: blockNumber,
		Count:       len(appearances),
		Appearances: appearances,
	})
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	network := h.queuer.Network()
	if network == nil {
		h.writeError(w, http.StatusServiceUnavailable, "network is not known yet")

		return
	}

	resp := StatusResponse{
		Network:    network.Name,
		ChainID:    network.ID,
		Processors: make([]ProcessorStatus, 0),
	}

	for _, name := range h.queuer.Processors() {
		minBlock, maxBlock, err := h.ranges.GetMinMaxStoredBlocks(r.Context(), network.Name, name)
		if err != nil {
			h.log.WithError(err).WithField("processor", name).Error("Failed to read stored block range")
			h.writeError(w, http.StatusInternalServerError, "failed to read processor status")

			return
		}

		resp.Processors = append(resp.Processors, ProcessorStatus{Name: name, MinBlock: minBlock, MaxBlock: maxBlock})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) queueSingleBlock(w http.ResponseWriter, r *http.Request) {
	processorName := r.PathValue("processor")

	blockNumber, err := strconv.ParseUint(r.PathValue("block_number"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid block number format")

		return
	}

	result, err := h.queuer.EnqueueBlock(r.Context(), processorName, blockNumber)
	if err != nil {
		status, msg := enqueueErrorStatus(err)
		h.writeError(w, status, msg)

		return
	}

	h.writeJSON(w, http.StatusOK, SingleBlockResponse{
		Status:       "queued",
		BlockNumber:  blockNumber,
		Processor:    processorName,
		Queue:        result.Queue,
		TasksCreated: result.TasksCreated,
	})
}

func (h *Handler) queueMultipleBlocks(w http.ResponseWriter, r *http.Request) {
	processorName := r.PathValue("processor")

	var req BulkBlocksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if len(req.Blocks) == 0 {
		h.writeError(w, http.StatusBadRequest, "no blocks provided")

		return
	}

	if len(req.Blocks) > maxBulkBlocks {
		h.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("too many blocks (limit: %d)", maxBulkBlocks))

		return
	}

	response := BulkBlocksResponse{
		Processor: processorName,
		Results:   make([]BlockResult, 0, len(req.Blocks)),
	}
	response.Summary.Total = len(req.Blocks)

	for _, blockNumber := range req.Blocks {
		result, err := h.queuer.EnqueueBlock(r.Context(), processorName, blockNumber)
		if err != nil {
			// Every block would fail the same way.
			if errors.Is(err, processor.ErrUnknownProcessor) || errors.Is(err, processor.ErrNotStarted) {
				status, msg := enqueueErrorStatus(err)
				h.writeError(w, status, msg)

				return
			}

			response.Results = append(response.Results, BlockResult{
				BlockNumber: blockNumber,
				Status:      "failed",
				Error:       err.Error(),
			})
			response.Summary.Failed++

			continue
		}

		response.Results = append(response.Results, BlockResult{
			BlockNumber:  blockNumber,
			Status:       "queued",
			TasksCreated: result.TasksCreated,
		})
		response.Summary.Queued++
	}

	switch {
	case response.Summary.Failed > 0 && response.Summary.Queued > 0:
		response.Status = "partial"
		h.writeJSON(w, http.StatusMultiStatus, response)
	case response.Summary.Failed > 0:
		response.Status = "failed"
		h.writeJSON(w, http.StatusInternalServerError, response)
	default:
		response.Status = "queued"
		h.writeJSON(w, http.StatusOK, response)
	}
}

func enqueueErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, processor.ErrUnknownProcessor):
		return http.StatusNotFound, "processor not found"
	case errors.Is(err, processor.ErrNotStarted):
		return http.StatusServiceUnavailable, "processors are not started yet"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.WithError(err).Error("Failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: message})
}
