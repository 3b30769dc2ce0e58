package traces

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/ethpandaops/trace-processor/pkg/processor/tracker"
)

const (
	ProcessForwardsTaskType  = "traces_process_forwards"
	ProcessBackwardsTaskType = "traces_process_backwards"
)

// ProcessPayload asks a worker to trace one block.
//
//nolint:tagliatelle // snake_case matches the queued task format
type ProcessPayload struct {
	BlockNumber    uint64 `json:"block_number"`
	NetworkName    string `json:"network_name"`
	ProcessingMode string `json:"processing_mode"`
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p *ProcessPayload) MarshalBinary() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *ProcessPayload) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, p)
}

// taskType returns the task type for a processing mode.
func taskType(mode string) string {
	if mode == tracker.BACKWARDS_MODE {
		return ProcessBackwardsTaskType
	}

	return ProcessForwardsTaskType
}

// TaskID deduplicates block tasks in asynq. Reprocess tasks get their own ID
// so a block can be requested again while its original task is retrying.
func TaskID(network, mode string, blockNumber uint64, reprocess bool) string {
	if reprocess {
		return fmt.Sprintf("%s:%s:%s:reprocess:%d", ProcessorName, network, mode, blockNumber)
	}

	return fmt.Sprintf("%s:%s:%s:%d", ProcessorName, network, mode, blockNumber)
}

// NewProcessTask builds the task for payload in its processing mode.
func NewProcessTask(payload *ProcessPayload) (*asynq.Task, error) {
	if payload.ProcessingMode == "" {
		payload.ProcessingMode = tracker.FORWARDS_MODE
	}

	data, err := payload.MarshalBinary()
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(taskType(payload.ProcessingMode), data), nil
}
