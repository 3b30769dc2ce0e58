// Package tracker holds the pieces every block processor shares: processing
// modes, queue naming, pending task accounting in Redis and the limiter that
// holds back new blocks while older ones are still incomplete.
//
// A block moves through these steps:
//
//	ProcessNextBlock   state manager picks the next block for the mode
//	InitBlock          Redis claims the block and stores its task count
//	MarkBlockEnqueued  ClickHouse records the block as incomplete
//	asynq              workers run the block's tasks
//	TrackCompletion    the last finished task marks the block complete
package tracker

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// DefaultMaxPendingBlockRange is how far the next block may run ahead of
	// the oldest incomplete block.
	DefaultMaxPendingBlockRange = 2

	DefaultClickHouseTimeout = 30 * time.Second
	DefaultTraceTimeout      = 30 * time.Second
)

type Processor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Name() string
}

// BlockProcessor discovers blocks, enqueues their tasks and handles them.
type BlockProcessor interface {
	Processor

	// ProcessNextBlock enqueues the tasks of the next block.
	ProcessNextBlock(ctx context.Context) error

	// EnqueueBlock enqueues the tasks of a specific block on the reprocess
	// queue of the current mode.
	EnqueueBlock(ctx context.Context, blockNumber uint64) (*EnqueueResult, error)

	GetQueues() []QueueInfo
	GetHandlers() map[string]asynq.HandlerFunc

	// EnqueueTask adds a task with unlimited retries.
	EnqueueTask(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error

	SetProcessingMode(mode string)
}

// EnqueueResult describes the tasks created for one block.
type EnqueueResult struct {
	BlockNumber  uint64 `json:"block_number"`
	Queue        string `json:"queue"`
	TasksCreated int    `json:"tasks_created"`
}

type QueueInfo struct {
	Name     string
	Priority int
}

const (
	BACKWARDS_MODE = "backwards"
	FORWARDS_MODE  = "forwards"
)
