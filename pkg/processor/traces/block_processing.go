package traces

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/trace-processor/pkg/common"
	"github.com/ethpandaops/trace-processor/pkg/ethereum"
	"github.com/ethpandaops/trace-processor/pkg/processor/tracker"
	"github.com/ethpandaops/trace-processor/pkg/state"
)

func (p *Processor) block(blockNumber uint64) tracker.Block {
	return tracker.Block{
		Network:   p.network.Name,
		Processor: ProcessorName,
		Mode:      p.processingMode,
		Number:    blockNumber,
	}
}

// ProcessNextBlock enqueues the next block of the current mode. Nothing is
// enqueued while the limiter holds processing back.
func (p *Processor) ProcessNextBlock(ctx context.Context) error {
	node := p.pool.GetHealthyExecutionNode()
	if node == nil {
		return ethereum.ErrNoHealthyNode
	}

	head, err := node.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain head: %w", err)
	}

	if head == nil {
		return errors.New("execution node returned no chain head")
	}

	nextBlock, err := p.stateManager.NextBlock(ctx, ProcessorName, p.network.Name, p.processingMode, *head)
	if err != nil {
		if errors.Is(err, state.ErrNoMoreBlocks) {
			p.log.Debug("No more blocks to process")

			return nil
		}

		return fmt.Errorf("failed to get next block: %w", err)
	}

	if p.processingMode == tracker.FORWARDS_MODE && nextBlock > *head {
		return fmt.Errorf("%w: next block %d, chain head %d", tracker.ErrWaitingForBlock, nextBlock, *head)
	}

	blocked, blockingBlock, err := p.IsBlockedByIncompleteBlocks(ctx, nextBlock, p.processingMode)
	if err != nil {
		p.log.WithError(err).Warn("Failed to check incomplete blocks distance, proceeding anyway")
	} else if blocked {
		if blockingBlock != nil {
			p.recoverOrphanedBlock(ctx, *blockingBlock, nextBlock)
		}

		return nil
	}

	result, err := p.enqueueBlock(ctx, nextBlock, false)
	if err != nil {
		if errors.Is(err, tracker.ErrBlockAlreadyBeingProcessed) {
			return nil
		}

		return err
	}

	p.log.WithFields(logrus.Fields{
		"block_number": result.BlockNumber,
		"queue":        result.Queue,
		"chain_head":   *head,
	}).Debug("Enqueued block for processing")

	return nil
}

// recoverOrphanedBlock re-enqueues a blocking block that nothing is working
// on any more, e.g. after its claim expired with a crashed worker.
func (p *Processor) recoverOrphanedBlock(ctx context.Context, blockingBlock, nextBlock uint64) {
	tracked, err := p.pendingTracker.IsTracked(ctx, p.block(blockingBlock))
	if err != nil {
		p.log.WithError(err).Warn("Failed to check block tracking")

		return
	}

	if tracked {
		return
	}

	p.log.WithFields(logrus.Fields{
		"blocking_block": blockingBlock,
		"next_block":     nextBlock,
	}).Warn("Detected orphaned block blocking progress, reprocessing")

	if _, err := p.EnqueueBlock(ctx, blockingBlock); err != nil {
		p.log.WithError(err).WithField("block_number", blockingBlock).Error("Failed to reprocess orphaned block")
	}
}

// EnqueueBlock queues blockNumber on the high priority reprocess queue,
// replacing any claim left on it.
func (p *Processor) EnqueueBlock(ctx context.Context, blockNumber uint64) (*tracker.EnqueueResult, error) {
	if err := p.pendingTracker.CleanupBlock(ctx, p.block(blockNumber)); err != nil {
		return nil, err
	}

	result, err := p.enqueueBlock(ctx, blockNumber, true)
	if err != nil {
		return nil, err
	}

	p.log.WithFields(logrus.Fields{
		"block_number":  blockNumber,
		"queue":         result.Queue,
		"tasks_created": result.TasksCreated,
	}).Info("Enqueued block for reprocessing")

	return result, nil
}

// enqueueBlock claims the block, records it as enqueued and adds its task.
// The claim is released again when the task cannot be added so the block
// is picked up as orphaned.
func (p *Processor) enqueueBlock(ctx context.Context, blockNumber uint64, reprocess bool) (*tracker.EnqueueResult, error) {
	b := p.block(blockNumber)

	queue := p.processQueue()
	if reprocess {
		queue = p.reprocessQueue()
	}

	if err := p.pendingTracker.InitBlock(ctx, b, 1); err != nil {
		return nil, err
	}

	if err := p.stateManager.MarkBlockEnqueued(ctx, blockNumber, 1, p.network.Name, ProcessorName); err != nil {
		p.releaseClaim(ctx, b)

		return nil, fmt.Errorf("failed to mark block %d as enqueued: %w", blockNumber, err)
	}

	task, err := NewProcessTask(&ProcessPayload{
		BlockNumber:    blockNumber,
		NetworkName:    p.network.Name,
		ProcessingMode: p.processingMode,
	})
	if err != nil {
		p.releaseClaim(ctx, b)

		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	result := &tracker.EnqueueResult{BlockNumber: blockNumber, Queue: queue}

	err = p.EnqueueTask(ctx, task,
		asynq.Queue(queue),
		asynq.TaskID(TaskID(p.network.Name, p.processingMode, blockNumber, reprocess)),
	)

	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict):
		p.log.WithFields(b.Fields()).Debug("Block task already queued")
	case err != nil:
		p.releaseClaim(ctx, b)

		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	default:
		result.TasksCreated = 1

		common.TasksEnqueued.WithLabelValues(p.network.Name, ProcessorName, queue, task.Type()).Inc()
	}

	common.BlockHeight.WithLabelValues(p.network.Name, ProcessorName).Set(float64(blockNumber))

	return result, nil
}

func (p *Processor) releaseClaim(ctx context.Context, b tracker.Block) {
	if err := p.pendingTracker.CleanupBlock(ctx, b); err != nil {
		p.log.WithError(err).WithFields(b.Fields()).Warn("Failed to release block claim")
	}
}
