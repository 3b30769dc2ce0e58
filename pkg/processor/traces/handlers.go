package traces

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/trace-processor/pkg/common"
	"github.com/ethpandaops/trace-processor/pkg/ethereum"
	"github.com/ethpandaops/trace-processor/pkg/processor/tracker"
	"github.com/ethpandaops/trace-processor/pkg/trace"
	"github.com/ethpandaops/trace-processor/pkg/tracestore"
)

func (p *Processor) GetHandlers() map[string]asynq.HandlerFunc {
	return map[string]asynq.HandlerFunc{
		ProcessForwardsTaskType:  p.handleProcessTask,
		ProcessBackwardsTaskType: p.handleProcessTask,
	}
}

func (p *Processor) handleProcessTask(ctx context.Context, task *asynq.Task) error {
	start := time.Now()

	queue, _ := asynq.GetQueueName(ctx)

	if retried, ok := asynq.GetRetryCount(ctx); ok && retried > 0 {
		common.RetryCount.WithLabelValues(p.network.Name, ProcessorName, "process_task").Inc()
	}

	defer func() {
		common.TaskProcessingDuration.WithLabelValues(
			p.network.Name, ProcessorName, queue, task.Type(),
		).Observe(time.Since(start).Seconds())
	}()

	var payload ProcessPayload
	if err := payload.UnmarshalBinary(task.Payload()); err != nil {
		common.TasksErrored.WithLabelValues(p.network.Name, ProcessorName, queue, task.Type(), "unmarshal_error").Inc()

		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	if err := p.ProcessBlock(ctx, payload.BlockNumber); err != nil {
		common.TasksErrored.WithLabelValues(p.network.Name, ProcessorName, queue, task.Type(), "process_error").Inc()

		return err
	}

	common.TasksProcessed.WithLabelValues(p.network.Name, ProcessorName, queue, task.Type(), "success").Inc()

	mode := payload.ProcessingMode
	if mode == "" {
		mode = tracker.FORWARDS_MODE
	}

	p.TrackBlockCompletion(ctx, tracker.Block{
		Network:   p.network.Name,
		Processor: ProcessorName,
		Mode:      mode,
		Number:    payload.BlockNumber,
	})

	return nil
}

// ProcessBlock traces a block, stores its rows and publishes its traces.
// Rows are written before publishing so consumers never see a trace that is
// not queryable yet.
func (p *Processor) ProcessBlock(ctx context.Context, blockNumber uint64) error {
	start := time.Now()

	node := p.pool.GetHealthyExecutionNode()
	if node == nil {
		return ethereum.ErrNoHealthyNode
	}

	traces, err := node.TraceBlock(ctx, blockNumber)
	if err != nil {
		if tracker.IsBlockNotFoundError(err) {
			return fmt.Errorf("block %d not yet available: %w", blockNumber, err)
		}

		return fmt.Errorf("failed to trace block %d: %w", blockNumber, err)
	}

	transactions := trace.GroupByTransaction(traces)

	if p.config.CheckTraceTree {
		p.checkTrees(blockNumber, transactions)
	}

	if p.articulator != nil {
		p.articulator.ArticulateAll(ctx, traces)
	}

	appearances, err := trace.UniqAppearances(ctx, traces, node.ReceiptContractAddress, p.skipAppearances)
	if err != nil {
		return fmt.Errorf("failed to extract appearances of block %d: %w", blockNumber, err)
	}

	rows, err := p.buildRows(traces)
	if err != nil {
		return err
	}

	if err := p.rowBuffer.Submit(ctx, rows); err != nil {
		return fmt.Errorf("failed to store traces of block %d: %w", blockNumber, err)
	}

	if err := p.publisher.Publish(ctx, p.network.ID, p.network.Name, traces); err != nil {
		return fmt.Errorf("failed to publish traces of block %d: %w", blockNumber, err)
	}

	p.recordMetrics(traces, len(transactions), len(appearances))

	duration := time.Since(start)

	common.BlocksProcessed.WithLabelValues(p.network.Name, ProcessorName).Inc()
	common.BlockProcessingDuration.WithLabelValues(p.network.Name, ProcessorName).Observe(duration.Seconds())

	p.log.WithFields(logrus.Fields{
		"block_number": blockNumber,
		"traces":       len(traces),
		"transactions": len(transactions),
		"appearances":  len(appearances),
		"duration":     duration,
	}).Debug("Processed block")

	return nil
}

func (p *Processor) buildRows(traces []trace.Trace) ([]tracestore.Row, error) {
	now := time.Now()
	rows := make([]tracestore.Row, 0, len(traces))

	for i := range traces {
		row, err := tracestore.NewRow(&traces[i], p.network.Name, now)
		if err != nil {
			return nil, err
		}

		rows = append(rows, row)
	}

	return rows, nil
}

// checkTrees counts transactions whose traces do not form a valid call tree.
// Malformed trees are still stored as the node returned them.
func (p *Processor) checkTrees(blockNumber uint64, transactions [][]trace.Trace) {
	for _, txTraces := range transactions {
		if _, err := trace.BuildTree(txTraces); err != nil {
			common.TraceTreeErrors.WithLabelValues(p.network.Name, ProcessorName, treeErrorReason(err)).Inc()

			p.log.WithError(err).WithFields(logrus.Fields{
				"block_number":     blockNumber,
				"transaction_hash": txTraces[0].TransactionHash,
			}).Warn("Transaction traces do not form a valid call tree")
		}
	}
}

func treeErrorReason(err error) string {
	reasons := []struct {
		err    error
		reason string
	}{
		{trace.ErrMultipleRoots, "multiple_roots"},
		{trace.ErrMissingRoot, "missing_root"},
		{trace.ErrDuplicateAddress, "duplicate_address"},
		{trace.ErrOrphanTrace, "orphan"},
		{trace.ErrSubtraceMismatch, "subtrace_mismatch"},
		{trace.ErrChildIndexSequence, "child_index"},
		{trace.ErrMixedTransactions, "mixed_transactions"},
	}

	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}

	return "other"
}

func (p *Processor) skipAppearances(t *trace.Trace, err error) {
	p.log.WithError(err).WithFields(logrus.Fields{
		"block_number":     t.BlockNumber,
		"transaction_hash": t.TransactionHash,
	}).Warn("Skipping appearances for trace")
}

func (p *Processor) recordMetrics(traces []trace.Trace, transactions, appearances int) {
	var articulated int

	byType := make(map[string]int)

	for i := range traces {
		t := &traces[i]

		typ := "unknown"
		if t.Type != nil {
			typ = t.Type.String()
		}

		byType[typ]++

		if t.ArticulatedTrace != nil {
			articulated++
		}
	}

	for typ, n := range byType {
		common.TracesProcessed.WithLabelValues(p.network.Name, ProcessorName, typ).Add(float64(n))
	}

	common.TransactionsProcessed.WithLabelValues(p.network.Name, ProcessorName, "success").Add(float64(transactions))
	common.TracesArticulated.WithLabelValues(p.network.Name, ProcessorName).Add(float64(articulated))
	common.AppearancesExtracted.WithLabelValues(p.network.Name, ProcessorName).Add(float64(appearances))
}
