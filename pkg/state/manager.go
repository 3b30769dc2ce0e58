package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/ch-go"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/trace-processor/pkg/clickhouse"
	"github.com/ethpandaops/trace-processor/pkg/processor/tracker"
)

var (
	ErrNoMoreBlocks = errors.New("no more blocks to process")
	// ErrChainHeadRequired is returned in backwards mode when nothing has been
	// processed yet and the chain head is unknown.
	ErrChainHeadRequired = errors.New("backwards mode requires the chain head when no blocks have been processed")
)

// Manager records per-block processing state in ClickHouse and derives the
// next block each processor should work on.
type Manager struct {
	log     logrus.FieldLogger
	client  clickhouse.ClientInterface
	table   string
	network string
}

func NewManager(log logrus.FieldLogger, config *Config) (*Manager, error) {
	storageConfig := config.Storage.Config
	storageConfig.Processor = "state"

	client, err := clickhouse.New(&storageConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage clickhouse client: %w", err)
	}

	return NewManagerWithClient(log, client, config.Storage.Table), nil
}

// NewManagerWithClient builds a Manager around an existing client.
func NewManagerWithClient(log logrus.FieldLogger, client clickhouse.ClientInterface, table string) *Manager {
	if table == "" {
		table = DefaultTable
	}

	return &Manager{
		log:    log.WithField("component", "state"),
		client: client,
		table:  table,
	}
}

// SetNetwork sets the network name used for metrics labels.
func (s *Manager) SetNetwork(network string) {
	s.network = network
	s.client.SetNetwork(network)
}

// Start connects to ClickHouse, retrying until the context ends, and creates
// the state table.
func (s *Manager) Start(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 0

	notify := func(err error, delay time.Duration) {
		s.log.WithError(err).WithField("delay", delay).Warn("Failed to start state storage client, retrying")
	}

	if err := backoff.RetryNotify(s.client.Start, backoff.WithContext(policy, ctx), notify); err != nil {
		return fmt.Errorf("failed to start storage client: %w", err)
	}

	if err := s.client.Execute(ctx, createTableStatement(s.table)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}

	return nil
}

func (s *Manager) Stop(_ context.Context) error {
	if err := s.client.Stop(); err != nil {
		return fmt.Errorf("failed to stop storage client: %w", err)
	}

	return nil
}

func literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `\'`) + "'"
}

// NextBlock returns the next block for processor on network. Forwards mode
// continues after the highest stored block and starts at chainHead when
// nothing is stored. Backwards mode continues below the lowest stored block.
func (s *Manager) NextBlock(ctx context.Context, processor, network, mode string, chainHead uint64) (uint64, error) {
	if mode == tracker.BACKWARDS_MODE {
		return s.nextBlockBackwards(ctx, processor, network, chainHead)
	}

	return s.nextBlockForwards(ctx, processor, network, chainHead)
}

func (s *Manager) nextBlockForwards(ctx context.Context, processor, network string, chainHead uint64) (uint64, error) {
	query := fmt.Sprintf(`
		SELECT block_number
		FROM %s FINAL
		WHERE processor = %s
		  AND meta_network_name = %s
		ORDER BY block_number DESC
		LIMIT 1
	`, s.table, literal(processor), literal(network))

	last, err := s.client.QueryUInt64(ctx, query, "block_number")
	if err != nil {
		return 0, fmt.Errorf("failed to get last block from %s: %w", s.table, err)
	}

	if last != nil {
		return *last + 1, nil
	}

	isEmpty, err := s.client.IsStorageEmpty(ctx, s.table, map[string]any{
		"processor":         processor,
		"meta_network_name": network,
	})
	if err != nil {
		s.log.WithError(err).Warn("Failed to verify if storage is empty, assuming no data")

		isEmpty = true
	}

	if !isEmpty {
		s.log.WithFields(logrus.Fields{
			"processor": processor,
			"network":   network,
		}).Warn("No block number returned but storage is not empty, starting from genesis")

		return 0, nil
	}

	s.log.WithFields(logrus.Fields{
		"processor":  processor,
		"network":    network,
		"chain_head": chainHead,
	}).Info("No processed blocks stored, starting from chain head")

	return chainHead, nil
}

func (s *Manager) nextBlockBackwards(ctx context.Context, processor, network string, chainHead uint64) (uint64, error) {
	query := fmt.Sprintf(`
		SELECT block_number
		FROM %s FINAL
		WHERE processor = %s
		  AND meta_network_name = %s
		ORDER BY block_number ASC
		LIMIT 1
	`, s.table, literal(processor), literal(network))

	earliest, err := s.client.QueryUInt64(ctx, query, "block_number")
	if err != nil {
		return 0, fmt.Errorf("failed to get earliest block from %s: %w", s.table, err)
	}

	if earliest == nil {
		if chainHead == 0 {
			return 0, ErrChainHeadRequired
		}

		return chainHead, nil
	}

	if *earliest == 0 {
		s.log.WithFields(logrus.Fields{
			"processor": processor,
			"network":   network,
		}).Info("Backwards processing reached genesis")

		return 0, ErrNoMoreBlocks
	}

	return *earliest - 1, nil
}

func (s *Manager) insert(ctx context.Context, row blockRow) error {
	cols := newBlockColumns()
	cols.Append(row)

	input := cols.Input()

	return s.client.Do(ctx, ch.Query{
		Body:  input.Into(s.table),
		Input: input,
	})
}

// MarkBlockEnqueued records that taskCount tasks were enqueued for a block.
// The block stays incomplete until MarkBlockComplete.
func (s *Manager) MarkBlockEnqueued(ctx context.Context, blockNumber uint64, taskCount int, network, processor string) error {
	//nolint:gosec // task counts are small
	err := s.insert(ctx, blockRow{
		updated:     time.Now(),
		blockNumber: blockNumber,
		processor:   processor,
		network:     network,
		taskCount:   uint32(taskCount),
	})
	if err != nil {
		return fmt.Errorf("failed to mark block as enqueued in %s: %w", s.table, err)
	}

	s.log.WithFields(logrus.Fields{
		"block_number": blockNumber,
		"processor":    processor,
		"network":      network,
		"task_count":   taskCount,
	}).Debug("Marked block as enqueued")

	return nil
}

// MarkBlockComplete records that every task of a block finished.
func (s *Manager) MarkBlockComplete(ctx context.Context, blockNumber uint64, network, processor string) error {
	err := s.insert(ctx, blockRow{
		updated:     time.Now(),
		blockNumber: blockNumber,
		processor:   processor,
		network:     network,
		complete:    true,
	})
	if err != nil {
		return fmt.Errorf("failed to mark block as complete in %s: %w", s.table, err)
	}

	s.log.WithFields(logrus.Fields{
		"block_number": blockNumber,
		"processor":    processor,
		"network":      network,
	}).Debug("Marked block as complete")

	return nil
}

// GetOldestIncompleteBlock returns the lowest incomplete block at or above
// minBlockNumber, or nil when there is none.
func (s *Manager) GetOldestIncompleteBlock(ctx context.Context, network, processor string, minBlockNumber uint64) (*uint64, error) {
	query := fmt.Sprintf(`
		SELECT block_number
		FROM %s FINAL
		WHERE processor = %s
		  AND meta_network_name = %s
		  AND complete = 0
		  AND block_number >= %d
		ORDER BY block_number ASC
		LIMIT 1
	`, s.table, literal(processor), literal(network), minBlockNumber)

	blockNumber, err := s.client.QueryUInt64(ctx, query, "block_number")
	if err != nil {
		return nil, fmt.Errorf("failed to get oldest incomplete block: %w", err)
	}

	return blockNumber, nil
}

// GetNewestIncompleteBlock returns the highest incomplete block at or below
// maxBlockNumber, or nil when there is none.
func (s *Manager) GetNewestIncompleteBlock(ctx context.Context, network, processor string, maxBlockNumber uint64) (*uint64, error) {
	query := fmt.Sprintf(`
		SELECT block_number
		FROM %s FINAL
		WHERE processor = %s
		  AND meta_network_name = %s
		  AND complete = 0
		  AND block_number <= %d
		ORDER BY block_number DESC
		LIMIT 1
	`, s.table, literal(processor), literal(network), maxBlockNumber)

	blockNumber, err := s.client.QueryUInt64(ctx, query, "block_number")
	if err != nil {
		return nil, fmt.Errorf("failed to get newest incomplete block: %w", err)
	}

	return blockNumber, nil
}

// GetMinMaxStoredBlocks returns the processed block range, or nils when
// nothing is stored.
func (s *Manager) GetMinMaxStoredBlocks(ctx context.Context, network, processor string) (minBlock, maxBlock *uint64, err error) {
	query := fmt.Sprintf(`
		SELECT min(block_number) AS min, max(block_number) AS max
		FROM %s FINAL
		WHERE meta_network_name = %s AND processor = %s
	`, s.table, literal(network), literal(processor))

	minBlock, maxBlock, err = s.client.QueryMinMaxUInt64(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get min/max blocks: %w", err)
	}

	if minBlock == nil || maxBlock == nil {
		return nil, nil, nil
	}

	return minBlock, maxBlock, nil
}

// GetHeadDistance returns how far the next block to process lies behind
// executionHead.
func (s *Manager) GetHeadDistance(ctx context.Context, processor, network, mode string, executionHead uint64) (int64, error) {
	next, err := s.NextBlock(ctx, processor, network, mode, executionHead)
	if err != nil {
		if errors.Is(err, ErrNoMoreBlocks) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to get current processing block: %w", err)
	}

	//nolint:gosec // block numbers fit in int64
	distance := int64(executionHead) - int64(next)

	s.log.WithFields(logrus.Fields{
		"processor":      processor,
		"network":        network,
		"mode":           mode,
		"next_block":     next,
		"execution_head": executionHead,
		"distance":       distance,
	}).Debug("Calculated head distance")

	return distance, nil
}
