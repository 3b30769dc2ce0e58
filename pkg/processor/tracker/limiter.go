package tracker

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/trace-processor/pkg/common"
)

// StateProvider is the part of the state manager the limiter needs.
type StateProvider interface {
	GetOldestIncompleteBlock(ctx context.Context, network, processor string, minBlockNumber uint64) (*uint64, error)
	GetNewestIncompleteBlock(ctx context.Context, network, processor string, maxBlockNumber uint64) (*uint64, error)
	MarkBlockComplete(ctx context.Context, blockNumber uint64, network, processor string) error
}

type LimiterConfig struct {
	// MaxPendingBlockRange of zero disables the limit.
	MaxPendingBlockRange int
}

type LimiterDeps struct {
	Log            logrus.FieldLogger
	StateProvider  StateProvider
	PendingTracker *PendingTracker
	Network        string
	Processor      string
}

// Limiter keeps a processor from running too far ahead of its incomplete
// blocks and marks blocks complete once their last task finishes.
type Limiter struct {
	log            logrus.FieldLogger
	stateProvider  StateProvider
	pendingTracker *PendingTracker
	config         LimiterConfig
	network        string
	processor      string
}

func NewLimiter(deps *LimiterDeps, config LimiterConfig) *Limiter {
	return &Limiter{
		log:            deps.Log,
		stateProvider:  deps.StateProvider,
		pendingTracker: deps.PendingTracker,
		config:         config,
		network:        deps.Network,
		processor:      deps.Processor,
	}
}

// IsBlockedByIncompleteBlocks reports whether nextBlock is at least
// MaxPendingBlockRange away from the oldest incomplete block (forwards) or
// the newest one (backwards). The blocking block is returned so callers can
// recover it when nothing is working on it any more.
func (l *Limiter) IsBlockedByIncompleteBlocks(ctx context.Context, nextBlock uint64, mode string) (bool, *uint64, error) {
	if l.config.MaxPendingBlockRange <= 0 {
		return false, nil, nil
	}

	limit := uint64(l.config.MaxPendingBlockRange)

	var (
		blocking *uint64
		distance uint64
	)

	if mode == BACKWARDS_MODE {
		newest, err := l.stateProvider.GetNewestIncompleteBlock(ctx, l.network, l.processor, nextBlock+limit)
		if err != nil {
			return false, nil, err
		}

		if newest != nil && *newest >= nextBlock {
			blocking, distance = newest, *newest-nextBlock
		}
	} else {
		var from uint64
		if nextBlock > limit {
			from = nextBlock - limit
		}

		oldest, err := l.stateProvider.GetOldestIncompleteBlock(ctx, l.network, l.processor, from)
		if err != nil {
			return false, nil, err
		}

		if oldest != nil && *oldest <= nextBlock {
			blocking, distance = oldest, nextBlock-*oldest
		}
	}

	if blocking == nil || distance < limit {
		return false, nil, nil
	}

	l.log.WithFields(logrus.Fields{
		"next_block":              nextBlock,
		"blocking_block":          *blocking,
		"distance":                distance,
		"max_pending_block_range": limit,
		"mode":                    mode,
	}).Debug("Max pending block range reached, waiting for tasks to complete")

	common.BlockProcessingSkipped.WithLabelValues(l.network, l.processor, "max_pending_block_range").Inc()

	return true, blocking, nil
}

// TrackBlockCompletion records one finished task of b. When it was the last
// one the block is marked complete and its claim released.
func (l *Limiter) TrackBlockCompletion(ctx context.Context, b Block) {
	remaining, err := l.pendingTracker.DecrementPending(ctx, b)
	if err != nil {
		l.log.WithError(err).WithFields(b.Fields()).Warn("Failed to decrement pending count")

		return
	}

	if remaining > 0 {
		return
	}

	if err := l.stateProvider.MarkBlockComplete(ctx, b.Number, b.Network, b.Processor); err != nil {
		l.log.WithError(err).WithFields(b.Fields()).Error("Failed to mark block complete")

		return
	}

	if err := l.pendingTracker.CleanupBlock(ctx, b); err != nil {
		l.log.WithError(err).WithFields(b.Fields()).Warn("Failed to cleanup block tracking")
	}

	l.log.WithFields(b.Fields()).Debug("Block marked complete")
}
