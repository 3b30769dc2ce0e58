package tracker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultPendingTTL bounds how long a claimed block survives a crashed worker.
const DefaultPendingTTL = 30 * time.Minute

// ErrBlockAlreadyBeingProcessed is returned when another worker holds the
// claim on a block.
var ErrBlockAlreadyBeingProcessed = errors.New("block is already being processed")

// Block identifies one block of one processor in one mode.
type Block struct {
	Network   string
	Processor string
	Mode      string
	Number    uint64
}

func (b Block) Fields() logrus.Fields {
	return logrus.Fields{
		"block_number": b.Number,
		"network":      b.Network,
		"processor":    b.Processor,
		"mode":         b.Mode,
	}
}

// PendingTracker counts the unfinished tasks of each block in Redis.
type PendingTracker struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
	log    logrus.FieldLogger
}

func NewPendingTracker(redisClient *redis.Client, prefix string, log logrus.FieldLogger) *PendingTracker {
	return &PendingTracker{
		redis:  redisClient,
		prefix: prefix,
		ttl:    DefaultPendingTTL,
		log:    log.WithField("component", "pending_tracker"),
	}
}

// key is {prefix}:block:{network}:{processor}:{mode}:{number}.
func (t *PendingTracker) key(b Block) string {
	return prefixed(fmt.Sprintf("block:%s:%s:%s:%d", b.Network, b.Processor, b.Mode, b.Number), t.prefix)
}

// InitBlock claims b with taskCount pending tasks. Only one worker can hold
// the claim; the others get ErrBlockAlreadyBeingProcessed.
func (t *PendingTracker) InitBlock(ctx context.Context, b Block, taskCount int) error {
	wasSet, err := t.redis.SetNX(ctx, t.key(b), taskCount, t.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to init block tracking: %w", err)
	}

	if !wasSet {
		t.log.WithFields(b.Fields()).Debug("Block already being processed by another worker")

		return ErrBlockAlreadyBeingProcessed
	}

	t.log.WithFields(b.Fields()).WithField("task_count", taskCount).Debug("Initialized block tracking")

	return nil
}

// DecrementPending marks one task of b finished and returns how many remain.
func (t *PendingTracker) DecrementPending(ctx context.Context, b Block) (int64, error) {
	remaining, err := t.redis.Decr(ctx, t.key(b)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to decrement pending count: %w", err)
	}

	t.log.WithFields(b.Fields()).WithField("remaining", remaining).Trace("Decremented pending task count")

	return remaining, nil
}

// GetPendingCount returns the unfinished tasks of b, zero when untracked.
func (t *PendingTracker) GetPendingCount(ctx context.Context, b Block) (int64, error) {
	val, err := t.redis.Get(ctx, t.key(b)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("failed to get pending count: %w", err)
	}

	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse pending count: %w", err)
	}

	return count, nil
}

// IsTracked reports whether b currently has a claim.
func (t *PendingTracker) IsTracked(ctx context.Context, b Block) (bool, error) {
	n, err := t.redis.Exists(ctx, t.key(b)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check block tracking: %w", err)
	}

	return n > 0, nil
}

// CleanupBlock releases the claim on b.
func (t *PendingTracker) CleanupBlock(ctx context.Context, b Block) error {
	if err := t.redis.Del(ctx, t.key(b)).Err(); err != nil {
		return fmt.Errorf("failed to cleanup block tracking: %w", err)
	}

	t.log.WithFields(b.Fields()).Debug("Cleaned up block tracking")

	return nil
}
