package leaderelection

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/trace-processor/pkg/common"
)

var (
	// renewScript extends the lock only while this node owns it.
	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

	// releaseScript deletes the lock only while this node owns it.
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
)

var _ Elector = (*RedisElector)(nil)

// RedisElector holds leadership while it owns the lock key, renewing it every
// RenewalInterval. A node that misses a renewal loses leadership and competes
// again on the next tick.
type RedisElector struct {
	client *redis.Client
	log    logrus.FieldLogger
	config Config
	nodeID string

	mu          sync.RWMutex
	isLeader    bool
	leaderSince time.Time
	started     bool
	stopped     bool

	callbacksMu sync.RWMutex
	callbacks   []LeadershipCallback

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func randomNodeID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate node ID: %w", err)
	}

	return hex.EncodeToString(b), nil
}

func NewRedisElector(client *redis.Client, log logrus.FieldLogger, config Config) (*RedisElector, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid leader election config: %w", err)
	}

	if config.NodeID == "" {
		id, err := randomNodeID()
		if err != nil {
			return nil, err
		}

		config.NodeID = id
	}

	if config.Network == "" {
		config.Network = "unknown"
	}

	return &RedisElector{
		client: client,
		log: log.WithFields(logrus.Fields{
			"component": "leader-election",
			"node_id":   config.NodeID,
		}),
		config:   config,
		nodeID:   config.NodeID,
		stopChan: make(chan struct{}),
	}, nil
}

func (e *RedisElector) NodeID() string {
	return e.nodeID
}

// Start runs the election loop until Stop or ctx ends.
func (e *RedisElector) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return errors.New("elector already stopped")
	}

	if e.started {
		return nil
	}

	e.started = true

	common.LeaderElectionStatus.WithLabelValues(e.config.Network, e.nodeID).Set(0)

	e.log.WithField("key", e.config.Key).Info("Starting leader election")

	e.wg.Add(1)

	go e.run(ctx)

	return nil
}

// Stop ends the election loop and releases the lock if held.
func (e *RedisElector) Stop(ctx context.Context) error {
	e.mu.Lock()

	if e.stopped {
		e.mu.Unlock()

		return nil
	}

	e.stopped = true
	e.mu.Unlock()

	close(e.stopChan)
	e.wg.Wait()

	if !e.IsLeader() {
		return nil
	}

	e.recordLoss()

	if err := e.release(ctx); err != nil {
		common.LeaderElectionErrors.WithLabelValues(e.config.Network, e.nodeID, "release").Inc()

		return err
	}

	return nil
}

func (e *RedisElector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.isLeader
}

func (e *RedisElector) OnLeadershipChange(callback LeadershipCallback) {
	e.callbacksMu.Lock()
	defer e.callbacksMu.Unlock()

	e.callbacks = append(e.callbacks, callback)
}

// LeaderID returns the node ID currently holding the lock.
func (e *RedisElector) LeaderID(ctx context.Context) (string, error) {
	id, err := e.client.Get(ctx, e.config.Key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoLeader
	}

	if err != nil {
		return "", fmt.Errorf("failed to get leader ID: %w", err)
	}

	return id, nil
}

func (e *RedisElector) notify(ctx context.Context, isLeader bool) {
	e.callbacksMu.RLock()
	callbacks := append([]LeadershipCallback(nil), e.callbacks...)
	e.callbacksMu.RUnlock()

	for _, cb := range callbacks {
		cb(ctx, isLeader)
	}
}

func (e *RedisElector) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.RenewalInterval)
	defer ticker.Stop()

	e.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *RedisElector) tick(ctx context.Context) {
	if e.IsLeader() {
		if !e.renew(ctx) {
			e.recordLoss()
			e.log.Warn("Lost leadership")
			e.notify(ctx, false)
		}

		return
	}

	if e.acquire(ctx) {
		e.log.Info("Acquired leadership")
		e.notify(ctx, true)
	}
}

func (e *RedisElector) acquire(ctx context.Context) bool {
	ok, err := e.client.SetNX(ctx, e.config.Key, e.nodeID, e.config.TTL).Result()
	if err != nil {
		e.log.WithError(err).Error("Failed to acquire leadership")
		common.LeaderElectionErrors.WithLabelValues(e.config.Network, e.nodeID, "acquire").Inc()

		return false
	}

	if !ok {
		return false
	}

	e.mu.Lock()
	e.isLeader = true
	e.leaderSince = time.Now()
	e.mu.Unlock()

	common.LeaderElectionStatus.WithLabelValues(e.config.Network, e.nodeID).Set(1)
	common.LeaderElectionTransitions.WithLabelValues(e.config.Network, e.nodeID, "gained").Inc()

	return true
}

func (e *RedisElector) renew(ctx context.Context) bool {
	owned, err := renewScript.Run(ctx, e.client, []string{e.config.Key}, e.nodeID, e.config.TTL.Milliseconds()).Int64()
	if err != nil {
		e.log.WithError(err).Error("Failed to renew leadership")
		common.LeaderElectionErrors.WithLabelValues(e.config.Network, e.nodeID, "renew").Inc()

		return false
	}

	if owned != 1 {
		common.LeaderElectionErrors.WithLabelValues(e.config.Network, e.nodeID, "renew").Inc()

		return false
	}

	return true
}

// recordLoss clears leadership and records how long it was held.
func (e *RedisElector) recordLoss() {
	e.mu.Lock()
	wasLeader := e.isLeader
	held := time.Since(e.leaderSince)
	e.isLeader = false
	e.mu.Unlock()

	if !wasLeader {
		return
	}

	common.LeaderElectionStatus.WithLabelValues(e.config.Network, e.nodeID).Set(0)
	common.LeaderElectionTransitions.WithLabelValues(e.config.Network, e.nodeID, "lost").Inc()
	common.LeaderElectionDuration.WithLabelValues(e.config.Network, e.nodeID).Observe(held.Seconds())
}

func (e *RedisElector) release(ctx context.Context) error {
	deleted, err := releaseScript.Run(ctx, e.client, []string{e.config.Key}, e.nodeID).Int64()
	if err != nil {
		return fmt.Errorf("failed to release leadership: %w", err)
	}

	if deleted == 0 {
		e.log.Warn("Leadership lock was not owned by this node on release")
	} else {
		e.log.Info("Released leadership")
	}

	return nil
}
