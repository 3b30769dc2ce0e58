package processor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/trace-processor/pkg/common"
	"github.com/ethpandaops/trace-processor/pkg/ethereum"
	"github.com/ethpandaops/trace-processor/pkg/ethereum/execution"
	"github.com/ethpandaops/trace-processor/pkg/leaderelection"
	"github.com/ethpandaops/trace-processor/pkg/processor/traces"
	"github.com/ethpandaops/trace-processor/pkg/processor/tracker"
	"github.com/ethpandaops/trace-processor/pkg/publisher"
)

var (
	ErrUnknownProcessor = errors.New("unknown processor")
	ErrNotStarted       = errors.New("processor manager is not started")
)

// NodePool is the part of *ethereum.Pool the manager uses.
type NodePool interface {
	WaitForHealthyExecutionNode(ctx context.Context) (execution.Node, error)
	GetHealthyExecutionNode() execution.Node
	GetNetworkByChainID(chainID int32) (*ethereum.Network, error)
}

// StateManager is the part of *state.Manager the manager and its processors use.
type StateManager interface {
	traces.StateManager
	SetNetwork(network string)
	GetHeadDistance(ctx context.Context, processor, network, mode string, executionHead uint64) (int64, error)
	GetMinMaxStoredBlocks(ctx context.Context, network, processor string) (minBlock, maxBlock *uint64, err error)
}

// Manager runs the asynq workers of every enabled processor and, while it
// holds leadership, periodically asks each processor to enqueue its next block.
type Manager struct {
	log       logrus.FieldLogger
	config    *Config
	pool      NodePool
	state     StateManager
	publisher publisher.Publisher

	mu         sync.RWMutex
	network    *ethereum.Network
	processors map[string]tracker.BlockProcessor

	redisClient *redis.Client
	redisPrefix string
	asynqRedis  asynq.RedisClientOpt
	asynqClient *asynq.Client
	asynqServer *asynq.Server
	inspector   *asynq.Inspector

	leaderElector leaderelection.Elector

	blockProcessMu     sync.Mutex
	blockProcessCancel context.CancelFunc
	blockProcessWG     sync.WaitGroup

	highWaterMu    sync.Mutex
	highWaterMarks map[string]int

	stopChan chan struct{}
	stopOnce sync.Once
}

func asynqRedisOpt(client *redis.Client) asynq.RedisClientOpt {
	opt := client.Options()

	return asynq.RedisClientOpt{
		Addr:     opt.Addr,
		Username: opt.Username,
		Password: opt.Password,
		DB:       opt.DB,
	}
}

func NewManager(
	log logrus.FieldLogger,
	config *Config,
	pool NodePool,
	state StateManager,
	redisClient *redis.Client,
	redisPrefix string,
	pub publisher.Publisher,
) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid processor config: %w", err)
	}

	if pub == nil {
		pub = publisher.Noop{}
	}

	// asynq gets its own connections so its shutdown does not close ours.
	redisOpt := asynqRedisOpt(redisClient)

	return &Manager{
		log:            log.WithField("component", "processor"),
		config:         config,
		pool:           pool,
		state:          state,
		publisher:      pub,
		processors:     make(map[string]tracker.BlockProcessor),
		redisClient:    redisClient,
		redisPrefix:    redisPrefix,
		asynqRedis:     redisOpt,
		asynqClient:    asynq.NewClient(redisOpt),
		inspector:      asynq.NewInspector(redisOpt),
		highWaterMarks: make(map[string]int),
		stopChan:       make(chan struct{}),
	}, nil
}

// Network returns the network resolved at start, nil before.
func (m *Manager) Network() *ethereum.Network {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.network
}

// Processors returns the names of the running processors in sorted order.
func (m *Manager) Processors() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.processors))
	for name := range m.processors {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

func (m *Manager) processor(name string) (tracker.BlockProcessor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.network == nil {
		return nil, ErrNotStarted
	}

	p, ok := m.processors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcessor, name)
	}

	return p, nil
}

// EnqueueBlock reprocesses a single block with the named processor.
func (m *Manager) EnqueueBlock(ctx context.Context, processorName string, blockNumber uint64) (*tracker.EnqueueResult, error) {
	p, err := m.processor(processorName)
	if err != nil {
		return nil, err
	}

	return p.EnqueueBlock(ctx, blockNumber)
}

// Start resolves the network, starts the processors and their workers and
// blocks until Stop or ctx ends.
func (m *Manager) Start(ctx context.Context) error {
	m.log.Info("Starting processor manager")

	node, err := m.pool.WaitForHealthyExecutionNode(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for healthy execution node: %w", err)
	}

	if node == nil {
		return ethereum.ErrNoHealthyNode
	}

	network, err := m.pool.GetNetworkByChainID(node.ChainID())
	if err != nil {
		return fmt.Errorf("failed to get network by chain ID: %w", err)
	}

	m.mu.Lock()
	m.network = network
	m.mu.Unlock()

	m.state.SetNetwork(network.Name)

	if err := m.initializeProcessors(ctx); err != nil {
		return fmt.Errorf("failed to initialize processors: %w", err)
	}

	server := asynq.NewServer(m.asynqRedis, asynq.Config{
		Concurrency: m.config.Concurrency,
		Queues:      m.serverQueues(),
		LogLevel:    asynq.InfoLevel,
		Logger:      m.log,
	})

	m.mu.Lock()
	m.asynqServer = server
	m.mu.Unlock()

	if err := server.Start(m.setupWorkerHandlers()); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}

	m.log.Info("Worker started for distributed task processing")

	if m.config.LeaderElection.Enabled {
		if err := m.startLeaderElection(ctx); err != nil {
			return err
		}
	} else {
		m.log.Info("Leader election disabled, running as standalone processor")
		m.startBlockProcessing(ctx)
	}

	select {
	case <-m.stopChan:
		m.log.Info("Stop signal received")
	case <-ctx.Done():
	}

	return nil
}

func (m *Manager) startLeaderElection(ctx context.Context) error {
	key := fmt.Sprintf("leader:%s:%s", m.network.Name, m.config.Mode)
	if m.redisPrefix != "" {
		key = m.redisPrefix + ":" + key
	}

	elector, err := leaderelection.NewRedisElector(m.redisClient, m.log, leaderelection.Config{
		Key:             key,
		Network:         m.network.Name,
		TTL:             m.config.LeaderElection.TTL,
		RenewalInterval: m.config.LeaderElection.RenewalInterval,
		NodeID:          m.config.LeaderElection.NodeID,
	})
	if err != nil {
		return fmt.Errorf("failed to create leader elector: %w", err)
	}

	elector.OnLeadershipChange(func(_ context.Context, isLeader bool) {
		m.handleLeadershipChange(ctx, isLeader)
	})

	m.mu.Lock()
	m.leaderElector = elector
	m.mu.Unlock()

	if err := elector.Start(ctx); err != nil {
		return fmt.Errorf("failed to start leader election: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"leader_key": key,
		"mode":       m.config.Mode,
	}).Info("Leader election started")

	return nil
}

func (m *Manager) handleLeadershipChange(ctx context.Context, isLeader bool) {
	if isLeader {
		m.log.Info("Gained leadership, starting block processing")
		m.startBlockProcessing(ctx)

		return
	}

	m.log.Info("Lost leadership, stopping block processing")
	m.stopBlockProcessing()
}

func (m *Manager) Stop(ctx context.Context) error {
	stopped := false

	m.stopOnce.Do(func() {
		stopped = true

		close(m.stopChan)
	})

	if !stopped {
		return nil
	}

	m.log.Info("Stopping processor manager")

	m.mu.RLock()
	elector, server := m.leaderElector, m.asynqServer
	m.mu.RUnlock()

	if elector != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaderStopTimeout)
		defer cancel()

		if err := elector.Stop(stopCtx); err != nil {
			m.log.WithError(err).Error("Failed to stop leader election")
		}
	}

	m.stopBlockProcessing()

	if server != nil {
		server.Shutdown()
		m.log.Info("Asynq server stopped")
	}

	m.mu.RLock()
	for name, p := range m.processors {
		if err := p.Stop(ctx); err != nil {
			m.log.WithError(err).WithField("processor", name).Error("Failed to stop processor")
		}
	}
	m.mu.RUnlock()

	if err := m.inspector.Close(); err != nil {
		m.log.WithError(err).Error("Failed to close asynq inspector")
	}

	if err := m.asynqClient.Close(); err != nil {
		m.log.WithError(err).Error("Failed to close asynq client")
	}

	return nil
}

func (m *Manager) initializeProcessors(ctx context.Context) error {
	if !m.config.Traces.Enabled {
		m.log.Warn("Traces processor is disabled, no blocks will be processed")

		return nil
	}

	p, err := traces.New(&traces.Dependencies{
		Log:         m.log,
		Pool:        m.pool,
		Network:     m.network,
		State:       m.state,
		AsynqClient: m.asynqClient,
		RedisClient: m.redisClient,
		RedisPrefix: m.redisPrefix,
		Publisher:   m.publisher,
	}, &m.config.Traces)
	if err != nil {
		return fmt.Errorf("failed to create %s processor: %w", traces.ProcessorName, err)
	}

	p.SetProcessingMode(m.config.Mode)

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("failed to start %s processor: %w", traces.ProcessorName, err)
	}

	m.addProcessor(p)

	return nil
}

func (m *Manager) addProcessor(p tracker.BlockProcessor) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.processors[p.Name()] = p

	m.log.WithField("processor", p.Name()).Info("Initialized processor")
}

// serverQueues maps every queue of the current mode to its priority.
func (m *Manager) serverQueues() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	queues := make(map[string]int)

	for _, p := range m.processors {
		for _, q := range p.GetQueues() {
			queues[q.Name] = q.Priority
		}
	}

	return queues
}

func (m *Manager) setupWorkerHandlers() *asynq.ServeMux {
	mux := asynq.NewServeMux()

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, p := range m.processors {
		for taskType, handler := range p.GetHandlers() {
			mux.HandleFunc(taskType, handler)

			m.log.WithFields(logrus.Fields{
				"processor": name,
				"task_type": taskType,
			}).Debug("Registered task handler")
		}
	}

	return mux
}

func (m *Manager) startBlockProcessing(ctx context.Context) {
	m.blockProcessMu.Lock()
	defer m.blockProcessMu.Unlock()

	if m.blockProcessCancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.blockProcessCancel = cancel

	m.blockProcessWG.Go(func() { m.runBlockProcessing(loopCtx) })
}

func (m *Manager) stopBlockProcessing() {
	m.blockProcessMu.Lock()
	cancel := m.blockProcessCancel
	m.blockProcessCancel = nil
	m.blockProcessMu.Unlock()

	if cancel != nil {
		cancel()
	}

	m.blockProcessWG.Wait()
}

func (m *Manager) runBlockProcessing(ctx context.Context) {
	defer func() {
		if recovered := recover(); recovered != nil {
			m.log.WithField("panic", recovered).Error("Block processing panic recovered")
		}
	}()

	if len(m.Processors()) == 0 {
		m.log.Error("No processors available, cannot process blocks")

		return
	}

	blockTicker := time.NewTicker(m.config.Interval)
	defer blockTicker.Stop()

	queueTicker := time.NewTicker(queueMonitorInterval)
	defer queueTicker.Stop()

	m.log.WithField("interval", m.config.Interval).Info("Started block processing loop")

	m.monitorQueues(ctx)
	m.processBlocks(ctx)

	for {
		select {
		case <-ctx.Done():
			m.log.Debug("Block processing stopped")

			return
		case <-blockTicker.C:
			m.processBlocks(ctx)
		case <-queueTicker.C:
			m.monitorQueues(ctx)
		}
	}
}

func (m *Manager) processBlocks(ctx context.Context) {
	if skip, reason := m.shouldSkipBlockProcessing(); skip {
		m.log.WithFields(logrus.Fields{
			"reason":         reason,
			"max_queue_size": m.config.MaxProcessQueueSize,
		}).Warn("Skipping block processing due to queue backpressure")

		return
	}

	m.processNextBlocks(ctx, m.executionHead(ctx))
}

// executionHead returns the current head of a healthy node, nil when unknown.
func (m *Manager) executionHead(ctx context.Context) *uint64 {
	node := m.pool.GetHealthyExecutionNode()
	if node == nil {
		return nil
	}

	head, err := node.BlockNumber(ctx)
	if err != nil {
		m.log.WithError(err).Debug("Failed to get execution head")

		return nil
	}

	return head
}

func (m *Manager) processNextBlocks(ctx context.Context, head *uint64) {
	m.mu.RLock()
	processors := make(map[string]tracker.BlockProcessor, len(m.processors))
	for name, p := range m.processors {
		processors[name] = p
	}
	network := m.network.Name
	m.mu.RUnlock()

	for name, p := range processors {
		if err := p.ProcessNextBlock(ctx); err != nil {
			if tracker.IsWaitingForBlockError(err) {
				m.log.WithError(err).WithField("processor", name).Debug("Processor waiting for new block")
			} else {
				m.log.WithError(err).WithField("processor", name).Error("Failed to enqueue next block")
				common.ProcessorErrors.WithLabelValues(network, name, "process_next_block", "enqueue").Inc()
			}
		}

		m.updateHeadDistance(ctx, name, head)
	}
}

func (m *Manager) updateHeadDistance(ctx context.Context, processorName string, head *uint64) {
	network := m.Network().Name

	if head == nil {
		common.HeadDistance.WithLabelValues(network, processorName, "error").Set(-1)

		return
	}

	distance, err := m.state.GetHeadDistance(ctx, processorName, network, m.config.Mode, *head)
	if err != nil {
		m.log.WithError(err).WithField("processor", processorName).Debug("Failed to calculate head distance")
		common.HeadDistance.WithLabelValues(network, processorName, "error").Set(-1)

		return
	}

	common.HeadDistance.WithLabelValues(network, processorName, "execution").Set(float64(distance))
}

// monitorQueues refreshes depth, archived and high water mark gauges for the
// queues of the current mode.
func (m *Manager) monitorQueues(ctx context.Context) {
	network := m.Network().Name

	m.mu.RLock()
	processors := make(map[string][]tracker.QueueInfo, len(m.processors))
	for name, p := range m.processors {
		processors[name] = p.GetQueues()
	}
	m.mu.RUnlock()

	for name, queues := range processors {
		m.recordStoredRange(ctx, network, name)

		for _, queue := range queues {
			if ctx.Err() != nil {
				return
			}

			info, err := m.inspector.GetQueueInfo(queue.Name)
			if err != nil {
				m.log.WithError(err).WithField("queue", queue.Name).Warn("Failed to get queue info")
				common.ProcessorErrors.WithLabelValues(network, name, "queue_monitor", "get_info").Inc()

				continue
			}

			common.QueueDepth.WithLabelValues(network, name, queue.Name).Set(float64(info.Size))
			common.QueueArchivedItems.WithLabelValues(network, name, queue.Name).Set(float64(info.Archived))

			m.recordHighWaterMark(network, name, queue.Name, info.Size)

			if info.Archived > archivedWarnThreshold {
				m.log.WithFields(logrus.Fields{
					"processor": name,
					"queue":     queue.Name,
					"archived":  info.Archived,
					"pending":   info.Pending,
					"active":    info.Active,
				}).Warn("High number of archived items in queue")
			}
		}
	}
}

// recordStoredRange publishes the lowest and highest completed block of a
// processor.
func (m *Manager) recordStoredRange(ctx context.Context, network, processorName string) {
	minBlock, maxBlock, err := m.state.GetMinMaxStoredBlocks(ctx, network, processorName)
	if err != nil {
		m.log.WithError(err).WithField("processor", processorName).Debug("Failed to get stored block range")

		return
	}

	if minBlock != nil {
		common.BlocksStored.WithLabelValues(network, processorName, "min").Set(float64(*minBlock))
	}

	if maxBlock != nil {
		common.BlocksStored.WithLabelValues(network, processorName, "max").Set(float64(*maxBlock))
	}
}

func (m *Manager) recordHighWaterMark(network, processorName, queue string, size int) {
	m.highWaterMu.Lock()
	defer m.highWaterMu.Unlock()

	if size <= m.highWaterMarks[queue] {
		return
	}

	m.highWaterMarks[queue] = size
	common.QueueHighWaterMark.WithLabelValues(network, processorName, queue).Set(float64(size))
}

// shouldSkipBlockProcessing reports whether any process queue of the current
// mode is over MaxProcessQueueSize.
func (m *Manager) shouldSkipBlockProcessing() (bool, string) {
	network := m.Network().Name

	var reasons []string

	for _, name := range m.Processors() {
		queue := tracker.PrefixedProcessQueue(name, m.config.Mode, m.redisPrefix)

		// The queue does not exist until its first task is enqueued.
		info, err := m.inspector.GetQueueInfo(queue)
		if err != nil {
			m.log.WithError(err).WithField("queue", queue).Debug("Failed to get queue info for backpressure check")

			continue
		}

		if overloaded, reason := m.backpressure(network, name, queue, info.Size); overloaded {
			reasons = append(reasons, reason)
		}
	}

	if len(reasons) == 0 {
		return false, ""
	}

	common.BlockProcessingSkipped.WithLabelValues(network, "all", "queue_backpressure").Inc()

	return true, strings.Join(reasons, ", ")
}

// backpressure updates the backpressure gauge for one queue. The gauge is
// raised above MaxProcessQueueSize and cleared only below the hysteresis
// threshold.
func (m *Manager) backpressure(network, processorName, queue string, size int) (bool, string) {
	common.QueueDepth.WithLabelValues(network, processorName, queue).Set(float64(size))

	limit := m.config.MaxProcessQueueSize

	if size > limit {
		common.QueueBackpressureActive.WithLabelValues(network, processorName).Set(1)

		return true, fmt.Sprintf("%s: %d/%d", queue, size, limit)
	}

	if float64(size) < float64(limit)*m.config.BackpressureHysteresis {
		common.QueueBackpressureActive.WithLabelValues(network, processorName).Set(0)
	}

	return false, ""
}
