// Package traces stores the Parity traces of every block. Each block becomes
// one task: the worker calls trace_block, optionally articulates the calls,
// writes the rows to ClickHouse through a shared row buffer and publishes the
// traces to Kafka.
package traces

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/trace-processor/pkg/articulate"
	"github.com/ethpandaops/trace-processor/pkg/clickhouse"
	"github.com/ethpandaops/trace-processor/pkg/ethereum"
	"github.com/ethpandaops/trace-processor/pkg/ethereum/execution"
	"github.com/ethpandaops/trace-processor/pkg/processor/tracker"
	"github.com/ethpandaops/trace-processor/pkg/publisher"
	"github.com/ethpandaops/trace-processor/pkg/rowbuffer"
	"github.com/ethpandaops/trace-processor/pkg/tracestore"
)

const ProcessorName = "traces"

var _ tracker.BlockProcessor = (*Processor)(nil)

// NodeProvider hands out a healthy execution node, nil when there is none.
type NodeProvider interface {
	GetHealthyExecutionNode() execution.Node
}

// StateManager is the block state the processor reads and writes.
type StateManager interface {
	tracker.StateProvider
	NextBlock(ctx context.Context, processor, network, mode string, chainHead uint64) (uint64, error)
	MarkBlockEnqueued(ctx context.Context, blockNumber uint64, taskCount int, network, processor string) error
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Dependencies contains the dependencies needed for the processor.
type Dependencies struct {
	Log         logrus.FieldLogger
	Pool        NodeProvider
	Network     *ethereum.Network
	State       StateManager
	AsynqClient Enqueuer
	RedisClient *redis.Client
	RedisPrefix string
	Publisher   publisher.Publisher

	// ClickHouse overrides the client built from Config.
	ClickHouse clickhouse.ClientInterface
	// ABIs overrides the Redis backed ABI cache built from Config.Articulate.
	ABIs articulate.ABIProvider
}

type Processor struct {
	log            logrus.FieldLogger
	pool           NodeProvider
	stateManager   StateManager
	clickhouse     clickhouse.ClientInterface
	writer         *tracestore.Writer
	config         *Config
	network        *ethereum.Network
	asynqClient    Enqueuer
	publisher      publisher.Publisher
	articulator    *articulate.Articulator
	pendingTracker *tracker.PendingTracker
	processingMode string
	redisPrefix    string

	rowBuffer *rowbuffer.Buffer[tracestore.Row]

	*tracker.Limiter
}

func New(deps *Dependencies, config *Config) (*Processor, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if deps.Network == nil {
		return nil, errors.New("network is required")
	}

	log := deps.Log.WithField("processor", ProcessorName)

	client := deps.ClickHouse
	if client == nil {
		clickhouseConfig := config.Config
		clickhouseConfig.Network = deps.Network.Name
		clickhouseConfig.Processor = ProcessorName

		c, err := clickhouse.New(&clickhouseConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create clickhouse client: %w", err)
		}

		client = c
	}

	pub := deps.Publisher
	if pub == nil {
		pub = publisher.Noop{}
	}

	pendingTracker := tracker.NewPendingTracker(deps.RedisClient, deps.RedisPrefix, log)

	p := &Processor{
		log:            log,
		pool:           deps.Pool,
		stateManager:   deps.State,
		clickhouse:     client,
		writer:         tracestore.NewWriter(client, config.Table, deps.Network.Name, ProcessorName),
		config:         config,
		network:        deps.Network,
		asynqClient:    deps.AsynqClient,
		publisher:      pub,
		pendingTracker: pendingTracker,
		processingMode: tracker.FORWARDS_MODE,
		redisPrefix:    deps.RedisPrefix,
		Limiter: tracker.NewLimiter(
			&tracker.LimiterDeps{
				Log:            log,
				StateProvider:  deps.State,
				PendingTracker: pendingTracker,
				Network:        deps.Network.Name,
				Processor:      ProcessorName,
			},
			tracker.LimiterConfig{MaxPendingBlockRange: config.MaxPendingBlockRange},
		),
	}

	if config.Articulate.Enabled || deps.ABIs != nil {
		abis := deps.ABIs
		if abis == nil {
			abis = articulate.NewCache(log, deps.RedisClient, deps.RedisPrefix,
				&articulate.DirSource{Dir: config.Articulate.ABIDir}, &config.Articulate)
		}

		p.articulator = articulate.New(log, abis)
	}

	bufferConfig := config.Buffer
	bufferConfig.Network = deps.Network.Name
	bufferConfig.Processor = ProcessorName
	bufferConfig.Table = p.writer.Table()

	p.rowBuffer = rowbuffer.New(bufferConfig, p.writer.Insert, log)

	log.WithFields(logrus.Fields{
		"network":                 deps.Network.Name,
		"table":                   p.writer.Table(),
		"max_pending_block_range": config.MaxPendingBlockRange,
		"articulate":              p.articulator != nil,
	}).Info("Traces processor initialized")

	return p, nil
}

func (p *Processor) Name() string {
	return ProcessorName
}

// Start connects to ClickHouse, creates the trace table and starts the row
// buffer.
func (p *Processor) Start(ctx context.Context) error {
	p.log.Info("Starting traces processor")

	if err := p.clickhouse.Start(); err != nil {
		return fmt.Errorf("failed to start ClickHouse client: %w", err)
	}

	if err := p.writer.EnsureSchema(ctx); err != nil {
		return err
	}

	if err := p.rowBuffer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start row buffer: %w", err)
	}

	p.log.WithField("network", p.network.Name).Info("Traces processor ready")

	return nil
}

// Stop flushes the row buffer before closing the ClickHouse client.
func (p *Processor) Stop(ctx context.Context) error {
	p.log.Info("Stopping traces processor")

	if err := p.rowBuffer.Stop(ctx); err != nil {
		p.log.WithError(err).Error("Failed to stop row buffer")
	}

	return p.clickhouse.Stop()
}

func (p *Processor) SetProcessingMode(mode string) {
	p.processingMode = mode
	p.log.WithField("mode", mode).Info("Processing mode updated")
}

// EnqueueTask enqueues a task with infinite retries.
func (p *Processor) EnqueueTask(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error {
	opts = append(opts, asynq.MaxRetry(math.MaxInt32))

	_, err := p.asynqClient.EnqueueContext(ctx, task, opts...)

	return err
}

// GetQueues returns the queues of the current mode.
func (p *Processor) GetQueues() []tracker.QueueInfo {
	return tracker.Queues(ProcessorName, p.processingMode, p.redisPrefix)
}

func (p *Processor) processQueue() string {
	return tracker.PrefixedProcessQueue(ProcessorName, p.processingMode, p.redisPrefix)
}

func (p *Processor) reprocessQueue() string {
	return tracker.PrefixedReprocessQueue(ProcessorName, p.processingMode, p.redisPrefix)
}
