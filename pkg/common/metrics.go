package common

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// processorLabels prefixes the labels every per-processor series carries.
func processorLabels(extra ...string) []string {
	return append([]string{"network", "processor"}, extra...)
}

var (
	BlockHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trace_processor_block_height",
		Help: "Current block height being processed",
	}, processorLabels())

	BlocksStored = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trace_processor_blocks_stored",
		Help: "Range of blocks stored in database",
	}, processorLabels("boundary"))

	HeadDistance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trace_processor_head_distance",
		Help: "Distance between current processing block and head as seen by the execution node",
	}, processorLabels("head_type"))

	BlocksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_processor_blocks_processed_total",
		Help: "Total number of blocks processed",
	}, processorLabels())

	BlockProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trace_processor_block_processing_duration_seconds",
		Help:    "Time taken to process a block",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	}, processorLabels())

	TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_processor_tasks_enqueued_total",
		Help: "Total number of tasks enqueued",
	}, processorLabels("queue", "task_type"))

	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_processor_tasks_processed_total",
		Help: "Total number of tasks processed",
	}, processorLabels("queue", "task_type", "status"))

	TaskProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trace_processor_task_processing_duration_seconds",
		Help:    "Time taken to process a task",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, processorLabels("queue", "task_type"))

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trace_processor_queue_depth",
		Help: "Current number of tasks in queue",
	}, processorLabels("queue"))

	QueueArchivedItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trace_processor_queue_archived_items",
		Help: "Number of archived items in queue",
	}, processorLabels("queue"))

	ProcessorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_processor_errors_total",
		Help: "Total number of processor errors",
	}, processorLabels("operation", "error_type"))

	TasksErrored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_processor_tasks_errored_total",
		Help: "Total number of tasks that encountered errors",
	}, processorLabels("queue", "task_type", "error_type"))

	RPCCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trace_processor_rpc_call_duration_seconds",
		Help:    "Duration of RPC calls to Ethereum nodes",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"chain_id", "node", "method", "status"})

	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_processor_rpc_calls_total",
		Help: "Total RPC calls made to Ethereum nodes",
	}, []string{"chain_id", "node", "method", "status"})

	TransactionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_processor_transactions_processed_total",
		Help: "Total transactions whose traces were processed",
	}, processorLabels("status"))

	TracesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_processor_traces_processed_total",
		Help: "Total traces processed, by trace type",
	}, processorLabels("type"))

	TracesArticulated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_processor_traces_articulated_total",
		Help: "Total call traces decoded against a known ABI",
	}, processorLabels())

	TraceTreeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_processor_trace_tree_errors_total",
		Help: "Total transactions whose traces did not form a valid call tree",
	}, processorLabels("reason"))

	TracesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_processor_traces_published_total",
		Help: "Total traces written to Kafka",
	}, []string{"network", "topic", "status"})

	AppearancesExtracted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_processor_appearances_extracted_total",
		Help: "Total address appearances extracted from traces",
	}, processorLabels())

	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_processor_api_requests_total",
		Help: "Total HTTP API requests",
	}, []string{"route", "code"})

	ClickHouseOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trace_processor_clickhouse_operation_duration_seconds",
		Help:    "Duration of ClickHouse operations",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, processorLabels("operation", "table", "status", "error_code"))

	ClickHouseOperationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_processor_clickhouse_operation_total",
		Help: "Total number of ClickHouse operations",
	}, processorLabels("operation", "table", "status", "error_code"))

	ClickHouseInsertsRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_processor_clickhouse_inserted_rows_total",
		Help: "Total number of rows inserted into ClickHouse",
	}, processorLabels("table", "status", "error_code"))

	LeaderElectionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trace_processor_leader_election_status",
		Help: "Current leader election status (1 = leader, 0 = follower)",
	}, []string{"network", "node_id"})

	LeaderElectionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_processor_leader_election_transitions_total",
		Help: "Total number of leader election transitions",
	}, []string{"network", "node_id", "transition"})

	LeaderElectionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trace_processor_leader_election_duration_seconds",
		Help:    "Duration in seconds this node held leadership",
		Buckets: prometheus.ExponentialBuckets(1, 2, 15),
	}, []string{"network", "node_id"})

	LeaderElectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_processor_leader_election_errors_total",
		Help: "Total number of errors during leader election",
	}, []string{"network", "node_id", "operation"})

	// Queue control metrics.
	QueueBackpressureActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trace_processor_queue_backpressure_active",
		Help: "Whether backpressure is active (1) or not (0) for a processor",
	}, processorLabels())

	QueueHighWaterMark = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trace_processor_queue_high_water_mark",
		Help: "Highest queue depth observed",
	}, processorLabels("queue"))

	BlockProcessingSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_processor_block_processing_skipped_total",
		Help: "Total number of times block processing was skipped",
	}, processorLabels("reason"))

	RetryCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_processor_retry_count_total",
		Help: "Total number of retry attempts",
	}, processorLabels("reason"))

	// ClickHouse pool metrics - gauges for current state.
	ClickHousePoolAcquiredResources = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trace_processor_clickhouse_pool_acquired_resources",
		Help: "Number of currently acquired resources in the ClickHouse connection pool",
	}, processorLabels())

	ClickHousePoolIdleResources = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trace_processor_clickhouse_pool_idle_resources",
		Help: "Number of currently idle resources in the ClickHouse connection pool",
	}, processorLabels())

	ClickHousePoolConstructingResources = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trace_processor_clickhouse_pool_constructing_resources",
		Help: "Number of resources currently being constructed in the ClickHouse connection pool",
	}, processorLabels())

	ClickHousePoolTotalResources = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trace_processor_clickhouse_pool_total_resources",
		Help: "Total number of resources in the ClickHouse connection pool",
	}, processorLabels())

	ClickHousePoolMaxResources = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trace_processor_clickhouse_pool_max_resources",
		Help: "Maximum number of resources allowed in the ClickHouse connection pool",
	}, processorLabels())

	// ClickHouse pool metrics - counters for cumulative values.
	ClickHousePoolAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_processor_clickhouse_pool_acquire_total",
		Help: "Total number of successful resource acquisitions from the ClickHouse connection pool",
	}, processorLabels())

	ClickHousePoolEmptyAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_processor_clickhouse_pool_empty_acquire_total",
		Help: "Total number of acquires that waited for a resource because the pool was empty",
	}, processorLabels())

	ClickHousePoolCanceledAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_processor_clickhouse_pool_canceled_acquire_total",
		Help: "Total number of acquires that were canceled due to context cancellation",
	}, processorLabels())

	// ClickHouse pool timing metrics - cumulative durations.
	ClickHousePoolAcquireDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trace_processor_clickhouse_pool_acquire_duration_seconds",
		Help: "Cumulative time spent acquiring resources from the ClickHouse connection pool",
	}, processorLabels())

	ClickHousePoolEmptyAcquireWaitDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trace_processor_clickhouse_pool_empty_acquire_wait_duration_seconds",
		Help: "Cumulative time spent waiting for a resource when pool was empty",
	}, processorLabels())

	// Row buffer metrics for batched ClickHouse inserts.
	RowBufferFlushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_processor_row_buffer_flush_total",
		Help: "Total number of row buffer flushes",
	}, processorLabels("table", "trigger", "status"))

	RowBufferFlushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trace_processor_row_buffer_flush_duration_seconds",
		Help:    "Duration of row buffer flushes",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	}, processorLabels("table"))

	RowBufferFlushSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trace_processor_row_buffer_flush_size_rows",
		Help:    "Number of rows per flush",
		Buckets: prometheus.ExponentialBuckets(100, 2, 12),
	}, processorLabels("table"))

	RowBufferPendingRows = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trace_processor_row_buffer_pending_rows",
		Help: "Current number of rows waiting in the buffer",
	}, processorLabels("table"))

	RowBufferPendingTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trace_processor_row_buffer_pending_tasks",
		Help: "Current number of tasks waiting for their rows to be flushed",
	}, processorLabels("table"))

	MemoryUsage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trace_processor_memory_usage_bytes",
		Help: "Go runtime memory statistics",
	}, []string{"type"})

	GoroutineCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trace_processor_goroutines",
		Help: "Number of running goroutines",
	})

	MemoryPressureEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_processor_memory_pressure_events_total",
		Help: "Times allocated memory crossed a configured threshold",
	}, []string{"level"})
)
