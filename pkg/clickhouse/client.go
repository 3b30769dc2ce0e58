package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ClickHouse/ch-go"
	"github.com/ClickHouse/ch-go/chpool"
	"github.com/ClickHouse/ch-go/compress"
	"github.com/ClickHouse/ch-go/proto"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/trace-processor/pkg/common"
)

const (
	statusSuccess = "success"
	statusFailed  = "failed"

	poolMetricsInterval = 10 * time.Second
)

// Server exception codes worth another attempt.
var retryableCodes = []proto.Error{
	proto.ErrTimeoutExceeded,
	proto.ErrNoFreeConnection,
	proto.ErrTooManySimultaneousQueries,
	proto.ErrSocketTimeout,
	proto.ErrNetworkError,
}

// Fallback substrings for transport errors that arrive without a typed cause.
var transientMessages = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"timeout",
	"temporary failure",
	"server is overloaded",
	"too many connections",
}

// Client writes to ClickHouse over the native protocol through a ch-go pool.
type Client struct {
	pool        *chpool.Pool
	config      *Config
	compression ch.Compression
	network     string
	processor   string
	log         logrus.FieldLogger
	lock        sync.RWMutex
	started     atomic.Bool

	metricsDone chan struct{}
	metricsWg   sync.WaitGroup
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ch.ErrClosed) {
		return false
	}

	if exc, ok := ch.AsException(err); ok {
		return exc.IsCode(retryableCodes...)
	}

	var corrupted *compress.CorruptedDataErr
	if errors.As(err, &corrupted) {
		return false
	}

	// syscall.Errno satisfies net.Error, so check these first.
	for _, target := range []error{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.EPIPE, io.EOF, io.ErrUnexpectedEOF} {
		if errors.Is(err, target) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())

	for _, pattern := range transientMessages {
		if strings.Contains(msg, pattern) {
			return true
		}
	}

	return false
}

// retryPolicy builds the exponential schedule between attempts. The first
// retry waits RetryBaseDelay and each following one doubles up to RetryMaxDelay.
func retryPolicy(ctx context.Context, cfg *Config) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryBaseDelay
	b.MaxInterval = cfg.RetryMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, cfg.MaxRetries), ctx)
}

// retry runs fn until it succeeds, returns a non-transient error or the
// retry budget is spent.
func retry(ctx context.Context, log logrus.FieldLogger, cfg *Config, operation string, fn func() error) error {
	attempt := 0

	op := func() error {
		attempt++

		err := fn()
		if err != nil && !isRetryableError(err) {
			return backoff.Permanent(err)
		}

		return err
	}

	notify := func(err error, delay time.Duration) {
		log.WithFields(logrus.Fields{
			"attempt":   attempt,
			"max":       cfg.MaxRetries,
			"delay":     delay,
			"operation": operation,
			"error":     err,
		}).Debug("Retrying after transient error")
	}

	return backoff.RetryNotify(op, retryPolicy(ctx, cfg), notify)
}

// withQueryTimeout applies QueryTimeout unless ctx already carries a deadline.
func (c *Client) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.config.QueryTimeout == 0 {
		return ctx, func() {}
	}

	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.config.QueryTimeout)
}

func (c *Client) doWithRetry(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	return retry(ctx, c.log, c.config, operation, func() error {
		attemptCtx, cancel := c.withQueryTimeout(ctx)
		defer cancel()

		return fn(attemptCtx)
	})
}

// New creates a native ClickHouse client. Nothing is dialed until Start.
func New(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.SetDefaults()

	compression := ch.CompressionLZ4

	switch cfg.Compression {
	case "zstd":
		compression = ch.CompressionZSTD
	case "none":
		compression = ch.CompressionDisabled
	}

	return &Client{
		config:      cfg,
		compression: compression,
		network:     cfg.Network,
		processor:   cfg.Processor,
		log:         logrus.WithField("component", "clickhouse-native"),
	}, nil
}

func (c *Client) poolOptions() chpool.Options {
	return chpool.Options{
		ClientOptions: ch.Options{
			Address:     c.config.Addr,
			Database:    c.config.Database,
			User:        c.config.Username,
			Password:    c.config.Password,
			Compression: c.compression,
			DialTimeout: c.config.DialTimeout,
		},
		MaxConns:          c.config.MaxConns,
		MinConns:          c.config.MinConns,
		MaxConnLifetime:   c.config.ConnMaxLifetime,
		MaxConnIdleTime:   c.config.ConnMaxIdleTime,
		HealthCheckPeriod: c.config.HealthCheckPeriod,
	}
}

// Start dials the pool. It is safe to call again after a failed attempt.
func (c *Client) Start() error {
	c.lock.RLock()
	connected := c.pool != nil
	c.lock.RUnlock()

	if connected {
		return nil
	}

	//nolint:gosec // bounded by config
	ctx, cancel := context.WithTimeout(context.Background(), c.config.DialTimeout*time.Duration(c.config.MaxRetries+1))
	defer cancel()

	var pool *chpool.Pool

	err := retry(ctx, c.log, c.config, "dial", func() error {
		var dialErr error

		pool, dialErr = chpool.Dial(ctx, c.poolOptions())

		return dialErr
	})
	if err != nil {
		return fmt.Errorf("failed to dial clickhouse: %w", err)
	}

	c.lock.Lock()
	c.pool = pool
	c.lock.Unlock()

	c.log.WithField("addr", c.config.Addr).Info("Connected to ClickHouse native interface")

	if !c.started.Swap(true) {
		c.metricsDone = make(chan struct{})
		c.metricsWg.Add(1)

		go c.collectPoolMetrics()
	}

	return nil
}

// Stop closes the connection pool.
func (c *Client) Stop() error {
	if c.metricsDone != nil {
		close(c.metricsDone)
		c.metricsWg.Wait()
		c.metricsDone = nil
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
		c.log.Info("Closed ClickHouse connection pool")
	}

	return nil
}

func (c *Client) SetNetwork(network string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.network = network
}

func (c *Client) getPool() (*chpool.Pool, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	if c.pool == nil {
		return nil, errors.New("clickhouse client not started")
	}

	return c.pool, nil
}

// track records duration and outcome of an operation. Use it as
// defer c.track(op, query)(&err) with a named error result.
func (c *Client) track(operation, query string) func(*error) {
	start := time.Now()

	return func(err *error) {
		status := statusSuccess
		if *err != nil {
			status = statusFailed
		}

		c.recordMetrics(operation, status, time.Since(start), query)
	}
}

// Do executes a native query with retries. Input columns are only read while
// encoding, so a retried insert sends the same rows again.
func (c *Client) Do(ctx context.Context, query ch.Query) (err error) {
	defer c.track("do", query.Body)(&err)

	pool, err := c.getPool()
	if err != nil {
		return err
	}

	return c.doWithRetry(ctx, "do", func(attemptCtx context.Context) error {
		return pool.Do(attemptCtx, query)
	})
}

// QueryUInt64 returns the first value of columnName, or nil when the query
// yields no rows.
func (c *Client) QueryUInt64(ctx context.Context, query string, columnName string) (result *uint64, err error) {
	defer c.track("query_uint64", query)(&err)

	pool, err := c.getPool()
	if err != nil {
		return nil, err
	}

	col := new(proto.ColUInt64)

	err = c.doWithRetry(ctx, "query_uint64", func(attemptCtx context.Context) error {
		col.Reset()

		result = nil

		return pool.Do(attemptCtx, ch.Query{
			Body:   query,
			Result: proto.Results{{Name: columnName, Data: col}},
			OnResult: func(_ context.Context, _ proto.Block) error {
				if result == nil && col.Rows() > 0 {
					v := col.Row(0)
					result = &v
				}

				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	return result, nil
}

// QueryMinMaxUInt64 reads a single row with "min" and "max" UInt64 columns.
// Both results are nil when there is no row.
func (c *Client) QueryMinMaxUInt64(ctx context.Context, query string) (minVal, maxVal *uint64, err error) {
	defer c.track("query_min_max", query)(&err)

	pool, err := c.getPool()
	if err != nil {
		return nil, nil, err
	}

	var lo, hi proto.ColUInt64

	err = c.doWithRetry(ctx, "query_min_max", func(attemptCtx context.Context) error {
		lo.Reset()
		hi.Reset()

		minVal, maxVal = nil, nil

		return pool.Do(attemptCtx, ch.Query{
			Body:   query,
			Result: proto.Results{{Name: "min", Data: &lo}, {Name: "max", Data: &hi}},
			OnResult: func(_ context.Context, _ proto.Block) error {
				if lo.Rows() > 0 && hi.Rows() > 0 {
					a, b := lo.Row(0), hi.Row(0)
					minVal, maxVal = &a, &b
				}

				return nil
			},
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("query failed: %w", err)
	}

	return minVal, maxVal, nil
}

// Execute runs a statement that returns no data, such as DDL.
func (c *Client) Execute(ctx context.Context, query string) (err error) {
	defer c.track("execute", query)(&err)

	pool, err := c.getPool()
	if err != nil {
		return err
	}

	if err := c.doWithRetry(ctx, "execute", func(attemptCtx context.Context) error {
		return pool.Do(attemptCtx, ch.Query{Body: query})
	}); err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}

	return nil
}

// conditionsClause renders equality conditions in a stable key order.
func conditionsClause(conditions map[string]any) string {
	if len(conditions) == 0 {
		return ""
	}

	keys := make([]string, 0, len(conditions))
	for key := range conditions {
		keys = append(keys, key)
	}

	slices.Sort(keys)

	parts := make([]string, 0, len(keys))

	for _, key := range keys {
		switch v := conditions[key].(type) {
		case int, int32, int64, uint32, uint64:
			parts = append(parts, fmt.Sprintf("%s = %v", key, v))
		default:
			parts = append(parts, fmt.Sprintf("%s = '%s'", key, strings.ReplaceAll(fmt.Sprint(v), "'", "\\'")))
		}
	}

	return " WHERE " + strings.Join(parts, " AND ")
}

// IsStorageEmpty reports whether table has no rows matching conditions.
func (c *Client) IsStorageEmpty(ctx context.Context, table string, conditions map[string]any) (empty bool, err error) {
	defer c.track("is_storage_empty", table)(&err)

	count, err := c.QueryUInt64(ctx, fmt.Sprintf("SELECT count() AS count FROM %s FINAL%s", table, conditionsClause(conditions)), "count")
	if err != nil {
		return false, fmt.Errorf("failed to check if table is empty: %w", err)
	}

	return count == nil || *count == 0, nil
}

// extractTableName finds the table a statement touches, for metric labels.
func extractTableName(query string) string {
	fields := strings.Fields(strings.TrimSpace(query))
	if len(fields) == 0 {
		return ""
	}

	upper := strings.ToUpper(strings.Join(fields, " "))

	for _, prefix := range []string{"INSERT INTO ", "CREATE TABLE IF NOT EXISTS ", "CREATE TABLE ", "DROP TABLE IF EXISTS ", "DROP TABLE "} {
		if strings.HasPrefix(upper, prefix) {
			n := len(strings.Fields(prefix))
			if len(fields) > n {
				return strings.Trim(fields[n], "`'\"")
			}

			return ""
		}
	}

	for i, field := range fields {
		if strings.EqualFold(field, "FROM") && i+1 < len(fields) {
			return strings.Trim(fields[i+1], "`'\"")
		}
	}

	// A bare table name is passed by IsStorageEmpty.
	if len(fields) == 1 {
		return strings.Trim(fields[0], "`'\"")
	}

	return ""
}

func (c *Client) recordMetrics(operation, status string, duration time.Duration, tableOrQuery string) {
	table := extractTableName(tableOrQuery)

	c.lock.RLock()
	network := c.network
	c.lock.RUnlock()

	common.ClickHouseOperationDuration.WithLabelValues(network, c.processor, operation, table, status, "").Observe(duration.Seconds())
	common.ClickHouseOperationTotal.WithLabelValues(network, c.processor, operation, table, status, "").Inc()
}

func (c *Client) collectPoolMetrics() {
	defer c.metricsWg.Done()

	ticker := time.NewTicker(poolMetricsInterval)
	defer ticker.Stop()

	var prevAcquire, prevEmpty, prevCanceled int64

	addDelta := func(counter interface{ Add(float64) }, prev *int64, current int64) {
		if *prev > 0 && current > *prev {
			counter.Add(float64(current - *prev))
		}

		*prev = current
	}

	for {
		select {
		case <-c.metricsDone:
			return
		case <-ticker.C:
			c.lock.RLock()
			network := c.network
			pool := c.pool
			c.lock.RUnlock()

			if network == "" || pool == nil {
				continue
			}

			stat := pool.Stat()

			common.ClickHousePoolAcquiredResources.WithLabelValues(network, c.processor).Set(float64(stat.AcquiredResources()))
			common.ClickHousePoolIdleResources.WithLabelValues(network, c.processor).Set(float64(stat.IdleResources()))
			common.ClickHousePoolConstructingResources.WithLabelValues(network, c.processor).Set(float64(stat.ConstructingResources()))
			common.ClickHousePoolTotalResources.WithLabelValues(network, c.processor).Set(float64(stat.TotalResources()))
			common.ClickHousePoolMaxResources.WithLabelValues(network, c.processor).Set(float64(stat.MaxResources()))
			common.ClickHousePoolAcquireDuration.WithLabelValues(network, c.processor).Set(stat.AcquireDuration().Seconds())
			common.ClickHousePoolEmptyAcquireWaitDuration.WithLabelValues(network, c.processor).Set(stat.EmptyAcquireWaitTime().Seconds())

			addDelta(common.ClickHousePoolAcquireTotal.WithLabelValues(network, c.processor), &prevAcquire, stat.AcquireCount())
			addDelta(common.ClickHousePoolEmptyAcquireTotal.WithLabelValues(network, c.processor), &prevEmpty, stat.EmptyAcquireCount())
			addDelta(common.ClickHousePoolCanceledAcquireTotal.WithLabelValues(network, c.processor), &prevCanceled, stat.CanceledAcquireCount())
		}
	}
}
