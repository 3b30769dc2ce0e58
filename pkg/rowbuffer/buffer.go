// Package rowbuffer batches rows submitted by concurrent tasks into a single
// insert. A batch is flushed when it reaches MaxRows or when FlushInterval
// elapses, and every submitter waits for the flush that carried its rows.
package rowbuffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creasty/defaults"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/trace-processor/pkg/common"
)

// ErrNotStarted is returned by Submit before Start or after Stop.
var ErrNotStarted = errors.New("buffer is not started")

// FlushFunc writes one batch of rows.
type FlushFunc[R any] func(ctx context.Context, rows []R) error

type Config struct {
	MaxRows       int           `yaml:"maxRows" default:"10000"`
	FlushInterval time.Duration `yaml:"flushInterval" default:"1s"`

	// Metric labels
	Network   string `yaml:"-"`
	Processor string `yaml:"-"`
	Table     string `yaml:"-"`
}

func (c *Config) Validate() error {
	if c.MaxRows < 0 {
		return errors.New("maxRows must not be negative")
	}

	if c.FlushInterval < 0 {
		return errors.New("flushInterval must not be negative")
	}

	return nil
}

type waiter struct {
	resultCh chan<- error
	rowCount int
}

type batch[R any] struct {
	rows    []R
	waiters []waiter
}

// Buffer is safe for concurrent use.
type Buffer[R any] struct {
	mu      sync.Mutex
	pending batch[R]

	config  Config
	flushFn FlushFunc[R]
	log     logrus.FieldLogger

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
}

func New[R any](cfg Config, flushFn FlushFunc[R], log logrus.FieldLogger) *Buffer[R] {
	// Non-positive values fall back to the defaults.
	cfg.MaxRows = max(cfg.MaxRows, 0)
	cfg.FlushInterval = max(cfg.FlushInterval, 0)

	_ = defaults.Set(&cfg)

	b := &Buffer[R]{
		config:   cfg,
		flushFn:  flushFn,
		log:      log.WithField("component", "rowbuffer"),
		stopChan: make(chan struct{}),
	}
	b.pending = b.newBatch()

	return b
}

func (b *Buffer[R]) newBatch() batch[R] {
	return batch[R]{
		rows:    make([]R, 0, b.config.MaxRows),
		waiters: make([]waiter, 0, 64),
	}
}

// take swaps out the pending batch. The caller must hold mu.
func (b *Buffer[R]) take() batch[R] {
	out := b.pending
	b.pending = b.newBatch()

	return out
}

// Start runs the flush timer until Stop or ctx ends.
func (b *Buffer[R]) Start(ctx context.Context) error {
	b.mu.Lock()

	if b.started {
		b.mu.Unlock()

		return nil
	}

	b.started = true
	b.mu.Unlock()

	b.wg.Go(func() { b.runFlushTimer(ctx) })

	b.log.WithFields(logrus.Fields{
		"max_rows":       b.config.MaxRows,
		"flush_interval": b.config.FlushInterval,
		"table":          b.config.Table,
	}).Debug("Row buffer started")

	return nil
}

// Stop ends the flush timer and flushes whatever is still pending.
func (b *Buffer[R]) Stop(ctx context.Context) error {
	b.mu.Lock()

	if !b.started {
		b.mu.Unlock()

		return nil
	}

	b.started = false
	b.mu.Unlock()

	close(b.stopChan)
	b.wg.Wait()

	b.mu.Lock()
	remaining := b.take()
	b.mu.Unlock()

	if err := b.flush(ctx, remaining, "shutdown"); err != nil {
		return fmt.Errorf("failed to flush remaining rows: %w", err)
	}

	b.log.Debug("Row buffer stopped")

	return nil
}

// Submit queues rows and blocks until the batch holding them is written.
func (b *Buffer[R]) Submit(ctx context.Context, rows []R) error {
	if len(rows) == 0 {
		return nil
	}

	resultCh := make(chan error, 1)

	b.mu.Lock()

	if !b.started {
		b.mu.Unlock()

		return ErrNotStarted
	}

	b.pending.rows = append(b.pending.rows, rows...)
	b.pending.waiters = append(b.pending.waiters, waiter{resultCh: resultCh, rowCount: len(rows)})
	b.recordPending()

	var full *batch[R]

	if len(b.pending.rows) >= b.config.MaxRows {
		taken := b.take()
		full = &taken
	}

	b.mu.Unlock()

	if full != nil {
		go func() {
			_ = b.flush(context.Background(), *full, "size")
		}()
	}

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopChan:
		select {
		case err := <-resultCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Buffer[R]) runFlushTimer(ctx context.Context) {
	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			due := b.take()
			b.mu.Unlock()

			_ = b.flush(ctx, due, "timer")
		}
	}
}

// recordPending updates the pending gauges. The caller must hold mu.
func (b *Buffer[R]) recordPending() {
	common.RowBufferPendingRows.WithLabelValues(
		b.config.Network, b.config.Processor, b.config.Table,
	).Set(float64(len(b.pending.rows)))

	common.RowBufferPendingTasks.WithLabelValues(
		b.config.Network, b.config.Processor, b.config.Table,
	).Set(float64(len(b.pending.waiters)))
}

// flush writes a batch and reports the outcome to each of its waiters.
func (b *Buffer[R]) flush(ctx context.Context, bt batch[R], trigger string) error {
	if len(bt.rows) == 0 {
		return nil
	}

	start := time.Now()
	err := b.flushFn(ctx, bt.rows)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "failed"
	}

	common.RowBufferFlushTotal.WithLabelValues(
		b.config.Network, b.config.Processor, b.config.Table, trigger, status,
	).Inc()
	common.RowBufferFlushDuration.WithLabelValues(
		b.config.Network, b.config.Processor, b.config.Table,
	).Observe(duration.Seconds())
	common.RowBufferFlushSize.WithLabelValues(
		b.config.Network, b.config.Processor, b.config.Table,
	).Observe(float64(len(bt.rows)))

	b.mu.Lock()
	b.recordPending()
	b.mu.Unlock()

	fields := logrus.Fields{
		"rows":     len(bt.rows),
		"waiters":  len(bt.waiters),
		"trigger":  trigger,
		"duration": duration,
		"table":    b.config.Table,
	}

	if err != nil {
		b.log.WithError(err).WithFields(fields).Error("Row buffer flush failed")
	} else {
		b.log.WithFields(fields).Debug("Row buffer flush completed")
	}

	for _, w := range bt.waiters {
		select {
		case w.resultCh <- err:
		default:
		}
	}

	return err
}

// Len returns the number of rows waiting for a flush.
func (b *Buffer[R]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.pending.rows)
}

// WaiterCount returns the number of submitters waiting for a flush.
func (b *Buffer[R]) WaiterCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.pending.waiters)
}
