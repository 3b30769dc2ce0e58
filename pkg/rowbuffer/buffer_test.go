package rowbuffer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// traceRow stands in for a stored trace: one block's rows are submitted
// together by a single task.
type traceRow struct {
	block      uint64
	traceIndex int
}

func blockRows(block uint64, n int) []traceRow {
	rows := make([]traceRow, n)
	for i := range rows {
		rows[i] = traceRow{block: block, traceIndex: i}
	}

	return rows
}

// recorder captures every flushed batch.
type recorder struct {
	mu      sync.Mutex
	batches [][]traceRow
	err     error
}

func (r *recorder) flush(_ context.Context, rows []traceRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.batches = append(r.batches, append([]traceRow(nil), rows...))

	return r.err
}

func (r *recorder) snapshot() [][]traceRow {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([][]traceRow(nil), r.batches...)
}

func (r *recorder) rowsByBlock() map[uint64]int {
	out := make(map[uint64]int)

	for _, b := range r.snapshot() {
		for _, row := range b {
			out[row.block]++
		}
	}

	return out
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	return log
}

func TestBuffer_SizeFlushKeepsBlocksContiguous(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := &recorder{}
		buf := New(Config{MaxRows: 6, FlushInterval: time.Hour, Table: "traces"}, rec.flush, quietLogger())

		require.NoError(t, buf.Start(context.Background()))
		defer func() { _ = buf.Stop(context.Background()) }()

		errs := make(chan error, 2)

		go func() { errs <- buf.Submit(context.Background(), blockRows(100, 4)) }()

		synctest.Wait()
		assert.Empty(t, rec.snapshot(), "below the row limit nothing is written")

		go func() { errs <- buf.Submit(context.Background(), blockRows(101, 3)) }()

		synctest.Wait()

		require.NoError(t, <-errs)
		require.NoError(t, <-errs)

		batches := rec.snapshot()
		require.Len(t, batches, 1)
		require.Len(t, batches[0], 7)

		for i, row := range batches[0][:4] {
			assert.Equal(t, traceRow{block: 100, traceIndex: i}, row)
		}

		for i, row := range batches[0][4:] {
			assert.Equal(t, traceRow{block: 101, traceIndex: i}, row)
		}
	})
}

func TestBuffer_IntervalFlush(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := &recorder{}
		buf := New(Config{MaxRows: 1000, FlushInterval: 500 * time.Millisecond}, rec.flush, quietLogger())

		require.NoError(t, buf.Start(context.Background()))
		defer func() { _ = buf.Stop(context.Background()) }()

		done := make(chan error, 1)

		go func() { done <- buf.Submit(context.Background(), blockRows(7, 2)) }()

		synctest.Wait()
		assert.Empty(t, rec.snapshot())

		time.Sleep(500 * time.Millisecond)
		synctest.Wait()

		require.NoError(t, <-done)
		assert.Equal(t, map[uint64]int{7: 2}, rec.rowsByBlock())
		assert.Equal(t, 0, buf.Len())
	})
}

func TestBuffer_FailedFlushReachesEveryWaiter(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		insertErr := errors.New("code: 241, memory limit exceeded")
		rec := &recorder{err: insertErr}
		buf := New(Config{MaxRows: 1000, FlushInterval: time.Second}, rec.flush, quietLogger())

		require.NoError(t, buf.Start(context.Background()))
		defer func() { _ = buf.Stop(context.Background()) }()

		errs := make(chan error, 3)

		for block := range uint64(3) {
			go func() { errs <- buf.Submit(context.Background(), blockRows(block, 2)) }()
		}

		synctest.Wait()
		time.Sleep(time.Second)
		synctest.Wait()

		for range 3 {
			assert.ErrorIs(t, <-errs, insertErr)
		}

		require.Len(t, rec.snapshot(), 1)
	})
}

func TestBuffer_StopFlushesPending(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := &recorder{}
		buf := New(Config{MaxRows: 1000, FlushInterval: time.Hour}, rec.flush, quietLogger())

		require.NoError(t, buf.Start(context.Background()))

		done := make(chan error, 1)

		go func() { done <- buf.Submit(context.Background(), blockRows(42, 5)) }()

		synctest.Wait()
		require.NoError(t, buf.Stop(context.Background()))

		require.NoError(t, <-done)
		assert.Equal(t, map[uint64]int{42: 5}, rec.rowsByBlock())

		assert.ErrorIs(t, buf.Submit(context.Background(), blockRows(43, 1)), ErrNotStarted)
	})
}

func TestBuffer_SubmitterContextExpires(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := &recorder{}
		buf := New(Config{MaxRows: 1000, FlushInterval: time.Hour}, rec.flush, quietLogger())

		require.NoError(t, buf.Start(context.Background()))
		defer func() { _ = buf.Stop(context.Background()) }()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		done := make(chan error, 1)

		go func() { done <- buf.Submit(ctx, blockRows(1, 1)) }()

		time.Sleep(100 * time.Millisecond)
		synctest.Wait()

		assert.ErrorIs(t, <-done, context.DeadlineExceeded)
		// The rows stay queued for the next flush.
		assert.Equal(t, 1, buf.Len())
	})
}

func TestBuffer_ConcurrentBlocks(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := &recorder{}
		buf := New(Config{MaxRows: 25, FlushInterval: time.Second}, rec.flush, quietLogger())

		require.NoError(t, buf.Start(context.Background()))

		want := make(map[uint64]int)

		for block := range uint64(40) {
			n := int(block%5) + 1
			want[block] = n

			go func() { _ = buf.Submit(context.Background(), blockRows(block, n)) }()
		}

		synctest.Wait()
		time.Sleep(time.Second)
		synctest.Wait()

		require.NoError(t, buf.Stop(context.Background()))

		assert.Equal(t, want, rec.rowsByBlock())
		assert.GreaterOrEqual(t, len(rec.snapshot()), 4)
	})
}

func TestBuffer_PendingCounts(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := &recorder{}
		buf := New(Config{MaxRows: 1000, FlushInterval: time.Hour}, rec.flush, quietLogger())

		require.NoError(t, buf.Start(context.Background()))
		defer func() { _ = buf.Stop(context.Background()) }()

		go func() { _ = buf.Submit(context.Background(), blockRows(1, 3)) }()
		go func() { _ = buf.Submit(context.Background(), blockRows(2, 4)) }()

		synctest.Wait()

		assert.Equal(t, 7, buf.Len())
		assert.Equal(t, 2, buf.WaiterCount())
	})
}

func TestBuffer_Lifecycle(t *testing.T) {
	rec := &recorder{}
	buf := New(Config{MaxRows: 10, FlushInterval: time.Hour}, rec.flush, quietLogger())

	assert.ErrorIs(t, buf.Submit(context.Background(), blockRows(1, 1)), ErrNotStarted)
	require.NoError(t, buf.Stop(context.Background()), "stop before start is a no-op")

	require.NoError(t, buf.Start(context.Background()))
	require.NoError(t, buf.Start(context.Background()), "second start is a no-op")

	require.NoError(t, buf.Submit(context.Background(), nil))
	require.NoError(t, buf.Stop(context.Background()))
	require.NoError(t, buf.Stop(context.Background()))

	assert.Empty(t, rec.snapshot())
}

func TestNew_Defaults(t *testing.T) {
	tests := []struct {
		name         string
		cfg          Config
		wantRows     int
		wantInterval time.Duration
	}{
		{name: "zero values", cfg: Config{}, wantRows: 10000, wantInterval: time.Second},
		{name: "negative values", cfg: Config{MaxRows: -5, FlushInterval: -time.Second}, wantRows: 10000, wantInterval: time.Second},
		{name: "explicit", cfg: Config{MaxRows: 50, FlushInterval: time.Minute}, wantRows: 50, wantInterval: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := New(tt.cfg, (&recorder{}).flush, quietLogger())

			assert.Equal(t, tt.wantRows, buf.config.MaxRows)
			assert.Equal(t, tt.wantInterval, buf.config.FlushInterval)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "defaults", cfg: Config{}},
		{name: "negative rows", cfg: Config{MaxRows: -1}, wantErr: true},
		{name: "negative interval", cfg: Config{FlushInterval: -time.Second}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
