package server

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/trace-processor/pkg/common"
)

func metricValue(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()

	var m dto.Metric
	require.NoError(t, c.Write(&m))

	if m.GetCounter() != nil {
		return m.GetCounter().GetValue()
	}

	return m.GetGauge().GetValue()
}

func TestMemoryStatsCollector_Observe(t *testing.T) {
	tests := []struct {
		name      string
		allocMB   uint64
		wantLevel string
	}{
		{name: "below thresholds", allocMB: 50},
		{name: "warning", allocMB: 150, wantLevel: "warning"},
		{name: "critical", allocMB: 250, wantLevel: "critical"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, _ := logtest.NewNullLogger()
			m := NewMemoryStatsCollector(log, MemoryMonitorConfig{
				Enabled:             true,
				Interval:            time.Minute,
				WarningThresholdMB:  100,
				CriticalThresholdMB: 200,
			})

			var before float64
			if tt.wantLevel != "" {
				before = metricValue(t, common.MemoryPressureEvents.WithLabelValues(tt.wantLevel))
			}

			assert.Equal(t, tt.wantLevel, m.observe(tt.allocMB, logrus.Fields{}))

			if tt.wantLevel != "" {
				after := metricValue(t, common.MemoryPressureEvents.WithLabelValues(tt.wantLevel))
				assert.InDelta(t, 1, after-before, 0)
			}
		})
	}
}

func TestMemoryStatsCollector_SpikeWarning(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	m := NewMemoryStatsCollector(log, MemoryMonitorConfig{
		Enabled:             true,
		Interval:            time.Minute,
		WarningThresholdMB:  10_000,
		CriticalThresholdMB: 20_000,
	})

	m.observe(100, logrus.Fields{})
	m.observe(400, logrus.Fields{})

	entry := hook.LastEntry()
	if assert.NotNil(t, entry) {
		assert.Equal(t, logrus.WarnLevel, entry.Level)
		assert.Equal(t, int64(300), entry.Data["spike_mb"])
	}

	assert.Equal(t, uint64(400), m.maxAllocMB)

	m.observe(200, logrus.Fields{})
	assert.Equal(t, uint64(400), m.maxAllocMB)
	assert.Equal(t, logrus.DebugLevel, hook.LastEntry().Level)
}

func TestMemoryStatsCollector_StartStop(t *testing.T) {
	log, _ := logtest.NewNullLogger()

	m := NewMemoryStatsCollector(log, MemoryMonitorConfig{
		Enabled:             true,
		Interval:            10 * time.Millisecond,
		WarningThresholdMB:  1 << 20,
		CriticalThresholdMB: 1 << 21,
	})

	m.Start(context.Background())

	assert.Eventually(t, func() bool {
		return metricValue(t, common.GoroutineCount) > 0
	}, time.Second, 10*time.Millisecond)

	m.Stop()
	m.Stop()
}

func TestMemoryStatsCollector_Disabled(t *testing.T) {
	log, _ := logtest.NewNullLogger()

	m := NewMemoryStatsCollector(log, MemoryMonitorConfig{})
	m.Start(context.Background())
	m.Stop()
}
