package server

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/trace-processor/pkg/common"
)

const (
	bytesPerMB = 1024 * 1024
	// spikeWarnMB is the growth between two samples that gets logged as a warning.
	spikeWarnMB = 100
)

// MemoryStatsCollector samples runtime memory statistics into gauges and logs
// when allocation crosses the configured thresholds.
type MemoryStatsCollector struct {
	log    logrus.FieldLogger
	config MemoryMonitorConfig

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	lastAllocMB uint64
	maxAllocMB  uint64
}

func NewMemoryStatsCollector(log logrus.FieldLogger, config MemoryMonitorConfig) *MemoryStatsCollector {
	return &MemoryStatsCollector{
		log:    log.WithField("component", "memory_stats_collector"),
		config: config,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (m *MemoryStatsCollector) Start(ctx context.Context) {
	if !m.config.Enabled {
		m.log.Info("Memory stats collector is disabled")
		close(m.done)

		return
	}

	m.log.WithFields(logrus.Fields{
		"interval":              m.config.Interval,
		"warning_threshold_mb":  m.config.WarningThresholdMB,
		"critical_threshold_mb": m.config.CriticalThresholdMB,
	}).Info("Starting memory stats collector")

	go m.run(ctx)
}

// Stop ends collection and waits for the sampling goroutine.
func (m *MemoryStatsCollector) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.done
}

func (m *MemoryStatsCollector) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.sample()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *MemoryStatsCollector) sample() {
	var stats runtime.MemStats

	runtime.ReadMemStats(&stats)

	goroutines := runtime.NumGoroutine()

	common.MemoryUsage.WithLabelValues("alloc").Set(float64(stats.Alloc))
	common.MemoryUsage.WithLabelValues("sys").Set(float64(stats.Sys))
	common.MemoryUsage.WithLabelValues("heap_alloc").Set(float64(stats.HeapAlloc))
	common.MemoryUsage.WithLabelValues("heap_sys").Set(float64(stats.HeapSys))
	common.GoroutineCount.Set(float64(goroutines))

	m.observe(stats.Alloc/bytesPerMB, logrus.Fields{
		"sys_mb":        stats.Sys / bytesPerMB,
		"heap_alloc_mb": stats.HeapAlloc / bytesPerMB,
		"heap_sys_mb":   stats.HeapSys / bytesPerMB,
		"goroutines":    goroutines,
		"num_gc":        stats.NumGC,
		"gc_cpu_pct":    fmt.Sprintf("%.2f", stats.GCCPUFraction*100),
	})
}

// observe logs one sample and returns the pressure level it crossed, if any.
func (m *MemoryStatsCollector) observe(allocMB uint64, fields logrus.Fields) string {
	spikeMB := int64(0)
	if m.lastAllocMB > 0 {
		spikeMB = int64(allocMB) - int64(m.lastAllocMB) // #nosec G115 -- megabyte values fit in int64
	}

	m.lastAllocMB = allocMB
	m.maxAllocMB = max(m.maxAllocMB, allocMB)

	log := m.log.WithFields(fields).WithFields(logrus.Fields{
		"alloc_mb":     allocMB,
		"max_alloc_mb": m.maxAllocMB,
	})

	if spikeMB != 0 {
		log = log.WithField("spike_mb", spikeMB)
	}

	switch {
	case spikeMB > spikeWarnMB:
		log.Warnf("Large memory spike detected: +%d MB", spikeMB)
	default:
		log.Debug("Memory usage summary")
	}

	switch {
	case allocMB > m.config.CriticalThresholdMB:
		log.WithField("threshold_mb", m.config.CriticalThresholdMB).Error("Critical memory usage detected")
		common.MemoryPressureEvents.WithLabelValues("critical").Inc()

		return "critical"
	case allocMB > m.config.WarningThresholdMB:
		log.WithField("threshold_mb", m.config.WarningThresholdMB).Warn("High memory usage detected")
		common.MemoryPressureEvents.WithLabelValues("warning").Inc()

		return "warning"
	}

	return ""
}
