package processor

import "time"

const (
	// queueMonitorInterval is how often queue depth gauges are refreshed
	// while leading.
	queueMonitorInterval = 30 * time.Second

	// archivedWarnThreshold is the archived task count that triggers a warning.
	archivedWarnThreshold = 100

	leaderStopTimeout = 5 * time.Second
)
