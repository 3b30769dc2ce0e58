package tracker

import "fmt"

func prefixed(queue, prefix string) string {
	if prefix == "" {
		return queue
	}

	return fmt.Sprintf("%s:%s", prefix, queue)
}

// ProcessQueue returns the queue a processor uses for mode, e.g.
// "traces:process:forwards".
func ProcessQueue(processorName, mode string) string {
	return fmt.Sprintf("%s:process:%s", processorName, mode)
}

// ReprocessQueue returns the queue for blocks requested through the API.
func ReprocessQueue(processorName, mode string) string {
	return fmt.Sprintf("%s:process:reprocess:%s", processorName, mode)
}

func PrefixedProcessQueue(processorName, mode, prefix string) string {
	return prefixed(ProcessQueue(processorName, mode), prefix)
}

func PrefixedReprocessQueue(processorName, mode, prefix string) string {
	return prefixed(ReprocessQueue(processorName, mode), prefix)
}

// Queues returns the process and reprocess queues of a processor for mode.
// Reprocess requests outrank regular processing.
func Queues(processorName, mode, prefix string) []QueueInfo {
	return []QueueInfo{
		{Name: PrefixedProcessQueue(processorName, mode, prefix), Priority: 5},
		{Name: PrefixedReprocessQueue(processorName, mode, prefix), Priority: 10},
	}
}
