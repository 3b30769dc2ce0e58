package execution

import "github.com/ethpandaops/trace-processor/pkg/trace"

// finalizeTraces numbers traces within their transaction and stamps each with
// its block's timestamp. Nodes omit both.
func finalizeTraces(traces []trace.Trace, timestamps map[uint64]int64) {
	trace.AssignTraceIndexes(traces)

	for i := range traces {
		traces[i].Timestamp = timestamps[traces[i].BlockNumber]
	}
}
