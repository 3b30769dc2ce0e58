package execution

import "errors"

var (
	ErrBlockNotFound       = errors.New("block not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrTracingUnsupported is returned by clients that do not expose the trace_* namespace.
	ErrTracingUnsupported = errors.New("client does not support the trace namespace")
	ErrNodeNotStarted     = errors.New("node not started")
)
