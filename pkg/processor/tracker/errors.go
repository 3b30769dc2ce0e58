package tracker

import (
	"errors"
	"strings"

	"github.com/ethpandaops/trace-processor/pkg/ethereum"
)

// ErrWaitingForBlock is returned when the next block is beyond the chain head.
var ErrWaitingForBlock = errors.New("waiting for block: chain tip reached")

// IsBlockNotFoundError reports whether err means the node does not have a
// block. Node errors that do not wrap the sentinel are matched by message.
func IsBlockNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ethereum.ErrBlockNotFound) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	return strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "unknown block") ||
		strings.Contains(errStr, "header not found")
}

// IsWaitingForBlockError reports whether err only means there is nothing new
// to process yet.
func IsWaitingForBlockError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrWaitingForBlock) {
		return true
	}

	return strings.Contains(strings.ToLower(err.Error()), "not yet available")
}
