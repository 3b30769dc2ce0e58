package ethereum

import (
	"errors"

	"github.com/ethpandaops/trace-processor/pkg/ethereum/execution"
)

// Sentinel errors for Ethereum client operations.
var (
	// ErrNoHealthyNode indicates no healthy execution node is available.
	ErrNoHealthyNode = errors.New("no healthy execution node available")

	// ErrBlockNotFound indicates a block was not found on the execution client.
	ErrBlockNotFound = execution.ErrBlockNotFound

	// ErrTransactionNotFound indicates a transaction was not found.
	ErrTransactionNotFound = execution.ErrTransactionNotFound

	// ErrUnsupportedChainID indicates an unsupported chain ID was provided.
	ErrUnsupportedChainID = errors.New("unsupported chain ID")
)
