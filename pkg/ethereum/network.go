package ethereum

import (
	"fmt"
	"slices"
)

// Network names the chain an execution node serves. Name is what gets
// written alongside every stored trace and used in queue names.
type Network struct {
	ID   int32
	Name string
}

// chains whose Parity-style tracing clients are commonly run.
var knownNetworks = []Network{
	{ID: 1, Name: "mainnet"},
	{ID: 100, Name: "gnosis"},
	{ID: 17000, Name: "holesky"},
	{ID: 560048, Name: "hoodi"},
	{ID: 11155111, Name: "sepolia"},
}

// GetNetworkByChainID looks a chain up in the known networks.
func GetNetworkByChainID(chainID int32) (*Network, error) {
	i := slices.IndexFunc(knownNetworks, func(n Network) bool { return n.ID == chainID })
	if i < 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedChainID, chainID)
	}

	network := knownNetworks[i]

	return &network, nil
}
