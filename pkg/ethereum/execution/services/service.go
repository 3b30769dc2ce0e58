package services

import (
	"context"
	"strings"
)

// Name identifies a node service.
type Name string

// Service is a background component owned by an execution node.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Ready(ctx context.Context) error
	OnReady(ctx context.Context, cb func(context.Context) error)
	Name() Name
}

// Client is an execution client implementation.
type Client string

const (
	ClientUnknown    Client = "unknown"
	ClientGeth       Client = "geth"
	ClientErigon     Client = "erigon"
	ClientNethermind Client = "nethermind"
	ClientBesu       Client = "besu"
	ClientReth       Client = "reth"
)

var knownClients = []Client{
	ClientGeth,
	ClientErigon,
	ClientNethermind,
	ClientBesu,
	ClientReth,
}

// ClientFromString extracts the client from a web3_clientVersion string such
// as "Geth/v1.14.0-stable/linux-amd64/go1.22.1".
func ClientFromString(version string) Client {
	lower := strings.ToLower(version)

	for _, c := range knownClients {
		if strings.HasPrefix(lower, string(c)) {
			return c
		}
	}

	return ClientUnknown
}

// SupportsTraceNamespace reports whether the client serves trace_block,
// trace_transaction and trace_filter.
func (c Client) SupportsTraceNamespace() bool {
	return c != ClientGeth
}
