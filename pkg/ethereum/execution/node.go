package execution

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/0xsequence/ethkit/ethrpc"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/trace-processor/pkg/ethereum/execution/services"
)

// headerTransport adds custom headers to requests and respects context cancellation
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for key, value := range t.headers {
		req.Header.Set(key, value)
	}

	if req.Context().Err() != nil {
		return nil, req.Context().Err()
	}

	return t.base.RoundTrip(req)
}

// RPCNode implements Node over JSON-RPC using an ethkit provider.
type RPCNode struct {
	config *Config
	log    logrus.FieldLogger

	mu       sync.RWMutex
	rpc      *ethrpc.Provider
	metadata *services.MetadataService

	onReadyCallbacks []func(ctx context.Context) error

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

var _ Node = (*RPCNode)(nil)

func NewRPCNode(log logrus.FieldLogger, conf *Config) *RPCNode {
	return &RPCNode{
		config: conf,
		log:    log.WithFields(logrus.Fields{"type": "execution", "source": conf.Name}),
	}
}

func newHTTPClient(headers map[string]string) *http.Client {
	// No client timeout: every call carries a context deadline instead.
	return &http.Client{
		Transport: &headerTransport{
			headers: headers,
			base: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
			},
		},
	}
}

// Dial creates the RPC provider without starting background services. It is
// enough for one-shot use such as the export command.
func (n *RPCNode) Dial() error {
	rpc, err := ethrpc.NewProvider(n.config.NodeAddress, ethrpc.WithHTTPClient(newHTTPClient(n.config.NodeHeaders)))
	if err != nil {
		return fmt.Errorf("failed to create RPC provider for %s: %w", n.config.NodeAddress, err)
	}

	n.mu.Lock()
	n.rpc = rpc
	n.metadata = services.NewMetadataService(n.log, rpc)
	n.mu.Unlock()

	return nil
}

func (n *RPCNode) OnReady(_ context.Context, callback func(ctx context.Context) error) {
	n.onReadyCallbacks = append(n.onReadyCallbacks, callback)
}

func (n *RPCNode) Start(ctx context.Context) error {
	n.log.Info("Starting execution node")

	nodeCtx, cancel := context.WithCancel(ctx)

	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()

	if err := n.Dial(); err != nil {
		n.log.WithError(err).Error("Failed to create RPC provider")

		return err
	}

	metadata := n.Metadata()

	ready := make(chan struct{})

	metadata.OnReady(nodeCtx, func(_ context.Context) error {
		close(ready)

		return nil
	})

	if err := metadata.Start(nodeCtx); err != nil {
		return fmt.Errorf("failed to start metadata service: %w", err)
	}

	n.wg.Add(1)

	go func() {
		defer n.wg.Done()

		select {
		case <-nodeCtx.Done():
			return
		case <-ready:
		}

		client := metadata.Client()

		n.log.WithFields(logrus.Fields{
			"client_type": client,
			"chain_id":    metadata.ChainID(),
		}).Info("Detected execution client type")

		if !client.SupportsTraceNamespace() {
			n.log.WithField("client_type", client).Warn("Execution client does not serve trace_* methods, node will stay unhealthy")

			return
		}

		for _, callback := range n.onReadyCallbacks {
			callbackCtx, callbackCancel := context.WithTimeout(nodeCtx, 10*time.Second)

			if err := callback(callbackCtx); err != nil {
				n.log.WithError(err).Error("Failed to run on ready callback")
			}

			callbackCancel()
		}

		n.log.Info("Node initialization completed")
	}()

	return nil
}

func (n *RPCNode) Stop(ctx context.Context) error {
	n.log.Info("Stopping execution node")

	n.mu.Lock()
	if n.cancel != nil {
		n.cancel()
	}
	n.mu.Unlock()

	done := make(chan struct{})

	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.log.Info("All node goroutines stopped gracefully")
	case <-ctx.Done():
		n.log.Warn("Timeout waiting for node goroutines to stop")
	}

	if metadata := n.Metadata(); metadata != nil {
		if err := metadata.Stop(ctx); err != nil {
			n.log.WithError(err).WithField("service", metadata.Name()).Error("Failed to stop service")
		}
	}

	return nil
}

func (n *RPCNode) Metadata() *services.MetadataService {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.metadata
}

func (n *RPCNode) provider() (*ethrpc.Provider, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.rpc == nil {
		return nil, ErrNodeNotStarted
	}

	return n.rpc, nil
}

func (n *RPCNode) ChainID() int32 {
	if m := n.Metadata(); m != nil {
		return m.ChainID()
	}

	return 0
}

func (n *RPCNode) ClientType() string {
	if m := n.Metadata(); m != nil {
		return string(m.Client())
	}

	return string(services.ClientUnknown)
}

func (n *RPCNode) IsSynced() bool {
	if m := n.Metadata(); m != nil {
		return m.IsSynced()
	}

	return false
}

func (n *RPCNode) Name() string {
	return n.config.Name
}
