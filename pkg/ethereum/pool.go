package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/trace-processor/pkg/ethereum/execution"
)

const (
	defaultHealthCheckInterval = 15 * time.Second
	healthCheckTimeout         = 5 * time.Second
	statusLogInterval          = time.Minute
	waitRetryInterval          = time.Second
	waitLogInterval            = 10 * time.Second
)

// nodeStatus is what the pool knows about a node that has been ready at
// least once.
type nodeStatus struct {
	healthy   bool
	head      uint64
	checkedAt time.Time
}

// Pool tracks a set of execution nodes and hands out healthy ones. A node
// joins the rotation when its OnReady callbacks fire and leaves it while its
// health checks fail.
type Pool struct {
	log     logrus.FieldLogger
	nodes   []execution.Node
	metrics *Metrics
	config  *Config

	mu     sync.RWMutex
	status map[execution.Node]*nodeStatus

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool creates an RPC node per configured execution client.
func NewPool(log logrus.FieldLogger, namespace string, config *Config) *Pool {
	nodes := make([]execution.Node, 0, len(config.Execution))

	for _, nodeCfg := range config.Execution {
		nodes = append(nodes, execution.NewRPCNode(log, nodeCfg))
	}

	return NewPoolWithNodes(log, namespace, nodes, config)
}

// NewPoolWithNodes creates a pool around already constructed nodes. A nil
// config is treated as empty.
func NewPoolWithNodes(log logrus.FieldLogger, namespace string, nodes []execution.Node, config *Config) *Pool {
	if config == nil {
		config = &Config{}
	}

	return &Pool{
		log:     log.WithField("component", "ethereum_pool"),
		nodes:   nodes,
		metrics: GetMetricsInstance(namespace + "_ethereum"),
		config:  config,
		status:  make(map[execution.Node]*nodeStatus, len(nodes)),
	}
}

func (p *Pool) HasExecutionNodes() bool {
	return len(p.nodes) > 0
}

func (p *Pool) HasHealthyExecutionNodes() bool {
	return p.healthyCount() > 0
}

// GetHealthyExecutionNodes returns the healthy nodes in configuration order.
func (p *Pool) GetHealthyExecutionNodes() []execution.Node {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]execution.Node, 0, len(p.status))

	for _, node := range p.nodes {
		if s, ok := p.status[node]; ok && s.healthy {
			out = append(out, node)
		}
	}

	return out
}

// GetHealthyExecutionNode returns a random healthy node, or nil if none are.
func (p *Pool) GetHealthyExecutionNode() execution.Node {
	healthy := p.GetHealthyExecutionNodes()
	if len(healthy) == 0 {
		return nil
	}

	//nolint:gosec // load spreading only
	return healthy[rand.IntN(len(healthy))]
}

func (p *Pool) healthyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := 0

	for _, s := range p.status {
		if s.healthy {
			n++
		}
	}

	return n
}

// record stores the outcome of a readiness signal or health check. head is
// only updated when non-nil.
func (p *Pool) record(node execution.Node, healthy bool, head *uint64) {
	p.mu.Lock()

	s, known := p.status[node]
	if !known {
		s = &nodeStatus{}
		p.status[node] = s
	}

	changed := !known || s.healthy != healthy

	s.healthy = healthy
	s.checkedAt = time.Now()

	if head != nil {
		s.head = *head
	}

	current := s.head
	p.mu.Unlock()

	if changed {
		p.log.WithFields(logrus.Fields{
			"node":    node.Name(),
			"healthy": healthy,
			"head":    current,
		}).Info("Execution node health changed")
	}

	p.metrics.SetNodeHealthy(node.Name(), healthy)

	if head != nil {
		p.metrics.SetNodeHead(node.Name(), *head)
	}
}

// WaitForHealthyExecutionNode blocks until a node is healthy or ctx ends.
func (p *Pool) WaitForHealthyExecutionNode(ctx context.Context) (execution.Node, error) {
	if len(p.nodes) == 0 {
		return nil, errors.New("no execution nodes configured")
	}

	started := time.Now()

	p.log.WithField("total_nodes", len(p.nodes)).Info("Waiting for healthy execution node")

	retry := time.NewTicker(waitRetryInterval)
	defer retry.Stop()

	progress := time.NewTicker(waitLogInterval)
	defer progress.Stop()

	for {
		if node := p.GetHealthyExecutionNode(); node != nil {
			p.log.WithFields(logrus.Fields{
				"node":   node.Name(),
				"waited": time.Since(started).Round(time.Millisecond),
			}).Info("Found healthy execution node")

			return node, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-progress.C:
			p.log.WithFields(logrus.Fields{
				"total_nodes": len(p.nodes),
				"waited":      time.Since(started).Round(time.Second),
			}).Info("Still waiting for a healthy execution node")
		case <-retry.C:
		}
	}
}

// Start launches every node and the health check loop. It returns
// immediately; Stop waits for the background work.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.UpdateNodeMetrics()

	// Nodes start independently; one failing must not cancel the others.
	var nodes errgroup.Group

	for _, node := range p.nodes {
		nodes.Go(func() error {
			node.OnReady(ctx, func(readyCtx context.Context) error {
				head, _ := node.BlockNumber(readyCtx)

				p.record(node, true, head)

				return nil
			})

			if err := node.Start(ctx); err != nil {
				return fmt.Errorf("node %s: %w", node.Name(), err)
			}

			return nil
		})
	}

	p.wg.Go(func() {
		if err := nodes.Wait(); err != nil && ctx.Err() == nil {
			p.log.WithError(err).Error("Execution node failed to start")
		}
	})

	p.wg.Go(func() { p.healthLoop(ctx) })
	p.wg.Go(func() { p.statusLoop(ctx) })
}

func (p *Pool) healthLoop(ctx context.Context) {
	interval := p.config.HealthCheckInterval
	if interval <= 0 {
		interval = defaultHealthCheckInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkHealth(ctx)
			p.UpdateNodeMetrics()
		}
	}
}

func (p *Pool) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.log.WithField("healthy_execution_nodes", fmt.Sprintf("%d/%d", p.healthyCount(), len(p.nodes))).
				Info("Pool status")
		}
	}
}

// checkHealth re-checks nodes that have been ready at least once. A node that
// cannot answer eth_blockNumber is taken out of rotation until it can.
func (p *Pool) checkHealth(ctx context.Context) {
	p.mu.RLock()
	known := make([]execution.Node, 0, len(p.status))

	for _, node := range p.nodes {
		if _, ok := p.status[node]; ok {
			known = append(known, node)
		}
	}
	p.mu.RUnlock()

	for _, node := range known {
		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		head, err := node.BlockNumber(checkCtx)

		cancel()

		if err != nil {
			p.log.WithError(err).WithField("node", node.Name()).Warn("Execution node health check failed")
		}

		p.record(node, err == nil, head)
	}
}

// UpdateNodeMetrics refreshes the healthy/unhealthy node counts.
func (p *Pool) UpdateNodeMetrics() {
	healthy := p.healthyCount()

	p.metrics.SetNodeCounts(healthy, len(p.nodes)-healthy)
}

// Stop cancels background work, waits for it within ctx and stops every node.
func (p *Pool) Stop(ctx context.Context) error {
	p.log.Info("Stopping pool")

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	done := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warn("Timed out waiting for pool goroutines")
	}

	for _, node := range p.nodes {
		if err := node.Stop(ctx); err != nil {
			p.log.WithError(err).WithField("node", node.Name()).Error("Failed to stop execution node")
		}
	}

	return nil
}

// GetNetworkByChainID resolves the network a node serves. A configured
// override name applies to every chain id, so custom devnets need no entry in
// the known networks.
func (p *Pool) GetNetworkByChainID(chainID int32) (*Network, error) {
	if name := p.config.OverrideNetworkName; name != nil && *name != "" {
		return &Network{ID: chainID, Name: *name}, nil
	}

	return GetNetworkByChainID(chainID)
}
