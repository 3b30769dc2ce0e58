package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/0xsequence/ethkit/ethrpc"
	"github.com/0xsequence/ethkit/go-ethereum/common/hexutil"
	backoff "github.com/cenkalti/backoff/v4"
	"github.com/go-co-op/gocron"
	"github.com/sirupsen/logrus"
)

var (
	ErrClientVersionUnknown = errors.New("client version is not available")
	ErrChainIDUnknown       = errors.New("chain ID is not available")
)

const (
	initialRetryInterval = 500 * time.Millisecond
	maxRetryInterval     = 5 * time.Second
	maxRetryElapsed      = 2 * time.Minute
)

// job is a recurring metadata refresh.
type job struct {
	name    string
	every   string
	timeout time.Duration
	run     func(ctx context.Context) error
}

// MetadataService learns which client a node runs and which chain it serves,
// then keeps that and the sync status current. OnReady callbacks fire once
// both the client version and chain ID are known.
type MetadataService struct {
	rpc *ethrpc.Provider
	log logrus.FieldLogger

	callbacks []func(context.Context) error
	scheduler *gocron.Scheduler

	mu            sync.RWMutex
	clientVersion string
	chainID       int32
	synced        bool
}

func NewMetadataService(log logrus.FieldLogger, rpc *ethrpc.Provider) *MetadataService {
	return &MetadataService{
		rpc: rpc,
		log: log.WithField("service", "metadata"),
	}
}

func (m *MetadataService) Name() Name {
	return "metadata"
}

func (m *MetadataService) Start(ctx context.Context) error {
	go m.initialize(ctx)

	s := gocron.NewScheduler(time.UTC)

	for _, j := range m.jobs() {
		if _, err := s.Every(j.every).Do(func() {
			jobCtx, cancel := context.WithTimeout(context.Background(), j.timeout)
			defer cancel()

			if err := j.run(jobCtx); err != nil {
				m.log.WithError(err).WithField("job", j.name).Warn("Metadata refresh failed")
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", j.name, err)
		}
	}

	s.StartAsync()

	m.mu.Lock()
	m.scheduler = s
	m.mu.Unlock()

	return nil
}

func (m *MetadataService) jobs() []job {
	return []job{
		{name: "identity", every: "5m", timeout: 30 * time.Second, run: m.RefreshAll},
		{name: "sync_status", every: "15s", timeout: 10 * time.Second, run: m.updateSyncStatus},
	}
}

// initialize retries until the node identifies itself, then runs the OnReady
// callbacks. It gives up after maxRetryElapsed and the node never becomes
// ready.
func (m *MetadataService) initialize(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialRetryInterval
	b.MaxInterval = maxRetryInterval
	b.MaxElapsedTime = maxRetryElapsed

	identify := func() error {
		if err := m.RefreshAll(ctx); err != nil {
			return err
		}

		return m.Ready(ctx)
	}

	notify := func(err error, next time.Duration) {
		m.log.WithError(err).WithField("retry_in", next).Warn("Execution node not identified yet")
	}

	if err := backoff.RetryNotify(identify, backoff.WithContext(b, ctx), notify); err != nil {
		m.log.WithError(err).Error("Gave up identifying execution node")

		return
	}

	m.log.WithFields(logrus.Fields{
		"client_version": m.ClientVersion(),
		"chain_id":       m.ChainID(),
	}).Info("Execution node identified")

	for _, cb := range m.callbacks {
		if err := cb(ctx); err != nil {
			m.log.WithError(err).Warn("OnReady callback failed")
		}
	}
}

func (m *MetadataService) Stop(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.scheduler != nil {
		m.scheduler.Stop()
	}

	return nil
}

// OnReady must be called before Start.
func (m *MetadataService) OnReady(_ context.Context, cb func(context.Context) error) {
	m.callbacks = append(m.callbacks, cb)
}

func (m *MetadataService) Ready(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch {
	case m.clientVersion == "":
		return ErrClientVersionUnknown
	case m.chainID == 0:
		return ErrChainIDUnknown
	}

	return nil
}

// RefreshAll re-reads web3_clientVersion and eth_chainId.
func (m *MetadataService) RefreshAll(ctx context.Context) error {
	var version, rawChainID string

	if _, err := m.rpc.Do(ctx, ethrpc.NewCallBuilder[string]("web3_clientVersion", nil).Into(&version)); err != nil {
		return fmt.Errorf("web3_clientVersion: %w", err)
	}

	if _, err := m.rpc.Do(ctx, ethrpc.NewCallBuilder[string]("eth_chainId", nil).Into(&rawChainID)); err != nil {
		return fmt.Errorf("eth_chainId: %w", err)
	}

	chainID, err := parseChainID(rawChainID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.clientVersion = version
	m.chainID = chainID
	m.mu.Unlock()

	return nil
}

func parseChainID(raw string) (int32, error) {
	id, err := hexutil.DecodeUint64(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid chain ID %q: %w", raw, err)
	}

	if id > math.MaxInt32 {
		return 0, fmt.Errorf("chain ID %d out of range", id)
	}

	return int32(id), nil
}

func (m *MetadataService) updateSyncStatus(ctx context.Context) error {
	progress, err := m.rpc.SyncProgress(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.synced = progress == nil
	m.mu.Unlock()

	return nil
}

// Client is the implementation parsed from the client version.
func (m *MetadataService) Client() Client {
	return ClientFromString(m.ClientVersion())
}

func (m *MetadataService) ClientVersion() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.clientVersion
}

func (m *MetadataService) ChainID() int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.chainID
}

func (m *MetadataService) IsSynced() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.synced
}
