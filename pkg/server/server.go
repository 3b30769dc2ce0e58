package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	//nolint:gosec // only exposed if pprofAddr config is set
	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	r "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/trace-processor/pkg/api"
	"github.com/ethpandaops/trace-processor/pkg/clickhouse"
	"github.com/ethpandaops/trace-processor/pkg/ethereum"
	"github.com/ethpandaops/trace-processor/pkg/processor"
	"github.com/ethpandaops/trace-processor/pkg/publisher"
	"github.com/ethpandaops/trace-processor/pkg/redis"
	"github.com/ethpandaops/trace-processor/pkg/state"
	"github.com/ethpandaops/trace-processor/pkg/telemetry"
	"github.com/ethpandaops/trace-processor/pkg/trace"
	"github.com/ethpandaops/trace-processor/pkg/tracestore"
)

const readHeaderTimeout = 120 * time.Second

type Server struct {
	log       logrus.FieldLogger
	config    *Config
	namespace string

	redis     *r.Client
	pool      *ethereum.Pool
	processor *processor.Manager
	state     *state.Manager
	publisher publisher.Publisher
	traceDB   *sql.DB
	memory    *MemoryStatsCollector

	tracerShutdown telemetry.ShutdownFunc

	metricsServer *http.Server
	pprofServer   *http.Server
	healthServer  *http.Server
	apiServer     *http.Server
}

func NewServer(ctx context.Context, log logrus.FieldLogger, namespace string, config *Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	redisClient, err := redis.New(config.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}

	pool := ethereum.NewPool(log.WithField("component", "ethereum"), namespace, &config.Ethereum)

	stateManager, err := state.NewManager(log.WithField("component", "state"), &config.StateManager)
	if err != nil {
		return nil, fmt.Errorf("failed to create state manager: %w", err)
	}

	pub, err := publisher.New(log.WithField("component", "publisher"), &config.Publisher)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}

	p, err := processor.NewManager(
		log.WithField("component", "processor"),
		&config.Processors,
		pool,
		stateManager,
		redisClient,
		config.Redis.Prefix,
		pub,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create processor manager: %w", err)
	}

	s := &Server{
		config:         config,
		log:            log,
		namespace:      namespace,
		redis:          redisClient,
		pool:           pool,
		state:          stateManager,
		publisher:      pub,
		processor:      p,
		memory:         NewMemoryStatsCollector(log, config.MemoryMonitor),
		tracerShutdown: func(context.Context) error { return nil },
	}

	if config.API.Addr != nil {
		if err := s.buildAPIServer(ctx); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// buildAPIServer opens the read handle on the traces table when that
// processor is enabled. Without it only the queue and status routes exist.
func (s *Server) buildAPIServer(ctx context.Context) error {
	var store api.TraceStore

	if tracesCfg := s.config.Processors.Traces; tracesCfg.Enabled {
		db, err := clickhouse.OpenDB(ctx, &tracesCfg.Config)
		if err != nil {
			return fmt.Errorf("failed to open trace store: %w", err)
		}

		s.traceDB = db
		store = tracestore.NewReader(db, tracesCfg.Table)
	}

	mux := http.NewServeMux()
	api.NewHandler(s.log.WithField("component", "api"), s.processor, store, s.state).
		WithContractLookup(s.receiptContractAddress).
		RegisterRoutes(mux)

	s.apiServer = &http.Server{
		Addr:              *s.config.API.Addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return nil
}

// receiptContractAddress reads a receipt from whichever node is healthy.
func (s *Server) receiptContractAddress(ctx context.Context, hash trace.Hash) (trace.Address, error) {
	node := s.pool.GetHealthyExecutionNode()
	if node == nil {
		return "", ethereum.ErrNoHealthyNode
	}

	return node.ReceiptContractAddress(ctx, hash)
}

func (s *Server) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.InitTracer(ctx, &s.config.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}

	s.tracerShutdown = shutdown

	s.metricsServer = s.newMetricsServer()

	if s.config.PProfAddr != nil {
		s.pprofServer = &http.Server{
			Addr:              *s.config.PProfAddr,
			Handler:           http.DefaultServeMux,
			ReadHeaderTimeout: readHeaderTimeout,
		}
	}

	if s.config.HealthCheckAddr != nil {
		s.healthServer = &http.Server{
			Addr: *s.config.HealthCheckAddr,
			Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			}),
			ReadHeaderTimeout: readHeaderTimeout,
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	for name, srv := range map[string]*http.Server{
		"metrics":     s.metricsServer,
		"pprof":       s.pprofServer,
		"healthcheck": s.healthServer,
		"api":         s.apiServer,
	} {
		if srv == nil {
			continue
		}

		g.Go(func() error {
			return s.listen(name, srv)
		})
	}

	s.memory.Start(ctx)

	// Start ethereum pool
	g.Go(func() error {
		s.pool.Start(ctx)

		return nil
	})

	g.Go(func() error {
		return s.state.Start(ctx)
	})

	// Start processor
	g.Go(func() error {
		return s.processor.Start(ctx)
	})

	// Wait for shutdown signal
	g.Go(func() error {
		<-ctx.Done()

		return s.stop(context.WithoutCancel(ctx))
	})

	return g.Wait()
}

func (s *Server) newMetricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:              s.config.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func (s *Server) listen(name string, srv *http.Server) error {
	s.log.WithField("addr", srv.Addr).Infof("Starting %s server", name)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}

	return nil
}

func (s *Server) stop(ctx context.Context) error {
	cleanupCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.log.Info("Starting graceful shutdown...")

	// Stop intake before the components the API and workers depend on.
	if s.apiServer != nil {
		if err := s.apiServer.Shutdown(cleanupCtx); err != nil {
			s.log.WithError(err).Error("failed to shutdown api server")
		}
	}

	if s.processor != nil {
		s.log.Info("Stopping processor...")

		if err := s.processor.Stop(cleanupCtx); err != nil {
			s.log.WithError(err).Error("failed to stop processor")
		}
	}

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.log.WithError(err).Error("failed to close publisher")
		}
	}

	if s.state != nil {
		if err := s.state.Stop(cleanupCtx); err != nil {
			s.log.WithError(err).Error("failed to stop state manager")
		}
	}

	if s.pool != nil {
		if err := s.pool.Stop(cleanupCtx); err != nil {
			s.log.WithError(err).Error("failed to stop ethereum pool")
		}
	}

	if s.traceDB != nil {
		if err := s.traceDB.Close(); err != nil {
			s.log.WithError(err).Error("failed to close trace store")
		}
	}

	if s.redis != nil {
		s.log.Info("Closing Redis connection...")

		if err := s.redis.Close(); err != nil {
			s.log.WithError(err).Error("failed to close redis")
		}
	}

	s.memory.Stop()

	if err := s.tracerShutdown(cleanupCtx); err != nil {
		s.log.WithError(err).Error("failed to shutdown tracer")
	}

	for name, srv := range map[string]*http.Server{
		"pprof":       s.pprofServer,
		"healthcheck": s.healthServer,
		"metrics":     s.metricsServer,
	} {
		if srv == nil {
			continue
		}

		if err := srv.Shutdown(cleanupCtx); err != nil {
			s.log.WithError(err).Errorf("failed to shutdown %s server", name)
		}
	}

	s.log.Info("Worker stopped gracefully")

	return nil
}
