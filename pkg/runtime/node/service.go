// Package node hosts one event store node as a runner.Service: a sqlite
// event log and snapshot cache, a NATS event bus and the replay
// coordinator.
//
//	nats := embeddednats.New()
//	n := node.New(cfg, node.WithEmbeddedNATS(nats))
//	runner.New([]runner.Service{nats, n}).Run(ctx)
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/evstore/pkg/config"
	"github.com/plaenen/evstore/pkg/eventstore"
	natsbus "github.com/plaenen/evstore/pkg/messaging/nats"
	"github.com/plaenen/evstore/pkg/observability"
	"github.com/plaenen/evstore/pkg/runner"
	"github.com/plaenen/evstore/pkg/runtime/embeddednats"
	"github.com/plaenen/evstore/pkg/security/credentials"
	"github.com/plaenen/evstore/pkg/store/sqlite"
)

// Service runs one node.
type Service struct {
	config   config.Config
	embedded *embeddednats.Service

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics

	log         *sqlite.EventStore
	cache       *sqlite.SnapshotCache
	credentials credentials.Provider
	bus         *natsbus.EventBus
	store       *eventstore.Store
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the logger for the node and everything it creates.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// WithMetrics records store metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Service) {
		s.metrics = metrics
	}
}

// WithEmbeddedNATS connects the bus to an embedded server instead of
// config.NATS.URL. The embedded service must be started first.
func WithEmbeddedNATS(embedded *embeddednats.Service) Option {
	return func(s *Service) {
		s.embedded = embedded
	}
}

// New creates a node from cfg.
func New(cfg config.Config, opts ...Option) *Service {
	s := &Service{
		config: cfg,
		logger: slog.Default(),
		tracer: observability.NoopTracer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the service name for logging.
func (s *Service) Name() string {
	return "evstore-node"
}

// Start opens the database, connects to the bus and starts the store.
// Whatever was opened is closed again when a later step fails.
func (s *Service) Start(ctx context.Context) (err error) {
	ctx, span := observability.StartSpan(ctx, s.tracer, "node.Start")
	defer func() { observability.EndSpan(span, err) }()

	defer func() {
		if err != nil {
			s.close()
		}
	}()

	s.log, err = sqlite.NewEventStore(ctx,
		sqlite.WithDSN(s.config.SQLite.DSN),
		sqlite.WithWALMode(s.config.SQLite.WAL),
	)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}

	s.cache, err = sqlite.NewSnapshotCache(ctx, s.log.DB())
	if err != nil {
		return fmt.Errorf("failed to open snapshot cache: %w", err)
	}

	busConfig := natsbus.DefaultConfig()
	busConfig.URL = s.config.NATS.URL
	busConfig.SubjectPrefix = s.config.NATS.SubjectPrefix
	if s.embedded != nil {
		if s.embedded.URL() == "" {
			return fmt.Errorf("embedded NATS server not started")
		}
		busConfig.URL = s.embedded.URL()
	}

	var opts []eventstore.Option
	if s.config.NodeID != "" {
		opts = append(opts, eventstore.WithNodeID(s.config.NodeID))
		busConfig.Name = s.config.NodeID
	}

	busOpts := []natsbus.Option{natsbus.WithLogger(s.logger)}
	s.credentials, err = s.natsCredentials(ctx)
	if err != nil {
		return err
	}
	if s.credentials != nil {
		busOpts = append(busOpts, natsbus.WithCredentials(s.credentials))
	}

	s.bus, err = natsbus.NewEventBus(ctx, busConfig, busOpts...)
	if err != nil {
		return fmt.Errorf("failed to connect event bus: %w", err)
	}

	s.store = eventstore.New(s.log, s.bus, append(opts,
		eventstore.WithLogger(s.logger),
		eventstore.WithTracer(s.tracer),
		eventstore.WithMetrics(s.metrics),
	)...)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event store: %w", err)
	}

	s.logger.Info("node started",
		"node_id", s.store.NodeID(),
		"nats_url", busConfig.URL,
		"sqlite_dsn", s.config.SQLite.DSN)
	return nil
}

// Stop closes the store, the bus and the database in that order.
func (s *Service) Stop(ctx context.Context) error {
	if err := s.close(); err != nil {
		return fmt.Errorf("failed to stop node: %w", err)
	}
	s.logger.Info("node stopped")
	return nil
}

func (s *Service) close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
		s.store = nil
	}
	if s.bus != nil {
		errs = append(errs, s.bus.Close())
		s.bus = nil
	}
	if s.credentials != nil {
		errs = append(errs, s.credentials.Close())
		s.credentials = nil
	}
	if s.log != nil {
		errs = append(errs, s.log.Close())
		s.log = nil
	}
	s.cache = nil
	return errors.Join(errs...)
}

// natsCredentials chains the configured sources in priority order: the
// sealed secret file, the token variable, then static config.
func (s *Service) natsCredentials(ctx context.Context) (credentials.Provider, error) {
	cfg := s.config.NATS
	var providers []credentials.Provider
	if cfg.SecretFile != "" {
		provider, err := credentials.NewSecretFileProvider(ctx, cfg.SecretKeeperURL, cfg.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open NATS credentials: %w", err)
		}
		providers = append(providers, provider)
	}
	if cfg.TokenEnv != "" {
		providers = append(providers, credentials.NewEnvTokenProvider(cfg.TokenEnv))
	}
	switch {
	case cfg.Token != "":
		providers = append(providers, credentials.NewStaticTokenProvider(cfg.Token, 0))
	case cfg.User != "":
		providers = append(providers, credentials.NewStaticUserPasswordProvider(cfg.User, cfg.Password))
	}

	switch len(providers) {
	case 0:
		return nil, nil
	case 1:
		return providers[0], nil
	default:
		return credentials.NewChainProvider(providers...), nil
	}
}

// HealthCheck verifies the database and the bus connection.
func (s *Service) HealthCheck(ctx context.Context) error {
	if s.store == nil {
		return fmt.Errorf("node not started")
	}
	if err := s.log.DB().PingContext(ctx); err != nil {
		return fmt.Errorf("event log unreachable: %w", err)
	}
	if !s.bus.Conn().IsConnected() {
		return fmt.Errorf("event bus disconnected: %s", s.bus.Conn().Status())
	}
	return nil
}

// Store returns the node's event store. Nil until Start succeeds.
func (s *Service) Store() *eventstore.Store {
	return s.store
}

// Cache returns the snapshot cache for aggregation engines.
func (s *Service) Cache() *sqlite.SnapshotCache {
	return s.cache
}

var (
	_ runner.Service       = (*Service)(nil)
	_ runner.HealthChecker = (*Service)(nil)
)
