// Package embeddednats runs the embedded NATS server as a runner.Service so
// a single node needs no external bus.
package embeddednats

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/evstore/pkg/infrastructure/nats"
	"github.com/plaenen/evstore/pkg/observability"
	"github.com/plaenen/evstore/pkg/runner"
)

// Service wraps an embedded NATS server.
type Service struct {
	server      *nats.EmbeddedServer
	logger      *slog.Logger
	tracer      trace.Tracer
	natsOptions []nats.Option
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the logger for the service and the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer for the service.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// WithNATSOptions sets the options passed to nats.StartEmbeddedServer.
//
//	service := embeddednats.New(
//	    embeddednats.WithNATSOptions(
//	        nats.WithPort(4222),
//	        nats.WithServerName("node-1"),
//	    ),
//	)
func WithNATSOptions(opts ...nats.Option) Option {
	return func(s *Service) {
		s.natsOptions = opts
	}
}

// New creates an embedded NATS service.
func New(opts ...Option) *Service {
	s := &Service{
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
	return "embedded-nats"
}

// Start starts the embedded NATS server.
func (s *Service) Start(ctx context.Context) (err error) {
	_, span := observability.StartSpan(ctx, s.tracer, "embeddednats.Start")
	defer func() { observability.EndSpan(span, err) }()

	opts := append([]nats.Option{nats.WithLogger(s.logger)}, s.natsOptions...)
	srv, err := nats.StartEmbeddedServer(opts...)
	if err != nil {
		s.logger.Error("failed to start embedded NATS", "error", err)
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	s.server = srv

	span.SetAttributes(attribute.String("nats.url", srv.URL()))
	s.logger.Info("embedded NATS server started", "url", srv.URL())
	return nil
}

// Stop shuts the server down.
func (s *Service) Stop(ctx context.Context) error {
	if s.server != nil {
		s.server.Shutdown()
		s.logger.Info("embedded NATS server stopped")
	}
	return nil
}

// HealthCheck verifies the server accepts connections.
func (s *Service) HealthCheck(ctx context.Context) (err error) {
	_, span := observability.StartSpan(ctx, s.tracer, "embeddednats.HealthCheck")
	defer func() { observability.EndSpan(span, err) }()

	if s.server == nil {
		return fmt.Errorf("nats server not started")
	}

	nc, err := nats.ConnectToEmbedded(s.server)
	if err != nil {
		return fmt.Errorf("nats server not responsive: %w", err)
	}
	nc.Close()
	return nil
}

// URL returns the client URL. Empty until Start succeeds.
func (s *Service) URL() string {
	if s.server == nil {
		return ""
	}
	return s.server.URL()
}

// Server returns the underlying embedded server.
func (s *Service) Server() *nats.EmbeddedServer {
	return s.server
}

var (
	_ runner.Service       = (*Service)(nil)
	_ runner.HealthChecker = (*Service)(nil)
)
