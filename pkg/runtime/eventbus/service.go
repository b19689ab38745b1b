// Package eventbus runs an embedded NATS server and a JetStream event bus
// as one runner.Service, for single-binary deployments that want the bus
// without an external broker.
package eventbus

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/plaenen/eventcore/pkg/nats"
	"github.com/plaenen/eventcore/pkg/observability"
	"github.com/plaenen/eventcore/pkg/runner"
)

// Service owns an embedded NATS server and the event bus connected to it.
// Start brings both up; Stop closes the bus before shutting the server
// down.
type Service struct {
	config nats.Config
	server *nats.EmbeddedServer
	bus    *nats.EventBus
	logger *slog.Logger
	tracer trace.Tracer
}

var (
	_ runner.Service       = (*Service)(nil)
	_ runner.HealthChecker = (*Service)(nil)
)

// Option configures the Service.
type Option func(*Service)

// WithConfig sets the bus configuration. The URL is ignored and replaced
// with the embedded server's URL.
func WithConfig(config nats.Config) Option {
	return func(s *Service) {
		s.config = config
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTracer sets the tracer for lifecycle spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// New returns an eventbus service for use with runner.
func New(opts ...Option) *Service {
	s := &Service{
		config: nats.DefaultConfig(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer: noop.NewTracerProvider().Tracer("eventbus"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name identifies the service in runner logs.
func (s *Service) Name() string {
	return "eventbus"
}

// Start starts the embedded server and connects the event bus to it.
func (s *Service) Start(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "eventbus.Start")
	defer span.End()

	srv, err := nats.StartEmbeddedServer()
	if err != nil {
		observability.SetSpanError(ctx, err)
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	s.server = srv
	s.config.URL = srv.URL()

	bus, err := nats.NewEventBus(s.config)
	if err != nil {
		srv.Shutdown()
		s.server = nil
		observability.SetSpanError(ctx, err)
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	s.bus = bus

	span.SetAttributes(
		attribute.String("nats.url", srv.URL()),
		attribute.String("stream.name", s.config.StreamName),
	)
	s.logger.Info("event bus started",
		"url", srv.URL(), "stream", s.config.StreamName)
	return nil
}

// Stop closes the bus, then shuts the server down.
func (s *Service) Stop(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "eventbus.Stop")
	defer span.End()

	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.logger.Warn("failed to close event bus", "error", err)
		}
		s.bus = nil
	}
	if s.server != nil {
		s.server.Shutdown()
		s.server = nil
	}
	s.logger.Info("event bus stopped")
	return nil
}

// HealthCheck verifies the server accepts connections.
func (s *Service) HealthCheck(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "eventbus.HealthCheck")
	defer span.End()

	if s.server == nil || s.bus == nil {
		err := fmt.Errorf("event bus not started")
		observability.SetSpanError(ctx, err)
		return err
	}

	nc, err := nats.ConnectToEmbedded(s.server)
	if err != nil {
		observability.SetSpanError(ctx, err)
		return fmt.Errorf("NATS server not responsive: %w", err)
	}
	nc.Close()
	return nil
}

// EventBus returns the bus. Only available after Start succeeds.
func (s *Service) EventBus() *nats.EventBus {
	return s.bus
}

// URL returns the embedded server's connection URL. Only available after
// Start succeeds.
func (s *Service) URL() string {
	if s.server == nil {
		return ""
	}
	return s.server.URL()
}
