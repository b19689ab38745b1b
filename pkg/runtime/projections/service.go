// Package projections runs a projection manager as a runner.Service: Start
// brings the configured projections online, Stop cancels them and waits for
// their subscriptions to be released.
package projections

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/plaenen/eventcore/pkg/observability"
	"github.com/plaenen/eventcore/pkg/projection"
	"github.com/plaenen/eventcore/pkg/runner"
)

// Service starts a fixed set of registered projections and stops them on
// shutdown.
type Service struct {
	manager *projection.Manager
	names   []string
	rebuild bool
	logger  *slog.Logger
	tracer  trace.Tracer
}

var _ runner.Service = (*Service)(nil)

// Option configures the Service.
type Option func(*Service)

// WithRebuildOnStart rebuilds every projection from history before starting
// it. Meant for read models that live in memory and vanish on restart.
func WithRebuildOnStart() Option {
	return func(s *Service) {
		s.rebuild = true
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

// New returns a service running the named projections on manager. The
// projections must already be registered.
func New(manager *projection.Manager, names []string, opts ...Option) *Service {
	s := &Service{
		manager: manager,
		names:   names,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:  noop.NewTracerProvider().Tracer("projections"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name identifies the service in runner logs.
func (s *Service) Name() string {
	return "projections"
}

// Start optionally rebuilds, then starts, every configured projection.
func (s *Service) Start(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "projections.Start")
	defer span.End()

	// Subscriptions must outlive the startup context; their lifetime is
	// controlled by Stop.
	runCtx := context.WithoutCancel(ctx)

	for _, name := range s.names {
		if s.rebuild {
			s.logger.Info("rebuilding projection", "projection", name)
			if err := s.manager.Rebuild(ctx, name); err != nil {
				observability.SetSpanError(ctx, err)
				return fmt.Errorf("failed to rebuild projection %q: %w", name, err)
			}
		}
		if err := s.manager.Start(runCtx, name); err != nil {
			observability.SetSpanError(ctx, err)
			return fmt.Errorf("failed to start projection %q: %w", name, err)
		}
		s.logger.Info("projection started", "projection", name)
	}

	span.SetAttributes(attribute.Int("projections.count", len(s.names)))
	return nil
}

// Stop cancels all running projections and waits until their subscriptions
// are released.
func (s *Service) Stop(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "projections.Stop")
	defer span.End()

	s.manager.StopAll()
	s.logger.Info("projections stopped")
	return nil
}
