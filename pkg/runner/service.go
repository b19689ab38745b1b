package runner

import "context"

// Service is a component with a managed lifecycle. Start blocks until the
// service is ready; Stop blocks until it has shut down. Both must respect
// context cancellation.
type Service interface {
	// Name identifies the service in logs and errors.
	Name() string

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// HealthChecker is an optional extension reporting service health.
type HealthChecker interface {
	Service

	// HealthCheck returns an error when the service is unhealthy.
	HealthCheck(ctx context.Context) error
}

// NewService adapts a pair of functions into a Service. A nil start or stop
// is treated as an immediate success, so components that only need teardown
// can pass start as nil.
func NewService(name string, start, stop func(ctx context.Context) error) Service {
	return &funcService{name: name, start: start, stop: stop}
}

type funcService struct {
	name  string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

func (s *funcService) Name() string { return s.name }

func (s *funcService) Start(ctx context.Context) error {
	if s.start == nil {
		return nil
	}
	return s.start(ctx)
}

func (s *funcService) Stop(ctx context.Context) error {
	if s.stop == nil {
		return nil
	}
	return s.stop(ctx)
}
