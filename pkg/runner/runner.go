// Package runner manages the lifecycle of long-lived services: ordered
// startup, signal-driven graceful shutdown in reverse order, and health
// checks.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Runner starts services in registration order and stops them in reverse.
type Runner struct {
	services        []Service
	logger          *slog.Logger
	shutdownTimeout time.Duration
	startupTimeout  time.Duration
	handleSignals   bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithShutdownTimeout bounds the graceful shutdown. Default 30s.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.shutdownTimeout = timeout
	}
}

// WithStartupTimeout bounds each service's Start. Default 1m.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.startupTimeout = timeout
	}
}

// WithoutSignalHandling disables the SIGINT/SIGTERM trap. The caller then
// controls shutdown solely through the context passed to Run.
func WithoutSignalHandling() Option {
	return func(r *Runner) {
		r.handleSignals = false
	}
}

// New returns a runner managing the given services.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		shutdownTimeout: 30 * time.Second,
		startupTimeout:  time.Minute,
		handleSignals:   true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts every service and blocks until the context is cancelled, a
// termination signal arrives, or a start fails. Services already running
// are always stopped, in reverse order, before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	if r.handleSignals {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
	}

	r.logger.Info("starting services", "count", len(r.services))
	var started []Service

	for _, service := range r.services {
		r.logger.Info("starting service", "service", service.Name())

		startCtx, cancel := context.WithTimeout(ctx, r.startupTimeout)
		err := service.Start(startCtx)
		cancel()

		if err != nil {
			r.logger.Error("failed to start service",
				"service", service.Name(), "error", err)
			stopErr := r.stopServices(started)
			return errors.Join(
				fmt.Errorf("failed to start service %s: %w", service.Name(), err),
				stopErr,
			)
		}
		started = append(started, service)
	}

	r.logger.Info("all services started")
	<-ctx.Done()

	r.logger.Info("shutting down", "timeout", r.shutdownTimeout)
	return r.stopServices(started)
}

// stopServices stops the given services one at a time in reverse start
// order, so dependents shut down before what they depend on. A service that
// outlives the shutdown timeout abandons the remaining stops.
func (r *Runner) stopServices(services []Service) error {
	if len(services) == 0 {
		return nil
	}

	// Run's context is already done by the time shutdown begins.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		service := services[i]
		r.logger.Info("stopping service", "service", service.Name())

		stopped := make(chan error, 1)
		go func() { stopped <- service.Stop(shutdownCtx) }()

		select {
		case err := <-stopped:
			if err != nil {
				r.logger.Error("failed to stop service",
					"service", service.Name(), "error", err)
				errs = append(errs, fmt.Errorf("failed to stop service %s: %w", service.Name(), err))
				continue
			}
			r.logger.Info("service stopped", "service", service.Name())
		case <-shutdownCtx.Done():
			r.logger.Error("shutdown timeout exceeded", "timeout", r.shutdownTimeout)
			errs = append(errs, fmt.Errorf("shutdown timed out after %s stopping service %s",
				r.shutdownTimeout, service.Name()))
			return errors.Join(errs...)
		}
	}
	return errors.Join(errs...)
}

// HealthCheck probes every service implementing HealthChecker.
func (r *Runner) HealthCheck(ctx context.Context) error {
	for _, service := range r.services {
		hc, ok := service.(HealthChecker)
		if !ok {
			continue
		}
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("service %s is unhealthy: %w", service.Name(), err)
		}
	}
	return nil
}
