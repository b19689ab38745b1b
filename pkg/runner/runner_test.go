package runner_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventcore/pkg/runner"
)

// recorder keeps the lifecycle calls of all services in one ordered log.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type testService struct {
	name      string
	rec       *recorder
	started   chan struct{}
	startErr  error
	stopErr   error
	healthErr error
}

func newTestService(name string, rec *recorder) *testService {
	return &testService{name: name, rec: rec, started: make(chan struct{})}
}

func (s *testService) Name() string { return s.name }

func (s *testService) Start(context.Context) error {
	s.rec.add("start " + s.name)
	close(s.started)
	return s.startErr
}

func (s *testService) Stop(context.Context) error {
	s.rec.add("stop " + s.name)
	return s.stopErr
}

func (s *testService) HealthCheck(context.Context) error {
	return s.healthErr
}

func TestRunStartsInOrderAndStopsInReverse(t *testing.T) {
	rec := &recorder{}
	a := newTestService("a", rec)
	b := newTestService("b", rec)

	r := runner.New([]runner.Service{a, b},
		runner.WithoutSignalHandling(),
		runner.WithShutdownTimeout(time.Second),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	select {
	case <-b.started:
	case <-time.After(time.Second):
		t.Fatal("services did not start in time")
	}
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runner did not shut down in time")
	}

	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, rec.all())
}

func TestRunStopsStartedServicesWhenAStartFails(t *testing.T) {
	rec := &recorder{}
	a := newTestService("a", rec)
	b := newTestService("b", rec)
	b.startErr = errors.New("port in use")
	c := newTestService("c", rec)

	r := runner.New([]runner.Service{a, b, c},
		runner.WithoutSignalHandling(),
		runner.WithShutdownTimeout(time.Second),
	)

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "failed to start service b")

	assert.Equal(t, []string{"start a", "start b", "stop a"}, rec.all())
}

func TestRunCollectsStopErrors(t *testing.T) {
	rec := &recorder{}
	a := newTestService("a", rec)
	a.stopErr = errors.New("flush failed")
	b := newTestService("b", rec)

	r := runner.New([]runner.Service{a, b},
		runner.WithoutSignalHandling(),
		runner.WithShutdownTimeout(time.Second),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	<-b.started
	cancel()

	err := <-errCh
	require.Error(t, err)
	assert.ErrorContains(t, err, "failed to stop service a")
	// The failing stop does not prevent the other service from stopping.
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, rec.all())
}

func TestRunAbandonsShutdownAfterTimeout(t *testing.T) {
	rec := &recorder{}
	a := newTestService("a", rec)
	slow := runner.NewService("slow", nil, func(context.Context) error {
		time.Sleep(500 * time.Millisecond)
		return nil
	})

	r := runner.New([]runner.Service{a, slow},
		runner.WithoutSignalHandling(),
		runner.WithShutdownTimeout(50*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	<-a.started
	cancel()

	err := <-errCh
	require.Error(t, err)
	assert.ErrorContains(t, err, "shutdown timed out")
	// The slow service blocked the shutdown, so a was never stopped.
	assert.Equal(t, []string{"start a"}, rec.all())
}

func TestHealthCheckProbesCheckableServices(t *testing.T) {
	rec := &recorder{}
	a := newTestService("a", rec)
	plain := runner.NewService("plain", nil, nil)

	r := runner.New([]runner.Service{a, plain}, runner.WithoutSignalHandling())
	require.NoError(t, r.HealthCheck(context.Background()))

	a.healthErr = errors.New("disk full")
	err := r.HealthCheck(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "service a is unhealthy")
}
