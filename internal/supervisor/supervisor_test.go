package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sedaprotocol/seda-evm-pusher/internal/eventbus"
	"github.com/sedaprotocol/seda-evm-pusher/pkg/models"
)

type fakeScheduler struct {
	startErr  error
	startCalls int
	stopCalls  int
	stats      models.SchedulerStats

	// push, when set, lets Stop record how many times push.Stop had run
	// by the moment the scheduler was stopped.
	push                *fakePushService
	pushStopsSeenAtStop int
}

func (f *fakeScheduler) Start(ctx context.Context) error { f.startCalls++; return f.startErr }
func (f *fakeScheduler) Stop() {
	f.stopCalls++
	if f.push != nil {
		f.pushStopsSeenAtStop = f.push.stopCalls
	}
}
func (f *fakeScheduler) Stats() models.SchedulerStats     { return f.stats }

type fakeTracker struct {
	runCalls int
}

func (f *fakeTracker) Run(ctx context.Context) {
	f.runCalls++
	<-ctx.Done()
}
func (f *fakeTracker) TrackedCount() int { return 0 }

type fakePushService struct {
	startCalls, stopCalls int
	pending, failed       int
}

func (f *fakePushService) Start(ctx context.Context) { f.startCalls++ }
func (f *fakePushService) Stop()                     { f.stopCalls++ }
func (f *fakePushService) PendingCount() int         { return f.pending }
func (f *fakePushService) FailedCount() int          { return f.failed }

type fakeChains struct {
	health map[string]models.HealthStatus
	stats  map[string]models.ChainExecutorStats
}

func (f *fakeChains) CheckHealth(ctx context.Context) map[string]models.HealthStatus { return f.health }
func (f *fakeChains) ChainStats() map[string]models.ChainExecutorStats               { return f.stats }

func newTestSupervisor() (*Supervisor, *fakeScheduler, *fakeTracker, *fakePushService, *fakeChains) {
	logger := zerolog.Nop()
	sched := &fakeScheduler{}
	trk := &fakeTracker{}
	psh := &fakePushService{}
	chains := &fakeChains{health: map[string]models.HealthStatus{"chain-a": models.HealthHealthy}}
	s := New(DefaultConfig(), sched, trk, psh, chains, nil, &logger)
	return s, sched, trk, psh, chains
}

func TestInitTransitionsToInitialized(t *testing.T) {
	s, _, _, _, _ := newTestSupervisor()
	require.Equal(t, StateUninitialized, s.State())
	require.NoError(t, s.Init())
	require.Equal(t, StateInitialized, s.State())
}

func TestInitIsIdempotent(t *testing.T) {
	s, _, _, _, _ := newTestSupervisor()
	require.NoError(t, s.Init())
	require.NoError(t, s.Init()) // second call is a no-op, not an error
	require.Equal(t, StateInitialized, s.State())
}

func TestStartRequiresInitialized(t *testing.T) {
	s, _, _, _, _ := newTestSupervisor()
	err := s.Start(context.Background())
	require.Error(t, err)
}

func TestStartTransitionsToRunningAndLaunchesSubServices(t *testing.T) {
	s, sched, trk, psh, _ := newTestSupervisor()
	require.NoError(t, s.Init())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	require.Equal(t, StateRunning, s.State())
	require.Equal(t, 1, sched.startCalls)
	require.Equal(t, 1, psh.startCalls)

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, trk.runCalls)

	s.Shutdown(context.Background())
}

func TestStartRevertsToInitializedWhenSchedulerFailsToStart(t *testing.T) {
	s, sched, _, psh, _ := newTestSupervisor()
	require.NoError(t, s.Init())
	sched.startErr = errors.New("rpc dial failed")

	err := s.Start(context.Background())
	require.Error(t, err)
	require.Equal(t, StateInitialized, s.State())
	require.Equal(t, 0, psh.startCalls, "push service must not start when the scheduler failed to")

	// A retry after fixing the underlying problem must actually start, not
	// be treated as an idempotent no-op against a stuck Running state.
	sched.startErr = nil
	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, StateRunning, s.State())
	require.Equal(t, 1, psh.startCalls)

	s.Shutdown(context.Background())
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	s, sched, _, _, _ := newTestSupervisor()
	require.NoError(t, s.Init())
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx)) // no-op, no error
	require.Equal(t, 1, sched.startCalls)
	s.Shutdown(context.Background())
}

func TestShutdownStopsPushBeforeScheduler(t *testing.T) {
	s, sched, _, psh, _ := newTestSupervisor()
	sched.push = psh
	require.NoError(t, s.Init())
	require.NoError(t, s.Start(context.Background()))

	report := s.Shutdown(context.Background())
	require.False(t, report.TimedOut)
	require.Equal(t, 1, psh.stopCalls)
	require.Equal(t, 1, sched.stopCalls)
	require.Equal(t, 1, sched.pushStopsSeenAtStop, "push service must already be stopped when the scheduler stops")
	require.Equal(t, StateShutDown, s.State())
}

func TestShutdownIsIdempotent(t *testing.T) {
	s, _, _, _, _ := newTestSupervisor()
	require.NoError(t, s.Init())
	require.NoError(t, s.Start(context.Background()))

	s.Shutdown(context.Background())
	second := s.Shutdown(context.Background())
	require.Equal(t, ShutdownReport{}, second)
}

func TestAggregateHealthAllHealthyIsHealthy(t *testing.T) {
	result := AggregateHealth([]models.HealthStatus{models.HealthHealthy, models.HealthHealthy})
	require.Equal(t, models.HealthHealthy, result)
}

func TestAggregateHealthZeroHealthyIsUnhealthy(t *testing.T) {
	result := AggregateHealth([]models.HealthStatus{models.HealthUnhealthy, models.HealthDegraded})
	require.Equal(t, models.HealthUnhealthy, result)
}

func TestAggregateHealthMixedIsDegraded(t *testing.T) {
	result := AggregateHealth([]models.HealthStatus{models.HealthHealthy, models.HealthUnhealthy})
	require.Equal(t, models.HealthDegraded, result)
}

func TestCheckHealthPublishesHealthCheckEvent(t *testing.T) {
	logger := zerolog.Nop()
	bus := eventbus.New(&logger)
	healthEvents := bus.Subscribe(models.TopicHealthCheck)

	sched := &fakeScheduler{}
	trk := &fakeTracker{}
	psh := &fakePushService{}
	chains := &fakeChains{health: map[string]models.HealthStatus{"chain-a": models.HealthHealthy}}
	s := New(DefaultConfig(), sched, trk, psh, chains, bus, &logger)

	overall := s.checkHealth(context.Background())
	require.Equal(t, models.HealthHealthy, overall)

	select {
	case ev := <-healthEvents:
		payload, ok := ev.Payload.(models.HealthCheckPayload)
		require.True(t, ok)
		require.Equal(t, models.HealthHealthy, payload.Overall)
	default:
		t.Fatal("expected a health-check event")
	}
}

func TestCheckHealthDegradedWhenPushHasFailedWithPending(t *testing.T) {
	logger := zerolog.Nop()
	bus := eventbus.New(&logger)
	degraded := bus.Subscribe(models.TopicHealthDegraded)

	sched := &fakeScheduler{}
	trk := &fakeTracker{}
	psh := &fakePushService{failed: 1, pending: 1}
	chains := &fakeChains{health: map[string]models.HealthStatus{"chain-a": models.HealthHealthy}}
	s := New(DefaultConfig(), sched, trk, psh, chains, bus, &logger)

	overall := s.checkHealth(context.Background())
	require.Equal(t, models.HealthDegraded, overall)

	select {
	case ev := <-degraded:
		require.Equal(t, models.TopicHealthDegraded, ev.Topic)
	default:
		t.Fatal("expected a health-degraded event")
	}
}

func TestCheckHealthEmitsAlertWhenSuccessRateBelowThreshold(t *testing.T) {
	logger := zerolog.Nop()
	bus := eventbus.New(&logger)
	errs := bus.Subscribe(models.TopicServiceError)

	sched := &fakeScheduler{}
	trk := &fakeTracker{}
	psh := &fakePushService{}
	chains := &fakeChains{
		health: map[string]models.HealthStatus{"chain-a": models.HealthHealthy},
		stats:  map[string]models.ChainExecutorStats{"chain-a": {Total: 10, Successful: 5, Failed: 5}},
	}
	s := New(DefaultConfig(), sched, trk, psh, chains, bus, &logger)

	s.checkHealth(context.Background())

	select {
	case ev := <-errs:
		payload, ok := ev.Payload.(models.ServiceErrorPayload)
		require.True(t, ok)
		require.Equal(t, "success-rate-below-threshold", payload.Reason)
		require.Equal(t, "chain:chain-a", payload.Source)
	default:
		t.Fatal("expected a service-error alert event for the breached success rate")
	}
}

func TestCheckHealthEmitsAlertWhenConsecutiveFailuresExceedThreshold(t *testing.T) {
	logger := zerolog.Nop()
	bus := eventbus.New(&logger)
	errs := bus.Subscribe(models.TopicServiceError)

	sched := &fakeScheduler{}
	trk := &fakeTracker{}
	psh := &fakePushService{}
	chains := &fakeChains{
		health: map[string]models.HealthStatus{"chain-a": models.HealthHealthy},
		stats:  map[string]models.ChainExecutorStats{"chain-a": {Total: 5, Successful: 5, ConsecutiveFailures: 4}},
	}
	s := New(DefaultConfig(), sched, trk, psh, chains, bus, &logger)

	s.checkHealth(context.Background())

	select {
	case ev := <-errs:
		payload, ok := ev.Payload.(models.ServiceErrorPayload)
		require.True(t, ok)
		require.Equal(t, "consecutive-failures-above-threshold", payload.Reason)
	default:
		t.Fatal("expected a service-error alert event for consecutive failures")
	}
}

func TestCheckHealthNoAlertWhenWithinThresholds(t *testing.T) {
	logger := zerolog.Nop()
	bus := eventbus.New(&logger)
	errs := bus.Subscribe(models.TopicServiceError)

	sched := &fakeScheduler{}
	trk := &fakeTracker{}
	psh := &fakePushService{}
	chains := &fakeChains{
		health: map[string]models.HealthStatus{"chain-a": models.HealthHealthy},
		stats:  map[string]models.ChainExecutorStats{"chain-a": {Total: 10, Successful: 10}},
	}
	s := New(DefaultConfig(), sched, trk, psh, chains, bus, &logger)

	s.checkHealth(context.Background())

	select {
	case ev := <-errs:
		t.Fatalf("expected no alert event, got %+v", ev)
	default:
	}
}
