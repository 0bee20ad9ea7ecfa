// Package supervisor implements the Supervisor (C11): the lifecycle
// state machine owning the scheduler, completion tracker, and push
// service as a single unit, plus the periodic health-aggregation loop
// and ordered graceful shutdown.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sedaprotocol/seda-evm-pusher/internal/eventbus"
	"github.com/sedaprotocol/seda-evm-pusher/pkg/models"
)

// State is one of the supervisor's lifecycle states (§4.11).
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitialized    State = "initialized"
	StateRunning        State = "running"
	StateStopped        State = "stopped"
	StateShutDown       State = "shut_down"
)

// schedulerService is the slice of *scheduler.Scheduler the supervisor
// depends on.
type schedulerService interface {
	Start(ctx context.Context) error
	Stop()
	Stats() models.SchedulerStats
}

// trackerService is the slice of *tracker.Tracker the supervisor depends
// on. Run blocks until ctx is canceled, matching the teacher's syncer
// loop shape; the supervisor owns the context that bounds it.
type trackerService interface {
	Run(ctx context.Context)
	TrackedCount() int
}

// pushServiceIface is the slice of *push.Service the supervisor depends
// on.
type pushServiceIface interface {
	Start(ctx context.Context)
	Stop()
	PendingCount() int
	FailedCount() int
}

// chainHealthChecker is the slice of *chainmanager.Manager the supervisor
// depends on for per-chain liveness and running push statistics.
type chainHealthChecker interface {
	CheckHealth(ctx context.Context) map[string]models.HealthStatus
	ChainStats() map[string]models.ChainExecutorStats
}

// AlertThresholds holds the monitoring.alerts config (§6, §12 "Alert
// thresholds"). A zero value for any field disables that particular
// check.
type AlertThresholds struct {
	MinSuccessRatePercent  float64
	MaxAveragePushTimeMs   int64
	MaxConsecutiveFailures int
}

// Config holds the supervisor's lifecycle/health timing (§6 "Supervisor").
type Config struct {
	GracefulShutdownTimeout time.Duration
	HealthCheckInterval     time.Duration
	Alerts                  AlertThresholds
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		GracefulShutdownTimeout: 30 * time.Second,
		HealthCheckInterval:     30 * time.Second,
		Alerts: AlertThresholds{
			MinSuccessRatePercent:  90.0,
			MaxAveragePushTimeMs:   30000,
			MaxConsecutiveFailures: 3,
		},
	}
}

// ShutdownReport summarizes what happened during a Shutdown call.
type ShutdownReport struct {
	TimedOut          bool
	SchedulerStats    models.SchedulerStats
	PendingAtShutdown int
	FailedAtShutdown  int
	Duration          time.Duration
}

// Supervisor owns C5/C6/C10's lifetime as a single unit (§4.11). Its
// state transitions and running flag are guarded by mu; re-entrant calls
// to any lifecycle method are no-ops.
type Supervisor struct {
	cfg      Config
	scheduler schedulerService
	tracker   trackerService
	push      pushServiceIface
	chains    chainHealthChecker
	bus       *eventbus.Bus
	logger    *zerolog.Logger

	mu    sync.Mutex
	state State

	healthCancel context.CancelFunc
	trackerCancel context.CancelFunc
	wg           sync.WaitGroup

	lastHealthMu sync.Mutex
	lastHealth   models.HealthStatus
}

// New constructs a Supervisor in the Uninitialized state.
func New(cfg Config, scheduler schedulerService, tracker trackerService, push pushServiceIface, chains chainHealthChecker, bus *eventbus.Bus, logger *zerolog.Logger) *Supervisor {
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = 30 * time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	return &Supervisor{
		cfg:       cfg,
		scheduler: scheduler,
		tracker:   tracker,
		push:      push,
		chains:    chains,
		bus:       bus,
		logger:    logger,
		state:     StateUninitialized,
		lastHealth: models.HealthHealthy,
	}
}

// Init transitions Uninitialized -> Initialized. Idempotent: calling Init
// again from any state other than Uninitialized logs a warning and
// returns nil without changing state.
func (s *Supervisor) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUninitialized {
		if s.logger != nil {
			s.logger.Warn().Str("state", string(s.state)).Msg("supervisor: Init called outside Uninitialized state, ignoring")
		}
		return nil
	}

	s.state = StateInitialized
	s.publishLocked(models.TopicInitialized, "supervisor")
	return nil
}

// Start transitions Initialized -> Running: launches the tracker's poll
// loop, the scheduler, the push service, and the health loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateInitialized {
		if s.state == StateRunning {
			s.mu.Unlock()
			if s.logger != nil {
				s.logger.Warn().Msg("supervisor: Start called while already running, ignoring")
			}
			return nil
		}
		s.mu.Unlock()
		return fmt.Errorf("supervisor: Start requires Initialized state, got %s", s.state)
	}

	trackerCtx, trackerCancel := context.WithCancel(ctx)
	s.trackerCancel = trackerCancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tracker.Run(trackerCtx)
	}()

	if err := s.scheduler.Start(ctx); err != nil {
		trackerCancel()
		s.wg.Wait()
		s.mu.Lock()
		s.state = StateInitialized
		s.trackerCancel = nil
		s.mu.Unlock()
		return fmt.Errorf("supervisor: scheduler failed to start: %w", err)
	}
	s.push.Start(ctx)

	healthCtx, healthCancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.healthCancel = healthCancel
	s.state = StateRunning
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.healthLoop(healthCtx)
	}()

	s.publishLocked(models.TopicStarted, "supervisor")
	return nil
}

// healthLoop polls checkHealth every cfg.HealthCheckInterval (§4.11).
func (s *Supervisor) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHealth(ctx)
		}
	}
}

// checkHealth aggregates sub-service health per §4.11's rule: healthy
// iff every sub-service is healthy, unhealthy iff zero are healthy,
// degraded otherwise. Emits health-check / health-degraded /
// health-check-failed (Testable Property 9).
func (s *Supervisor) checkHealth(ctx context.Context) models.HealthStatus {
	subSystems := map[string]models.HealthStatus{
		"scheduler": schedulerHealth(s.scheduler.Stats()),
		"tracker":   models.HealthHealthy, // the tracker surfaces failures via service-error events, not a health signal
		"push":      pushHealth(s.push.PendingCount(), s.push.FailedCount()),
		"chains":    AggregateHealth(valuesOf(s.chains.CheckHealth(ctx))),
	}

	overall := AggregateHealth(valuesOf(subSystems))

	s.lastHealthMu.Lock()
	s.lastHealth = overall
	s.lastHealthMu.Unlock()

	s.evaluateAlerts(s.chains.ChainStats())

	topic := models.TopicHealthCheck
	switch overall {
	case models.HealthDegraded:
		topic = models.TopicHealthDegraded
	case models.HealthUnhealthy:
		topic = models.TopicHealthCheckFailed
	}

	if s.bus != nil {
		s.bus.Publish(models.Event{
			Topic:     topic,
			Emitter:   "supervisor",
			Timestamp: time.Now(),
			Payload:   models.HealthCheckPayload{Overall: overall, SubSystems: subSystems},
		})
	}

	return overall
}

// evaluateAlerts checks each chain's running stats against cfg.Alerts
// (§6 "Alerts" / §12 "Alert thresholds") and emits a distinct
// service-error event per breach, independent of the plain
// healthy/degraded/unhealthy rollup above.
func (s *Supervisor) evaluateAlerts(stats map[string]models.ChainExecutorStats) {
	for chainName, st := range stats {
		if st.Total == 0 {
			continue
		}

		if s.cfg.Alerts.MinSuccessRatePercent > 0 {
			successRate := float64(st.Successful) / float64(st.Total) * 100
			if successRate < s.cfg.Alerts.MinSuccessRatePercent {
				s.emitAlert(chainName, "success-rate-below-threshold",
					fmt.Sprintf("success rate %.2f%% below minimum %.2f%%", successRate, s.cfg.Alerts.MinSuccessRatePercent))
			}
		}

		if s.cfg.Alerts.MaxAveragePushTimeMs > 0 {
			avgMs := st.TotalPushTime.Milliseconds() / int64(st.Total)
			if avgMs > s.cfg.Alerts.MaxAveragePushTimeMs {
				s.emitAlert(chainName, "average-push-time-above-threshold",
					fmt.Sprintf("average push time %dms above maximum %dms", avgMs, s.cfg.Alerts.MaxAveragePushTimeMs))
			}
		}

		if s.cfg.Alerts.MaxConsecutiveFailures > 0 && st.ConsecutiveFailures > s.cfg.Alerts.MaxConsecutiveFailures {
			s.emitAlert(chainName, "consecutive-failures-above-threshold",
				fmt.Sprintf("%d consecutive failures above maximum %d", st.ConsecutiveFailures, s.cfg.Alerts.MaxConsecutiveFailures))
		}
	}
}

func (s *Supervisor) emitAlert(chainName, reason, detail string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(models.Event{
		Topic:     models.TopicServiceError,
		Emitter:   "supervisor",
		Timestamp: time.Now(),
		Payload:   models.ServiceErrorPayload{Source: "chain:" + chainName, Reason: reason, Detail: detail},
	})
}

// AggregateHealth implements §4.11's health-aggregation rule generically,
// reused for both the supervisor-level rollup and the chain-manager-level
// rollup over individual chains (Testable Property 9).
func AggregateHealth(statuses []models.HealthStatus) models.HealthStatus {
	if len(statuses) == 0 {
		return models.HealthHealthy
	}

	healthyCount := 0
	for _, st := range statuses {
		if st == models.HealthHealthy {
			healthyCount++
		}
	}

	switch {
	case healthyCount == len(statuses):
		return models.HealthHealthy
	case healthyCount == 0:
		return models.HealthUnhealthy
	default:
		return models.HealthDegraded
	}
}

func valuesOf(m map[string]models.HealthStatus) []models.HealthStatus {
	out := make([]models.HealthStatus, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func schedulerHealth(stats models.SchedulerStats) models.HealthStatus {
	if stats.TotalRequests == 0 {
		return models.HealthHealthy
	}
	if stats.FailedRequests == stats.TotalRequests {
		return models.HealthUnhealthy
	}
	if stats.FailedRequests > 0 {
		return models.HealthDegraded
	}
	return models.HealthHealthy
}

func pushHealth(pending, failed int) models.HealthStatus {
	if failed == 0 {
		return models.HealthHealthy
	}
	if pending == 0 {
		return models.HealthUnhealthy
	}
	return models.HealthDegraded
}

// LastHealth returns the most recently computed overall health without
// triggering a new check.
func (s *Supervisor) LastHealth() models.HealthStatus {
	s.lastHealthMu.Lock()
	defer s.lastHealthMu.Unlock()
	return s.lastHealth
}

// State returns the supervisor's current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Shutdown performs the ordered graceful-shutdown sequence (§4.11): stop
// health loop -> stop push service -> stop scheduler -> shut down
// executors in parallel (delegated to the caller via chains, which this
// package does not own) -> mark ShutDown. It transitions Running ->
// Stopped -> ShutDown. Idempotent: calling Shutdown again after ShutDown
// logs a warning and returns an empty report.
func (s *Supervisor) Shutdown(ctx context.Context) ShutdownReport {
	start := time.Now()

	s.mu.Lock()
	if s.state == StateShutDown {
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.Warn().Msg("supervisor: Shutdown called after ShutDown, ignoring")
		}
		return ShutdownReport{}
	}
	s.state = StateStopped
	healthCancel := s.healthCancel
	trackerCancel := s.trackerCancel
	s.mu.Unlock()

	if healthCancel != nil {
		healthCancel()
	}

	s.push.Stop()
	s.scheduler.Stop()

	if trackerCancel != nil {
		trackerCancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timedOut := false
	select {
	case <-done:
	case <-time.After(s.cfg.GracefulShutdownTimeout):
		timedOut = true
		if s.logger != nil {
			s.logger.Warn().Msg("supervisor: graceful shutdown timeout elapsed, abandoning in-flight work")
		}
	}

	report := ShutdownReport{
		TimedOut:          timedOut,
		SchedulerStats:    s.scheduler.Stats(),
		PendingAtShutdown: s.push.PendingCount(),
		FailedAtShutdown:  s.push.FailedCount(),
		Duration:          time.Since(start),
	}

	s.mu.Lock()
	s.state = StateShutDown
	s.mu.Unlock()

	s.publishLocked(models.TopicShutdown, "supervisor")
	s.publishLocked(models.TopicStopped, "supervisor")

	return report
}

func (s *Supervisor) publishLocked(topic models.EventTopic, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(models.Event{Topic: topic, Emitter: "supervisor", Timestamp: time.Now(), Payload: payload})
}
