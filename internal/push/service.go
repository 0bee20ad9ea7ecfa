// Package push implements the Push Service (C10): a long-running loop
// that discovers newly batch-ready batch numbers from the completion
// tracker's events, resolves each to a fully signed batch, fans the push
// out to every destination chain, and retries partial failures with
// bounded backoff.
package push

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/sedaprotocol/seda-evm-pusher/internal/eventbus"
	"github.com/sedaprotocol/seda-evm-pusher/pkg/models"
)

// batchFetcher is the slice of *batchfetcher.Fetcher the service depends
// on (narrowed to an interface per the teacher's program-to-the-interface
// convention already used in txexec/tracker).
type batchFetcher interface {
	FetchByNumber(ctx context.Context, batchNumber uint64) (models.BatchTrackingInfo, error)
}

// multiChainPusher is the slice of *chainmanager.Manager the service
// depends on.
type multiChainPusher interface {
	PushBatchToAllChains(ctx context.Context, info models.BatchTrackingInfo) models.MultiChainPushResult
}

// maxRetryAttempts bounds the failed-retry map per §4.10 step 3 / §5
// backpressure ("failed-retry map caps attempts at 3").
const maxRetryAttempts = 3

// retryBackoffBase/Cap implement §4.10's documented backoff:
// min(5000*2^(attempts-1), 60000) ms.
const (
	retryBackoffBase = 5 * time.Second
	retryBackoffCap  = 60 * time.Second
)

var queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "seda_pusher_push_queue_depth",
	Help: "Number of batch numbers currently pending or in the failed-retry map.",
})

// Config holds the push service's polling/backpressure settings (§6).
type Config struct {
	Interval     time.Duration // batchPolling.intervalMs
	BatchWindow  int           // batchPolling.batchWindow (dedup-set retention size)
	MaxBatchAge  time.Duration // batchPolling.maxBatchAgeMs
	MaxParallel  int           // concurrency.maxParallelChains (chunk size for draining pending)
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    10 * time.Second,
		BatchWindow: 100,
		MaxBatchAge: 30 * time.Minute,
		MaxParallel: 5,
	}
}

// seenEntry records when a batch number was first observed, per OQ2:
// aging uses firstSeenAt, never the batch number itself.
type seenEntry struct {
	firstSeenAt time.Time
}

// failedEntry tracks one batch's retry state in the failed-retry map
// (§4.10 step 3).
type failedEntry struct {
	attempts    int
	nextRetryAt time.Time
	lastResult  models.MultiChainPushResult
}

// Service is the Push Service. It exclusively owns the pending set,
// processed-batch dedup set, and failed-retry map (§5 "Mutable shared
// state and its guardians").
type Service struct {
	cfg     Config
	fetcher batchFetcher
	manager multiChainPusher
	bus     *eventbus.Bus
	logger  *zerolog.Logger

	mu      sync.Mutex
	pending map[uint64]seenEntry
	seen    map[uint64]seenEntry
	failed  map[uint64]*failedEntry

	runningMu sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New constructs a Push Service subscribed to the tracker's
// batch-discovered events via bus.
func New(cfg Config, fetcher batchFetcher, manager multiChainPusher, bus *eventbus.Bus, logger *zerolog.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 100
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 5
	}

	return &Service{
		cfg:     cfg,
		fetcher: fetcher,
		manager: manager,
		bus:     bus,
		logger:  logger,
		pending: make(map[uint64]seenEntry),
		seen:    make(map[uint64]seenEntry),
		failed:  make(map[uint64]*failedEntry),
	}
}

// Start launches the discovery subscription and the processing loop.
// Idempotent: a second call while already running logs a warning and
// returns immediately (§5 "re-entrant calls are no-ops").
func (s *Service) Start(ctx context.Context) {
	s.runningMu.Lock()
	if s.running {
		s.runningMu.Unlock()
		if s.logger != nil {
			s.logger.Warn().Msg("push: Start called while already running")
		}
		return
	}
	s.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.runningMu.Unlock()

	var discovered <-chan models.Event
	if s.bus != nil {
		discovered = s.bus.Subscribe(models.TopicBatchDiscovered)
	}

	s.publishEvent(models.TopicServiceStarted, "push")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(loopCtx, discovered)
	}()
}

// Stop cancels the processing loop and waits for it to exit. Idempotent.
func (s *Service) Stop() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		if s.logger != nil {
			s.logger.Warn().Msg("push: Stop called while not running")
		}
		return
	}
	s.running = false
	cancel := s.cancel
	s.runningMu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.publishEvent(models.TopicServiceStopped, "push")
}

func (s *Service) loop(ctx context.Context, discovered <-chan models.Event) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-discovered:
			if !ok {
				discovered = nil
				continue
			}
			s.handleDiscovered(ev)
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// handleDiscovered implements §4.10 step 1: insert previously-unseen
// batch numbers into the pending set.
func (s *Service) handleDiscovered(ev models.Event) {
	payload, ok := ev.Payload.(models.BatchDiscoveredPayload)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, alreadySeen := s.seen[payload.BatchNumber]; alreadySeen {
		return
	}
	now := time.Now()
	s.pending[payload.BatchNumber] = seenEntry{firstSeenAt: now}
	s.seen[payload.BatchNumber] = seenEntry{firstSeenAt: now}
	queueDepthGauge.Set(float64(len(s.pending) + len(s.failed)))
}

// tick runs steps 2-4 of §4.10: process queued, retry failed, cleanup.
func (s *Service) tick(ctx context.Context) {
	s.processQueued(ctx)
	s.retryFailed(ctx)
	s.cleanup()
}

func (s *Service) processQueued(ctx context.Context) {
	s.mu.Lock()
	numbers := make([]uint64, 0, len(s.pending))
	for n := range s.pending {
		numbers = append(numbers, n)
	}
	s.mu.Unlock()

	for chunkStart := 0; chunkStart < len(numbers); chunkStart += s.cfg.MaxParallel {
		chunkEnd := chunkStart + s.cfg.MaxParallel
		if chunkEnd > len(numbers) {
			chunkEnd = len(numbers)
		}
		var wg sync.WaitGroup
		for _, n := range numbers[chunkStart:chunkEnd] {
			n := n
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.processOne(ctx, n)
			}()
		}
		wg.Wait()
	}
}

func (s *Service) processOne(ctx context.Context, batchNumber uint64) {
	info, err := s.fetcher.FetchByNumber(ctx, batchNumber)
	if err != nil {
		s.recordFailure(batchNumber, models.MultiChainPushResult{BatchNumber: batchNumber, FailureCount: 1})
		s.emitServiceError("push", "fetch-failed", err.Error())
		return
	}

	result := s.manager.PushBatchToAllChains(ctx, info)
	if result.FailureCount == 0 {
		s.recordSuccess(batchNumber)
		return
	}
	s.recordFailure(batchNumber, result)
}

func (s *Service) recordSuccess(batchNumber uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, batchNumber)
	delete(s.failed, batchNumber)
	queueDepthGauge.Set(float64(len(s.pending) + len(s.failed)))
}

// recordFailure enqueues batchNumber into the failed-retry map with
// exponential backoff per §4.10 step 3 / §9's deterministic delay math.
func (s *Service) recordFailure(batchNumber uint64, result models.MultiChainPushResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, batchNumber)

	entry, ok := s.failed[batchNumber]
	if !ok {
		entry = &failedEntry{}
		s.failed[batchNumber] = entry
	}
	entry.attempts++
	entry.lastResult = result
	entry.nextRetryAt = time.Now().Add(backoffFor(entry.attempts))
	queueDepthGauge.Set(float64(len(s.pending) + len(s.failed)))
}

// backoffFor computes min(5000*2^(attempts-1), 60000) ms (§4.10 step 3).
func backoffFor(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := retryBackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay > retryBackoffCap {
			delay = retryBackoffCap
			break
		}
	}
	return delay
}

// retryFailed implements §4.10 step 3: re-process entries whose
// nextRetryAt has elapsed and whose attempts have not exceeded
// maxRetryAttempts;
// discard the rest with an error event.
func (s *Service) retryFailed(ctx context.Context) {
	s.mu.Lock()
	now := time.Now()
	var retryNow []uint64
	var discard []uint64
	for n, entry := range s.failed {
		if entry.attempts > maxRetryAttempts {
			discard = append(discard, n)
			continue
		}
		if !entry.nextRetryAt.IsZero() && now.After(entry.nextRetryAt) {
			retryNow = append(retryNow, n)
		}
	}
	for _, n := range discard {
		delete(s.failed, n)
	}
	s.mu.Unlock()

	for _, n := range discard {
		s.emitServiceError("push", "retry-exhausted", "batch "+strconv.FormatUint(n, 10)+" permanently failed after max attempts")
	}

	for _, n := range retryNow {
		s.processOne(ctx, n)
	}
}

// cleanup implements §4.10 step 4: drop processed-batch dedup entries
// older than cfg.MaxBatchAge (keeping the last BatchWindow), aging by
// firstSeenAt per OQ2 rather than comparing batch numbers to wall clock.
func (s *Service) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.MaxBatchAge > 0 {
		cutoff := time.Now().Add(-s.cfg.MaxBatchAge)
		for n, entry := range s.seen {
			if entry.firstSeenAt.Before(cutoff) {
				delete(s.seen, n)
			}
		}
	}

	if len(s.seen) > s.cfg.BatchWindow {
		type agedEntry struct {
			number      uint64
			firstSeenAt time.Time
		}
		aged := make([]agedEntry, 0, len(s.seen))
		for n, e := range s.seen {
			aged = append(aged, agedEntry{number: n, firstSeenAt: e.firstSeenAt})
		}
		sort.Slice(aged, func(i, j int) bool { return aged[i].firstSeenAt.Before(aged[j].firstSeenAt) })
		toDrop := len(aged) - s.cfg.BatchWindow
		for i := 0; i < toDrop; i++ {
			delete(s.seen, aged[i].number)
		}
	}
}

func (s *Service) emitServiceError(source, reason, detail string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(models.Event{
		Topic:     models.TopicServiceError,
		Emitter:   "push",
		Timestamp: time.Now(),
		Payload:   models.ServiceErrorPayload{Source: source, Reason: reason, Detail: detail},
	})
}

func (s *Service) publishEvent(topic models.EventTopic, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(models.Event{Topic: topic, Emitter: "push", Timestamp: time.Now(), Payload: payload})
}

// PendingCount and FailedCount expose queue depth for health/diagnostics.
func (s *Service) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Service) FailedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failed)
}
