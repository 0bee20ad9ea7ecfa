// Package scheduler implements the DataRequest Scheduler (C5): a
// periodic driver that spawns parallel DataRequest submissions through
// the sequence allocator and transaction executor, then registers
// completions with the completion tracker.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/sedaprotocol/seda-evm-pusher/internal/txexec"
	"github.com/sedaprotocol/seda-evm-pusher/internal/upstream"
	"github.com/sedaprotocol/seda-evm-pusher/pkg/models"
)

var (
	postedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seda_pusher_scheduler_posted_total",
		Help: "Total DataRequest postings attempted by the scheduler.",
	})
	successCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seda_pusher_scheduler_successful_total",
		Help: "Total DataRequest postings that succeeded.",
	})
	failedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seda_pusher_scheduler_failed_total",
		Help: "Total DataRequest postings that failed.",
	})
	activeTasksGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seda_pusher_scheduler_active_tasks",
		Help: "Number of DataRequest post tasks currently in flight.",
	})
)

// allocator is the subset of sequence.Allocator the scheduler needs.
type allocator interface {
	Allocate(ctx context.Context) (uint64, error)
}

// tracker is the subset of the completion tracker the scheduler needs to
// register a newly-posted DataRequest for completion watching (C6).
type tracker interface {
	Track(dr models.DataRequest)
}

// Config holds the scheduler's periodic-driver settings (§4.5, §6).
type Config struct {
	Interval    time.Duration
	Continuous  bool
	MaxRetries  int
	Memo        string
	MaxQueueSize int
	PostingTimeout time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		Interval:       15 * time.Second,
		Continuous:     true,
		MaxRetries:     3,
		Memo:           "seda-evm-pusher",
		MaxQueueSize:   100,
		PostingTimeout: upstream.DefaultPostingTimeout,
	}
}

// Scheduler is the periodic DataRequest dispatcher (C5).
type Scheduler struct {
	cfg       Config
	allocator allocator
	executor  *txexec.Executor
	upstream  upstream.Client
	tracker   tracker
	logger    *zerolog.Logger

	activeTasks int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats struct {
		sync.Mutex
		posted, successful, failed, total int64
	}
}

// New constructs a Scheduler.
func New(cfg Config, allocator allocator, executor *txexec.Executor, client upstream.Client, tracker tracker, logger *zerolog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.PostingTimeout <= 0 {
		cfg.PostingTimeout = upstream.DefaultPostingTimeout
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	return &Scheduler{cfg: cfg, allocator: allocator, executor: executor, upstream: client, tracker: tracker, logger: logger}
}

// Start fires one task immediately, then on every cfg.Interval until Stop
// is called or, if not Continuous, after the first success (§4.5).
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.Warn().Msg("scheduler: Start called while already running, ignoring")
		}
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(runCtx)
	return nil
}

// Stop halts the tick timer and waits for the tick loop to exit; in-flight
// tasks are allowed to run to completion (their context is detached from
// the scheduler's cancellation, and each posting stays bounded by the
// transaction executor's deadline). Stop does not wait for continuous-mode
// tasks that were already dispatched.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.Warn().Msg("scheduler: Stop called while not running, ignoring")
		}
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	if !s.cfg.Continuous {
		s.runUntilSuccess(ctx)
		return
	}

	s.fireTick(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireTick(ctx)
		}
	}
}

// runUntilSuccess implements §4.5's non-continuous mode: retry on
// cfg.Interval until a posting succeeds, rather than firing exactly once
// regardless of outcome.
func (s *Scheduler) runUntilSuccess(ctx context.Context) {
	if s.fireTickSync(ctx) {
		return
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.fireTickSync(ctx) {
				return
			}
		}
	}
}

// fireTick dispatches one posting attempt without waiting for its result,
// used by continuous mode where overlapping in-flight postings are
// expected (bounded by cfg.MaxQueueSize).
func (s *Scheduler) fireTick(ctx context.Context) {
	if !s.reserveSlot() {
		return
	}
	go func() {
		defer s.releaseSlot()
		s.postOne(context.WithoutCancel(ctx))
	}()
}

// fireTickSync runs one posting attempt to completion and reports
// whether it succeeded, used by non-continuous mode's retry-until-success
// loop.
func (s *Scheduler) fireTickSync(ctx context.Context) bool {
	if !s.reserveSlot() {
		return false
	}
	defer s.releaseSlot()
	return s.postOne(context.WithoutCancel(ctx))
}

func (s *Scheduler) reserveSlot() bool {
	current := atomic.LoadInt64(&s.activeTasks)
	if int(current) >= s.cfg.MaxQueueSize {
		if s.logger != nil {
			s.logger.Warn().Int64("active_tasks", current).Msg("scheduler: max queue size reached, dropping tick")
		}
		return false
	}
	atomic.AddInt64(&s.activeTasks, 1)
	activeTasksGauge.Set(float64(atomic.LoadInt64(&s.activeTasks)))
	return true
}

func (s *Scheduler) releaseSlot() {
	atomic.AddInt64(&s.activeTasks, -1)
	activeTasksGauge.Set(float64(atomic.LoadInt64(&s.activeTasks)))
}

func (s *Scheduler) postOne(ctx context.Context) bool {
	s.incrStat(&s.stats.total)
	postedCounter.Inc()

	seq, err := s.allocator.Allocate(ctx)
	if err != nil {
		s.incrStat(&s.stats.failed)
		failedCounter.Inc()
		if s.logger != nil {
			s.logger.Error().Err(err).Msg("scheduler: failed to allocate sequence")
		}
		return false
	}

	memo := fmt.Sprintf("%s | seq:%d", s.cfg.Memo, seq)

	dr, err := txexec.Execute(ctx, s.executor, seq, func(ctx context.Context, seq uint64, attempt int) (models.DataRequest, error) {
		res, err := s.upstream.PostDataRequest(ctx, upstream.PostDataRequestInput{Memo: memo, SequenceNumber: seq}, upstream.GasOptions{})
		if err != nil {
			return models.DataRequest{}, err
		}
		return models.DataRequest{
			DrID:           res.DrID,
			BlockHeight:    res.BlockHeight,
			Memo:           memo,
			SequenceNumber: seq,
			State:          models.DataRequestPosted,
			PostedAt:       time.Now(),
		}, nil
	})

	if err != nil {
		s.incrStat(&s.stats.failed)
		failedCounter.Inc()
		if s.logger != nil {
			s.logger.Error().Err(err).Uint64("sequence", seq).Msg("scheduler: data request post failed")
		}
		return false
	}

	s.incrStat(&s.stats.posted)
	s.incrStat(&s.stats.successful)
	successCounter.Inc()

	if s.tracker != nil {
		s.tracker.Track(dr)
	}
	return true
}

func (s *Scheduler) incrStat(counter *int64) {
	s.stats.Lock()
	defer s.stats.Unlock()
	*counter++
}

// Stats returns a snapshot of the scheduler's running counters (§4.5).
func (s *Scheduler) Stats() models.SchedulerStats {
	s.stats.Lock()
	defer s.stats.Unlock()
	return models.SchedulerStats{
		PostedRequests:     s.stats.posted,
		SuccessfulRequests: s.stats.successful,
		FailedRequests:     s.stats.failed,
		ActiveTasks:        atomic.LoadInt64(&s.activeTasks),
		TotalRequests:      s.stats.total,
	}
}
