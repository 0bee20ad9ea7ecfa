// Package tracker implements the Completion Tracker (C6): a periodic
// loop over posted DataRequests that waits for upstream completion and
// then searches a sliding window of recent batches for the assignment.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sedaprotocol/seda-evm-pusher/internal/eventbus"
	"github.com/sedaprotocol/seda-evm-pusher/internal/upstream"
	"github.com/sedaprotocol/seda-evm-pusher/pkg/models"
)

// Config holds the tracker's polling settings (§4.6).
type Config struct {
	Interval         time.Duration
	MaxRetryAttempts int
	BatchWindow      int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{Interval: 10 * time.Second, MaxRetryAttempts: 10, BatchWindow: 50}
}

// trackedRequest is the tracker's private bookkeeping for one DataRequest.
type trackedRequest struct {
	dr          models.DataRequest
	retryCount  int
}

// Tracker watches posted DataRequests until their completion and batch
// assignment are known (§4.6). It exclusively owns trackedRequests; no
// other component mutates it.
type Tracker struct {
	cfg    Config
	client upstream.Client
	bus    *eventbus.Bus
	logger *zerolog.Logger

	mu       sync.Mutex
	tracked  map[string]*trackedRequest

	latencyMu          sync.Mutex
	completionLatencies []time.Duration
	batchLatencies      []time.Duration
}

// New constructs a Tracker.
func New(cfg Config, client upstream.Client, bus *eventbus.Bus, logger *zerolog.Logger) *Tracker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 10
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 50
	}
	return &Tracker{cfg: cfg, client: client, bus: bus, logger: logger, tracked: make(map[string]*trackedRequest)}
}

// Track registers dr for completion watching. Called by the scheduler
// immediately after a successful post (§4.5 step iv).
func (t *Tracker) Track(dr models.DataRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracked[dr.DrID] = &trackedRequest{dr: dr}
}

// Run loops pollOnce at cfg.Interval until ctx is canceled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.pollOnce(ctx)
		}
	}
}

// pollOnce iterates every tracked DataRequest once (§4.6).
func (t *Tracker) pollOnce(ctx context.Context) {
	t.mu.Lock()
	drIDs := make([]string, 0, len(t.tracked))
	for id := range t.tracked {
		drIDs = append(drIDs, id)
	}
	t.mu.Unlock()

	for _, drID := range drIDs {
		t.pollOne(ctx, drID)
	}
}

func (t *Tracker) pollOne(ctx context.Context, drID string) {
	t.mu.Lock()
	entry, ok := t.tracked[drID]
	t.mu.Unlock()
	if !ok {
		return
	}

	if entry.dr.State == models.DataRequestPosted {
		t.checkCompletion(ctx, drID, entry)
		return
	}

	if entry.dr.State == models.DataRequestCompleted {
		t.checkBatchAssignment(ctx, drID, entry)
	}
}

func (t *Tracker) checkCompletion(ctx context.Context, drID string, entry *trackedRequest) {
	assignment, err := t.client.QueryDataResult(ctx, drID, entry.dr.BlockHeight)
	if err != nil {
		t.mu.Lock()
		entry.retryCount++
		abandon := entry.retryCount >= t.cfg.MaxRetryAttempts
		if abandon {
			entry.dr.State = models.DataRequestFailed
			entry.dr.LastError = err.Error()
			delete(t.tracked, drID)
		}
		t.mu.Unlock()

		if abandon {
			t.emitServiceError("tracker", "completion-abandoned", drID+": "+err.Error())
		}
		return
	}

	t.mu.Lock()
	entry.dr.State = models.DataRequestCompleted
	entry.dr.CompletedAt = time.Now()
	t.mu.Unlock()

	t.recordLatency(&t.completionLatencies, entry.dr.CompletedAt.Sub(entry.dr.PostedAt))

	if assignment.BatchNumber > 0 {
		t.finalizeBatchAssignment(drID, entry, assignment.BatchNumber)
		return
	}

	// The upstream chain hasn't attached a batch number to the result yet;
	// search the sliding window now. If it is not found, later ticks
	// search again.
	t.checkBatchAssignment(ctx, drID, entry)
}

// checkBatchAssignment walks the last cfg.BatchWindow batches looking for
// drID among their dataRequestIds (§4.6: "attempt to find its assigned
// batch by walking a sliding window of recent batches").
func (t *Tracker) checkBatchAssignment(ctx context.Context, drID string, entry *trackedRequest) {
	latest, err := t.client.QueryBatch(ctx, 0, true)
	if err != nil || latest.BatchNumber == 0 {
		return
	}

	lowerBound := uint64(1)
	if latest.BatchNumber > uint64(t.cfg.BatchWindow) {
		lowerBound = latest.BatchNumber - uint64(t.cfg.BatchWindow) + 1
	}

	for n := latest.BatchNumber; n >= lowerBound; n-- {
		batch, err := t.client.QueryBatch(ctx, n, false)
		if err != nil {
			continue
		}
		if containsDrID(batch.DataRequestIDs, drID) {
			t.finalizeBatchAssignment(drID, entry, n)
			return
		}
		if n == 0 {
			break
		}
	}
}

func containsDrID(ids []string, target string) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

func (t *Tracker) finalizeBatchAssignment(drID string, entry *trackedRequest, batchNumber uint64) {
	t.mu.Lock()
	entry.dr.State = models.DataRequestBatchAssigned
	entry.dr.BatchAssignedAt = time.Now()
	entry.dr.BatchNumber = batchNumber
	assignedAt := entry.dr.BatchAssignedAt
	completedAt := entry.dr.CompletedAt
	delete(t.tracked, drID)
	t.mu.Unlock()

	if !completedAt.IsZero() {
		t.recordLatency(&t.batchLatencies, assignedAt.Sub(completedAt))
	}

	if t.bus != nil {
		t.bus.Publish(models.Event{
			Topic:     models.TopicBatchDiscovered,
			Emitter:   "tracker",
			Timestamp: time.Now(),
			Payload:   models.BatchDiscoveredPayload{BatchNumber: batchNumber},
		})
	}
}

func (t *Tracker) recordLatency(bucket *[]time.Duration, d time.Duration) {
	t.latencyMu.Lock()
	defer t.latencyMu.Unlock()
	*bucket = append(*bucket, d)
}

func (t *Tracker) emitServiceError(source, reason, detail string) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(models.Event{
		Topic:     models.TopicServiceError,
		Emitter:   "tracker",
		Timestamp: time.Now(),
		Payload:   models.ServiceErrorPayload{Source: source, Reason: reason, Detail: detail},
	})
}

// AverageCompletionLatency returns the mean time between PostedAt and
// CompletedAt across all observed DataRequests so far.
func (t *Tracker) AverageCompletionLatency() time.Duration {
	return average(t.completionLatencies, &t.latencyMu)
}

// AverageBatchAssignmentLatency returns the mean time between CompletedAt
// and BatchAssignedAt across all observed DataRequests so far.
func (t *Tracker) AverageBatchAssignmentLatency() time.Duration {
	return average(t.batchLatencies, &t.latencyMu)
}

func average(durations []time.Duration, mu *sync.Mutex) time.Duration {
	mu.Lock()
	defer mu.Unlock()
	if len(durations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	return total / time.Duration(len(durations))
}

// TrackedCount reports how many DataRequests are currently being
// watched, for health/diagnostics.
func (t *Tracker) TrackedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracked)
}
