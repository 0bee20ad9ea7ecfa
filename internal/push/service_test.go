package push

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sedaprotocol/seda-evm-pusher/internal/eventbus"
	"github.com/sedaprotocol/seda-evm-pusher/pkg/models"
)

type fakeBatchFetcher struct {
	result models.BatchTrackingInfo
	err    error
	calls  int
}

func (f *fakeBatchFetcher) FetchByNumber(ctx context.Context, batchNumber uint64) (models.BatchTrackingInfo, error) {
	f.calls++
	return f.result, f.err
}

type fakeMultiChainPusher struct {
	result models.MultiChainPushResult
	calls  int
}

func (f *fakeMultiChainPusher) PushBatchToAllChains(ctx context.Context, info models.BatchTrackingInfo) models.MultiChainPushResult {
	f.calls++
	return f.result
}

func TestHandleDiscoveredDedupesBatchNumbers(t *testing.T) {
	logger := zerolog.Nop()
	s := New(DefaultConfig(), &fakeBatchFetcher{}, &fakeMultiChainPusher{}, nil, &logger)

	ev := models.Event{Topic: models.TopicBatchDiscovered, Payload: models.BatchDiscoveredPayload{BatchNumber: 42}}
	s.handleDiscovered(ev)
	s.handleDiscovered(ev)

	require.Equal(t, 1, s.PendingCount())
}

func TestProcessOneSuccessClearsPendingAndFailed(t *testing.T) {
	logger := zerolog.Nop()
	fetcher := &fakeBatchFetcher{result: models.BatchTrackingInfo{Batch: models.Batch{BatchNumber: 7}}}
	manager := &fakeMultiChainPusher{result: models.MultiChainPushResult{BatchNumber: 7, SuccessCount: 2, FailureCount: 0}}
	s := New(DefaultConfig(), fetcher, manager, nil, &logger)

	s.mu.Lock()
	s.pending[7] = seenEntry{firstSeenAt: time.Now()}
	s.mu.Unlock()

	s.processOne(context.Background(), 7)

	require.Equal(t, 0, s.PendingCount())
	require.Equal(t, 0, s.FailedCount())
}

func TestProcessOnePartialFailureEntersFailedMap(t *testing.T) {
	logger := zerolog.Nop()
	fetcher := &fakeBatchFetcher{result: models.BatchTrackingInfo{Batch: models.Batch{BatchNumber: 7}}}
	manager := &fakeMultiChainPusher{result: models.MultiChainPushResult{BatchNumber: 7, SuccessCount: 1, FailureCount: 1}}
	s := New(DefaultConfig(), fetcher, manager, nil, &logger)

	s.processOne(context.Background(), 7)

	require.Equal(t, 1, s.FailedCount())
	s.mu.Lock()
	entry := s.failed[7]
	s.mu.Unlock()
	require.Equal(t, 1, entry.attempts)
	require.WithinDuration(t, time.Now().Add(5*time.Second), entry.nextRetryAt, time.Second)
}

func TestBackoffForMatchesSpecDelays(t *testing.T) {
	require.Equal(t, 5*time.Second, backoffFor(1))
	require.Equal(t, 10*time.Second, backoffFor(2))
	require.Equal(t, 20*time.Second, backoffFor(3))
	require.Equal(t, 60*time.Second, backoffFor(10), "must cap at 60s regardless of attempt count")
}

func TestRetryFailedDiscardsAfterMaxAttempts(t *testing.T) {
	logger := zerolog.Nop()
	bus := eventbus.New(&logger)
	errs := bus.Subscribe(models.TopicServiceError)

	s := New(DefaultConfig(), &fakeBatchFetcher{}, &fakeMultiChainPusher{}, bus, &logger)
	s.mu.Lock()
	s.failed[99] = &failedEntry{attempts: maxRetryAttempts + 1, nextRetryAt: time.Now().Add(-time.Second)}
	s.mu.Unlock()

	s.retryFailed(context.Background())

	require.Equal(t, 0, s.FailedCount())
	select {
	case ev := <-errs:
		payload, ok := ev.Payload.(models.ServiceErrorPayload)
		require.True(t, ok)
		require.Equal(t, "retry-exhausted", payload.Reason)
	default:
		t.Fatal("expected a service-error event on retry exhaustion")
	}
}

func TestRetryFailedStillRetriesOnItsFinalScheduledAttempt(t *testing.T) {
	logger := zerolog.Nop()
	fetcher := &fakeBatchFetcher{result: models.BatchTrackingInfo{Batch: models.Batch{BatchNumber: 99}}}
	manager := &fakeMultiChainPusher{result: models.MultiChainPushResult{SuccessCount: 0, FailureCount: 1}}
	s := New(DefaultConfig(), fetcher, manager, nil, &logger)

	s.mu.Lock()
	s.failed[99] = &failedEntry{attempts: maxRetryAttempts, nextRetryAt: time.Now().Add(-time.Second)}
	s.mu.Unlock()

	s.retryFailed(context.Background())

	require.Equal(t, 1, fetcher.calls, "the 3rd scheduled retry must actually run before discard")
	require.Equal(t, 1, s.FailedCount(), "a failed final retry stays queued one more tick so it can be discarded with an event")

	s.mu.Lock()
	entry := s.failed[99]
	s.mu.Unlock()
	require.Equal(t, maxRetryAttempts+1, entry.attempts)
}

func TestRetryFailedReprocessesWhenDue(t *testing.T) {
	logger := zerolog.Nop()
	fetcher := &fakeBatchFetcher{result: models.BatchTrackingInfo{Batch: models.Batch{BatchNumber: 5}}}
	manager := &fakeMultiChainPusher{result: models.MultiChainPushResult{SuccessCount: 1}}
	s := New(DefaultConfig(), fetcher, manager, nil, &logger)

	s.mu.Lock()
	s.failed[5] = &failedEntry{attempts: 1, nextRetryAt: time.Now().Add(-time.Second)}
	s.mu.Unlock()

	s.retryFailed(context.Background())

	require.Equal(t, 1, fetcher.calls)
	require.Equal(t, 0, s.FailedCount(), "successful retry must clear the failed entry")
}

func TestRetryFailedSkipsEntriesNotYetDue(t *testing.T) {
	logger := zerolog.Nop()
	fetcher := &fakeBatchFetcher{}
	s := New(DefaultConfig(), fetcher, &fakeMultiChainPusher{}, nil, &logger)

	s.mu.Lock()
	s.failed[5] = &failedEntry{attempts: 1, nextRetryAt: time.Now().Add(time.Hour)}
	s.mu.Unlock()

	s.retryFailed(context.Background())

	require.Equal(t, 0, fetcher.calls)
	require.Equal(t, 1, s.FailedCount())
}

func TestCleanupAgesOutStaleSeenEntriesByFirstSeenAt(t *testing.T) {
	logger := zerolog.Nop()
	cfg := DefaultConfig()
	cfg.MaxBatchAge = time.Minute
	s := New(cfg, &fakeBatchFetcher{}, &fakeMultiChainPusher{}, nil, &logger)

	s.mu.Lock()
	s.seen[1] = seenEntry{firstSeenAt: time.Now().Add(-time.Hour)} // stale
	s.seen[2] = seenEntry{firstSeenAt: time.Now()}                 // fresh
	s.mu.Unlock()

	s.cleanup()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, staleStillPresent := s.seen[1]
	_, freshStillPresent := s.seen[2]
	require.False(t, staleStillPresent)
	require.True(t, freshStillPresent)
}

func TestCleanupKeepsOnlyBatchWindowEntries(t *testing.T) {
	logger := zerolog.Nop()
	cfg := DefaultConfig()
	cfg.MaxBatchAge = 0 // disable age-based eviction for this test
	cfg.BatchWindow = 2
	s := New(cfg, &fakeBatchFetcher{}, &fakeMultiChainPusher{}, nil, &logger)

	base := time.Now()
	s.mu.Lock()
	s.seen[1] = seenEntry{firstSeenAt: base.Add(-3 * time.Minute)}
	s.seen[2] = seenEntry{firstSeenAt: base.Add(-2 * time.Minute)}
	s.seen[3] = seenEntry{firstSeenAt: base.Add(-1 * time.Minute)}
	s.mu.Unlock()

	s.cleanup()

	require.Len(t, s.seen, 2)
	_, oldestStillPresent := s.seen[1]
	require.False(t, oldestStillPresent, "oldest-by-firstSeenAt entry must be evicted first")
}

func TestStartIsIdempotent(t *testing.T) {
	logger := zerolog.Nop()
	s := New(DefaultConfig(), &fakeBatchFetcher{}, &fakeMultiChainPusher{}, nil, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	s.Start(ctx) // must not panic or double-spawn the loop
	s.Stop()
}
