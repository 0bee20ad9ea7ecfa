package chainmanager

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sedaprotocol/seda-evm-pusher/internal/eventbus"
	"github.com/sedaprotocol/seda-evm-pusher/pkg/models"
)

type fakeExecutor struct {
	result models.BatchPushResult
	health models.HealthStatus
	stats  models.ChainExecutorStats
	calls  int
}

func (f *fakeExecutor) PushBatch(ctx context.Context, info models.BatchTrackingInfo) models.BatchPushResult {
	f.calls++
	return f.result
}

func (f *fakeExecutor) GetBatchStatus(ctx context.Context, batchNumber uint64) models.ChainBatchStatus {
	return models.ChainBatchStatus{State: models.ChainPushPushed}
}

func (f *fakeExecutor) CheckHealth(ctx context.Context) models.HealthStatus {
	return f.health
}

func (f *fakeExecutor) Stats() models.ChainExecutorStats {
	return f.stats
}

func TestPushBatchToAllChainsAggregatesSuccessAndFailure(t *testing.T) {
	logger := zerolog.Nop()
	bus := eventbus.New(&logger)

	executors := map[string]ChainExecutor{
		"chain-a": &fakeExecutor{result: models.BatchPushResult{ChainName: "chain-a", Success: true}},
		"chain-b": &fakeExecutor{result: models.BatchPushResult{ChainName: "chain-b", Success: false, Error: "boom"}},
	}
	m := New(executors, 5, bus, &logger)

	result := m.PushBatchToAllChains(context.Background(), models.BatchTrackingInfo{Batch: models.Batch{BatchNumber: 1}})
	require.Equal(t, 1, result.SuccessCount)
	require.Equal(t, 1, result.FailureCount)
	require.Len(t, result.Results, 2)
}

func TestPushBatchToAllChainsRespectsChunkSize(t *testing.T) {
	logger := zerolog.Nop()

	executors := make(map[string]ChainExecutor)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		executors[name] = &fakeExecutor{result: models.BatchPushResult{Success: true}}
	}
	m := New(executors, 2, nil, &logger)
	require.Len(t, m.ChainNames(), 5)

	result := m.PushBatchToAllChains(context.Background(), models.BatchTrackingInfo{Batch: models.Batch{BatchNumber: 1}})
	require.Equal(t, 5, result.SuccessCount)
	require.Len(t, result.Results, 5)
}

func TestPushBatchToAllChainsPublishesBatchCompletedEvent(t *testing.T) {
	logger := zerolog.Nop()
	bus := eventbus.New(&logger)
	completed := bus.Subscribe(models.TopicBatchCompleted)

	executors := map[string]ChainExecutor{
		"chain-a": &fakeExecutor{result: models.BatchPushResult{Success: true}},
	}
	m := New(executors, 1, bus, &logger)
	m.PushBatchToAllChains(context.Background(), models.BatchTrackingInfo{Batch: models.Batch{BatchNumber: 9}})

	select {
	case ev := <-completed:
		payload, ok := ev.Payload.(models.BatchCompletedPayload)
		require.True(t, ok)
		require.Equal(t, uint64(9), payload.BatchNumber)
	default:
		t.Fatal("expected batch-completed event to be published")
	}
}

func TestCheckHealthAggregatesPerChain(t *testing.T) {
	logger := zerolog.Nop()
	executors := map[string]ChainExecutor{
		"chain-a": &fakeExecutor{health: models.HealthHealthy},
		"chain-b": &fakeExecutor{health: models.HealthUnhealthy},
	}
	m := New(executors, 5, nil, &logger)

	health := m.CheckHealth(context.Background())
	require.Equal(t, models.HealthHealthy, health["chain-a"])
	require.Equal(t, models.HealthUnhealthy, health["chain-b"])
}

func TestChainStatsReturnsPerChainSnapshot(t *testing.T) {
	logger := zerolog.Nop()
	executors := map[string]ChainExecutor{
		"chain-a": &fakeExecutor{stats: models.ChainExecutorStats{Total: 10, Successful: 9, Failed: 1}},
		"chain-b": &fakeExecutor{stats: models.ChainExecutorStats{Total: 4, Successful: 4}},
	}
	m := New(executors, 5, nil, &logger)

	stats := m.ChainStats()
	require.Equal(t, 10, stats["chain-a"].Total)
	require.Equal(t, 1, stats["chain-a"].Failed)
	require.Equal(t, 4, stats["chain-b"].Total)
}

func TestGetBatchStatusUnknownChainReturnsFalse(t *testing.T) {
	logger := zerolog.Nop()
	m := New(map[string]ChainExecutor{}, 5, nil, &logger)

	_, ok := m.GetBatchStatus(context.Background(), "missing", 1)
	require.False(t, ok)
}
