// Package chainmanager implements the Chain Manager (C9): fan-out of one
// batch across every enabled destination chain's executor, chunked to a
// concurrency cap, with aggregated results and upward event forwarding.
package chainmanager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sedaprotocol/seda-evm-pusher/internal/eventbus"
	"github.com/sedaprotocol/seda-evm-pusher/pkg/models"
)

// ChainExecutor is the slice of *evmchain.Executor the manager depends
// on, narrowed to an interface so tests can substitute fakes without
// standing up a real RPC-backed executor (the same narrowing applied to
// evmchain.Executor's own chainClient dependency).
type ChainExecutor interface {
	PushBatch(ctx context.Context, info models.BatchTrackingInfo) models.BatchPushResult
	GetBatchStatus(ctx context.Context, batchNumber uint64) models.ChainBatchStatus
	CheckHealth(ctx context.Context) models.HealthStatus
	Stats() models.ChainExecutorStats
}

// Manager owns one executor per enabled destination chain and fans out
// pushes across them in bounded-size chunks (§4.9).
type Manager struct {
	executors map[string]ChainExecutor
	names     []string // sorted, for deterministic chunk ordering
	chunkSize int
	bus       *eventbus.Bus
	logger    *zerolog.Logger
}

// New constructs a Manager over executors, keyed by chain name. chunkSize
// is `concurrency.maxParallelChains` (§6); values < 1 are treated as 1.
func New(executors map[string]ChainExecutor, chunkSize int, bus *eventbus.Bus, logger *zerolog.Logger) *Manager {
	if chunkSize < 1 {
		chunkSize = 1
	}

	names := make([]string, 0, len(executors))
	for name := range executors {
		names = append(names, name)
	}
	sort.Strings(names)

	return &Manager{
		executors: executors,
		names:     names,
		chunkSize: chunkSize,
		bus:       bus,
		logger:    logger,
	}
}

// PushBatchToAllChains fans batch out to every registered chain in chunks
// of chunkSize, awaiting each chunk fully before starting the next, and
// returns the aggregated per-chain result set (§4.9).
func (m *Manager) PushBatchToAllChains(ctx context.Context, info models.BatchTrackingInfo) models.MultiChainPushResult {
	start := time.Now()
	results := make(map[string]models.BatchPushResult, len(m.names))
	var resultsMu sync.Mutex

	for chunkStart := 0; chunkStart < len(m.names); chunkStart += m.chunkSize {
		chunkEnd := chunkStart + m.chunkSize
		if chunkEnd > len(m.names) {
			chunkEnd = len(m.names)
		}
		chunk := m.names[chunkStart:chunkEnd]

		var wg sync.WaitGroup
		for _, name := range chunk {
			name := name
			executor := m.executors[name]
			wg.Add(1)
			go func() {
				defer wg.Done()

				if m.bus != nil {
					m.bus.Publish(models.Event{
						Topic:     models.TopicBatchPushStarted,
						Emitter:   "chain-manager",
						Timestamp: time.Now(),
						Payload:   models.BatchPushStartedPayload{BatchNumber: info.Batch.BatchNumber, ChainName: name},
					})
				}

				result := executor.PushBatch(ctx, info)

				resultsMu.Lock()
				results[name] = result
				resultsMu.Unlock()
			}()
		}
		wg.Wait()
	}

	successCount, failureCount := 0, 0
	for _, r := range results {
		if r.Success {
			successCount++
		} else {
			failureCount++
		}
	}

	aggregate := models.MultiChainPushResult{
		BatchNumber:     info.Batch.BatchNumber,
		Results:         results,
		SuccessCount:    successCount,
		FailureCount:    failureCount,
		TotalDurationMs: time.Since(start).Milliseconds(),
	}

	if m.bus != nil {
		m.bus.Publish(models.Event{
			Topic:     models.TopicBatchCompleted,
			Emitter:   "chain-manager",
			Timestamp: time.Now(),
			Payload:   models.BatchCompletedPayload{BatchNumber: info.Batch.BatchNumber, Result: aggregate},
		})
	}

	return aggregate
}

// ChainNames returns the registered chain names in deterministic order.
func (m *Manager) ChainNames() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

// GetBatchStatus returns one chain's cached status for batchNumber, or a
// zero-value ChainBatchStatus and false if chainName is not registered.
func (m *Manager) GetBatchStatus(ctx context.Context, chainName string, batchNumber uint64) (models.ChainBatchStatus, bool) {
	executor, ok := m.executors[chainName]
	if !ok {
		return models.ChainBatchStatus{}, false
	}
	return executor.GetBatchStatus(ctx, batchNumber), true
}

// ChainStats returns each registered chain's running push statistics,
// used by the supervisor's alert-threshold evaluation (§12 "Alert
// thresholds").
func (m *Manager) ChainStats() map[string]models.ChainExecutorStats {
	out := make(map[string]models.ChainExecutorStats, len(m.names))
	for _, name := range m.names {
		out[name] = m.executors[name].Stats()
	}
	return out
}

// CheckHealth probes every registered chain and returns the per-chain
// health map, used by the supervisor's aggregated health loop (§4.11).
func (m *Manager) CheckHealth(ctx context.Context) map[string]models.HealthStatus {
	out := make(map[string]models.HealthStatus, len(m.names))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, name := range m.names {
		name := name
		executor := m.executors[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := executor.CheckHealth(ctx)
			mu.Lock()
			out[name] = status
			mu.Unlock()
		}()
	}
	wg.Wait()

	return out
}
