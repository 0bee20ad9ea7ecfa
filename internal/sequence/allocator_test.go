package sequence

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(seed uint64) *Allocator {
	logger := zerolog.Nop()
	return New(seed, &logger)
}

func TestAllocateReturnsSeedOnFreshAllocator(t *testing.T) {
	a := newTestAllocator(7)
	seq, err := a.Allocate(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(7), seq)
}

func TestMarkSuccessAdvancesConfirmedAndNext(t *testing.T) {
	a := newTestAllocator(7)
	seq, err := a.Allocate(context.Background())
	require.NoError(t, err)

	a.MarkSuccess(seq)

	next, confirmed, allocated := a.Snapshot()
	require.Equal(t, uint64(8), next)
	require.Equal(t, uint64(7), confirmed)
	require.Equal(t, 0, allocated)
}

func TestReleaseDoesNotAdvanceCounters(t *testing.T) {
	a := newTestAllocator(7)
	seq, err := a.Allocate(context.Background())
	require.NoError(t, err)

	a.Release(seq)

	next, confirmed, allocated := a.Snapshot()
	require.Equal(t, uint64(8), next) // next already advanced past the hole on Allocate
	require.Equal(t, uint64(6), confirmed)
	require.Equal(t, 0, allocated)
}

func TestAllocateNeverReusesSequence(t *testing.T) {
	a := newTestAllocator(1)

	seen := make(map[uint64]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := a.Allocate(context.Background())
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			require.False(t, seen[seq], "sequence %d allocated twice", seq)
			seen[seq] = true
		}()
	}
	wg.Wait()
	require.Len(t, seen, 50)
}

func TestReconcileWithChainSmallDriftOnlyNudgesConfirmed(t *testing.T) {
	a := newTestAllocator(7)
	major := a.ReconcileWithChain(9, 5)
	require.False(t, major)

	next, confirmed, _ := a.Snapshot()
	require.Equal(t, uint64(7), next) // next untouched on small drift
	require.Equal(t, uint64(8), confirmed)
}

func TestReconcileWithChainLargeDriftForcesMajorSync(t *testing.T) {
	a := newTestAllocator(7)
	_, _ = a.Allocate(context.Background()) // seq 7, now in-flight

	major := a.ReconcileWithChain(100, 5)
	require.True(t, major)

	next, confirmed, allocated := a.Snapshot()
	require.Equal(t, uint64(100), next)
	require.Equal(t, uint64(99), confirmed)
	require.Equal(t, 0, allocated, "in-flight sequences must be cleared on major resync")
}

func TestReconcileWithChainAheadOfChainIsNoop(t *testing.T) {
	a := newTestAllocator(50)
	major := a.ReconcileWithChain(10, 5)
	require.False(t, major)

	next, _, _ := a.Snapshot()
	require.Equal(t, uint64(50), next)
}
