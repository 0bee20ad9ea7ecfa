package sequence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sedaprotocol/seda-evm-pusher/internal/upstream"
)

type fakeSequenceClient struct {
	upstream.Client
	sequences map[string]uint64
	failAll   bool
}

func (f *fakeSequenceClient) QueryAccountSequence(ctx context.Context, address, endpoint string) (uint64, error) {
	if f.failAll {
		return 0, errors.New("rpc unavailable")
	}
	seq, ok := f.sequences[endpoint]
	if !ok {
		return 0, errors.New("endpoint not configured")
	}
	return seq, nil
}

func TestQueryOnceReconcilesFromPrimary(t *testing.T) {
	logger := zerolog.Nop()
	a := newTestAllocator(1)
	client := &fakeSequenceClient{sequences: map[string]uint64{"primary": 10}}
	v := NewValidator(a, client, "addr", "primary", []string{"fallback"}, time.Second, 3, &logger)

	v.QueryOnce(context.Background())

	next, confirmed, _ := a.Snapshot()
	require.Equal(t, uint64(10), next)
	require.Equal(t, uint64(9), confirmed)

	seq, ok := v.LastObserved()
	require.True(t, ok)
	require.Equal(t, uint64(10), seq)
}

func TestQueryOnceFallsBackOnPrimaryFailure(t *testing.T) {
	logger := zerolog.Nop()
	a := newTestAllocator(1)
	client := &fakeSequenceClient{sequences: map[string]uint64{"fallback": 20}}
	v := NewValidator(a, client, "addr", "primary", []string{"fallback"}, time.Second, 3, &logger)

	v.QueryOnce(context.Background())

	seq, ok := v.LastObserved()
	require.True(t, ok)
	require.Equal(t, uint64(20), seq)
}

func TestQueryOnceReportsUnknownOnTotalFailure(t *testing.T) {
	logger := zerolog.Nop()
	a := newTestAllocator(1)
	client := &fakeSequenceClient{failAll: true}
	v := NewValidator(a, client, "addr", "primary", nil, time.Second, 3, &logger)

	v.QueryOnce(context.Background())

	_, ok := v.LastObserved()
	require.False(t, ok)

	next, _, _ := a.Snapshot()
	require.Equal(t, uint64(1), next, "allocator must be untouched on total query failure")
}

func TestSeedFromChainReturnsZeroOnColdStartFailure(t *testing.T) {
	logger := zerolog.Nop()
	a := newTestAllocator(1)
	client := &fakeSequenceClient{failAll: true}
	v := NewValidator(a, client, "addr", "primary", nil, time.Second, 3, &logger)

	seed := v.SeedFromChain(context.Background())
	require.Equal(t, uint64(0), seed)
}
