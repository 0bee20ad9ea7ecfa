package batchfetcher

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sedaprotocol/seda-evm-pusher/internal/upstream"
	"github.com/sedaprotocol/seda-evm-pusher/pkg/errs"
)

type fakeFetcherClient struct {
	upstream.Client
	callsByNumber map[uint64]int
	signedAfter   int // batch becomes signed after this many queries
	latest        upstream.BatchQueryResult
	latestErr     error
}

func (f *fakeFetcherClient) QueryBatch(ctx context.Context, batchNumber uint64, latestSigned bool) (upstream.BatchQueryResult, error) {
	if latestSigned {
		return f.latest, f.latestErr
	}
	if f.callsByNumber == nil {
		f.callsByNumber = make(map[uint64]int)
	}
	f.callsByNumber[batchNumber]++

	if f.callsByNumber[batchNumber] >= f.signedAfter {
		return upstream.BatchQueryResult{
			BatchNumber:      batchNumber,
			Signatures:       []upstream.RawBatchSignature{{ValidatorAddress: "val1"}},
			ValidatorEntries: []upstream.RawValidatorEntry{{ValidatorAddress: "val1"}},
		}, nil
	}
	return upstream.BatchQueryResult{BatchNumber: batchNumber}, nil
}

func TestFetchByNumberSucceedsWithoutFallback(t *testing.T) {
	logger := zerolog.Nop()
	client := &fakeFetcherClient{signedAfter: 1}
	f := New(Config{MaxRetries: 3, PollingInterval: time.Millisecond}, client, &logger)

	info, err := f.FetchByNumber(context.Background(), 42)
	require.NoError(t, err)
	require.False(t, info.FallbackBatchUsed)
	require.Equal(t, uint64(42), info.Batch.BatchNumber)
}

func TestFetchByNumberRetriesUntilSigned(t *testing.T) {
	logger := zerolog.Nop()
	client := &fakeFetcherClient{signedAfter: 3}
	f := New(Config{MaxRetries: 5, PollingInterval: time.Millisecond}, client, &logger)

	info, err := f.FetchByNumber(context.Background(), 42)
	require.NoError(t, err)
	require.False(t, info.FallbackBatchUsed)
	require.Equal(t, 3, client.callsByNumber[42])
}

func TestFetchByNumberFallsBackToLatestSignedWhenWindowExpires(t *testing.T) {
	logger := zerolog.Nop()
	client := &fakeFetcherClient{
		signedAfter: 100, // never signs within MaxRetries
		latest: upstream.BatchQueryResult{
			BatchNumber:      99,
			Signatures:       []upstream.RawBatchSignature{{ValidatorAddress: "val1"}},
			ValidatorEntries: []upstream.RawValidatorEntry{{ValidatorAddress: "val1"}},
		},
	}
	f := New(Config{MaxRetries: 2, PollingInterval: time.Millisecond}, client, &logger)

	info, err := f.FetchByNumber(context.Background(), 42)
	require.NoError(t, err)
	require.True(t, info.FallbackBatchUsed, "must flag fallback distinctly rather than silently succeed")
	require.Equal(t, uint64(99), info.Batch.BatchNumber)
}

func TestFetchByNumberFallbackAlsoUnsignedFails(t *testing.T) {
	logger := zerolog.Nop()
	client := &fakeFetcherClient{
		signedAfter: 100,
		latest:      upstream.BatchQueryResult{BatchNumber: 99},
	}
	f := New(Config{MaxRetries: 2, PollingInterval: time.Millisecond}, client, &logger)

	_, err := f.FetchByNumber(context.Background(), 42)
	require.ErrorIs(t, err, errs.ErrBatchInvalid)
}
