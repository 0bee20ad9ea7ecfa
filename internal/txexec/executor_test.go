package txexec

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sedaprotocol/seda-evm-pusher/pkg/errs"
)

type fakeSequences struct {
	mu         sync.Mutex
	marked     []uint64
	released   []uint64
	reconciled []uint64
}

func (f *fakeSequences) MarkSuccess(seq uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, seq)
}

func (f *fakeSequences) Release(seq uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, seq)
}

func (f *fakeSequences) ReconcileWithChain(chainSeq uint64, maxDrift uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled = append(f.reconciled, chainSeq)
	return false
}

func newTestExecutor(seqs *fakeSequences, reallocate func(context.Context) (uint64, error)) *Executor {
	logger := zerolog.Nop()
	return New(seqs, reallocate, func(ctx context.Context) (uint64, error) { return 10, nil }, 2*time.Second, 3, &logger)
}

func TestExecuteSuccessMarksSequence(t *testing.T) {
	seqs := &fakeSequences{}
	e := newTestExecutor(seqs, nil)

	result, err := Execute(context.Background(), e, 7, func(ctx context.Context, seq uint64, attempt int) (string, error) {
		return "ok", nil
	})

	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, []uint64{7}, seqs.marked)
	require.Empty(t, seqs.released)
}

func TestExecuteAlreadyExistsTreatedAsSuccess(t *testing.T) {
	seqs := &fakeSequences{}
	e := newTestExecutor(seqs, nil)

	_, err := Execute(context.Background(), e, 7, func(ctx context.Context, seq uint64, attempt int) (string, error) {
		return "", errs.ErrAlreadyExists
	})

	require.NoError(t, err)
	require.Equal(t, []uint64{7}, seqs.marked)
}

func TestExecuteSequenceMismatchRetriesWithFreshSequence(t *testing.T) {
	seqs := &fakeSequences{}
	calls := 0
	e := newTestExecutor(seqs, func(ctx context.Context) (uint64, error) { return 10, nil })

	result, err := Execute(context.Background(), e, 7, func(ctx context.Context, seq uint64, attempt int) (string, error) {
		calls++
		if attempt == 1 {
			require.Equal(t, uint64(7), seq)
			return "", errs.ErrSequenceMismatch
		}
		require.Equal(t, uint64(10), seq)
		return "recovered", nil
	})

	require.NoError(t, err)
	require.Equal(t, "recovered", result)
	require.Equal(t, 2, calls)
	require.Equal(t, []uint64{7}, seqs.released)
	require.Equal(t, []uint64{10}, seqs.marked)
}

func TestExecuteSequenceMismatchBoundedToFiveAttempts(t *testing.T) {
	seqs := &fakeSequences{}
	calls := 0
	e := newTestExecutor(seqs, func(ctx context.Context) (uint64, error) { return 10, nil })

	_, err := Execute(context.Background(), e, 7, func(ctx context.Context, seq uint64, attempt int) (string, error) {
		calls++
		return "", errs.ErrSequenceMismatch
	})

	require.Error(t, err)
	require.Equal(t, MaxSequenceMismatchAttempts, calls)
}

func TestExecuteOtherErrorReleasesAndAborts(t *testing.T) {
	seqs := &fakeSequences{}
	e := newTestExecutor(seqs, nil)

	_, err := Execute(context.Background(), e, 7, func(ctx context.Context, seq uint64, attempt int) (string, error) {
		return "", errors.New("some other failure")
	})

	require.Error(t, err)
	require.Equal(t, []uint64{7}, seqs.released)
	require.Empty(t, seqs.marked)
}

func TestExecuteDeadlineExceededReleasesSequence(t *testing.T) {
	seqs := &fakeSequences{}
	logger := zerolog.Nop()
	e := New(seqs, nil, nil, 20*time.Millisecond, 3, &logger)

	_, err := Execute(context.Background(), e, 7, func(ctx context.Context, seq uint64, attempt int) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	require.Error(t, err)
	require.Equal(t, []uint64{7}, seqs.released)
}
