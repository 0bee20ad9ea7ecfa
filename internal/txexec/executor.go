// Package txexec implements the Transaction Executor (C3): it binds a
// submit closure to one allocated sequence, enforces a deadline, and
// classifies failures into retry, idempotent-success, or abort, per §4.3.
package txexec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sedaprotocol/seda-evm-pusher/pkg/errs"
	"github.com/sedaprotocol/seda-evm-pusher/pkg/retryx"
)

// sequenceOwner is the minimal surface C3 needs from the sequence
// allocator: mark a sequence confirmed, release it, or force a
// resync. Defined locally to avoid a hard import cycle and keep C3
// testable against a fake.
type sequenceOwner interface {
	MarkSuccess(seq uint64)
	Release(seq uint64)
	ReconcileWithChain(chainSeq uint64, maxDrift uint64) bool
}

// chainSequenceQuerier resolves the chain's current sequence when a
// mismatch is detected, so the allocator can reconcile before retrying.
type chainSequenceQuerier func(ctx context.Context) (uint64, error)

// SubmitFunc performs one submission attempt bound to seq, returning a
// task-defined result on success.
type SubmitFunc[T any] func(ctx context.Context, seq uint64, attempt int) (T, error)

// MaxSequenceMismatchAttempts bounds retries on a SequenceMismatch per
// §4.3/§7: "bounded to 5 attempts."
const MaxSequenceMismatchAttempts = 5

const (
	mismatchBackoffInitial    = 250 * time.Millisecond
	mismatchBackoffMultiplier = 1.5
	mismatchBackoffCap        = time.Second
)

// Executor runs Execute against a sequence owner and a fresh-sequence
// supplier, applying the deadline and classification rules of §4.3.
type Executor struct {
	sequences     sequenceOwner
	reallocate    func(ctx context.Context) (uint64, error)
	queryChainSeq chainSequenceQuerier
	deadline      time.Duration
	maxDrift      uint64
	logger        *zerolog.Logger
}

// New constructs an Executor. reallocate must return a fresh sequence
// (typically the allocator's Allocate). queryChainSeq resolves the
// chain's current sequence on a mismatch, for reconciliation; it may be
// nil if no live query is available, in which case reconciliation is
// skipped and only a fresh allocation is tried.
func New(sequences sequenceOwner, reallocate func(ctx context.Context) (uint64, error), queryChainSeq chainSequenceQuerier, deadline time.Duration, maxDrift uint64, logger *zerolog.Logger) *Executor {
	if deadline <= 0 {
		deadline = 20 * time.Second
	}
	if maxDrift == 0 {
		maxDrift = 3
	}
	return &Executor{
		sequences:     sequences,
		reallocate:    reallocate,
		queryChainSeq: queryChainSeq,
		deadline:      deadline,
		maxDrift:      maxDrift,
		logger:        logger,
	}
}

// Execute runs submit bound to seq. Exactly one of MarkSuccess or Release
// is called per allocation, even if submit panics or the deadline expires
// (§4.3 invariant).
func Execute[T any](ctx context.Context, e *Executor, seq uint64, submit SubmitFunc[T]) (T, error) {
	var zero T
	currentSeq := seq
	settled := false

	defer func() {
		if r := recover(); r != nil {
			if !settled {
				e.sequences.Release(currentSeq)
			}
			panic(r)
		}
	}()

	for attempt := 1; attempt <= MaxSequenceMismatchAttempts; attempt++ {
		result, err := retryx.WithDeadline(ctx, func(dctx context.Context) (res T, serr error) {
			defer func() {
				if r := recover(); r != nil {
					serr = fmt.Errorf("txexec: submit panicked: %v", r)
				}
			}()
			return submit(dctx, currentSeq, attempt)
		}, e.deadline, "transaction executor")

		if err == nil {
			e.sequences.MarkSuccess(currentSeq)
			settled = true
			return result, nil
		}

		switch {
		case errors.Is(err, errs.ErrAlreadyExists):
			e.sequences.MarkSuccess(currentSeq)
			settled = true
			return result, nil

		case errors.Is(err, errs.ErrSequenceMismatch):
			if e.logger != nil {
				e.logger.Warn().Uint64("sequence", currentSeq).Int("attempt", attempt).Msg("txexec: sequence mismatch, reconciling")
			}
			e.sequences.Release(currentSeq)

			if e.queryChainSeq != nil {
				if chainSeq, qerr := e.queryChainSeq(ctx); qerr == nil {
					e.sequences.ReconcileWithChain(chainSeq, e.maxDrift)
				}
			}

			if attempt == MaxSequenceMismatchAttempts {
				settled = true
				return zero, fmt.Errorf("txexec: exhausted %d attempts on sequence mismatch: %w", MaxSequenceMismatchAttempts, err)
			}

			delay := retryx.Backoff(attempt, mismatchBackoffInitial, mismatchBackoffMultiplier, mismatchBackoffCap)
			select {
			case <-ctx.Done():
				settled = true
				return zero, ctx.Err()
			case <-time.After(delay):
			}

			newSeq, rerr := e.reallocate(ctx)
			if rerr != nil {
				settled = true
				return zero, fmt.Errorf("txexec: failed to reallocate sequence: %w", rerr)
			}
			currentSeq = newSeq

		default:
			e.sequences.Release(currentSeq)
			settled = true
			return zero, err
		}
	}

	settled = true
	return zero, fmt.Errorf("txexec: exhausted retry loop unexpectedly")
}
