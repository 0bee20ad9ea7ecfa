// Package sequence implements the per-signer monotonic sequence allocator
// (C2) and the chain-reconciling validator loop (C4). It is the one place
// in the orchestrator allowed to hand out a transaction sequence number,
// mirroring the way the teacher's syncer.go centralizes its checkpoint
// cursor behind a single mutex-guarded owner.
package sequence

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	allocatedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seda_pusher_sequence_allocated_count",
		Help: "Number of sequences currently allocated but not yet confirmed or released.",
	})
	nextSequenceGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seda_pusher_sequence_next",
		Help: "The next sequence number the allocator will hand out.",
	})
	confirmedSequenceGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seda_pusher_sequence_confirmed",
		Help: "The highest confirmed sequence number.",
	})
	majorSyncCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seda_pusher_sequence_major_sync_total",
		Help: "Number of times ReconcileWithChain forced a major resync (allocated set cleared).",
	})
)

// pendingTTL is the hard lifetime of an allocated-but-unconfirmed
// sequence before it is eligible for reaping (§3 "PendingSequence").
const pendingTTL = 30 * time.Second

// pendingEntry tracks one allocated-but-not-confirmed sequence, so stale
// entries abandoned by a crashed or timed-out task can be reaped instead
// of permanently blocking nextSequence's advance.
type pendingEntry struct {
	startedAt time.Time
	attempts  int
}

// Allocator owns nextSequence, confirmedSequence, and the allocated set
// for a single signer account. All mutation is serialized by mu; this is
// the only writer of that state in the process (§5 "Mutable shared
// state").
type Allocator struct {
	mu                sync.Mutex
	nextSequence      uint64
	confirmedSequence uint64
	allocated         map[uint64]*pendingEntry

	logger *zerolog.Logger
}

// New constructs an Allocator seeded at seed (the account's sequence at
// startup, per §6 "On restart, the sequence allocator re-seeds from the
// chain via the validator").
func New(seed uint64, logger *zerolog.Logger) *Allocator {
	a := &Allocator{
		nextSequence:      seed,
		confirmedSequence: 0,
		allocated:         make(map[uint64]*pendingEntry),
		logger:            logger,
	}
	if seed > 0 {
		a.confirmedSequence = seed - 1
	}
	a.publishGauges()
	return a
}

// Allocate returns the next usable sequence, advancing past any
// still-allocated holes, and records it as in-flight. Contention is
// serialized by mu itself -- the lock IS the backoff, since allocation
// is O(holes) and never needs to wait on external state.
func (a *Allocator) Allocate(ctx context.Context) (uint64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.reapExpiredLocked()

	seq := a.nextSequence
	for {
		if _, taken := a.allocated[seq]; !taken {
			break
		}
		seq++
	}

	a.allocated[seq] = &pendingEntry{startedAt: time.Now(), attempts: 1}
	if seq >= a.nextSequence {
		a.nextSequence = seq + 1
	}
	a.publishGaugesLocked()

	return seq, nil
}

// MarkSuccess records seq as confirmed: it is removed from the allocated
// set, confirmedSequence advances to seq if higher, and nextSequence
// advances past it.
func (a *Allocator) MarkSuccess(seq uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.allocated, seq)
	if seq > a.confirmedSequence {
		a.confirmedSequence = seq
	}
	if a.confirmedSequence+1 > a.nextSequence {
		a.nextSequence = a.confirmedSequence + 1
	}
	a.publishGaugesLocked()
}

// Release drops seq from the allocated set with no effect on the
// counters, used when a task fails non-recoverably (§4.2).
func (a *Allocator) Release(seq uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.allocated, seq)
	a.publishGaugesLocked()
}

// ReconcileWithChain compares the local counters against the chain's
// reported sequence. A large behind-drift forces a major resync
// (clearing allocated, since any in-flight sequence is now stale); a
// small drift only nudges confirmed upward. Ahead-of-chain drift is
// ignored -- the chain simply hasn't caught up yet. Returns true if a
// major resync occurred.
func (a *Allocator) ReconcileWithChain(chainSeq uint64, maxDrift uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.nextSequence >= chainSeq {
		// Local is at or ahead of chain; nothing to do.
		return false
	}

	drift := chainSeq - a.nextSequence
	if drift <= maxDrift {
		if chainSeq > 0 && chainSeq-1 > a.confirmedSequence {
			a.confirmedSequence = chainSeq - 1
		}
		a.publishGaugesLocked()
		return false
	}

	if a.logger != nil {
		a.logger.Warn().
			Uint64("local_next", a.nextSequence).
			Uint64("chain_sequence", chainSeq).
			Uint64("drift", drift).
			Msg("sequence: major drift detected, forcing resync")
	}

	a.confirmedSequence = chainSeq - 1
	a.nextSequence = chainSeq
	a.allocated = make(map[uint64]*pendingEntry)
	majorSyncCounter.Inc()
	a.publishGaugesLocked()
	return true
}

// Snapshot returns the current (next, confirmed, allocatedCount) triple,
// useful for tests and status reporting.
func (a *Allocator) Snapshot() (next, confirmed uint64, allocatedCount int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextSequence, a.confirmedSequence, len(a.allocated)
}

// reapExpiredLocked drops allocated entries that have outlived pendingTTL,
// per §3's "PendingSequence ... with a hard TTL ... after which it is
// reaped." Caller must hold mu.
func (a *Allocator) reapExpiredLocked() {
	now := time.Now()
	for seq, entry := range a.allocated {
		if now.Sub(entry.startedAt) > pendingTTL {
			delete(a.allocated, seq)
			if a.logger != nil {
				a.logger.Warn().Uint64("sequence", seq).Msg("sequence: reaped expired pending allocation")
			}
		}
	}
}

func (a *Allocator) publishGauges() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.publishGaugesLocked()
}

func (a *Allocator) publishGaugesLocked() {
	allocatedGauge.Set(float64(len(a.allocated)))
	nextSequenceGauge.Set(float64(a.nextSequence))
	confirmedSequenceGauge.Set(float64(a.confirmedSequence))
}
