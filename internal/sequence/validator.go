package sequence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sedaprotocol/seda-evm-pusher/internal/upstream"
)

// DefaultValidationInterval is how often the validator queries chain
// state (§4.4: "at most once per VALIDATION_INTERVAL (default 5 s)").
const DefaultValidationInterval = 5 * time.Second

// DefaultMaxDrift is the drift threshold ReconcileWithChain uses to
// distinguish a minor nudge from a major resync.
const DefaultMaxDrift = 3

// Validator periodically queries the chain's reported account sequence
// and drives the allocator's reconciliation, detecting drift caused by
// a restart, a skipped block, or an external submitter.
type Validator struct {
	allocator       *Allocator
	client          upstream.Client
	address         string
	primaryEndpoint string
	fallbackEndpoints []string
	interval        time.Duration
	maxDrift        uint64
	logger          *zerolog.Logger

	mu       sync.Mutex
	lastSeq  uint64
	lastOK   bool
}

// NewValidator constructs a Validator. If interval is zero,
// DefaultValidationInterval is used.
func NewValidator(allocator *Allocator, client upstream.Client, address, primaryEndpoint string, fallbackEndpoints []string, interval time.Duration, maxDrift uint64, logger *zerolog.Logger) *Validator {
	if interval <= 0 {
		interval = DefaultValidationInterval
	}
	if maxDrift == 0 {
		maxDrift = DefaultMaxDrift
	}
	return &Validator{
		allocator:         allocator,
		client:            client,
		address:           address,
		primaryEndpoint:   primaryEndpoint,
		fallbackEndpoints: fallbackEndpoints,
		interval:          interval,
		maxDrift:          maxDrift,
		logger:            logger,
	}
}

// QueryOnce performs a single query-and-reconcile cycle, trying the
// primary endpoint first and falling back in order on failure. On total
// failure it reports "unknown" and defers -- no reconciliation happens
// (§4.4).
func (v *Validator) QueryOnce(ctx context.Context) {
	endpoints := append([]string{v.primaryEndpoint}, v.fallbackEndpoints...)

	var lastErr error
	for _, endpoint := range endpoints {
		seq, err := v.client.QueryAccountSequence(ctx, v.address, endpoint)
		if err != nil {
			lastErr = err
			continue
		}

		v.mu.Lock()
		v.lastSeq, v.lastOK = seq, true
		v.mu.Unlock()

		v.allocator.ReconcileWithChain(seq, v.maxDrift)
		return
	}

	v.mu.Lock()
	v.lastOK = false
	v.mu.Unlock()

	if v.logger != nil {
		v.logger.Warn().Err(lastErr).Str("address", v.address).Msg("sequence validator: all endpoints failed, reporting unknown")
	}
}

// SeedFromChain performs a single synchronous query used at startup to
// seed the allocator from chain truth (§6: "On restart, the sequence
// allocator re-seeds from the chain via the validator"). On total
// failure it conservatively returns 0, per §4.4's cold-start fallback.
func (v *Validator) SeedFromChain(ctx context.Context) uint64 {
	endpoints := append([]string{v.primaryEndpoint}, v.fallbackEndpoints...)

	for _, endpoint := range endpoints {
		seq, err := v.client.QueryAccountSequence(ctx, v.address, endpoint)
		if err == nil {
			return seq
		}
	}
	return 0
}

// Run loops QueryOnce at v.interval until ctx is canceled.
func (v *Validator) Run(ctx context.Context) {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.QueryOnce(ctx)
		}
	}
}

// LastObserved returns the last chain sequence seen and whether the
// query succeeded.
func (v *Validator) LastObserved() (seq uint64, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastSeq, v.lastOK
}
