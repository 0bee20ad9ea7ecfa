package evmchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/sedaprotocol/seda-evm-pusher/internal/eventbus"
	"github.com/sedaprotocol/seda-evm-pusher/internal/obs"
	"github.com/sedaprotocol/seda-evm-pusher/pkg/errs"
	"github.com/sedaprotocol/seda-evm-pusher/pkg/models"
	"github.com/sedaprotocol/seda-evm-pusher/pkg/retryx"
)

// isBatchPushedTTL bounds how long an IsBatchPushed result, positive or
// negative, is cached before being re-verified on-chain (§4.8: "TTL-bounded cache
// (default 60 s)").
const isBatchPushedTTL = 60 * time.Second

// consecutiveFailureThreshold is the run length that flips a chain's
// reported health to unhealthy (§4.8).
const consecutiveFailureThreshold = 3

var pushDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "seda_pusher_chain_push_duration_seconds",
	Help:    "Duration of PushBatch calls per destination chain.",
	Buckets: prometheus.DefBuckets,
}, []string{"chain"})

var pushResultCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "seda_pusher_chain_push_total",
	Help: "PushBatch outcomes per destination chain.",
}, []string{"chain", "result"})

type cachedPushedEntry struct {
	pushed    bool
	cachedAt  time.Time
}

// chainClient is the slice of *Client that Executor depends on, narrowed
// to an interface so tests can substitute a fake chain RPC (grounded on
// the upstream.Client / sequenceOwner pattern used elsewhere).
type chainClient interface {
	GetLastBatchHeight(ctx context.Context) (uint64, error)
	EstimateGasForPostBatch(ctx context.Context, signer common.Address, batch ProverContractBatch, signatures [][]byte, proofs []ProverValidatorProof) (uint64, error)
	SubmitPostBatch(ctx context.Context, key *ecdsa.PrivateKey, gasLimit uint64, useEIP1559 bool, batch ProverContractBatch, signatures [][]byte, proofs []ProverValidatorProof) (common.Hash, error)
	WaitForConfirmations(ctx context.Context, txHash common.Hash, required uint64, blockTime, timeout time.Duration) (blockNumber uint64, confirmations uint64, err error)
	CheckHealth(ctx context.Context) error
}

// Executor is one destination chain's Chain Executor (C8). It owns its
// status cache and statistics exclusively (§3 "Ownership").
type Executor struct {
	chainName string
	client    chainClient
	cfg       obs.ChainConfig
	signer    *ecdsa.PrivateKey
	bus       *eventbus.Bus
	logger    *zerolog.Logger

	mu             sync.Mutex
	pushedCache    map[uint64]cachedPushedEntry
	statusCache    map[uint64]models.ChainBatchStatus
	stats          models.ChainExecutorStats
	lastHealthy    bool
}

// New constructs an Executor for one destination chain.
func New(chainName string, client chainClient, cfg obs.ChainConfig, signer *ecdsa.PrivateKey, bus *eventbus.Bus, logger *zerolog.Logger) *Executor {
	return &Executor{
		chainName:   chainName,
		client:      client,
		cfg:         cfg,
		signer:      signer,
		bus:         bus,
		logger:      logger,
		pushedCache: make(map[uint64]cachedPushedEntry),
		statusCache: make(map[uint64]models.ChainBatchStatus),
		lastHealthy: true,
	}
}

// PushBatch implements §4.8's full operation: idempotency short-circuit,
// structural validation, signature recovery/consensus gate, gas
// estimation, submission, and confirmation wait.
func (e *Executor) PushBatch(ctx context.Context, info models.BatchTrackingInfo) models.BatchPushResult {
	start := time.Now()
	batch := info.Batch

	result := e.pushBatchInner(ctx, batch)
	result.Duration = time.Since(start)

	pushDurationHistogram.WithLabelValues(e.chainName).Observe(result.Duration.Seconds())
	e.recordOutcome(result)

	if e.bus != nil {
		topic := models.TopicBatchPushSuccess
		if !result.Success {
			topic = models.TopicBatchPushFailed
		}
		e.bus.Publish(models.Event{
			Topic:     topic,
			Emitter:   "chain-executor:" + e.chainName,
			Timestamp: time.Now(),
			Payload:   models.BatchPushResultPayload{BatchNumber: batch.BatchNumber, Result: result},
		})
	}

	return result
}

func (e *Executor) pushBatchInner(ctx context.Context, batch models.Batch) models.BatchPushResult {
	if pushed, ok := e.IsBatchPushed(ctx, batch.BatchNumber); ok && pushed {
		pushResultCounter.WithLabelValues(e.chainName, "already-pushed").Inc()
		return models.BatchPushResult{ChainName: e.chainName, Success: true, AlreadyPushed: true, TxHash: "already-pushed"}
	}

	if err := validateBatch(batch); err != nil {
		pushResultCounter.WithLabelValues(e.chainName, "invalid").Inc()
		return models.BatchPushResult{ChainName: e.chainName, Success: false, Error: err.Error()}
	}

	tree, err := BuildValidatorTree(batch.ValidatorEntries)
	if err != nil {
		pushResultCounter.WithLabelValues(e.chainName, "invalid").Inc()
		return models.BatchPushResult{ChainName: e.chainName, Success: false, Error: err.Error()}
	}

	recovered, _, err := recoverSignatures(batch.BatchID, batch.Signatures, tree)
	if err != nil {
		outcome := "invalid"
		if errors.Is(err, errs.ErrConsensusNotReached) {
			outcome = "consensus-not-reached"
		}
		pushResultCounter.WithLabelValues(e.chainName, outcome).Inc()
		return models.BatchPushResult{ChainName: e.chainName, Success: false, Error: err.Error()}
	}

	contractBatch := ProverContractBatch{
		BatchNumber:    batch.BatchNumber,
		BatchID:        batch.BatchID,
		BlockHeight:    batch.BlockHeight,
		DataResultRoot: batch.DataResultRoot,
		ValidatorRoot:  tree.Root(),
	}

	signatures := make([][]byte, len(recovered))
	proofs := make([]ProverValidatorProof, len(recovered))
	for i, r := range recovered {
		signatures[i] = r.formatted[:]
		flatProof := make([][32]byte, len(r.proof))
		copy(flatProof, r.proof)
		proofs[i] = ProverValidatorProof{
			EthAddress:  r.ethAddress,
			VotingPower: uint32(r.votingPower * 100),
			MerkleProof: flatProof,
		}
	}

	signer := crypto.PubkeyToAddress(e.signer.PublicKey)

	submitResult, err := retryx.Retry(ctx, func(ctx context.Context, attempt int) (retrySubmitResult, error) {
		gasEstimate, err := e.client.EstimateGasForPostBatch(ctx, signer, contractBatch, signatures, proofs)
		if err != nil {
			return retrySubmitResult{}, err
		}
		gasLimit := ApplyGasBuffer(gasEstimate, 20, e.cfg.Gas.BatchPushGasLimit)

		hash, err := e.client.SubmitPostBatch(ctx, e.signer, gasLimit, e.cfg.Gas.UseEIP1559, contractBatch, signatures, proofs)
		if err != nil {
			return retrySubmitResult{}, err
		}
		return retrySubmitResult{hash: hash, gasUsed: gasLimit}, nil
	}, e.cfg.Retry.MaxAttempts, e.cfg.Retry.InitialDelay(), e.cfg.Retry.BackoffMultiplier, e.cfg.Retry.MaxDelay())

	if err != nil {
		pushResultCounter.WithLabelValues(e.chainName, "submit-failed").Inc()
		return models.BatchPushResult{ChainName: e.chainName, Success: false, Error: err.Error()}
	}
	txHash := submitResult.hash

	blockNumber, confirmations, err := e.client.WaitForConfirmations(ctx, txHash, e.cfg.Confirmations.Required, e.cfg.Confirmations.BlockTime(), e.cfg.Confirmations.Timeout())
	if err != nil {
		pushResultCounter.WithLabelValues(e.chainName, "confirmation-failed").Inc()
		e.setStatus(batch.BatchNumber, models.ChainBatchStatus{State: models.ChainPushFailed, TxHash: txHash.Hex(), LastError: err.Error(), LastAttemptAt: time.Now()})
		return models.BatchPushResult{ChainName: e.chainName, Success: false, TxHash: txHash.Hex(), Error: err.Error()}
	}

	e.setStatus(batch.BatchNumber, models.ChainBatchStatus{
		State:         models.ChainPushPushed,
		TxHash:        txHash.Hex(),
		BlockNumber:   blockNumber,
		Confirmations: confirmations,
		LastAttemptAt: time.Now(),
	})
	e.setPushedCache(batch.BatchNumber, true)

	pushResultCounter.WithLabelValues(e.chainName, "success").Inc()
	return models.BatchPushResult{ChainName: e.chainName, Success: true, TxHash: txHash.Hex(), GasUsed: submitResult.gasUsed}
}

type retrySubmitResult struct {
	hash    common.Hash
	gasUsed uint64
}

func validateBatch(batch models.Batch) error {
	var zero [32]byte
	if batch.BatchID == zero {
		return fmt.Errorf("batch id is empty: %w", errs.ErrBatchInvalid)
	}
	if batch.BatchNumber == 0 {
		return fmt.Errorf("batch number must be > 0: %w", errs.ErrBatchInvalid)
	}
	if batch.ValidatorRoot == zero {
		return fmt.Errorf("validator root is empty: %w", errs.ErrBatchInvalid)
	}
	if batch.DataResultRoot == zero {
		return fmt.Errorf("data result root is empty: %w", errs.ErrBatchInvalid)
	}
	if len(batch.Signatures) == 0 {
		return fmt.Errorf("batch has no signatures: %w", errs.ErrBatchInvalid)
	}
	if len(batch.ValidatorEntries) == 0 {
		return fmt.Errorf("batch has no validator entries: %w", errs.ErrBatchInvalid)
	}
	return nil
}

// IsBatchPushed consults the TTL-bounded cache; on miss or expiry it
// queries the prover contract directly (§4.8).
func (e *Executor) IsBatchPushed(ctx context.Context, batchNumber uint64) (bool, bool) {
	e.mu.Lock()
	entry, ok := e.pushedCache[batchNumber]
	e.mu.Unlock()

	if ok && time.Since(entry.cachedAt) < isBatchPushedTTL {
		return entry.pushed, true
	}

	lastHeight, err := e.client.GetLastBatchHeight(ctx)
	if err != nil {
		return false, false
	}

	pushed := batchNumber > 0 && lastHeight >= batchNumber
	e.setPushedCache(batchNumber, pushed)
	return pushed, true
}

func (e *Executor) setPushedCache(batchNumber uint64, pushed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pushedCache[batchNumber] = cachedPushedEntry{pushed: pushed, cachedAt: time.Now()}
}

// GetBatchStatus returns the cached status for batchNumber; on a cache
// miss it queries the contract, and on query error reports `failed`.
func (e *Executor) GetBatchStatus(ctx context.Context, batchNumber uint64) models.ChainBatchStatus {
	e.mu.Lock()
	status, ok := e.statusCache[batchNumber]
	e.mu.Unlock()
	if ok {
		return status
	}

	pushed, queried := e.IsBatchPushed(ctx, batchNumber)
	if !queried {
		return models.ChainBatchStatus{State: models.ChainPushFailed, LastError: "unable to query prover contract"}
	}
	if pushed {
		status = models.ChainBatchStatus{State: models.ChainPushPushed}
	} else {
		status = models.ChainBatchStatus{State: models.ChainPushPending}
	}
	e.setStatus(batchNumber, status)
	return status
}

func (e *Executor) setStatus(batchNumber uint64, status models.ChainBatchStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statusCache[batchNumber] = status
}

// CheckHealth performs a liveness probe against the chain RPC (§4.8).
func (e *Executor) CheckHealth(ctx context.Context) models.HealthStatus {
	if err := e.client.CheckHealth(ctx); err != nil {
		return models.HealthUnhealthy
	}
	return models.HealthHealthy
}

// Stats returns a snapshot of this chain's running push statistics.
func (e *Executor) Stats() models.ChainExecutorStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Executor) recordOutcome(result models.BatchPushResult) {
	e.mu.Lock()
	e.stats.Total++
	e.stats.TotalPushTime += result.Duration
	e.stats.LastPushTime = time.Now()
	if result.Success {
		e.stats.Successful++
		e.stats.ConsecutiveFailures = 0
	} else {
		e.stats.Failed++
		e.stats.ConsecutiveFailures++
	}
	consecutive := e.stats.ConsecutiveFailures
	wasHealthy := e.lastHealthy
	nowHealthy := consecutive < consecutiveFailureThreshold
	e.lastHealthy = nowHealthy
	e.mu.Unlock()

	if e.bus == nil {
		return
	}
	if wasHealthy && !nowHealthy {
		e.bus.Publish(models.Event{
			Topic:     models.TopicChainHealthChanged,
			Emitter:   "chain-executor:" + e.chainName,
			Timestamp: time.Now(),
			Payload:   models.ChainHealthChangedPayload{ChainName: e.chainName, Status: models.HealthUnhealthy},
		})
	} else if !wasHealthy && nowHealthy {
		e.bus.Publish(models.Event{
			Topic:     models.TopicChainHealthChanged,
			Emitter:   "chain-executor:" + e.chainName,
			Timestamp: time.Now(),
			Payload:   models.ChainHealthChangedPayload{ChainName: e.chainName, Status: models.HealthHealthy},
		})
	}
}
