// Package models defines the shared data model for the push orchestrator:
// DataRequests, batches, validator signatures, per-chain status, and the
// events emitted as they move through the pipeline.
package models

import "time"

// DataRequestState is the lifecycle state of a posted DataRequest.
type DataRequestState string

const (
	DataRequestAllocated     DataRequestState = "allocated"
	DataRequestPosted        DataRequestState = "posted"
	DataRequestCompleted     DataRequestState = "completed"
	DataRequestBatchAssigned DataRequestState = "batch_assigned"
	DataRequestFailed        DataRequestState = "failed"
)

// DataRequest is a single oracle-style job submitted to the upstream chain.
type DataRequest struct {
	DrID           string           `json:"dr_id"`
	BlockHeight    uint64           `json:"block_height"`
	Memo           string           `json:"memo"`
	SequenceNumber uint64           `json:"sequence_number"`
	State          DataRequestState `json:"state"`
	PostedAt       time.Time        `json:"posted_at"`
	CompletedAt    time.Time        `json:"completed_at,omitempty"`
	BatchAssignedAt time.Time       `json:"batch_assigned_at,omitempty"`
	BatchNumber    uint64           `json:"batch_number,omitempty"`
	RetryCount     int              `json:"retry_count"`
	LastError      string           `json:"last_error,omitempty"`
}

// ValidatorEntry is one validator's weight in the signing set, used to
// build the validator merkle tree.
type ValidatorEntry struct {
	ValidatorAddress     string  `json:"validator_address"`
	EthAddress           [20]byte `json:"eth_address"`
	VotingPowerPercentage float64 `json:"voting_power_percentage"`
}

// BatchSignature is one validator's signature over a batch, plus the
// merkle proof that its entry belongs to the validator set.
type BatchSignature struct {
	ValidatorAddress     string   `json:"validator_address"`
	RawSignature         [65]byte `json:"raw_signature"` // r(32) || s(32) || v(1) or recoverable form
	EthAddress           [20]byte `json:"eth_address"`
	VotingPowerPercentage float64  `json:"voting_power_percentage"`
	MerkleProof          [][]byte `json:"merkle_proof"`
}

// Batch is a unit of cross-chain anchoring: a signed set of DataResults
// from the upstream chain.
type Batch struct {
	BatchNumber      uint64           `json:"batch_number"`
	BatchID          [32]byte         `json:"batch_id"`
	BlockHeight      uint64           `json:"block_height"`
	DataResultRoot   [32]byte         `json:"data_result_root"`
	ValidatorRoot    [32]byte         `json:"validator_root"`
	Signatures       []BatchSignature `json:"signatures"`
	ValidatorEntries []ValidatorEntry `json:"validator_entries"`
	DataRequestIDs   []string         `json:"data_request_ids"`
}

// IsSigned reports whether a batch carries at least one signature and at
// least one validator entry, the minimum bar for "usable" per §4.7.
func (b Batch) IsSigned() bool {
	return len(b.Signatures) > 0 && len(b.ValidatorEntries) > 0
}

// ChainPushState is the per-destination-chain status of a batch push.
type ChainPushState string

const (
	ChainPushPending ChainPushState = "pending"
	ChainPushPushing ChainPushState = "pushing"
	ChainPushPushed  ChainPushState = "pushed"
	ChainPushFailed  ChainPushState = "failed"
)

// ChainBatchStatus is the per-chain record of a batch's push progress.
type ChainBatchStatus struct {
	State         ChainPushState `json:"state"`
	TxHash        string         `json:"tx_hash,omitempty"`
	BlockNumber   uint64         `json:"block_number,omitempty"`
	Confirmations uint64         `json:"confirmations,omitempty"`
	RetryCount    int            `json:"retry_count"`
	LastAttemptAt time.Time      `json:"last_attempt_at,omitempty"`
	NextRetryAt   time.Time      `json:"next_retry_at,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
}

// BatchTrackingInfo is the fully resolved, push-ready view of a batch:
// the signed batch plus bookkeeping the push service needs.
type BatchTrackingInfo struct {
	Batch              Batch
	DiscoveredAt       time.Time
	FallbackBatchUsed  bool // OQ1: fetcher fell back to "latest signed batch"
}

// BatchPushResult is the outcome of pushing one batch to one chain.
type BatchPushResult struct {
	ChainName   string        `json:"chain_name"`
	Success     bool          `json:"success"`
	TxHash      string        `json:"tx_hash,omitempty"`
	GasUsed     uint64        `json:"gas_used,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	AlreadyPushed bool        `json:"already_pushed"`
}

// MultiChainPushResult aggregates per-chain results for one batch.
type MultiChainPushResult struct {
	BatchNumber     uint64                     `json:"batch_number"`
	Results         map[string]BatchPushResult `json:"results"`
	SuccessCount    int                        `json:"success_count"`
	FailureCount    int                        `json:"failure_count"`
	TotalDurationMs int64                      `json:"total_duration_ms"`
}

// ChainExecutorStats accumulates per-chain push statistics (§4.8).
type ChainExecutorStats struct {
	Total               int
	Successful          int
	Failed              int
	TotalPushTime       time.Duration
	ConsecutiveFailures int
	LastPushTime        time.Time
}

// SchedulerStats reports C5's running counters.
type SchedulerStats struct {
	PostedRequests     int64
	SuccessfulRequests int64
	FailedRequests     int64
	ActiveTasks        int64
	TotalRequests      int64
}

// HealthStatus is the tri-state health classification used throughout
// C11's aggregation (§4.11 invariant 9).
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)
