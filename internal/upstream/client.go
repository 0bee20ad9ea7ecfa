// Package upstream defines the boundary to the SEDA consensus chain and
// its implementation: the five operations the orchestrator consumes
// (§6 "Upstream chain (consumed)"). The SEDA wire protocol itself is out
// of scope (§1); QueryAccountSequence is implemented for real against a
// Cosmos SDK x/auth gRPC endpoint, while the SEDA-specific RPCs are
// adapted over a REST/JSON endpoint.
package upstream

import (
	"context"
	"time"
)

// PostDataRequestInput is the request body for PostDataRequest.
type PostDataRequestInput struct {
	Memo           string
	SequenceNumber uint64
}

// GasOptions bounds the gas the submission may consume on the upstream
// chain.
type GasOptions struct {
	GasLimit uint64
	GasPrice string
}

// PostDataRequestResult is returned by a successful PostDataRequest call.
type PostDataRequestResult struct {
	DrID        string
	BlockHeight uint64
	TxHash      string
}

// AwaitDataResultOptions bounds how long AwaitDataResult may poll.
type AwaitDataResultOptions struct {
	TimeoutSec     int
	PollIntervalSec int
}

// DataResult is the outcome of a completed DataRequest.
type DataResult struct {
	DrID        string
	ExitCode    int
	Result      []byte
	BlockHeight uint64
	GasUsed     uint64
	Consensus   bool
}

// DataResultAssignment is the batch a completed DataRequest landed in.
type DataResultAssignment struct {
	BatchNumber uint64
}

// BatchQueryResult bundles everything QueryBatch returns for one batch.
type BatchQueryResult struct {
	BatchNumber      uint64
	BatchID          [32]byte
	BlockHeight      uint64
	DataResultRoot   [32]byte
	ValidatorRoot    [32]byte
	Signatures       []RawBatchSignature
	ValidatorEntries []RawValidatorEntry
	DataRequestIDs   []string
}

// RawBatchSignature is a signature as reported by the upstream chain,
// before signature recovery (§4.8 step 1).
type RawBatchSignature struct {
	ValidatorAddress string
	RawSignature     [65]byte
}

// RawValidatorEntry is a validator-set entry as reported upstream.
type RawValidatorEntry struct {
	ValidatorAddress      string
	EthAddress            [20]byte
	VotingPowerPercentage float64
}

// Client is the upstream chain boundary (§6). Implementations must
// honor ctx cancellation on every call.
type Client interface {
	// PostDataRequest submits a transaction bound to input.SequenceNumber.
	// Failure modes include ErrSequenceMismatch and ErrAlreadyExists
	// (errs package).
	PostDataRequest(ctx context.Context, input PostDataRequestInput, gas GasOptions) (PostDataRequestResult, error)

	// AwaitDataResult polls until drId resolves or opts.TimeoutSec elapses.
	AwaitDataResult(ctx context.Context, drID string, height uint64, opts AwaitDataResultOptions) (DataResult, error)

	// QueryAccountSequence returns the account's current on-chain
	// sequence number, querying endpoint (primary or a configured
	// fallback).
	QueryAccountSequence(ctx context.Context, address string, endpoint string) (uint64, error)

	// QueryDataResult returns the batch a completed DataRequest was
	// assigned to (BatchNumber 0 when the result exists but no batch is
	// attached yet), or an error such as errs.ErrNotFound if no result is
	// found.
	QueryDataResult(ctx context.Context, drID string, height uint64) (DataResultAssignment, error)

	// QueryBatch returns a batch's full signed contents. If latestSigned
	// is true, batchNumber is ignored and the chain's most recent signed
	// batch is returned instead (§4.7 fallback path).
	QueryBatch(ctx context.Context, batchNumber uint64, latestSigned bool) (BatchQueryResult, error)
}

// DefaultAwaitDataResultOptions mirrors the teacher's conservative
// polling defaults (§5 "DR result await (configurable, typically 60-120 s)").
func DefaultAwaitDataResultOptions() AwaitDataResultOptions {
	return AwaitDataResultOptions{TimeoutSec: 90, PollIntervalSec: 3}
}

// DefaultPostingTimeout is the default deadline for PostDataRequest calls
// (§5: "DR submission (default 15-20 s)").
const DefaultPostingTimeout = 20 * time.Second
