// Package errs defines the small set of sentinel errors that classify
// upstream/destination-chain failures (§7). Components compare against
// these with errors.Is rather than matching substrings, the way the
// teacher's pkg/txhelper.IsRetryableError matched raw RPC error text --
// generalized here into typed errors since the set of failure categories
// is now closed and shared across packages.
package errs

import "errors"

var (
	// ErrSequenceMismatch is returned when the upstream chain rejects a
	// transaction because its bound sequence does not match the account's
	// current sequence (§4.3, §7).
	ErrSequenceMismatch = errors.New("account sequence mismatch")

	// ErrAlreadyExists signals a duplicate-content idempotency hit: the
	// upstream chain already has this exact DataRequest recorded. Treated
	// as success per §4.3/§7.
	ErrAlreadyExists = errors.New("data request already exists")

	// ErrConsensusNotReached is returned when a batch's summed signing
	// voting power falls short of the 2/3 threshold (§4.8 step 3, S5).
	ErrConsensusNotReached = errors.New("consensus not reached")

	// ErrBatchInvalid covers structural validation failures: missing
	// batch id, zero batch number, malformed merkle root, empty
	// signature/validator arrays (§4.8 step ii, §7).
	ErrBatchInvalid = errors.New("batch failed validation")

	// ErrNotFound is returned by upstream queries (DataResult, Batch) that
	// have no matching record yet.
	ErrNotFound = errors.New("not found")

	// ErrTimeout marks a deadline-bounded operation that did not complete
	// in time (§5 "Cancellation & timeouts").
	ErrTimeout = errors.New("operation timed out")

	// ErrUnhealthy is returned by a health probe that cannot reach its
	// target.
	ErrUnhealthy = errors.New("unhealthy")
)
