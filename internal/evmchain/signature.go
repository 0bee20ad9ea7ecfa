package evmchain

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/sedaprotocol/seda-evm-pusher/pkg/errs"
	"github.com/sedaprotocol/seda-evm-pusher/pkg/models"
)

// consensusThreshold is the minimum summed voting-power percentage
// required to accept a batch (§3, §4.8 step 3): "require sum >= 66.67".
const consensusThreshold = 66.67

// recoveredSignature is one signature after recovery and validator
// matching, ready to be sorted and submitted.
type recoveredSignature struct {
	ethAddress  common.Address
	votingPower float64
	formatted   [65]byte // r(32) || s(32) || v(1)
	proof       [][32]byte
}

// normalizeRecoveryID converts an Ethereum-convention v (27/28, or
// already 0/1) into the 0/1 form crypto.SigToPub expects.
func normalizeRecoveryID(sig [65]byte) [65]byte {
	out := sig
	if out[64] >= 27 {
		out[64] -= 27
	}
	return out
}

// recoverSignatures implements §4.8's signature-processing core: for
// each raw signature, recover the signer's address via secp256k1 over
// batchId, match it against the validator tree, and gate on the 2/3
// voting-power threshold. Returns the sorted, submission-ready bundles.
func recoverSignatures(batchID [32]byte, rawSignatures []models.BatchSignature, tree *ValidatorTree) ([]recoveredSignature, float64, error) {
	recovered := make([]recoveredSignature, 0, len(rawSignatures))
	var totalVotingPower float64
	seen := make(map[common.Address]bool)

	for _, raw := range rawSignatures {
		normalized := normalizeRecoveryID(raw.RawSignature)

		pubKey, err := crypto.SigToPub(batchID[:], normalized[:])
		if err != nil {
			// A signature that fails to recover is skipped, not fatal --
			// other validators may still reach consensus.
			continue
		}
		addr := crypto.PubkeyToAddress(*pubKey)

		leaf, ok := tree.byAddr[addr]
		if !ok {
			continue // recovered address is not in the validator set; reject
		}
		if seen[addr] {
			continue // duplicate signature for the same validator
		}
		seen[addr] = true

		proof, err := tree.ProofFor(addr)
		if err != nil {
			continue
		}

		votingPower := float64(leaf.votingPower) / 100
		totalVotingPower += votingPower

		recovered = append(recovered, recoveredSignature{
			ethAddress:  addr,
			votingPower: votingPower,
			formatted:   formatSignature(raw.RawSignature),
			proof:       proof,
		})
	}

	if totalVotingPower < consensusThreshold {
		return nil, totalVotingPower, fmt.Errorf("summed voting power %.2f%% below threshold %.2f%%: %w", totalVotingPower, consensusThreshold, errs.ErrConsensusNotReached)
	}

	sort.Slice(recovered, func(i, j int) bool {
		return compareAddresses(recovered[i].ethAddress, recovered[j].ethAddress) < 0
	})

	return recovered, totalVotingPower, nil
}

// formatSignature reformats a raw signature into {r(32) || s(32) || v(1)}
// with v restored to Ethereum convention (27/28), the format the
// destination contract expects (§4.8 step 4).
func formatSignature(raw [65]byte) [65]byte {
	out := raw
	if out[64] < 27 {
		out[64] += 27
	}
	return out
}

func compareAddresses(a, b common.Address) int {
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
