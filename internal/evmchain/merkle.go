package evmchain

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/cbergoon/merkletree"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"

	"github.com/sedaprotocol/seda-evm-pusher/pkg/models"
)

// validatorDomainSeparator prefixes every validator-tree leaf, per §4.8
// step 2: "leaves are H(domainSeparator || ethAddress || votingPower)".
var validatorDomainSeparator = []byte("SEDA_VALIDATOR_LEAF")

// validatorLeaf implements merkletree.Content for one validator entry.
// votingPower is carried as a whole-number basis-point-like integer
// (votingPowerPercentage * 100) so the leaf hash is over fixed-width
// integer bytes rather than a float, matching what an EVM contract can
// reproduce on-chain.
type validatorLeaf struct {
	ethAddress  common.Address
	votingPower uint32
}

func (v validatorLeaf) CalculateHash() ([]byte, error) {
	buf := make([]byte, 0, len(validatorDomainSeparator)+20+4)
	buf = append(buf, validatorDomainSeparator...)
	buf = append(buf, v.ethAddress.Bytes()...)
	powerBytes := make([]byte, 4)
	big.NewInt(int64(v.votingPower)).FillBytes(powerBytes)
	buf = append(buf, powerBytes...)
	return crypto.Keccak256(buf), nil
}

func (v validatorLeaf) Equals(other merkletree.Content) (bool, error) {
	o, ok := other.(validatorLeaf)
	if !ok {
		return false, fmt.Errorf("validatorLeaf.Equals: incompatible content type")
	}
	return v.ethAddress == o.ethAddress && v.votingPower == o.votingPower, nil
}

// votingPowerToFixed converts the 0..100 float percentage into the
// integer basis used by validatorLeaf, so the leaf encoding is
// reproducible independent of floating-point representation.
func votingPowerToFixed(pct float64) uint32 {
	return uint32(pct*100 + 0.5)
}

// ValidatorTree is the built merkle tree over one batch's validator set,
// plus a lookup from address to its leaf for proof retrieval.
type ValidatorTree struct {
	tree    *merkletree.MerkleTree
	leaves  []validatorLeaf
	byAddr  map[common.Address]validatorLeaf
}

// BuildValidatorTree constructs the merkle tree for entries, sorted
// deterministically by ethAddress ascending so the root is reproducible
// regardless of input order (§4.8 step 2, Testable Property 7).
func BuildValidatorTree(entries []models.ValidatorEntry) (*ValidatorTree, error) {
	sorted := make([]models.ValidatorEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].EthAddress[:], sorted[j].EthAddress[:]) < 0
	})

	leaves := make([]validatorLeaf, len(sorted))
	content := make([]merkletree.Content, len(sorted))
	byAddr := make(map[common.Address]validatorLeaf, len(sorted))

	for i, e := range sorted {
		leaf := validatorLeaf{ethAddress: common.BytesToAddress(e.EthAddress[:]), votingPower: votingPowerToFixed(e.VotingPowerPercentage)}
		leaves[i] = leaf
		content[i] = leaf
		byAddr[leaf.ethAddress] = leaf
	}

	tree, err := merkletree.NewTreeWithHashStrategy(content, sha3.NewLegacyKeccak256)
	if err != nil {
		return nil, fmt.Errorf("failed to build validator merkle tree: %w", err)
	}

	return &ValidatorTree{tree: tree, leaves: leaves, byAddr: byAddr}, nil
}

// Root returns the tree's 32-byte merkle root.
func (t *ValidatorTree) Root() [32]byte {
	var root [32]byte
	copy(root[:], t.tree.MerkleRoot())
	return root
}

// ProofFor returns the merkle proof (sibling hashes, leaf-to-root order
// as produced by the library) for addr, or an error if addr is not a
// member of the tree.
func (t *ValidatorTree) ProofFor(addr common.Address) ([][32]byte, error) {
	leaf, ok := t.byAddr[addr]
	if !ok {
		return nil, fmt.Errorf("address %s is not a member of the validator set", addr.Hex())
	}

	path, _, err := t.tree.GetMerklePath(leaf)
	if err != nil {
		return nil, fmt.Errorf("failed to compute merkle path for %s: %w", addr.Hex(), err)
	}

	proof := make([][32]byte, len(path))
	for i, p := range path {
		copy(proof[i][:], p)
	}
	return proof, nil
}
