// Package evmchain implements the Chain Executor (C8): per-destination
// EVM chain batch validation, signature recovery, merkle-proof
// construction, gas-buffered submission, and health/status tracking.
package evmchain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// proverABI is the slice of the prover contract's interface this
// orchestrator consumes (§6 "Downstream chain (consumed)").
const proverABI = `[
	{"inputs":[],"name":"getLastBatchHeight","outputs":[{"name":"","type":"uint64"}],"stateMutability":"view","type":"function"},
	{"inputs":[
		{"name":"batch","type":"tuple","components":[
			{"name":"batchNumber","type":"uint64"},
			{"name":"batchId","type":"bytes32"},
			{"name":"blockHeight","type":"uint64"},
			{"name":"dataResultRoot","type":"bytes32"},
			{"name":"validatorRoot","type":"bytes32"}
		]},
		{"name":"signatures","type":"bytes[]"},
		{"name":"validatorProofs","type":"tuple[]","components":[
			{"name":"ethAddress","type":"address"},
			{"name":"votingPower","type":"uint32"},
			{"name":"merkleProof","type":"bytes32[]"}
		]}
	],"name":"postBatch","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"batchNumber","type":"uint64"}],"name":"BatchPosted","type":"event"}
]`

// coreABI is the slice of the SEDA Core contract's interface consumed to
// discover the prover address at startup (§6).
const coreABI = `[
	{"inputs":[],"name":"getSedaProver","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

// Client wraps an ethclient.Client with the bound prover/core contracts
// for one destination chain, grounded on the teacher's OnChainClient but
// pared to what C8 needs: gas estimation, transaction submission, and
// view calls against two known ABIs.
type Client struct {
	rpc     *ethclient.Client
	chainID *big.Int
	logger  *zerolog.Logger

	proverAddr     common.Address
	proverContract *bind.BoundContract
	proverParsed   abi.ABI

	coreAddr     common.Address
	coreContract *bind.BoundContract
}

// NewClient dials rpcURL, verifies chainID, and binds the prover/core
// contracts at the given addresses.
func NewClient(rpcURL string, chainID int64, coreAddr, proverAddr common.Address, logger *zerolog.Logger) (*Client, error) {
	rpc, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint %s: %w", rpcURL, err)
	}

	actual, err := rpc.ChainID(context.Background())
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	if actual.Int64() != chainID {
		rpc.Close()
		return nil, fmt.Errorf("chain id mismatch: expected %d, got %d", chainID, actual.Int64())
	}

	proverParsed, err := abi.JSON(strings.NewReader(proverABI))
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("failed to parse prover abi: %w", err)
	}
	coreParsed, err := abi.JSON(strings.NewReader(coreABI))
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("failed to parse core abi: %w", err)
	}

	return &Client{
		rpc:            rpc,
		chainID:        actual,
		logger:         logger,
		proverAddr:     proverAddr,
		proverContract: bind.NewBoundContract(proverAddr, proverParsed, rpc, rpc, rpc),
		proverParsed:   proverParsed,
		coreAddr:       coreAddr,
		coreContract:   bind.NewBoundContract(coreAddr, coreParsed, rpc, rpc, rpc),
	}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() { c.rpc.Close() }

// DiscoverProver calls the core contract's getSedaProver() to discover
// the prover address at startup (§6).
func (c *Client) DiscoverProver(ctx context.Context) (common.Address, error) {
	var out []any
	opts := &bind.CallOpts{Context: ctx}
	if err := c.coreContract.Call(opts, &out, "getSedaProver"); err != nil {
		return common.Address{}, fmt.Errorf("getSedaProver: %w", err)
	}
	if len(out) == 0 {
		return common.Address{}, fmt.Errorf("getSedaProver: empty result")
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("getSedaProver: unexpected return type")
	}
	return addr, nil
}

// RebindProver re-binds the prover contract to addr, used when
// DiscoverProver's on-chain value differs from the configured
// sedaProver address (§6, §12 "Per-chain prover discovery" — the
// discovered address wins).
func (c *Client) RebindProver(addr common.Address) {
	c.proverAddr = addr
	c.proverContract = bind.NewBoundContract(addr, c.proverParsed, c.rpc, c.rpc, c.rpc)
}

// ProverAddress returns the prover address currently bound.
func (c *Client) ProverAddress() common.Address { return c.proverAddr }

// GetLastBatchHeight calls the prover's getLastBatchHeight() view.
func (c *Client) GetLastBatchHeight(ctx context.Context) (uint64, error) {
	var out []any
	opts := &bind.CallOpts{Context: ctx}
	if err := c.proverContract.Call(opts, &out, "getLastBatchHeight"); err != nil {
		return 0, fmt.Errorf("getLastBatchHeight: %w", err)
	}
	if len(out) == 0 {
		return 0, fmt.Errorf("getLastBatchHeight: empty result")
	}
	height, ok := out[0].(uint64)
	if !ok {
		return 0, fmt.Errorf("getLastBatchHeight: unexpected return type")
	}
	return height, nil
}

// ProverContractBatch mirrors the prover contract's expected batch
// tuple shape for postBatch (§4.8 step vi).
type ProverContractBatch struct {
	BatchNumber    uint64
	BatchID        [32]byte
	BlockHeight    uint64
	DataResultRoot [32]byte
	ValidatorRoot  [32]byte
}

// ProverValidatorProof mirrors one entry of the validatorProofs array.
type ProverValidatorProof struct {
	EthAddress  common.Address
	VotingPower uint32
	MerkleProof [][32]byte
}

// EstimateGasForPostBatch packs postBatch's calldata and estimates gas
// with signer as the from address (§4.8 step iv), grounded on the
// teacher's pkg/txhelper.EstimateGasWithBuffer.
func (c *Client) EstimateGasForPostBatch(ctx context.Context, signer common.Address, batch ProverContractBatch, signatures [][]byte, proofs []ProverValidatorProof) (uint64, error) {
	data, err := c.proverParsed.Pack("postBatch", batch, signatures, proofs)
	if err != nil {
		return 0, fmt.Errorf("failed to pack postBatch calldata: %w", err)
	}

	gas, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{From: signer, To: &c.proverAddr, Data: data})
	if err != nil {
		return 0, fmt.Errorf("gas estimation failed: %w", err)
	}
	return gas, nil
}

// ApplyGasBuffer adds bufferPercent to a raw gas estimate, capped at
// maxGasLimit when maxGasLimit is non-zero.
func ApplyGasBuffer(estimate uint64, bufferPercent int, maxGasLimit uint64) uint64 {
	buffered := estimate + estimate*uint64(bufferPercent)/100
	if maxGasLimit > 0 && buffered > maxGasLimit {
		return maxGasLimit
	}
	return buffered
}

// SubmitPostBatch signs and submits postBatch with the given gas limit,
// returning the pending transaction.
func (c *Client) SubmitPostBatch(ctx context.Context, key *ecdsa.PrivateKey, gasLimit uint64, useEIP1559 bool, batch ProverContractBatch, signatures [][]byte, proofs []ProverValidatorProof) (common.Hash, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(key, c.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to build transactor: %w", err)
	}
	auth.Context = ctx
	auth.GasLimit = gasLimit

	if !useEIP1559 {
		gasPrice, err := c.rpc.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("failed to suggest gas price: %w", err)
		}
		auth.GasPrice = gasPrice
	}

	tx, err := c.proverContract.Transact(auth, "postBatch", batch, signatures, proofs)
	if err != nil {
		return common.Hash{}, fmt.Errorf("postBatch transaction failed: %w", err)
	}
	return tx.Hash(), nil
}

// WaitForConfirmations polls for txHash's receipt until it is mined and
// has at least `required` confirmations, or timeout elapses.
func (c *Client) WaitForConfirmations(ctx context.Context, txHash common.Hash, required uint64, blockTime, timeout time.Duration) (blockNumber uint64, confirmations uint64, err error) {
	deadline := time.Now().Add(timeout)
	pollInterval := blockTime
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	for {
		receipt, rerr := c.rpc.TransactionReceipt(ctx, txHash)
		if rerr == nil {
			if receipt.Status == 0 {
				return 0, 0, fmt.Errorf("transaction %s reverted", txHash.Hex())
			}

			latest, lerr := c.rpc.BlockNumber(ctx)
			if lerr == nil && latest >= receipt.BlockNumber.Uint64() {
				confs := latest - receipt.BlockNumber.Uint64() + 1
				if confs >= required {
					return receipt.BlockNumber.Uint64(), confs, nil
				}
			}
		}

		if time.Now().After(deadline) {
			return 0, 0, fmt.Errorf("timed out waiting for %d confirmations of %s", required, txHash.Hex())
		}

		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// CheckHealth performs a liveness probe against the chain RPC (§4.8).
func (c *Client) CheckHealth(ctx context.Context) error {
	_, err := c.rpc.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("rpc liveness probe failed: %w", err)
	}
	return nil
}
