package upstream

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	authtypes "github.com/cosmos/cosmos-sdk/x/auth/types"
	codectypes "github.com/cosmos/cosmos-sdk/codec/types"
	"github.com/cosmos/cosmos-sdk/codec"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/sedaprotocol/seda-evm-pusher/pkg/errs"
)

// CosmosClient implements Client against a real SEDA (Cosmos SDK) node:
// QueryAccountSequence uses the standard x/auth gRPC query service, while
// the SEDA-specific DataRequest/Batch RPCs -- whose wire format is out of
// scope for this module (§1) -- are adapted over a thin REST/JSON
// surface exposed by a SEDA node's LCD gateway.
type CosmosClient struct {
	grpcConn   *grpc.ClientConn
	authClient authtypes.QueryClient
	httpClient *http.Client
	restBase   string
	logger     *zerolog.Logger
	registry   *codectypes.InterfaceRegistry
	codec      *codec.ProtoCodec
}

// NewCosmosClient dials grpcEndpoint for x/auth queries and uses
// restBaseURL for the SEDA-specific LCD endpoints.
func NewCosmosClient(grpcEndpoint, restBaseURL string, logger *zerolog.Logger) (*CosmosClient, error) {
	conn, err := grpc.NewClient(grpcEndpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial cosmos grpc endpoint %s: %w", grpcEndpoint, err)
	}

	registry := codectypes.NewInterfaceRegistry()
	authtypes.RegisterInterfaces(registry)

	return &CosmosClient{
		grpcConn:   conn,
		authClient: authtypes.NewQueryClient(conn),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		restBase:   restBaseURL,
		logger:     logger,
		registry:   registry,
		codec:      codec.NewProtoCodec(registry),
	}, nil
}

// Close releases the underlying gRPC connection.
func (c *CosmosClient) Close() error {
	return c.grpcConn.Close()
}

// QueryAccountSequence queries the chain's x/auth module for the
// account's current sequence, per §6.
func (c *CosmosClient) QueryAccountSequence(ctx context.Context, address string, endpoint string) (uint64, error) {
	client := c.authClient
	if endpoint != "" && endpoint != c.restBase {
		conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return 0, fmt.Errorf("failed to dial fallback grpc endpoint %s: %w", endpoint, err)
		}
		defer conn.Close()
		client = authtypes.NewQueryClient(conn)
	}

	resp, err := client.Account(ctx, &authtypes.QueryAccountRequest{Address: address})
	if err != nil {
		return 0, fmt.Errorf("query account sequence: %w", err)
	}

	var account authtypes.AccountI
	if err := c.registry.UnpackAny(resp.Account, &account); err != nil {
		return 0, fmt.Errorf("failed to unpack account: %w", err)
	}

	return account.GetSequence(), nil
}

// PostDataRequest submits a DataRequest transaction via the SEDA node's
// REST broadcast endpoint.
func (c *CosmosClient) PostDataRequest(ctx context.Context, input PostDataRequestInput, gas GasOptions) (PostDataRequestResult, error) {
	body := struct {
		Memo           string `json:"memo"`
		SequenceNumber uint64 `json:"sequence_number"`
		GasLimit       uint64 `json:"gas_limit"`
		GasPrice       string `json:"gas_price"`
	}{input.Memo, input.SequenceNumber, gas.GasLimit, gas.GasPrice}

	var result struct {
		DrID        string `json:"dr_id"`
		BlockHeight uint64 `json:"block_height"`
		TxHash      string `json:"tx_hash"`
		Error       string `json:"error,omitempty"`
	}

	if err := c.postJSON(ctx, "/seda/data_requests", body, &result); err != nil {
		return PostDataRequestResult{}, err
	}

	if result.Error != "" {
		return PostDataRequestResult{}, classifyPostError(result.Error)
	}

	return PostDataRequestResult{DrID: result.DrID, BlockHeight: result.BlockHeight, TxHash: result.TxHash}, nil
}

// AwaitDataResult polls the SEDA node's data-result endpoint until the
// result resolves or the configured timeout elapses.
func (c *CosmosClient) AwaitDataResult(ctx context.Context, drID string, height uint64, opts AwaitDataResultOptions) (DataResult, error) {
	deadline := time.Now().Add(time.Duration(opts.TimeoutSec) * time.Second)
	interval := time.Duration(opts.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 3 * time.Second
	}

	for {
		var resp struct {
			Found     bool   `json:"found"`
			ExitCode  int    `json:"exit_code"`
			Result    []byte `json:"result"`
			Height    uint64 `json:"block_height"`
			GasUsed   uint64 `json:"gas_used"`
			Consensus bool   `json:"consensus"`
		}

		if err := c.getJSON(ctx, fmt.Sprintf("/seda/data_results/%s?height=%d", drID, height), &resp); err == nil && resp.Found {
			return DataResult{
				DrID:        drID,
				ExitCode:    resp.ExitCode,
				Result:      resp.Result,
				BlockHeight: resp.Height,
				GasUsed:     resp.GasUsed,
				Consensus:   resp.Consensus,
			}, nil
		}

		if time.Now().After(deadline) {
			return DataResult{}, fmt.Errorf("await data result %s: %w", drID, errs.ErrTimeout)
		}

		select {
		case <-ctx.Done():
			return DataResult{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// QueryDataResult returns the batch a completed DataRequest landed in.
func (c *CosmosClient) QueryDataResult(ctx context.Context, drID string, height uint64) (DataResultAssignment, error) {
	var resp struct {
		Found       bool   `json:"found"`
		BatchNumber uint64 `json:"batch_number"`
	}

	if err := c.getJSON(ctx, fmt.Sprintf("/seda/data_results/%s/batch_assignment?height=%d", drID, height), &resp); err != nil {
		return DataResultAssignment{}, err
	}
	if !resp.Found {
		return DataResultAssignment{}, errs.ErrNotFound
	}
	return DataResultAssignment{BatchNumber: resp.BatchNumber}, nil
}

// QueryBatch fetches a batch's signed contents, or the latest signed
// batch when latestSigned is set (§4.7 fallback).
func (c *CosmosClient) QueryBatch(ctx context.Context, batchNumber uint64, latestSigned bool) (BatchQueryResult, error) {
	path := fmt.Sprintf("/seda/batches/%d", batchNumber)
	if latestSigned {
		path = "/seda/batches/latest_signed"
	}

	var resp struct {
		Found            bool                `json:"found"`
		BatchNumber      uint64              `json:"batch_number"`
		BatchID          string              `json:"batch_id"`
		BlockHeight      uint64              `json:"block_height"`
		DataResultRoot   string              `json:"data_result_root"`
		ValidatorRoot    string              `json:"validator_root"`
		Signatures       []RawBatchSignature `json:"signatures"`
		ValidatorEntries []RawValidatorEntry `json:"validator_entries"`
		DataRequestIDs   []string            `json:"data_request_ids"`
	}

	if err := c.getJSON(ctx, path, &resp); err != nil {
		return BatchQueryResult{}, err
	}
	if !resp.Found {
		return BatchQueryResult{}, errs.ErrNotFound
	}

	var hashes [3][32]byte
	for i, h := range []string{resp.BatchID, resp.DataResultRoot, resp.ValidatorRoot} {
		if h == "" {
			continue
		}
		b, err := hex.DecodeString(strings.TrimPrefix(h, "0x"))
		if err != nil || len(b) != 32 {
			return BatchQueryResult{}, fmt.Errorf("query batch: invalid 32-byte hex value %q", h)
		}
		copy(hashes[i][:], b)
	}
	return BatchQueryResult{
		BatchNumber:      resp.BatchNumber,
		BatchID:          hashes[0],
		DataResultRoot:   hashes[1],
		ValidatorRoot:    hashes[2],
		BlockHeight:      resp.BlockHeight,
		Signatures:       resp.Signatures,
		ValidatorEntries: resp.ValidatorEntries,
		DataRequestIDs:   resp.DataRequestIDs,
	}, nil
}

func classifyPostError(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "sequence mismatch"), strings.Contains(lower, "account sequence"):
		return fmt.Errorf("%s: %w", msg, errs.ErrSequenceMismatch)
	case strings.Contains(lower, "already exists"), strings.Contains(lower, "duplicate"):
		return fmt.Errorf("%s: %w", msg, errs.ErrAlreadyExists)
	default:
		return fmt.Errorf("post data request: %s", msg)
	}
}

func (c *CosmosClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.restBase+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *CosmosClient) postJSON(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.restBase+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}
