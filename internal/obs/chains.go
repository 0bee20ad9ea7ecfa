package obs

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// GasConfig holds per-chain gas parameters (§6 "Per chain" config block).
type GasConfig struct {
	MaxGasPrice        string  `json:"maxGasPrice"`
	BatchPushGasLimit   uint64  `json:"batchPushGasLimit"`
	GasPriceMultiplier  float64 `json:"gasPriceMultiplier"`
	UseEIP1559          bool    `json:"useEIP1559"`
}

// ConfirmationsConfig holds per-chain confirmation-wait parameters.
type ConfirmationsConfig struct {
	Required    uint64        `json:"required"`
	TimeoutMs   int64         `json:"timeoutMs"`
	BlockTimeMs int64         `json:"blockTimeMs"`
}

// Timeout returns TimeoutMs as a time.Duration.
func (c ConfirmationsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// BlockTime returns BlockTimeMs as a time.Duration.
func (c ConfirmationsConfig) BlockTime() time.Duration {
	return time.Duration(c.BlockTimeMs) * time.Millisecond
}

// RetryConfig holds per-chain RPC retry parameters, consumed by C1.
type RetryConfig struct {
	MaxAttempts      int   `json:"maxAttempts"`
	InitialDelayMs   int64 `json:"initialDelayMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	MaxDelayMs       int64 `json:"maxDelayMs"`
}

func (r RetryConfig) InitialDelay() time.Duration { return time.Duration(r.InitialDelayMs) * time.Millisecond }
func (r RetryConfig) MaxDelay() time.Duration     { return time.Duration(r.MaxDelayMs) * time.Millisecond }

// ContractAddresses holds the destination-chain contract addresses §6 names.
type ContractAddresses struct {
	SedaCore   string `json:"sedaCore"`
	SedaProver string `json:"sedaProver"`
}

// ChainConfig is one destination EVM chain's full configuration (§6).
type ChainConfig struct {
	ChainID              int64               `json:"chainId"`
	Name                 string              `json:"name"`
	RPCEndpoint          string              `json:"rpcEndpoint"`
	FallbackRPCEndpoints []string            `json:"fallbackRpcEndpoints"`
	Contracts            ContractAddresses   `json:"contracts"`
	Gas                  GasConfig           `json:"gas"`
	Confirmations        ConfirmationsConfig `json:"confirmations"`
	Retry                RetryConfig         `json:"retry"`
	Enabled              bool                `json:"enabled"`
}

// ChainsConfig holds every configured destination chain, keyed by name,
// loaded from chains.json exactly as the teacher's pkg/config.LoadConfig
// loads its chain definitions.
type ChainsConfig struct {
	Chains map[string]*ChainConfig `json:"chains"`
}

// LoadChainsConfig reads chains.json from filepath.
func LoadChainsConfig(filepath string) (*ChainsConfig, error) {
	file, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read chains config file: %w", err)
	}

	var cfg ChainsConfig
	if err := json.Unmarshal(file, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse chains config: %w", err)
	}

	return &cfg, nil
}

// EnabledChains returns every chain configured with enabled=true.
func (c *ChainsConfig) EnabledChains() []*ChainConfig {
	out := make([]*ChainConfig, 0, len(c.Chains))
	for _, cc := range c.Chains {
		if cc.Enabled {
			out = append(out, cc)
		}
	}
	return out
}

// GetChain returns the named chain's configuration.
func (c *ChainsConfig) GetChain(name string) (*ChainConfig, error) {
	cc, ok := c.Chains[name]
	if !ok {
		return nil, fmt.Errorf("chain %s not found in chains config", name)
	}
	return cc, nil
}
