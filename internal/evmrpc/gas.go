package evmrpc

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/arcsign/withdrawalengine/internal/chainregistry"
)

// nativeDecimals is assumed for the chain's native asset and as the
// fallback when a token's decimals() call fails.
const nativeDecimals = 18

// GasOracle implements multicall.GasEstimator via eth_estimateGas,
// pinned to one (chain,network) the way the multicall.Batcher itself is
// constructed per chain. Grounded on the teacher's ethereum/fee.go
// EstimateGas, generalized from a single transfer call to an arbitrary
// to/data pair so it can price both plain transfers and aggregate3
// batches.
type GasOracle struct {
	Registry *chainregistry.Registry
	Chain    string
	Network  string
}

type estimateGasParams struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Data string `json:"data,omitempty"`
}

func (g *GasOracle) EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error) {
	rpc, err := g.Registry.RPC(g.Chain, g.Network)
	if err != nil {
		return 0, fmt.Errorf("evmrpc: gas oracle: %w", err)
	}

	params := estimateGasParams{To: to.Hex()}
	if from != (common.Address{}) {
		params.From = from.Hex()
	}
	if len(data) > 0 {
		params.Data = "0x" + commonBytesToHex(data)
	}

	var hex string
	if err := rpc.Call(ctx, "eth_estimateGas", []interface{}{params}, &hex); err != nil {
		return 0, fmt.Errorf("evmrpc: gas oracle: %w", err)
	}
	return hexToUint64(hex)
}

// decimalsSelector is the 4-byte selector of ERC-20's decimals() view
// function, keccak256("decimals()")[:4].
var decimalsSelector = []byte{0x31, 0x3c, 0xe5, 0x67}

// TokenDecimals implements multicall.TokenDirectory by calling an
// ERC-20 token's decimals() view function. A nil/empty token resolves
// to the chain's native asset decimals without an RPC round trip.
type TokenDecimals struct {
	Registry *chainregistry.Registry
	Chain    string
	Network  string
}

type ethCallParams struct {
	To   string `json:"to"`
	Data string `json:"data"`
}

func (t *TokenDecimals) Decimals(ctx context.Context, token *string) (int, error) {
	if token == nil || *token == "" {
		return nativeDecimals, nil
	}

	rpc, err := t.Registry.RPC(t.Chain, t.Network)
	if err != nil {
		return 0, fmt.Errorf("evmrpc: token decimals: %w", err)
	}

	params := ethCallParams{To: *token, Data: "0x" + commonBytesToHex(decimalsSelector)}
	var hex string
	if err := rpc.Call(ctx, "eth_call", []interface{}{params, "latest"}, &hex); err != nil {
		return nativeDecimals, nil
	}
	raw, err := hexToBigInt(hex)
	if err != nil {
		return nativeDecimals, nil
	}
	return int(raw.Uint64()), nil
}
