package evmrpc

import (
	"context"
	"fmt"
	"math/big"

	"github.com/arcsign/withdrawalengine/internal/chainregistry"
)

// defaultPriorityFeeWei is used when a chain's node does not expose
// eth_maxPriorityFeePerGas (some non-Ethereum-mainnet EVM chains don't).
var defaultPriorityFeeWei = big.NewInt(1_500_000_000) // 1.5 gwei

// FeeOracle supplies current EIP-1559 fee data by combining the node's
// legacy gas price (a safe upper bound on the base fee) with a priority
// tip, the same two-call shape the teacher's alchemy provider uses for
// GetGasPrice/GetMaxPriorityFeePerGas, generalized into one CurrentFee
// call satisfying both internal/signing.FeeSource and
// internal/recovery's fee-recompute collaborator.
type FeeOracle struct {
	Registry *chainregistry.Registry
}

// CurrentFee returns (maxFeePerGas, maxPriorityFeePerGas) as base-10 wei
// strings for (chain,network).
func (f *FeeOracle) CurrentFee(ctx context.Context, chain, network string) (string, string, error) {
	rpc, err := f.Registry.RPC(chain, network)
	if err != nil {
		return "", "", fmt.Errorf("evmrpc: fee oracle: %w", err)
	}

	var gasPriceHex string
	if err := rpc.Call(ctx, "eth_gasPrice", nil, &gasPriceHex); err != nil {
		return "", "", fmt.Errorf("evmrpc: fee oracle: gas price: %w", err)
	}
	gasPrice, err := hexToBigInt(gasPriceHex)
	if err != nil {
		return "", "", fmt.Errorf("evmrpc: fee oracle: %w", err)
	}

	priority := f.priorityFee(ctx, rpc)

	// maxFeePerGas is twice the current price plus the tip, covering one
	// doubling of the base fee, a standard conservative bound for 1559 chains.
	maxFee := new(big.Int).Add(new(big.Int).Mul(gasPrice, big.NewInt(2)), priority)

	return maxFee.String(), priority.String(), nil
}

func (f *FeeOracle) priorityFee(ctx context.Context, rpc chainregistry.RPCClient) *big.Int {
	var tipHex string
	if err := rpc.Call(ctx, "eth_maxPriorityFeePerGas", nil, &tipHex); err != nil {
		return defaultPriorityFeeWei
	}
	tip, err := hexToBigInt(tipHex)
	if err != nil || tip.Sign() <= 0 {
		return defaultPriorityFeeWei
	}
	return tip
}
