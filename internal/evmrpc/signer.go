package evmrpc

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/arcsign/withdrawalengine/internal/chainregistry"
	"github.com/arcsign/withdrawalengine/internal/evm"
	"github.com/arcsign/withdrawalengine/internal/signing"
)

// defaultTransferGas/defaultCallGas apply when the caller leaves UnsignedTx.GasLimit
// unset, distinguishing a plain value transfer from a contract call by
// the presence of calldata.
const (
	defaultTransferGas = 21000
	defaultCallGas      = 250000
)

// LocalSigner signs EIP-1559 transactions with a private key held in
// process memory. Grounded on the teacher's services/hdkey derivation
// chain, generalized from BIP-44 wallet derivation to one already-derived
// key per (chain,network) signer identity — the withdrawal pipeline signs
// from a small fixed set of hot-wallet addresses, not per-user wallets.
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address string
	chainID int64
}

func (s *LocalSigner) Address() string { return s.address }

func (s *LocalSigner) Sign(ctx context.Context, unsigned signing.UnsignedTx) (signing.SignedTx, error) {
	to, err := evm.ParseAddress(unsigned.To)
	if err != nil {
		return signing.SignedTx{}, fmt.Errorf("evmrpc: sign: %w", err)
	}

	value := big.NewInt(0)
	if unsigned.Value != "" && unsigned.Value != "0" {
		v, ok := new(big.Int).SetString(unsigned.Value, 10)
		if !ok {
			return signing.SignedTx{}, fmt.Errorf("evmrpc: sign: invalid value %q", unsigned.Value)
		}
		value = v
	}

	maxFee, err := parseFeeString(unsigned.MaxFeePerGas)
	if err != nil {
		return signing.SignedTx{}, fmt.Errorf("evmrpc: sign: %w", err)
	}
	maxPriority, err := parseFeeString(unsigned.MaxPriorityFeePerGas)
	if err != nil {
		return signing.SignedTx{}, fmt.Errorf("evmrpc: sign: %w", err)
	}

	gasLimit := unsigned.GasLimit
	if gasLimit == 0 {
		gasLimit = defaultTransferGas
		if len(unsigned.Data) > 0 {
			gasLimit = defaultCallGas
		}
	}

	txdata := &types.DynamicFeeTx{
		ChainID:   big.NewInt(s.chainID),
		Nonce:     unsigned.Nonce,
		GasTipCap: maxPriority,
		GasFeeCap: maxFee,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      unsigned.Data,
	}

	tx, err := types.SignNewTx(s.key, types.NewLondonSigner(big.NewInt(s.chainID)), txdata)
	if err != nil {
		return signing.SignedTx{}, fmt.Errorf("evmrpc: sign: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return signing.SignedTx{}, fmt.Errorf("evmrpc: sign: encode raw tx: %w", err)
	}

	return signing.SignedTx{
		TxHash: tx.Hash().Hex(),
		RawTx:  "0x" + commonBytesToHex(raw),
	}, nil
}

func parseFeeString(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid fee %q", s)
	}
	return v, nil
}

func commonBytesToHex(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}

// LocalSignerFactory caches one LocalSigner per (chain,network), keyed by
// the same private key whenever two chains share a hot-wallet address.
type LocalSignerFactory struct {
	Registry *chainregistry.Registry
	Keys     map[string]*ecdsa.PrivateKey // "chain/network" -> key

	mu      sync.Mutex
	signers map[string]signing.Signer
}

// NewLocalSignerFactory constructs a factory from hex-encoded private
// keys, one per "chain/network" entry.
func NewLocalSignerFactory(reg *chainregistry.Registry, hexKeys map[string]string) (*LocalSignerFactory, error) {
	keys := make(map[string]*ecdsa.PrivateKey, len(hexKeys))
	for k, hexKey := range hexKeys {
		pk, err := crypto.HexToECDSA(trimHexPrefix(hexKey))
		if err != nil {
			return nil, fmt.Errorf("evmrpc: invalid signing key for %s: %w", k, err)
		}
		keys[k] = pk
	}
	return &LocalSignerFactory{Registry: reg, Keys: keys, signers: map[string]signing.Signer{}}, nil
}

func trimHexPrefix(s string) string {
	if len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func (f *LocalSignerFactory) SignerFor(ctx context.Context, chain, network string) (signing.Signer, error) {
	k := chain + "/" + network

	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.signers[k]; ok {
		return s, nil
	}

	key, ok := f.Keys[k]
	if !ok {
		return nil, fmt.Errorf("evmrpc: no signing key configured for %s", k)
	}
	cfg, ok := f.Registry.Config(chain, network)
	if !ok {
		return nil, fmt.Errorf("evmrpc: no chain config for %s", k)
	}
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	s := &LocalSigner{key: key, address: address, chainID: int64(cfg.ChainID)}
	f.signers[k] = s
	return s, nil
}
