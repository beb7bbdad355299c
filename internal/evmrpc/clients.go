package evmrpc

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/arcsign/withdrawalengine/internal/broadcast"
	"github.com/arcsign/withdrawalengine/internal/chainregistry"
	"github.com/arcsign/withdrawalengine/internal/monitor"
)

func hexToUint64(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, nil
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return 0, fmt.Errorf("evmrpc: malformed hex quantity %q", s)
	}
	return v.Uint64(), nil
}

func hexToBigInt(s string) (*big.Int, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("evmrpc: malformed hex quantity %q", s)
	}
	return v, nil
}

// BroadcastClientFactory resolves broadcast.ChainClient from the shared
// chain registry, per (chain,network).
type BroadcastClientFactory struct {
	Registry *chainregistry.Registry
}

func (f *BroadcastClientFactory) ClientFor(ctx context.Context, chain, network string) (broadcast.ChainClient, error) {
	rpc, err := f.Registry.RPC(chain, network)
	if err != nil {
		return nil, err
	}
	return &broadcastClient{rpc: rpc}, nil
}

type broadcastClient struct {
	rpc chainregistry.RPCClient
}

func (c *broadcastClient) SendRawTransaction(ctx context.Context, rawTx string) error {
	if !strings.HasPrefix(rawTx, "0x") {
		rawTx = "0x" + rawTx
	}
	var txHash string
	return c.rpc.Call(ctx, "eth_sendRawTransaction", []interface{}{rawTx}, &txHash)
}

// MonitorClientFactory resolves monitor.ChainRPC from the shared chain
// registry, per (chain,network).
type MonitorClientFactory struct {
	Registry *chainregistry.Registry
}

func (f *MonitorClientFactory) ClientFor(ctx context.Context, chain, network string) (monitor.ChainRPC, error) {
	rpc, err := f.Registry.RPC(chain, network)
	if err != nil {
		return nil, err
	}
	return &monitorClient{rpc: rpc}, nil
}

type monitorClient struct {
	rpc chainregistry.RPCClient
}

type rawReceipt struct {
	BlockNumber string `json:"blockNumber"`
	Status      string `json:"status"`
	GasUsed     string `json:"gasUsed"`
}

func (c *monitorClient) GetTransactionReceipt(ctx context.Context, txHash string) (*monitor.Receipt, error) {
	var raw *rawReceipt
	if err := c.rpc.Call(ctx, "eth_getTransactionReceipt", []interface{}{txHash}, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	blockNumber, err := hexToUint64(raw.BlockNumber)
	if err != nil {
		return nil, err
	}
	status, err := hexToUint64(raw.Status)
	if err != nil {
		return nil, err
	}
	gasUsed, err := hexToUint64(raw.GasUsed)
	if err != nil {
		return nil, err
	}
	return &monitor.Receipt{BlockNumber: blockNumber, Status: status, GasUsed: gasUsed}, nil
}

type rawTxInfo struct {
	BlockNumber *string `json:"blockNumber"`
	GasPrice    string  `json:"gasPrice"`
}

func (c *monitorClient) GetTransaction(ctx context.Context, txHash string) (*monitor.TxInfo, error) {
	var raw *rawTxInfo
	if err := c.rpc.Call(ctx, "eth_getTransactionByHash", []interface{}{txHash}, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	info := &monitor.TxInfo{}
	if raw.BlockNumber != nil {
		bn, err := hexToUint64(*raw.BlockNumber)
		if err != nil {
			return nil, err
		}
		info.BlockNumber = &bn
	}
	if raw.GasPrice != "" {
		price, err := hexToBigInt(raw.GasPrice)
		if err != nil {
			return nil, err
		}
		info.GasPrice = price
	}
	return info, nil
}

func (c *monitorClient) GetBlockNumber(ctx context.Context) (uint64, error) {
	var hex string
	if err := c.rpc.Call(ctx, "eth_blockNumber", nil, &hex); err != nil {
		return 0, err
	}
	return hexToUint64(hex)
}

type rawBlock struct {
	Transactions []string `json:"transactions"`
}

func (c *monitorClient) GetBlockTransactionHashes(ctx context.Context, blockNumber uint64) ([]string, error) {
	var raw rawBlock
	if err := c.rpc.Call(ctx, "eth_getBlockByNumber", []interface{}{fmt.Sprintf("0x%x", blockNumber), false}, &raw); err != nil {
		return nil, err
	}
	return raw.Transactions, nil
}

func (c *monitorClient) CurrentGasPrice(ctx context.Context) (*big.Int, error) {
	var hex string
	if err := c.rpc.Call(ctx, "eth_gasPrice", nil, &hex); err != nil {
		return nil, err
	}
	return hexToBigInt(hex)
}
