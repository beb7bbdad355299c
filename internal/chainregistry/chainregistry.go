// Package chainregistry loads the static (chain,network) configuration
// table and lazily constructs/caches the RPC and WebSocket clients each
// key needs, including the WebSocket reconnection state machine.
// Grounded on the teacher's provider/registry.go (double-checked-lock
// cache keyed by provider identity) and rpc/websocket.go (reconnect with
// exponential backoff), generalized from per-provider caching to
// per-(chain,network) caching with a circuit breaker on top of the
// backoff loop.
package chainregistry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ChainConfig is the static configuration for one (chain,network) pair.
type ChainConfig struct {
	Chain               string
	Network             string
	ChainID             uint64
	RPCURL              string
	WSURL               string
	RequiredConfirmations int
	BlockTime           time.Duration
	AggregatorAddress   string
}

func key(chain, network string) string { return chain + ":" + network }

var defaultConfirmations = map[string]int{
	"polygon":   30,
	"ethereum":  12,
	"bsc":       15,
	"localhost": 1,
}

// RPCClient is the minimal surface the registry's consumers need from a
// chain's JSON-RPC endpoint.
type RPCClient interface {
	Call(ctx context.Context, method string, params interface{}, result interface{}) error
	Close() error
}

// WSClient is the minimal surface for a chain's WebSocket endpoint,
// primarily block-header subscription for the monitor's fast path.
type WSClient interface {
	Subscribe(ctx context.Context, method string, params interface{}) (<-chan []byte, error)
	Close() error
}

// RPCFactory constructs an RPCClient for a given URL. Exposed as a field
// so tests can substitute a fake without a real network dial.
type RPCFactory func(url string) (RPCClient, error)

// WSFactory constructs a WSClient for a given URL.
type WSFactory func(url string) (WSClient, error)

// DisconnectEvent is emitted when a chain's WebSocket connection drops.
type DisconnectEvent struct {
	Chain   string
	Network string
}

// ReconnectEvent is emitted when a chain's WebSocket connection is
// reestablished, carrying the range of blocks that may have been missed.
type ReconnectEvent struct {
	Chain        string
	Network      string
	LastBlock    uint64
	CurrentBlock uint64
}

// Registry holds the static chain table plus lazily-constructed,
// cached RPC/WS clients and per-key reconnection state.
type Registry struct {
	configs map[string]ChainConfig

	rpcFactory RPCFactory
	wsFactory  WSFactory

	mu        sync.RWMutex
	rpcClient map[string]RPCClient
	wsState   map[string]*wsConnection

	group singleflight.Group

	disconnected chan DisconnectEvent
	reconnected  chan ReconnectEvent

	reconnect ReconnectSettings
}

// ReconnectSettings parameterizes the WebSocket reconnection state
// machine (spec.md §4.2).
type ReconnectSettings struct {
	InitialDelay      time.Duration
	Multiplier        float64
	MaxDelay          time.Duration
	MaxAttempts       int
	CircuitResetWindow time.Duration
	LongTermInterval  time.Duration
}

// DefaultReconnectSettings mirror the teacher's websocket.go constants,
// generalized into a circuit breaker layered on top of the same backoff.
func DefaultReconnectSettings() ReconnectSettings {
	return ReconnectSettings{
		InitialDelay:       time.Second,
		Multiplier:         2.0,
		MaxDelay:           60 * time.Second,
		MaxAttempts:        8,
		CircuitResetWindow: 5 * time.Minute,
		LongTermInterval:   2 * time.Minute,
	}
}

// NewRegistry constructs a Registry from a static table and the factory
// functions used to lazily build per-key clients.
func NewRegistry(configs []ChainConfig, rpcFactory RPCFactory, wsFactory WSFactory, settings ReconnectSettings) *Registry {
	table := make(map[string]ChainConfig, len(configs))
	for _, c := range configs {
		if c.RequiredConfirmations == 0 {
			if d, ok := defaultConfirmations[c.Chain]; ok {
				c.RequiredConfirmations = d
			}
		}
		table[key(c.Chain, c.Network)] = c
	}
	return &Registry{
		configs:      table,
		rpcFactory:   rpcFactory,
		wsFactory:    wsFactory,
		rpcClient:    make(map[string]RPCClient),
		wsState:      make(map[string]*wsConnection),
		disconnected: make(chan DisconnectEvent, 64),
		reconnected:  make(chan ReconnectEvent, 64),
		reconnect:    settings,
	}
}

// Config returns the static configuration for (chain,network).
func (r *Registry) Config(chain, network string) (ChainConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.configs[key(chain, network)]
	return c, ok
}

// Disconnected returns the channel that receives WebsocketDisconnected
// events. Bounded and drop-oldest-on-overflow (spec.md §9 redesign note).
func (r *Registry) Disconnected() <-chan DisconnectEvent { return r.disconnected }

// Reconnected returns the channel that receives WebsocketReconnected
// events, each carrying the missed-block range to replay.
func (r *Registry) Reconnected() <-chan ReconnectEvent { return r.reconnected }

// RPC lazily constructs and caches one RPC client per (chain,network).
// Concurrent callers for the same key collapse onto a single dial via
// singleflight.
func (r *Registry) RPC(chain, network string) (RPCClient, error) {
	k := key(chain, network)

	r.mu.RLock()
	if c, ok := r.rpcClient[k]; ok {
		r.mu.RUnlock()
		return c, nil
	}
	r.mu.RUnlock()

	cfg, ok := r.Config(chain, network)
	if !ok {
		return nil, fmt.Errorf("chainregistry: no config for %s/%s", chain, network)
	}

	v, err, _ := r.group.Do("rpc:"+k, func() (interface{}, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.rpcClient[k]; ok {
			return c, nil
		}
		client, err := r.rpcFactory(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("chainregistry: dial RPC %s/%s: %w", chain, network, err)
		}
		r.rpcClient[k] = client
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(RPCClient), nil
}

func emitBounded[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// NotifyDisconnected records a WebSocket disconnection for (chain,network)
// and publishes the event.
func (r *Registry) NotifyDisconnected(chain, network string) {
	emitBounded(r.disconnected, DisconnectEvent{Chain: chain, Network: network})
}

// NotifyReconnected records a successful reconnection and publishes the
// missed-block replay range.
func (r *Registry) NotifyReconnected(chain, network string, lastBlock, currentBlock uint64) {
	emitBounded(r.reconnected, ReconnectEvent{Chain: chain, Network: network, LastBlock: lastBlock, CurrentBlock: currentBlock})
}

// Close releases every cached client.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, c := range r.rpcClient {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, s := range r.wsState {
		if s.client != nil {
			if err := s.client.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
