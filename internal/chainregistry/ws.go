package chainregistry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type circuitState int32

const (
	circuitClosed circuitState = iota
	circuitOpen
)

// wsConnection is the per-(chain,network) WebSocket reconnection state:
// the live client plus the circuit breaker that governs how aggressively
// reconnection is retried. Grounded on the teacher's
// rpc/websocket.go reconnect loop, generalized from a fixed-backoff
// goroutine into an explicit circuit breaker using cenkalti/backoff for
// the short-term phase.
type wsConnection struct {
	chain, network string
	url            string
	factory        WSFactory

	mu     sync.Mutex
	client WSClient

	state       atomic.Int32 // circuitState
	lastOpened  time.Time
	lastBlock   atomic.Uint64
	successes   atomic.Uint64
	failures    atomic.Uint64
}

// BlockSource fetches the chain's current head so a reconnection can
// compute the missed-block replay range.
type BlockSource func(ctx context.Context) (uint64, error)

// EnsureWS lazily dials the WebSocket endpoint for (chain,network) and
// starts its reconnection watcher. Subsequent calls for the same key
// return the cached connection state without redialing.
func (r *Registry) EnsureWS(ctx context.Context, chain, network string, head BlockSource) (*wsConnection, error) {
	k := key(chain, network)

	r.mu.Lock()
	if s, ok := r.wsState[k]; ok {
		r.mu.Unlock()
		return s, nil
	}
	cfg, ok := r.configs[k]
	if !ok {
		r.mu.Unlock()
		return nil, errNoConfig(chain, network)
	}
	conn := &wsConnection{chain: chain, network: network, url: cfg.WSURL, factory: r.wsFactory}
	r.wsState[k] = conn
	r.mu.Unlock()

	client, err := conn.factory(conn.url)
	if err != nil {
		conn.failures.Add(1)
		r.NotifyDisconnected(chain, network)
		go conn.watch(ctx, r, head)
		return conn, nil
	}
	conn.mu.Lock()
	conn.client = client
	conn.mu.Unlock()
	conn.successes.Add(1)
	go conn.watch(ctx, r, head)
	return conn, nil
}

// Client returns the currently live WSClient, or nil while disconnected.
func (c *wsConnection) Client() WSClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// SetLastBlock records the most recent block this connection observed,
// used to compute the missed range on reconnection.
func (c *wsConnection) SetLastBlock(n uint64) { c.lastBlock.Store(n) }

// watch runs the reconnection state machine: short-term exponential
// backoff attempts up to maxAttempts, then the circuit opens and further
// attempts are throttled to the long-term interval until resetWindow
// elapses, at which point the circuit closes and short-term backoff
// resumes.
func (c *wsConnection) watch(ctx context.Context, r *Registry, head BlockSource) {
	settings := r.reconnect
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if c.Client() != nil {
			// Connected: nothing to do until disconnect is observed
			// externally via MarkDisconnected.
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		state := circuitState(c.state.Load())
		var delay time.Duration
		if state == circuitOpen {
			if time.Since(c.lastOpened) > settings.CircuitResetWindow {
				c.state.Store(int32(circuitClosed))
				state = circuitClosed
			} else {
				delay = settings.LongTermInterval
			}
		}
		if state == circuitClosed {
			delay = c.shortTermBackoff(settings)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		client, err := c.factory(c.url)
		if err != nil {
			c.failures.Add(1)
			if c.consecutiveFailures(settings) {
				c.state.Store(int32(circuitOpen))
				c.lastOpened = time.Now()
			}
			continue
		}

		c.mu.Lock()
		c.client = client
		c.mu.Unlock()
		c.successes.Add(1)
		c.state.Store(int32(circuitClosed))

		lastBlock := c.lastBlock.Load()
		currentBlock := lastBlock
		if head != nil {
			if b, err := head(ctx); err == nil {
				currentBlock = b
			}
		}
		r.NotifyReconnected(c.chain, c.network, lastBlock, currentBlock)
	}
}

// MarkDisconnected clears the live client, forcing watch's loop back
// into the reconnection path, and emits a disconnect event.
func (c *wsConnection) MarkDisconnected(r *Registry) {
	c.mu.Lock()
	if c.client != nil {
		_ = c.client.Close()
	}
	c.client = nil
	c.mu.Unlock()
	r.NotifyDisconnected(c.chain, c.network)
}

func (c *wsConnection) consecutiveFailures(settings ReconnectSettings) bool {
	return int(c.failures.Load()) >= settings.MaxAttempts
}

func (c *wsConnection) shortTermBackoff(settings ReconnectSettings) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = settings.InitialDelay
	b.Multiplier = settings.Multiplier
	b.MaxInterval = settings.MaxDelay
	b.MaxElapsedTime = 0
	attempt := int(c.failures.Load())
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	if d <= 0 || d == backoff.Stop {
		return settings.MaxDelay
	}
	return d
}

func errNoConfig(chain, network string) error {
	return &noConfigError{chain: chain, network: network}
}

type noConfigError struct{ chain, network string }

func (e *noConfigError) Error() string {
	return "chainregistry: no config for " + e.chain + "/" + e.network
}
