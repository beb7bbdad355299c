package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arcsign/withdrawalengine/internal/model"
)

// ensureBlockSubscription lazily starts the per-(chain,network) block
// watch goroutine the first time a transaction becomes active for that
// pair (invariant §8.8); it is a no-op if already running.
func (m *Monitor) ensureBlockSubscription(ctx context.Context, chain, network string) {
	k := chain + ":" + network
	m.wsMu.Lock()
	if _, ok := m.wsCancel[k]; ok {
		m.wsMu.Unlock()
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	m.wsCancel[k] = cancel
	m.wsMu.Unlock()

	go m.blockWatchLoop(subCtx, chain, network)
}

// stopBlockSubscription tears down the block watch goroutine once no
// active transaction remains for (chain,network).
func (m *Monitor) stopBlockSubscription(chain, network string) {
	k := chain + ":" + network
	m.wsMu.Lock()
	cancel, ok := m.wsCancel[k]
	if ok {
		delete(m.wsCancel, k)
	}
	m.wsMu.Unlock()
	if ok {
		cancel()
	}
}

// blockWatchLoop polls the chain's head (a real client's underlying
// transport may be a WS subscription; the monitor only needs the
// resulting block number and its transaction list) and triggers
// immediate checks for transactions it observes, per spec.md §4.7 #1.
func (m *Monitor) blockWatchLoop(ctx context.Context, chain, network string) {
	var lastBlock uint64
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			client, err := m.Clients.ClientFor(ctx, chain, network)
			if err != nil {
				continue
			}
			head, err := client.GetBlockNumber(ctx)
			if err != nil || head == lastBlock {
				continue
			}
			lastBlock = head

			hashes, err := client.GetBlockTransactionHashes(ctx, head)
			if err != nil {
				m.Logger.Warn("block tx hash fetch failed", zap.String("chain", chain), zap.Uint64("block", head), zap.Error(err))
				continue
			}
			inBlock := make(map[string]bool, len(hashes))
			for _, h := range hashes {
				inBlock[h] = true
			}

			m.mu.Lock()
			var toCheck []string
			for hash, tx := range m.active {
				if tx.Chain != chain || tx.Network != network {
					continue
				}
				if tx.Status == model.MonitorSent && (inBlock[hash] || tx.Age() < 5*time.Minute) {
					toCheck = append(toCheck, hash)
					continue
				}
				if tx.Status == model.MonitorConfirming {
					toCheck = append(toCheck, hash)
				}
			}
			m.mu.Unlock()

			for _, hash := range toCheck {
				_ = m.checkTransaction(ctx, hash)
			}
		}
	}
}

// watchOnce attaches the per-transaction watcher that fires once on
// admission, yielding an immediate receipt check; spec.md §4.7 #2
// describes this as a once(txHash) subscription.
func (m *Monitor) watchOnce(ctx context.Context, txHash, chain, network string) {
	watchCtx, cancel := context.WithCancel(ctx)
	m.watchersMu.Lock()
	m.watching[txHash] = cancel
	m.watchersMu.Unlock()

	go func() {
		select {
		case <-watchCtx.Done():
			return
		case <-time.After(200 * time.Millisecond):
			_ = m.checkTransaction(watchCtx, txHash)
		}
	}()
}

func (m *Monitor) stopWatcher(txHash string) {
	m.watchersMu.Lock()
	cancel, ok := m.watching[txHash]
	if ok {
		delete(m.watching, txHash)
	}
	m.watchersMu.Unlock()
	if ok {
		cancel()
	}
}

// ReplayMissedBlocks runs an immediate idempotent check of every active
// transaction for (chain,network), per spec.md §4.7's missed-block
// replay triggered on a chainregistry ReconnectEvent.
func (m *Monitor) ReplayMissedBlocks(ctx context.Context, chain, network string) {
	m.mu.Lock()
	var hashes []string
	for hash, tx := range m.active {
		if tx.Chain == chain && tx.Network == network {
			hashes = append(hashes, hash)
		}
	}
	m.mu.Unlock()

	for _, hash := range hashes {
		_ = m.checkTransaction(ctx, hash)
	}
}

// WatchReconnects consumes the registry's Reconnected channel until ctx
// is canceled, replaying missed blocks for each event.
func (m *Monitor) WatchReconnects(ctx context.Context) {
	if m.Registry == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.Registry.Reconnected():
			if !ok {
				return
			}
			m.ReplayMissedBlocks(ctx, ev.Chain, ev.Network)
		}
	}
}
