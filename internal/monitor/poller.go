package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arcsign/withdrawalengine/internal/model"
	"github.com/arcsign/withdrawalengine/internal/schedule"
)

// Tier is one of the three WS-independent polling safety nets of
// spec.md §4.7's table.
type Tier struct {
	Name          string
	Interval      time.Duration
	MaxAge        time.Duration
	BatchSize     int
	InterBatchGap time.Duration
}

// DefaultTiers mirrors spec.md §4.7's table exactly.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "fast", Interval: time.Minute, MaxAge: 15 * time.Minute, BatchSize: 30, InterBatchGap: 50 * time.Millisecond},
		{Name: "medium", Interval: 30 * time.Minute, MaxAge: 2 * time.Hour, BatchSize: 50, InterBatchGap: 50 * time.Millisecond},
		{Name: "full", Interval: 2 * time.Hour, MaxAge: 0, BatchSize: 100, InterBatchGap: 100 * time.Millisecond},
	}
}

// eligible reports whether tx qualifies for this tier right now: it has
// not been checked within the tier's interval and its age is within the
// tier's max age (zero MaxAge means unbounded, the "full" tier).
func (t Tier) eligible(tx *model.MonitoredTransaction, now time.Time) bool {
	if now.Sub(tx.LastChecked) < t.Interval {
		return false
	}
	if t.MaxAge > 0 && tx.Age() > t.MaxAge {
		return false
	}
	return true
}

// Tickers builds one schedule.Ticker per tier, each re-arming itself
// only after its own batch completes (spec.md §6's no-overlap guarantee
// generalized from one interval to three independent tiers).
func (m *Monitor) Tickers() []*schedule.Ticker {
	tiers := DefaultTiers()
	tickers := make([]*schedule.Ticker, 0, len(tiers)+1)
	for _, tier := range tiers {
		tier := tier
		tickers = append(tickers, &schedule.Ticker{
			Interval: tier.Interval,
			Task: func(ctx context.Context) time.Duration {
				m.runTier(ctx, tier)
				return tier.Interval
			},
		})
	}
	tickers = append(tickers, &schedule.Ticker{
		Interval: 2 * time.Hour,
		Task: func(ctx context.Context) time.Duration {
			m.CheckAllStuck(ctx)
			return 2 * time.Hour
		},
	})
	return tickers
}

func (m *Monitor) runTier(ctx context.Context, tier Tier) {
	m.mu.Lock()
	now := time.Now()
	var eligible []string
	for hash, tx := range m.active {
		if tier.eligible(tx, now) {
			eligible = append(eligible, hash)
		}
	}
	m.mu.Unlock()

	for len(eligible) > 0 {
		n := tier.BatchSize
		if n > len(eligible) {
			n = len(eligible)
		}
		batch := eligible[:n]
		eligible = eligible[n:]

		for _, hash := range batch {
			if err := m.checkTransaction(ctx, hash); err != nil && err != ErrUnknownTransaction {
				m.Logger.Warn("tier check failed", zap.String("tier", tier.Name), zap.String("txHash", hash), zap.Error(err))
			}
		}
		if len(eligible) > 0 && tier.InterBatchGap > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(tier.InterBatchGap):
			}
		}
	}
}
