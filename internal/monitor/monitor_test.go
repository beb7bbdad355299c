package monitor

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arcsign/withdrawalengine/internal/chainregistry"
	"github.com/arcsign/withdrawalengine/internal/model"
	"github.com/arcsign/withdrawalengine/internal/store"
)

type fakeChainRPC struct {
	receipt     *Receipt
	receiptErr  error
	txInfo      *TxInfo
	txInfoErr   error
	blockNumber uint64
	blockErr    error
	gasPrice    *big.Int
}

func (f *fakeChainRPC) GetTransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	return f.receipt, f.receiptErr
}
func (f *fakeChainRPC) GetTransaction(ctx context.Context, txHash string) (*TxInfo, error) {
	return f.txInfo, f.txInfoErr
}
func (f *fakeChainRPC) GetBlockNumber(ctx context.Context) (uint64, error) {
	return f.blockNumber, f.blockErr
}
func (f *fakeChainRPC) GetBlockTransactionHashes(ctx context.Context, blockNumber uint64) ([]string, error) {
	return nil, nil
}
func (f *fakeChainRPC) CurrentGasPrice(ctx context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

type staticRPCFactory struct {
	client ChainRPC
}

func (f *staticRPCFactory) ClientFor(ctx context.Context, chain, network string) (ChainRPC, error) {
	return f.client, nil
}

func newTestMonitor(t *testing.T, client ChainRPC, s store.RequestStore) *Monitor {
	t.Helper()
	reg := chainregistry.NewRegistry([]chainregistry.ChainConfig{
		{Chain: "polygon", Network: "mainnet", ChainID: 137, RequiredConfirmations: 3},
	}, nil, nil, chainregistry.DefaultReconnectSettings())
	return New(&staticRPCFactory{client: client}, s, reg, zap.NewNop())
}

func newTx(requestID, chain, network string) *model.MonitoredTransaction {
	id := requestID
	return &model.MonitoredTransaction{
		TxHash:    "0xhash-" + requestID,
		Chain:     chain,
		Network:   network,
		RequestID: &id,
		CreatedAt: time.Now(),
	}
}

func TestCheckTransaction_NotMinedIncrementsRetryCount(t *testing.T) {
	ctx := context.Background()
	client := &fakeChainRPC{receipt: nil, txInfo: nil}
	s := store.NewMemoryRequestStore()
	m := newTestMonitor(t, client, s)

	tx := newTx("r1", "polygon", "mainnet")
	m.Admit(ctx, tx)

	require.NoError(t, m.checkTransaction(ctx, tx.TxHash))
	require.Equal(t, 1, tx.RetryCount)
	require.Equal(t, model.MonitorSent, tx.Status)
}

func TestCheckTransaction_MinedWithoutReceiptMovesToConfirming(t *testing.T) {
	ctx := context.Background()
	bn := uint64(100)
	client := &fakeChainRPC{receipt: nil, txInfo: &TxInfo{BlockNumber: &bn}}
	s := store.NewMemoryRequestStore()
	m := newTestMonitor(t, client, s)

	tx := newTx("r1", "polygon", "mainnet")
	m.Admit(ctx, tx)

	require.NoError(t, m.checkTransaction(ctx, tx.TxHash))
	require.Equal(t, model.MonitorConfirming, tx.Status)
	require.Equal(t, bn, tx.LastObservedBlock)
}

func TestCheckTransaction_ReceiptBelowRequiredConfirmationsStaysConfirming(t *testing.T) {
	ctx := context.Background()
	client := &fakeChainRPC{
		receipt:     &Receipt{BlockNumber: 100, Status: 1},
		blockNumber: 101, // only 1 confirmation, required is 3
	}
	seed := model.WithdrawalRequest{RequestID: "r1", Chain: "polygon", Network: "mainnet", Status: model.StatusBroadcasting}
	s := store.NewMemoryRequestStore(seed)
	m := newTestMonitor(t, client, s)

	tx := newTx("r1", "polygon", "mainnet")
	m.Admit(ctx, tx)

	require.NoError(t, m.checkTransaction(ctx, tx.TxHash))
	require.Equal(t, model.MonitorConfirming, tx.Status)
	require.Equal(t, 1, m.ActiveCount(), "still active, not yet finalized")
}

func TestCheckTransaction_ConfirmedAboveThresholdFinalizesAndRemoves(t *testing.T) {
	ctx := context.Background()
	client := &fakeChainRPC{
		receipt:     &Receipt{BlockNumber: 100, Status: 1},
		blockNumber: 103, // 3 confirmations, required is 3
	}
	seed := model.WithdrawalRequest{RequestID: "r1", Chain: "polygon", Network: "mainnet", Status: model.StatusBroadcasting}
	s := store.NewMemoryRequestStore(seed)
	m := newTestMonitor(t, client, s)

	tx := newTx("r1", "polygon", "mainnet")
	m.Admit(ctx, tx)

	require.NoError(t, m.checkTransaction(ctx, tx.TxHash))
	require.Equal(t, 0, m.ActiveCount(), "confirmed tx is removed from the active set")

	row, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, model.StatusConfirmed, row.Status)
}

func TestCheckTransaction_RevertedReceiptFailsRequest(t *testing.T) {
	ctx := context.Background()
	client := &fakeChainRPC{
		receipt:     &Receipt{BlockNumber: 100, Status: 0},
		blockNumber: 100,
	}
	seed := model.WithdrawalRequest{RequestID: "r1", Chain: "polygon", Network: "mainnet", Status: model.StatusBroadcasting}
	s := store.NewMemoryRequestStore(seed)
	m := newTestMonitor(t, client, s)

	tx := newTx("r1", "polygon", "mainnet")
	m.Admit(ctx, tx)

	require.NoError(t, m.checkTransaction(ctx, tx.TxHash))
	require.Equal(t, 0, m.ActiveCount())

	row, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, row.Status)
}

func TestCheckTransaction_UnknownHashReturnsError(t *testing.T) {
	ctx := context.Background()
	m := newTestMonitor(t, &fakeChainRPC{}, store.NewMemoryRequestStore())
	err := m.checkTransaction(ctx, "0xghost")
	require.ErrorIs(t, err, ErrUnknownTransaction)
}

func TestAdmit_TracksActiveCountAndLazilyStartsSubscription(t *testing.T) {
	ctx := context.Background()
	m := newTestMonitor(t, &fakeChainRPC{}, store.NewMemoryRequestStore())
	require.Equal(t, 0, m.ActiveCount())

	m.Admit(ctx, newTx("r1", "polygon", "mainnet"))
	require.Equal(t, 1, m.ActiveCount())

	m.wsMu.Lock()
	_, running := m.wsCancel["polygon:mainnet"]
	m.wsMu.Unlock()
	require.True(t, running, "block subscription must start once an active tx exists")
}

func TestDetectStuck_RequiresAgeZeroConfirmationsAndDoubledGas(t *testing.T) {
	old := time.Now().Add(-20 * time.Minute)
	tx := &model.MonitoredTransaction{
		TxHash:      "0xstuck",
		Chain:       "polygon",
		Status:      model.MonitorSent,
		CreatedAt:   old,
		OriginalFee: big.NewInt(30_000_000_000),
	}

	_, stuck := DetectStuck(tx, big.NewInt(40_000_000_000))
	require.False(t, stuck, "gas price must be at least double to count as stuck")

	st, stuck := DetectStuck(tx, big.NewInt(60_000_000_000))
	require.True(t, stuck)
	require.Equal(t, "0xstuck", st.TxHash)
}

func TestDetectStuck_ConfirmedTransactionsAreNeverStuck(t *testing.T) {
	tx := &model.MonitoredTransaction{
		Status:        model.MonitorConfirming,
		Confirmations: 1,
		CreatedAt:     time.Now().Add(-time.Hour),
		OriginalFee:   big.NewInt(1),
	}
	_, stuck := DetectStuck(tx, big.NewInt(1000))
	require.False(t, stuck, "any confirmation disqualifies stuck detection")
}

func TestDetectStuck_TooYoungIsNeverStuck(t *testing.T) {
	tx := &model.MonitoredTransaction{
		Chain:       "polygon",
		Status:      model.MonitorSent,
		CreatedAt:   time.Now(),
		OriginalFee: big.NewInt(1),
	}
	_, stuck := DetectStuck(tx, big.NewInt(1000))
	require.False(t, stuck)
}

func TestTier_EligibilityRespectsIntervalAndMaxAge(t *testing.T) {
	fast := DefaultTiers()[0]
	now := time.Now()

	fresh := &model.MonitoredTransaction{LastChecked: now, CreatedAt: now}
	require.False(t, fast.eligible(fresh, now), "checked moments ago, not yet eligible")

	due := &model.MonitoredTransaction{LastChecked: now.Add(-2 * time.Minute), CreatedAt: now.Add(-2 * time.Minute)}
	require.True(t, fast.eligible(due, now))

	tooOld := &model.MonitoredTransaction{LastChecked: now.Add(-2 * time.Minute), CreatedAt: now.Add(-20 * time.Minute)}
	require.False(t, fast.eligible(tooOld, now), "older than tier max age, not this tier's job")
}

func TestRunTier_ChecksEligibleTransactionsInBatches(t *testing.T) {
	ctx := context.Background()
	client := &fakeChainRPC{
		receipt:     &Receipt{BlockNumber: 100, Status: 1},
		blockNumber: 103,
	}
	var seeds []model.WithdrawalRequest
	for _, id := range []string{"r1", "r2"} {
		seeds = append(seeds, model.WithdrawalRequest{RequestID: id, Chain: "polygon", Network: "mainnet", Status: model.StatusBroadcasting})
	}
	s := store.NewMemoryRequestStore(seeds...)
	m := newTestMonitor(t, client, s)

	for _, id := range []string{"r1", "r2"} {
		tx := newTx(id, "polygon", "mainnet")
		m.Admit(ctx, tx)
		tx.LastChecked = time.Now().Add(-2 * time.Minute)
	}

	m.runTier(ctx, DefaultTiers()[0])
	require.Equal(t, 0, m.ActiveCount(), "both confirmed and removed by the tier pass")
}
