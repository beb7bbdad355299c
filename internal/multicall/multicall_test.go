package multicall

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

type fakeTokenDirectory struct {
	decimals map[string]int
}

func (f *fakeTokenDirectory) Decimals(ctx context.Context, token *string) (int, error) {
	if token == nil || *token == "" {
		return 18, nil
	}
	if d, ok := f.decimals[*token]; ok {
		return d, nil
	}
	return 0, errors.New("unknown token")
}

type fakeGasEstimator struct {
	result uint64
	err    error
}

func (f *fakeGasEstimator) EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error) {
	return f.result, f.err
}

const usdc = "0x0000000000000000000000000000000000000001"

func newTestBatcher(gas GasEstimator) *Batcher {
	dir := &fakeTokenDirectory{decimals: map[string]int{usdc: 6}}
	return NewBatcher("polygon", dir, gas)
}

func TestValidate_RejectsDuplicateIDs(t *testing.T) {
	b := newTestBatcher(nil)
	transfers := []Transfer{
		{To: "0x000000000000000000000000000000000000dead", Amount: "1", TransactionID: "tx1"},
		{To: "0x000000000000000000000000000000000000dead", Amount: "2", TransactionID: "tx1"},
	}
	err := b.Validate(transfers)
	require.Error(t, err)
}

func TestValidate_RejectsMalformedAddress(t *testing.T) {
	b := newTestBatcher(nil)
	err := b.Validate([]Transfer{{To: "not-an-address", Amount: "1", TransactionID: "tx1"}})
	require.Error(t, err)
}

func TestValidate_RejectsNonPositiveAmount(t *testing.T) {
	b := newTestBatcher(nil)
	err := b.Validate([]Transfer{{To: "0x000000000000000000000000000000000000dead", Amount: "0", TransactionID: "tx1"}})
	require.Error(t, err)
}

func TestValidate_AcceptsValidTransfers(t *testing.T) {
	b := newTestBatcher(nil)
	err := b.Validate([]Transfer{
		{To: "0x000000000000000000000000000000000000dead", Amount: "1.5", TransactionID: "tx1"},
		{To: "0x000000000000000000000000000000000000beef", Amount: "2", TransactionID: "tx2"},
	})
	require.NoError(t, err)
}

func TestNormalize_ResolvesDecimalsAndConvertsAmount(t *testing.T) {
	b := newTestBatcher(nil)
	token := usdc
	ctx := context.Background()
	out, err := b.Normalize(ctx, []Transfer{
		{Token: &token, To: "0x000000000000000000000000000000000000dead", Amount: "1.5", TransactionID: "tx1"},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "1500000", out[0].BaseUnitsAmount)
}

func TestEncode_BuildsOneCallPerTransfer(t *testing.T) {
	b := newTestBatcher(nil)
	token := usdc
	ctx := context.Background()
	normalized, err := b.Normalize(ctx, []Transfer{
		{Token: &token, To: "0x000000000000000000000000000000000000dead", Amount: "1", TransactionID: "tx1"},
		{Token: &token, To: "0x000000000000000000000000000000000000beef", Amount: "2", TransactionID: "tx2"},
	})
	require.NoError(t, err)

	sender := common.HexToAddress("0x00000000000000000000000000000000000099")
	calls, encoded, err := b.Encode(sender, normalized, true)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	require.NotEmpty(t, encoded)
}

func TestEncode_RejectsNativeTransfer(t *testing.T) {
	b := newTestBatcher(nil)
	ctx := context.Background()
	normalized, err := b.Normalize(ctx, []Transfer{
		{To: "0x000000000000000000000000000000000000dead", Amount: "1", TransactionID: "tx1"},
	})
	require.NoError(t, err)

	sender := common.HexToAddress("0x00000000000000000000000000000000000099")
	_, _, err = b.Encode(sender, normalized, true)
	require.Error(t, err)
}

func TestEstimateGas_UsesLiveEstimateWithSafetyMultiplier(t *testing.T) {
	gas := &fakeGasEstimator{result: 100000}
	b := newTestBatcher(gas)
	ctx := context.Background()
	from := common.HexToAddress("0x00000000000000000000000000000000000099")
	to := common.HexToAddress("0x00000000000000000000000000000000000001")

	estimate, err := b.EstimateGas(ctx, from, to, []byte{0x01}, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(115000), estimate)
}

func TestEstimateGas_FallsBackOnRPCError(t *testing.T) {
	gas := &fakeGasEstimator{err: errors.New("rpc unavailable")}
	b := newTestBatcher(gas)
	ctx := context.Background()
	from := common.HexToAddress("0x00000000000000000000000000000000000099")
	to := common.HexToAddress("0x00000000000000000000000000000000000001")

	estimate, err := b.EstimateGas(ctx, from, to, []byte{0x01}, 3)
	require.NoError(t, err)
	require.Greater(t, estimate, uint64(0))
}

func TestEstimateGas_ZeroCallsIsZero(t *testing.T) {
	b := newTestBatcher(nil)
	ctx := context.Background()
	from := common.HexToAddress("0x00000000000000000000000000000000000099")
	to := common.HexToAddress("0x00000000000000000000000000000000000001")

	estimate, err := b.EstimateGas(ctx, from, to, nil, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), estimate)
}

func TestDiminishingFactor_IsMonotoneNonIncreasing(t *testing.T) {
	sizes := []int{1, 3, 10, 30, 100}
	prev := diminishingFactor(sizes[0])
	for _, n := range sizes[1:] {
		f := diminishingFactor(n)
		require.LessOrEqual(t, f, prev)
		prev = f
	}
}

func TestSplit_GroupsWithinBudget(t *testing.T) {
	b := newTestBatcher(nil)
	token := usdc
	transfers := make([]NormalizedTransfer, 0, 10)
	for i := 0; i < 10; i++ {
		transfers = append(transfers, NormalizedTransfer{
			Transfer:        Transfer{Token: &token, To: "0x000000000000000000000000000000000000dead", TransactionID: "tx"},
			BaseUnitsAmount: "1",
		})
	}

	groups := b.Split(transfers, 1_000_000, 65000)
	require.NotEmpty(t, groups)
	total := 0
	for _, g := range groups {
		total += len(g)
	}
	require.Equal(t, 10, total)
}

func TestSplit_EmptyInputYieldsNoGroups(t *testing.T) {
	b := newTestBatcher(nil)
	groups := b.Split(nil, 1_000_000, 65000)
	require.Empty(t, groups)
}

func TestDecode_EmptyOutput(t *testing.T) {
	b := newTestBatcher(nil)
	results, err := b.Decode(nil)
	require.NoError(t, err)
	require.Empty(t, results)
}
