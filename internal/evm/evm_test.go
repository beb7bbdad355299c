package evm

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestIsValidAddress(t *testing.T) {
	require.True(t, IsValidAddress("0x742d35Cc6634C0532925a3b844Bc9e7595f0fAEd"[:42]))
	require.True(t, IsValidAddress("0x000000000000000000000000000000000000dEaD"))
	require.False(t, IsValidAddress("not-an-address"))
	require.False(t, IsValidAddress("0x123"))
	require.False(t, IsValidAddress(""))
}

func TestToBaseUnits(t *testing.T) {
	cases := []struct {
		amount   string
		decimals int
		want     string
		wantErr  bool
	}{
		{"1000000000000000000", 18, "1000000000000000000", false}, // already base units
		{"1.5", 18, "1500000000000000000", false},
		{"1.0", 6, "1000000", false},
		{"0.000001", 6, "1", false},
		{"0", 18, "", true},   // non-positive
		{"-1", 18, "", true},  // not matched as valid decimal at all (caught earlier by IsPositiveDecimalOrInteger in callers)
		{"1.23456789", 6, "", true}, // too much precision
	}
	for _, c := range cases {
		got, err := ToBaseUnits(c.amount, c.decimals)
		if c.wantErr {
			require.Error(t, err, "amount=%s decimals=%d", c.amount, c.decimals)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, c.want, got)
	}
}

func TestIsPositiveDecimalOrInteger(t *testing.T) {
	require.True(t, IsPositiveDecimalOrInteger("100"))
	require.True(t, IsPositiveDecimalOrInteger("1.5"))
	require.False(t, IsPositiveDecimalOrInteger("0"))
	require.False(t, IsPositiveDecimalOrInteger("-1"))
	require.False(t, IsPositiveDecimalOrInteger("abc"))
	require.False(t, IsPositiveDecimalOrInteger(""))
}

func TestFingerprint(t *testing.T) {
	require.Equal(t, "native", Fingerprint(nil))
	empty := ""
	require.Equal(t, "native", Fingerprint(&empty))
	token := "0xABCDEF0000000000000000000000000000000001"
	require.Equal(t, "0xabcdef0000000000000000000000000000000001", Fingerprint(&token))
}

func TestEncodeAggregate3_EncodesZeroOneTwoAndFiveCalls(t *testing.T) {
	target := common.HexToAddress("0x000000000000000000000000000000000000aa")
	sender := common.HexToAddress("0x000000000000000000000000000000000000bb")
	recipient := common.HexToAddress("0x000000000000000000000000000000000000cc")

	callData, err := EncodeTransferFrom(sender, recipient, big.NewInt(1000))
	require.NoError(t, err)
	require.NotEmpty(t, callData)

	for _, n := range []int{0, 1, 2, 5} {
		calls := make([]Call3, n)
		for i := range calls {
			calls[i] = Call3{Target: target, AllowFailure: true, CallData: callData}
		}
		encoded, err := EncodeAggregate3(calls)
		require.NoError(t, err)
		require.NotEmpty(t, encoded)
	}
}

func TestDecodeAggregate3Result_EmptyOutput(t *testing.T) {
	results, err := DecodeAggregate3Result(nil)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestDecodeAggregate3Result_RoundTripsThroughABI(t *testing.T) {
	// Build a synthetic aggregate3 return value using the same ABI and
	// confirm DecodeAggregate3Result is the left inverse of the ABI's own
	// packing of the return tuple (spec.md §8.4).
	packed, err := multicall3ABI.Methods["aggregate3"].Outputs.Pack([]struct {
		Success    bool
		ReturnData []byte
	}{
		{Success: true, ReturnData: []byte{0x01}},
		{Success: false, ReturnData: []byte{}},
	})
	require.NoError(t, err)

	results, err := DecodeAggregate3Result(packed)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.True(t, results[0].Success)
	require.Equal(t, []byte{0x01}, results[0].ReturnData)
	require.False(t, results[1].Success)
}
