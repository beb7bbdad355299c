package evm

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// erc20ABI carries only the transferFrom fragment the multicall batcher
// needs to encode — the full ERC-20 ABI is out of scope, the signer
// primitive is the only collaborator that ever needs the raw calldata.
const erc20ABIJSON = `[
  {"constant":false,"inputs":[{"name":"sender","type":"address"},{"name":"recipient","type":"address"},{"name":"amount","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// multicall3ABIJSON is the aggregate3 fragment of Multicall3
// (0xcA11bde05977b3631167028862bE2a173976CA11 on every EVM chain that
// deploys it at a deterministic address).
const multicall3ABIJSON = `[
  {"inputs":[{"components":[{"name":"target","type":"address"},{"name":"allowFailure","type":"bool"},{"name":"callData","type":"bytes"}],"name":"calls","type":"tuple[]"}],"name":"aggregate3","outputs":[{"components":[{"name":"success","type":"bool"},{"name":"returnData","type":"bytes"}],"name":"returnData","type":"tuple[]"}],"type":"function"}
]`

var erc20ABI abi.ABI
var multicall3ABI abi.ABI

func init() {
	var err error
	erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("evm: invalid embedded erc20 ABI: %v", err))
	}
	multicall3ABI, err = abi.JSON(strings.NewReader(multicall3ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("evm: invalid embedded multicall3 ABI: %v", err))
	}
}

// Call3 mirrors the Multicall3.Call3 struct encoded by aggregate3.
type Call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// Result mirrors one element of aggregate3's return value.
type Result struct {
	Success    bool
	ReturnData []byte
}

// EncodeTransferFrom encodes an ERC-20 transferFrom(sender, recipient, amount) call.
func EncodeTransferFrom(sender, recipient common.Address, amount *big.Int) ([]byte, error) {
	data, err := erc20ABI.Pack("transferFrom", sender, recipient, amount)
	if err != nil {
		return nil, fmt.Errorf("encode transferFrom: %w", err)
	}
	return data, nil
}

// EncodeAggregate3 encodes the aggregator's aggregate3(Call3[]) call.
// An empty calls slice yields a valid, empty-batch encoding (spec.md
// §4.4 edge case).
func EncodeAggregate3(calls []Call3) ([]byte, error) {
	type call3Tuple struct {
		Target       common.Address
		AllowFailure bool
		CallData     []byte
	}
	tuples := make([]call3Tuple, len(calls))
	for i, c := range calls {
		tuples[i] = call3Tuple{Target: c.Target, AllowFailure: c.AllowFailure, CallData: c.CallData}
	}
	data, err := multicall3ABI.Pack("aggregate3", tuples)
	if err != nil {
		return nil, fmt.Errorf("encode aggregate3: %w", err)
	}
	return data, nil
}

// DecodeAggregate3Result decodes the aggregate3 return value into
// per-call {success, returnData} in call order — the left inverse of
// EncodeAggregate3 required by spec.md §8.4.
//
// go-ethereum's abi.Unpack represents a tuple[] return as a slice of a
// generated anonymous struct; reflection extracts the two named fields
// generically instead of depending on that struct's exact Go type.
func DecodeAggregate3Result(output []byte) ([]Result, error) {
	if len(output) == 0 {
		return []Result{}, nil
	}
	values, err := multicall3ABI.Unpack("aggregate3", output)
	if err != nil {
		return nil, fmt.Errorf("decode aggregate3 result: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("decode aggregate3 result: unexpected value count %d", len(values))
	}

	sliceVal := reflect.ValueOf(values[0])
	if sliceVal.Kind() != reflect.Slice {
		return nil, fmt.Errorf("decode aggregate3 result: unexpected return shape %T", values[0])
	}

	out := make([]Result, 0, sliceVal.Len())
	for i := 0; i < sliceVal.Len(); i++ {
		elem := sliceVal.Index(i)
		successField := elem.FieldByName("Success")
		dataField := elem.FieldByName("ReturnData")
		if !successField.IsValid() || !dataField.IsValid() {
			return nil, fmt.Errorf("decode aggregate3 result: element %d missing expected fields", i)
		}
		out = append(out, Result{
			Success:    successField.Bool(),
			ReturnData: dataField.Bytes(),
		})
	}
	return out, nil
}
