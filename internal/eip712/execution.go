package eip712

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Mode identifiers understood by the delegator contract. The first byte
// selects the call type, the rest is reserved.
var (
	ModeSingleCall = [32]byte{0x00}
	ModeBatchCall  = [32]byte{0x01}
)

// Call is one (target, value, calldata) triple of an execution.
type Call struct {
	Target   common.Address
	Value    *big.Int
	Calldata []byte
}

// EncodeSingleExecution packs one call as target(20) ‖ value(32) ‖ calldata,
// the layout the contract expects under ModeSingleCall.
func EncodeSingleExecution(call Call) []byte {
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	out := make([]byte, 0, 20+32+len(call.Calldata))
	out = append(out, call.Target.Bytes()...)
	out = append(out, common.LeftPadBytes(value.Bytes(), 32)...)
	out = append(out, call.Calldata...)
	return out
}

var batchArgs = mustBatchArgs()

func mustBatchArgs() abi.Arguments {
	typ, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "target", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "callData", Type: "bytes"},
	})
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: typ}}
}

// EncodeBatchExecution abi-encodes the calls as a dynamic array of
// (address target, uint256 value, bytes callData) tuples for ModeBatchCall.
// One signature over the encoding authorizes the whole batch.
func EncodeBatchExecution(calls []Call) ([]byte, error) {
	type execTuple struct {
		Target   common.Address `abi:"target"`
		Value    *big.Int       `abi:"value"`
		CallData []byte         `abi:"callData"`
	}
	tuples := make([]execTuple, len(calls))
	for i, c := range calls {
		value := c.Value
		if value == nil {
			value = new(big.Int)
		}
		calldata := c.Calldata
		if calldata == nil {
			calldata = []byte{}
		}
		tuples[i] = execTuple{Target: c.Target, Value: value, CallData: calldata}
	}
	enc, err := batchArgs.Pack(tuples)
	if err != nil {
		return nil, fmt.Errorf("encode batch execution: %w", err)
	}
	return enc, nil
}
