package workflow

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agentgate/backend/internal/apperr"
)

// encodeCalldata builds selector+args from a fragment and resolved
// argument values keyed by the fragment's declared input names.
func encodeCalldata(fragment *ABIFragment, args map[string]any) ([]byte, error) {
	types := make([]string, len(fragment.Inputs))
	arguments := make(abi.Arguments, len(fragment.Inputs))
	values := make([]any, len(fragment.Inputs))

	for i, input := range fragment.Inputs {
		typ, err := abi.NewType(input.Type, "", nil)
		if err != nil {
			return nil, apperr.Newf(apperr.KindEncoding, "unsupported ABI type %q", input.Type)
		}
		arguments[i] = abi.Argument{Name: input.Name, Type: typ}
		types[i] = input.Type

		raw, ok := args[input.Name]
		if !ok || raw == nil {
			return nil, apperr.Newf(apperr.KindUnresolvedArg,
				"argument %q of %s did not resolve", input.Name, fragment.Name)
		}
		converted, err := convertArg(raw, input.Type)
		if err != nil {
			return nil, err
		}
		values[i] = converted
	}

	packed, err := arguments.Pack(values...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindEncoding, "pack ABI arguments", err)
	}

	signature := fmt.Sprintf("%s(%s)", fragment.Name, strings.Join(types, ","))
	selector := crypto.Keccak256([]byte(signature))[:4]
	return append(selector, packed...), nil
}

// convertArg coerces a JSON-decoded value into the Go representation the
// abi package expects for the given Solidity type.
func convertArg(raw any, solType string) (any, error) {
	switch {
	case solType == "address":
		s, ok := raw.(string)
		if !ok || !common.IsHexAddress(s) {
			return nil, apperr.Newf(apperr.KindEncoding, "value %v is not an address", raw)
		}
		return common.HexToAddress(s), nil

	case strings.HasPrefix(solType, "uint") || strings.HasPrefix(solType, "int"):
		var n *big.Int
		switch v := raw.(type) {
		case string:
			var ok bool
			n, ok = new(big.Int).SetString(strings.TrimPrefix(v, "0x"), base(v))
			if !ok {
				return nil, apperr.Newf(apperr.KindEncoding, "value %q is not an integer", v)
			}
		case float64:
			n = big.NewInt(int64(v))
		case int64:
			n = big.NewInt(v)
		case *big.Int:
			n = v
		default:
			return nil, apperr.Newf(apperr.KindEncoding, "value %v is not an integer", raw)
		}
		return sizeInt(n, solType)

	case solType == "bool":
		b, ok := raw.(bool)
		if !ok {
			return nil, apperr.Newf(apperr.KindEncoding, "value %v is not a bool", raw)
		}
		return b, nil

	case solType == "string":
		s, ok := raw.(string)
		if !ok {
			return nil, apperr.Newf(apperr.KindEncoding, "value %v is not a string", raw)
		}
		return s, nil

	case solType == "bytes" || strings.HasPrefix(solType, "bytes"):
		s, ok := raw.(string)
		if !ok {
			return nil, apperr.Newf(apperr.KindEncoding, "value %v is not hex bytes", raw)
		}
		data, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
		if err != nil {
			return nil, apperr.Newf(apperr.KindEncoding, "value %q is not hex bytes", s)
		}
		if solType == "bytes32" {
			var fixed [32]byte
			if len(data) != 32 {
				return nil, apperr.Newf(apperr.KindEncoding, "bytes32 value must be 32 bytes")
			}
			copy(fixed[:], data)
			return fixed, nil
		}
		return data, nil

	default:
		return nil, apperr.Newf(apperr.KindEncoding, "unsupported ABI type %q", solType)
	}
}

// sizeInt narrows a parsed integer to the Go representation the abi
// package packs for the declared width. Native widths (8/16/32/64) pack
// as the matching Go integer type; everything else stays *big.Int.
func sizeInt(n *big.Int, solType string) (any, error) {
	signed := !strings.HasPrefix(solType, "u")
	digits := strings.TrimPrefix(strings.TrimPrefix(solType, "uint"), "int")
	bits := 256
	if digits != "" {
		parsed, err := strconv.Atoi(digits)
		if err != nil || parsed < 8 || parsed > 256 || parsed%8 != 0 {
			return nil, apperr.Newf(apperr.KindEncoding, "unsupported ABI type %q", solType)
		}
		bits = parsed
	}

	if signed {
		max := new(big.Int).Lsh(big.NewInt(1), uint(bits-1))
		min := new(big.Int).Neg(max)
		max.Sub(max, big.NewInt(1))
		if n.Cmp(min) < 0 || n.Cmp(max) > 0 {
			return nil, apperr.Newf(apperr.KindEncoding, "value out of range for %s", solType)
		}
	} else {
		if n.Sign() < 0 {
			return nil, apperr.Newf(apperr.KindEncoding, "negative value for %s", solType)
		}
		if n.BitLen() > bits {
			return nil, apperr.Newf(apperr.KindEncoding, "value out of range for %s", solType)
		}
	}

	switch bits {
	case 8, 16, 32, 64:
	default:
		return n, nil
	}
	if signed {
		v := n.Int64()
		switch bits {
		case 8:
			return int8(v), nil
		case 16:
			return int16(v), nil
		case 32:
			return int32(v), nil
		default:
			return v, nil
		}
	}
	v := n.Uint64()
	switch bits {
	case 8:
		return uint8(v), nil
	case 16:
		return uint16(v), nil
	case 32:
		return uint32(v), nil
	default:
		return v, nil
	}
}

func base(s string) int {
	if strings.HasPrefix(s, "0x") {
		return 16
	}
	return 10
}
