package eip712

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/cmontecoding/EIP712-OrderBook/pkg/crypto"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/errors"
)

// SlotSize is the width of one encoded head slot.
const SlotSize = 32

// Arg is one typed value handed to Encode.
type Arg struct {
	Type  TypeTag
	Value interface{}
}

// Encode lays out args as consecutive 32-byte slots in argument order.
// Integers are right-aligned (negative values in two's complement),
// fixed-size byte strings are left-aligned and addresses occupy the low 20
// bytes. Only static types are accepted: dynamic bytes, strings, structs
// and arrays must be reduced to a bytes32 digest by the caller first.
func Encode(args []Arg) ([]byte, error) {
	if len(args) == 0 {
		return nil, errors.ErrEncoding.WithMessage("nothing to encode")
	}
	out := make([]byte, 0, len(args)*SlotSize)
	for i, arg := range args {
		slot, err := EncodeSlot(arg.Type, arg.Value)
		if err != nil {
			return nil, withDetailIfMissing(err, "index", fmt.Sprint(i))
		}
		out = append(out, slot[:]...)
	}
	return out, nil
}

// EncodeSlot encodes a single static value into a 32-byte slot.
func EncodeSlot(tag TypeTag, value interface{}) ([SlotSize]byte, error) {
	var slot [SlotSize]byte

	switch tag.Kind {
	case KindUint, KindInt:
		n, err := toBigInt(value)
		if err != nil {
			return slot, encodingErr(tag, value, err.Error())
		}
		return encodeInteger(tag, n)

	case KindAddress:
		addr, err := toAddress(value)
		if err != nil {
			return slot, encodingErr(tag, value, err.Error())
		}
		copy(slot[:], crypto.PadLeft(addr[:], SlotSize))
		return slot, nil

	case KindBool:
		b, ok := value.(bool)
		if !ok {
			return slot, encodingErr(tag, value, "expected bool")
		}
		if b {
			slot[SlotSize-1] = 1
		}
		return slot, nil

	case KindFixedBytes:
		b, err := toBytes(value)
		if err != nil {
			return slot, encodingErr(tag, value, err.Error())
		}
		if len(b) != tag.Size {
			return slot, encodingErr(tag, value, fmt.Sprintf("expected %d bytes, got %d", tag.Size, len(b)))
		}
		copy(slot[:], b)
		return slot, nil

	default:
		return slot, encodingErr(tag, value, "dynamic type must be hashed to bytes32 before encoding")
	}
}

var big1 = big.NewInt(1)

func encodeInteger(tag TypeTag, n *big.Int) ([SlotSize]byte, error) {
	if tag.Kind == KindUint {
		if n.Sign() < 0 {
			return [SlotSize]byte{}, encodingErr(tag, n, "negative value for unsigned type")
		}
		if n.BitLen() > tag.Size {
			return [SlotSize]byte{}, encodingErr(tag, n, "value overflows declared width")
		}
	} else {
		limit := new(big.Int).Lsh(big1, uint(tag.Size-1))
		lowest := new(big.Int).Neg(limit)
		highest := new(big.Int).Sub(limit, big1)
		if n.Cmp(lowest) < 0 || n.Cmp(highest) > 0 {
			return [SlotSize]byte{}, encodingErr(tag, n, "value overflows declared width")
		}
	}

	// 负数按 256 位补码编码, 等价于从声明宽度符号扩展
	abs := new(big.Int).Abs(n)
	u, overflow := uint256.FromBig(abs)
	if overflow {
		return [SlotSize]byte{}, encodingErr(tag, n, "value overflows 256 bits")
	}
	if n.Sign() < 0 {
		u.Neg(u)
	}
	return u.Bytes32(), nil
}

func toBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		if v == nil {
			return nil, fmt.Errorf("nil integer")
		}
		return v, nil
	case *uint256.Int:
		if v == nil {
			return nil, fmt.Errorf("nil integer")
		}
		return v.ToBig(), nil
	case int:
		return big.NewInt(int64(v)), nil
	case int8:
		return big.NewInt(int64(v)), nil
	case int16:
		return big.NewInt(int64(v)), nil
	case int32:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	case uint:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case string:
		return parseBigInt(v)
	default:
		return nil, fmt.Errorf("unsupported integer value of type %T", value)
	}
}

// parseBigInt 解析十进制或 0x 十六进制整数, 允许负号
func parseBigInt(s string) (*big.Int, error) {
	str := strings.TrimSpace(s)
	neg := strings.HasPrefix(str, "-")
	str = strings.TrimPrefix(str, "-")

	base := 10
	if strings.HasPrefix(str, "0x") || strings.HasPrefix(str, "0X") {
		base = 16
		str = str[2:]
	}
	// 符号只允许出现一次, 且在进制前缀之前
	if str == "" || strings.ContainsAny(str, "+-") {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	n, ok := new(big.Int).SetString(str, base)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	if neg {
		n.Neg(n)
	}
	return n, nil
}

func toAddress(value interface{}) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		if v == nil {
			return common.Address{}, fmt.Errorf("nil address")
		}
		return *v, nil
	case string:
		if !common.IsHexAddress(v) {
			return common.Address{}, fmt.Errorf("invalid address %q", v)
		}
		return common.HexToAddress(v), nil
	}
	b, err := toBytes(value)
	if err != nil {
		return common.Address{}, err
	}
	if len(b) != common.AddressLength {
		return common.Address{}, fmt.Errorf("address must be %d bytes, got %d", common.AddressLength, len(b))
	}
	return common.BytesToAddress(b), nil
}

// toBytes 接受 []byte, 任意 [N]byte 数组 (common.Hash 等) 和 hex 字符串
func toBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return crypto.DecodeHex(v)
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Array && rv.Type().Elem().Kind() == reflect.Uint8 {
		out := make([]byte, rv.Len())
		reflect.Copy(reflect.ValueOf(out), rv)
		return out, nil
	}
	return nil, fmt.Errorf("unsupported bytes value of type %T", value)
}

func encodingErr(tag TypeTag, value interface{}, reason string) *errors.Error {
	v := formatValue(value)
	return errors.ErrEncoding.WithMessagef("cannot encode %s as %s: %s", v, tag, reason).
		WithDetails(map[string]string{"type": tag.String(), "value": v})
}

func formatValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "<nil>"
	case string:
		return v
	case []byte:
		return crypto.EncodeHex(v)
	case common.Address:
		return v.Hex()
	case fmt.Stringer:
		return v.String()
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Array && rv.Type().Elem().Kind() == reflect.Uint8 {
		b, _ := toBytes(value)
		return crypto.EncodeHex(b)
	}
	return fmt.Sprint(value)
}

// withDetailIfMissing 给已有的编码错误补充定位信息
func withDetailIfMissing(err error, key, value string) error {
	var e *errors.Error
	if !errors.As(err, &e) {
		return err
	}
	if e.Detail(key) != "" {
		return e
	}
	return e.WithDetail(key, value)
}
