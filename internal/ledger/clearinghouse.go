package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/cmontecoding/EIP712-OrderBook/internal/order"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/crypto"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/eip712"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/errors"
)

// 合约方法
const (
	MethodHash        = "hash"
	MethodHashExposed = "hashExposed"
	MethodCanSettle   = "canSettle"
)

// Caller 合约只读调用, *Client 满足该接口
type Caller interface {
	Call(ctx context.Context, to common.Address, method string, data []byte) ([]byte, error)
}

// abiArg ABI JSON 参数
type abiArg struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Components []abiArg `json:"components,omitempty"`
}

// abiEntry ABI JSON 条目
type abiEntry struct {
	Type            string   `json:"type"`
	Name            string   `json:"name"`
	Inputs          []abiArg `json:"inputs"`
	Outputs         []abiArg `json:"outputs"`
	StateMutability string   `json:"stateMutability"`
}

// ABIJSON 按类型定义生成清算所合约的只读接口:
//
//	function hash(Order order) external view returns (bytes32);
//	function hashExposed(Order order) external view returns (bytes32 digest, bytes32 domainSeparator, bytes32 structHash);
//	function canSettle(Request request) external view returns (bool success, bytes data);
//
// 其中 Request 为 (Order[] orders, bytes[] signatures), tuple 字段顺序与类型定义一致
func ABIJSON(schema *eip712.Schema, primary string) (string, error) {
	orderArg, err := tupleArg(schema, "order", primary)
	if err != nil {
		return "", err
	}
	ordersArg := orderArg
	ordersArg.Name, ordersArg.Type = "orders", "tuple[]"

	requestArg := abiArg{
		Name: "request",
		Type: "tuple",
		Components: []abiArg{
			ordersArg,
			{Name: "signatures", Type: "bytes[]"},
		},
	}

	entries := []abiEntry{
		{
			Type:            "function",
			Name:            MethodHash,
			Inputs:          []abiArg{orderArg},
			Outputs:         []abiArg{{Name: "", Type: "bytes32"}},
			StateMutability: "view",
		},
		{
			Type:   "function",
			Name:   MethodHashExposed,
			Inputs: []abiArg{orderArg},
			Outputs: []abiArg{
				{Name: "digest", Type: "bytes32"},
				{Name: "domainSeparator", Type: "bytes32"},
				{Name: "structHash", Type: "bytes32"},
			},
			StateMutability: "view",
		},
		{
			Type:   "function",
			Name:   MethodCanSettle,
			Inputs: []abiArg{requestArg},
			Outputs: []abiArg{
				{Name: "success", Type: "bool"},
				{Name: "data", Type: "bytes"},
			},
			StateMutability: "view",
		},
	}

	out, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func tupleArg(schema *eip712.Schema, name, typeName string) (abiArg, error) {
	fields, err := schema.Fields(typeName)
	if err != nil {
		return abiArg{}, err
	}
	arg := abiArg{Name: name, Type: "tuple", Components: make([]abiArg, 0, len(fields))}
	for _, f := range fields {
		tag, err := eip712.ParseType(f.Type)
		if err != nil {
			return abiArg{}, err
		}
		c, err := fieldArg(schema, f.Name, tag)
		if err != nil {
			return abiArg{}, err
		}
		arg.Components = append(arg.Components, c)
	}
	return arg, nil
}

func fieldArg(schema *eip712.Schema, name string, tag eip712.TypeTag) (abiArg, error) {
	switch tag.Kind {
	case eip712.KindStruct:
		return tupleArg(schema, name, tag.Name)
	case eip712.KindArray:
		elem, err := fieldArg(schema, name, *tag.Elem)
		if err != nil {
			return abiArg{}, err
		}
		if tag.Size > 0 {
			elem.Type += fmt.Sprintf("[%d]", tag.Size)
		} else {
			elem.Type += "[]"
		}
		return elem, nil
	default:
		return abiArg{Name: name, Type: tag.String()}, nil
	}
}

// Clearinghouse 清算所合约绑定
type Clearinghouse struct {
	caller  Caller
	address common.Address
	abi     abi.ABI
	primary string
}

// NewClearinghouse 按类型定义创建合约绑定, 调用数据的 tuple 布局与签名时的类型定义一致
func NewClearinghouse(caller Caller, address common.Address, schema *eip712.Schema, primary string) (*Clearinghouse, error) {
	if schema == nil {
		return nil, errors.ErrPrecondition.WithMessage("nil schema")
	}
	raw, err := ABIJSON(schema, primary)
	if err != nil {
		return nil, err
	}
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		return nil, errors.WrapWithCause(errors.ErrSchema, err, "build contract ABI").WithDetail("type", primary)
	}
	return &Clearinghouse{
		caller:  caller,
		address: address,
		abi:     parsed,
		primary: primary,
	}, nil
}

// Address 合约地址
func (c *Clearinghouse) Address() common.Address {
	return c.address
}

// ABI 合约 ABI
func (c *Clearinghouse) ABI() abi.ABI {
	return c.abi
}

// PackHash 打包 hash(Order) 调用数据
func (c *Clearinghouse) PackHash(o *order.Order) ([]byte, error) {
	return c.packOrder(MethodHash, o)
}

// Hash 合约计算的签名摘要
func (c *Clearinghouse) Hash(ctx context.Context, o *order.Order) (common.Hash, error) {
	out, err := c.callOrder(ctx, MethodHash, o)
	if err != nil {
		return common.Hash{}, err
	}
	return hashAt(out, 0, MethodHash)
}

// HashExposed 合约计算的摘要, 域分隔符和结构体哈希
func (c *Clearinghouse) HashExposed(ctx context.Context, o *order.Order) (eip712.Hashes, error) {
	out, err := c.callOrder(ctx, MethodHashExposed, o)
	if err != nil {
		return eip712.Hashes{}, err
	}
	var h eip712.Hashes
	if h.Digest, err = hashAt(out, 0, MethodHashExposed); err != nil {
		return eip712.Hashes{}, err
	}
	if h.DomainSeparator, err = hashAt(out, 1, MethodHashExposed); err != nil {
		return eip712.Hashes{}, err
	}
	if h.StructHash, err = hashAt(out, 2, MethodHashExposed); err != nil {
		return eip712.Hashes{}, err
	}
	return h, nil
}

// SettleCheck canSettle 的结果
type SettleCheck struct {
	Success bool
	// Reason 合约返回的 data, 可读文本或 hex
	Reason string
	Data   []byte
}

// CanSettle 结算预检
func (c *Clearinghouse) CanSettle(ctx context.Context, orders []order.SignedOrder) (*SettleCheck, error) {
	msgs := make([]eip712.Message, len(orders))
	sigs := make([][]byte, len(orders))
	for i, so := range orders {
		if so.Order == nil {
			return nil, errors.ErrPrecondition.WithMessagef("orders[%d] is nil", i).
				WithDetail("path", fmt.Sprintf("orders[%d]", i))
		}
		msgs[i] = so.Order.Message()
		sigs[i] = so.Signature
		if sigs[i] == nil {
			sigs[i] = []byte{}
		}
	}

	m := c.abi.Methods[MethodCanSettle]
	request, err := buildValue(m.Inputs[0].Type, eip712.Message{"orders": msgs, "signatures": sigs}, "request")
	if err != nil {
		return nil, err
	}
	data, err := c.abi.Pack(MethodCanSettle, request.Interface())
	if err != nil {
		return nil, errors.WrapWithCause(errors.ErrEncoding, err, "pack %s", MethodCanSettle)
	}

	out, err := c.call(ctx, MethodCanSettle, data)
	if err != nil {
		return nil, err
	}
	if len(out) != 2 {
		return nil, unexpectedOutput(MethodCanSettle, out)
	}
	success, ok := out[0].(bool)
	if !ok {
		return nil, unexpectedOutput(MethodCanSettle, out)
	}
	reason, ok := out[1].([]byte)
	if !ok {
		return nil, unexpectedOutput(MethodCanSettle, out)
	}
	return &SettleCheck{Success: success, Reason: decodeReason(reason), Data: reason}, nil
}

func (c *Clearinghouse) packOrder(method string, o *order.Order) ([]byte, error) {
	if o == nil {
		return nil, errors.ErrPrecondition.WithMessage("order is nil")
	}
	m, ok := c.abi.Methods[method]
	if !ok {
		return nil, errors.ErrPrecondition.WithMessagef("unknown method %s", method)
	}
	v, err := buildValue(m.Inputs[0].Type, o.Message(), c.primary)
	if err != nil {
		return nil, err
	}
	data, err := c.abi.Pack(method, v.Interface())
	if err != nil {
		return nil, errors.WrapWithCause(errors.ErrEncoding, err, "pack %s", method)
	}
	return data, nil
}

func (c *Clearinghouse) callOrder(ctx context.Context, method string, o *order.Order) ([]interface{}, error) {
	data, err := c.packOrder(method, o)
	if err != nil {
		return nil, err
	}
	return c.call(ctx, method, data)
}

func (c *Clearinghouse) call(ctx context.Context, method string, data []byte) ([]interface{}, error) {
	raw, err := c.caller.Call(ctx, c.address, method, data)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.ErrLedgerFault.WithMessagef("%s returned no data, is the contract deployed at %s", method, c.address.Hex()).
			WithDetail("ref", c.address.Hex())
	}
	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, errors.WrapWithCause(errors.ErrLedgerFault, err, "unpack %s", method).
			WithDetail("value", crypto.EncodeHex(raw))
	}
	return out, nil
}

func hashAt(out []interface{}, i int, method string) (common.Hash, error) {
	if i >= len(out) {
		return common.Hash{}, unexpectedOutput(method, out)
	}
	b, ok := out[i].([32]byte)
	if !ok {
		return common.Hash{}, unexpectedOutput(method, out)
	}
	return common.Hash(b), nil
}

func unexpectedOutput(method string, out []interface{}) error {
	return errors.ErrLedgerFault.WithMessagef("unexpected %s output %v", method, out)
}

// decodeReason 解析 canSettle 返回的 data: Error(string), UTF-8 文本, 否则 hex
func decodeReason(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	if utf8.Valid(data) && printable(string(data)) {
		return string(data)
	}
	return crypto.EncodeHex(data)
}

func printable(s string) bool {
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\t' {
			return false
		}
	}
	return true
}

var bigIntType = reflect.TypeOf((*big.Int)(nil))

// buildValue 将 EIP-712 值树转换为 ABI 类型对应的 Go 值
func buildValue(t abi.Type, v interface{}, path string) (reflect.Value, error) {
	switch t.T {
	case abi.TupleTy:
		msg, ok := asMessage(v)
		if !ok {
			return reflect.Value{}, valueErr(path, t, v, "expected struct")
		}
		out := reflect.New(t.GetType()).Elem()
		for i, name := range t.TupleRawNames {
			fv, ok := msg[name]
			if !ok {
				return reflect.Value{}, errors.ErrSchema.WithMessagef("%s: missing field %s", path, name).
					WithDetails(map[string]string{"path": path + "." + name, "field": name})
			}
			ev, err := buildValue(*t.TupleElems[i], fv, path+"."+name)
			if err != nil {
				return reflect.Value{}, err
			}
			out.Field(i).Set(ev)
		}
		return out, nil

	case abi.SliceTy, abi.ArrayTy:
		rv := reflect.ValueOf(v)
		if v == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
			return reflect.Value{}, valueErr(path, t, v, "expected array")
		}
		n := rv.Len()
		var out reflect.Value
		if t.T == abi.SliceTy {
			out = reflect.MakeSlice(t.GetType(), n, n)
		} else {
			if n != t.Size {
				return reflect.Value{}, valueErr(path, t, v, fmt.Sprintf("expected %d elements, got %d", t.Size, n))
			}
			out = reflect.New(t.GetType()).Elem()
		}
		for i := 0; i < n; i++ {
			ev, err := buildValue(*t.Elem, rv.Index(i).Interface(), fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(ev)
		}
		return out, nil

	case abi.IntTy, abi.UintTy:
		n, ok := asBigInt(v)
		if !ok {
			return reflect.Value{}, valueErr(path, t, v, "expected integer")
		}
		if !inRange(t, n) {
			return reflect.Value{}, valueErr(path, t, v, "out of range")
		}
		if t.GetType() == bigIntType {
			return reflect.ValueOf(new(big.Int).Set(n)), nil
		}
		out := reflect.New(t.GetType()).Elem()
		if t.T == abi.UintTy {
			out.SetUint(n.Uint64())
		} else {
			out.SetInt(n.Int64())
		}
		return out, nil

	case abi.AddressTy:
		switch a := v.(type) {
		case common.Address:
			return reflect.ValueOf(a), nil
		case string:
			if common.IsHexAddress(a) {
				return reflect.ValueOf(common.HexToAddress(a)), nil
			}
		}
		return reflect.Value{}, valueErr(path, t, v, "expected address")

	case abi.FixedBytesTy:
		b, ok := asBytes(v)
		if !ok || len(b) != t.Size {
			return reflect.Value{}, valueErr(path, t, v, fmt.Sprintf("expected %d bytes", t.Size))
		}
		out := reflect.New(t.GetType()).Elem()
		reflect.Copy(out, reflect.ValueOf(b))
		return out, nil

	case abi.BytesTy:
		b, ok := asBytes(v)
		if !ok {
			return reflect.Value{}, valueErr(path, t, v, "expected bytes")
		}
		return reflect.ValueOf(b), nil

	case abi.StringTy:
		s, ok := v.(string)
		if !ok {
			return reflect.Value{}, valueErr(path, t, v, "expected string")
		}
		return reflect.ValueOf(s), nil

	case abi.BoolTy:
		b, ok := v.(bool)
		if !ok {
			return reflect.Value{}, valueErr(path, t, v, "expected bool")
		}
		return reflect.ValueOf(b), nil
	}
	return reflect.Value{}, valueErr(path, t, v, "unsupported ABI type")
}

// inRange uintN: [0, 2^N), intN: [-2^(N-1), 2^(N-1))
func inRange(t abi.Type, n *big.Int) bool {
	if t.T == abi.UintTy {
		return n.Sign() >= 0 && n.BitLen() <= t.Size
	}
	limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
	return n.Cmp(limit) < 0 && n.Cmp(new(big.Int).Neg(limit)) >= 0
}

func asMessage(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case eip712.Message:
		return m, true
	case map[string]interface{}:
		return m, true
	}
	return nil, false
}

func asBigInt(v interface{}) (*big.Int, bool) {
	switch n := v.(type) {
	case *big.Int:
		return n, n != nil
	case uint8:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint64:
		return new(big.Int).SetUint64(n), true
	case int:
		return big.NewInt(int64(n)), true
	case int64:
		return big.NewInt(n), true
	}
	return nil, false
}

func asBytes(v interface{}) ([]byte, bool) {
	if b, ok := v.([]byte); ok {
		return b, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Array && rv.Type().Elem().Kind() == reflect.Uint8 {
		b := make([]byte, rv.Len())
		reflect.Copy(reflect.ValueOf(b), rv)
		return b, true
	}
	return nil, false
}

func valueErr(path string, t abi.Type, v interface{}, reason string) error {
	return errors.ErrEncoding.WithMessagef("%s: %s", path, reason).
		WithDetails(map[string]string{"path": path, "type": t.String(), "value": fmt.Sprintf("%v", v)})
}
