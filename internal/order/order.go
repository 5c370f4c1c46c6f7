// Package order 定义清算所订单的强类型结构及其 EIP-712 类型定义
package order

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cmontecoding/EIP712-OrderBook/pkg/eip712"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/errors"
)

// TradeType 交易方向, 对应 Trade.t
type TradeType uint8

const (
	TradeTypeBuy  TradeType = 0 // 买入
	TradeTypeSell TradeType = 1 // 卖出
)

func (t TradeType) String() string {
	switch t {
	case TradeTypeBuy:
		return "BUY"
	case TradeTypeSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// ParseTradeType 解析 BUY/SELL
func ParseTradeType(s string) (TradeType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return TradeTypeBuy, nil
	case "SELL":
		return TradeTypeSell, nil
	}
	return 0, errors.ErrEncoding.WithMessagef("unknown trade type %q", s).WithDetail("value", s)
}

// Trader 下单账户
type Trader struct {
	Nonce     *big.Int       // uint256
	AccountID *big.Int       // uint128
	Signer    common.Address // 签名地址
}

// Trade 交易参数
type Trade struct {
	T        TradeType
	MarketID *big.Int // uint128
	Size     *big.Int // int128, 可为负
	Price    *big.Int // uint256
}

// Metadata 订单元数据
type Metadata struct {
	Genesis      *big.Int // uint256
	Expiration   *big.Int // uint256
	TrackingCode [32]byte
	Referrer     common.Address
}

// Condition 结算前需满足的链上条件
type Condition struct {
	Target   common.Address
	Selector [4]byte
	Data     []byte
	Expected [32]byte
}

// Order 清算所订单
type Order struct {
	Metadata   Metadata
	Trader     Trader
	Trade      Trade
	Conditions []Condition
}

// Message 转换为 EIP-712 值树, 与字段布局无关
func (o *Order) Message() eip712.Message {
	conditions := make([]eip712.Message, len(o.Conditions))
	for i := range o.Conditions {
		conditions[i] = o.Conditions[i].Message()
	}
	return eip712.Message{
		"metadata":   o.Metadata.Message(),
		"trader":     o.Trader.Message(),
		"trade":      o.Trade.Message(),
		"conditions": conditions,
	}
}

// Message 转换为 EIP-712 值树
func (m Metadata) Message() eip712.Message {
	return eip712.Message{
		"genesis":      m.Genesis,
		"expiration":   m.Expiration,
		"trackingCode": m.TrackingCode,
		"referrer":     m.Referrer,
	}
}

// Message 转换为 EIP-712 值树
func (t Trader) Message() eip712.Message {
	return eip712.Message{
		"nonce":     t.Nonce,
		"accountId": t.AccountID,
		"signer":    t.Signer,
	}
}

// Message 转换为 EIP-712 值树
func (t Trade) Message() eip712.Message {
	return eip712.Message{
		"t":        uint8(t.T),
		"marketId": t.MarketID,
		"size":     t.Size,
		"price":    t.Price,
	}
}

// Message 转换为 EIP-712 值树
func (c Condition) Message() eip712.Message {
	data := c.Data
	if data == nil {
		data = []byte{}
	}
	return eip712.Message{
		"target":   c.Target,
		"selector": c.Selector,
		"data":     data,
		"expected": c.Expected,
	}
}

// Clone 深拷贝订单
func (o *Order) Clone() *Order {
	cp := &Order{
		Metadata: Metadata{
			Genesis:      cloneInt(o.Metadata.Genesis),
			Expiration:   cloneInt(o.Metadata.Expiration),
			TrackingCode: o.Metadata.TrackingCode,
			Referrer:     o.Metadata.Referrer,
		},
		Trader: Trader{
			Nonce:     cloneInt(o.Trader.Nonce),
			AccountID: cloneInt(o.Trader.AccountID),
			Signer:    o.Trader.Signer,
		},
		Trade: Trade{
			T:        o.Trade.T,
			MarketID: cloneInt(o.Trade.MarketID),
			Size:     cloneInt(o.Trade.Size),
			Price:    cloneInt(o.Trade.Price),
		},
	}
	if o.Conditions != nil {
		cp.Conditions = make([]Condition, len(o.Conditions))
		for i, c := range o.Conditions {
			c.Data = append([]byte(nil), c.Data...)
			cp.Conditions[i] = c
		}
	}
	return cp
}

func cloneInt(n *big.Int) *big.Int {
	if n == nil {
		return nil
	}
	return new(big.Int).Set(n)
}

// SignedOrder 订单及其 65 字节签名
type SignedOrder struct {
	Order     *Order
	Signature []byte
}
