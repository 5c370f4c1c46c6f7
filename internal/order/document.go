package order

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/cmontecoding/EIP712-OrderBook/pkg/crypto"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/errors"
)

// Int 文档中的整数: 十进制或 0x 十六进制标量, 或 {decimal, decimals} 定点小数
type Int struct {
	v *big.Int
}

// Big 返回整数值, 未设置时为 nil
func (i Int) Big() *big.Int {
	return i.v
}

// UnmarshalYAML 实现 yaml.Unmarshaler
func (i *Int) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		n, err := parseInt(node.Value)
		if err != nil {
			return err
		}
		i.v = n
		return nil

	case yaml.MappingNode:
		var fixed struct {
			Decimal  string `yaml:"decimal"`
			Decimals int32  `yaml:"decimals"`
		}
		if err := node.Decode(&fixed); err != nil {
			return err
		}
		n, err := scaleDecimal(fixed.Decimal, fixed.Decimals)
		if err != nil {
			return err
		}
		i.v = n
		return nil
	}
	return fmt.Errorf("line %d: expected integer", node.Line)
}

func parseInt(s string) (*big.Int, error) {
	str := strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	neg := strings.HasPrefix(str, "-")
	str = strings.TrimPrefix(str, "-")
	base := 10
	if strings.HasPrefix(str, "0x") || strings.HasPrefix(str, "0X") {
		base, str = 16, str[2:]
	}
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

// scaleDecimal 将定点小数按精度放大为整数, 不允许截断
func scaleDecimal(s string, decimals int32) (*big.Int, error) {
	if decimals < 0 || decimals > 77 {
		return nil, fmt.Errorf("decimals must be in 0..77, got %d", decimals)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("decimal %s has more than %d fractional digits", s, decimals)
	}
	return scaled.BigInt(), nil
}

// Blob 文档中的字节串: hex 标量, 或 {text: ...} UTF-8 文本
type Blob struct {
	b    []byte
	text bool
}

// Bytes 返回原始字节
func (b Blob) Bytes() []byte {
	return b.b
}

// UnmarshalYAML 实现 yaml.Unmarshaler
func (b *Blob) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		raw, err := crypto.DecodeHex(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		b.b, b.text = raw, false
		return nil
	case yaml.MappingNode:
		var t struct {
			Text string `yaml:"text"`
		}
		if err := node.Decode(&t); err != nil {
			return err
		}
		b.b, b.text = []byte(t.Text), true
		return nil
	}
	return fmt.Errorf("line %d: expected hex string or {text: ...}", node.Line)
}

// fixed 定长字段: 文本右侧补零, hex 必须长度一致
func (b Blob) fixed(size int, path string) ([]byte, error) {
	if len(b.b) > size || (!b.text && len(b.b) != size) {
		return nil, errors.ErrEncoding.WithMessagef("%s: expected %d bytes, got %d", path, size, len(b.b)).
			WithDetails(map[string]string{"path": path, "value": crypto.EncodeHex(b.b)})
	}
	return crypto.PadRight(b.b, size), nil
}

// TradeSide 文档中的交易方向, 接受 BUY/SELL 或数字
type TradeSide TradeType

// UnmarshalYAML 实现 yaml.Unmarshaler
func (s *TradeSide) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected trade type", node.Line)
	}
	if n, err := strconv.ParseUint(node.Value, 10, 8); err == nil {
		*s = TradeSide(n)
		return nil
	}
	t, err := ParseTradeType(node.Value)
	if err != nil {
		return err
	}
	*s = TradeSide(t)
	return nil
}

// Document 订单文档 (YAML 或 JSON)
type Document struct {
	Metadata struct {
		Genesis      *Int   `yaml:"genesis"`
		Expiration   *Int   `yaml:"expiration"`
		TrackingCode *Blob  `yaml:"trackingCode"`
		Referrer     string `yaml:"referrer"`
	} `yaml:"metadata"`
	Trader struct {
		Nonce     *Int   `yaml:"nonce"`
		AccountID *Int   `yaml:"accountId"`
		Signer    string `yaml:"signer"`
	} `yaml:"trader"`
	Trade struct {
		T        *TradeSide `yaml:"t"`
		MarketID *Int       `yaml:"marketId"`
		Size     *Int       `yaml:"size"`
		Price    *Int       `yaml:"price"`
	} `yaml:"trade"`
	Conditions []struct {
		Target   string `yaml:"target"`
		Selector *Blob  `yaml:"selector"`
		Data     *Blob  `yaml:"data"`
		Expected *Blob  `yaml:"expected"`
	} `yaml:"conditions"`
	Signature string `yaml:"signature,omitempty"`
}

// LoadFile 读取订单文档
func LoadFile(path string) (*Order, error) {
	doc, err := LoadDocument(path)
	if err != nil {
		return nil, err
	}
	return doc.Order()
}

// LoadDocument 读取订单文档, 保留签名等附加字段
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapWithCause(errors.ErrPrecondition, err, "read order file %s", path)
	}
	return ParseDocument(data)
}

// Parse 解析订单文档
func Parse(data []byte) (*Order, error) {
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}
	return doc.Order()
}

// ParseDocument 解析订单文档
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.WrapWithCause(errors.ErrEncoding, err, "parse order document")
	}
	return &doc, nil
}

// Order 校验文档并转换为订单, 缺失字段返回 SCHEMA_ERROR
func (d *Document) Order() (*Order, error) {
	var (
		o   Order
		err error
	)

	if o.Metadata.Genesis, err = requireInt(d.Metadata.Genesis, "metadata.genesis"); err != nil {
		return nil, err
	}
	if o.Metadata.Expiration, err = requireInt(d.Metadata.Expiration, "metadata.expiration"); err != nil {
		return nil, err
	}
	if err = requireFixed(d.Metadata.TrackingCode, o.Metadata.TrackingCode[:], "metadata.trackingCode"); err != nil {
		return nil, err
	}
	if o.Metadata.Referrer, err = requireAddress(d.Metadata.Referrer, "metadata.referrer"); err != nil {
		return nil, err
	}

	if o.Trader.Nonce, err = requireInt(d.Trader.Nonce, "trader.nonce"); err != nil {
		return nil, err
	}
	if o.Trader.AccountID, err = requireInt(d.Trader.AccountID, "trader.accountId"); err != nil {
		return nil, err
	}
	if o.Trader.Signer, err = requireAddress(d.Trader.Signer, "trader.signer"); err != nil {
		return nil, err
	}

	if d.Trade.T == nil {
		return nil, missing("trade.t")
	}
	o.Trade.T = TradeType(*d.Trade.T)
	if o.Trade.MarketID, err = requireInt(d.Trade.MarketID, "trade.marketId"); err != nil {
		return nil, err
	}
	if o.Trade.Size, err = requireInt(d.Trade.Size, "trade.size"); err != nil {
		return nil, err
	}
	if o.Trade.Price, err = requireInt(d.Trade.Price, "trade.price"); err != nil {
		return nil, err
	}

	o.Conditions = make([]Condition, len(d.Conditions))
	for i, c := range d.Conditions {
		path := fmt.Sprintf("conditions[%d]", i)
		cond := &o.Conditions[i]
		if cond.Target, err = requireAddress(c.Target, path+".target"); err != nil {
			return nil, err
		}
		if err = requireFixed(c.Selector, cond.Selector[:], path+".selector"); err != nil {
			return nil, err
		}
		if c.Data == nil {
			return nil, missing(path + ".data")
		}
		cond.Data = c.Data.Bytes()
		if err = requireFixed(c.Expected, cond.Expected[:], path+".expected"); err != nil {
			return nil, err
		}
	}
	return &o, nil
}

func missing(path string) error {
	return errors.ErrSchema.WithMessagef("missing field %s", path).WithDetail("path", path)
}

func requireInt(v *Int, path string) (*big.Int, error) {
	if v == nil || v.Big() == nil {
		return nil, missing(path)
	}
	return v.Big(), nil
}

func requireFixed(v *Blob, dst []byte, path string) error {
	if v == nil {
		return missing(path)
	}
	b, err := v.fixed(len(dst), path)
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

func requireAddress(s, path string) (common.Address, error) {
	if s == "" {
		return common.Address{}, missing(path)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.ErrEncoding.WithMessagef("%s: invalid address %q", path, s).
			WithDetails(map[string]string{"path": path, "value": s})
	}
	return common.HexToAddress(s), nil
}
