package order

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cmontecoding/EIP712-OrderBook/pkg/eip712"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/errors"
)

// PrimaryType 订单根类型名
const PrimaryType = "Order"

// Variant 订单顶层字段布局
type Variant string

const (
	// VariantConditionsFirst Order(Condition[] conditions,Metadata metadata,Trade trade,Trader trader)
	VariantConditionsFirst Variant = "conditions-first"
	// VariantMetadataFirst Order(Metadata metadata,Trader trader,Trade trade,Condition[] conditions)
	VariantMetadataFirst Variant = "metadata-first"
)

// 两种布局共享的子结构
var (
	conditionFields = []eip712.Field{
		{Name: "target", Type: "address"},
		{Name: "selector", Type: "bytes4"},
		{Name: "data", Type: "bytes"},
		{Name: "expected", Type: "bytes32"},
	}
	metadataFields = []eip712.Field{
		{Name: "genesis", Type: "uint256"},
		{Name: "expiration", Type: "uint256"},
		{Name: "trackingCode", Type: "bytes32"},
		{Name: "referrer", Type: "address"},
	}
	tradeFields = []eip712.Field{
		{Name: "t", Type: "uint8"},
		{Name: "marketId", Type: "uint128"},
		{Name: "size", Type: "int128"},
		{Name: "price", Type: "uint256"},
	}
	traderFields = []eip712.Field{
		{Name: "nonce", Type: "uint256"},
		{Name: "accountId", Type: "uint128"},
		{Name: "signer", Type: "address"},
	}
)

var topLevel = map[Variant][]eip712.Field{
	VariantConditionsFirst: {
		{Name: "conditions", Type: "Condition[]"},
		{Name: "metadata", Type: "Metadata"},
		{Name: "trade", Type: "Trade"},
		{Name: "trader", Type: "Trader"},
	},
	VariantMetadataFirst: {
		{Name: "metadata", Type: "Metadata"},
		{Name: "trader", Type: "Trader"},
		{Name: "trade", Type: "Trade"},
		{Name: "conditions", Type: "Condition[]"},
	},
}

// schemas 预先构建, Schema 不可变可共享
var schemas = map[Variant]*eip712.Schema{
	VariantConditionsFirst: eip712.MustSchema(Types(VariantConditionsFirst)),
	VariantMetadataFirst:   eip712.MustSchema(Types(VariantMetadataFirst)),
}

// Variants 支持的布局
func Variants() []Variant {
	return []Variant{VariantConditionsFirst, VariantMetadataFirst}
}

// Types 返回布局对应的类型定义副本, 未知布局返回 nil
func Types(v Variant) eip712.Types {
	top, ok := topLevel[v]
	if !ok {
		return nil
	}
	return eip712.Types{
		PrimaryType: append([]eip712.Field(nil), top...),
		"Condition": append([]eip712.Field(nil), conditionFields...),
		"Metadata":  append([]eip712.Field(nil), metadataFields...),
		"Trade":     append([]eip712.Field(nil), tradeFields...),
		"Trader":    append([]eip712.Field(nil), traderFields...),
	}
}

// Schema 返回布局对应的 Schema
func Schema(v Variant) (*eip712.Schema, error) {
	s, ok := schemas[v]
	if !ok {
		return nil, errors.ErrSchema.WithMessagef("unknown order schema variant %q", v).
			WithDetail("variant", string(v))
	}
	return s, nil
}

// SchemaDocument 外部 YAML 类型定义文件
type SchemaDocument struct {
	PrimaryType string       `yaml:"primary_type"`
	Types       eip712.Types `yaml:"types"`
}

// LoadSchemaFile 从 YAML 文件加载类型定义, 根类型必须存在
func LoadSchemaFile(path string) (*eip712.Schema, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", errors.WrapWithCause(errors.ErrInvalidConfig, err, "read schema file %s", path)
	}
	return ParseSchema(data)
}

// ParseSchema 解析 YAML 类型定义
func ParseSchema(data []byte) (*eip712.Schema, string, error) {
	var doc SchemaDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "", errors.WrapWithCause(errors.ErrSchema, err, "parse schema document")
	}
	if doc.PrimaryType == "" {
		doc.PrimaryType = PrimaryType
	}
	s, err := eip712.NewSchema(doc.Types)
	if err != nil {
		return nil, "", err
	}
	if !s.Has(doc.PrimaryType) {
		return nil, "", errors.ErrSchema.WithMessagef("primary type %s is not defined", doc.PrimaryType).
			WithDetail("type", doc.PrimaryType)
	}
	return s, doc.PrimaryType, nil
}
