package eip712

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmontecoding/EIP712-OrderBook/pkg/errors"
)

const orderDeps = "Condition(address target,bytes4 selector,bytes data,bytes32 expected)" +
	"Metadata(uint256 genesis,uint256 expiration,bytes32 trackingCode,address referrer)" +
	"Trade(uint8 t,uint128 marketId,int128 size,uint256 price)" +
	"Trader(uint256 nonce,uint128 accountId,address signer)"

// =============================================================================
// Canonical String Tests
// =============================================================================

func TestSchema_CanonicalString(t *testing.T) {
	tests := []struct {
		name     string
		types    Types
		root     string
		expected string
	}{
		{
			name:     "conditions first order",
			types:    conditionsFirstTypes,
			root:     "Order",
			expected: "Order(Condition[] conditions,Metadata metadata,Trade trade,Trader trader)" + orderDeps,
		},
		{
			name:     "metadata first order",
			types:    metadataFirstTypes,
			root:     "Order",
			expected: "Order(Metadata metadata,Trader trader,Trade trade,Condition[] conditions)" + orderDeps,
		},
		{
			name:     "leaf struct",
			types:    conditionsFirstTypes,
			root:     "Trade",
			expected: "Trade(uint8 t,uint128 marketId,int128 size,uint256 price)",
		},
		{
			name: "transitive dependencies sorted",
			types: Types{
				"Mail":   {{Name: "from", Type: "Person"}, {Name: "to", Type: "Person[]"}, {Name: "note", Type: "string"}},
				"Person": {{Name: "name", Type: "string"}, {Name: "wallet", Type: "Wallet"}},
				"Wallet": {{Name: "addr", Type: "address"}},
			},
			root:     "Mail",
			expected: "Mail(Person from,Person[] to,string note)Person(string name,Wallet wallet)Wallet(address addr)",
		},
		{
			name: "uppercase sorts before lowercase",
			types: Types{
				"Root":  {{Name: "b", Type: "beta"}, {Name: "a", Type: "Alpha"}},
				"beta":  {{Name: "x", Type: "uint8"}},
				"Alpha": {{Name: "y", Type: "uint8"}},
			},
			root:     "Root",
			expected: "Root(beta b,Alpha a)Alpha(uint8 y)beta(uint8 x)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := mustSchema(t, tt.types)
			got, err := s.CanonicalString(tt.root)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

// =============================================================================
// Type Hash Tests
// =============================================================================

func TestSchema_TypeHash(t *testing.T) {
	cf := mustSchema(t, conditionsFirstTypes)
	mf := mustSchema(t, metadataFirstTypes)

	tests := []struct {
		name     string
		schema   *Schema
		root     string
		expected string
	}{
		{"order conditions first", cf, "Order", goldenOrderTypeHashConditionsFirst},
		{"order metadata first", mf, "Order", goldenOrderTypeHashMetadataFirst},
		{"condition", cf, "Condition", goldenConditionTypeHash},
		{"metadata", cf, "Metadata", goldenMetadataTypeHash},
		{"trade", cf, "Trade", goldenTradeTypeHash},
		{"trader", cf, "Trader", goldenTraderTypeHash},
		{"trader in other layout", mf, "Trader", goldenTraderTypeHash},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := tt.schema.TypeHash(tt.root)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, h.Hex())

			again, err := ComputeTypeHash(tt.schema, tt.root)
			require.NoError(t, err)
			assert.Equal(t, h, again)
		})
	}
}

func TestSchema_FieldOrderChangesTypeHash(t *testing.T) {
	cf := mustSchema(t, conditionsFirstTypes)
	mf := mustSchema(t, metadataFirstTypes)

	a, err := cf.TypeHash("Order")
	require.NoError(t, err)
	b, err := mf.TypeHash("Order")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	// 仅调整 Trade 字段顺序, 其他类型不受影响
	swapped := orderTypes(conditionsFirstTypes["Order"])
	swapped["Trade"] = []Field{tradeFields[1], tradeFields[0], tradeFields[2], tradeFields[3]}
	sw := mustSchema(t, swapped)

	tradeA, _ := cf.TypeHash("Trade")
	tradeB, _ := sw.TypeHash("Trade")
	assert.NotEqual(t, tradeA, tradeB)

	traderA, _ := cf.TypeHash("Trader")
	traderB, _ := sw.TypeHash("Trader")
	assert.Equal(t, traderA, traderB)

	orderB, _ := sw.TypeHash("Order")
	assert.NotEqual(t, a, orderB)
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestNewSchema_DanglingReference(t *testing.T) {
	types := Types{
		"Order": {{Name: "trade", Type: "Trade"}, {Name: "conditions", Type: "Condition[]"}},
		"Trade": tradeFields,
	}
	_, err := NewSchema(types)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSchema))
	assert.Equal(t, "Order", errors.GetDetail(err, "type"))
	assert.Equal(t, "conditions", errors.GetDetail(err, "field"))
	assert.Equal(t, "Condition", errors.GetDetail(err, "ref"))
}

func TestNewSchema_Cycles(t *testing.T) {
	tests := []struct {
		name  string
		types Types
		cycle string
	}{
		{
			name:  "self reference",
			types: Types{"Node": {{Name: "next", Type: "Node"}}},
			cycle: "Node -> Node",
		},
		{
			name:  "self reference through array",
			types: Types{"Node": {{Name: "children", Type: "Node[]"}}},
			cycle: "Node -> Node",
		},
		{
			name: "transitive",
			types: Types{
				"A": {{Name: "b", Type: "B"}},
				"B": {{Name: "c", Type: "C"}},
				"C": {{Name: "a", Type: "A[2]"}},
			},
			cycle: "A -> B -> C -> A",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSchema(tt.types)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrSchema))
			assert.Equal(t, tt.cycle, errors.GetDetail(err, "cycle"))
		})
	}
}

func TestNewSchema_InvalidDefinitions(t *testing.T) {
	tests := []struct {
		name  string
		types Types
		field string
	}{
		{name: "bad struct name", types: Types{"Bad Name": {{Name: "x", Type: "uint8"}}}},
		{name: "empty field name", types: Types{"T": {{Name: "", Type: "uint8"}}}},
		{name: "bad field type", types: Types{"T": {{Name: "x", Type: "uint7"}}}, field: "x"},
		{name: "duplicate field", types: Types{"T": {{Name: "x", Type: "uint8"}, {Name: "x", Type: "bool"}}}, field: "x"},
		{name: "field name with comma", types: Types{"A": {{Name: "x,uint256 y", Type: "uint256"}}}, field: "x,uint256 y"},
		{name: "field name with space", types: Types{"A": {{Name: "x y", Type: "uint256"}}}, field: "x y"},
		{name: "field name with paren", types: Types{"A": {{Name: "x)", Type: "uint256"}}}, field: "x)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSchema(tt.types)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrSchema))
			if tt.field != "" {
				assert.Equal(t, tt.field, errors.GetDetail(err, "field"))
			}
		})
	}
}

func TestMustSchema_Panics(t *testing.T) {
	assert.Panics(t, func() {
		MustSchema(Types{"A": {{Name: "b", Type: "Missing"}}})
	})
}

// =============================================================================
// Accessor Tests
// =============================================================================

func TestSchema_Dependencies(t *testing.T) {
	s := mustSchema(t, conditionsFirstTypes)

	deps, err := s.Dependencies("Order")
	require.NoError(t, err)
	assert.Equal(t, []string{"Condition", "Metadata", "Trade", "Trader"}, deps)

	deps, err = s.Dependencies("Trader")
	require.NoError(t, err)
	assert.Empty(t, deps)

	_, err = s.Dependencies("Missing")
	assert.True(t, errors.Is(err, errors.ErrSchema))
}

func TestSchema_Immutable(t *testing.T) {
	fields := []Field{{Name: "nonce", Type: "uint256"}, {Name: "signer", Type: "address"}}
	s := mustSchema(t, Types{"Trader": fields})
	before, _ := s.TypeHash("Trader")

	fields[0] = Field{Name: "changed", Type: "uint8"}
	got, err := s.Fields("Trader")
	require.NoError(t, err)
	assert.Equal(t, "nonce", got[0].Name)

	got[1].Name = "mutated"
	after, _ := s.TypeHash("Trader")
	assert.Equal(t, before, after)

	types := s.Types()
	types["Trader"][0].Name = "mutated"
	again, _ := s.Fields("Trader")
	assert.Equal(t, "nonce", again[0].Name)
}

func TestSchema_Lookup(t *testing.T) {
	s := mustSchema(t, conditionsFirstTypes)

	assert.True(t, s.Has("Order"))
	assert.False(t, s.Has("EIP712Domain"))
	assert.Equal(t, []string{"Condition", "Metadata", "Order", "Trade", "Trader"}, s.Names())
	assert.NoError(t, s.Validate())

	_, err := s.TypeHash("Missing")
	require.Error(t, err)
	assert.Equal(t, "Missing", errors.GetDetail(err, "type"))

	_, err = s.CanonicalString("Missing")
	assert.True(t, errors.Is(err, errors.ErrSchema))

	_, err = ComputeTypeHash(nil, "Order")
	assert.True(t, errors.Is(err, errors.ErrPrecondition))
}

// 消息按字段名取值, 同名字段无法分别赋值, 因此直接拒绝
func TestSchema_DuplicateFieldNamesRejected(t *testing.T) {
	_, err := NewSchema(Types{"Pair": {{Name: "x", Type: "uint8"}, {Name: "x", Type: "uint8"}}})
	require.Error(t, err)
	assert.Equal(t, errors.ErrSchema.Code, errors.GetCode(err))
	assert.Equal(t, "Pair", errors.GetDetail(err, "type"))
	assert.Equal(t, "x", errors.GetDetail(err, "field"))
}

func TestSchema_FieldOrderKept(t *testing.T) {
	s := mustSchema(t, Types{"Pair": {{Name: "b", Type: "uint8"}, {Name: "a", Type: "uint8"}}})
	got, err := s.CanonicalString("Pair")
	require.NoError(t, err)
	assert.Equal(t, "Pair(uint8 b,uint8 a)", got)
}

func BenchmarkNewSchema(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = NewSchema(conditionsFirstTypes)
	}
}
