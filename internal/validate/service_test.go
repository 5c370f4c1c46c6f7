package validate

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmontecoding/EIP712-OrderBook/internal/ledger"
	"github.com/cmontecoding/EIP712-OrderBook/internal/metrics"
	"github.com/cmontecoding/EIP712-OrderBook/internal/order"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/eip712"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/errors"
)

// 合约中的类型哈希常量 (conditions-first 布局)
var contractTypeHashes = map[string]common.Hash{
	"Order": common.HexToHash("0xc2b77ec0de83b288142b0d2b7f5eaf28f1e541d1f2b38d1f0b5560539bbaaaa9"),
}

var testDomain = eip712.Domain{
	Name:              "Mock Clearinghouse",
	ChainID:           big.NewInt(8453),
	VerifyingContract: common.HexToAddress("0x5B38Da6a701c568545dCfcB03FcB875f56beddC4"),
}

func testOrder() *order.Order {
	referrer := common.HexToAddress("0x1234567890abcdef1234567890abcdef12345678")
	o := &order.Order{
		Metadata: order.Metadata{Genesis: big.NewInt(1), Expiration: big.NewInt(2), Referrer: referrer},
		Trader: order.Trader{
			Nonce:     big.NewInt(1),
			AccountID: big.NewInt(1),
			Signer:    common.HexToAddress("0x96aA512665C429cE1454abe871098E4858c9c147"),
		},
		Trade: order.Trade{T: order.TradeTypeBuy, MarketID: big.NewInt(1), Size: big.NewInt(1), Price: big.NewInt(1)},
		Conditions: []order.Condition{{
			Target:   referrer,
			Selector: [4]byte{0x35, 0xb0, 0x9a, 0x6e},
			Data:     []byte("data"),
		}},
	}
	copy(o.Metadata.TrackingCode[:], "KWENTA")
	copy(o.Conditions[0].Expected[:], "expected")
	return o
}

// fakeLedger 返回预设的链上结果
type fakeLedger struct {
	hashes  eip712.Hashes
	digest  common.Hash
	settle  *ledger.SettleCheck
	err     error
	settled []order.SignedOrder
}

func (f *fakeLedger) Hash(context.Context, *order.Order) (common.Hash, error) {
	return f.digest, f.err
}

func (f *fakeLedger) HashExposed(context.Context, *order.Order) (eip712.Hashes, error) {
	return f.hashes, f.err
}

func (f *fakeLedger) CanSettle(_ context.Context, orders []order.SignedOrder) (*ledger.SettleCheck, error) {
	f.settled = orders
	return f.settle, f.err
}

func newTestService(t *testing.T, l Ledger) (*Service, *eip712.Schema) {
	t.Helper()
	schema, err := order.Schema(order.VariantConditionsFirst)
	require.NoError(t, err)
	svc, err := NewService(l, schema, testDomain, order.PrimaryType)
	require.NoError(t, err)
	return svc, schema
}

// honestLedger 与本地计算结果一致的合约
func honestLedger(t *testing.T, schema *eip712.Schema, o *order.Order) *fakeLedger {
	t.Helper()
	h, err := eip712.ComputeHashes(schema, testDomain, order.PrimaryType, o.Message())
	require.NoError(t, err)
	return &fakeLedger{hashes: h, digest: h.Digest}
}

// =============================================================================
// NewService Tests
// =============================================================================

func TestNewService_Errors(t *testing.T) {
	schema, err := order.Schema(order.VariantConditionsFirst)
	require.NoError(t, err)

	_, err = NewService(nil, nil, testDomain, order.PrimaryType)
	assert.True(t, errors.Is(err, errors.ErrPrecondition))

	_, err = NewService(nil, schema, testDomain, "Missing")
	assert.True(t, errors.Is(err, errors.ErrSchema))

	_, err = NewService(nil, schema, eip712.Domain{Name: "x"}, order.PrimaryType)
	assert.True(t, errors.Is(err, errors.ErrSchema))
}

// =============================================================================
// CheckTypeHashes Tests
// =============================================================================

func TestCheckTypeHashes(t *testing.T) {
	svc, schema := newTestService(t, nil)

	t.Run("match", func(t *testing.T) {
		expected := map[string]common.Hash{"Order": contractTypeHashes["Order"]}
		for _, name := range []string{"Condition", "Metadata", "Trade", "Trader"} {
			h, err := schema.TypeHash(name)
			require.NoError(t, err)
			expected[name] = h
		}

		report, err := svc.CheckTypeHashes(context.Background(), expected)
		require.NoError(t, err)
		assert.True(t, report.OK())
		assert.Len(t, report.Results, 5)
		assert.NotEmpty(t, report.RunID)
		// 按类型名排序
		assert.Equal(t, "Condition", report.Results[0].Name)
		assert.Equal(t, "Trader", report.Results[4].Name)
	})

	t.Run("mismatch", func(t *testing.T) {
		other, err := order.Schema(order.VariantMetadataFirst)
		require.NoError(t, err)
		h, err := other.TypeHash("Order")
		require.NoError(t, err)

		report, err := svc.CheckTypeHashes(context.Background(), map[string]common.Hash{"Order": h})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrMismatch))
		assert.Equal(t, CheckTypeHash, errors.GetDetail(err, "field"))
		assert.Equal(t, h.Hex(), errors.GetDetail(err, "expected"))
		assert.Equal(t, contractTypeHashes["Order"].Hex(), errors.GetDetail(err, "actual"))
		assert.False(t, report.OK())
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := svc.CheckTypeHashes(context.Background(), map[string]common.Hash{"Missing": {}})
		assert.True(t, errors.Is(err, errors.ErrSchema))
	})
}

// =============================================================================
// CheckOrder Tests
// =============================================================================

func TestCheckOrder_Match(t *testing.T) {
	schema, err := order.Schema(order.VariantConditionsFirst)
	require.NoError(t, err)
	o := testOrder()
	svc, _ := newTestService(t, honestLedger(t, schema, o))

	before := testutil.ToFloat64(metrics.ValidationChecksTotal.WithLabelValues(CheckDigest, "match"))
	report, err := svc.CheckOrder(context.Background(), o)
	require.NoError(t, err)
	assert.True(t, report.OK())
	require.Len(t, report.Results, 4)
	assert.Equal(t, CheckDomainSeparator, report.Results[0].Check)
	assert.Equal(t, CheckStructHash, report.Results[1].Check)
	assert.Equal(t, ledger.MethodHash, report.Results[3].Name)
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.ValidationChecksTotal.WithLabelValues(CheckDigest, "match")))
}

func TestCheckOrder_Mismatch(t *testing.T) {
	schema, err := order.Schema(order.VariantConditionsFirst)
	require.NoError(t, err)
	o := testOrder()

	tests := []struct {
		name   string
		tamper func(f *fakeLedger)
		field  string
	}{
		{
			name:   "struct hash",
			tamper: func(f *fakeLedger) { f.hashes.StructHash = common.HexToHash("0x01") },
			field:  CheckStructHash,
		},
		{
			name:   "domain separator",
			tamper: func(f *fakeLedger) { f.hashes.DomainSeparator = common.HexToHash("0x02") },
			field:  CheckDomainSeparator,
		},
		{
			name:   "hash digest",
			tamper: func(f *fakeLedger) { f.digest = common.HexToHash("0x03") },
			field:  CheckDigest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := honestLedger(t, schema, o)
			tt.tamper(fake)
			svc, _ := newTestService(t, fake)

			report, err := svc.CheckOrder(context.Background(), o)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrMismatch))
			assert.Equal(t, tt.field, errors.GetDetail(err, "field"))
			assert.NotEqual(t, errors.GetDetail(err, "expected"), errors.GetDetail(err, "actual"))
			// 所有项都执行完
			assert.Len(t, report.Results, 4)
			assert.False(t, report.OK())
		})
	}
}

func TestCheckOrder_Errors(t *testing.T) {
	t.Run("ledger unreachable", func(t *testing.T) {
		svc, _ := newTestService(t, &fakeLedger{err: errors.ErrLedgerUnreachable.WithMessage("down")})
		_, err := svc.CheckOrder(context.Background(), testOrder())
		assert.True(t, errors.Is(err, errors.ErrLedgerUnreachable))
	})

	t.Run("no ledger", func(t *testing.T) {
		svc, _ := newTestService(t, nil)
		_, err := svc.CheckOrder(context.Background(), testOrder())
		assert.True(t, errors.Is(err, errors.ErrPrecondition))
	})

	t.Run("nil order", func(t *testing.T) {
		svc, _ := newTestService(t, &fakeLedger{})
		_, err := svc.CheckOrder(context.Background(), nil)
		assert.True(t, errors.Is(err, errors.ErrPrecondition))
	})

	t.Run("encoding error", func(t *testing.T) {
		svc, _ := newTestService(t, &fakeLedger{})
		o := testOrder()
		o.Trade.Size = new(big.Int).Lsh(big.NewInt(1), 127)
		_, err := svc.CheckOrder(context.Background(), o)
		assert.True(t, errors.Is(err, errors.ErrEncoding))
	})
}

// =============================================================================
// CheckSignature Tests
// =============================================================================

func TestCheckSignature(t *testing.T) {
	svc, _ := newTestService(t, nil)
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	addr := ethcrypto.PubkeyToAddress(key.PublicKey)
	digest := common.BytesToHash(ethcrypto.Keccak256([]byte("order")))
	sig, err := ethcrypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)

	assert.NoError(t, svc.CheckSignature(context.Background(), digest, sig, addr))

	other := common.HexToAddress("0x96aA512665C429cE1454abe871098E4858c9c147")
	err = svc.CheckSignature(context.Background(), digest, sig, other)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMismatch))
	assert.Equal(t, CheckSigner, errors.GetDetail(err, "field"))
	assert.Equal(t, addr.Hex(), errors.GetDetail(err, "actual"))

	err = svc.CheckSignature(context.Background(), digest, sig[:10], addr)
	assert.True(t, errors.Is(err, errors.ErrSignature))
}

// =============================================================================
// CheckSettlement Tests
// =============================================================================

func TestCheckSettlement(t *testing.T) {
	fake := &fakeLedger{settle: &ledger.SettleCheck{Success: false, Reason: "Not enough orders"}}
	svc, _ := newTestService(t, fake)
	orders := []order.SignedOrder{{Order: testOrder(), Signature: make([]byte, 65)}}

	res, err := svc.CheckSettlement(context.Background(), orders)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Not enough orders", res.Reason)
	assert.Equal(t, orders, fake.settled)

	fake.err = errors.ErrLedgerFault.WithMessage("execution reverted")
	_, err = svc.CheckSettlement(context.Background(), orders)
	assert.True(t, errors.Is(err, errors.ErrLedgerFault))
}
