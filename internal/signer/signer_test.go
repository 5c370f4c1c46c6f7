package signer

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmontecoding/EIP712-OrderBook/internal/metrics"
	"github.com/cmontecoding/EIP712-OrderBook/internal/order"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/eip712"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/errors"
)

// 第一个 Hardhat/Anvil 测试账户 (切勿用于生产)
const (
	testPrivateKeyHex = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress       = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

var testDomain = eip712.Domain{
	Name:              "Mock Clearinghouse",
	ChainID:           big.NewInt(8453),
	VerifyingContract: common.HexToAddress("0x5B38Da6a701c568545dCfcB03FcB875f56beddC4"),
}

func testOrder(signer common.Address) *order.Order {
	referrer := common.HexToAddress("0x1234567890abcdef1234567890abcdef12345678")
	o := &order.Order{
		Metadata: order.Metadata{Genesis: big.NewInt(1), Expiration: big.NewInt(2), Referrer: referrer},
		Trader:   order.Trader{Nonce: big.NewInt(1), AccountID: big.NewInt(1), Signer: signer},
		Trade:    order.Trade{T: order.TradeTypeBuy, MarketID: big.NewInt(1), Size: big.NewInt(1), Price: big.NewInt(1)},
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

func newTestSigner(t *testing.T) *KeySigner {
	t.Helper()
	s, err := NewKeySigner(testPrivateKeyHex, time.Second)
	require.NoError(t, err)
	return s
}

// =============================================================================
// KeySigner Tests
// =============================================================================

func TestNewKeySigner(t *testing.T) {
	s := newTestSigner(t)
	assert.Equal(t, common.HexToAddress(testAddress), s.Address())

	// 0x 前缀可选
	s2, err := NewKeySigner(testPrivateKeyHex[2:], 0)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), s2.Address())

	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"whitespace", "  "},
		{"not hex", "0xnothex"},
		{"short", "0xac09"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKeySigner(tt.key, 0)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
			assert.Equal(t, "signer.private_key", errors.GetDetail(err, "field"))
			if tt.key != "" {
				assert.NotContains(t, err.Error(), tt.key)
			}
		})
	}
}

func TestKeySigner_Sign(t *testing.T) {
	s := newTestSigner(t)
	digest := ethcrypto.Keccak256([]byte("digest"))

	sig, err := s.Sign(context.Background(), digest)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	recovered, err := eip712.RecoverAddress(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), recovered)

	// 确定性签名 (RFC 6979)
	again, err := s.Sign(context.Background(), digest)
	require.NoError(t, err)
	assert.Equal(t, sig, again)
}

func TestKeySigner_SignErrors(t *testing.T) {
	s := newTestSigner(t)

	t.Run("short digest", func(t *testing.T) {
		_, err := s.Sign(context.Background(), []byte{1, 2, 3})
		assert.True(t, errors.Is(err, errors.ErrPrecondition))
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.Sign(ctx, make([]byte, 32))
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrSignerFailed))
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("expired deadline", func(t *testing.T) {
		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancel()
		_, err := s.Sign(ctx, make([]byte, 32))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

// =============================================================================
// SignOrder Tests
// =============================================================================

// stubSigner 返回固定签名
type stubSigner struct {
	address common.Address
	sig     []byte
	err     error
}

func (s *stubSigner) Address() common.Address { return s.address }

func (s *stubSigner) Sign(context.Context, []byte) ([]byte, error) {
	return s.sig, s.err
}

func TestSignOrder(t *testing.T) {
	s := newTestSigner(t)
	schema, err := order.Schema(order.VariantConditionsFirst)
	require.NoError(t, err)
	o := testOrder(s.Address())

	before := testutil.ToFloat64(metrics.SignaturesTotal.WithLabelValues("success"))

	signed, err := SignOrder(context.Background(), s, schema, testDomain, order.PrimaryType, o)
	require.NoError(t, err)

	want, err := eip712.ComputeHashes(schema, testDomain, order.PrimaryType, o.Message())
	require.NoError(t, err)
	assert.Equal(t, want, signed.Hashes)

	ok, err := eip712.Verify(signed.Digest.Bytes(), signed.Signature, s.Address())
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SignaturesTotal.WithLabelValues("success")))
}

func TestSignOrder_VariantsProduceDifferentDigests(t *testing.T) {
	s := newTestSigner(t)
	o := testOrder(s.Address())

	a, err := order.Schema(order.VariantConditionsFirst)
	require.NoError(t, err)
	b, err := order.Schema(order.VariantMetadataFirst)
	require.NoError(t, err)

	sa, err := SignOrder(context.Background(), s, a, testDomain, order.PrimaryType, o)
	require.NoError(t, err)
	sb, err := SignOrder(context.Background(), s, b, testDomain, order.PrimaryType, o)
	require.NoError(t, err)

	assert.NotEqual(t, sa.Digest, sb.Digest)
	assert.NotEqual(t, sa.Signature, sb.Signature)
	assert.Equal(t, sa.DomainSeparator, sb.DomainSeparator)
}

func TestSignOrder_Errors(t *testing.T) {
	s := newTestSigner(t)
	schema, err := order.Schema(order.VariantConditionsFirst)
	require.NoError(t, err)

	t.Run("signer mismatch", func(t *testing.T) {
		o := testOrder(common.HexToAddress("0x96aA512665C429cE1454abe871098E4858c9c147"))
		_, err := SignOrder(context.Background(), s, schema, testDomain, order.PrimaryType, o)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrPrecondition))
		assert.Contains(t, err.Error(), "wallet address not equal to order signer")
		assert.Equal(t, "trader.signer", errors.GetDetail(err, "field"))
	})

	t.Run("nil order", func(t *testing.T) {
		_, err := SignOrder(context.Background(), s, schema, testDomain, order.PrimaryType, nil)
		assert.True(t, errors.Is(err, errors.ErrPrecondition))
	})

	t.Run("invalid domain", func(t *testing.T) {
		_, err := SignOrder(context.Background(), s, schema, eip712.Domain{ChainID: big.NewInt(1)}, order.PrimaryType, testOrder(s.Address()))
		assert.True(t, errors.Is(err, errors.ErrSchema))
	})

	t.Run("value out of range", func(t *testing.T) {
		o := testOrder(s.Address())
		o.Trade.MarketID = new(big.Int).Lsh(big.NewInt(1), 128)
		_, err := SignOrder(context.Background(), s, schema, testDomain, order.PrimaryType, o)
		assert.True(t, errors.Is(err, errors.ErrEncoding))
	})

	t.Run("signer failure", func(t *testing.T) {
		stub := &stubSigner{address: s.Address(), err: errors.ErrSignerFailed.WithMessage("device unplugged")}
		_, err := SignOrder(context.Background(), stub, schema, testDomain, order.PrimaryType, testOrder(s.Address()))
		assert.True(t, errors.Is(err, errors.ErrSignerFailed))
	})

	t.Run("malformed signature", func(t *testing.T) {
		stub := &stubSigner{address: s.Address(), sig: []byte{1, 2, 3}}
		_, err := SignOrder(context.Background(), stub, schema, testDomain, order.PrimaryType, testOrder(s.Address()))
		assert.True(t, errors.Is(err, errors.ErrSignature))
	})

	t.Run("signature from another key", func(t *testing.T) {
		other, err := ethcrypto.GenerateKey()
		require.NoError(t, err)
		o := testOrder(s.Address())
		digest, err := eip712.ComputeDigest(schema, testDomain, order.PrimaryType, o.Message())
		require.NoError(t, err)
		sig, err := ethcrypto.Sign(digest.Bytes(), other)
		require.NoError(t, err)

		stub := &stubSigner{address: s.Address(), sig: sig}
		_, err = SignOrder(context.Background(), stub, schema, testDomain, order.PrimaryType, o)
		assert.True(t, errors.Is(err, errors.ErrMismatch))
	})
}
