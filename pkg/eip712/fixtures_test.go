package eip712

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Fixtures
// =============================================================================

// testPrivateKeyHex is the first Hardhat/Anvil account (DO NOT use in production).
const testPrivateKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	testWallet   = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	testContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testReferrer = common.HexToAddress("0x1234567890abcdef1234567890abcdef12345678")
	testSigner   = common.HexToAddress("0x96aA512665C429cE1454abe871098E4858c9c147")
)

// Struct definitions shared by both Order layouts.
var (
	conditionFields = []Field{
		{Name: "target", Type: "address"},
		{Name: "selector", Type: "bytes4"},
		{Name: "data", Type: "bytes"},
		{Name: "expected", Type: "bytes32"},
	}
	metadataFields = []Field{
		{Name: "genesis", Type: "uint256"},
		{Name: "expiration", Type: "uint256"},
		{Name: "trackingCode", Type: "bytes32"},
		{Name: "referrer", Type: "address"},
	}
	tradeFields = []Field{
		{Name: "t", Type: "uint8"},
		{Name: "marketId", Type: "uint128"},
		{Name: "size", Type: "int128"},
		{Name: "price", Type: "uint256"},
	}
	traderFields = []Field{
		{Name: "nonce", Type: "uint256"},
		{Name: "accountId", Type: "uint128"},
		{Name: "signer", Type: "address"},
	}
)

func orderTypes(top []Field) Types {
	return Types{
		"Order":     top,
		"Condition": conditionFields,
		"Metadata":  metadataFields,
		"Trade":     tradeFields,
		"Trader":    traderFields,
	}
}

var (
	conditionsFirstTypes = orderTypes([]Field{
		{Name: "conditions", Type: "Condition[]"},
		{Name: "metadata", Type: "Metadata"},
		{Name: "trade", Type: "Trade"},
		{Name: "trader", Type: "Trader"},
	})
	metadataFirstTypes = orderTypes([]Field{
		{Name: "metadata", Type: "Metadata"},
		{Name: "trader", Type: "Trader"},
		{Name: "trade", Type: "Trade"},
		{Name: "conditions", Type: "Condition[]"},
	})
)

// Golden values recomputed from the clearinghouse fixtures.
const (
	goldenOrderTypeHashConditionsFirst = "0xc2b77ec0de83b288142b0d2b7f5eaf28f1e541d1f2b38d1f0b5560539bbaaaa9"
	goldenOrderTypeHashMetadataFirst   = "0x1b6b336c5e77095ee4e3043794d375c20a9d5654e11d1bb0c33df1c210e63a49"
	goldenConditionTypeHash            = "0xa78671e011562296314e133d36fbac3c60cba08a14cd761d9dfff1d94cf16b9d"
	goldenMetadataTypeHash             = "0x3fb26409690ba72074e6ebc22d4e2bca8f0f7c7706a831359b40cede8a69c0f3"
	goldenTradeTypeHash                = "0x433c9a5d4b303267c7393b9e107e94fa1583ee7cc66f0c4d412f96baf0314099"
	goldenTraderTypeHash               = "0x2e2f44372bdffa5cfd0ba02a50d853ad42cd226efcb6d6898e058f0d88716f6a"

	goldenMetadataHash  = "0x6609a75dcac514ae8a054c1e4e48c2ae0f429cf00c70f18debcead49624701c4"
	goldenTradeHashBuy  = "0x3de551bc2a7cc85cb9b4546a6e15e5f4e709c46393642ea914ba2282dc1e7a81"
	goldenTradeHashSell = "0x6ad40bbb9794551f6293a97a18ff5b599bcb830028d8adfd636f03c482c9f095"
	goldenTraderHash1   = "0x5a44a495ae61ebfb01c627426271dfc5951c4411a0912b0ef270f7086108f8d6"
	goldenTraderHash2   = "0x24e7a0fbbf56c7b23a8bcbf709f20a5077113a1cd78ea978a7253afe7ed75b4e"
	goldenConditionHash = "0xb6879152cfc81967a8cf8b9ef47b4735a5ed438ee43b0092ce66b362cd8a3d70"

	goldenConditionsSlotOne   = "0x66793af4fd002c2d762387cf39358691224ce133fed52f312093945a32d4952e"
	goldenConditionsSlotEmpty = "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"

	goldenOrderHashConditionsFirst      = "0xf64a8ac24e4abe158aecf44ec657a19746bce40e2d75fcf8dfe3bb4ec7c75806"
	goldenOrderHashMetadataFirst        = "0xfde2994811abe051fccf43a50be319fde09861290590f988a46b57e89f69e4ca"
	goldenOrderHashConditionsFirstEmpty = "0x901df3a73f9d619d0a81e862326ba0a3b279bbe93dfb5157d064d9ef832db745"
	goldenOrderHashSellNonce2           = "0x2a903334339ce4667ff76a1537a9102d97acb86fe1e8dc14bd3d5f10ca6675b2"

	goldenDomainTypeHashVersion   = "0x8b73c3c69bb8fe3d512ecc4cf759cc79239f7b179b0ffacaa9a75d522b39400f"
	goldenDomainTypeHashNoVersion = "0x8cad95687ba82c2ce50e74f7b754645e5117c3a5bec8151c0726d5857980a866"
	goldenDomainTypeHashSalt      = "0xd87cd6ef79d4e2b95e15ce8abf732db51ec771f1ca2edccf22a46c729ac56472"

	goldenSeparatorVersion   = "0xc6057ae6d4841c3b59ff39b0f4296d8b201553ce2c8cdd2e0b049c1a79d872c6"
	goldenSeparatorNoVersion = "0xcd756a44f9b68d0b69c12cfaa05c0d9ec13c4869f68e37a67f12860c7132c81d"
	goldenSeparatorSalt      = "0x8da5c5aaeca500a0316d3c7c726460c3af0e69a18e632f2576c3ef5898c10d23"
	goldenSeparatorEidos     = "0x64ecefbb7542d0884a349ddbe998545b9b0f7e233f30de96660c273e97f1c713"

	goldenDigestConditionsFirstVersion   = "0x1ba32e80426b12089d61777e517088168dd2fcb5f0a674386eed2a7589bedc27"
	goldenDigestConditionsFirstNoVersion = "0xbbefe352e37bc1b62811a9e315cedea37fcc263615496354f4b492448067a485"
	goldenDigestMetadataFirstVersion     = "0xb65c61d8dce776390dbada083eeb073b8143dd7fcc7ead260ef1dd363eb826cc"
	goldenDigestMetadataFirstNoVersion   = "0x79c901ebeaac3b830bb9f3392a1d3813b5d6d8efb874845061ec7370f1051990"
)

func mockDomain(version string) Domain {
	return Domain{
		Name:              "Mock Clearinghouse",
		Version:           version,
		ChainID:           big.NewInt(8453),
		VerifyingContract: testContract,
	}
}

func textBlob(s string) [32]byte {
	var out [32]byte
	copy(out[:], s)
	return out
}

func testMetadata() Message {
	return Message{
		"genesis":      big.NewInt(1),
		"expiration":   big.NewInt(2),
		"trackingCode": textBlob("KWENTA"),
		"referrer":     testReferrer,
	}
}

func testTrade(size int64) Message {
	return Message{
		"t":        uint8(0),
		"marketId": big.NewInt(1),
		"size":     big.NewInt(size),
		"price":    big.NewInt(1),
	}
}

func testTrader(nonce int64) Message {
	return Message{
		"nonce":     big.NewInt(nonce),
		"accountId": big.NewInt(1),
		"signer":    testSigner,
	}
}

func testCondition() Message {
	return Message{
		"target":   testReferrer,
		"selector": [4]byte{0x35, 0xb0, 0x9a, 0x6e},
		"data":     []byte("data"),
		"expected": textBlob("expected"),
	}
}

func testOrder(size, nonce int64, conditions ...Message) Message {
	if conditions == nil {
		conditions = []Message{}
	}
	return Message{
		"conditions": conditions,
		"metadata":   testMetadata(),
		"trade":      testTrade(size),
		"trader":     testTrader(nonce),
	}
}

func mustSchema(t testing.TB, types Types) *Schema {
	t.Helper()
	s, err := NewSchema(types)
	require.NoError(t, err)
	return s
}

func getTestPrivateKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ethcrypto.HexToECDSA(testPrivateKeyHex)
	require.NoError(t, err, "failed to parse test private key")
	return key
}

func signDigest(t testing.TB, digest common.Hash) []byte {
	t.Helper()
	sig, err := ethcrypto.Sign(digest[:], getTestPrivateKey(t))
	require.NoError(t, err)
	sig[64] += 27
	return sig
}
