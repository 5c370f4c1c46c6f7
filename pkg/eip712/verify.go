package eip712

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/cmontecoding/EIP712-OrderBook/pkg/crypto"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/errors"
)

// SignatureLength is the size of an r ‖ s ‖ v signature.
const SignatureLength = 65

// Signature is a parsed secp256k1 signature. V is the recovery id, 0 or 1.
type Signature struct {
	R [32]byte
	S [32]byte
	V byte
}

// ParseSignature parses a 65-byte r ‖ s ‖ v signature. v may be given as
// 0/1 or 27/28. High-s signatures are rejected.
func ParseSignature(sig []byte) (Signature, error) {
	if len(sig) != SignatureLength {
		return Signature{}, errors.ErrSignature.WithMessagef("signature must be %d bytes, got %d", SignatureLength, len(sig)).
			WithDetail("length", fmt.Sprint(len(sig)))
	}

	var out Signature
	copy(out.R[:], sig[:32])
	copy(out.S[:], sig[32:64])

	// 兼容 Ethereum 的 27/28 写法
	v := sig[64]
	switch v {
	case 0, 1:
		out.V = v
	case 27, 28:
		out.V = v - 27
	default:
		return Signature{}, errors.ErrSignature.WithMessagef("invalid recovery id %d", v).
			WithDetail("v", fmt.Sprint(v))
	}

	r := new(big.Int).SetBytes(out.R[:])
	s := new(big.Int).SetBytes(out.S[:])
	if !ethcrypto.ValidateSignatureValues(out.V, r, s, true) {
		return Signature{}, errors.ErrSignature.WithMessage("signature values out of range").
			WithDetails(map[string]string{"r": crypto.EncodeHex(out.R[:]), "s": crypto.EncodeHex(out.S[:])})
	}
	return out, nil
}

// ParseSignatureHex parses a hex encoded signature, with or without 0x.
func ParseSignatureHex(s string) (Signature, error) {
	b, err := crypto.DecodeHex(s)
	if err != nil {
		return Signature{}, errors.WrapWithCause(errors.ErrSignature, err, "decode signature")
	}
	return ParseSignature(b)
}

// Bytes returns r ‖ s ‖ v with v in the 27/28 form.
func (s Signature) Bytes() []byte {
	out := make([]byte, SignatureLength)
	copy(out[:32], s.R[:])
	copy(out[32:64], s.S[:])
	out[64] = s.V + 27
	return out
}

// Hex returns the 0x-prefixed hex of Bytes.
func (s Signature) Hex() string {
	return crypto.EncodeHex(s.Bytes())
}

func (s Signature) recoverable() []byte {
	out := s.Bytes()
	out[64] = s.V
	return out
}

// RecoverAddress returns the address whose key produced sig over digest.
func RecoverAddress(digest, sig []byte) (common.Address, error) {
	if len(digest) != crypto.HashLength {
		return common.Address{}, lengthErr("digest", len(digest))
	}
	parsed, err := ParseSignature(sig)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := ethcrypto.SigToPub(digest, parsed.recoverable())
	if err != nil {
		return common.Address{}, errors.WrapWithCause(errors.ErrSignature, err, "recover public key")
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Verify reports whether sig over digest was produced by expected. A
// malformed signature is an error, not a false result.
func Verify(digest, sig []byte, expected common.Address) (bool, error) {
	recovered, err := RecoverAddress(digest, sig)
	if err != nil {
		return false, err
	}
	return recovered == expected, nil
}

// ParseAddress parses a hex address. Checksum casing is not enforced.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.ErrPrecondition.WithMessagef("invalid address %q", s).WithDetail("value", s)
	}
	return common.HexToAddress(s), nil
}
