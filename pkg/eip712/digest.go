package eip712

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cmontecoding/EIP712-OrderBook/pkg/crypto"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/errors"
)

// digestPrefix is the EIP-191 version byte pair for structured data.
var digestPrefix = []byte{0x19, 0x01}

// Hashes holds the intermediate and final values of one digest computation.
type Hashes struct {
	DomainSeparator common.Hash
	StructHash      common.Hash
	Digest          common.Hash
}

// SigningDigest returns keccak256(0x19 0x01 ‖ domainSeparator ‖ structHash).
// Both inputs must be exactly 32 bytes.
func SigningDigest(domainSeparator, structHash []byte) (common.Hash, error) {
	if len(domainSeparator) != crypto.HashLength {
		return common.Hash{}, lengthErr("domainSeparator", len(domainSeparator))
	}
	if len(structHash) != crypto.HashLength {
		return common.Hash{}, lengthErr("structHash", len(structHash))
	}
	return common.Hash(crypto.Keccak256Hash(digestPrefix, domainSeparator, structHash)), nil
}

// ComputeHashes computes the domain separator, the struct hash of msg as
// root and the signing digest combining them.
func ComputeHashes(s *Schema, d Domain, root string, msg Message) (Hashes, error) {
	ds, err := DomainSeparator(d)
	if err != nil {
		return Hashes{}, err
	}
	sh, err := StructHash(s, root, msg)
	if err != nil {
		return Hashes{}, err
	}
	digest, err := SigningDigest(ds[:], sh[:])
	if err != nil {
		return Hashes{}, err
	}
	return Hashes{DomainSeparator: ds, StructHash: sh, Digest: digest}, nil
}

// ComputeDigest returns the signing digest of msg under domain d.
func ComputeDigest(s *Schema, d Domain, root string, msg Message) (common.Hash, error) {
	h, err := ComputeHashes(s, d, root, msg)
	if err != nil {
		return common.Hash{}, err
	}
	return h.Digest, nil
}

// ComputeTypeHash returns the type-hash of typeName in s.
func ComputeTypeHash(s *Schema, typeName string) (common.Hash, error) {
	if s == nil {
		return common.Hash{}, errors.ErrPrecondition.WithMessage("nil schema")
	}
	return s.TypeHash(typeName)
}

func lengthErr(name string, n int) *errors.Error {
	return errors.ErrPrecondition.WithMessagef("%s must be %d bytes, got %d", name, crypto.HashLength, n).
		WithDetails(map[string]string{"field": name, "length": fmt.Sprint(n)})
}
