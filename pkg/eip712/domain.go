package eip712

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cmontecoding/EIP712-OrderBook/pkg/errors"
)

// DomainType is the struct name of the domain descriptor.
const DomainType = "EIP712Domain"

// Domain is the EIP712Domain descriptor. Version and Salt are optional: an
// empty Version or nil Salt drops the field from the EIP712Domain type,
// which changes its type-hash and therefore the separator.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
	Salt              *common.Hash
}

// Fields returns the EIP712Domain fields in canonical order.
func (d Domain) Fields() []Field {
	fields := []Field{{Name: "name", Type: "string"}}
	if d.Version != "" {
		fields = append(fields, Field{Name: "version", Type: "string"})
	}
	fields = append(fields,
		Field{Name: "chainId", Type: "uint256"},
		Field{Name: "verifyingContract", Type: "address"},
	)
	if d.Salt != nil {
		fields = append(fields, Field{Name: "salt", Type: "bytes32"})
	}
	return fields
}

// Schema returns the single-type schema describing this domain.
func (d Domain) Schema() (*Schema, error) {
	return NewSchema(Types{DomainType: d.Fields()})
}

// Message returns the domain as a value tree matching Fields.
func (d Domain) Message() Message {
	msg := Message{
		"name":              d.Name,
		"chainId":           d.ChainID,
		"verifyingContract": d.VerifyingContract,
	}
	if d.Version != "" {
		msg["version"] = d.Version
	}
	if d.Salt != nil {
		msg["salt"] = *d.Salt
	}
	return msg
}

// Validate checks the domain carries a name and a positive chain id.
func (d Domain) Validate() error {
	if d.Name == "" {
		return errors.ErrSchema.WithMessage("domain name is required").
			WithDetails(map[string]string{"type": DomainType, "field": "name"})
	}
	if d.ChainID == nil || d.ChainID.Sign() <= 0 {
		return errors.ErrSchema.WithMessage("domain chainId must be positive").
			WithDetails(map[string]string{"type": DomainType, "field": "chainId"})
	}
	return nil
}

// DomainSeparator returns hashStruct(EIP712Domain) for d.
func DomainSeparator(d Domain) (common.Hash, error) {
	if err := d.Validate(); err != nil {
		return common.Hash{}, err
	}
	s, err := d.Schema()
	if err != nil {
		return common.Hash{}, err
	}
	return StructHash(s, DomainType, d.Message())
}
