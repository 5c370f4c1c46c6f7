// Package eip712 implements EIP-712 typed structured data hashing: type
// schemas and their canonical type strings, struct hashes over nested
// messages, domain separators, signing digests and signer recovery.
//
// Every function in this package is a pure function of its inputs. A Schema
// is immutable once NewSchema returns, so it can be shared between goroutines
// without locking.
package eip712

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/cmontecoding/EIP712-OrderBook/pkg/errors"
)

// Kind classifies an EIP-712 type.
type Kind int

const (
	KindUint Kind = iota + 1
	KindInt
	KindAddress
	KindBool
	KindFixedBytes
	KindBytes
	KindString
	KindStruct
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindUint:
		return "uint"
	case KindInt:
		return "int"
	case KindAddress:
		return "address"
	case KindBool:
		return "bool"
	case KindFixedBytes:
		return "fixed bytes"
	case KindBytes:
		return "bytes"
	case KindString:
		return "string"
	case KindStruct:
		return "struct"
	case KindArray:
		return "array"
	default:
		return "unknown"
	}
}

// TypeTag is a parsed EIP-712 field type.
type TypeTag struct {
	Kind Kind
	// Size is the bit width for KindUint/KindInt, the byte length for
	// KindFixedBytes and the element count for fixed-length KindArray
	// (0 means dynamic length).
	Size int
	// Elem is the element type of KindArray.
	Elem *TypeTag
	// Name is the struct name for KindStruct.
	Name string

	raw string
}

// String returns the type as written in the schema.
func (t TypeTag) String() string {
	return t.raw
}

// IsStatic reports whether the type encodes directly into one 32-byte slot.
func (t TypeTag) IsStatic() bool {
	switch t.Kind {
	case KindUint, KindInt, KindAddress, KindBool, KindFixedBytes:
		return true
	}
	return false
}

// BaseStruct returns the struct name underneath any number of array
// markers, or "" when the innermost type is not a struct.
func (t TypeTag) BaseStruct() string {
	for t.Kind == KindArray {
		t = *t.Elem
	}
	if t.Kind == KindStruct {
		return t.Name
	}
	return ""
}

var identRegex = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// Common static tags.
var (
	Bytes32  = TypeTag{Kind: KindFixedBytes, Size: 32, raw: "bytes32"}
	Address  = TypeTag{Kind: KindAddress, raw: "address"}
	Uint256  = TypeTag{Kind: KindUint, Size: 256, raw: "uint256"}
	BytesTag = TypeTag{Kind: KindBytes, raw: "bytes"}
)

// ParseType parses an EIP-712 type string such as "uint128", "bytes4",
// "Condition[]" or "address[2]". Names that are not elementary types are
// taken to be struct references; whether the struct exists is checked by
// the Schema, not here.
func ParseType(s string) (TypeTag, error) {
	tag, err := parseType(strings.TrimSpace(s))
	if err != nil {
		return TypeTag{}, err
	}
	return tag, nil
}

func parseType(s string) (TypeTag, error) {
	if s == "" {
		return TypeTag{}, errors.ErrSchema.WithMessage("empty type").WithDetail("type", s)
	}

	if strings.HasSuffix(s, "]") {
		open := strings.LastIndex(s, "[")
		if open <= 0 {
			return TypeTag{}, invalidType(s, "unbalanced array brackets")
		}
		elem, err := parseType(s[:open])
		if err != nil {
			return TypeTag{}, err
		}
		size := 0
		if n := s[open+1 : len(s)-1]; n != "" {
			size, err = strconv.Atoi(n)
			if err != nil || size <= 0 || !isDigits(n) || n[0] == '0' {
				return TypeTag{}, invalidType(s, "array length must be a positive integer")
			}
		}
		return TypeTag{Kind: KindArray, Size: size, Elem: &elem, raw: s}, nil
	}

	switch {
	case s == "address":
		return TypeTag{Kind: KindAddress, raw: s}, nil
	case s == "bool":
		return TypeTag{Kind: KindBool, raw: s}, nil
	case s == "bytes":
		return TypeTag{Kind: KindBytes, raw: s}, nil
	case s == "string":
		return TypeTag{Kind: KindString, raw: s}, nil
	case strings.HasPrefix(s, "uint") && isDigits(s[4:]):
		return parseInteger(s, KindUint, s[4:])
	case strings.HasPrefix(s, "int") && isDigits(s[3:]):
		return parseInteger(s, KindInt, s[3:])
	case strings.HasPrefix(s, "bytes") && isDigits(s[5:]):
		if s[5] == '0' {
			return TypeTag{}, invalidType(s, "fixed bytes length must not have leading zeros")
		}
		n, _ := strconv.Atoi(s[5:])
		if n < 1 || n > 32 {
			return TypeTag{}, invalidType(s, "fixed bytes length must be 1..32")
		}
		return TypeTag{Kind: KindFixedBytes, Size: n, raw: s}, nil
	case s == "uint" || s == "int":
		return TypeTag{}, invalidType(s, "integer types need an explicit width")
	}

	if !identRegex.MatchString(s) {
		return TypeTag{}, invalidType(s, "not an elementary type or struct name")
	}
	return TypeTag{Kind: KindStruct, Name: s, raw: s}, nil
}

func parseInteger(s string, kind Kind, width string) (TypeTag, error) {
	if width[0] == '0' {
		return TypeTag{}, invalidType(s, "integer width must not have leading zeros")
	}
	bits, _ := strconv.Atoi(width)
	if bits < 8 || bits > 256 || bits%8 != 0 {
		return TypeTag{}, invalidType(s, "integer width must be a multiple of 8 in 8..256")
	}
	return TypeTag{Kind: kind, Size: bits, raw: s}, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func invalidType(s, reason string) *errors.Error {
	return errors.ErrSchema.WithMessagef("invalid type %q: %s", s, reason).WithDetail("type", s)
}
