package eip712

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cmontecoding/EIP712-OrderBook/pkg/crypto"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/errors"
)

// Message is the value tree of one struct instance, keyed by field name.
//
// Static fields take the values EncodeSlot accepts. bytes fields take []byte
// or a hex string, string fields a Go string. Nested structs are a Message
// (or map[string]interface{}) and arrays are any slice or array whose
// elements fit the element type.
type Message map[string]interface{}

// StructHash returns keccak256(typeHash(typeName) ‖ encodeData(msg)).
func StructHash(s *Schema, typeName string, msg Message) (common.Hash, error) {
	data, err := EncodeData(s, typeName, msg)
	if err != nil {
		return common.Hash{}, err
	}
	return common.Hash(crypto.Keccak256Hash(data)), nil
}

// EncodeData returns the typeHash of typeName followed by one 32-byte slot
// per field, in schema order. Every field must be present in msg and msg
// must not carry fields the schema does not declare.
func EncodeData(s *Schema, typeName string, msg Message) ([]byte, error) {
	return s.encodeData(typeName, msg, typeName)
}

// HashArray returns the array slot for values: keccak256 of the
// concatenated element slots. elemType is the element type string, e.g.
// "Condition" or "uint256". An empty slice hashes to keccak256("").
func HashArray(s *Schema, elemType string, values interface{}) (common.Hash, error) {
	elem, err := ParseType(elemType)
	if err != nil {
		return common.Hash{}, err
	}
	if ref := elem.BaseStruct(); ref != "" && !s.Has(ref) {
		return common.Hash{}, errors.ErrSchema.WithMessagef("unknown type %s", ref).WithDetail("type", ref)
	}
	tag := TypeTag{Kind: KindArray, Elem: &elem, raw: elemType + "[]"}
	return s.hashArray(tag, values, tag.raw)
}

func (s *Schema) encodeData(typeName string, msg Message, path string) ([]byte, error) {
	def, err := s.lookup(typeName)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, shapeErr(path, typeName, "missing struct value")
	}

	if extra := unknownFields(def.fields, msg); len(extra) > 0 {
		return nil, shapeErr(path+"."+extra[0], typeName, fmt.Sprintf("unknown field %s", extra[0])).
			WithDetail("field", extra[0])
	}

	slots := make([][]byte, 0, len(def.fields)+1)
	slots = append(slots, def.typeHash[:])
	for i, f := range def.fields {
		fieldPath := path + "." + f.Name
		v, ok := msg[f.Name]
		if !ok {
			return nil, shapeErr(fieldPath, def.tags[i].String(), fmt.Sprintf("missing field %s.%s", typeName, f.Name)).
				WithDetail("field", f.Name)
		}
		slot, err := s.encodeField(def.tags[i], v, fieldPath)
		if err != nil {
			return nil, withDetailIfMissing(err, "field", f.Name)
		}
		slots = append(slots, slot[:])
	}
	return crypto.Concat(slots...), nil
}

// encodeField 计算单个字段的 32 字节槽位, 动态类型先取哈希
func (s *Schema) encodeField(tag TypeTag, v interface{}, path string) ([SlotSize]byte, error) {
	switch tag.Kind {
	case KindBytes:
		b, err := toBytes(v)
		if err != nil {
			return [SlotSize]byte{}, withDetailIfMissing(encodingErr(tag, v, err.Error()), "path", path)
		}
		return crypto.Keccak256Hash(b), nil

	case KindString:
		str, ok := v.(string)
		if !ok {
			return [SlotSize]byte{}, withDetailIfMissing(encodingErr(tag, v, "expected string"), "path", path)
		}
		return crypto.Keccak256Hash([]byte(str)), nil

	case KindStruct:
		msg, ok := toMessage(v)
		if !ok {
			return [SlotSize]byte{}, shapeErr(path, tag.String(), fmt.Sprintf("expected struct value, got %T", v))
		}
		data, err := s.encodeData(tag.Name, msg, path)
		if err != nil {
			return [SlotSize]byte{}, err
		}
		return crypto.Keccak256Hash(data), nil

	case KindArray:
		return s.hashArray(tag, v, path)

	default:
		slot, err := EncodeSlot(tag, v)
		if err != nil {
			return slot, withDetailIfMissing(err, "path", path)
		}
		return slot, nil
	}
}

func (s *Schema) hashArray(tag TypeTag, v interface{}, path string) (common.Hash, error) {
	rv := reflect.ValueOf(v)
	if v == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return common.Hash{}, shapeErr(path, tag.String(), fmt.Sprintf("expected array value, got %T", v))
	}
	if tag.Size > 0 && rv.Len() != tag.Size {
		return common.Hash{}, shapeErr(path, tag.String(), fmt.Sprintf("expected %d elements, got %d", tag.Size, rv.Len()))
	}

	buf := make([]byte, 0, rv.Len()*SlotSize)
	for i := 0; i < rv.Len(); i++ {
		slot, err := s.encodeField(*tag.Elem, rv.Index(i).Interface(), fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return common.Hash{}, err
		}
		buf = append(buf, slot[:]...)
	}
	return common.Hash(crypto.Keccak256Hash(buf)), nil
}

func toMessage(v interface{}) (Message, bool) {
	switch m := v.(type) {
	case Message:
		return m, m != nil
	case map[string]interface{}:
		return Message(m), m != nil
	}
	return nil, false
}

func unknownFields(fields []Field, msg Message) []string {
	declared := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		declared[f.Name] = struct{}{}
	}
	var extra []string
	for k := range msg {
		if _, ok := declared[k]; !ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return extra
}

func shapeErr(path, typ, reason string) *errors.Error {
	return errors.ErrSchema.WithMessagef("%s: %s", path, reason).
		WithDetails(map[string]string{"path": path, "type": typ})
}
