package eip712

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cmontecoding/EIP712-OrderBook/pkg/crypto"
	"github.com/cmontecoding/EIP712-OrderBook/pkg/errors"
)

// Field is one member of a struct type. Order within a type is significant.
type Field struct {
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`
}

// Types maps struct names to their ordered fields.
type Types map[string][]Field

type structDef struct {
	fields    []Field
	tags      []TypeTag
	deps      []string
	canonical string
	typeHash  common.Hash
}

// Schema is a validated, immutable set of struct types.
type Schema struct {
	defs map[string]*structDef
}

// NewSchema validates types and precomputes every canonical type string and
// type-hash. Field slices are copied, so later changes to types do not
// affect the Schema.
func NewSchema(types Types) (*Schema, error) {
	s := &Schema{defs: make(map[string]*structDef, len(types))}

	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fields := types[name]
		if !identRegex.MatchString(name) {
			return nil, errors.ErrSchema.WithMessagef("invalid struct name %q", name).WithDetail("type", name)
		}
		def := &structDef{
			fields: append([]Field(nil), fields...),
			tags:   make([]TypeTag, len(fields)),
		}
		seen := make(map[string]bool, len(fields))
		for i, f := range fields {
			if f.Name == "" {
				return nil, errors.ErrSchema.WithMessage("field name cannot be empty").
					WithDetails(map[string]string{"type": name, "index": fmt.Sprint(i)})
			}
			// 字段名直接进入规范类型串, 非标识符会伪造出其他结构的类型串
			if !identRegex.MatchString(f.Name) {
				return nil, errors.ErrSchema.WithMessagef("struct %s has invalid field name %q", name, f.Name).
					WithDetails(map[string]string{"type": name, "field": f.Name})
			}
			if seen[f.Name] {
				return nil, errors.ErrSchema.WithMessagef("struct %s declares field %s twice", name, f.Name).
					WithDetails(map[string]string{"type": name, "field": f.Name})
			}
			seen[f.Name] = true
			tag, err := ParseType(f.Type)
			if err != nil {
				return nil, withDetailIfMissing(withDetailIfMissing(err, "struct", name), "field", f.Name)
			}
			def.tags[i] = tag
		}
		s.defs[name] = def
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	for name, def := range s.defs {
		def.deps = s.collectDeps(name)
		var b strings.Builder
		b.WriteString(s.encodeType(name))
		for _, dep := range def.deps {
			b.WriteString(s.encodeType(dep))
		}
		def.canonical = b.String()
		def.typeHash = common.Hash(crypto.Keccak256Hash([]byte(def.canonical)))
	}

	return s, nil
}

// Validate checks the closure property and acyclicity: every struct named
// by a field type is defined, and no struct reaches itself through its
// fields.
func (s *Schema) Validate() error {
	for _, name := range s.Names() {
		def := s.defs[name]
		for i, tag := range def.tags {
			ref := tag.BaseStruct()
			if ref == "" {
				continue
			}
			if _, ok := s.defs[ref]; !ok {
				return errors.ErrSchema.WithMessagef("struct %s references undefined type %s", name, ref).
					WithDetails(map[string]string{"type": name, "field": def.fields[i].Name, "ref": ref})
			}
		}
	}
	return s.checkCycles()
}

// MustSchema is NewSchema for package-level schema definitions.
func MustSchema(types Types) *Schema {
	s, err := NewSchema(types)
	if err != nil {
		panic(err)
	}
	return s
}

// Has reports whether name is defined.
func (s *Schema) Has(name string) bool {
	_, ok := s.defs[name]
	return ok
}

// Names returns the defined struct names in lexical order.
func (s *Schema) Names() []string {
	names := make([]string, 0, len(s.defs))
	for name := range s.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fields returns a copy of the ordered fields of name.
func (s *Schema) Fields(name string) ([]Field, error) {
	def, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	return append([]Field(nil), def.fields...), nil
}

// Types returns a deep copy of the definitions.
func (s *Schema) Types() Types {
	out := make(Types, len(s.defs))
	for name, def := range s.defs {
		out[name] = append([]Field(nil), def.fields...)
	}
	return out
}

// Dependencies returns every struct transitively referenced by root,
// excluding root, sorted by name.
func (s *Schema) Dependencies(root string) ([]string, error) {
	def, err := s.lookup(root)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), def.deps...), nil
}

// CanonicalString returns root's encodeType string: its own signature
// followed by the signatures of its dependencies in name order.
func (s *Schema) CanonicalString(root string) (string, error) {
	def, err := s.lookup(root)
	if err != nil {
		return "", err
	}
	return def.canonical, nil
}

// TypeHash returns keccak256 of root's canonical string.
func (s *Schema) TypeHash(root string) (common.Hash, error) {
	def, err := s.lookup(root)
	if err != nil {
		return common.Hash{}, err
	}
	return def.typeHash, nil
}

func (s *Schema) lookup(name string) (*structDef, error) {
	def, ok := s.defs[name]
	if !ok {
		return nil, errors.ErrSchema.WithMessagef("unknown type %s", name).WithDetail("type", name)
	}
	return def, nil
}

// encodeType 生成单个类型的签名片段 Name(type1 name1,type2 name2)
func (s *Schema) encodeType(name string) string {
	def := s.defs[name]
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('(')
	for i, f := range def.fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(def.tags[i].String())
		b.WriteByte(' ')
		b.WriteString(f.Name)
	}
	b.WriteByte(')')
	return b.String()
}

// collectDeps 传递收集引用的结构体, 排除根类型, 按名称排序
func (s *Schema) collectDeps(root string) []string {
	seen := map[string]bool{root: true}
	var deps []string
	stack := []string{root}
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, tag := range s.defs[name].tags {
			ref := tag.BaseStruct()
			if ref == "" || seen[ref] {
				continue
			}
			seen[ref] = true
			deps = append(deps, ref)
			stack = append(stack, ref)
		}
	}
	sort.Strings(deps)
	return deps
}

func (s *Schema) checkCycles() error {
	const (
		visiting = iota + 1
		done
	)
	state := make(map[string]int, len(s.defs))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			start := 0
			for i, p := range path {
				if p == name {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), path[start:]...), name)
			return errors.ErrSchema.WithMessagef("cyclic struct reference %s", strings.Join(cycle, " -> ")).
				WithDetails(map[string]string{"type": name, "cycle": strings.Join(cycle, " -> ")})
		}
		state[name] = visiting
		path = append(path, name)
		for _, tag := range s.defs[name].tags {
			if ref := tag.BaseStruct(); ref != "" {
				if err := visit(ref); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		state[name] = done
		return nil
	}

	for _, name := range s.Names() {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}
