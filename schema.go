/*
Package dynorm – record schemas.

A Schema describes one Go struct type: its ordered attribute list, its key
roles and its table identity. Schemas are built from struct tags once per
type and cached; they are read-only afterwards.

	type User struct {
		_     struct{} `dynamo:"table:Users"`
		ID    int      `dynamo:"Id,hash"`
		Email string   `dynamo:",range"`
		Name  string
		notes string // unexported fields are skipped
	}
*/
package dynorm

import (
	"reflect"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// TagName is the struct tag key read by the schema reflector.
const TagName = "dynamo"

// Tabler may be implemented by record types instead of (not in addition
// to) a `dynamo:"table:NAME"` tag.
type Tabler interface {
	TableName() string
}

var tablerType = reflect.TypeOf((*Tabler)(nil)).Elem()

// Field is one attribute of a record type.
type Field struct {
	// Name is the attribute name on the wire.
	Name string
	// GoName is the struct field name.
	GoName      string
	Index       []int
	Type        reflect.Type
	Hash        bool
	Range       bool
	OmitEmpty   bool
	Placeholder string
}

// KeySet holds the key fields of a record type. Range is nil for hash-only tables.
type KeySet struct {
	Hash  *Field
	Range *Field
}

// Schema is the reflected description of a record type.
type Schema struct {
	Type   reflect.Type
	Fields []*Field

	byName map[string]*Field
	byGo   map[string]*Field
	tables []string
	hashes []*Field
	ranges []*Field
}

var schemaCache sync.Map // reflect.Type → *Schema

// SchemaOf returns the schema of v's struct type. v may be a struct value,
// a pointer to one, or a reflect.Type.
func SchemaOf(v any) (*Schema, error) {
	var t reflect.Type
	if rt, ok := v.(reflect.Type); ok {
		t = rt
	} else {
		t = reflect.TypeOf(v)
	}
	return schemaFor(t)
}

func schemaFor(t reflect.Type) (*Schema, error) {
	if t == nil {
		return nil, newCodeError(ErrArgument, "nil record type")
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, newCodeError(ErrUnsupportedType, "record type %v is not a struct", t)
	}
	if s, ok := schemaCache.Load(t); ok {
		return s.(*Schema), nil
	}
	s, err := buildSchema(t)
	if err != nil {
		return nil, err
	}
	actual, _ := schemaCache.LoadOrStore(t, s)
	return actual.(*Schema), nil
}

func buildSchema(t reflect.Type) (*Schema, error) {
	s := &Schema{Type: t, byName: map[string]*Field{}, byGo: map[string]*Field{}}
	s.collect(t, nil)

	// placeholders must stay one-to-one with attributes
	owners := make(map[string]*Field, len(s.Fields))
	for _, f := range s.Fields {
		if prev, ok := owners[f.Placeholder]; ok {
			return nil, NewError("attributes share an expression placeholder", WithCode(ErrPlaceholderCollision),
				WithContext(map[string]any{
					"type":        t.String(),
					"placeholder": f.Placeholder,
					"attributes":  []string{prev.Name, f.Name},
				}))
		}
		owners[f.Placeholder] = f
	}

	if reflect.PointerTo(t).Implements(tablerType) {
		if name := reflect.New(t).Interface().(Tabler).TableName(); name != "" {
			s.tables = append(s.tables, name)
		}
	}
	return s, nil
}

func (s *Schema) collect(t reflect.Type, parent []int) {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		tag := sf.Tag.Get(TagName)
		index := append(append([]int{}, parent...), i)

		if sf.Name == "_" {
			if name, ok := strings.CutPrefix(tag, "table:"); ok {
				s.tables = append(s.tables, strings.TrimSpace(name))
			}
			continue
		}
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if sf.Anonymous && name == "" && sf.Type.Kind() == reflect.Struct {
			// promote embedded struct fields, exported or not
			s.collect(sf.Type, index)
			continue
		}
		if !sf.IsExported() {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		if _, dup := s.byName[name]; dup {
			continue
		}
		f := &Field{
			Name:        name,
			GoName:      sf.Name,
			Index:       index,
			Type:        sf.Type,
			Placeholder: Placeholder(name),
		}
		for _, o := range strings.Split(opts, ",") {
			switch strings.TrimSpace(o) {
			case "hash":
				f.Hash = true
				s.hashes = append(s.hashes, f)
			case "range":
				f.Range = true
				s.ranges = append(s.ranges, f)
			case "omitempty":
				f.OmitEmpty = true
			}
		}
		s.Fields = append(s.Fields, f)
		s.byName[name] = f
		s.byGo[sf.Name] = f
	}
}

// Field looks a field up by attribute name or Go field name.
func (s *Schema) Field(name string) *Field {
	if f, ok := s.byName[name]; ok {
		return f
	}
	return s.byGo[name]
}

// Table returns the table identity declared on the type.
func (s *Schema) Table() (string, error) {
	switch len(s.tables) {
	case 1:
		return s.tables[0], nil
	case 0:
		return "", newCodeError(ErrMissingTableAnnotation, "type %v does not declare a table", s.Type)
	default:
		return "", NewError("type declares more than one table", WithCode(ErrMissingTableAnnotation),
			WithContext(map[string]any{"type": s.Type.String(), "tables": s.tables}))
	}
}

// Keys validates and returns the key fields: exactly one hash key and at
// most one range key.
func (s *Schema) Keys() (KeySet, error) {
	switch {
	case len(s.hashes)+len(s.ranges) == 0:
		return KeySet{}, newCodeError(ErrMissingKey, "type %v does not have any key fields defined", s.Type)
	case len(s.hashes) == 0:
		return KeySet{}, newCodeError(ErrMissingKey, "type %v does not define a hash key", s.Type)
	case len(s.hashes) > 1:
		return KeySet{}, newCodeError(ErrMultipleHashKey, "type %v can only have 1 hash key defined", s.Type)
	case len(s.ranges) > 1:
		return KeySet{}, newCodeError(ErrMultipleRangeKey, "type %v can only have 1 range key defined", s.Type)
	}
	ks := KeySet{Hash: s.hashes[0]}
	if len(s.ranges) == 1 {
		ks.Range = s.ranges[0]
	}
	return ks, nil
}

// PlaceholderMap maps every attribute placeholder to its attribute name.
func (s *Schema) PlaceholderMap() map[string]string {
	out := make(map[string]string, len(s.Fields))
	for _, f := range s.Fields {
		out[f.Placeholder] = f.Name
	}
	return out
}

// Placeholder derives the expression attribute name for an attribute:
// "#" followed by the name with its first character lower-cased.
func Placeholder(name string) string {
	if name == "" {
		return "#"
	}
	r, size := utf8.DecodeRuneInString(name)
	return "#" + string(unicode.ToLower(r)) + name[size:]
}

// TableIdentity returns the table name declared on v's type.
func TableIdentity(v any) (string, error) {
	s, err := SchemaOf(v)
	if err != nil {
		return "", err
	}
	return s.Table()
}

// KeyFields returns the validated key fields of v's type.
func KeyFields(v any) (KeySet, error) {
	s, err := SchemaOf(v)
	if err != nil {
		return KeySet{}, err
	}
	return s.Keys()
}

// PlaceholderMap returns the placeholder → attribute map of v's type.
func PlaceholderMap(v any) (map[string]string, error) {
	s, err := SchemaOf(v)
	if err != nil {
		return nil, err
	}
	return s.PlaceholderMap(), nil
}
