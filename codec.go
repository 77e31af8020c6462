/*
Package dynorm – attribute codec.

Codec converts Go values of a known declared type to and from wire values.
Dispatch is a switch over the closed FieldKind set; custom converters are
registered when the Codec is built and never change afterwards, so a Codec
is safe for concurrent use without locking.
*/
package dynorm

import (
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TimeFormat is the text layout of time.Time values on the wire.
const TimeFormat = time.RFC3339Nano

// Char is a single character. It is stored as its numeric code point.
type Char rune

// FieldKind is the closed set of value families the codec understands.
type FieldKind int

const (
	KindUnsupported FieldKind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindDecimal
	KindChar
	KindTime
	KindUUID
	KindText
	KindBytes
	KindNullable
	KindSlice
	KindArray
	KindAssoc
	KindStruct
	KindDynamic
	KindCustom
	KindMarshaler
)

var fieldKindNames = [...]string{
	KindUnsupported: "unsupported",
	KindBool:        "bool",
	KindInt:         "int",
	KindUint:        "uint",
	KindFloat:       "float",
	KindDecimal:     "decimal",
	KindChar:        "char",
	KindTime:        "time",
	KindUUID:        "uuid",
	KindText:        "text",
	KindBytes:       "bytes",
	KindNullable:    "nullable",
	KindSlice:       "slice",
	KindArray:       "array",
	KindAssoc:       "map",
	KindStruct:      "struct",
	KindDynamic:     "dynamic",
	KindCustom:      "custom",
	KindMarshaler:   "marshaler",
}

func (k FieldKind) String() string {
	if int(k) < len(fieldKindNames) {
		return fieldKindNames[k]
	}
	return "unsupported"
}

// numeric reports whether values of the kind are carried in N / NS.
func (k FieldKind) numeric() bool {
	switch k {
	case KindInt, KindUint, KindFloat, KindDecimal, KindChar:
		return true
	}
	return false
}

// Converter encodes and decodes one registered Go type. Decode receives a
// settable value of that type.
type Converter interface {
	Encode(v reflect.Value) (types.AttributeValue, error)
	Decode(av types.AttributeValue, v reflect.Value) error
}

// ConverterFuncs adapts a pair of functions to Converter.
type ConverterFuncs struct {
	EncodeFunc func(v reflect.Value) (types.AttributeValue, error)
	DecodeFunc func(av types.AttributeValue, v reflect.Value) error
}

func (c ConverterFuncs) Encode(v reflect.Value) (types.AttributeValue, error) { return c.EncodeFunc(v) }
func (c ConverterFuncs) Decode(av types.AttributeValue, v reflect.Value) error {
	return c.DecodeFunc(av, v)
}

// CodecOption configures a Codec at construction.
type CodecOption func(*Codec)

// WithConverter registers conv for values of exactly type t.
func WithConverter(t reflect.Type, conv Converter) CodecOption {
	return func(c *Codec) { c.converters[t] = conv }
}

// Codec is the attribute codec.
type Codec struct {
	converters map[reflect.Type]Converter
}

// NewCodec builds a Codec. The converter table is frozen once it returns.
func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{converters: map[reflect.Type]Converter{}}
	for _, o := range opts {
		o(c)
	}
	return c
}

var defaultCodec = NewCodec()

// DefaultCodec returns the process-wide codec with no custom converters.
func DefaultCodec() *Codec { return defaultCodec }

var (
	timeType      = reflect.TypeOf(time.Time{})
	uuidType      = reflect.TypeOf(uuid.UUID{})
	decimalType   = reflect.TypeOf(decimal.Decimal{})
	charType      = reflect.TypeOf(Char(0))
	marshalerType = reflect.TypeOf((*attributevalue.Marshaler)(nil)).Elem()
	unmarshalType = reflect.TypeOf((*attributevalue.Unmarshaler)(nil)).Elem()
)

// KindOf classifies t.
func (c *Codec) KindOf(t reflect.Type) FieldKind {
	if _, ok := c.converters[t]; ok {
		return KindCustom
	}
	switch t {
	case timeType:
		return KindTime
	case uuidType:
		return KindUUID
	case decimalType:
		return KindDecimal
	case charType:
		return KindChar
	}
	if t.Kind() != reflect.Pointer && t.Kind() != reflect.Interface {
		pt := reflect.PointerTo(t)
		if pt.Implements(marshalerType) || pt.Implements(unmarshalType) {
			return KindMarshaler
		}
	}
	switch t.Kind() {
	case reflect.Bool:
		return KindBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return KindInt
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return KindUint
	case reflect.Float32, reflect.Float64:
		return KindFloat
	case reflect.String:
		return KindText
	case reflect.Pointer:
		return KindNullable
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return KindBytes
		}
		return KindSlice
	case reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return KindBytes
		}
		return KindArray
	case reflect.Map:
		if t.Key().Kind() == reflect.String {
			return KindAssoc
		}
	case reflect.Struct:
		return KindStruct
	case reflect.Interface:
		return KindDynamic
	}
	return KindUnsupported
}

func unsupported(t reflect.Type) *Error {
	return NewError("type is not supported by the codec", WithCode(ErrUnsupportedType),
		WithContext(map[string]any{"type": t.String()}))
}

// Encode converts v, using its dynamic type as the declared type. A nil v
// encodes to NULL.
func (c *Codec) Encode(v any) (types.AttributeValue, error) {
	if v == nil {
		return NullValue(), nil
	}
	return c.EncodeValue(reflect.ValueOf(v))
}

// EncodeValue converts v according to v.Type().
func (c *Codec) EncodeValue(v reflect.Value) (types.AttributeValue, error) {
	t := v.Type()
	switch c.KindOf(t) {
	case KindBool:
		return &types.AttributeValueMemberBOOL{Value: v.Bool()}, nil
	case KindInt:
		return numberValue(strconv.FormatInt(v.Int(), 10)), nil
	case KindUint:
		return numberValue(strconv.FormatUint(v.Uint(), 10)), nil
	case KindFloat:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, NewError("non-finite number cannot be stored", WithCode(ErrArgument),
				WithContext(map[string]any{"value": f}))
		}
		return numberValue(strconv.FormatFloat(f, 'g', -1, t.Bits())), nil
	case KindDecimal:
		return numberValue(v.Interface().(decimal.Decimal).String()), nil
	case KindChar:
		return numberValue(strconv.FormatInt(v.Int(), 10)), nil
	case KindTime:
		return stringValue(v.Interface().(time.Time).UTC().Format(TimeFormat)), nil
	case KindUUID:
		return stringValue(v.Interface().(uuid.UUID).String()), nil
	case KindText:
		s := v.String()
		if strings.TrimSpace(s) == "" {
			return NullValue(), nil
		}
		return stringValue(s), nil
	case KindBytes:
		if v.Len() == 0 {
			return NullValue(), nil
		}
		b := make([]byte, v.Len())
		reflect.Copy(reflect.ValueOf(b), v)
		return &types.AttributeValueMemberB{Value: b}, nil
	case KindNullable, KindDynamic:
		if v.IsNil() {
			return NullValue(), nil
		}
		return c.EncodeValue(v.Elem())
	case KindSlice:
		if v.IsNil() || v.Len() == 0 {
			return NullValue(), nil
		}
		return c.encodeSequence(v)
	case KindArray:
		if v.Len() == 0 {
			return NullValue(), nil
		}
		return c.encodeSequence(v)
	case KindAssoc:
		if v.IsNil() || v.Len() == 0 {
			return NullValue(), nil
		}
		m := make(map[string]types.AttributeValue, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			av, err := c.EncodeValue(iter.Value())
			if err != nil {
				return nil, err
			}
			m[iter.Key().String()] = av
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	case KindStruct:
		s, err := schemaFor(t)
		if err != nil {
			return nil, err
		}
		m, err := c.encodeFields(s, v, false)
		if err != nil {
			return nil, err
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	case KindCustom:
		return c.converters[t].Encode(v)
	case KindMarshaler:
		av, err := attributevalue.Marshal(addressable(v).Addr().Interface())
		if err != nil {
			return nil, NewError("custom marshaler failed", WithCode(ErrArgument), WithCause(err),
				WithContext(map[string]any{"type": t.String()}))
		}
		return av, nil
	}
	return nil, unsupported(t)
}

// encodeSequence emits SS for text elements, NS for numeric elements and L
// for everything else. Sets hold each member once, in first-seen order; nil
// elements and blank strings are skipped.
func (c *Codec) encodeSequence(v reflect.Value) (types.AttributeValue, error) {
	et := v.Type().Elem()
	base := et
	if base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	ek := c.KindOf(base)

	if ek == KindText || ek.numeric() {
		items := make([]string, 0, v.Len())
		seen := make(map[string]struct{}, v.Len())
		for i := 0; i < v.Len(); i++ {
			e := v.Index(i)
			if e.Kind() == reflect.Pointer {
				if e.IsNil() {
					continue
				}
				e = e.Elem()
			}
			av, err := c.EncodeValue(e)
			if err != nil {
				return nil, err
			}
			var member string
			switch x := av.(type) {
			case *types.AttributeValueMemberN:
				member = x.Value
			case *types.AttributeValueMemberS:
				member = x.Value
			default:
				continue
			}
			if _, dup := seen[member]; dup {
				continue
			}
			seen[member] = struct{}{}
			items = append(items, member)
		}
		if len(items) == 0 {
			return NullValue(), nil
		}
		if ek == KindText {
			return &types.AttributeValueMemberSS{Value: items}, nil
		}
		return &types.AttributeValueMemberNS{Value: items}, nil
	}

	if ek == KindUnsupported {
		return nil, unsupported(et)
	}
	list := make([]types.AttributeValue, v.Len())
	for i := range list {
		av, err := c.EncodeValue(v.Index(i))
		if err != nil {
			return nil, err
		}
		list[i] = av
	}
	return &types.AttributeValueMemberL{Value: list}, nil
}

// encodeFields encodes every schema field of the struct value v.
func (c *Codec) encodeFields(s *Schema, v reflect.Value, excludeKeys bool) (map[string]types.AttributeValue, error) {
	out := make(map[string]types.AttributeValue, len(s.Fields))
	for _, f := range s.Fields {
		if excludeKeys && (f.Hash || f.Range) {
			continue
		}
		av, err := c.EncodeValue(v.FieldByIndex(f.Index))
		if err != nil {
			return nil, withField(err, f.Name)
		}
		if f.OmitEmpty && IsNull(av) {
			continue
		}
		out[f.Name] = av
	}
	return out, nil
}

// Decode converts av into the value pointed to by out.
func (c *Codec) Decode(av types.AttributeValue, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return newCodeError(ErrArgument, "decode target must be a non-nil pointer, got %T", out)
	}
	return c.DecodeValue(av, rv.Elem())
}

// DecodeAs decodes av into a fresh T.
func DecodeAs[T any](c *Codec, av types.AttributeValue) (T, error) {
	var out T
	err := c.DecodeValue(av, reflect.ValueOf(&out).Elem())
	return out, err
}

// DecodeValue converts av into the settable value v. NULL yields v's zero value.
func (c *Codec) DecodeValue(av types.AttributeValue, v reflect.Value) error {
	t := v.Type()
	kind := c.KindOf(t)
	if kind == KindCustom {
		return c.converters[t].Decode(av, v)
	}
	if IsNull(av) {
		if kind == KindUnsupported {
			return unsupported(t)
		}
		v.Set(reflect.Zero(t))
		return nil
	}

	switch kind {
	case KindBool:
		b, ok := av.(*types.AttributeValueMemberBOOL)
		if !ok {
			return wireMismatch(av, KindBoolean)
		}
		v.SetBool(b.Value)
		return nil
	case KindInt, KindChar:
		n, err := numberText(av)
		if err != nil {
			return err
		}
		i, err := strconv.ParseInt(n, 10, t.Bits())
		if err != nil {
			return parseError(n, t, err)
		}
		v.SetInt(i)
		return nil
	case KindUint:
		n, err := numberText(av)
		if err != nil {
			return err
		}
		u, err := strconv.ParseUint(n, 10, t.Bits())
		if err != nil {
			return parseError(n, t, err)
		}
		v.SetUint(u)
		return nil
	case KindFloat:
		n, err := numberText(av)
		if err != nil {
			return err
		}
		f, err := strconv.ParseFloat(n, t.Bits())
		if err != nil {
			return parseError(n, t, err)
		}
		v.SetFloat(f)
		return nil
	case KindDecimal:
		n, err := numberText(av)
		if err != nil {
			return err
		}
		d, err := decimal.NewFromString(n)
		if err != nil {
			return parseError(n, t, err)
		}
		v.Set(reflect.ValueOf(d))
		return nil
	case KindTime:
		s, ok := av.(*types.AttributeValueMemberS)
		if !ok {
			return wireMismatch(av, KindString)
		}
		tm, err := time.Parse(TimeFormat, s.Value)
		if err != nil {
			return parseError(s.Value, t, err)
		}
		v.Set(reflect.ValueOf(tm))
		return nil
	case KindUUID:
		s, ok := av.(*types.AttributeValueMemberS)
		if !ok {
			return wireMismatch(av, KindString)
		}
		id, err := uuid.Parse(s.Value)
		if err != nil {
			return parseError(s.Value, t, err)
		}
		v.Set(reflect.ValueOf(id))
		return nil
	case KindText:
		s, ok := av.(*types.AttributeValueMemberS)
		if !ok {
			return wireMismatch(av, KindString)
		}
		v.SetString(s.Value)
		return nil
	case KindBytes:
		b, ok := av.(*types.AttributeValueMemberB)
		if !ok {
			return wireMismatch(av, KindBinary)
		}
		if t.Kind() == reflect.Array {
			reflect.Copy(v, reflect.ValueOf(b.Value))
			return nil
		}
		buf := make([]byte, len(b.Value))
		copy(buf, b.Value)
		v.SetBytes(buf)
		return nil
	case KindNullable:
		p := reflect.New(t.Elem())
		if err := c.DecodeValue(av, p.Elem()); err != nil {
			return err
		}
		v.Set(p)
		return nil
	case KindSlice, KindArray:
		return c.decodeSequence(av, v)
	case KindAssoc:
		m, ok := av.(*types.AttributeValueMemberM)
		if !ok {
			return wireMismatch(av, KindMap)
		}
		out := reflect.MakeMapWithSize(t, len(m.Value))
		for k, item := range m.Value {
			e := reflect.New(t.Elem()).Elem()
			if err := c.DecodeValue(item, e); err != nil {
				return withField(err, k)
			}
			out.SetMapIndex(reflect.ValueOf(k).Convert(t.Key()), e)
		}
		v.Set(out)
		return nil
	case KindStruct:
		m, ok := av.(*types.AttributeValueMemberM)
		if !ok {
			return wireMismatch(av, KindMap)
		}
		s, err := schemaFor(t)
		if err != nil {
			return err
		}
		return c.decodeFields(s, m.Value, v)
	case KindDynamic:
		var out any
		if err := attributevalue.Unmarshal(av, &out); err != nil {
			return NewError("cannot decode dynamic value", WithCode(ErrParse), WithCause(err))
		}
		if out == nil {
			v.Set(reflect.Zero(t))
			return nil
		}
		ov := reflect.ValueOf(out)
		if !ov.Type().AssignableTo(t) {
			return unsupported(t)
		}
		v.Set(ov)
		return nil
	case KindMarshaler:
		if err := attributevalue.Unmarshal(av, v.Addr().Interface()); err != nil {
			return NewError("custom unmarshaler failed", WithCode(ErrParse), WithCause(err),
				WithContext(map[string]any{"type": t.String()}))
		}
		return nil
	}
	return unsupported(t)
}

// decodeSequence rebuilds a slice or array from SS, NS, BS or L.
func (c *Codec) decodeSequence(av types.AttributeValue, v reflect.Value) error {
	var items []types.AttributeValue
	switch x := av.(type) {
	case *types.AttributeValueMemberSS:
		items = make([]types.AttributeValue, len(x.Value))
		for i, s := range x.Value {
			items[i] = stringValue(s)
		}
	case *types.AttributeValueMemberNS:
		items = make([]types.AttributeValue, len(x.Value))
		for i, n := range x.Value {
			items[i] = numberValue(n)
		}
	case *types.AttributeValueMemberBS:
		items = make([]types.AttributeValue, len(x.Value))
		for i, b := range x.Value {
			items[i] = &types.AttributeValueMemberB{Value: b}
		}
	case *types.AttributeValueMemberL:
		items = x.Value
	default:
		return wireMismatch(av, KindList)
	}

	t := v.Type()
	if t.Kind() == reflect.Array {
		n := min(len(items), v.Len())
		for i := 0; i < n; i++ {
			if err := c.DecodeValue(items[i], v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	}
	out := reflect.MakeSlice(t, len(items), len(items))
	for i, item := range items {
		if err := c.DecodeValue(item, out.Index(i)); err != nil {
			return err
		}
	}
	v.Set(out)
	return nil
}

// decodeFields sets every field present in m; missing keys keep their value.
func (c *Codec) decodeFields(s *Schema, m map[string]types.AttributeValue, v reflect.Value) error {
	for _, f := range s.Fields {
		av, ok := m[f.Name]
		if !ok {
			continue
		}
		if err := c.DecodeValue(av, v.FieldByIndex(f.Index)); err != nil {
			return withField(err, f.Name)
		}
	}
	return nil
}

func numberText(av types.AttributeValue) (string, error) {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return "", wireMismatch(av, KindNumber)
	}
	return n.Value, nil
}

func parseError(text string, t reflect.Type, cause error) *Error {
	return NewError("cannot parse wire value", WithCode(ErrParse), WithCause(cause),
		WithContext(map[string]any{"text": text, "type": t.String()}))
}

// withField records the attribute path on codec errors as they unwind.
func withField(err error, name string) error {
	e, ok := err.(*Error)
	if !ok {
		return err
	}
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	if prev, ok := e.Context["field"].(string); ok {
		e.Context["field"] = name + "." + prev
	} else {
		e.Context["field"] = name
	}
	return e
}

// addressable returns v itself when addressable, otherwise an addressable copy.
func addressable(v reflect.Value) reflect.Value {
	if v.CanAddr() {
		return v
	}
	p := reflect.New(v.Type()).Elem()
	p.Set(v)
	return p
}
