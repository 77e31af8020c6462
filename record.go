package dynorm

import (
	"reflect"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Item is the wire form of a whole record.
type Item = map[string]types.AttributeValue

// RecordOption tunes EncodeRecord.
type RecordOption func(*recordOpts)

type recordOpts struct {
	excludeKeys bool
}

// ExcludeKeys leaves the hash and range attributes out of the encoded item.
func ExcludeKeys() RecordOption {
	return func(o *recordOpts) { o.excludeKeys = true }
}

// recordValue dereferences entity down to its struct value.
func recordValue(entity any) (reflect.Value, *Schema, error) {
	v := reflect.ValueOf(entity)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return reflect.Value{}, nil, newCodeError(ErrArgument, "nil record of type %T", entity)
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return reflect.Value{}, nil, newCodeError(ErrArgument, "nil record")
	}
	s, err := schemaFor(v.Type())
	if err != nil {
		return reflect.Value{}, nil, err
	}
	return v, s, nil
}

// EncodeRecord encodes every declared attribute of entity. Absent and empty
// values are present as NULL unless the field is tagged omitempty.
func (c *Codec) EncodeRecord(entity any, opts ...RecordOption) (Item, error) {
	var o recordOpts
	for _, fn := range opts {
		fn(&o)
	}
	v, s, err := recordValue(entity)
	if err != nil {
		return nil, err
	}
	return c.encodeFields(s, v, o.excludeKeys)
}

// DecodeRecordInto decodes item into the struct pointed to by out. Nil
// pointers between out and the struct are allocated.
func (c *Codec) DecodeRecordInto(item Item, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return newCodeError(ErrArgument, "decode target must be a non-nil pointer, got %T", out)
	}
	s, err := schemaFor(rv.Type())
	if err != nil {
		return err
	}
	v := rv.Elem()
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	return c.decodeFields(s, item, v)
}

// KeyValues encodes the key attributes of entity. A non-nil hash or rng
// replaces the corresponding field value; it must be convertible to the
// field's type. entity may be a zero value when both overrides are given.
func (c *Codec) KeyValues(entity any, hash, rng any) (Item, error) {
	v, s, err := recordValue(entity)
	if err != nil {
		return nil, err
	}
	keys, err := s.Keys()
	if err != nil {
		return nil, err
	}
	out := make(Item, 2)
	if out[keys.Hash.Name], err = c.keyValue(keys.Hash, v, hash); err != nil {
		return nil, err
	}
	if keys.Range != nil {
		if out[keys.Range.Name], err = c.keyValue(keys.Range, v, rng); err != nil {
			return nil, err
		}
	} else if rng != nil {
		return nil, newCodeError(ErrArgument, "type %v has no range key", s.Type)
	}
	return out, nil
}

func (c *Codec) keyValue(f *Field, record reflect.Value, override any) (types.AttributeValue, error) {
	fv := record.FieldByIndex(f.Index)
	if override != nil {
		ov := reflect.ValueOf(override)
		switch {
		case ov.Type().AssignableTo(f.Type):
		case ov.Type().ConvertibleTo(f.Type) && (ov.Kind() == reflect.String) == (f.Type.Kind() == reflect.String):
			// int -> string would yield a rune, not digits
			ov = ov.Convert(f.Type)
		default:
			return nil, NewError("key override does not match the key field type", WithCode(ErrArgument),
				WithContext(map[string]any{"field": f.Name, "want": f.Type.String(), "got": ov.Type().String()}))
		}
		fv = ov
	}
	av, err := c.EncodeValue(fv)
	if err != nil {
		return nil, withField(err, f.Name)
	}
	return av, nil
}

// EncodeRecord encodes entity with the default codec.
func EncodeRecord(entity any, opts ...RecordOption) (Item, error) {
	return defaultCodec.EncodeRecord(entity, opts...)
}

// DecodeRecord decodes item into a new T with the default codec.
func DecodeRecord[T any](item Item) (T, error) {
	var out T
	err := defaultCodec.DecodeRecordInto(item, &out)
	return out, err
}

// KeyValues encodes the key attributes of entity with the default codec.
func KeyValues(entity any, hash, rng any) (Item, error) {
	return defaultCodec.KeyValues(entity, hash, rng)
}
