package localstore

import (
	"bytes"
	"fmt"
	"maps"
	"slices"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/vmihailenco/msgpack/v5"
)

type valueTag uint8

const (
	tagS valueTag = iota + 1
	tagN
	tagB
	tagBOOL
	tagNULL
	tagM
	tagL
	tagSS
	tagNS
	tagBS
)

// storedValue is the on-disk form of an attribute value.
type storedValue struct {
	T  valueTag                `msgpack:"t"`
	S  string                  `msgpack:"s,omitempty"`
	B  []byte                  `msgpack:"b,omitempty"`
	Z  bool                    `msgpack:"z,omitempty"`
	M  storedMap               `msgpack:"m,omitempty"`
	L  []*storedValue          `msgpack:"l,omitempty"`
	SS []string                `msgpack:"ss,omitempty"`
	BS [][]byte                `msgpack:"bs,omitempty"`
}

func toStored(av types.AttributeValue) (*storedValue, error) {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return &storedValue{T: tagS, S: v.Value}, nil
	case *types.AttributeValueMemberN:
		return &storedValue{T: tagN, S: v.Value}, nil
	case *types.AttributeValueMemberB:
		return &storedValue{T: tagB, B: v.Value}, nil
	case *types.AttributeValueMemberBOOL:
		return &storedValue{T: tagBOOL, Z: v.Value}, nil
	case *types.AttributeValueMemberNULL:
		return &storedValue{T: tagNULL, Z: v.Value}, nil
	case *types.AttributeValueMemberM:
		m, err := toStoredMap(v.Value)
		if err != nil {
			return nil, err
		}
		return &storedValue{T: tagM, M: m}, nil
	case *types.AttributeValueMemberL:
		l := make([]*storedValue, len(v.Value))
		for i, e := range v.Value {
			sv, err := toStored(e)
			if err != nil {
				return nil, err
			}
			l[i] = sv
		}
		return &storedValue{T: tagL, L: l}, nil
	case *types.AttributeValueMemberSS:
		return &storedValue{T: tagSS, SS: v.Value}, nil
	case *types.AttributeValueMemberNS:
		return &storedValue{T: tagNS, SS: v.Value}, nil
	case *types.AttributeValueMemberBS:
		return &storedValue{T: tagBS, BS: v.Value}, nil
	}
	return nil, fmt.Errorf("localstore: unsupported attribute value %T", av)
}

// storedMap encodes with its keys in sorted order.
type storedMap map[string]*storedValue

func (m storedMap) EncodeMsgpack(enc *msgpack.Encoder) error {
	if m == nil {
		return enc.EncodeNil()
	}
	if err := enc.EncodeMapLen(len(m)); err != nil {
		return err
	}
	for _, k := range slices.Sorted(maps.Keys(m)) {
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := enc.Encode(m[k]); err != nil {
			return err
		}
	}
	return nil
}

func toStoredMap(item map[string]types.AttributeValue) (storedMap, error) {
	out := make(storedMap, len(item))
	for k, av := range item {
		sv, err := toStored(av)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = sv
	}
	return out, nil
}

func (sv *storedValue) attributeValue() types.AttributeValue {
	switch sv.T {
	case tagS:
		return &types.AttributeValueMemberS{Value: sv.S}
	case tagN:
		return &types.AttributeValueMemberN{Value: sv.S}
	case tagB:
		return &types.AttributeValueMemberB{Value: sv.B}
	case tagBOOL:
		return &types.AttributeValueMemberBOOL{Value: sv.Z}
	case tagNULL:
		return &types.AttributeValueMemberNULL{Value: sv.Z}
	case tagM:
		return &types.AttributeValueMemberM{Value: fromStoredMap(sv.M)}
	case tagL:
		l := make([]types.AttributeValue, len(sv.L))
		for i, e := range sv.L {
			l[i] = e.attributeValue()
		}
		return &types.AttributeValueMemberL{Value: l}
	case tagSS:
		return &types.AttributeValueMemberSS{Value: sv.SS}
	case tagNS:
		return &types.AttributeValueMemberNS{Value: sv.SS}
	case tagBS:
		return &types.AttributeValueMemberBS{Value: sv.BS}
	}
	return &types.AttributeValueMemberNULL{Value: true}
}

func fromStoredMap(m storedMap) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(m))
	for k, sv := range m {
		out[k] = sv.attributeValue()
	}
	return out
}

// encodeItem serializes an item. Map keys are written in sorted order at every
// level, so equal items encode to equal bytes.
func encodeItem(item map[string]types.AttributeValue) ([]byte, error) {
	stored, err := toStoredMap(item)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	err = enc.Encode(stored)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("localstore: encode item: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeItem(raw []byte) (map[string]types.AttributeValue, error) {
	var stored storedMap
	dec := msgpack.GetDecoder()
	dec.Reset(bytes.NewReader(raw))
	err := dec.Decode(&stored)
	msgpack.PutDecoder(dec)
	if err != nil {
		return nil, fmt.Errorf("localstore: decode item: %w", err)
	}
	return fromStoredMap(stored), nil
}

// tableMeta is the key schema recorded by CreateTable.
type tableMeta struct {
	Hash  string `msgpack:"h"`
	Range string `msgpack:"r,omitempty"`
}

func encodeMeta(m tableMeta) ([]byte, error) { return msgpack.Marshal(&m) }

func decodeMeta(raw []byte) (tableMeta, error) {
	var m tableMeta
	err := msgpack.Unmarshal(raw, &m)
	return m, err
}
