/*
Package dynorm – wire values.

The wire value exchanged with the store is the SDK's types.AttributeValue
union. This file only classifies and constructs members of it.
*/
package dynorm

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Kind names the populated member of a wire value.
type Kind int

const (
	KindInvalid Kind = iota
	KindString
	KindNumber
	KindBoolean
	KindBinary
	KindNull
	KindMap
	KindList
	KindStringSet
	KindNumberSet
	KindBinarySet
)

var kindNames = [...]string{
	KindInvalid:   "invalid",
	KindString:    "S",
	KindNumber:    "N",
	KindBoolean:   "BOOL",
	KindBinary:    "B",
	KindNull:      "NULL",
	KindMap:       "M",
	KindList:      "L",
	KindStringSet: "SS",
	KindNumberSet: "NS",
	KindBinarySet: "BS",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "invalid"
}

// WireKind classifies av. A nil value reports KindInvalid.
func WireKind(av types.AttributeValue) Kind {
	switch av.(type) {
	case *types.AttributeValueMemberS:
		return KindString
	case *types.AttributeValueMemberN:
		return KindNumber
	case *types.AttributeValueMemberBOOL:
		return KindBoolean
	case *types.AttributeValueMemberB:
		return KindBinary
	case *types.AttributeValueMemberNULL:
		return KindNull
	case *types.AttributeValueMemberM:
		return KindMap
	case *types.AttributeValueMemberL:
		return KindList
	case *types.AttributeValueMemberSS:
		return KindStringSet
	case *types.AttributeValueMemberNS:
		return KindNumberSet
	case *types.AttributeValueMemberBS:
		return KindBinarySet
	}
	return KindInvalid
}

// NullValue returns the payload-less NULL member.
func NullValue() types.AttributeValue {
	return &types.AttributeValueMemberNULL{Value: true}
}

// IsNull reports whether av is absent or the NULL member.
func IsNull(av types.AttributeValue) bool {
	if av == nil {
		return true
	}
	n, ok := av.(*types.AttributeValueMemberNULL)
	return ok && n.Value
}

func stringValue(s string) types.AttributeValue { return &types.AttributeValueMemberS{Value: s} }
func numberValue(n string) types.AttributeValue { return &types.AttributeValueMemberN{Value: n} }

func wireMismatch(av types.AttributeValue, want Kind) *Error {
	return NewError("wire value kind mismatch", WithCode(ErrParse),
		WithContext(map[string]any{"want": want.String(), "got": WireKind(av).String()}))
}
