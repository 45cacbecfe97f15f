package chunk

import (
	"bytes"
	"encoding/hex"
	"strconv"
)

// ValueKind identifies the representation of a decoded value.
type ValueKind uint8

// Value kinds.
const (
	KindUint ValueKind = iota + 1
	KindInt
	KindBytes
	KindString
)

// Value is a decoded scalar. Integers live in U (signed values are stored as
// their two's complement bits); bytes and strings live in B.
type Value struct {
	Kind ValueKind `json:"kind" msgpack:"kind"`
	U    uint64    `json:"u,omitempty" msgpack:"u,omitempty"`
	B    []byte    `json:"b,omitempty" msgpack:"b,omitempty"`
}

// UintValue returns an unsigned value.
func UintValue(v uint64) *Value { return &Value{Kind: KindUint, U: v} }

// IntValue returns a signed value.
func IntValue(v int64) *Value { return &Value{Kind: KindInt, U: uint64(v)} } //nolint:gosec // stored as raw bits

// BytesValue returns a raw bytes value.
func BytesValue(b []byte) *Value { return &Value{Kind: KindBytes, B: b} }

// StringValue returns a text value.
func StringValue(s string) *Value { return &Value{Kind: KindString, B: []byte(s)} }

// Int returns the signed interpretation of the value.
func (v *Value) Int() int64 {
	return int64(v.U) //nolint:gosec // raw bits
}

// String renders the value for display.
func (v *Value) String() string {
	if v == nil {
		return ""
	}
	switch v.Kind {
	case KindUint:
		return strconv.FormatUint(v.U, 10)
	case KindInt:
		return strconv.FormatInt(v.Int(), 10)
	case KindString:
		return strconv.Quote(string(v.B))
	case KindBytes:
		return hex.EncodeToString(v.B)
	default:
		return "?"
	}
}

// Clone returns a deep copy.
func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	c := *v
	c.B = bytes.Clone(v.B)
	return &c
}
