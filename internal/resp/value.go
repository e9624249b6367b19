// Package resp implements the wire codec described in the protocol
// design: a tagged, self-describing serialization with CRLF-delimited
// and length-prefixed frames, plus an out-of-band binary snapshot
// frame used only during replica handshake.
//
// The value space is a closed sum of a dozen shapes. Go has no sum
// types, so Value is a single struct carrying a Kind discriminator
// plus the fields relevant to that Kind; Encode and Decode switch
// exhaustively on Kind rather than leaning on Go's limited
// type-assertion sugar.
package resp

import (
	"bytes"
	"math/big"
)

// Kind discriminates the shape held by a Value.
type Kind int

const (
	SimpleString Kind = iota
	SimpleError
	Integer
	BulkString
	Array
	Null
	Boolean
	Double
	BigNumber
	BulkError
	VerbatimString
	Push
)

// Value is the decoded form of one wire frame.
type Value struct {
	Kind Kind

	Str   string // SimpleString, SimpleError, BulkError, VerbatimString content
	Int   int64  // Integer
	Bulk  []byte // BulkString content; nil together with Null == true means "$-1"
	Null  bool   // BulkString null marker
	Items []Value
	Bool  bool
	Dbl   float64
	Big   *big.Int
}

// NewSimpleString builds a '+' value.
func NewSimpleString(s string) Value { return Value{Kind: SimpleString, Str: s} }

// NewSimpleError builds a '-' value.
func NewSimpleError(s string) Value { return Value{Kind: SimpleError, Str: s} }

// NewInteger builds a ':' value.
func NewInteger(i int64) Value { return Value{Kind: Integer, Int: i} }

// NewBulkString builds a '$' value holding b. A nil b with bulk is
// still a zero-length string, not null; use NewNullBulkString for
// "$-1".
func NewBulkString(b []byte) Value { return Value{Kind: BulkString, Bulk: b} }

// NewBulkStringFromString is a convenience wrapper.
func NewBulkStringFromString(s string) Value { return NewBulkString([]byte(s)) }

// NewNullBulkString builds the null "$-1" value.
func NewNullBulkString() Value { return Value{Kind: BulkString, Null: true} }

// NewArray builds a '*' value.
func NewArray(items []Value) Value { return Value{Kind: Array, Items: items} }

// NewNull builds a '_' value.
func NewNull() Value { return Value{Kind: Null} }

// NewBoolean builds a '#' value.
func NewBoolean(b bool) Value { return Value{Kind: Boolean, Bool: b} }

// NewDouble builds a ',' value.
func NewDouble(f float64) Value { return Value{Kind: Double, Dbl: f} }

// NewBigNumber builds a '(' value.
func NewBigNumber(n *big.Int) Value { return Value{Kind: BigNumber, Big: n} }

// NewBulkError builds a '!' value.
func NewBulkError(s string) Value { return Value{Kind: BulkError, Str: s} }

// NewVerbatimString builds a '=' value.
func NewVerbatimString(s string) Value { return Value{Kind: VerbatimString, Str: s} }

// NewPush builds a '>' value.
func NewPush(items []Value) Value { return Value{Kind: Push, Items: items} }

// IsNullBulk reports whether v is a "$-1" null bulk string.
func (v Value) IsNullBulk() bool { return v.Kind == BulkString && v.Null }

// BulkStrings converts an Array of BulkString values into plain
// strings. It returns false if v is not an Array of bulk strings.
func (v Value) BulkStrings() ([]string, bool) {
	if v.Kind != Array {
		return nil, false
	}
	out := make([]string, len(v.Items))
	for i, item := range v.Items {
		if item.Kind != BulkString || item.Null {
			return nil, false
		}
		out[i] = string(item.Bulk)
	}
	return out, true
}

// Equal reports structural equality, used by the codec's round-trip
// tests. Verbatim strings and bulk errors are not required to
// round-trip through client-visible APIs, but Equal still compares
// them for the codec's own unit tests.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case SimpleString, SimpleError, BulkError, VerbatimString:
		return v.Str == o.Str
	case Integer:
		return v.Int == o.Int
	case BulkString:
		if v.Null != o.Null {
			return false
		}
		if v.Null {
			return true
		}
		return bytes.Equal(v.Bulk, o.Bulk)
	case Array, Push:
		if len(v.Items) != len(o.Items) {
			return false
		}
		for i := range v.Items {
			if !v.Items[i].Equal(o.Items[i]) {
				return false
			}
		}
		return true
	case Null:
		return true
	case Boolean:
		return v.Bool == o.Bool
	case Double:
		return v.Dbl == o.Dbl
	case BigNumber:
		if v.Big == nil || o.Big == nil {
			return v.Big == o.Big
		}
		return v.Big.Cmp(o.Big) == 0
	}
	return false
}
