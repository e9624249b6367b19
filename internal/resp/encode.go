package resp

import (
	"fmt"
	"io"
	"math/big"
	"strconv"
)

// Encode writes v's wire representation to w.
func Encode(w io.Writer, v Value) error {
	_, err := w.Write(EncodeBytes(v))
	return err
}

// EncodeBytes returns v's exact wire representation. The executor
// uses the length of this slice both to size the propagation queue
// entry and to advance master_repl_offset, so encoding always goes
// through this single total function rather than writer-side
// formatting sprinkled across call sites.
func EncodeBytes(v Value) []byte {
	switch v.Kind {
	case SimpleString:
		return []byte("+" + v.Str + "\r\n")
	case SimpleError:
		return []byte("-" + v.Str + "\r\n")
	case Integer:
		return []byte(":" + strconv.FormatInt(v.Int, 10) + "\r\n")
	case BulkString:
		if v.Null {
			return []byte("$-1\r\n")
		}
		out := make([]byte, 0, len(v.Bulk)+16)
		out = append(out, '$')
		out = strconv.AppendInt(out, int64(len(v.Bulk)), 10)
		out = append(out, '\r', '\n')
		out = append(out, v.Bulk...)
		out = append(out, '\r', '\n')
		return out
	case Array:
		return encodeArrayLike('*', v.Items)
	case Null:
		return []byte("_\r\n")
	case Boolean:
		if v.Bool {
			return []byte("#t\r\n")
		}
		return []byte("#f\r\n")
	case Double:
		return []byte("," + strconv.FormatFloat(v.Dbl, 'g', -1, 64) + "\r\n")
	case BigNumber:
		n := v.Big
		if n == nil {
			n = big.NewInt(0)
		}
		return []byte("(" + n.String() + "\r\n")
	case BulkError:
		return encodeLengthPrefixed('!', v.Str)
	case VerbatimString:
		return encodeLengthPrefixed('=', v.Str)
	case Push:
		return encodeArrayLike('>', v.Items)
	}
	panic(fmt.Sprintf("resp: unknown Kind %d", v.Kind))
}

func encodeArrayLike(tag byte, items []Value) []byte {
	out := make([]byte, 0, 32)
	out = append(out, tag)
	out = strconv.AppendInt(out, int64(len(items)), 10)
	out = append(out, '\r', '\n')
	for _, item := range items {
		out = append(out, EncodeBytes(item)...)
	}
	return out
}

func encodeLengthPrefixed(tag byte, s string) []byte {
	out := make([]byte, 0, len(s)+16)
	out = append(out, tag)
	out = strconv.AppendInt(out, int64(len(s)), 10)
	out = append(out, '\r', '\n')
	out = append(out, s...)
	out = append(out, '\r', '\n')
	return out
}

// EncodeSnapshot builds the binary snapshot frame: "$<len>\r\n<raw>"
// with no trailing CRLF. It shares the '$' tag with BulkString but is
// only ever produced at PSYNC time, never through the generic Encode
// path.
func EncodeSnapshot(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+16)
	out = append(out, '$')
	out = strconv.AppendInt(out, int64(len(payload)), 10)
	out = append(out, '\r', '\n')
	out = append(out, payload...)
	return out
}
