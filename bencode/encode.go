package bencode

import (
	"bytes"
	"sort"
	"strconv"
)

// Encode writes v's canonical bencode representation: dictionary keys are
// always emitted in lexicographic byte order, regardless of Value.Dict's
// original order.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encodeValue(&buf, v)
	return buf.Bytes()
}

func encodeValue(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case KindInt:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.Int, 10))
		buf.WriteByte('e')
	case KindString:
		buf.WriteString(strconv.Itoa(len(v.Str)))
		buf.WriteByte(':')
		buf.Write(v.Str)
	case KindList:
		buf.WriteByte('l')
		for _, e := range v.List {
			encodeValue(buf, e)
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		entries := make([]DictEntry, len(v.Dict))
		copy(entries, v.Dict)
		sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
		for _, e := range entries {
			encodeValue(buf, Value{Kind: KindString, Str: []byte(e.Key)})
			encodeValue(buf, e.Value)
		}
		buf.WriteByte('e')
	}
}

// EncodeString is a convenience for encoding a raw byte string.
func EncodeString(s []byte) []byte {
	return Encode(Value{Kind: KindString, Str: s})
}

// EncodeInt is a convenience for encoding an integer.
func EncodeInt(n int64) []byte {
	return Encode(Value{Kind: KindInt, Int: n})
}

// Dict builds a KindDict Value from a set of entries, in the given order
// (Encode will still sort keys on output).
func Dict(entries ...DictEntry) Value {
	return Value{Kind: KindDict, Dict: entries}
}

// List builds a KindList Value.
func List(items ...Value) Value {
	return Value{Kind: KindList, List: items}
}

// Str builds a KindString Value.
func Str(s string) Value {
	return Value{Kind: KindString, Str: []byte(s)}
}

// Int builds a KindInt Value.
func Int(n int64) Value {
	return Value{Kind: KindInt, Int: n}
}
