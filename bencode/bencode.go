// Package bencode implements the bencode encoding used by .torrent files
// and HTTP tracker responses.
//
// A value is one of: a signed integer, a byte string, an ordered list of
// values, or a dictionary whose keys are byte strings. Dictionaries are
// always encoded with keys in lexicographic byte order; this is
// non-negotiable because the info-digest (see package metainfo) depends on
// byte-exact re-encoding of anything we emit ourselves.
package bencode

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedEOF is returned when the input ends before a value is
	// fully parsed.
	ErrUnexpectedEOF = errors.New("bencode: unexpected eof")
	// ErrMalformedInt is returned when an integer is not a valid decimal,
	// e.g. has a leading zero or a bare "-0".
	ErrMalformedInt = errors.New("bencode: malformed integer")
	// ErrMalformedString is returned when a string's length prefix is
	// invalid.
	ErrMalformedString = errors.New("bencode: malformed string")
	// ErrNonStringKey is returned when a dictionary key is not a string.
	ErrNonStringKey = errors.New("bencode: dictionary key must be a string")
	// ErrTrailingGarbage is returned when bytes remain after a composite
	// value's closing 'e'.
	ErrTrailingGarbage = errors.New("bencode: trailing garbage in composite")
)

// RawMessage holds an encoded bencode value. Unmarshal fills a RawMessage
// field with the canonical re-encoding of the decoded value, which equals
// the source bytes only when the source was itself canonical (dictionary
// keys sorted); it is not a byte-for-byte copy of the source. metainfo does
// not use it for the info-digest: it locates the raw info bytes itself
// (see locateInfoBytes in package metainfo).
type RawMessage []byte

// Kind identifies the type of a decoded Value.
type Kind int

const (
	KindInt Kind = iota
	KindString
	KindList
	KindDict
)

// Value is a decoded bencode value.
type Value struct {
	Kind Kind
	Int  int64
	Str  []byte
	List []Value
	// Dict preserves insertion order from the source so callers that only
	// read (never re-encode) can recover the original key order if they
	// need to. Encode always sorts it.
	Dict []DictEntry
}

// DictEntry is one key/value pair of a decoded dictionary.
type DictEntry struct {
	Key   string
	Value Value
}

// Get returns the value for key and whether it was present.
func (v Value) Get(key string) (Value, bool) {
	for _, e := range v.Dict {
		if e.Key == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindString:
		return string(v.Str)
	case KindList:
		return fmt.Sprintf("%v", v.List)
	case KindDict:
		return fmt.Sprintf("%v", v.Dict)
	default:
		return "<invalid>"
	}
}
