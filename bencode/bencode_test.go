package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEncodeRoundTrip(t *testing.T) {
	cases := []string{
		"i42e",
		"i-42e",
		"i0e",
		"4:spam",
		"0:",
		"l4:spam4:eggse",
		"le",
		"d3:bar4:spam3:fooi42ee",
		"de",
	}
	for _, c := range cases {
		v, n, err := Decode([]byte(c))
		require.NoError(t, err, c)
		assert.Equal(t, len(c), n)
		got := Encode(v)
		assert.Equal(t, c, string(got), "round trip for %q", c)
	}
}

func TestDecodeConsumedBytesIgnoresTrailingGarbage(t *testing.T) {
	// Decode only consumes the first value; callers use this to slice out
	// exactly the "info" sub-dictionary without re-encoding it.
	src := []byte("d4:name4:spam12:piece lengthi16384eeXXXXX")
	v, n, err := Decode(src)
	require.NoError(t, err)
	assert.Equal(t, len(src)-5, n)
	assert.Equal(t, string(src[:n]), string(Encode(v)))
}

func TestDecodeErrors(t *testing.T) {
	cases := map[string]error{
		"i":        ErrUnexpectedEOF,
		"ie":       ErrMalformedInt,
		"i01e":     ErrMalformedInt,
		"i-0e":     ErrMalformedInt,
		"5:ab":     ErrUnexpectedEOF,
		"di1ei1ee": ErrNonStringKey,
	}
	for in, wantErr := range cases {
		_, _, err := Decode([]byte(in))
		assert.ErrorIs(t, err, wantErr, in)
	}
}

func TestEncodeSortsDictKeys(t *testing.T) {
	v := Dict(
		DictEntry{Key: "zebra", Value: Int(1)},
		DictEntry{Key: "apple", Value: Int(2)},
	)
	assert.Equal(t, "d5:applei2e5:zebrai1ee", string(Encode(v)))
}

type sample struct {
	Name   string     `bencode:"name"`
	Length int64      `bencode:"length"`
	Raw    RawMessage `bencode:"raw"`
}

func TestMarshalUnmarshalStruct(t *testing.T) {
	s := sample{Name: "spam", Length: 16384, Raw: RawMessage("i7e")}
	b, err := Marshal(s)
	require.NoError(t, err)

	var s2 sample
	require.NoError(t, Unmarshal(b, &s2))
	assert.Equal(t, s.Name, s2.Name)
	assert.Equal(t, s.Length, s2.Length)
	assert.Equal(t, "i7e", string(s2.Raw))
}

func TestRawMessagePreservesSourceBytes(t *testing.T) {
	type wrapper struct {
		Info RawMessage `bencode:"info"`
	}
	src := []byte("d4:infod4:name4:spam12:piece lengthi16384eee")
	var w wrapper
	require.NoError(t, Unmarshal(src, &w))
	assert.Equal(t, "d4:name4:spam12:piece lengthi16384ee", string(w.Info))
}
