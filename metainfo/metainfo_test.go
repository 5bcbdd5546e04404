package metainfo

import (
	"crypto/sha1"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestInfoDigestDeterminism is scenario S1 from the spec: the info-digest
// must equal the hash of the exact bytes the decoder consumed for "info",
// not a re-encoding of the parsed fields.
func TestInfoDigestDeterminism(t *testing.T) {
	digest20 := strings.Repeat("A", 20)
	src := "d8:announce3:foo4:infod4:name4:spam12:piece lengthi16384e6:pieces20:" +
		digest20 + "6:lengthi16384eee"
	expectedInfoBytes := "d4:name4:spam12:piece lengthi16384e6:pieces20:" +
		digest20 + "6:lengthi16384ee"

	mi, err := Parse([]byte(src))
	require.NoError(t, err)

	wantDigest := sha1.Sum([]byte(expectedInfoBytes))
	assert.Equal(t, wantDigest, mi.Info.Digest)
	assert.Equal(t, "foo", mi.Announce)
	assert.Equal(t, "spam", mi.Info.Name)
	assert.Equal(t, int64(16384), mi.Info.PieceLength)
	assert.True(t, mi.Info.IsSingleFile())
	assert.Equal(t, int64(16384), mi.Info.TotalLength())
	assert.Equal(t, 1, mi.Info.NumPieces())
}

func TestMultiFileOffsetsAndPieceBoundaries(t *testing.T) {
	// Two 10-byte files, piece length 8: pieces sized 8, 8, 4 (spec scenario S3).
	digests := strings.Repeat("B", 60)
	src := "d4:infod4:name5:movie12:piece lengthi8e6:pieces60:" + digests +
		"5:filesld6:lengthi10e4:pathl5:a.txteed6:lengthi10e4:pathl5:b.txteeeee"
	mi, err := Parse([]byte(src))
	require.NoError(t, err)
	require.Len(t, mi.Info.Files, 2)
	assert.Equal(t, "movie/a.txt", mi.Info.Files[0].Path)
	assert.Equal(t, int64(0), mi.Info.Files[0].Offset)
	assert.Equal(t, "movie/b.txt", mi.Info.Files[1].Path)
	assert.Equal(t, int64(10), mi.Info.Files[1].Offset)
	assert.Equal(t, int64(20), mi.Info.TotalLength())
	assert.Equal(t, 3, mi.Info.NumPieces())
	assert.Equal(t, int64(8), mi.Info.PieceLen(0))
	assert.Equal(t, int64(8), mi.Info.PieceLen(1))
	assert.Equal(t, int64(4), mi.Info.PieceLen(2))
}

func TestMissingRequiredFieldIsInvalidStructure(t *testing.T) {
	_, err := Parse([]byte("d4:infod4:name4:spamee"))
	assert.ErrorIs(t, err, ErrInvalidStructure)
}

func TestMalformedBencodeIsWrapped(t *testing.T) {
	_, err := Parse([]byte("d4:info"))
	var be *ErrBencode
	assert.ErrorAs(t, err, &be)
}

func TestParseMagnetHex(t *testing.T) {
	uri := "magnet:?xt=urn:btih:" + strings.Repeat("ab", 20) + "&dn=My+File&tr=http://tracker1&tr=http://tracker2"
	m, err := ParseMagnet(uri)
	require.NoError(t, err)
	assert.Equal(t, "My File", m.Name)
	assert.Equal(t, []string{"http://tracker1", "http://tracker2"}, m.Trackers)
	assert.Equal(t, strings.Repeat("\xab", 20), string(m.InfoHash[:]))
}

func TestParseMagnetInvalid(t *testing.T) {
	_, err := ParseMagnet("http://example.com")
	assert.ErrorIs(t, err, ErrInvalidMagnet)

	_, err = ParseMagnet("magnet:?dn=no-xt")
	assert.ErrorIs(t, err, ErrInvalidMagnet)
}
