package storage

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/mmcgrana/riptide/bencode"
	"github.com/mmcgrana/riptide/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func singleFileInfo(t *testing.T, content []byte, pieceLength int64) *metainfo.Info {
	t.Helper()
	n := (int64(len(content)) + pieceLength - 1) / pieceLength
	var pieces []byte
	for i := int64(0); i < n; i++ {
		start := i * pieceLength
		end := start + pieceLength
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		sum := sha1.Sum(content[start:end])
		pieces = append(pieces, sum[:]...)
	}
	raw := bencode.Encode(bencode.Dict(
		bencode.DictEntry{Key: "length", Value: bencode.Int(int64(len(content)))},
		bencode.DictEntry{Key: "name", Value: bencode.Str("test.bin")},
		bencode.DictEntry{Key: "piece length", Value: bencode.Int(pieceLength)},
		bencode.DictEntry{Key: "pieces", Value: bencode.Value{Kind: bencode.KindString, Str: pieces}},
	))
	info, err := metainfo.NewInfo(raw)
	require.NoError(t, err)
	return info
}

func TestPieceMapWriteVerifyReadRange(t *testing.T) {
	content := make([]byte, 40)
	for i := range content {
		content[i] = byte(i)
	}
	info := singleFileInfo(t, content, 16)
	dir := t.TempDir()
	fs := NewFileStorage(info, dir)
	pm := NewPieceMap(info, fs)

	assert.Equal(t, 3, pm.NumPieces())

	for i := uint32(0); i < 3; i++ {
		piece := pm.Piece(i)
		assert.True(t, pm.StartProgress(i))
		for _, b := range piece.Blocks {
			start := int64(i)*16 + int64(b.Begin)
			data := content[start : start+int64(b.Length)]
			completed, err := pm.PutBlock(i, b.Begin, data)
			require.NoError(t, err)
			if b == piece.Blocks[len(piece.Blocks)-1] {
				assert.True(t, completed)
			}
		}
	}

	assert.True(t, pm.All())
	got, err := pm.ReadRange(0, 40)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// File on disk matches exactly.
	b, err := os.ReadFile(filepath.Join(dir, "test.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, b)
}

func TestPieceMapHashMismatchReturnsToMissing(t *testing.T) {
	content := make([]byte, 16)
	info := singleFileInfo(t, content, 16)
	dir := t.TempDir()
	fs := NewFileStorage(info, dir)
	pm := NewPieceMap(info, fs)

	assert.True(t, pm.StartProgress(0))
	bad := make([]byte, 16)
	bad[0] = 0xFF
	completed, err := pm.PutBlock(0, 0, bad)
	require.NoError(t, err)
	assert.False(t, completed)
	assert.Equal(t, Missing, pm.State(0))
	assert.Equal(t, int64(16), pm.WastedBytes())
}

func TestRangeUnavailableUntilComplete(t *testing.T) {
	content := make([]byte, 32)
	info := singleFileInfo(t, content, 16)
	dir := t.TempDir()
	fs := NewFileStorage(info, dir)
	pm := NewPieceMap(info, fs)

	assert.False(t, pm.IsRangeAvailable(0, 32))
	_, err := pm.ReadRange(0, 32)
	assert.ErrorIs(t, err, ErrRangeUnavailable)

	assert.Equal(t, []uint32{0, 1}, pm.MissingPiecesInRange(0, 32))
}

func TestSelectPrecedence(t *testing.T) {
	content := make([]byte, 64)
	info := singleFileInfo(t, content, 16)
	dir := t.TempDir()
	fs := NewFileStorage(info, dir)
	pm := NewPieceMap(info, fs)

	peerHas := NewBitfield(4)
	peerHas.Set(0)
	peerHas.Set(1)
	peerHas.Set(2)
	peerHas.Set(3)

	pm.SetPriorityPieces([]uint32{2})
	i, ok := pm.Select(peerHas)
	require.True(t, ok)
	assert.Equal(t, uint32(2), i)

	pm.SetPriorityPieces(nil)
	pm.SetSequential(true)
	i, ok = pm.Select(peerHas)
	require.True(t, ok)
	assert.Equal(t, uint32(0), i)
}

func TestSelectReturnsFalseWhenNoneEligible(t *testing.T) {
	content := make([]byte, 16)
	info := singleFileInfo(t, content, 16)
	dir := t.TempDir()
	fs := NewFileStorage(info, dir)
	pm := NewPieceMap(info, fs)

	peerHas := NewBitfield(1) // peer has nothing
	_, ok := pm.Select(peerHas)
	assert.False(t, ok)
}

func TestRecheckIsIdempotentAndFindsHoles(t *testing.T) {
	content := make([]byte, 32)
	for i := range content {
		content[i] = byte(i + 1)
	}
	info := singleFileInfo(t, content, 16)
	dir := t.TempDir()
	fs := NewFileStorage(info, dir)

	require.NoError(t, fs.Preallocate())
	require.NoError(t, fs.WriteAt(content[:16], 0)) // only first piece written

	pm := NewPieceMap(info, fs)
	require.NoError(t, pm.Recheck())
	assert.Equal(t, Complete, pm.State(0))
	assert.Equal(t, Missing, pm.State(1))

	require.NoError(t, pm.Recheck())
	assert.Equal(t, Complete, pm.State(0))
	assert.Equal(t, Missing, pm.State(1))
}

func TestBitfieldWireRoundTrip(t *testing.T) {
	bf := NewBitfield(10)
	bf.Set(0)
	bf.Set(9)
	b := bf.Bytes()
	require.Len(t, b, 2)
	assert.Equal(t, byte(0b10000000), b[0])
	assert.Equal(t, byte(0b01000000), b[1])

	bf2, err := NewBitfieldFromBytes(b, 10)
	require.NoError(t, err)
	assert.True(t, bf2.Test(0))
	assert.True(t, bf2.Test(9))
	assert.False(t, bf2.Test(1))
}
