package peerwire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripEachMessageType(t *testing.T) {
	msgs := []Message{
		ChokeMsg{},
		UnchokeMsg{},
		InterestedMsg{},
		NotInterestedMsg{},
		HaveMsg{Index: 7},
		BitfieldMsg{Data: []byte{0xFF, 0x00}},
		RequestMsg{Index: 1, Begin: 2, Length: 16384},
		PieceMsg{Index: 1, Begin: 0, Block: []byte("hello")},
		CancelMsg{Index: 1, Begin: 2, Length: 16384},
		PortMsg{Port: 6881},
	}
	for _, m := range msgs {
		var buf bytes.Buffer
		require.NoError(t, WriteMessage(&buf, m))
		got, err := ReadMessage(&buf)
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestKeepAliveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, nil))
	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestOversizeFrameRejected(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, nil))
	raw := buf.Bytes()
	// Overwrite the length prefix with something beyond MaxFrameLength.
	big := make([]byte, 4)
	big[0] = 0xFF
	_ = raw
	var bigBuf bytes.Buffer
	bigBuf.Write(big)
	_, err := ReadMessage(&bigBuf)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestRequestOverMaxBlockLengthRejected(t *testing.T) {
	req := RequestMsg{Index: 0, Begin: 0, Length: MaxBlockLength + 1}
	body := req.Encode(nil)
	_, err := Decode(Request, body)
	assert.Error(t, err)
}

func TestUnknownMessageIDRejected(t *testing.T) {
	_, err := Decode(MessageID(200), nil)
	assert.ErrorIs(t, err, ErrUnknownMessageID)
}
