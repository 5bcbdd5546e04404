// Package peerwire implements the peer wire protocol's message framing
// (spec §4.D): the length-prefixed frame format and the ten message types,
// modeled as a tagged union (a Go interface with one concrete type per id)
// rather than a class hierarchy, per the spec's own design note.
package peerwire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageID identifies a message's wire type.
type MessageID byte

// Message ids, per spec §4.D's table.
const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Port          MessageID = 9

	// Extended is BEP 10's extension protocol message id. The engine only
	// speaks it for the BEP 9 metadata extension used to fetch a magnet's
	// info dictionary (spec §9's "magnet metadata fetch" decision); it is
	// not one of the spec's ten core message types.
	Extended MessageID = 20
)

// MaxBlockLength is the largest length a Request may legally ask for
// (2^17 bytes, spec §4.D).
const MaxBlockLength = 1 << 17

// MaxFrameLength rejects any frame whose declared length exceeds this,
// regardless of message id (spec §4.D "oversize frames").
const MaxFrameLength = 16 * 1024 * 1024

// Errors returned while decoding frames.
var (
	ErrUnknownMessageID = errors.New("peerwire: unknown message id")
	ErrFrameTooLarge    = errors.New("peerwire: frame exceeds maximum size")
	ErrMalformedBody    = errors.New("peerwire: malformed message body")
)

// Message is the tagged union of all peer wire messages. nil represents a
// keep-alive (a frame of length 0, with no id byte).
type Message interface {
	ID() MessageID
	// Encode appends this message's body (not the length prefix or id
	// byte) to buf and returns the result.
	Encode(buf []byte) []byte
}

type ChokeMsg struct{}
type UnchokeMsg struct{}
type InterestedMsg struct{}
type NotInterestedMsg struct{}

type HaveMsg struct{ Index uint32 }

type BitfieldMsg struct{ Data []byte }

type RequestMsg struct {
	Index, Begin, Length uint32
}

type PieceMsg struct {
	Index, Begin uint32
	Block        []byte
}

type CancelMsg struct {
	Index, Begin, Length uint32
}

type PortMsg struct{ Port uint16 }

// ExtendedMsg carries a BEP 10 extension message: ExtendedID 0 is the
// handshake, any other value is a per-peer-assigned extension (BEP 9
// metadata uses whatever id the peer's handshake assigned it).
type ExtendedMsg struct {
	ExtendedID byte
	Payload    []byte
}

func (ChokeMsg) ID() MessageID         { return Choke }
func (UnchokeMsg) ID() MessageID       { return Unchoke }
func (InterestedMsg) ID() MessageID    { return Interested }
func (NotInterestedMsg) ID() MessageID { return NotInterested }
func (HaveMsg) ID() MessageID          { return Have }
func (BitfieldMsg) ID() MessageID      { return Bitfield }
func (RequestMsg) ID() MessageID       { return Request }
func (PieceMsg) ID() MessageID         { return Piece }
func (CancelMsg) ID() MessageID        { return Cancel }
func (PortMsg) ID() MessageID          { return Port }
func (ExtendedMsg) ID() MessageID      { return Extended }

func (ChokeMsg) Encode(buf []byte) []byte         { return buf }
func (UnchokeMsg) Encode(buf []byte) []byte       { return buf }
func (InterestedMsg) Encode(buf []byte) []byte    { return buf }
func (NotInterestedMsg) Encode(buf []byte) []byte { return buf }

func (m HaveMsg) Encode(buf []byte) []byte {
	return appendU32(buf, m.Index)
}

func (m BitfieldMsg) Encode(buf []byte) []byte {
	return append(buf, m.Data...)
}

func (m RequestMsg) Encode(buf []byte) []byte {
	buf = appendU32(buf, m.Index)
	buf = appendU32(buf, m.Begin)
	return appendU32(buf, m.Length)
}

func (m PieceMsg) Encode(buf []byte) []byte {
	buf = appendU32(buf, m.Index)
	buf = appendU32(buf, m.Begin)
	return append(buf, m.Block...)
}

func (m CancelMsg) Encode(buf []byte) []byte {
	buf = appendU32(buf, m.Index)
	buf = appendU32(buf, m.Begin)
	return appendU32(buf, m.Length)
}

func (m PortMsg) Encode(buf []byte) []byte {
	return append(buf, byte(m.Port>>8), byte(m.Port))
}

func (m ExtendedMsg) Encode(buf []byte) []byte {
	buf = append(buf, m.ExtendedID)
	return append(buf, m.Payload...)
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// WriteMessage frames and writes m (nil for a keep-alive) to w.
func WriteMessage(w io.Writer, m Message) error {
	if m == nil {
		var zero [4]byte
		_, err := w.Write(zero[:])
		return err
	}
	body := m.Encode(nil)
	frame := make([]byte, 4+1+len(body))
	binary.BigEndian.PutUint32(frame[0:4], uint32(1+len(body)))
	frame[4] = byte(m.ID())
	copy(frame[5:], body)
	_, err := w.Write(frame)
	return err
}

// ReadMessage reads one framed message from r. A nil, nil result is a
// keep-alive.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}
	if length > MaxFrameLength {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return Decode(MessageID(body[0]), body[1:])
}

// Decode builds the concrete Message for id from its body bytes.
func Decode(id MessageID, body []byte) (Message, error) {
	switch id {
	case Choke:
		return ChokeMsg{}, nil
	case Unchoke:
		return UnchokeMsg{}, nil
	case Interested:
		return InterestedMsg{}, nil
	case NotInterested:
		return NotInterestedMsg{}, nil
	case Have:
		if len(body) != 4 {
			return nil, ErrMalformedBody
		}
		return HaveMsg{Index: binary.BigEndian.Uint32(body)}, nil
	case Bitfield:
		data := make([]byte, len(body))
		copy(data, body)
		return BitfieldMsg{Data: data}, nil
	case Request:
		if len(body) != 12 {
			return nil, ErrMalformedBody
		}
		m := RequestMsg{
			Index:  binary.BigEndian.Uint32(body[0:4]),
			Begin:  binary.BigEndian.Uint32(body[4:8]),
			Length: binary.BigEndian.Uint32(body[8:12]),
		}
		if m.Length > MaxBlockLength {
			return nil, fmt.Errorf("peerwire: request length %d exceeds maximum", m.Length)
		}
		return m, nil
	case Piece:
		if len(body) < 8 {
			return nil, ErrMalformedBody
		}
		block := make([]byte, len(body)-8)
		copy(block, body[8:])
		return PieceMsg{
			Index: binary.BigEndian.Uint32(body[0:4]),
			Begin: binary.BigEndian.Uint32(body[4:8]),
			Block: block,
		}, nil
	case Cancel:
		if len(body) != 12 {
			return nil, ErrMalformedBody
		}
		return CancelMsg{
			Index:  binary.BigEndian.Uint32(body[0:4]),
			Begin:  binary.BigEndian.Uint32(body[4:8]),
			Length: binary.BigEndian.Uint32(body[8:12]),
		}, nil
	case Port:
		if len(body) != 2 {
			return nil, ErrMalformedBody
		}
		return PortMsg{Port: binary.BigEndian.Uint16(body)}, nil
	case Extended:
		if len(body) < 1 {
			return nil, ErrMalformedBody
		}
		payload := make([]byte, len(body)-1)
		copy(payload, body[1:])
		return ExtendedMsg{ExtendedID: body[0], Payload: payload}, nil
	default:
		return nil, ErrUnknownMessageID
	}
}
