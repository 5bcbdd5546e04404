// Package peerconn implements the peer wire handshake and the
// per-connection state machine on top of it (spec §4.D), adapted from
// the teacher's btconn dial/accept split and its Peer reader/writer
// goroutine pair.
package peerconn

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Pstr is the protocol identifier string sent in every handshake.
const Pstr = "BitTorrent protocol"

const handshakeLen = 49 + len(Pstr)

// Errors returned while establishing a connection.
var (
	ErrInvalidProtocol  = errors.New("peerconn: invalid protocol identifier")
	ErrInfoHashMismatch = errors.New("peerconn: info hash does not match")
	ErrOwnConnection    = errors.New("peerconn: dropped connection to self")
)

// ExtendedProtocolBit is the reserved-byte bit (BEP 10) advertising
// support for the extension protocol, set whenever we might need to
// fetch metadata over BEP 9.
const ExtendedProtocolBit = 1 << 4 // reserved byte index 5, bit 0x10

// SupportsExtended reports whether a peer's handshake extensions carry
// the BEP 10 bit.
func SupportsExtended(extensions [8]byte) bool {
	return extensions[5]&ExtendedProtocolBit != 0
}

// Handshake is the 68-byte message exchanged before any framed message.
type Handshake struct {
	Extensions [8]byte
	InfoHash   [20]byte
	PeerID     [20]byte
}

func (h Handshake) encode() []byte {
	buf := make([]byte, 0, handshakeLen)
	buf = append(buf, byte(len(Pstr)))
	buf = append(buf, Pstr...)
	buf = append(buf, h.Extensions[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

func readHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return h, err
	}
	if int(lenByte[0]) != len(Pstr) {
		return h, ErrInvalidProtocol
	}
	pstr := make([]byte, len(Pstr))
	if _, err := io.ReadFull(r, pstr); err != nil {
		return h, err
	}
	if string(pstr) != Pstr {
		return h, ErrInvalidProtocol
	}
	if _, err := io.ReadFull(r, h.Extensions[:]); err != nil {
		return h, err
	}
	if _, err := io.ReadFull(r, h.InfoHash[:]); err != nil {
		return h, err
	}
	if _, err := io.ReadFull(r, h.PeerID[:]); err != nil {
		return h, err
	}
	return h, nil
}

// HandshakeTimeout bounds how long Dial/Accept wait for the peer's half of
// the handshake.
var HandshakeTimeout = 30 * time.Second

// Dial opens an outgoing connection to addr, sends our handshake first (we
// are the initiator), then reads and validates the peer's handshake
// against infoHash. ourID and ourExtensions identify us to the peer.
func Dial(ctx Dialer, addr *net.TCPAddr, infoHash, ourID [20]byte, ourExtensions [8]byte) (*Conn, [20]byte, error) {
	nc, err := ctx.DialTCP(addr)
	if err != nil {
		return nil, [20]byte{}, err
	}
	nc.SetDeadline(time.Now().Add(HandshakeTimeout))
	if _, err := nc.Write(Handshake{Extensions: ourExtensions, InfoHash: infoHash, PeerID: ourID}.encode()); err != nil {
		nc.Close()
		return nil, [20]byte{}, err
	}
	peer, err := readHandshake(nc)
	if err != nil {
		nc.Close()
		return nil, [20]byte{}, err
	}
	if peer.InfoHash != infoHash {
		nc.Close()
		return nil, [20]byte{}, ErrInfoHashMismatch
	}
	if peer.PeerID == ourID {
		nc.Close()
		return nil, [20]byte{}, ErrOwnConnection
	}
	nc.SetDeadline(time.Time{})
	return newConn(nc, peer.Extensions, peer.PeerID), peer.PeerID, nil
}

// Dialer abstracts the TCP dial step so tests can substitute an in-memory
// pipe.
type Dialer interface {
	DialTCP(addr *net.TCPAddr) (net.Conn, error)
}

// TCPDialer dials real TCP connections with a connect timeout.
type TCPDialer struct{ Timeout time.Duration }

func (d TCPDialer) DialTCP(addr *net.TCPAddr) (net.Conn, error) {
	return net.DialTimeout("tcp", addr.String(), d.Timeout)
}

// Accept performs the responder's half of the handshake on an incoming
// connection: it reads the peer's handshake first, validates the info
// hash is one we are serving via lookupInfoHash, then replies with ours.
func Accept(nc net.Conn, ourID [20]byte, ourExtensions [8]byte, lookupInfoHash func([20]byte) bool) (*Conn, [20]byte, [20]byte, error) {
	nc.SetDeadline(time.Now().Add(HandshakeTimeout))
	peer, err := readHandshake(nc)
	if err != nil {
		return nil, [20]byte{}, [20]byte{}, err
	}
	if !lookupInfoHash(peer.InfoHash) {
		return nil, [20]byte{}, [20]byte{}, fmt.Errorf("peerconn: unknown info hash from %s", nc.RemoteAddr())
	}
	if peer.PeerID == ourID {
		return nil, [20]byte{}, [20]byte{}, ErrOwnConnection
	}
	if _, err := nc.Write(Handshake{Extensions: ourExtensions, InfoHash: peer.InfoHash, PeerID: ourID}.encode()); err != nil {
		return nil, [20]byte{}, [20]byte{}, err
	}
	nc.SetDeadline(time.Time{})
	return newConn(nc, peer.Extensions, peer.PeerID), peer.InfoHash, peer.PeerID, nil
}

// ClientName decodes the Azureus-style "-XX####-" client tag from a peer
// id, returning ("", false) if id doesn't carry one.
func ClientName(id [20]byte) (string, bool) {
	if id[0] != '-' || id[7] != '-' {
		return "", false
	}
	tag := id[1:3]
	alnum := func(r rune) bool {
		return (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
	}
	if bytes.IndexFunc(tag, func(r rune) bool { return !alnum(r) }) >= 0 {
		return "", false
	}
	return string(tag), true
}
