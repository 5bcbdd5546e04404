package peerconn

import (
	"net"
	"testing"
	"time"

	"github.com/mmcgrana/riptide/peerwire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipeDialer struct{ other net.Conn }

func (d pipeDialer) DialTCP(addr *net.TCPAddr) (net.Conn, error) { return d.other, nil }

func TestHandshakeAndMessageExchange(t *testing.T) {
	clientSide, serverSide := net.Pipe()

	var infoHash [20]byte
	copy(infoHash[:], "01234567890123456789")
	var clientID, serverID [20]byte
	copy(clientID[:], "-RP0001-clientclient")
	copy(serverID[:], "-RP0001-serverserver")

	type dialResult struct {
		conn *Conn
		id   [20]byte
		err  error
	}
	dialDone := make(chan dialResult, 1)
	go func() {
		c, id, err := Dial(pipeDialer{other: clientSide}, &net.TCPAddr{}, infoHash, clientID, [8]byte{})
		dialDone <- dialResult{c, id, err}
	}()

	type acceptResult struct {
		conn *Conn
		ih   [20]byte
		id   [20]byte
		err  error
	}
	acceptDone := make(chan acceptResult, 1)
	go func() {
		c, ih, id, err := Accept(serverSide, serverID, [8]byte{}, func(h [20]byte) bool { return h == infoHash })
		acceptDone <- acceptResult{c, ih, id, err}
	}()

	dr := <-dialDone
	ar := <-acceptDone
	require.NoError(t, dr.err)
	require.NoError(t, ar.err)
	assert.Equal(t, serverID, dr.id)
	assert.Equal(t, clientID, ar.id)
	assert.Equal(t, infoHash, ar.ih)

	clientConn, serverConn := dr.conn, ar.conn
	go clientConn.Run()
	go serverConn.Run()
	defer clientConn.Close()
	defer serverConn.Close()

	clientConn.Send(peerwire.InterestedMsg{})
	select {
	case m := <-serverConn.Messages():
		assert.Equal(t, peerwire.InterestedMsg{}, m)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	assert.True(t, serverConn.State().PeerInterested)
}

func TestInfoHashMismatchRejected(t *testing.T) {
	old := HandshakeTimeout
	HandshakeTimeout = 200 * time.Millisecond
	defer func() { HandshakeTimeout = old }()

	clientSide, serverSide := net.Pipe()

	var wantHash, actualHash [20]byte
	copy(wantHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(actualHash[:], "bbbbbbbbbbbbbbbbbbbb")
	var clientID, serverID [20]byte
	copy(clientID[:], "-RP0001-clientclient")
	copy(serverID[:], "-RP0001-serverserver")

	go func() {
		Accept(serverSide, serverID, [8]byte{}, func(h [20]byte) bool { return h == actualHash })
	}()

	_, _, err := Dial(pipeDialer{other: clientSide}, &net.TCPAddr{}, wantHash, clientID, [8]byte{})
	assert.Error(t, err)
}

func TestClientNameParsesAzureusTag(t *testing.T) {
	var id [20]byte
	copy(id[:], "-RP0001-abcdefghijkl")
	name, ok := ClientName(id)
	require.True(t, ok)
	assert.Equal(t, "RP", name)
}
