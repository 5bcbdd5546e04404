package peerconn

import (
	"net"
	"sync"
	"time"

	"github.com/mmcgrana/riptide/internal/logger"
	"github.com/mmcgrana/riptide/peerwire"
	"github.com/mmcgrana/riptide/storage"
)

// InactivityTimeout is how long a connection may go without receiving any
// message, including keep-alives, before it is dropped (spec §4.D).
var InactivityTimeout = 2 * time.Minute

// KeepAliveInterval is how often we send a keep-alive on an otherwise idle
// connection. Half the inactivity timeout, per convention.
var KeepAliveInterval = InactivityTimeout / 2

// State holds the four booleans the wire protocol's choke/interest state
// machine is built from (spec §4.D).
type State struct {
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
}

// DefaultState is the state a freshly handshaken connection starts in:
// both sides choked, neither interested.
func DefaultState() State {
	return State{AmChoking: true, PeerChoking: true}
}

// Conn wraps a handshaken net.Conn with the per-peer state machine: a
// reader goroutine decoding inbound frames onto a channel, a writer
// goroutine serializing outbound sends, and a mutex-guarded State plus
// peer Bitfield. Shutdown follows the teacher's closeC/closedC
// stop-and-acknowledge pattern.
type Conn struct {
	nc         net.Conn
	Extensions [8]byte
	PeerID     [20]byte
	log        logger.Logger

	mu       sync.Mutex
	state    State
	bitfield *storage.Bitfield

	messagesC chan peerwire.Message
	sendC     chan peerwire.Message
	closeC    chan struct{}
	closedC   chan struct{}
	closeOnce sync.Once
}

func newConn(nc net.Conn, extensions [8]byte, peerID [20]byte) *Conn {
	return &Conn{
		nc:         nc,
		Extensions: extensions,
		PeerID:     peerID,
		log:        logger.New("peerconn " + nc.RemoteAddr().String()),
		state:      DefaultState(),
		messagesC:  make(chan peerwire.Message, 64),
		sendC:      make(chan peerwire.Message, 64),
		closeC:     make(chan struct{}),
		closedC:    make(chan struct{}),
	}
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Messages returns the channel inbound decoded messages arrive on. It is
// closed when the connection shuts down.
func (c *Conn) Messages() <-chan peerwire.Message { return c.messagesC }

// Send queues an outbound message. It does not block on the network.
func (c *Conn) Send(m peerwire.Message) {
	select {
	case c.sendC <- m:
	case <-c.closeC:
	}
}

// State returns a snapshot of the choke/interest state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetAmChoking updates our choking of the peer and sends the matching
// message.
func (c *Conn) SetAmChoking(choking bool) {
	c.mu.Lock()
	changed := c.state.AmChoking != choking
	c.state.AmChoking = choking
	c.mu.Unlock()
	if !changed {
		return
	}
	if choking {
		c.Send(peerwire.ChokeMsg{})
	} else {
		c.Send(peerwire.UnchokeMsg{})
	}
}

// SetAmInterested updates our interest in the peer and sends the matching
// message.
func (c *Conn) SetAmInterested(interested bool) {
	c.mu.Lock()
	changed := c.state.AmInterested != interested
	c.state.AmInterested = interested
	c.mu.Unlock()
	if !changed {
		return
	}
	if interested {
		c.Send(peerwire.InterestedMsg{})
	} else {
		c.Send(peerwire.NotInterestedMsg{})
	}
}

// Bitfield returns the peer's last-known have-set, or nil if it hasn't
// sent one yet.
func (c *Conn) Bitfield() *storage.Bitfield {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bitfield
}

// Run starts the reader and writer goroutines and blocks until the
// connection is closed, either by Close or by a protocol/network error.
func (c *Conn) Run() {
	defer close(c.closedC)
	defer close(c.messagesC)

	readerDone := make(chan struct{})
	go func() {
		c.readLoop()
		close(readerDone)
	}()

	writerDone := make(chan struct{})
	go func() {
		c.writeLoop()
		close(writerDone)
	}()

	select {
	case <-c.closeC:
		c.nc.Close()
		<-readerDone
		<-writerDone
	case <-readerDone:
		c.nc.Close()
		c.signalClose()
		<-writerDone
	case <-writerDone:
		c.nc.Close()
		c.signalClose()
		<-readerDone
	}
}

func (c *Conn) signalClose() {
	c.closeOnce.Do(func() { close(c.closeC) })
}

// Close signals shutdown and waits for both goroutines to exit.
func (c *Conn) Close() {
	c.signalClose()
	<-c.closedC
}

func (c *Conn) readLoop() {
	for {
		c.nc.SetReadDeadline(time.Now().Add(InactivityTimeout))
		m, err := peerwire.ReadMessage(c.nc)
		if err != nil {
			return
		}
		if m == nil {
			continue // keep-alive
		}
		if bf, ok := m.(peerwire.BitfieldMsg); ok {
			c.applyBitfield(bf.Data)
		}
		if hv, ok := m.(peerwire.HaveMsg); ok {
			c.applyHave(hv.Index)
		}
		if _, ok := m.(peerwire.ChokeMsg); ok {
			c.mu.Lock()
			c.state.PeerChoking = true
			c.mu.Unlock()
		}
		if _, ok := m.(peerwire.UnchokeMsg); ok {
			c.mu.Lock()
			c.state.PeerChoking = false
			c.mu.Unlock()
		}
		if _, ok := m.(peerwire.InterestedMsg); ok {
			c.mu.Lock()
			c.state.PeerInterested = true
			c.mu.Unlock()
		}
		if _, ok := m.(peerwire.NotInterestedMsg); ok {
			c.mu.Lock()
			c.state.PeerInterested = false
			c.mu.Unlock()
		}
		select {
		case c.messagesC <- m:
		case <-c.closeC:
			return
		}
	}
}

func (c *Conn) applyBitfield(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bf, err := storage.NewBitfieldFromBytes(data, uint(len(data))*8)
	if err != nil {
		return
	}
	c.bitfield = bf
}

func (c *Conn) applyHave(index uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := uint(index)
	if c.bitfield == nil {
		c.bitfield = storage.NewBitfield(i + 1)
	}
	if i >= c.bitfield.Len() {
		grown := storage.NewBitfield(i + 1)
		for j := uint(0); j < c.bitfield.Len(); j++ {
			if c.bitfield.Test(j) {
				grown.Set(j)
			}
		}
		c.bitfield = grown
	}
	c.bitfield.Set(i)
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case m := <-c.sendC:
			if err := peerwire.WriteMessage(c.nc, m); err != nil {
				return
			}
		case <-ticker.C:
			if err := peerwire.WriteMessage(c.nc, nil); err != nil {
				return
			}
		case <-c.closeC:
			return
		}
	}
}
