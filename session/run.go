package session

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/mmcgrana/riptide/peerconn"
	"github.com/mmcgrana/riptide/peerwire"
	"github.com/mmcgrana/riptide/storage"
	"github.com/mmcgrana/riptide/tracker"
)

type trackerResult struct {
	resp *tracker.AnnounceResponse
	err  error
}

// run is the torrent's single-goroutine event loop: every piece of mutable
// state not behind t.mu is only ever touched from here, grounded on the
// teacher's run() select statement (session/run.go).
func (t *Torrent) run() {
	defer close(t.doneC)
	t.mu.Lock()
	t.st = Starting
	t.mu.Unlock()

	announceTicker := time.NewTicker(5 * time.Second)
	defer announceTicker.Stop()
	unchokeTicker := time.NewTicker(10 * time.Second)
	defer unchokeTicker.Stop()
	optimisticTicker := time.NewTicker(30 * time.Second)
	defer optimisticTicker.Stop()
	bitfieldInterval := t.session.config.BitfieldWriteInterval
	if bitfieldInterval <= 0 {
		bitfieldInterval = 30 * time.Second
	}
	bitfieldTicker := time.NewTicker(bitfieldInterval)
	defer bitfieldTicker.Stop()
	speedInterval := t.session.config.StatsWriteInterval
	if speedInterval <= 0 {
		speedInterval = 5 * time.Second
	}
	speedTicker := time.NewTicker(speedInterval)
	defer speedTicker.Stop()

	started := false
	for {
		select {
		case done := <-t.closeC:
			t.shutdown()
			close(done)
			return

		case <-t.startC:
			if started {
				t.mu.Lock()
				if t.st == Paused {
					t.st = Downloading
					if t.pieces != nil && t.pieces.All() {
						t.st = Seeding
					}
				}
				t.mu.Unlock()
				continue
			}
			started = true
			t.mu.Lock()
			t.st = Downloading
			t.mu.Unlock()
			t.announceAsync(tracker.EventStarted)

		case <-t.pauseC:
			t.mu.Lock()
			t.st = Paused
			t.mu.Unlock()

		case <-t.recheckC:
			t.doRecheck()

		case <-t.reannounceC:
			t.announceAsync(tracker.EventNone)

		case <-announceTicker.C:
			if t.trackerMgr != nil && t.trackerMgr.Due(time.Now()) {
				t.announceAsync(tracker.EventNone)
			}

		case res := <-t.trackerResultC:
			t.handleTrackerResult(res)

		case <-unchokeTicker.C:
			t.tickUnchoke()

		case <-optimisticTicker.C:
			t.tickOptimisticUnchoke()

		case <-bitfieldTicker.C:
			t.persistSpec()

		case <-speedTicker.C:
			t.downloadSpeed.Tick()
			t.uploadSpeed.Tick()

		case reply := <-t.statsC:
			reply <- t.statsLocked()

		case reply := <-t.filesCmdC:
			reply <- t.filesSnapshot()

		case cmd := <-t.setPriorityC:
			t.mu.Lock()
			t.priorities[cmd.index] = cmd.priority
			t.mu.Unlock()

		case v := <-t.setSequentialC:
			t.mu.RLock()
			pieces := t.pieces
			t.mu.RUnlock()
			if pieces != nil {
				pieces.SetSequential(v)
			}

		case idxs := <-t.setPriorityPiecesC:
			t.mu.RLock()
			pieces := t.pieces
			t.mu.RUnlock()
			if pieces != nil {
				pieces.SetPriorityPieces(idxs)
			}

		case reply := <-t.peersCmdC:
			reply <- t.peerInfos()

		case ip := <-t.banPeerC:
			t.banIP(ip)

		case addrs := <-t.addPeersC:
			t.dialAddrs(addrs)

		case conn := <-t.newConnC:
			t.adopt(conn, true)

		case res := <-t.dialResultC:
			if res.err != nil {
				t.log.Debugf("dial %s: %v", res.addr, res.err)
				continue
			}
			t.adopt(res.conn, false)

		case pm := <-t.peerMsgC:
			t.handlePeerMessage(pm)

		case conn := <-t.peerGoneC:
			t.handlePeerGone(conn)
		}
	}
}

func (t *Torrent) shutdown() {
	t.mu.Lock()
	wasDownloading := t.st != Stopped
	t.st = Stopped
	t.mu.Unlock()
	if wasDownloading {
		t.announceSync(tracker.EventStopped)
	}
	for conn := range t.conns {
		conn.Close()
	}
	t.persistSpec()
	t.mu.RLock()
	files := t.files
	t.mu.RUnlock()
	if files != nil {
		files.Close()
	}
}

func (t *Torrent) announceAsync(ev tracker.Event) {
	if t.trackerMgr == nil {
		return
	}
	req := t.announceRequest(ev)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		resp, err := t.trackerMgr.Announce(ctx, req)
		select {
		case t.trackerResultC <- trackerResult{resp: resp, err: err}:
		case <-t.doneC:
		}
	}()
}

// announceSync blocks the caller, used only from shutdown where the loop
// has already committed to exiting and there's nothing left to interleave
// with.
func (t *Torrent) announceSync(ev tracker.Event) {
	if t.trackerMgr == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.trackerMgr.Announce(ctx, t.announceRequest(ev))
}

func (t *Torrent) announceRequest(ev tracker.Event) tracker.AnnounceRequest {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var left int64
	if t.info != nil {
		left = t.info.TotalLength()
		if t.pieces != nil {
			for i := 0; i < t.pieces.NumPieces(); i++ {
				if t.pieces.State(uint32(i)) == storage.Complete {
					left -= t.pieces.Piece(uint32(i)).Length
				}
			}
		}
	}
	return tracker.AnnounceRequest{
		InfoHash:        t.infoHash,
		PeerID:          t.peerID,
		Port:            int(t.session.config.Port),
		BytesDownloaded: atomic.LoadInt64(&t.bytesDownloaded),
		BytesUploaded:   atomic.LoadInt64(&t.bytesUploaded),
		BytesLeft:       left,
		NumWant:         t.session.config.TrackerNumWant,
		Event:           ev,
	}
}

func (t *Torrent) handleTrackerResult(res trackerResult) {
	if res.err != nil {
		t.log.Warningf("announce failed: %v", res.err)
		return
	}
	addrs := make([]*net.TCPAddr, 0, len(res.resp.Peers))
	for _, p := range res.resp.Peers {
		addrs = append(addrs, &net.TCPAddr{IP: net.ParseIP(p.IP), Port: int(p.Port)})
	}
	t.dialAddrs(addrs)
}

func (t *Torrent) dialAddrs(addrs []*net.TCPAddr) {
	t.mu.RLock()
	maxDial := t.session.config.MaxPeerDial
	t.mu.RUnlock()
	if maxDial <= 0 {
		maxDial = 40
	}
	for _, addr := range addrs {
		if addr == nil || addr.IP == nil {
			continue
		}
		key := addr.String()
		if t.connectedAddrs[key] || t.isBanned(addr.IP) {
			continue
		}
		if len(t.conns)+len(t.connectedAddrs) >= maxDial {
			return
		}
		t.connectedAddrs[key] = true
		go t.dialOne(addr)
	}
}

func (t *Torrent) dialOne(addr *net.TCPAddr) {
	dialer := peerconn.TCPDialer{Timeout: t.session.config.PeerConnectTimeout}
	if dialer.Timeout <= 0 {
		dialer.Timeout = 10 * time.Second
	}
	conn, _, err := peerconn.Dial(dialer, addr, t.infoHash, t.peerID, t.session.extensions())
	select {
	case t.dialResultC <- dialResult{addr: addr, conn: conn, err: err}:
	case <-t.doneC:
		if conn != nil {
			conn.Close()
		}
	}
}

func (t *Torrent) adoptIncoming(conn *peerconn.Conn, peerID [20]byte) {
	_ = peerID
	select {
	case t.newConnC <- conn:
	case <-t.doneC:
		conn.Close()
	}
}

func (t *Torrent) adopt(conn *peerconn.Conn, incoming bool) {
	t.mu.RLock()
	maxAccept := t.session.config.MaxPeerAccept
	t.mu.RUnlock()
	if incoming && maxAccept > 0 && len(t.conns) >= maxAccept {
		conn.Close()
		return
	}
	ps := t.newPeerState(conn)
	t.conns[conn] = ps
	t.connectedAddrs[conn.RemoteAddr().String()] = true
	go conn.Run()
	go t.pump(conn)

	if peerconn.SupportsExtended(conn.Extensions) {
		t.offerExtendedHandshake(conn)
	}
	conn.SetAmChoking(true)
	if t.pieces != nil {
		conn.Send(peerwire.BitfieldMsg{Data: t.pieces.Bitfield().Bytes()})
	}
}

// pump forwards one connection's inbound messages and eventual close into
// the run loop's channels. One goroutine per connection, mirroring the
// teacher's per-peer reader goroutine feeding a shared channel.
func (t *Torrent) pump(conn *peerconn.Conn) {
	for m := range conn.Messages() {
		select {
		case t.peerMsgC <- peerMsg{conn: conn, msg: m}:
		case <-t.doneC:
			return
		}
	}
	select {
	case t.peerGoneC <- conn:
	case <-t.doneC:
	}
}

func (t *Torrent) handlePeerMessage(pm peerMsg) {
	ps, ok := t.conns[pm.conn]
	if !ok {
		return
	}
	switch m := pm.msg.(type) {
	case peerwire.HaveMsg:
		t.mu.RLock()
		pieces := t.pieces
		t.mu.RUnlock()
		if pieces != nil {
			pieces.AddRarity(m.Index)
		}
		t.schedule(ps)
	case peerwire.BitfieldMsg:
		t.mu.RLock()
		pieces := t.pieces
		t.mu.RUnlock()
		if pieces != nil {
			if bf := pm.conn.Bitfield(); bf != nil {
				for i := uint(0); i < bf.Len(); i++ {
					if bf.Test(i) {
						pieces.AddRarity(uint32(i))
					}
				}
			}
		}
		t.schedule(ps)
	case peerwire.UnchokeMsg:
		t.schedule(ps)
	case peerwire.ChokeMsg:
		t.onChoked(ps)
	case peerwire.InterestedMsg:
		ps.interested = true
	case peerwire.NotInterestedMsg:
		ps.interested = false
	case peerwire.RequestMsg:
		t.handleRequest(ps, m)
	case peerwire.PieceMsg:
		t.onPiece(ps, m)
	case peerwire.CancelMsg:
		// best effort only: our outbound queue is short-lived enough that
		// honoring cancels isn't required for correctness.
	case peerwire.ExtendedMsg:
		t.handleExtended(ps, m)
	}
}

func (t *Torrent) handleRequest(ps *peerState, m peerwire.RequestMsg) {
	state := ps.conn.State()
	if state.AmChoking {
		return
	}
	t.mu.RLock()
	pieces := t.pieces
	t.mu.RUnlock()
	if pieces == nil {
		return
	}
	data, err := pieces.ReadRange(int64(m.Index)*t.infoPieceLength()+int64(m.Begin), int64(m.Length))
	if err != nil {
		return
	}
	ps.conn.Send(peerwire.PieceMsg{Index: m.Index, Begin: m.Begin, Block: data})
	t.uploadSpeed.Update(int64(len(data)))
	atomic.AddInt64(&t.bytesUploaded, int64(len(data)))
}

func (t *Torrent) infoPieceLength() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.info == nil {
		return 0
	}
	return t.info.PieceLength
}

func (t *Torrent) handlePeerGone(conn *peerconn.Conn) {
	ps, ok := t.conns[conn]
	if !ok {
		return
	}
	t.onDisconnect(ps)
	delete(t.conns, conn)
	delete(t.connectedAddrs, conn.RemoteAddr().String())
}

func (t *Torrent) doRecheck() {
	t.mu.RLock()
	pieces := t.pieces
	t.mu.RUnlock()
	if pieces == nil {
		return
	}
	if err := pieces.Recheck(); err != nil {
		t.log.Warningf("recheck failed: %v", err)
		return
	}
	if pieces.All() {
		t.markComplete()
	}
}

func (t *Torrent) filesSnapshot() []FileInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.info == nil {
		return nil
	}
	out := make([]FileInfo, len(t.info.Files))
	for i, f := range t.info.Files {
		out[i] = FileInfo{Path: f.Path, Length: f.Length, Priority: t.priorities[i]}
	}
	return out
}

func (t *Torrent) peerInfos() []PeerInfo {
	out := make([]PeerInfo, 0, len(t.conns))
	for conn, ps := range t.conns {
		name, _ := peerconn.ClientName(conn.PeerID)
		state := conn.State()
		out = append(out, PeerInfo{
			Addr:        conn.RemoteAddr().String(),
			ClientName:  name,
			AmChoking:   state.AmChoking,
			PeerChoking: state.PeerChoking,
			Downloading: ps.hasPiece,
		})
	}
	return out
}

func (t *Torrent) banIP(ip net.IP) {
	t.bannedIPs[ip.String()] = struct{}{}
	for conn := range t.conns {
		host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
		if err == nil && host == ip.String() {
			conn.Close()
		}
	}
}

func (t *Torrent) isBanned(ip net.IP) bool {
	_, ok := t.bannedIPs[ip.String()]
	return ok
}
