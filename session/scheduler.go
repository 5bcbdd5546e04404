package session

import (
	"sync/atomic"
	"time"

	"github.com/mmcgrana/riptide/peerconn"
	"github.com/mmcgrana/riptide/peerwire"
	"github.com/mmcgrana/riptide/storage"
	"github.com/mmcgrana/riptide/tracker"
)

// maxQueuedBlocks bounds how many outstanding block requests a single
// peer connection may have in flight at once, a simplified stand-in for
// the teacher's piecedownloader pipeline depth.
const maxQueuedBlocks = 8

// newPeerState returns the scheduler's empty bookkeeping for a freshly
// handshaken connection.
func (t *Torrent) newPeerState(conn *peerconn.Conn) *peerState {
	return &peerState{
		conn:     conn,
		inFlight: make(map[uint32]bool),
	}
}

// schedule drives one peer's piece/block requests forward: expressing
// interest if it has something we need, and topping up its in-flight
// block queue once unchoked (spec §4.C's request pipeline, folded into
// session per the package-consolidation decision recorded in DESIGN.md).
func (t *Torrent) schedule(ps *peerState) {
	t.mu.RLock()
	pieces := t.pieces
	t.mu.RUnlock()
	if pieces == nil {
		return // magnet metadata not yet fetched
	}

	bf := ps.conn.Bitfield()
	if bf == nil {
		return
	}

	if !ps.hasPiece {
		idx, ok := pieces.Select(bf)
		if !ok {
			ps.conn.SetAmInterested(false)
			return
		}
		if !pieces.StartProgress(idx) {
			return
		}
		ps.piece = idx
		ps.hasPiece = true
		ps.queued = append([]storage.Block(nil), pieces.Piece(idx).Blocks...)
	}
	ps.conn.SetAmInterested(true)

	state := ps.conn.State()
	if state.PeerChoking {
		return
	}
	for len(ps.inFlight) < maxQueuedBlocks && len(ps.queued) > 0 {
		b := ps.queued[0]
		ps.queued = ps.queued[1:]
		ps.inFlight[b.Begin] = true
		ps.conn.Send(peerwire.RequestMsg{Index: b.Index, Begin: b.Begin, Length: b.Length})
	}
}

// onPiece applies a received block to the piece map and advances the
// sending peer's schedule, requesting the next piece if this one
// completed.
func (t *Torrent) onPiece(ps *peerState, m peerwire.PieceMsg) {
	t.mu.RLock()
	pieces := t.pieces
	t.mu.RUnlock()
	if pieces == nil || !ps.hasPiece || m.Index != ps.piece {
		return
	}
	delete(ps.inFlight, m.Begin)
	ps.lastRecv = time.Now()

	completed, err := pieces.PutBlock(m.Index, m.Begin, m.Block)
	if err != nil {
		t.log.Warningf("writing piece %d: %v", m.Index, err)
	}
	t.downloadSpeed.Update(int64(len(m.Block)))
	atomic.AddInt64(&t.bytesDownloaded, int64(len(m.Block)))

	if !completed && pieces.State(m.Index) == storage.Missing {
		// Verification or the write failed and the piece is Missing again:
		// release it so schedule can ask this peer for it afresh.
		ps.hasPiece = false
		ps.queued = nil
		ps.inFlight = make(map[uint32]bool)
	}
	if completed {
		ps.hasPiece = false
		ps.inFlight = make(map[uint32]bool)
		t.broadcastHave(m.Index)
		if pieces.All() {
			t.markComplete()
		}
	}
	t.schedule(ps)
}

// onChoked returns a peer's in-progress piece to Missing so another peer
// can pick it up, per spec §4.D's choke handling.
func (t *Torrent) onChoked(ps *peerState) {
	t.mu.RLock()
	pieces := t.pieces
	t.mu.RUnlock()
	if pieces == nil || !ps.hasPiece {
		return
	}
	pieces.CancelProgress(ps.piece)
	ps.hasPiece = false
	ps.queued = nil
	ps.inFlight = make(map[uint32]bool)
}

// onDisconnect releases any piece the peer was downloading and removes
// its rarity contribution.
func (t *Torrent) onDisconnect(ps *peerState) {
	t.onChoked(ps)
	bf := ps.conn.Bitfield()
	if bf == nil {
		return
	}
	t.mu.RLock()
	pieces := t.pieces
	t.mu.RUnlock()
	if pieces == nil {
		return
	}
	for i := uint(0); i < bf.Len(); i++ {
		if bf.Test(i) {
			pieces.RemoveRarity(uint32(i))
		}
	}
}

// broadcastHave tells every connected peer we now have piece index.
func (t *Torrent) broadcastHave(index uint32) {
	for _, ps := range t.conns {
		ps.conn.Send(peerwire.HaveMsg{Index: index})
	}
}

// markComplete transitions the torrent to Seeding and fires the tracker
// "completed" event exactly once (spec §4.E, grounded on the teacher's
// sync.Once-guarded checkCompletion).
func (t *Torrent) markComplete() {
	t.completeOnce.Do(func() {
		close(t.completeC)
		t.mu.Lock()
		t.st = Seeding
		t.mu.Unlock()
		t.announceAsync(tracker.EventCompleted)
		t.log.Infoln("download complete")
	})
}
