package session

import (
	"math/rand"
	"sort"
)

// tickUnchoke implements the rate-based choke algorithm (spec §4.D):
// interested peers are sorted by how recently they sent us a piece and
// the top UnchokedPeers are unchoked, adapted from the teacher's
// tickUnchoke (which sorted by bytes transferred in the choke period;
// this engine tracks the same idea per-connection via peerState.lastRecv
// instead of a separate byte counter reset each tick).
func (t *Torrent) tickUnchoke() {
	t.mu.RLock()
	n := t.session.config.UnchokedPeers
	t.mu.RUnlock()
	if n <= 0 {
		n = 4
	}
	candidates := make([]*peerState, 0, len(t.conns))
	for _, ps := range t.conns {
		if ps.interested {
			candidates = append(candidates, ps)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastRecv.After(candidates[j].lastRecv)
	})
	for i, ps := range candidates {
		ps.conn.SetAmChoking(i >= n)
	}
}

// tickOptimisticUnchoke periodically unchokes one random choked-but-
// interested peer regardless of its transfer rate, so newly connected
// peers get a chance to prove themselves, grounded on the teacher's
// tickOptimisticUnchoke.
func (t *Torrent) tickOptimisticUnchoke() {
	for _, ps := range t.optimistic {
		ps.conn.SetAmChoking(true)
	}
	t.optimistic = t.optimistic[:0]

	var candidates []*peerState
	for _, ps := range t.conns {
		if ps.interested && ps.conn.State().AmChoking {
			candidates = append(candidates, ps)
		}
	}
	if len(candidates) == 0 {
		return
	}
	pick := candidates[rand.Intn(len(candidates))]
	pick.conn.SetAmChoking(false)
	t.optimistic = append(t.optimistic, pick)
}
