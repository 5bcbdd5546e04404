package storage

import (
	"crypto/sha1"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/mmcgrana/riptide/metainfo"
)

// State is a piece's position in the download lifecycle (spec §3 "Piece
// map").
type State int

const (
	Missing State = iota
	InProgress
	Complete
)

type inProgressPiece struct {
	blocks   map[uint32][]byte
	received int
	expected int
}

// PieceMap is the engine's single source of truth for piece state: which
// pieces are Missing/InProgress/Complete, the in-flight block assembly for
// InProgress pieces, and the sequential/priority selection policy (spec
// §4.C). It is protected by one readers-writer lock, per spec §5's
// concurrency model: writers (PutBlock, verify-and-write, Recheck) take it
// briefly; readers (Select, range reads, bitfield export) take shared
// access.
type PieceMap struct {
	info  *metainfo.Info
	files *FileStorage

	mu         sync.RWMutex
	pieces     []Piece
	states     []State
	inProgress map[uint32]*inProgressPiece
	sequential bool
	priority   map[uint32]struct{}
	rarity     map[uint32]int

	wasted int64 // atomic: bytes discarded to hash-mismatch
}

// NewPieceMap builds the static piece/block layout from info and attaches
// the file storage bytes are read from/written to.
func NewPieceMap(info *metainfo.Info, files *FileStorage) *PieceMap {
	n := info.NumPieces()
	pm := &PieceMap{
		info:       info,
		files:      files,
		pieces:     make([]Piece, n),
		states:     make([]State, n),
		inProgress: make(map[uint32]*inProgressPiece),
		priority:   make(map[uint32]struct{}),
		rarity:     make(map[uint32]int),
	}
	for i := 0; i < n; i++ {
		l := info.PieceLen(i)
		pm.pieces[i] = Piece{
			Index:  uint32(i),
			Length: l,
			Digest: info.PieceDigest(i),
			Blocks: blocksForLength(uint32(i), l),
		}
	}
	return pm
}

// NumPieces returns N.
func (pm *PieceMap) NumPieces() int { return len(pm.pieces) }

// Piece returns the static descriptor for piece i.
func (pm *PieceMap) Piece(i uint32) Piece { return pm.pieces[i] }

// State returns the current state of piece i.
func (pm *PieceMap) State(i uint32) State {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.states[i]
}

// SetComplete marks piece i Complete directly, without verification.
func (pm *PieceMap) SetComplete(i uint32) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.states[i] = Complete
}

// Bitfield exports a snapshot of which pieces are Complete, in wire
// format-ready form.
func (pm *PieceMap) Bitfield() *Bitfield {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	bf := NewBitfield(uint(len(pm.states)))
	for i, s := range pm.states {
		if s == Complete {
			bf.Set(uint(i))
		}
	}
	return bf
}

// All reports whether every piece is Complete.
func (pm *PieceMap) All() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	for _, s := range pm.states {
		if s != Complete {
			return false
		}
	}
	return true
}

// WastedBytes returns the running total of bytes discarded to hash
// mismatches (spec §7 "Integrity").
func (pm *PieceMap) WastedBytes() int64 { return atomic.LoadInt64(&pm.wasted) }

// SetSequential toggles sequential-mode piece selection (spec §4.C
// precedence 2, used for streaming).
func (pm *PieceMap) SetSequential(v bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.sequential = v
}

// SetPriorityPieces replaces the priority set (spec §4.C precedence 1,
// streaming prefetch).
func (pm *PieceMap) SetPriorityPieces(indices []uint32) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.priority = make(map[uint32]struct{}, len(indices))
	for _, i := range indices {
		pm.priority[i] = struct{}{}
	}
}

// AddRarity records that a peer has piece i, for the optional rarest-first
// tiebreak (spec §4.C precedence 3's "recommended but not required"
// enrichment).
func (pm *PieceMap) AddRarity(i uint32) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.rarity[i]++
}

// RemoveRarity reverses AddRarity, typically on peer disconnect.
func (pm *PieceMap) RemoveRarity(i uint32) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.rarity[i] > 0 {
		pm.rarity[i]--
	}
}

// Select picks the next piece to request from a peer whose bitfield is
// peerHas, per spec §4.C's three precedences. It returns false if no
// eligible piece exists.
func (pm *PieceMap) Select(peerHas *Bitfield) (uint32, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	eligible := func(i uint32) bool {
		return peerHas.Test(uint(i)) && pm.states[i] == Missing
	}

	// Precedence 1: priority set (streaming prefetch).
	if len(pm.priority) > 0 {
		var candidates []uint32
		for i := range pm.priority {
			if eligible(i) {
				candidates = append(candidates, i)
			}
		}
		if len(candidates) > 0 {
			return pickLowestOrRarest(candidates, pm.rarity), true
		}
	}

	// Precedence 2: sequential mode picks the lowest eligible index.
	if pm.sequential {
		for i := uint32(0); i < uint32(len(pm.states)); i++ {
			if eligible(i) {
				return i, true
			}
		}
		return 0, false
	}

	// Precedence 3: random among eligible, with a rarest-first tiebreak.
	var candidates []uint32
	for i := uint32(0); i < uint32(len(pm.states)); i++ {
		if eligible(i) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	return pickLowestOrRarest(candidates, pm.rarity), true
}

// pickLowestOrRarest returns the rarest candidate (fewest known holders);
// ties, and the case where no rarity data exists, fall back to a random
// pick among the tied/all candidates.
func pickLowestOrRarest(candidates []uint32, rarity map[uint32]int) uint32 {
	best := -1
	var bestSet []uint32
	for _, c := range candidates {
		r := rarity[c]
		if best == -1 || r < best {
			best = r
			bestSet = []uint32{c}
		} else if r == best {
			bestSet = append(bestSet, c)
		}
	}
	return bestSet[rand.Intn(len(bestSet))]
}

// StartProgress marks piece i InProgress if it is currently Missing. It is
// a no-op (returning false) if another peer already claimed it, so callers
// can fall back to a different piece.
func (pm *PieceMap) StartProgress(i uint32) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.states[i] != Missing {
		return false
	}
	pm.states[i] = InProgress
	pm.inProgress[i] = &inProgressPiece{
		blocks:   make(map[uint32][]byte),
		expected: len(pm.pieces[i].Blocks),
	}
	return true
}

// CancelProgress returns piece i to Missing, discarding any partial
// blocks. Used on Choke (spec §4.D) and peer disconnect.
func (pm *PieceMap) CancelProgress(i uint32) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.states[i] == InProgress {
		pm.states[i] = Missing
		delete(pm.inProgress, i)
	}
}

// PutBlock appends a received block's bytes to piece i's in-progress
// assembly. When every block has arrived it assembles, hashes, and
// compares the piece: on match the bytes are flushed to disk and the
// piece transitions to Complete; on mismatch the in-progress state is
// discarded, wasted bytes are tallied, and the piece returns to Missing
// (spec §4.C "Verification", §7 "Integrity"). The returned bool reports
// whether the piece just completed.
func (pm *PieceMap) PutBlock(index, begin uint32, data []byte) (completed bool, err error) {
	pm.mu.Lock()
	ip, ok := pm.inProgress[index]
	if !ok || pm.states[index] != InProgress {
		pm.mu.Unlock()
		return false, nil
	}
	if _, dup := ip.blocks[begin]; !dup {
		buf := make([]byte, len(data))
		copy(buf, data)
		ip.blocks[begin] = buf
		ip.received++
	}
	done := ip.received >= ip.expected
	pm.mu.Unlock()
	if !done {
		return false, nil
	}

	piece := pm.pieces[index]
	assembled := make([]byte, piece.Length)
	pm.mu.RLock()
	for _, b := range piece.Blocks {
		copy(assembled[b.Begin:int64(b.Begin)+int64(b.Length)], ip.blocks[b.Begin])
	}
	pm.mu.RUnlock()

	sum := sha1.Sum(assembled)
	if !bytesEqual(sum[:], piece.Digest) {
		pm.mu.Lock()
		delete(pm.inProgress, index)
		pm.states[index] = Missing
		pm.mu.Unlock()
		atomic.AddInt64(&pm.wasted, piece.Length)
		return false, nil
	}

	off := int64(index) * pm.info.PieceLength
	if err := pm.files.WriteAt(assembled, off); err != nil {
		pm.mu.Lock()
		delete(pm.inProgress, index)
		pm.states[index] = Missing
		pm.mu.Unlock()
		return false, err
	}

	pm.mu.Lock()
	delete(pm.inProgress, index)
	pm.states[index] = Complete
	pm.mu.Unlock()
	return true, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// IsRangeAvailable reports whether every piece covering the global byte
// range [offset, offset+length) is Complete.
func (pm *PieceMap) IsRangeAvailable(offset, length int64) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	for _, i := range pm.piecesCoveringLocked(offset, length) {
		if pm.states[i] != Complete {
			return false
		}
	}
	return true
}

// MissingPiecesInRange returns the indices of non-Complete pieces covering
// the given range, in ascending order. The streaming reader uses this to
// prioritise pieces it's waiting on (spec §4.F "Streaming prefetch").
func (pm *PieceMap) MissingPiecesInRange(offset, length int64) []uint32 {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	var out []uint32
	for _, i := range pm.piecesCoveringLocked(offset, length) {
		if pm.states[i] != Complete {
			out = append(out, i)
		}
	}
	return out
}

func (pm *PieceMap) piecesCoveringLocked(offset, length int64) []uint32 {
	if length <= 0 {
		return nil
	}
	first := offset / pm.info.PieceLength
	last := (offset + length - 1) / pm.info.PieceLength
	out := make([]uint32, 0, last-first+1)
	for i := first; i <= last; i++ {
		out = append(out, uint32(i))
	}
	return out
}

// ReadRange returns the concatenated file bytes for [offset,
// offset+length). It fails with ErrRangeUnavailable if any covered piece
// is not Complete (spec §4.C "Range reader").
func (pm *PieceMap) ReadRange(offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > pm.info.TotalLength() {
		return nil, ErrOutOfRange
	}
	if !pm.IsRangeAvailable(offset, length) {
		return nil, ErrRangeUnavailable
	}
	buf := make([]byte, length)
	if err := pm.files.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	return buf, nil
}

// Recheck sweeps every piece, reading its bytes from disk (a hole makes it
// Missing), hashing, and marking it Complete or Missing accordingly. It is
// idempotent and safe to call on load to resume a torrent without
// redownloading already-verified pieces (spec §4.C "Recheck", §6
// "Persisted state").
func (pm *PieceMap) Recheck() error {
	for i := range pm.pieces {
		idx := uint32(i)
		piece := pm.pieces[i]
		buf := make([]byte, piece.Length)
		off := int64(idx) * pm.info.PieceLength
		ok := true
		if err := pm.files.ReadAt(buf, off); err != nil {
			ok = false
		}
		if ok {
			sum := sha1.Sum(buf)
			ok = bytesEqual(sum[:], piece.Digest)
		}
		pm.mu.Lock()
		delete(pm.inProgress, idx)
		if ok {
			pm.states[idx] = Complete
		} else {
			pm.states[idx] = Missing
		}
		pm.mu.Unlock()
	}
	return nil
}
