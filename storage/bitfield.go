package storage

import "github.com/willf/bitset"

// Bitfield tracks piece availability (ours or a remote peer's) as a dense
// bit array indexed by piece number, matching the wire's MSB-first packing
// (spec §4.D, message id 5).
type Bitfield struct {
	set *bitset.BitSet
	n   uint
}

// NewBitfield returns an all-clear bitfield sized for n pieces.
func NewBitfield(n uint) *Bitfield {
	return &Bitfield{set: bitset.New(n), n: n}
}

// NewBitfieldFromBytes parses a wire-format (MSB-first) bitfield for n
// pieces.
func NewBitfieldFromBytes(b []byte, n uint) (*Bitfield, error) {
	want := (n + 7) / 8
	if uint(len(b)) != want {
		return nil, ErrInvalidBitfieldLength
	}
	bf := NewBitfield(n)
	for i := uint(0); i < n; i++ {
		byteIdx := i / 8
		bitIdx := 7 - (i % 8)
		if b[byteIdx]&(1<<bitIdx) != 0 {
			bf.set.Set(i)
		}
	}
	return bf, nil
}

// Len returns the number of pieces this bitfield tracks.
func (bf *Bitfield) Len() uint { return bf.n }

// Set marks piece i as present.
func (bf *Bitfield) Set(i uint) { bf.set.Set(i) }

// Clear marks piece i as absent.
func (bf *Bitfield) Clear(i uint) { bf.set.Clear(i) }

// Test reports whether piece i is present.
func (bf *Bitfield) Test(i uint) bool { return bf.set.Test(i) }

// Count returns the number of present pieces.
func (bf *Bitfield) Count() uint { return bf.set.Count() }

// All reports whether every piece is present.
func (bf *Bitfield) All() bool { return bf.n > 0 && bf.set.Count() == bf.n }

// Bytes packs the bitfield into wire format: MSB-first, padded with zero
// bits in the final byte.
func (bf *Bitfield) Bytes() []byte {
	out := make([]byte, (bf.n+7)/8)
	for i := uint(0); i < bf.n; i++ {
		if bf.set.Test(i) {
			out[i/8] |= 1 << (7 - (i % 8))
		}
	}
	return out
}

// Clone returns an independent copy.
func (bf *Bitfield) Clone() *Bitfield {
	out := NewBitfield(bf.n)
	for i := uint(0); i < bf.n; i++ {
		if bf.set.Test(i) {
			out.set.Set(i)
		}
	}
	return out
}
