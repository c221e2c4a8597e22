// Package bitmask implements the dense bit-vector used throughout the NORM
// engine to track which symbols of a block are still pending or have been
// requested for repair by another receiver (spec "Bit-mask").
package bitmask

import "math/bits"

const wordBits = 64

// Mask is a dense, fixed-capacity bit vector backed by a []uint64. The zero
// value is not usable; construct with New.
type Mask struct {
	words []uint64
	size  int
}

// New allocates a Mask able to address bit indices [0, size).
func New(size int) *Mask {
	if size < 0 {
		size = 0
	}
	return &Mask{
		words: make([]uint64, (size+wordBits-1)/wordBits),
		size:  size,
	}
}

// Len reports the number of addressable bits.
func (m *Mask) Len() int { return m.size }

// Set sets bit i.
func (m *Mask) Set(i int) {
	if i < 0 || i >= m.size {
		return
	}
	m.words[i/wordBits] |= 1 << uint(i%wordBits)
}

// Unset clears bit i.
func (m *Mask) Unset(i int) {
	if i < 0 || i >= m.size {
		return
	}
	m.words[i/wordBits] &^= 1 << uint(i%wordBits)
}

// Test reports whether bit i is set. Out-of-range indices read as unset.
func (m *Mask) Test(i int) bool {
	if i < 0 || i >= m.size {
		return false
	}
	return m.words[i/wordBits]&(1<<uint(i%wordBits)) != 0
}

// IsSet is an alias of Test kept for call sites that read more naturally
// asking "is this bit set" than "test this bit".
func (m *Mask) IsSet(i int) bool { return m.Test(i) }

// IsZero reports whether no bit is set (a block with an all-clear pending
// mask is not "pending").
func (m *Mask) IsZero() bool {
	for _, w := range m.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// SetBits sets n consecutive bits starting at i.
func (m *Mask) SetBits(i, n int) {
	for k := i; k < i+n; k++ {
		m.Set(k)
	}
}

// UnsetBits clears n consecutive bits starting at i.
func (m *Mask) UnsetBits(i, n int) {
	for k := i; k < i+n; k++ {
		m.Unset(k)
	}
}

// GetFirstSet returns the index of the lowest set bit, or -1 if none.
func (m *Mask) GetFirstSet() int {
	return m.GetNextSet(-1)
}

// GetNextSet returns the index of the lowest set bit strictly greater than
// after, or -1 if none.
func (m *Mask) GetNextSet(after int) int {
	start := after + 1
	if start < 0 {
		start = 0
	}
	if start >= m.size {
		return -1
	}
	wordIdx := start / wordBits
	bitIdx := uint(start % wordBits)

	w := m.words[wordIdx] >> bitIdx
	if w != 0 {
		idx := wordIdx*wordBits + int(bitIdx) + bits.TrailingZeros64(w)
		if idx < m.size {
			return idx
		}
		return -1
	}
	for wi := wordIdx + 1; wi < len(m.words); wi++ {
		if m.words[wi] != 0 {
			idx := wi*wordBits + bits.TrailingZeros64(m.words[wi])
			if idx < m.size {
				return idx
			}
			return -1
		}
	}
	return -1
}

// Count returns the number of set bits.
func (m *Mask) Count() int {
	n := 0
	for _, w := range m.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// sameLen reports whether m and src share bit capacity; a mismatch is a
// caller bug, so these helpers clamp to the shorter of the two rather than
// panic.
func sameLen(m, src *Mask) int {
	if len(m.words) < len(src.words) {
		return len(m.words)
	}
	return len(src.words)
}

// Add performs self |= src, returning self for chaining.
func (m *Mask) Add(src *Mask) *Mask {
	n := sameLen(m, src)
	for i := 0; i < n; i++ {
		m.words[i] |= src.words[i]
	}
	return m
}

// Xor performs self ^= src, returning self for chaining.
func (m *Mask) Xor(src *Mask) *Mask {
	n := sameLen(m, src)
	for i := 0; i < n; i++ {
		m.words[i] ^= src.words[i]
	}
	return m
}

// XCopy computes src & ^self into self: the bits present in src that self
// does not already have. Used to fold an overheard NACK into the local
// "repair" mask (spec §4.4 step 2).
func (m *Mask) XCopy(src *Mask) *Mask {
	n := sameLen(m, src)
	for i := 0; i < n; i++ {
		m.words[i] = src.words[i] &^ m.words[i]
	}
	return m
}

// Clear resets every bit to zero.
func (m *Mask) Clear() {
	for i := range m.words {
		m.words[i] = 0
	}
}

// Clone returns an independent copy of m.
func (m *Mask) Clone() *Mask {
	c := &Mask{words: make([]uint64, len(m.words)), size: m.size}
	copy(c.words, m.words)
	return c
}
