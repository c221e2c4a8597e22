package block

import "github.com/normproto/norm/bitmask"

// Block is one FEC coding block of an object: k source symbols followed by
// p parity symbols, addressed within [0, k+p) (spec.md §3 "Block").
type Block struct {
	ID ID

	k, p int
	// symbols holds pointers into the segment pool, indexed [0,k+p). A nil
	// entry means "not yet present" on the receiver, or "not yet filled" on
	// the sender.
	symbols []([]byte)

	// Pending is, on the sender, the subset of {0..k-1} ∪ {k..k+p-1} (at
	// most numParity bits) not yet transmitted; on the receiver, the set of
	// symbols still needed (spec.md §3 "Block" invariant).
	Pending *bitmask.Mask
	// Repair is the set of symbols overheard as requested by another
	// receiver during the current NACK backoff round (spec.md §4.4).
	Repair *bitmask.Mask

	ErasureCount  int // receiver: number of source symbols known missing
	ParityCount   int // number of parity symbols received or sent so far
	ParityOffset  int // next parity slot to transmit (sender) or expect (receiver)
}

// New allocates a Block for k source and p parity symbols.
func New(id ID, k, p int) *Block {
	return &Block{
		ID:      id,
		k:       k,
		p:       p,
		symbols: make([][]byte, k+p),
		Pending: bitmask.New(k + p),
		Repair:  bitmask.New(k + p),
	}
}

// K returns the number of source symbols.
func (b *Block) K() int { return b.k }

// P returns the number of parity symbols.
func (b *Block) P() int { return b.p }

// N returns k+p.
func (b *Block) N() int { return b.k + b.p }

// SetSymbol installs the data for symbol index i.
func (b *Block) SetSymbol(i int, data []byte) {
	if i < 0 || i >= len(b.symbols) {
		return
	}
	b.symbols[i] = data
}

// Symbol returns the data for symbol index i, or nil if not present.
func (b *Block) Symbol(i int) []byte {
	if i < 0 || i >= len(b.symbols) {
		return nil
	}
	return b.symbols[i]
}

// Symbols returns the full symbol table (source followed by parity).
func (b *Block) Symbols() [][]byte { return b.symbols }

// ReceivedCount returns how many of the k+p symbols are currently present.
func (b *Block) ReceivedCount() int {
	n := 0
	for _, s := range b.symbols {
		if s != nil {
			n++
		}
	}
	return n
}

// IsPending reports whether any symbol bit is still set (spec.md §3: "A
// block is 'pending' when any symbol bit is set").
func (b *Block) IsPending() bool { return !b.Pending.IsZero() }

// IsComplete reports whether all k source symbols are present.
func (b *Block) IsComplete() bool {
	for i := 0; i < b.k; i++ {
		if b.symbols[i] == nil {
			return false
		}
	}
	return true
}
