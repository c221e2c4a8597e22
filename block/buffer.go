package block

import "github.com/pkg/errors"

// ErrRangeExceeded is returned by Insert when admitting id would grow the
// buffer's span beyond rangeMax (spec.md §3 "BlockBuffer" invariant).
var ErrRangeExceeded = errors.New("block: buffer range exceeded")

// Buffer is the sliding-window table from BlockId to *Block (spec.md §3
// "BlockBuffer"). It is implemented as a hash table plus the tracked
// [lo, hi] occupied span, rather than an ordered tree, matching the
// "hash-table (or ordered tree)" alternative the spec allows and the
// teacher package's preference for map-based lookup structures.
type Buffer struct {
	blocks   map[ID]*Block
	rangeMax uint32
	lo, hi   ID
	empty    bool
}

// NewBuffer creates a Buffer whose occupied span may never exceed rangeMax
// (spec.md §3: "range ≤ range_max").
func NewBuffer(rangeMax uint32) *Buffer {
	return &Buffer{
		blocks:   make(map[ID]*Block),
		rangeMax: rangeMax,
		empty:    true,
	}
}

// Len returns the number of blocks currently held.
func (b *Buffer) Len() int { return len(b.blocks) }

// Range reports the current occupied span [lo, hi]; ok is false if empty.
func (b *Buffer) Range() (lo, hi ID, ok bool) {
	if b.empty {
		return 0, 0, false
	}
	return b.lo, b.hi, true
}

// Find returns the block for id, if present.
func (b *Buffer) Find(id ID) (*Block, bool) {
	blk, ok := b.blocks[id]
	return blk, ok
}

// Insert admits blk, failing if doing so would grow the span beyond
// rangeMax (spec.md §3: "Insert fails if it would exceed range_max").
func (b *Buffer) Insert(blk *Block) error {
	id := blk.ID
	if _, exists := b.blocks[id]; exists {
		b.blocks[id] = blk
		return nil
	}
	if b.empty {
		b.blocks[id] = blk
		b.lo, b.hi = id, id
		b.empty = false
		return nil
	}
	newLo, newHi := b.lo, b.hi
	if Less(id, b.lo) {
		newLo = id
	}
	if Less(b.hi, id) {
		newHi = id
	}
	if uint32(Diff(newLo, newHi)) > b.rangeMax {
		return ErrRangeExceeded
	}
	b.blocks[id] = blk
	b.lo, b.hi = newLo, newHi
	return nil
}

// Remove deletes the block for id. If id was the lo or hi bound, the bound
// advances to the next occupied slot (spec.md §3: "Remove of head/tail
// advances the respective bound to the next occupied slot").
func (b *Buffer) Remove(id ID) {
	if _, ok := b.blocks[id]; !ok {
		return
	}
	delete(b.blocks, id)
	if len(b.blocks) == 0 {
		b.empty = true
		return
	}
	if id == b.lo {
		b.lo = b.nextOccupied(id, true)
	}
	if id == b.hi {
		b.hi = b.nextOccupied(id, false)
	}
}

// nextOccupied scans forward (ascending=true) or backward from start+-1 to
// find the next id present in the map. Used only on removal of a bound, so
// the scan is bounded by the (small, by construction) occupied span.
func (b *Buffer) nextOccupied(start ID, ascending bool) ID {
	cur := start
	for i := uint32(0); i <= b.rangeMax+1; i++ {
		if ascending {
			cur = Increment(cur, 1)
		} else {
			cur = Decrement(cur, 1)
		}
		if _, ok := b.blocks[cur]; ok {
			return cur
		}
	}
	return start
}

// ForEach visits every block in id order within [lo, hi]. Visiting stops
// early if fn returns false.
func (b *Buffer) ForEach(fn func(*Block) bool) {
	if b.empty {
		return
	}
	cur := b.lo
	for {
		if blk, ok := b.blocks[cur]; ok {
			if !fn(blk) {
				return
			}
		}
		if cur == b.hi {
			return
		}
		cur = Increment(cur, 1)
	}
}
