// Package block implements NormBlock and its sliding-window BlockBuffer
// (spec.md §3 "Block", "BlockId arithmetic", "BlockBuffer").
package block

// ID is a 32-bit block identifier within an object. Comparisons and
// differences use sequence-space arithmetic with a 31-bit window
// (spec.md §3 "BlockId arithmetic").
type ID uint32

// Compare returns the sign of (a-b) interpreted as a signed 32-bit value:
// negative if a precedes b, zero if equal, positive if a follows b. Valid
// only when |a-b| < 2^31 (spec.md §3, §8 invariant 3).
func Compare(a, b ID) int {
	d := int32(a - b)
	switch {
	case d < 0:
		return -1
	case d > 0:
		return 1
	default:
		return 0
	}
}

// Less reports whether a precedes b in sequence space.
func Less(a, b ID) bool { return Compare(a, b) < 0 }

// Increment returns a+d in sequence space (wraps on uint32 overflow).
func Increment(a ID, d uint32) ID { return a + ID(d) }

// Decrement returns a-d in sequence space (wraps on uint32 underflow).
func Decrement(a ID, d uint32) ID { return a - ID(d) }

// Diff returns b-a interpreted as a signed 32-bit distance: how far a must
// advance to reach b. Valid only within the 2^31 admissible spread.
func Diff(a, b ID) int32 { return int32(b - a) }

// MaxSpread is the maximum admissible distance between two comparable ids
// (spec.md §3: "Maximum admissible spread = 2^31").
const MaxSpread = 1 << 31
