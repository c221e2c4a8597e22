// Package grtt implements the Group Round-Trip Time quantization tables and
// probing/backoff helpers of spec.md §3 ("GRTT table") and §4.3 ("GRTT
// probing"). The 256-entry duration table and 16-entry group-size table are
// process-wide immutable data built once at init (spec.md §9 "global state"
// design note), exactly like the teacher package builds its FEC log/exp
// tables once and treats them as read-only thereafter.
package grtt

import (
	"math"
	"time"
)

const (
	// MinGRTT and MaxGRTT bound the quantized range: spec.md's GRTT table
	// spans from sub-millisecond RTTs up to multi-second worst cases.
	MinGRTT = 100 * time.Microsecond
	MaxGRTT = 15 * time.Second
)

var durationTable [256]time.Duration

func init() {
	// A monotonically increasing, log-uniform quantization curve:
	// fine-grained near MinGRTT (where most LAN/WAN RTTs live), coarse near
	// MaxGRTT (where only pathological cases land). All peers in a session
	// MUST use this same table (spec.md §3 "GRTT table" invariant).
	logMin := math.Log(float64(MinGRTT))
	logMax := math.Log(float64(MaxGRTT))
	for q := 0; q < 256; q++ {
		frac := float64(q) / 255.0
		logVal := logMin + frac*(logMax-logMin)
		durationTable[q] = time.Duration(math.Exp(logVal))
	}
}

// FromQuantized maps an 8-bit quantized GRTT field to a duration.
func FromQuantized(q uint8) time.Duration {
	return durationTable[q]
}

// Quantize maps a duration to its nearest 8-bit quantized GRTT field via
// binary search over the monotonic table.
func Quantize(d time.Duration) uint8 {
	if d <= durationTable[0] {
		return 0
	}
	if d >= durationTable[255] {
		return 255
	}
	lo, hi := 0, 255
	for lo < hi {
		mid := (lo + hi) / 2
		if durationTable[mid] < d {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	// lo is the first index whose value >= d; pick whichever of lo, lo-1 is
	// closer.
	if lo > 0 {
		below := durationTable[lo-1]
		above := durationTable[lo]
		if d-below < above-d {
			return uint8(lo - 1)
		}
	}
	return uint8(lo)
}

// groupSizeTable is the paired 4-bit quantization for advertised group size
// (spec.md §3: "group-size similarly quantized to 4 bits").
var groupSizeTable = [16]uint32{
	1, 2, 4, 8, 16, 32, 64, 128,
	256, 512, 1024, 2048, 4096, 8192, 16384, 32768,
}

// GroupSizeFromQuantized maps a 4-bit quantized field to an approximate
// group size.
func GroupSizeFromQuantized(q uint8) uint32 {
	return groupSizeTable[q&0x0F]
}

// QuantizeGroupSize maps a group size estimate to its nearest 4-bit field.
func QuantizeGroupSize(n uint32) uint8 {
	best := 0
	bestDiff := uint64(math.MaxUint64)
	for i, v := range groupSizeTable {
		var diff uint64
		if uint64(v) > uint64(n) {
			diff = uint64(v) - uint64(n)
		} else {
			diff = uint64(n) - uint64(v)
		}
		if diff < bestDiff {
			bestDiff = diff
			best = i
		}
	}
	return uint8(best)
}
