package grtt

import (
	"testing"
	"time"
)

func TestQuantizeRoundTripMonotonic(t *testing.T) {
	prev := time.Duration(-1)
	for q := 0; q < 256; q++ {
		d := FromQuantized(uint8(q))
		if d <= prev {
			t.Fatalf("durationTable not strictly increasing at q=%d: %v <= %v", q, d, prev)
		}
		prev = d
		if got := Quantize(d); got != uint8(q) {
			t.Fatalf("Quantize(FromQuantized(%d)) = %d, want %d", q, got, q)
		}
	}
}

func TestQuantizeClampsOutOfRange(t *testing.T) {
	if got := Quantize(0); got != 0 {
		t.Fatalf("Quantize(0) = %d, want 0", got)
	}
	if got := Quantize(time.Hour); got != 255 {
		t.Fatalf("Quantize(1h) = %d, want 255", got)
	}
}

func TestGroupSizeQuantizeRoundTrip(t *testing.T) {
	for _, n := range []uint32{1, 2, 8, 1000, 32768, 100000} {
		q := QuantizeGroupSize(n)
		got := GroupSizeFromQuantized(q)
		if got == 0 {
			t.Fatalf("GroupSizeFromQuantized(%d) = 0", q)
		}
	}
}
