package block

import (
	"math"
	"testing"
)

func TestCompareAgreesWithSignedSubtraction(t *testing.T) {
	cases := []struct{ a, b ID }{
		{0, 0}, {1, 0}, {0, 1}, {1000, 999}, {999, 1000},
		{math.MaxUint32, 0}, {0, math.MaxUint32},
	}
	for _, c := range cases {
		got := Compare(c.a, c.b)
		want := 0
		d := int32(c.a - c.b)
		if d < 0 {
			want = -1
		} else if d > 0 {
			want = 1
		}
		if got != want {
			t.Fatalf("Compare(%d,%d) = %d, want %d", c.a, c.b, got, want)
		}
	}
}

// TestIncrementDecrementInverse covers spec.md §8 invariant 3.
func TestIncrementDecrementInverse(t *testing.T) {
	cases := []ID{0, 1, 100, math.MaxUint32 - 5, math.MaxUint32}
	deltas := []uint32{0, 1, 7, 1000}
	for _, a := range cases {
		for _, d := range deltas {
			inc := Increment(a, d)
			back := Decrement(inc, d)
			if back != a {
				t.Fatalf("Increment(%d,%d) then Decrement = %d, want %d", a, d, back, a)
			}
		}
	}
}

func TestBlockPendingComplete(t *testing.T) {
	b := New(1, 4, 2)
	if b.IsPending() {
		t.Fatal("fresh block's explicit Pending mask should start clear")
	}
	b.Pending.SetBits(0, 4)
	if !b.IsPending() {
		t.Fatal("block should be pending once bits are set")
	}
	if b.IsComplete() {
		t.Fatal("block should not be complete with no symbols set")
	}
	for i := 0; i < 4; i++ {
		b.SetSymbol(i, []byte{byte(i)})
	}
	if !b.IsComplete() {
		t.Fatal("block should be complete once all k source symbols are set")
	}
	if b.ReceivedCount() != 4 {
		t.Fatalf("ReceivedCount = %d, want 4", b.ReceivedCount())
	}
}

func TestBufferInsertFindRemove(t *testing.T) {
	buf := NewBuffer(100)
	for i := ID(0); i < 5; i++ {
		if err := buf.Insert(New(i, 4, 2)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if buf.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", buf.Len())
	}
	lo, hi, ok := buf.Range()
	if !ok || lo != 0 || hi != 4 {
		t.Fatalf("Range() = %d,%d,%v want 0,4,true", lo, hi, ok)
	}
	if _, ok := buf.Find(2); !ok {
		t.Fatal("expected to find block 2")
	}
	buf.Remove(0)
	lo, _, ok = buf.Range()
	if !ok || lo != 1 {
		t.Fatalf("after removing head, lo = %d, want 1", lo)
	}
	buf.Remove(4)
	_, hi, ok = buf.Range()
	if !ok || hi != 3 {
		t.Fatalf("after removing tail, hi = %d, want 3", hi)
	}
}

func TestBufferInsertFailsBeyondRangeMax(t *testing.T) {
	buf := NewBuffer(2)
	if err := buf.Insert(New(0, 4, 2)); err != nil {
		t.Fatal(err)
	}
	if err := buf.Insert(New(2, 4, 2)); err != nil {
		t.Fatal(err)
	}
	if err := buf.Insert(New(3, 4, 2)); err != ErrRangeExceeded {
		t.Fatalf("expected ErrRangeExceeded, got %v", err)
	}
}

func TestBufferForEachOrder(t *testing.T) {
	buf := NewBuffer(100)
	for _, id := range []ID{3, 1, 2} {
		buf.Insert(New(id, 2, 1))
	}
	var order []ID
	buf.ForEach(func(b *Block) bool {
		order = append(order, b.ID)
		return true
	})
	want := []ID{1, 2, 3}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("ForEach order = %v, want %v", order, want)
		}
	}
}
