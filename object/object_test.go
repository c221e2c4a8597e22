package object

import "testing"

func TestNumBlocksRoundsUp(t *testing.T) {
	o := New(1, TypeFile, 10000, 1400, 8, 0, 5, NackingNormal, 256)
	if got := o.NumBlocks(); got != 1 {
		t.Fatalf("NumBlocks() = %d, want 1 (10000 bytes fits in one 8*1400 block)", got)
	}
	o2 := New(2, TypeFile, 1400*8*2+1, 1400, 8, 0, 5, NackingNormal, 256)
	if got := o2.NumBlocks(); got != 3 {
		t.Fatalf("NumBlocks() = %d, want 3", got)
	}
}

func TestCompleteAndAbortFlags(t *testing.T) {
	o := New(1, TypeData, 100, 512, 4, 0, 5, NackingNormal, 16)
	if o.IsComplete() || o.IsAborted() {
		t.Fatal("new object should be neither complete nor aborted")
	}
	o.MarkComplete()
	if !o.IsComplete() {
		t.Fatal("expected complete after MarkComplete")
	}
	o.Abort()
	if !o.IsAborted() {
		t.Fatal("expected aborted after Abort")
	}
}
