package segment

import "testing"

func TestGetPutRoundTrip(t *testing.T) {
	p := New(400, 100) // capacity 4
	if p.Capacity() != 4 {
		t.Fatalf("capacity = %d, want 4", p.Capacity())
	}
	segs := make([][]byte, 0, 4)
	for i := 0; i < 4; i++ {
		s, err := p.Get()
		if err != nil {
			t.Fatalf("Get() unexpected error: %v", err)
		}
		if len(s) != 100 {
			t.Fatalf("segment len = %d, want 100", len(s))
		}
		segs = append(segs, s)
	}
	if _, err := p.Get(); err != ErrPoolExhausted {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	for _, s := range segs {
		p.Put(s)
	}
	if p.Available() != 4 {
		t.Fatalf("Available() = %d, want 4", p.Available())
	}
}

func TestOverrunTracking(t *testing.T) {
	p := New(100, 100) // capacity 1
	if _, err := p.Get(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Get(); err != ErrPoolExhausted {
		t.Fatal("expected exhaustion")
	}
	count, warned := p.Overrun()
	if count != 1 || warned {
		t.Fatalf("Overrun() = %d,%v want 1,false", count, warned)
	}
	p.MarkWarned()
	_, warned = p.Overrun()
	if !warned {
		t.Fatal("expected warned=true")
	}
	p.ResetOverrun()
	count, warned = p.Overrun()
	if count != 0 || warned {
		t.Fatal("expected reset overrun state")
	}
}
