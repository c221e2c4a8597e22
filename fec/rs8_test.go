package fec

import (
	"bytes"
	"testing"
)

func makeSymbol(size int, fill byte) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = fill
	}
	return b
}

// TestRoundTripNoErasure covers spec.md §8 invariant 1 for a representative
// sweep of (K,P) pairs: Decode(Encode(data)) == data with zero erasures.
func TestRoundTripNoErasure(t *testing.T) {
	cases := []struct{ k, p int }{
		{1, 0}, {1, 1}, {4, 3}, {8, 4}, {16, 16}, {200, 55},
	}
	for _, c := range cases {
		codec, err := New(c.k, c.p)
		if err != nil {
			t.Fatalf("k=%d p=%d: %v", c.k, c.p, err)
		}
		enc := NewEncoder(codec, 32)
		sources := make([][]byte, c.k)
		for i := 0; i < c.k; i++ {
			sources[i] = makeSymbol(32, byte(i))
			if err := enc.SetSource(i, sources[i]); err != nil {
				t.Fatal(err)
			}
		}
		parity, err := enc.Encode()
		if err != nil {
			t.Fatalf("k=%d p=%d encode: %v", c.k, c.p, err)
		}
		if c.p == 0 && parity != nil {
			t.Fatalf("expected nil parity for p=0")
		}

		dec := NewDecoder(codec)
		for i := 0; i < c.k; i++ {
			if err := dec.SetSymbol(i, sources[i]); err != nil {
				t.Fatal(err)
			}
		}
		for i := 0; i < c.p; i++ {
			if err := dec.SetSymbol(c.k+i, parity[i]); err != nil {
				t.Fatal(err)
			}
		}
		if err := dec.Decode(); err != nil {
			t.Fatalf("k=%d p=%d decode: %v", c.k, c.p, err)
		}
		for i := 0; i < c.k; i++ {
			if !bytes.Equal(dec.Sources()[i], sources[i]) {
				t.Fatalf("k=%d p=%d source %d mismatch", c.k, c.p, i)
			}
		}
	}
}

// TestErasureRecovery covers spec.md §8 scenario (f): K=4,P=3, erase up to
// P=3 symbols (including source symbols) and recover bit-exact originals.
func TestErasureRecovery(t *testing.T) {
	const k, p = 4, 3
	codec, err := New(k, p)
	if err != nil {
		t.Fatal(err)
	}
	sources := make([][]byte, k)
	enc := NewEncoder(codec, 8)
	for i := 0; i < k; i++ {
		sources[i] = []byte{byte(0x11 * (i + 1)), 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0xFF}
		if err := enc.SetSource(i, sources[i]); err != nil {
			t.Fatal(err)
		}
	}
	parity, err := enc.Encode()
	if err != nil {
		t.Fatal(err)
	}

	all := append(append([][]byte{}, sources...), parity...)
	erase := []int{0, 2, 5} // two source (0,2) and one parity (5)

	dec := NewDecoder(codec)
	for i, s := range all {
		erased := false
		for _, e := range erase {
			if e == i {
				erased = true
			}
		}
		if !erased {
			if err := dec.SetSymbol(i, s); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := dec.Decode(); err != nil {
		t.Fatalf("decode with 3 erasures should succeed: %v", err)
	}
	for i := 0; i < k; i++ {
		if !bytes.Equal(dec.Sources()[i], sources[i]) {
			t.Fatalf("source %d not recovered correctly: got %x want %x", i, dec.Sources()[i], sources[i])
		}
	}
}

func TestUnsupportedFecID(t *testing.T) {
	if SupportedFecID(7) {
		t.Fatal("fecId 7 should be unsupported")
	}
	if !SupportedFecID(IDReedSolomon8) || !SupportedFecID(IDReedSolomon8S) {
		t.Fatal("fecId 5 and 129 should be supported")
	}
}

func TestDecodeInsufficientSymbols(t *testing.T) {
	codec, err := New(4, 2)
	if err != nil {
		t.Fatal(err)
	}
	dec := NewDecoder(codec)
	dec.SetSymbol(0, []byte{1, 2})
	dec.SetSymbol(1, []byte{3, 4})
	if dec.Decodable() {
		t.Fatal("should not be decodable with only 2/4 symbols")
	}
	if err := dec.Decode(); err == nil {
		t.Fatal("expected error decoding with insufficient symbols")
	}
}
