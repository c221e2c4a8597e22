package stream

import "testing"

// TestWriteReadWithEomBoundaries covers spec.md §8 scenario (d): three
// messages of 4, 7, 5 bytes each terminated by EOM, read back in order via
// SeekMsgStart.
func TestWriteReadWithEomBoundaries(t *testing.T) {
	s := New(16, 32, ModeBlock)

	msgs := [][]byte{
		[]byte("abcd"),
		[]byte("efghijk"),
		[]byte("lmnop"),
	}
	for _, m := range msgs {
		s.MarkMsgStart()
		if n := s.Write(m, true); n != len(m) {
			t.Fatalf("Write(%q) = %d, want %d", m, n, len(m))
		}
	}

	for _, want := range msgs {
		if !s.SeekMsgStart() {
			t.Fatal("SeekMsgStart found nothing, expected a message")
		}
		buf := make([]byte, 64)
		n, eom, err := s.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if !eom {
			t.Fatal("expected eom on message boundary")
		}
		if string(buf[:n]) != string(want) {
			t.Fatalf("Read = %q, want %q", buf[:n], want)
		}
	}
}

func TestHasVacancyAndBlockMode(t *testing.T) {
	s := New(2, 4, ModeBlock)
	s.Write([]byte("aaaa"), false) // fills segment 0
	s.Write([]byte("bbbb"), false) // fills segment 1, now no vacancy
	if s.HasVacancy() {
		t.Fatal("expected no vacancy after filling both segments")
	}
	n := s.Write([]byte("cccc"), false)
	if n != 0 {
		t.Fatalf("ModeBlock Write past capacity = %d bytes, want 0", n)
	}
}

func TestPushModeOverwritesAndReaderBreaks(t *testing.T) {
	s := New(2, 4, ModePush)
	s.Write([]byte("aaaa"), false)
	s.Write([]byte("bbbb"), false)
	// Reader has not consumed anything yet; push a third segment which
	// must evict segment 0.
	s.Write([]byte("cccc"), false)

	buf := make([]byte, 4)
	_, _, err := s.Read(buf)
	if err != ErrBreak {
		t.Fatalf("expected ErrBreak after overrun, got %v", err)
	}
}

func TestBufferUsageTracksUnreadSegments(t *testing.T) {
	s := New(4, 4, ModeBlock)
	s.Write([]byte("aaaa"), false)
	s.Write([]byte("bbbb"), false)
	if u := s.BufferUsage(); u != 2 {
		t.Fatalf("BufferUsage() = %d, want 2", u)
	}
	buf := make([]byte, 8)
	s.Read(buf)
	if u := s.BufferUsage(); u != 0 {
		t.Fatalf("BufferUsage() = %d, want 0 after full read", u)
	}
}
