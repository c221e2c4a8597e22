// Package stream implements the NORM stream object's circular segment
// buffer (spec.md §4.5 "Stream object"), generalizing the teacher's
// generic RingBuffer[T] (ringbuffer.go) from an auto-growing queue into a
// fixed-capacity ring with message-boundary tracking, push-vs-blocking
// overrun semantics, and break detection — properties the teacher's
// unbounded growable ring does not need but a NORM stream must have.
package stream

import "github.com/pkg/errors"

// ErrBreak is returned by Read when the read pointer has fallen outside
// the valid window because the writer advanced past it (spec.md §4.5
// "Break detection").
var ErrBreak = errors.New("stream: read pointer broke (writer overran buffer)")

// segment holds one physical slot of the ring: up to segSize bytes plus
// the NORM StreamPayloadHeader fields spec.md §4.5 names.
type segment struct {
	data      []byte
	len       int
	msgStart  bool
	eom       bool
	streamOff uint32
	seq       uint64 // logical write sequence this slot currently holds
	begun     bool   // seq is meaningful (slot has been written to at least once)
}

// Mode selects overrun behavior when the buffer has no vacancy.
type Mode int

const (
	// ModeBlock reports zero vacancy rather than overwrite unread data.
	ModeBlock Mode = iota
	// ModePush advances the write pointer destructively, discarding the
	// oldest unread segment (spec.md §4.5: "push mode: when buffer is
	// full, advance write anyway; readers may detect a break").
	ModePush
)

// Stream is the producer/consumer ring of K·numBlocks segments (spec.md
// §4.5: "A ring of K·(numBlocks) segments").
type Stream struct {
	segs    []segment
	segSize int
	mode    Mode

	writeSeq    uint64 // total segments ever advanced past (monotonic)
	readSeq     uint64 // total segments ever consumed (monotonic)
	writeOff    int    // byte offset within segs[writeSeq % cap]
	readOff     int    // byte offset within segs[readSeq % cap]
	streamBytes uint32 // running byte offset for StreamPayloadHeader
	atBoundary  bool   // next segment begun should carry msg_start
}

// New creates a Stream holding capacity segments of segSize bytes each.
func New(capacity, segSize int, mode Mode) *Stream {
	if capacity < 1 {
		capacity = 1
	}
	return &Stream{
		segs:       make([]segment, capacity),
		segSize:    segSize,
		mode:       mode,
		atBoundary: true,
	}
}

func (s *Stream) cap() int { return len(s.segs) }

func (s *Stream) cur(seq uint64) *segment { return &s.segs[seq%uint64(s.cap())] }

// validAt reports whether the physical slot for seq currently holds data
// written for that exact logical sequence number (rather than stale data
// from a slot reused by a later wraparound).
func (s *Stream) validAt(seq uint64) bool {
	cs := s.cur(seq)
	return cs.begun && cs.seq == seq
}

// HasVacancy reports whether at least one more segment can be written
// without overrunning the ring (spec.md §4.5 "HasVacancy/GetVacancy").
func (s *Stream) HasVacancy() bool {
	return s.writeSeq-s.readSeq < uint64(s.cap())
}

// GetVacancy reports (segments, bytes) available before overrun.
func (s *Stream) GetVacancy() (segments int, bytes int) {
	free := int64(s.cap()) - int64(s.writeSeq-s.readSeq)
	if free < 0 {
		free = 0
	}
	segBytes := s.segSize - s.writeOff
	if segBytes < 0 {
		segBytes = 0
	}
	return int(free), int(free)*s.segSize + segBytes
}

// Write copies up to len(buf) bytes into the stream, advancing to new
// segments as the current one fills, and returns the number of bytes
// actually copied (spec.md §4.5 "Write(buf, n, eom)"). If eom is true the
// final segment written to is marked end-of-message. In ModeBlock, Write
// stops (returns a short count) once vacancy is exhausted; in ModePush it
// always copies the full buffer, evicting unread segments as needed.
func (s *Stream) Write(buf []byte, eom bool) int {
	written := 0
	for written < len(buf) {
		if !s.HasVacancy() && s.writeOff == 0 {
			if s.mode == ModeBlock {
				break
			}
			// ModePush: overwrite the physical slot the reader hasn't
			// caught up to. The reader is never notified directly; it
			// discovers the overrun itself on its next Read (spec.md
			// §4.5: "advance write anyway; readers may detect a break").
		}
		if s.writeOff == 0 && (!s.cur(s.writeSeq).begun || s.cur(s.writeSeq).seq != s.writeSeq) {
			s.beginSegment(s.writeSeq)
		}
		cs := s.cur(s.writeSeq)
		n := copy(cs.data[s.writeOff:], buf[written:])
		s.writeOff += n
		written += n
		s.streamBytes += uint32(n)
		cs.len = s.writeOff
		if s.writeOff >= s.segSize {
			s.writeSeq++
			s.writeOff = 0
		}
	}
	if eom {
		s.MarkEom()
	}
	return written
}

func (s *Stream) beginSegment(seq uint64) {
	cs := s.cur(seq)
	if cap(cs.data) < s.segSize {
		cs.data = make([]byte, s.segSize)
	} else {
		cs.data = cs.data[:s.segSize]
	}
	cs.len = 0
	cs.eom = false
	cs.streamOff = s.streamBytes
	cs.msgStart = s.atBoundary
	s.atBoundary = false
	cs.seq = seq
	cs.begun = true
}

// MarkEom sets the end-of-message bit on the segment currently being
// written (spec.md §4.5 "MarkEom"). The segment is closed out even if not
// full, so the next Write begins a fresh segment carrying the msg_start
// flag — message boundaries always align to segment boundaries, which is
// what lets SeekMsgStart locate them.
func (s *Stream) MarkEom() {
	if s.writeOff == 0 && s.writeSeq > 0 && !s.validAt(s.writeSeq) {
		s.cur(s.writeSeq - 1).eom = true
		s.atBoundary = true
		return
	}
	s.cur(s.writeSeq).eom = true
	if s.writeOff > 0 {
		s.writeSeq++
		s.writeOff = 0
	}
	s.atBoundary = true
}

// MarkMsgStart forces the next segment begun to carry the msg_start flag,
// for callers that want an explicit boundary without an intervening EOM.
func (s *Stream) MarkMsgStart() {
	s.atBoundary = true
}

// Read copies up to len(buf) bytes from the stream into buf, returning the
// number of bytes read, whether an EOM boundary was crossed, and an error
// (ErrBreak if the read pointer has been overrun by the writer; spec.md
// §4.5 "Read(buf, &n) ... Break detection").
func (s *Stream) Read(buf []byte) (n int, eom bool, err error) {
	if s.writeSeq-s.readSeq > uint64(s.cap()) {
		return 0, false, ErrBreak
	}
	for n < len(buf) {
		if s.readSeq >= s.writeSeq && s.readOff >= s.writeOff && s.readSeq == s.writeSeq {
			break // caught up to the writer
		}
		if !s.validAt(s.readSeq) {
			break
		}
		cs := s.cur(s.readSeq)
		avail := cs.len - s.readOff
		if avail <= 0 {
			if cs.eom {
				eom = true
			}
			s.readSeq++
			s.readOff = 0
			if eom {
				return n, true, nil
			}
			continue
		}
		c := copy(buf[n:], cs.data[s.readOff:cs.len])
		n += c
		s.readOff += c
		if s.readOff >= cs.len {
			if cs.eom {
				eom = true
			}
			s.readSeq++
			s.readOff = 0
			if eom {
				return n, true, nil
			}
		}
	}
	return n, eom, nil
}

// SeekMsgStart advances the read pointer to the next segment with the
// msg_start flag set, returning false if none is currently available.
func (s *Stream) SeekMsgStart() bool {
	for seq := s.readSeq; seq < s.writeSeq; seq++ {
		cs := s.cur(seq)
		if s.validAt(seq) && cs.msgStart {
			s.readSeq = seq
			s.readOff = 0
			return true
		}
	}
	return false
}

// ReadOffset returns the stream-relative byte offset of the next byte the
// reader will consume.
func (s *Stream) ReadOffset() uint32 {
	if !s.validAt(s.readSeq) {
		return s.streamBytes
	}
	return s.cur(s.readSeq).streamOff + uint32(s.readOff)
}

// BufferUsage returns the number of segments currently holding unread
// data.
func (s *Stream) BufferUsage() int {
	return int(s.writeSeq - s.readSeq)
}
