// Package segment implements the fixed-size payload buffer allocator
// (spec.md §3 "Segment"). It replaces the teacher's unbounded sync.Pool
// (session.go xmitBuf) with a bounded free-list sized by bufferSpace/S, so
// that the sender and receiver engines observe back-pressure instead of
// growing memory without limit (spec.md §5 "Backpressure").
package segment

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrPoolExhausted is returned by Get when every segment is checked out.
var ErrPoolExhausted = errors.New("segment: pool exhausted")

// Pool is a free-list of equal-sized byte buffers. A zero segSize is
// invalid; construct with New.
type Pool struct {
	mu       sync.Mutex
	segSize  int
	free     [][]byte
	overrun  int
	warned   bool
	capacity int
}

// New creates a pool sized to hold capacity segments of segSize bytes each
// (spec.md §3: "Pool is sized by bufferSpace / S").
func New(bufferSpace, segSize int) *Pool {
	if segSize <= 0 {
		segSize = 1
	}
	capacity := bufferSpace / segSize
	if capacity < 1 {
		capacity = 1
	}
	p := &Pool{
		segSize:  segSize,
		free:     make([][]byte, 0, capacity),
		capacity: capacity,
	}
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, make([]byte, segSize))
	}
	return p
}

// SegmentSize returns the fixed size of every segment vended by this pool.
func (p *Pool) SegmentSize() int { return p.segSize }

// Capacity returns the total number of segments the pool was sized for.
func (p *Pool) Capacity() int { return p.capacity }

// Get checks out one segment. Overrun beyond capacity is non-fatal: it is
// counted and logged once per episode by the caller via Overrun/ResetOverrun,
// matching spec.md §3 "Overrun is non-fatal but logged once per episode."
func (p *Pool) Get() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		p.overrun++
		return nil, ErrPoolExhausted
	}
	seg := p.free[n-1]
	p.free = p.free[:n-1]
	return seg[:p.segSize], nil
}

// Put returns a segment to the pool. Segments not originally vended by this
// pool must not be returned; callers only ever pass back what Get gave them.
func (p *Pool) Put(seg []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= p.capacity {
		return // discard: pool already full, e.g. double free after resize
	}
	p.free = append(p.free, seg[:cap(seg)])
}

// Available reports the number of segments currently free.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Overrun reports the number of Get calls that failed since the last
// ResetOverrun, and whether this episode has already been logged (so the
// caller logs once per episode rather than once per failed Get).
func (p *Pool) Overrun() (count int, alreadyWarned bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.overrun, p.warned
}

// MarkWarned flags the current overrun episode as logged.
func (p *Pool) MarkWarned() {
	p.mu.Lock()
	p.warned = true
	p.mu.Unlock()
}

// ResetOverrun clears the overrun counter and warned flag, called once
// capacity becomes available again.
func (p *Pool) ResetOverrun() {
	p.mu.Lock()
	p.overrun = 0
	p.warned = false
	p.mu.Unlock()
}
