// Package object implements the NORM transport object: the tagged-sum
// FILE/DATA/STREAM/SIM representation of spec.md §3 "Object" and §9's
// "replace inheritance with a tagged sum whose variants carry only their
// own state, sharing a common Object header" design note.
package object

import (
	"sync"

	"github.com/normproto/norm/block"
	"github.com/normproto/norm/fec"
	"github.com/normproto/norm/stream"
)

// Type identifies which variant of the tagged sum an Object holds.
type Type int

const (
	TypeFile Type = iota
	TypeData
	TypeStream
	TypeSim
)

func (t Type) String() string {
	switch t {
	case TypeFile:
		return "FILE"
	case TypeData:
		return "DATA"
	case TypeStream:
		return "STREAM"
	case TypeSim:
		return "SIM"
	default:
		return "UNKNOWN"
	}
}

// NackingMode controls how aggressively a receiver repairs this object
// (spec.md §3: "nacking mode ∈ {NONE, INFO_ONLY, NORMAL}").
type NackingMode int

const (
	NackingNone NackingMode = iota
	NackingInfoOnly
	NackingNormal
)

// TransportID is the wrapping 16-bit object identifier (spec.md §3:
// "identified by a 16-bit ObjectTransportId (wraps)").
type TransportID uint16

// Next returns id+1, wrapping at 2^16 per spec.md's ObjectTransportId.
func (id TransportID) Next() TransportID { return id + 1 }

// Data is the payload for a TypeData object: an in-memory byte buffer
// supplied whole at enqueue time.
type Data struct {
	Bytes []byte
}

// File is the payload for a TypeFile object: segments are read lazily from
// an external byte-oriented store (spec.md §6 "Object store" collaborator)
// rather than held in memory.
type File struct {
	Path  string
	Store RandomAccessStore
	Name  string // receiver-visible name, settable via RX_OBJECT_INFO (FileRename)
}

// RandomAccessStore is the external collaborator interface for FILE object
// byte I/O (spec.md §6: "a byte-oriented random-access object store for
// FILE objects").
type RandomAccessStore interface {
	ReadAt(path string, p []byte, off int64) (int, error)
	WriteAt(path string, p []byte, off int64) (int, error)
	Size(path string) (int64, error)
}

// Object is the common header shared by every variant (spec.md §9:
// "sharing a common Object header (id, info, size, K/P/S, nacking mode)").
// Exactly one of Data, File, Stream is non-nil depending on Kind.
type Object struct {
	mu sync.Mutex

	ID     TransportID
	Kind   Type
	Info   []byte // ≤ S bytes, spec.md §3
	Size   uint64 // total size, up to 2^48 bytes
	S      int    // segment size
	K      int    // numData
	P      int    // numParity
	FecID  uint8
	Nack   NackingMode
	Source uint32 // remote sender id; zero for locally-originated (tx) objects

	Blocks *block.Buffer

	DataPayload   *Data
	FilePayload   *File
	StreamPayload *stream.Stream

	complete bool
	aborted  bool
	infoSent bool
}

// NeedsInfo reports whether this object carries an INFO blob the scheduler
// has not yet transmitted (spec.md §3: "an optional INFO blob (≤ S
// bytes)"; §28 data-flow: "scheduler emits INFO/DATA/PARITY packets").
func (o *Object) NeedsInfo() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.Info) > 0 && !o.infoSent
}

// MarkInfoSent flags the INFO blob as transmitted, so the scheduler does
// not repeat it on every pass over the tx-cache.
func (o *Object) MarkInfoSent() {
	o.mu.Lock()
	o.infoSent = true
	o.mu.Unlock()
}

// NumBlocks returns how many blocks the object's Size divides into given
// segment size S and numData K.
func (o *Object) NumBlocks() uint32 {
	if o.S <= 0 || o.K <= 0 {
		return 0
	}
	blockBytes := uint64(o.S) * uint64(o.K)
	n := o.Size / blockBytes
	if o.Size%blockBytes != 0 {
		n++
	}
	if n == 0 {
		n = 1
	}
	return uint32(n)
}

// New creates an Object header; callers then attach the variant-specific
// payload (Data/File/Stream) before use.
func New(id TransportID, kind Type, size uint64, s, k, p int, fecID uint8, nack NackingMode, rangeMax uint32) *Object {
	return &Object{
		ID:     id,
		Kind:   kind,
		Size:   size,
		S:      s,
		K:      k,
		P:      p,
		FecID:  fecID,
		Nack:   nack,
		Blocks: block.NewBuffer(rangeMax),
	}
}

// NewCodec builds a per-block FEC codec matching this object's K/P.
func (o *Object) NewCodec() (*fec.Codec, error) {
	return fec.New(o.K, o.P)
}

// IsComplete reports whether every block known to this object has been
// fully received/decoded (receiver side) or fully transmitted (sender
// side, tracked externally by the scheduler).
func (o *Object) IsComplete() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.complete
}

// MarkComplete flags the object RX_OBJECT_COMPLETED / TX_OBJECT_SENT.
func (o *Object) MarkComplete() {
	o.mu.Lock()
	o.complete = true
	o.mu.Unlock()
}

// IsAborted reports whether the object was purged via a protocol-fatal
// error (spec.md §7 error kind 3: stream break, block range exceeded).
func (o *Object) IsAborted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.aborted
}

// Abort marks the object RX_OBJECT_ABORTED / TX_OBJECT_PURGED.
func (o *Object) Abort() {
	o.mu.Lock()
	o.aborted = true
	o.mu.Unlock()
}
