// Package receiver implements the per-remote-sender receiver engine of
// spec.md §4.4: sync-policy admission, FEC decode-on-threshold, NACK
// construction with overheard-request suppression, and the BLOCK/OBJECT
// repair boundary.
package receiver

import (
	"math"
	"math/rand"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/normproto/norm/bitmask"
	"github.com/normproto/norm/block"
	"github.com/normproto/norm/fec"
	"github.com/normproto/norm/grtt"
	"github.com/normproto/norm/normlog"
	"github.com/normproto/norm/normtimer"
	"github.com/normproto/norm/object"
	"github.com/normproto/norm/stats"
	"github.com/normproto/norm/stream"
	"github.com/normproto/norm/wire"
)

// SyncPolicy governs the lower bound of the accepted object range (spec.md
// §4.4 "Sync policy").
type SyncPolicy int

const (
	SyncCurrent SyncPolicy = iota // accept only objects with id >= first-heard
	SyncStream                    // rewind to the start of a stream object
	SyncAll                       // accept everything visible in the sender's tx-cache bounds
)

// RepairBoundary controls whether NACKs are held until an object completes
// or emitted per block (spec.md §4.4 "Repair boundary").
type RepairBoundary int

const (
	RepairBlock RepairBoundary = iota
	RepairObject
)

// defaultKBackoff is the NACK backoff scale constant of spec.md §4.4's
// `[0, K_backoff · GRTT · log(groupSize))` formula; RFC 5740 recommends 4.
const defaultKBackoff = 4.0

// defaultRobustFactor is spec.md §4.4's "default 20" for control-message
// redundancy. New stores it in Config.RobustFactor when the field is unset;
// nothing in this package reads the value, and NACKs are not retransmitted
// that many times.
const defaultRobustFactor = 20

// Config bundles a RemoteSender's fixed parameters (spec.md §6 "receiver
// parameters per remote sender").
type Config struct {
	// SourceID is the remote sender this RemoteSender tracks (tags every
	// admitted Object's Source field and every outbound NACK's Server
	// field). LocalID is this session's own node id, used only as the
	// Header.SourceID on outbound NACK/repair-request messages this
	// RemoteSender originates — the two are distinct node ids and must
	// not be collapsed into one field.
	SourceID    uint32
	LocalID     uint32
	SenderAddr  *net.UDPAddr
	UnicastNack bool
	Silent      bool // spec.md §4.4 "Silent receiver"

	Sync           SyncPolicy
	Boundary       RepairBoundary
	RobustFactor   int
	KBackoff       float64
	RangeMax       uint32

	// DefaultK/P/SegSize seed a newly-admitted object's FEC shape when no
	// out-of-band Object Transmission Information is available; spec.md
	// §4.2 assumes OTI is carried by the session/INFO path, which this
	// wire codec does not encode as a distinct field (see DESIGN.md).
	DefaultK       int
	DefaultP       int
	DefaultSegSize int
	DefaultFecID   uint8

	Clock    normtimer.Clock
	Logger   *normlog.Logger
	Counters *stats.Counters

	// Rand returns a uniform float in [0,1); overridable for deterministic
	// tests. Defaults to a package-local math/rand source.
	Rand func() float64
}

type decoderKey struct {
	obj object.TransportID
	blk block.ID
}

// RemoteSender tracks one remote NORM sender's reception state.
type RemoteSender struct {
	mu sync.Mutex

	cfg Config

	objects map[object.TransportID]*object.Object
	decoders map[decoderKey]*fec.Decoder
	backoff  map[decoderKey]normtimer.Handle

	haveSeenAny   bool
	firstHeardID  object.TransportID

	grtt      time.Duration
	groupSize uint32

	timers *normtimer.Service

	outbound []*wire.Message

	onNew       func(*object.Object)
	onUpdated   func(*object.Object)
	onCompleted func(*object.Object)
	onAborted   func(*object.Object)
}

// New constructs a RemoteSender from cfg.
func New(cfg Config) *RemoteSender {
	if cfg.KBackoff <= 0 {
		cfg.KBackoff = defaultKBackoff
	}
	if cfg.RobustFactor <= 0 {
		cfg.RobustFactor = defaultRobustFactor
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if cfg.RangeMax == 0 {
		cfg.RangeMax = 256
	}
	return &RemoteSender{
		cfg:       cfg,
		objects:   make(map[object.TransportID]*object.Object),
		decoders:  make(map[decoderKey]*fec.Decoder),
		backoff:   make(map[decoderKey]normtimer.Handle),
		groupSize: 1,
		timers:    normtimer.NewService(cfg.Clock),
	}
}

// Close stops every pending NACK backoff timer owned by this sender's
// tracking state, releasing the underlying clock resources.
func (r *RemoteSender) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timers.Stop()
}

func (r *RemoteSender) OnNewObject(fn func(*object.Object))   { r.onNew = fn }
func (r *RemoteSender) OnUpdated(fn func(*object.Object))     { r.onUpdated = fn }
func (r *RemoteSender) OnCompleted(fn func(*object.Object))   { r.onCompleted = fn }
func (r *RemoteSender) OnAborted(fn func(*object.Object))     { r.onAborted = fn }

// Object returns the tracked object for id, if this sender has sent at
// least one INFO or DATA segment naming it.
func (r *RemoteSender) Object(id object.TransportID) (*object.Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[id]
	return obj, ok
}

// DrainOutbound returns and clears NACK/ACK messages built since the last
// call, for the session loop to transmit.
func (r *RemoteSender) DrainOutbound() []*wire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.outbound
	r.outbound = nil
	return out
}

// GRTT returns the current local estimate of the sender's GRTT, updated by
// HandleCC (spec.md §4.3 "GRTT probing").
func (r *RemoteSender) GRTT() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.grtt
}

// admitted reports whether id passes the configured sync policy, given the
// first object id ever observed from this sender.
func (r *RemoteSender) admitted(id object.TransportID) bool {
	switch r.cfg.Sync {
	case SyncAll:
		return true
	case SyncStream, SyncCurrent:
		if !r.haveSeenAny {
			return true
		}
		return !idBefore(id, r.firstHeardID)
	default:
		return true
	}
}

// idBefore reports whether a precedes b in the wrapping 16-bit
// ObjectTransportId space, using signed-difference comparison the same way
// block.ID sequence arithmetic does.
func idBefore(a, b object.TransportID) bool {
	return int16(a-b) < 0
}

func (r *RemoteSender) markFirstHeard(id object.TransportID) {
	if !r.haveSeenAny {
		r.haveSeenAny = true
		r.firstHeardID = id
	}
}

// HandleInfo admits (or updates) the INFO blob for an object (spec.md §4.1
// "INFO message").
func (r *RemoteSender) HandleInfo(msg *wire.InfoMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := object.TransportID(msg.ObjectID.ObjectID)
	if !r.admitted(id) {
		return nil
	}
	r.markFirstHeard(id)
	obj := r.getOrCreate(id, wireTypeToObject(msg.ObjectType), msg.FecID, 0)
	obj.Info = append([]byte(nil), msg.Info...)
	return nil
}

// getOrCreate returns the object for id, constructing and registering a
// fresh one (triggering RX_OBJECT_NEW) if this is the first time it's been
// seen.
func (r *RemoteSender) getOrCreate(id object.TransportID, kind object.Type, fecID uint8, size uint64) *object.Object {
	obj, ok := r.objects[id]
	if ok {
		return obj
	}
	k, p, s := r.cfg.DefaultK, r.cfg.DefaultP, r.cfg.DefaultSegSize
	if fecID == 0 {
		fecID = r.cfg.DefaultFecID
	}
	obj = object.New(id, kind, size, s, k, p, fecID, object.NackingNormal, r.cfg.RangeMax)
	obj.Source = r.cfg.SourceID
	if kind == object.TypeData {
		obj.DataPayload = &object.Data{}
	}
	if kind == object.TypeStream {
		obj.StreamPayload = stream.New(64, s, stream.ModeBlock)
	}
	r.objects[id] = obj
	if r.onNew != nil {
		r.onNew(obj)
	}
	return obj
}

func wireTypeToObject(t wire.ObjectType) object.Type {
	switch t {
	case wire.ObjectFile:
		return object.TypeFile
	case wire.ObjectStream:
		return object.TypeStream
	case wire.ObjectSim:
		return object.TypeSim
	default:
		return object.TypeData
	}
}

// HandleData is the core receive path: admits the segment's object/block if
// new, folds the symbol into the block's FEC decoder, attempts decode once
// K symbols are present, and arms a NACK backoff timer on any freshly
// detected gap (spec.md §4.4).
func (r *RemoteSender) HandleData(msg *wire.DataMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := object.TransportID(msg.PayloadID.ObjectID)
	if !r.admitted(id) {
		return nil
	}
	r.markFirstHeard(id)

	obj := r.getOrCreate(id, wireTypeToObject(msg.ObjectType), msg.FecID, msg.ObjectSize)
	if msg.ObjectSize > 0 && obj.Size == 0 {
		obj.Size = msg.ObjectSize
	}
	if obj.IsComplete() || obj.IsAborted() {
		return nil
	}

	blk, key, isNewBlock := r.blockFor(obj, block.ID(msg.PayloadID.BlockID))
	if !isNewBlock && !blk.IsPending() {
		// Block already fully decoded; a late or duplicate symbol arrived.
		return nil
	}
	idx := int(msg.PayloadID.SymbolID)

	dec, ok := r.decoders[key]
	if !ok {
		codec, err := obj.NewCodec()
		if err != nil {
			return errors.Wrap(err, "receiver: building decoder")
		}
		dec = fec.NewDecoder(codec)
		r.decoders[key] = dec
		if isNewBlock {
			blk.Pending.SetBits(0, blk.K())
		}
	}

	if blk.Symbol(idx) == nil {
		blk.SetSymbol(idx, msg.Payload)
		if err := dec.SetSymbol(idx, msg.Payload); err != nil {
			return err
		}
		if idx < blk.K() {
			blk.Pending.Unset(idx)
		}
	}
	if idx >= blk.K() {
		blk.ParityCount++
	}

	if !dec.Decodable() {
		r.arriveUpdatesErasures(obj, blk)
		r.armBackoffIfNeeded(obj.ID, blk, key)
		return nil
	}

	if err := r.decodeBlock(obj, blk, dec); err != nil {
		if r.cfg.Counters != nil {
			atomic.AddUint64(&r.cfg.Counters.DecodeFailures, 1)
		}
		return err
	}
	r.cancelBackoff(key)
	delete(r.decoders, key)

	if r.onUpdated != nil {
		r.onUpdated(obj)
	}
	if r.objectComplete(obj) {
		obj.MarkComplete()
		if r.onCompleted != nil {
			r.onCompleted(obj)
		}
	}
	return nil
}

func (r *RemoteSender) blockFor(obj *object.Object, id block.ID) (*block.Block, decoderKey, bool) {
	key := decoderKey{obj: obj.ID, blk: id}
	if blk, ok := obj.Blocks.Find(id); ok {
		return blk, key, false
	}
	blk := block.New(id, obj.K, obj.P)
	_ = obj.Blocks.Insert(blk)
	return blk, key, true
}

// arriveUpdatesErasures recomputes blk.ErasureCount from the current
// Pending mask so the NACK-construction step can bound its request to
// spec.md §4.4's "at most numParity parity symbols" rule.
func (r *RemoteSender) arriveUpdatesErasures(obj *object.Object, blk *block.Block) {
	e := 0
	for i := 0; i < blk.K(); i++ {
		if blk.Symbol(i) == nil {
			e++
		}
	}
	blk.ErasureCount = e
}

func (r *RemoteSender) decodeBlock(obj *object.Object, blk *block.Block, dec *fec.Decoder) error {
	if err := dec.Decode(); err != nil {
		return err
	}
	sources := dec.Sources()
	for i := 0; i < blk.K(); i++ {
		if blk.Symbol(i) == nil {
			blk.SetSymbol(i, sources[i])
		}
	}
	blk.Pending.Clear()
	blk.ErasureCount = 0
	if r.cfg.Counters != nil {
		atomic.AddUint64(&r.cfg.Counters.BlocksDecoded, 1)
	}
	r.deliver(obj, blk, sources)
	return nil
}

// deliver copies a decoded block's source segments into the object's
// payload (in-memory Data, or the Stream ring for STREAM objects).
func (r *RemoteSender) deliver(obj *object.Object, blk *block.Block, sources [][]byte) {
	switch obj.Kind {
	case object.TypeData:
		if obj.DataPayload == nil {
			obj.DataPayload = &object.Data{}
		}
		if uint64(len(obj.DataPayload.Bytes)) < obj.Size {
			obj.DataPayload.Bytes = make([]byte, obj.Size)
		}
		base := int(blk.ID) * obj.S * blk.K()
		for i, seg := range sources {
			off := base + i*obj.S
			if off >= len(obj.DataPayload.Bytes) {
				break
			}
			n := copy(obj.DataPayload.Bytes[off:], seg)
			_ = n
		}
	case object.TypeStream:
		if obj.StreamPayload == nil {
			obj.StreamPayload = stream.New(64, obj.S, stream.ModeBlock)
		}
		for _, seg := range sources {
			obj.StreamPayload.Write(seg, false)
		}
	}
}

func (r *RemoteSender) objectComplete(obj *object.Object) bool {
	complete := true
	obj.Blocks.ForEach(func(blk *block.Block) bool {
		if blk.IsPending() {
			complete = false
			return false
		}
		return true
	})
	return complete && obj.NumBlocks() == uint32(obj.Blocks.Len())
}

// armBackoffIfNeeded starts the NACK backoff timer for a block with a
// detected gap, unless one is already running (spec.md §4.4 "NACK
// construction" step 1).
func (r *RemoteSender) armBackoffIfNeeded(objID object.TransportID, blk *block.Block, key decoderKey) {
	if r.cfg.Silent {
		return
	}
	if _, running := r.backoff[key]; running {
		return
	}
	d := r.backoffDuration()
	r.backoff[key] = r.timers.After(d, func() { r.fireBackoff(objID, key) })
}

func (r *RemoteSender) backoffDuration() time.Duration {
	grtt := r.grtt
	if grtt <= 0 {
		grtt = 100 * time.Millisecond
	}
	gs := r.groupSize
	if gs < 1 {
		gs = 1
	}
	logGs := math.Log(float64(gs))
	upper := r.cfg.KBackoff * float64(grtt) * logGs
	if upper <= 0 {
		return 0
	}
	return time.Duration(r.cfg.Rand() * upper)
}

func (r *RemoteSender) cancelBackoff(key decoderKey) {
	if h, ok := r.backoff[key]; ok {
		r.timers.Cancel(h)
		delete(r.backoff, key)
	}
}

// fireBackoff executes spec.md §4.4 NACK-construction steps 3-4 at timer
// expiry.
func (r *RemoteSender) fireBackoff(objID object.TransportID, key decoderKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.backoff, key)
	obj, ok := r.objects[objID]
	if !ok {
		return
	}
	blk, ok := obj.Blocks.Find(key.blk)
	if !ok {
		return
	}

	residual := blk.Pending.Clone()
	for i := blk.Repair.GetFirstSet(); i >= 0; i = blk.Repair.GetNextSet(i) {
		residual.Unset(i)
	}
	blk.Repair.Clear()

	if residual.IsZero() {
		if r.cfg.Counters != nil {
			atomic.AddUint64(&r.cfg.Counters.NacksSuppressed, 1)
		}
		return
	}
	if r.cfg.Silent {
		return
	}

	symbolIDs := maskToSymbolIDs(residual)
	reqs := wire.BuildSegmentRequests(wire.FlagSegment, uint16(objID), uint32(key.blk), symbolIDs)
	nack := &wire.Message{
		Header: wire.Header{Version: wire.Version, Type: wire.MsgNack, SourceID: r.cfg.LocalID},
		Nack:   &wire.NackMessage{FecID: obj.FecID, Server: r.cfg.SourceID, Requests: reqs},
	}
	r.outbound = append(r.outbound, nack)
	if r.cfg.Counters != nil {
		atomic.AddUint64(&r.cfg.Counters.NacksSent, 1)
	}
}

func maskToSymbolIDs(m *bitmask.Mask) []uint16 {
	var out []uint16
	for i := m.GetFirstSet(); i >= 0; i = m.GetNextSet(i) {
		out = append(out, uint16(i))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// OverhearNack folds another receiver's NACK request into the local
// suppression state, so a concurrent identical request doesn't trigger a
// redundant transmission (spec.md §4.4 step 2: "for each overheard request
// that covers our pending set, OR it into repair").
func (r *RemoteSender) OverhearNack(nack *wire.NackMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range nack.Requests {
		for _, pid := range wire.ExpandRepairRequest(req) {
			obj, ok := r.objects[object.TransportID(pid.ObjectID)]
			if !ok {
				continue
			}
			blk, ok := obj.Blocks.Find(block.ID(pid.BlockID))
			if !ok {
				continue
			}
			idx := int(pid.SymbolID)
			if blk.Pending.Test(idx) {
				blk.Repair.Set(idx)
			}
		}
	}
}

// HandleCC folds a sender's CMD_CC probe into the local GRTT/group-size
// estimate used for NACK backoff timing (spec.md §4.3/§4.4).
func (r *RemoteSender) HandleCC(cc *wire.CCBody) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grtt = grtt.FromQuantized(cc.GRTT)
	if cc.GroupSize != 0 {
		r.groupSize = grtt.GroupSizeFromQuantized(cc.GroupSize)
	}
}
