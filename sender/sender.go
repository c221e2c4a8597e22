// Package sender implements the NORM sender engine of spec.md §4.3: the
// tx-cache scheduler that turns enqueued objects into DATA/INFO segments in
// ascending (object, block, symbol) order, rate pacing via a next-send-time
// cursor, GRTT probing, and the watermark/flush protocol. It owns no socket
// directly; it is driven by a session loop that calls NextPacket and feeds
// received ACK/NACK messages to HandleNack/HandleAck.
package sender

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/normproto/norm/block"
	"github.com/normproto/norm/fec"
	"github.com/normproto/norm/grtt"
	"github.com/normproto/norm/normlog"
	"github.com/normproto/norm/normtimer"
	"github.com/normproto/norm/object"
	"github.com/normproto/norm/segment"
	"github.com/normproto/norm/stats"
	"github.com/normproto/norm/wire"
)

// FlushMode selects how aggressively the sender chases EOT acknowledgment
// once its tx-cache has nothing left to send (spec.md §4.3 "Flush").
type FlushMode int

const (
	FlushNone FlushMode = iota
	FlushPassive
	FlushActive
)

// ErrNoData is returned by NextPacket when the scheduler has nothing to
// send right now (empty queues, or rate-paced until a future time).
var ErrNoData = errors.New("sender: nothing to send")

// Config bundles the collaborators and tunables a Sender needs at
// construction (spec.md §6 "Sender" parameters).
type Config struct {
	SourceID   uint32
	GroupAddr  *net.UDPAddr
	SegmentPool *segment.Pool
	Clock      normtimer.Clock
	Logger     *normlog.Logger
	Counters   *stats.Counters

	TxRateBps  float64 // bytes/sec; 0 disables pacing
	CCMode     grtt.Mode
	GRTTInit   time.Duration
	AutoParity int // parity symbols proactively sent per block alongside sources

	CacheCountMin int
	CacheCountMax int
	CacheSizeMax  uint64

	Flush FlushMode

	// RobustFactor bounds how many CMD_ACK_REQ rounds a watermark waits for
	// a node's ACK before marking it FAILURE (spec.md §4.3, §8 scenario
	// (c)). <= 0 falls back to Watermark's own default.
	RobustFactor int
}

// pendingBlock is a scheduler-visible (object, block) pair still carrying
// unset Pending bits.
type pendingBlock struct {
	objID object.TransportID
	blk   *block.Block
}

// Sender is the engine instance for one local NORM session.
type Sender struct {
	mu sync.Mutex

	cfg    Config
	cache  *object.TxCache
	nextID object.TransportID
	seq    uint16

	prober *grtt.Prober
	timers *normtimer.Service

	nextTxTime time.Time

	repair []repairJob

	watermark Watermark

	onPurge  func(*object.Object)
	onSent   func(*object.Object)
	logger   *normlog.Logger
	counters *stats.Counters
}

// New constructs a Sender from cfg.
func New(cfg Config) *Sender {
	s := &Sender{
		cfg:      cfg,
		cache:    object.NewTxCache(cfg.CacheCountMin, cfg.CacheCountMax, cfg.CacheSizeMax),
		prober:   grtt.NewProber(cfg.CCMode, cfg.GRTTInit),
		timers:   normtimer.NewService(cfg.Clock),
		logger:   cfg.Logger,
		counters: cfg.Counters,
	}
	s.watermark.reset()
	return s
}

// OnPurge registers a callback invoked when the tx-cache evicts an object
// before it completed transmission (spec.md §7 "TX_OBJECT_PURGED").
func (s *Sender) OnPurge(fn func(*object.Object)) { s.onPurge = fn }

// OnSent registers a callback invoked once every block of an object has had
// all of its pending bits cleared (spec.md §7 "TX_OBJECT_SENT").
func (s *Sender) OnSent(fn func(*object.Object)) { s.onSent = fn }

// Prober exposes the GRTT/congestion-control estimator so the session loop
// can feed it into CMD_CC construction and read QuantizedGRTT for reports.
func (s *Sender) Prober() *grtt.Prober { return s.prober }

// Timers exposes the scheduled-callback service so the session loop can
// drive watermark/probe timers alongside NextPacket polling.
func (s *Sender) Timers() *normtimer.Service { return s.timers }

// Object looks up a tx-cache entry by id, for ObjectHandle accessors
// (spec.md §6 "ObjectGetType/Size/BytesPending/Info").
func (s *Sender) Object(id object.TransportID) (*object.Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Find(id)
}

// CancelObject removes an object from the tx-cache before it finishes
// sending (spec.md §6 "ObjectCancel").
func (s *Sender) CancelObject(id object.TransportID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok := s.cache.Find(id); ok {
		s.cache.Remove(id)
		obj.Abort()
	}
}

// EnqueueData admits a fully in-memory DATA object (spec.md §6
// DataEnqueue). segSize, k and p must be > 0 / >= 0 respectively; fecID
// selects the wire payload-id layout.
func (s *Sender) EnqueueData(info, data []byte, segSize, k, p int, fecID uint8) (object.TransportID, error) {
	if segSize <= 0 || k <= 0 {
		return 0, errors.New("sender: segSize and k must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID = s.nextID.Next()

	blockBytes := segSize * k
	numBlocks := (len(data) + blockBytes - 1) / blockBytes
	if numBlocks == 0 {
		numBlocks = 1
	}

	obj := object.New(id, object.TypeData, uint64(len(data)), segSize, k, p, fecID, object.NackingNormal, uint32(numBlocks))
	obj.Info = info
	obj.DataPayload = &object.Data{Bytes: data}

	if err := s.buildBlocks(obj, data, segSize, k, p, numBlocks); err != nil {
		return 0, err
	}

	if err := s.cache.Enqueue(obj, s.evict); err != nil {
		return 0, err
	}
	if s.logger != nil {
		s.logger.Log(normlog.LevelMax-6, "object enqueued",
			zap.Uint16("object_id", uint16(id)),
			zap.Int("size", len(data)),
			zap.Int("blocks", numBlocks))
	}
	return id, nil
}

// buildBlocks segments data into numBlocks blocks of k source symbols each,
// eagerly computing AutoParity parity symbols per block since the full
// payload is already resident (spec.md §4.2 "Encoding is incremental", used
// here in its simplest all-at-once form for in-memory objects).
func (s *Sender) buildBlocks(obj *object.Object, data []byte, segSize, k, p, numBlocks int) error {
	codec, err := fec.New(k, p)
	if err != nil {
		return err
	}
	autoParity := s.cfg.AutoParity
	if autoParity > p {
		autoParity = p
	}

	blockBytes := segSize * k
	for bi := 0; bi < numBlocks; bi++ {
		blk := block.New(block.ID(bi), k, p)
		enc := fec.NewEncoder(codec, segSize)
		base := bi * blockBytes
		for si := 0; si < k; si++ {
			seg, gerr := s.cfg.SegmentPool.Get()
			if gerr != nil {
				return errors.Wrap(gerr, "sender: segment pool exhausted while building blocks")
			}
			off := base + si*segSize
			n := 0
			if off < len(data) {
				n = copy(seg, data[off:])
			}
			for i := n; i < len(seg); i++ {
				seg[i] = 0
			}
			blk.SetSymbol(si, seg)
			if err := enc.SetSource(si, seg); err != nil {
				return err
			}
		}
		if autoParity > 0 {
			parity, err := enc.Encode()
			if err != nil {
				return err
			}
			for i := 0; i < autoParity && i < len(parity); i++ {
				blk.SetSymbol(k+i, parity[i])
			}
		}
		blk.Pending.SetBits(0, k+autoParity)
		if err := obj.Blocks.Insert(blk); err != nil {
			return err
		}
	}
	return nil
}

// evict runs as the TxCache's EvictionFunc, translating a forced purge into
// the TX_OBJECT_PURGED callback (spec.md §7).
func (s *Sender) evict(obj *object.Object) {
	obj.Abort()
	if s.counters != nil {
		atomic.AddUint64(&s.counters.ObjectsPurged, 1)
	}
	if s.onPurge != nil {
		s.onPurge(obj)
	}
}

// NextPacket selects and builds the next wire message to transmit, honoring
// rate pacing. It returns ErrNoData if nothing is ready: either every queue
// is empty, or the pacer's next_tx_time cursor (spec.md §4.3 "Rate pacing")
// has not yet arrived.
func (s *Sender) NextPacket(now time.Time) (*wire.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.TxRateBps > 0 && now.Before(s.nextTxTime) {
		return nil, ErrNoData
	}

	msg, length, err := s.buildNext()
	if err != nil {
		return nil, err
	}
	s.pace(now, length)
	return msg, nil
}

// pace advances next_tx_time by length/TxRateBps seconds, floored at 1
// microsecond so a configured rate never collapses the pacer into a busy
// spin (spec.md §4.3: "the pacing interval is never allowed below 1us").
func (s *Sender) pace(now time.Time, length int) {
	if s.cfg.TxRateBps <= 0 {
		return
	}
	ivl := time.Duration(float64(length) / s.cfg.TxRateBps * float64(time.Second))
	if ivl < time.Microsecond {
		ivl = time.Microsecond
	}
	if now.After(s.nextTxTime) {
		s.nextTxTime = now
	}
	s.nextTxTime = s.nextTxTime.Add(ivl)
}

// buildNext implements the scheduler priority order of spec.md §4.3:
// repair requests first (lowest objectID/blockID/symbolID among
// NACK-driven repair jobs), then any not-yet-sent INFO blob, then
// tx_pending in ascending (object, block, symbol) order with lowest
// ObjectTransportId breaking ties across objects of equal age (spec.md
// §3 data flow: "scheduler emits INFO/DATA/PARITY packets").
func (s *Sender) buildNext() (*wire.Message, int, error) {
	if len(s.repair) > 0 {
		return s.buildRepair()
	}
	if msg, n, ok := s.buildInfo(); ok {
		return msg, n, nil
	}
	return s.buildPending()
}

// buildInfo emits the INFO message for the oldest tx-cache object that
// carries an unsent INFO blob, if any.
func (s *Sender) buildInfo() (*wire.Message, int, bool) {
	var target *object.Object
	s.cache.ForEach(func(obj *object.Object) bool {
		if obj.NeedsInfo() {
			target = obj
			return false
		}
		return true
	})
	if target == nil {
		return nil, 0, false
	}
	target.MarkInfoSent()
	msg := &wire.Message{
		Header: wire.Header{Version: wire.Version, Type: wire.MsgInfo, Sequence: s.nextSeq(), SourceID: s.cfg.SourceID},
		Info: &wire.InfoMessage{
			FecID:      target.FecID,
			ObjectType: wireObjectType(target.Kind),
			ObjectID:   wire.PayloadID{ObjectID: uint16(target.ID)},
			Info:       target.Info,
		},
	}
	if s.counters != nil {
		atomic.AddUint64(&s.counters.TxPackets, 1)
		atomic.AddUint64(&s.counters.TxBytes, uint64(len(target.Info)))
	}
	return msg, len(target.Info), true
}

func (s *Sender) buildPending() (*wire.Message, int, error) {
	var found *pendingBlock
	s.cache.ForEach(func(obj *object.Object) bool {
		var pb *pendingBlock
		obj.Blocks.ForEach(func(blk *block.Block) bool {
			if blk.IsPending() {
				pb = &pendingBlock{objID: obj.ID, blk: blk}
				return false
			}
			return true
		})
		if pb != nil {
			found = pb
			return false
		}
		return true
	})
	if found == nil {
		return nil, 0, ErrNoData
	}
	return s.emitFromBlock(found.objID, found.blk, false)
}

func (s *Sender) emitFromBlock(objID object.TransportID, blk *block.Block, isRepair bool) (*wire.Message, int, error) {
	obj, ok := s.cache.Find(objID)
	if !ok {
		return nil, 0, ErrNoData
	}
	idx := blk.Pending.GetFirstSet()
	if idx < 0 {
		return nil, 0, ErrNoData
	}
	data := blk.Symbol(idx)
	if data == nil {
		// Parity symbol requested by repair but never proactively computed;
		// compute it on demand from the block's present source symbols.
		parity, err := s.encodeOnDemand(obj, blk, idx)
		if err != nil {
			return nil, 0, err
		}
		data = parity
		blk.SetSymbol(idx, data)
	}

	blk.Pending.Unset(idx)
	if isRepair {
		blk.Repair.Unset(idx)
	}

	msgStart := idx == 0 && blk.ID == firstBlockID(obj)
	msg := &wire.Message{
		Header: wire.Header{Version: wire.Version, Type: wire.MsgData, Sequence: s.nextSeq(), SourceID: s.cfg.SourceID},
		Data: &wire.DataMessage{
			FecID:      obj.FecID,
			ObjectType: wireObjectType(obj.Kind),
			PayloadID:  wire.PayloadID{ObjectID: uint16(obj.ID), BlockID: uint32(blk.ID), SymbolID: uint16(idx)},
			IsParity:   idx >= blk.K(),
			MsgStart:   msgStart,
			ObjectSize: obj.Size,
			Payload:    data,
		},
	}
	if msgStart {
		msg.Data.ObjectSize = obj.Size
	}

	if s.counters != nil {
		atomic.AddUint64(&s.counters.TxPackets, 1)
		atomic.AddUint64(&s.counters.TxBytes, uint64(len(data)))
		if idx >= blk.K() {
			atomic.AddUint64(&s.counters.TxParitySegs, 1)
		}
		if isRepair {
			atomic.AddUint64(&s.counters.TxRepairSegs, 1)
		}
	}

	if s.objectFullySent(obj) {
		obj.MarkComplete()
		if s.onSent != nil {
			s.onSent(obj)
		}
	}
	return msg, len(data), nil
}

// encodeOnDemand computes parity symbol idx for blk from whatever source
// symbols are currently present, used when a NACK requests a parity symbol
// beyond AutoParity that was never proactively generated.
func (s *Sender) encodeOnDemand(obj *object.Object, blk *block.Block, idx int) ([]byte, error) {
	codec, err := obj.NewCodec()
	if err != nil {
		return nil, err
	}
	enc := fec.NewEncoder(codec, obj.S)
	for i := 0; i < blk.K(); i++ {
		sym := blk.Symbol(i)
		if sym == nil {
			return nil, errors.Errorf("sender: cannot encode parity %d, source symbol %d missing", idx, i)
		}
		if err := enc.SetSource(i, sym); err != nil {
			return nil, err
		}
	}
	parity, err := enc.Encode()
	if err != nil {
		return nil, err
	}
	pi := idx - blk.K()
	if pi < 0 || pi >= len(parity) {
		return nil, errors.Errorf("sender: parity index %d out of range", idx)
	}
	return parity[pi], nil
}

func (s *Sender) objectFullySent(obj *object.Object) bool {
	allSent := true
	obj.Blocks.ForEach(func(blk *block.Block) bool {
		if blk.IsPending() {
			allSent = false
			return false
		}
		return true
	})
	return allSent
}

func firstBlockID(obj *object.Object) block.ID {
	lo, _, ok := obj.Blocks.Range()
	if !ok {
		return 0
	}
	return lo
}

func (s *Sender) nextSeq() uint16 {
	s.seq++
	return s.seq
}

func wireObjectType(k object.Type) wire.ObjectType {
	switch k {
	case object.TypeFile:
		return wire.ObjectFile
	case object.TypeStream:
		return wire.ObjectStream
	case object.TypeSim:
		return wire.ObjectSim
	default:
		return wire.ObjectData
	}
}

// repairJob is one NACK-merged repair obligation: the union of every
// symbol bit requested across overlapping NACKs for one (object, block),
// so duplicate requests collapse into a single retransmission pass
// (spec.md §4.4 "NACK suppression" mirrored on the sender side).
type repairJob struct {
	objID object.TransportID
	blk   *block.Block
}

func (s *Sender) buildRepair() (*wire.Message, int, error) {
	ji := 0
	for i, j := range s.repair {
		best := s.repair[ji]
		if j.objID < best.objID || (j.objID == best.objID && block.Less(j.blk.ID, best.blk.ID)) {
			ji = i
		}
	}
	job := s.repair[ji]
	msg, n, err := s.emitFromBlock(job.objID, job.blk, true)
	if job.blk.Repair.IsZero() {
		s.repair = append(s.repair[:ji], s.repair[ji+1:]...)
	}
	return msg, n, err
}

// HandleNack merges a receiver's repair request into the sender's repair
// queue, setting the Repair bits on the named blocks so buildRepair can
// retransmit them ahead of new pending data (spec.md §4.3 "repair requests
// take scheduling priority over new transmission").
func (s *Sender) HandleNack(nack *wire.NackMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.counters != nil {
		atomic.AddUint64(&s.counters.NacksReceived, 1)
	}
	for _, req := range nack.Requests {
		for _, pid := range wire.ExpandRepairRequest(req) {
			obj, ok := s.cache.Find(object.TransportID(pid.ObjectID))
			if !ok {
				continue
			}
			blk, ok := obj.Blocks.Find(block.ID(pid.BlockID))
			if !ok {
				continue
			}
			if req.Flags&wire.FlagInfo != 0 {
				continue
			}
			idx := int(pid.SymbolID)
			if req.Flags&wire.FlagBlock != 0 {
				blk.Repair.SetBits(0, blk.N())
				blk.Pending.Add(blk.Repair)
			} else {
				blk.Repair.Set(idx)
				blk.Pending.Set(idx)
			}
			s.enqueueRepair(obj.ID, blk)
		}
	}
}

func (s *Sender) enqueueRepair(objID object.TransportID, blk *block.Block) {
	for _, j := range s.repair {
		if j.objID == objID && j.blk == blk {
			return
		}
	}
	s.repair = append(s.repair, repairJob{objID: objID, blk: blk})
}

// HandleAck records a receiver's positive acknowledgment against the
// current watermark (spec.md §4.3 "Watermark protocol").
func (s *Sender) HandleAck(ack *wire.AckMessage, fromNode uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ack.Kind == wire.AckCC && ack.CCAck != nil {
		s.prober.RecordRTT(grtt.FromQuantized(ack.CCAck.RTT))
		return
	}
	s.watermark.ack(fromNode)
}
