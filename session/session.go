// Package session implements the single-threaded cooperative event loop of
// spec.md §5: one instance owns the UDP transport, the local sender (if
// started), one receiver.RemoteSender per observed remote sourceId, every
// timer driving those engines, and the application-facing event queue.
// Following spec.md §5's "packet reception, timer expiry, and API calls
// from the app are serialized" rule, every exported method here takes the
// Session's lock; there is no internal goroutine, matching the teacher's
// own session.go, which drives its KCP/smux state entirely from calls the
// owning goroutine makes into it rather than spawning workers of its own.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/normproto/norm/grtt"
	"github.com/normproto/norm/normlog"
	"github.com/normproto/norm/normtimer"
	"github.com/normproto/norm/object"
	"github.com/normproto/norm/receiver"
	"github.com/normproto/norm/segment"
	"github.com/normproto/norm/sender"
	"github.com/normproto/norm/stats"
	"github.com/normproto/norm/transport"
	"github.com/normproto/norm/wire"
)

// Config bundles a Session's fixed collaborators (spec.md §6 "CreateSession").
type Config struct {
	SourceID  uint32
	GroupAddr *net.UDPAddr // multicast or unicast destination for sends with no explicit addr

	Transport transport.Transport
	Clock     normtimer.Clock
	Logger    *normlog.Logger
	Counters  *stats.Counters

	EventBufferSize int // default 256
}

// SenderConfig bundles the StartSender parameters of spec.md §6.
type SenderConfig struct {
	BufferSpace   int
	SegmentSize   int
	K, P          int
	FecID         uint8
	TxRateBps     float64
	CCMode        grtt.Mode
	GRTTInit      time.Duration
	AutoParity    int
	CacheCountMin int
	CacheCountMax int
	CacheSizeMax  uint64
	RobustFactor  int
}

// ReceiverConfig bundles the StartReceiver parameters of spec.md §6, applied
// to every remote sourceId a Session discovers once receiving is enabled.
type ReceiverConfig struct {
	BufferSpace    int
	UnicastNack    bool
	Silent         bool
	Sync           receiver.SyncPolicy
	Boundary       receiver.RepairBoundary
	RobustFactor   int
	KBackoff       float64
	DefaultK       int
	DefaultP       int
	DefaultSegSize int
	DefaultFecID   uint8
}

type remoteEntry struct {
	rs   *receiver.RemoteSender
	addr *net.UDPAddr
}

// Session is one NORM protocol instance: a local sender role, a set of
// tracked remote senders, and the timers and event queue serving both.
type Session struct {
	mu sync.Mutex

	cfg      Config
	segPool  *segment.Pool
	suspended bool
	closed    bool

	snd       *sender.Sender
	sndTimers normtimer.Handle
	wmTimers  normtimer.Handle
	rxCfg     *ReceiverConfig
	remotes   map[uint32]*remoteEntry

	events chan Event
}

// New constructs a Session. StartSender/StartReceiver must be called before
// the corresponding role's operations become available (spec.md §7 error
// kind 4: "API misuse ... return a failure sentinel").
func New(cfg Config) *Session {
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 256
	}
	if cfg.Counters == nil {
		cfg.Counters = stats.New()
	}
	return &Session{
		cfg:     cfg,
		remotes: make(map[uint32]*remoteEntry),
		events:  make(chan Event, cfg.EventBufferSize),
	}
}

// Events returns the channel the application reads notifications from,
// standing in for spec.md §6's "GetNextEvent(wait?)".
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		// Event queue full: drop rather than block the core loop, matching
		// spec.md §5's "no in-flight operation yields mid-packet" — a stalled
		// application must not wedge protocol processing.
	}
}

// Suspend pauses Drain/Pump processing so the app can inspect state
// (spec.md §5 "an explicit 'suspend instance' API that pauses dispatch").
func (s *Session) Suspend() {
	s.mu.Lock()
	s.suspended = true
	s.mu.Unlock()
}

// Resume re-enables Drain/Pump processing.
func (s *Session) Resume() {
	s.mu.Lock()
	s.suspended = false
	s.mu.Unlock()
}

// ErrNotStarted is returned by sender-role operations before StartSender.
var ErrNotStarted = errors.New("session: sender not started")

// StartSender enables the local sender role (spec.md §6 "StartSender").
func (s *Session) StartSender(cfg SenderConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snd != nil {
		return errors.New("session: sender already started")
	}
	s.segPool = segment.New(cfg.BufferSpace, cfg.SegmentSize)
	s.snd = sender.New(sender.Config{
		SourceID:      s.cfg.SourceID,
		GroupAddr:     s.cfg.GroupAddr,
		SegmentPool:   s.segPool,
		Clock:         s.cfg.Clock,
		Logger:        s.cfg.Logger,
		Counters:      s.cfg.Counters,
		TxRateBps:     cfg.TxRateBps,
		CCMode:        cfg.CCMode,
		GRTTInit:      cfg.GRTTInit,
		AutoParity:    cfg.AutoParity,
		CacheCountMin: cfg.CacheCountMin,
		CacheCountMax: cfg.CacheCountMax,
		CacheSizeMax:  cfg.CacheSizeMax,
		RobustFactor:  cfg.RobustFactor,
	})
	s.snd.OnPurge(func(o *object.Object) { s.emit(Event{Type: TxObjectPurged, ObjectID: o.ID, Object: o}) })
	s.snd.OnSent(func(o *object.Object) { s.emit(Event{Type: TxObjectSent, ObjectID: o.ID, Object: o}) })
	s.sndTimers = s.snd.ScheduleProbing(func(msg *wire.Message) { s.transmit(msg, s.cfg.GroupAddr) })
	s.wmTimers = s.snd.ScheduleWatermark(func(msg *wire.Message) { s.transmit(msg, s.cfg.GroupAddr) })
	return nil
}

// StopSender disables the local sender role and emits LOCAL_SENDER_CLOSED.
func (s *Session) StopSender() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snd == nil {
		return
	}
	s.snd.Timers().Cancel(s.sndTimers)
	s.snd.Timers().Cancel(s.wmTimers)
	s.snd.Timers().Stop()
	s.snd = nil
	s.emit(Event{Type: LocalSenderClosed})
}

// StartReceiver enables the receiver role: subsequent packets from a
// previously unseen remote sourceId spawn a receiver.RemoteSender built
// from cfg (spec.md §6 "StartReceiver(bufferSpace)").
func (s *Session) StartReceiver(cfg ReceiverConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc := cfg
	s.rxCfg = &rc
}

// StopReceiver disables the receiver role; existing RemoteSenders are kept
// so their already-received objects remain queryable, but no new ones will
// be created until StartReceiver is called again.
func (s *Session) StopReceiver() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rxCfg = nil
}

// DataEnqueue admits an in-memory object for transmission (spec.md §6
// "DataEnqueue(ptr, len, info?)").
func (s *Session) DataEnqueue(info, data []byte, segSize, k, p int, fecID uint8) (object.TransportID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snd == nil {
		return 0, ErrNotStarted
	}
	return s.snd.EnqueueData(info, data, segSize, k, p, fecID)
}

// LocalObject looks up a tx-cache entry by id (spec.md §6 "ObjectGetType/
// Size/BytesPending/Info").
func (s *Session) LocalObject(id object.TransportID) (*object.Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snd == nil {
		return nil, false
	}
	return s.snd.Object(id)
}

// CancelLocalObject removes a not-yet-fully-sent object from the tx-cache
// (spec.md §6 "ObjectCancel").
func (s *Session) CancelLocalObject(id object.TransportID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snd == nil {
		return ErrNotStarted
	}
	s.snd.CancelObject(id)
	return nil
}

// SetWatermark starts a watermark round against the sender's currently
// enrolled acking nodes (spec.md §6 "SetWatermark").
func (s *Session) SetWatermark(mark wire.PayloadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snd == nil {
		return ErrNotStarted
	}
	s.snd.SetWatermark(mark)
	return nil
}

// AddAckingNode enrolls nodeID in the sender's watermark acking set.
func (s *Session) AddAckingNode(nodeID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snd == nil {
		return ErrNotStarted
	}
	s.snd.AddAckingNode(nodeID)
	s.emit(Event{Type: AckingNodeNew, NodeID: nodeID})
	return nil
}

// GetAckingStatus reports nodeID's status within the current or most
// recent watermark round (spec.md §6 "GetAckingStatus").
func (s *Session) GetAckingStatus(nodeID uint32) (AckingStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snd == nil {
		return AckingInvalid, ErrNotStarted
	}
	switch s.snd.GetAckingStatus(nodeID) {
	case sender.NodePending:
		return AckingPending, nil
	case sender.NodeSuccess:
		return AckingSuccess, nil
	case sender.NodeFailure:
		return AckingFailure, nil
	default:
		return AckingInvalid, nil
	}
}

// SourceID returns this session's own NORM node id.
func (s *Session) SourceID() uint32 { return s.cfg.SourceID }

// Transport exposes the underlying datagram transport, so a caller can
// derive an OS-waitable descriptor (spec.md §6 "GetDescriptor").
func (s *Session) Transport() transport.Transport { return s.cfg.Transport }

// SenderGRTT reports the local sender's current group RTT estimate, ok is
// false if no sender role is running. NORM's GRTT is a single shared
// estimate toward the whole group rather than a distinct value per remote
// node, so this is what backs every NodeHandle's Grtt() on the sending
// side (spec.md §6 "NodeGetId/Address/Grtt").
func (s *Session) SenderGRTT() (rtt time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snd == nil {
		return 0, false
	}
	return s.snd.Prober().GRTT(), true
}

// RemoteAddr returns the last-seen transport address of a tracked remote
// sender, if any.
func (s *Session) RemoteAddr(sourceID uint32) (*net.UDPAddr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.remotes[sourceID]
	if !ok {
		return nil, false
	}
	return e.addr, true
}

// RemoteObject looks up an object tracked by a specific remote sender.
func (s *Session) RemoteObject(sourceID uint32, id object.TransportID) (*object.Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.remotes[sourceID]
	if !ok {
		return nil, false
	}
	return e.rs.Object(id)
}

// remoteFor returns the RemoteSender tracking sourceID, creating one (and
// emitting REMOTE_SENDER_NEW) the first time a packet names it, provided
// the receiver role is enabled.
func (s *Session) remoteFor(sourceID uint32, addr *net.UDPAddr) *receiver.RemoteSender {
	if e, ok := s.remotes[sourceID]; ok {
		e.addr = addr
		return e.rs
	}
	if s.rxCfg == nil {
		return nil
	}
	rc := s.rxCfg
	rs := receiver.New(receiver.Config{
		SourceID:       sourceID,
		LocalID:        s.cfg.SourceID,
		SenderAddr:     addr,
		UnicastNack:    rc.UnicastNack,
		Silent:         rc.Silent,
		Sync:           rc.Sync,
		Boundary:       rc.Boundary,
		RobustFactor:   rc.RobustFactor,
		KBackoff:       rc.KBackoff,
		DefaultK:       rc.DefaultK,
		DefaultP:       rc.DefaultP,
		DefaultSegSize: rc.DefaultSegSize,
		DefaultFecID:   rc.DefaultFecID,
		Clock:          s.cfg.Clock,
		Logger:         s.cfg.Logger,
		Counters:       s.cfg.Counters,
	})
	rs.OnNewObject(func(o *object.Object) { s.emit(Event{Type: RxObjectNew, NodeID: sourceID, ObjectID: o.ID, Object: o}) })
	rs.OnUpdated(func(o *object.Object) { s.emit(Event{Type: RxObjectUpdated, NodeID: sourceID, ObjectID: o.ID, Object: o}) })
	rs.OnCompleted(func(o *object.Object) { s.emit(Event{Type: RxObjectCompleted, NodeID: sourceID, ObjectID: o.ID, Object: o}) })
	rs.OnAborted(func(o *object.Object) { s.emit(Event{Type: RxObjectAborted, NodeID: sourceID, ObjectID: o.ID, Object: o}) })
	s.remotes[sourceID] = &remoteEntry{rs: rs, addr: addr}
	s.emit(Event{Type: RemoteSenderNew, NodeID: sourceID})
	return rs
}

// transmit hands msg to the transport, addressed to addr (falling back to
// the session's configured group address), and traces it if enabled.
func (s *Session) transmit(msg *wire.Message, addr *net.UDPAddr) {
	buf, err := wire.Pack(msg)
	if err != nil {
		if s.cfg.Logger != nil {
			s.cfg.Logger.Log(normlog.LevelMax-10, "pack failed", zap.Error(err))
		}
		return
	}
	if addr == nil {
		addr = s.cfg.GroupAddr
	}
	if _, err := s.cfg.Transport.Send([]transport.Message{{Addr: addr, Buf: buf}}); err != nil {
		s.emit(Event{Type: SendError, Err: err})
	}
}

// Pump drives the sender scheduler, transmitting every packet it currently
// has ready (respecting rate pacing) until NextPacket reports ErrNoData
// (spec.md §4.3 "Rate pacing").
func (s *Session) Pump(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended || s.snd == nil {
		return nil
	}
	for {
		msg, err := s.snd.NextPacket(now)
		if err == sender.ErrNoData {
			s.emit(Event{Type: TxQueueEmpty})
			return nil
		}
		if err != nil {
			return err
		}
		s.transmit(msg, s.cfg.GroupAddr)
	}
}

// Drain reads every datagram currently available from the transport and
// dispatches it to the sender or the appropriate RemoteSender (spec.md §5
// "the socket wait in the event loop" suspension point).
func (s *Session) Drain(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended {
		return nil
	}
	const batch = 32
	addrs := make([]*net.UDPAddr, batch)
	for {
		bufs := make([][]byte, batch)
		for i := range bufs {
			bufs[i] = make([]byte, 65536)
		}
		n, err := s.cfg.Transport.Recv(bufs, addrs)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		for i := 0; i < n; i++ {
			s.dispatch(bufs[i], addrs[i], now)
		}
		if n < batch {
			return nil
		}
	}
}

func (s *Session) dispatch(raw []byte, from *net.UDPAddr, now time.Time) {
	msg, err := wire.Unpack(raw)
	if err != nil {
		if s.cfg.Counters != nil {
			s.cfg.Counters.ParseErrors++
		}
		if s.cfg.Logger != nil {
			s.cfg.Logger.Log(normlog.LevelMax-10, "unpack failed", zap.Error(err))
		}
		return
	}
	if s.cfg.Counters != nil {
		s.cfg.Counters.RxPackets++
		s.cfg.Counters.RxBytes += uint64(len(raw))
	}

	switch msg.Header.Type {
	case wire.MsgInfo:
		rs := s.remoteFor(msg.Header.SourceID, from)
		if rs == nil {
			return
		}
		if err := rs.HandleInfo(msg.Info); err != nil {
			return
		}
		if obj, ok := rs.Object(object.TransportID(msg.Info.ObjectID.ObjectID)); ok {
			s.emit(Event{Type: RxObjectInfo, NodeID: msg.Header.SourceID, ObjectID: obj.ID, Object: obj})
		}
	case wire.MsgData:
		rs := s.remoteFor(msg.Header.SourceID, from)
		if rs == nil {
			return
		}
		_ = rs.HandleData(msg.Data)
		for _, out := range rs.DrainOutbound() {
			s.transmit(out, s.destinationFor(msg.Header.SourceID, from))
		}
	case wire.MsgCmd:
		switch {
		case msg.Cmd.Flavor == wire.CmdCC && msg.Cmd.CC != nil:
			rs := s.remoteFor(msg.Header.SourceID, from)
			if rs != nil {
				rs.HandleCC(msg.Cmd.CC)
				if s.cfg.Counters != nil {
					s.cfg.Counters.GrttUpdates++
				}
				s.emit(Event{Type: GrttUpdated, NodeID: msg.Header.SourceID})
			}
		case msg.Cmd.Flavor == wire.CmdAckReq && msg.Cmd.AckReq != nil:
			s.handleAckReq(msg.Cmd.AckReq, msg.Header.SourceID, from)
		}
	case wire.MsgNack:
		if msg.Nack == nil {
			return
		}
		if s.snd != nil && msg.Nack.Server == s.cfg.SourceID {
			s.snd.HandleNack(msg.Nack)
		}
		if e, ok := s.remotes[msg.Nack.Server]; ok {
			e.rs.OverhearNack(msg.Nack)
		}
	case wire.MsgAck:
		if msg.Ack == nil {
			return
		}
		if s.snd != nil {
			before := s.snd.WatermarkState()
			s.snd.HandleAck(msg.Ack, msg.Header.SourceID)
			if before != sender.WatermarkCompleted && s.snd.WatermarkState() == sender.WatermarkCompleted {
				s.emit(Event{Type: TxWatermarkCompleted, Watermark: s.snd.Watermark(), Statuses: ackStatuses(s.snd.WatermarkStatuses())})
			}
		}
	}
	_ = now
}

// ackStatuses translates a completed watermark round's per-node status
// into the 2-value AckStatus the TX_WATERMARK_COMPLETED event reports
// (spec.md §8 scenario (c): "statuses {1:SUCCESS, 2:SUCCESS, 3:FAILURE}").
// By the time a round has completed no node remains PENDING, so only
// SUCCESS/FAILURE ever appear here.
func ackStatuses(statuses map[uint32]sender.NodeStatus) map[uint32]AckStatus {
	out := make(map[uint32]AckStatus, len(statuses))
	for n, st := range statuses {
		if st == sender.NodeSuccess {
			out[n] = AckSuccess
		} else {
			out[n] = AckFailure
		}
	}
	return out
}

// handleAckReq answers a CMD_ACK_REQ naming this session among its acking
// set with an ACK addressed by destinationFor: unicast to the requesting
// sender when UnicastNack is set, otherwise to the group address (spec.md §4.3
// "Watermark protocol"; spec.md §6 event list names RX_ACK_REQUEST for the
// node asked to acknowledge).
func (s *Session) handleAckReq(req *wire.AckReqBody, senderID uint32, from *net.UDPAddr) {
	named := false
	for _, n := range req.AckingSet {
		if n == s.cfg.SourceID {
			named = true
			break
		}
	}
	if !named {
		return
	}
	s.emit(Event{Type: RxAckRequest, NodeID: senderID, Watermark: req.Watermark})
	ack := &wire.Message{
		Header: wire.Header{Version: wire.Version, Type: wire.MsgAck, SourceID: s.cfg.SourceID},
		Ack:    &wire.AckMessage{Kind: wire.AckWatermark, Watermark: req.Watermark},
	}
	s.transmit(ack, s.destinationFor(senderID, from))
}

// destinationFor resolves where outbound NACK/ACK traffic for sourceID
// should go: unicast to the last-seen address when UnicastNack is set,
// otherwise the session's shared group address.
func (s *Session) destinationFor(sourceID uint32, fallback *net.UDPAddr) *net.UDPAddr {
	if s.rxCfg != nil && s.rxCfg.UnicastNack {
		return fallback
	}
	return s.cfg.GroupAddr
}

// Close tears down the sender and every tracked remote sender's timers,
// then closes the transport, aggregating any failures (spec.md §5
// "Cancellation"/shutdown).
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs error
	if s.snd != nil {
		s.snd.Timers().Stop()
	}
	for _, e := range s.remotes {
		e.rs.Close()
	}
	if err := s.cfg.Transport.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}
	close(s.events)
	return errs
}
