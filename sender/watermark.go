package sender

import (
	"github.com/normproto/norm/normtimer"
	"github.com/normproto/norm/object"
	"github.com/normproto/norm/wire"
)

// WatermarkState is the per-sender state of spec.md §9's watermark design
// note: "model the watermark protocol explicitly as a small state machine
// (Idle, Probing, Completed) rather than a cluster of booleans."
type WatermarkState int

const (
	WatermarkIdle WatermarkState = iota
	WatermarkProbing
	WatermarkCompleted
)

func (s WatermarkState) String() string {
	switch s {
	case WatermarkProbing:
		return "PROBING"
	case WatermarkCompleted:
		return "COMPLETED"
	default:
		return "IDLE"
	}
}

// NodeStatus is one acking node's outcome within the current watermark
// round (spec.md §4.3: "Status per node ∈ {PENDING, SUCCESS, FAILURE,
// INVALID}").
type NodeStatus int

const (
	// NodeInvalid is returned for a node id GetAckingStatus has never heard
	// of (never enrolled via AddAckingNode).
	NodeInvalid NodeStatus = iota
	NodePending
	NodeSuccess
	NodeFailure
)

func (s NodeStatus) String() string {
	switch s {
	case NodePending:
		return "PENDING"
	case NodeSuccess:
		return "SUCCESS"
	case NodeFailure:
		return "FAILURE"
	default:
		return "INVALID"
	}
}

// Watermark tracks outstanding positive-acknowledgment requests for one
// (object, block, symbol) coordinate against a configured acking node set
// (spec.md §4.3 "Watermark protocol", §6 "SetWatermark"/"AddAckingNode").
//
// A round advances one GRTT at a time via Tick, which the sender's event
// loop calls on a recurring timer (see ScheduleWatermark): every PENDING
// node's round counter is bumped, a node is marked FAILURE once its round
// counter reaches RobustFactor without a new ACK, and the round completes
// once every enrolled node has resolved to SUCCESS or FAILURE.
type Watermark struct {
	state        WatermarkState
	mark         wire.PayloadID
	fecID        uint8
	robustFactor int

	acking map[uint32]bool
	status map[uint32]NodeStatus
	rounds map[uint32]int
}

func (w *Watermark) reset() {
	w.state = WatermarkIdle
	w.acking = make(map[uint32]bool)
	w.status = make(map[uint32]NodeStatus)
	w.rounds = make(map[uint32]int)
}

// configure sets the FEC id carried on the round's CMD_ACK_REQ messages and
// the robust factor governing FAILURE timeout; SetWatermark calls it before
// every Start.
func (w *Watermark) configure(fecID uint8, robustFactor int) {
	if robustFactor <= 0 {
		robustFactor = 20
	}
	w.fecID = fecID
	w.robustFactor = robustFactor
}

// AddAckingNode enrolls nodeID in the set whose ACK is required to
// complete a watermark round.
func (w *Watermark) AddAckingNode(nodeID uint32) {
	if w.acking == nil {
		w.reset()
	}
	w.acking[nodeID] = true
}

// Start begins a new watermark round at mark, requiring an ACK from every
// currently-enrolled acking node (spec.md §4.3: "transitions Idle ->
// Probing on SetWatermark, re-requesting ACK_REQ for nodes that haven't
// yet replied").
func (w *Watermark) Start(mark wire.PayloadID) {
	if w.acking == nil {
		w.reset()
	}
	w.mark = mark
	w.status = make(map[uint32]NodeStatus, len(w.acking))
	w.rounds = make(map[uint32]int, len(w.acking))
	for n := range w.acking {
		w.status[n] = NodePending
	}
	if len(w.status) == 0 {
		w.state = WatermarkCompleted
		return
	}
	w.state = WatermarkProbing
}

// ack records a positive acknowledgment from nodeID, completing the round
// once every enrolled node has resolved to SUCCESS or FAILURE.
func (w *Watermark) ack(nodeID uint32) {
	if w.state != WatermarkProbing {
		return
	}
	if _, enrolled := w.status[nodeID]; !enrolled {
		return
	}
	w.status[nodeID] = NodeSuccess
	w.checkCompletion()
}

// Tick advances one ACK_REQ round: every still-PENDING node's round count
// is incremented, nodes that have reached RobustFactor rounds without a
// reply are marked FAILURE, and the round completes once no node is left
// PENDING. It returns the set of nodes the next CMD_ACK_REQ should name,
// nil when there is nothing to send (no round in progress).
func (w *Watermark) Tick() []uint32 {
	if w.state != WatermarkProbing {
		return nil
	}
	var outstanding []uint32
	for n, st := range w.status {
		if st != NodePending {
			continue
		}
		w.rounds[n]++
		if w.rounds[n] >= w.robustFactor {
			w.status[n] = NodeFailure
			continue
		}
		outstanding = append(outstanding, n)
	}
	w.checkCompletion()
	return outstanding
}

func (w *Watermark) checkCompletion() {
	for _, st := range w.status {
		if st == NodePending {
			return
		}
	}
	w.state = WatermarkCompleted
}

// State reports the current watermark round state.
func (w *Watermark) State() WatermarkState { return w.state }

// Outstanding returns the acking nodes that have not yet replied, used to
// build the next CMD_ACK_REQ retry (spec.md §4.3).
func (w *Watermark) Outstanding() []uint32 {
	out := make([]uint32, 0, len(w.status))
	for n, st := range w.status {
		if st == NodePending {
			out = append(out, n)
		}
	}
	return out
}

// Mark returns the watermark coordinate of the current or last round.
func (w *Watermark) Mark() wire.PayloadID { return w.mark }

// GetAckingStatus reports nodeID's status within the current or most
// recent round (spec.md §6 "GetAckingStatus"). NodeInvalid means nodeID
// has never been enrolled via AddAckingNode.
func (w *Watermark) GetAckingStatus(nodeID uint32) NodeStatus {
	if st, ok := w.status[nodeID]; ok {
		return st
	}
	return NodeInvalid
}

// Statuses returns a snapshot of every enrolled node's current status, for
// TX_WATERMARK_COMPLETED reporting.
func (w *Watermark) Statuses() map[uint32]NodeStatus {
	out := make(map[uint32]NodeStatus, len(w.status))
	for n, st := range w.status {
		out[n] = st
	}
	return out
}

// SetWatermark starts (or restarts) a watermark round at mark; the session
// loop is expected to emit CMD_ACK_REQ against Outstanding() (driven by
// ScheduleWatermark) until State() reports WatermarkCompleted. The FEC id
// carried on the resulting CMD_ACK_REQ is taken from the tx-cache object
// mark names, since a watermark coordinate always belongs to exactly one
// enqueued object.
func (s *Sender) SetWatermark(mark wire.PayloadID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fecID uint8
	if obj, ok := s.cache.Find(object.TransportID(mark.ObjectID)); ok {
		fecID = obj.FecID
	}
	s.watermark.configure(fecID, s.cfg.RobustFactor)
	s.watermark.Start(mark)
}

// AddAckingNode enrolls nodeID in the sender's watermark acking set
// (spec.md §6 "AddAckingNode").
func (s *Sender) AddAckingNode(nodeID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermark.AddAckingNode(nodeID)
}

// WatermarkState reports the current watermark round's state.
func (s *Sender) WatermarkState() WatermarkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark.state
}

// Watermark returns the coordinate of the current or most recently
// completed watermark round, for TX_WATERMARK_COMPLETED reporting.
func (s *Sender) Watermark() wire.PayloadID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark.Mark()
}

// GetAckingStatus reports nodeID's status within the current or most
// recent watermark round (spec.md §6 "GetAckingStatus").
func (s *Sender) GetAckingStatus(nodeID uint32) NodeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark.GetAckingStatus(nodeID)
}

// WatermarkStatuses returns a snapshot of every enrolled node's current
// watermark status.
func (s *Sender) WatermarkStatuses() map[uint32]NodeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark.Statuses()
}

// buildAckReq advances the watermark round one tick and, if any node is
// still outstanding, returns the CMD_ACK_REQ naming them (spec.md §4.3:
// "the sender emits CMD_ACK_REQ every GRTT with robust_factor retries").
func (s *Sender) buildAckReq() *wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	outstanding := s.watermark.Tick()
	if len(outstanding) == 0 {
		return nil
	}
	return &wire.Message{
		Header: wire.Header{Version: wire.Version, Type: wire.MsgCmd, Sequence: s.nextSeq(), SourceID: s.cfg.SourceID},
		Cmd: &wire.CmdMessage{
			Flavor: wire.CmdAckReq,
			AckReq: &wire.AckReqBody{
				FecID:     s.watermark.fecID,
				Watermark: s.watermark.mark,
				AckingSet: outstanding,
			},
		},
	}
}

// ScheduleWatermark arms a recurring timer that ticks the watermark round
// and sends a fresh CMD_ACK_REQ every GRTT, the retransmission cadence
// spec.md §4.3 names for the watermark protocol ("the sender emits
// CMD_ACK_REQ every GRTT with robust_factor retries"). Firing is a no-op
// whenever no round is in progress (buildAckReq returns nil), but the
// timer keeps re-arming so a later SetWatermark picks it back up without
// the session having to reschedule anything.
func (s *Sender) ScheduleWatermark(send func(*wire.Message)) normtimer.Handle {
	var handle normtimer.Handle
	var fire func()
	fire = func() {
		if msg := s.buildAckReq(); msg != nil {
			send(msg)
		}
		handle = s.timers.Reschedule(handle, s.prober.GRTT(), fire)
	}
	handle = s.timers.After(s.prober.GRTT(), fire)
	return handle
}
