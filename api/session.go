package api

import (
	"sync"
	"time"

	"github.com/normproto/norm/grtt"
	"github.com/normproto/norm/object"
	"github.com/normproto/norm/receiver"
	"github.com/normproto/norm/session"
	"github.com/normproto/norm/stats"
	"github.com/normproto/norm/wire"
)

// Pump drives the sender scheduler, transmitting every ready packet
// (spec.md §5's event loop; exposed here so a caller supplies its own
// timing source — a select loop, a ticker, or a test's manual clock).
func (sh *SessionHandle) Pump(now time.Time) error { return sh.sess.Pump(now) }

// Drain reads and dispatches every datagram currently available from the
// transport.
func (sh *SessionHandle) Drain(now time.Time) error { return sh.sess.Drain(now) }

// SessionHandle is one NORM protocol session, matching spec.md §6's
// "CreateSession(inst, addr, port, nodeId) ... StartSender ... StopSender
// ... StartReceiver ... StopReceiver" surface. It wraps a session.Session,
// adding the node registry and configuration-setter surface spec.md
// describes but this implementation bakes into StartSender/StartReceiver's
// option structs instead of exposing as dozens of individual setters.
type SessionHandle struct {
	inst *Instance
	id   uint32
	sess *session.Session

	counters *stats.Counters

	mu    sync.Mutex
	nodes map[uint32]*NodeHandle
}

// SenderParams mirrors spec.md §6's StartSender parameter list plus its
// configuration setters (tx rate, CC mode, GRTT, auto parity, tx-cache
// bounds) folded into one struct.
type SenderParams struct {
	BufferSpace   int
	SegmentSize   int
	K, P          int
	FecID         uint8
	TxRateBps     float64
	CCMode        grtt.Mode
	GRTTInit      float64 // seconds
	AutoParity    int
	CacheCountMin int
	CacheCountMax int
	CacheSizeMax  uint64

	// RobustFactor bounds how many CMD_ACK_REQ rounds a watermark waits for
	// a node's ACK before marking it FAILURE (spec.md §4.3, §8 scenario
	// (c)). <= 0 falls back to a built-in default.
	RobustFactor int
}

// ReceiverParams mirrors spec.md §6's StartReceiver parameter plus its
// per-remote-sender configuration setters (sync policy, repair boundary,
// robust factor, backoff factor).
type ReceiverParams struct {
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

// StartSender enables the local sender role.
func (sh *SessionHandle) StartSender(p SenderParams) error {
	return sh.sess.StartSender(session.SenderConfig{
		BufferSpace:   p.BufferSpace,
		SegmentSize:   p.SegmentSize,
		K:             p.K,
		P:             p.P,
		FecID:         p.FecID,
		TxRateBps:     p.TxRateBps,
		CCMode:        p.CCMode,
		GRTTInit:      secondsToDuration(p.GRTTInit),
		AutoParity:    p.AutoParity,
		CacheCountMin: p.CacheCountMin,
		CacheCountMax: p.CacheCountMax,
		CacheSizeMax:  p.CacheSizeMax,
		RobustFactor:  p.RobustFactor,
	})
}

// StopSender disables the local sender role.
func (sh *SessionHandle) StopSender() { sh.sess.StopSender() }

// StartReceiver enables the receiver role.
func (sh *SessionHandle) StartReceiver(p ReceiverParams) {
	sh.sess.StartReceiver(session.ReceiverConfig{
		BufferSpace:    p.BufferSpace,
		UnicastNack:    p.UnicastNack,
		Silent:         p.Silent,
		Sync:           p.Sync,
		Boundary:       p.Boundary,
		RobustFactor:   p.RobustFactor,
		KBackoff:       p.KBackoff,
		DefaultK:       p.DefaultK,
		DefaultP:       p.DefaultP,
		DefaultSegSize: p.DefaultSegSize,
		DefaultFecID:   p.DefaultFecID,
	})
}

// StopReceiver disables the receiver role.
func (sh *SessionHandle) StopReceiver() { sh.sess.StopReceiver() }

// DataEnqueue admits an in-memory object for transmission (spec.md §6
// "DataEnqueue(ptr, len, info?)").
func (sh *SessionHandle) DataEnqueue(data, info []byte, segSize, k, p int, fecID uint8) (*ObjectHandle, error) {
	id, err := sh.sess.DataEnqueue(info, data, segSize, k, p, fecID)
	if err != nil {
		return nil, err
	}
	return &ObjectHandle{sh: sh, id: id, local: true}, nil
}

// FileEnqueue admits a FILE object read in full from store at path
// (spec.md §6 "FileEnqueue(path, info?)"). This implementation's sender
// engine operates on memory-resident byte buffers for every object kind
// (see sender.EnqueueData), so FileEnqueue buffers the whole file before
// admission rather than streaming it block-by-block from the store; large
// objects should prefer DataEnqueue with caller-managed chunking.
func (sh *SessionHandle) FileEnqueue(path string, store object.RandomAccessStore, info []byte, segSize, k, p int, fecID uint8) (*ObjectHandle, error) {
	size, err := store.Size(path)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := store.ReadAt(path, buf, 0); err != nil {
		return nil, err
	}
	oh, err := sh.DataEnqueue(buf, info, segSize, k, p, fecID)
	if err != nil {
		return nil, err
	}
	oh.filePath = path
	return oh, nil
}

// ObjectCancel removes a locally-enqueued object before it finishes
// sending (spec.md §6 "ObjectCancel").
func (sh *SessionHandle) ObjectCancel(oh *ObjectHandle) error {
	return sh.sess.CancelLocalObject(oh.id)
}

// SetWatermark starts a watermark round against the currently enrolled
// acking nodes (spec.md §6 "SetWatermark(object, overrideFlush?)"; the
// override-flush distinction is left to the caller choosing when to call
// this relative to its own enqueue pattern).
func (sh *SessionHandle) SetWatermark(mark wire.PayloadID) error {
	return sh.sess.SetWatermark(mark)
}

// AddAckingNode enrolls nodeID in the sender's watermark acking set and
// returns its NodeHandle.
func (sh *SessionHandle) AddAckingNode(nodeID uint32) (*NodeHandle, error) {
	if err := sh.sess.AddAckingNode(nodeID); err != nil {
		return nil, err
	}
	return sh.nodeFor(nodeID), nil
}

// GetAckingStatus reports nodeID's status within the current or most
// recent watermark round (spec.md §6 "GetAckingStatus").
func (sh *SessionHandle) GetAckingStatus(nodeID uint32) (session.AckingStatus, error) {
	return sh.sess.GetAckingStatus(nodeID)
}

// Node returns the handle for a remote or acking node this session has
// observed, if any (spec.md §6 "Node: NodeGetId/Address/Grtt").
func (sh *SessionHandle) Node(nodeID uint32) (*NodeHandle, bool) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	n, ok := sh.nodes[nodeID]
	return n, ok
}

func (sh *SessionHandle) nodeFor(nodeID uint32) *NodeHandle {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if n, ok := sh.nodes[nodeID]; ok {
		return n
	}
	n := &NodeHandle{sh: sh, id: nodeID}
	sh.nodes[nodeID] = n
	return n
}

// Destroy tears down this session's transport and timers.
func (sh *SessionHandle) Destroy() error { return sh.sess.Close() }

// Counters exposes this session's SNMP-style protocol counters (spec.md
// §7 "Observability").
func (sh *SessionHandle) Counters() *stats.Counters { return sh.counters.Copy() }

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
