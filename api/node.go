package api

import (
	"net"
	"time"
)

// NodeHandle identifies one other NORM node observed by a session, either
// because it acked a watermark, was enrolled via AddAckingNode, or because
// it sent a packet this session's receiver role admitted (spec.md §6
// "Node: NodeGetId/Address/Grtt").
type NodeHandle struct {
	sh *SessionHandle
	id uint32
}

// ID returns the node's NORM node id.
func (n *NodeHandle) ID() uint32 { return n.id }

// Address returns the last transport address this node was observed
// sending from, if any.
func (n *NodeHandle) Address() (*net.UDPAddr, bool) {
	return n.sh.sess.RemoteAddr(n.id)
}

// Grtt returns the owning session's current GRTT estimate. NORM's GRTT is
// a single estimate the sender maintains toward the whole group rather
// than a distinct per-peer RTT, so every NodeHandle under one
// SessionHandle reports the same value (see session.SenderGRTT).
func (n *NodeHandle) Grtt() (time.Duration, bool) {
	return n.sh.sess.SenderGRTT()
}
