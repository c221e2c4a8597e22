package api

import (
	"github.com/normproto/norm/session"
	"github.com/normproto/norm/wire"
)

// EventType mirrors session.EventType for the facade's own Event struct,
// keeping the api package's public surface decoupled from the session
// package's internal event representation.
type EventType = session.EventType

const (
	TxQueueVacancy       = session.TxQueueVacancy
	TxQueueEmpty         = session.TxQueueEmpty
	TxWatermarkCompleted = session.TxWatermarkCompleted
	TxObjectSent         = session.TxObjectSent
	TxObjectPurged       = session.TxObjectPurged
	TxRateChanged        = session.TxRateChanged
	LocalSenderClosed    = session.LocalSenderClosed

	RemoteSenderNew    = session.RemoteSenderNew
	RemoteSenderActive = session.RemoteSenderActive
	RemoteSenderPurged = session.RemoteSenderPurged

	RxObjectNew       = session.RxObjectNew
	RxObjectInfo      = session.RxObjectInfo
	RxObjectUpdated   = session.RxObjectUpdated
	RxObjectCompleted = session.RxObjectCompleted
	RxObjectAborted   = session.RxObjectAborted

	GrttUpdated   = session.GrttUpdated
	AckingNodeNew = session.AckingNodeNew
	RxAckRequest  = session.RxAckRequest
	SendError     = session.SendError
)

// AckStatus mirrors session.AckStatus, the per-node outcome carried on a
// TxWatermarkCompleted Event.
type AckStatus = session.AckStatus

const (
	AckSuccess = session.AckSuccess
	AckFailure = session.AckFailure
)

// Event is the application-visible notification returned by
// Instance.GetNextEvent, standing in for spec.md §6's "GetNextEvent"
// surface with handles resolved against the session that raised it.
type Event struct {
	Type      EventType
	Node      *NodeHandle
	Object    *ObjectHandle
	Watermark wire.PayloadID
	Statuses  map[uint32]AckStatus
	Err       error
}

// isRxEvent reports whether ev concerns an object owned by a remote
// sender rather than this session's own local sender.
func isRxEvent(t EventType) bool {
	switch t {
	case RxObjectNew, RxObjectInfo, RxObjectUpdated, RxObjectCompleted, RxObjectAborted:
		return true
	default:
		return false
	}
}

func translate(sh *SessionHandle, ev session.Event) Event {
	out := Event{Type: ev.Type, Err: ev.Err, Watermark: ev.Watermark, Statuses: ev.Statuses}
	if ev.NodeID != 0 {
		out.Node = sh.nodeFor(ev.NodeID)
	}
	if ev.Object != nil {
		if isRxEvent(ev.Type) {
			out.Object = &ObjectHandle{sh: sh, id: ev.ObjectID, local: false, sourceID: ev.NodeID}
		} else {
			out.Object = &ObjectHandle{sh: sh, id: ev.ObjectID, local: true}
		}
	}
	return out
}
