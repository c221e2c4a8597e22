package session

import (
	"github.com/normproto/norm/object"
	"github.com/normproto/norm/wire"
)

// EventType names one of spec.md §6's application-visible notifications.
// Only the subset this implementation's core engines actually raise is
// represented; application-layer-only events (USER_TIMEOUT, SEND_ERROR's
// finer ICMP detail) are left to the caller's own transport wiring.
type EventType int

const (
	TxQueueVacancy EventType = iota
	TxQueueEmpty
	TxWatermarkCompleted
	TxObjectSent
	TxObjectPurged
	TxRateChanged
	LocalSenderClosed

	RemoteSenderNew
	RemoteSenderActive
	RemoteSenderPurged

	RxObjectNew
	RxObjectInfo
	RxObjectUpdated
	RxObjectCompleted
	RxObjectAborted

	GrttUpdated
	AckingNodeNew
	RxAckRequest
	SendError
)

func (t EventType) String() string {
	switch t {
	case TxQueueVacancy:
		return "TX_QUEUE_VACANCY"
	case TxQueueEmpty:
		return "TX_QUEUE_EMPTY"
	case TxWatermarkCompleted:
		return "TX_WATERMARK_COMPLETED"
	case TxObjectSent:
		return "TX_OBJECT_SENT"
	case TxObjectPurged:
		return "TX_OBJECT_PURGED"
	case TxRateChanged:
		return "TX_RATE_CHANGED"
	case LocalSenderClosed:
		return "LOCAL_SENDER_CLOSED"
	case RemoteSenderNew:
		return "REMOTE_SENDER_NEW"
	case RemoteSenderActive:
		return "REMOTE_SENDER_ACTIVE"
	case RemoteSenderPurged:
		return "REMOTE_SENDER_PURGED"
	case RxObjectNew:
		return "RX_OBJECT_NEW"
	case RxObjectInfo:
		return "RX_OBJECT_INFO"
	case RxObjectUpdated:
		return "RX_OBJECT_UPDATED"
	case RxObjectCompleted:
		return "RX_OBJECT_COMPLETED"
	case RxObjectAborted:
		return "RX_OBJECT_ABORTED"
	case GrttUpdated:
		return "GRTT_UPDATED"
	case AckingNodeNew:
		return "ACKING_NODE_NEW"
	case RxAckRequest:
		return "RX_ACK_REQUEST"
	case SendError:
		return "SEND_ERROR"
	default:
		return "UNKNOWN"
	}
}

// AckStatus is a per-node outcome reported on TxWatermarkCompleted (spec.md
// §8 scenario (c): "statuses {1:SUCCESS, 2:SUCCESS, 3:FAILURE}").
type AckStatus int

const (
	AckSuccess AckStatus = iota
	AckFailure
)

// AckingStatus is a node's live status within the current or most recent
// watermark round (spec.md §4.3: "Status per node ∈ {PENDING, SUCCESS,
// FAILURE, INVALID}"), as reported by GetAckingStatus. Unlike AckStatus
// (only ever SUCCESS/FAILURE, reported once a round has fully resolved),
// a query made mid-round can still see PENDING, and a node id the sender
// never enrolled reports INVALID.
type AckingStatus int

const (
	AckingInvalid AckingStatus = iota
	AckingPending
	AckingSuccess
	AckingFailure
)

func (s AckingStatus) String() string {
	switch s {
	case AckingPending:
		return "PENDING"
	case AckingSuccess:
		return "SUCCESS"
	case AckingFailure:
		return "FAILURE"
	default:
		return "INVALID"
	}
}

// Event is one application-visible notification, standing in for spec.md
// §6's "GetNextEvent" surface as a Go channel item.
type Event struct {
	Type     EventType
	NodeID   uint32
	ObjectID object.TransportID
	Object   *object.Object
	Watermark wire.PayloadID
	Statuses map[uint32]AckStatus
	Err      error
}
