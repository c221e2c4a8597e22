package api

import "github.com/normproto/norm/object"

// ObjectHandle identifies one transport object, local or remote, matching
// spec.md §6's "Object: ... ObjectGetType/Size/BytesPending/Info" surface.
type ObjectHandle struct {
	sh       *SessionHandle
	id       object.TransportID
	local    bool   // true: enqueued by this session's own sender
	sourceID uint32 // set when local is false: the remote sender that owns it
	filePath string // set by FileEnqueue
}

// ID returns the wrapping 16-bit transport object id.
func (oh *ObjectHandle) ID() object.TransportID { return oh.id }

// FilePath returns the path FileEnqueue admitted this object under, or ""
// for objects created via DataEnqueue.
func (oh *ObjectHandle) FilePath() string { return oh.filePath }

func (oh *ObjectHandle) resolve() (*object.Object, bool) {
	if oh.local {
		return oh.sh.sess.LocalObject(oh.id)
	}
	return oh.sh.sess.RemoteObject(oh.sourceID, oh.id)
}

// Type returns FILE/DATA/STREAM/SIM, or false if the object is no longer
// tracked (evicted, or never existed).
func (oh *ObjectHandle) Type() (object.Type, bool) {
	o, ok := oh.resolve()
	if !ok {
		return 0, false
	}
	return o.Kind, true
}

// Size returns the object's total size in bytes.
func (oh *ObjectHandle) Size() (uint64, bool) {
	o, ok := oh.resolve()
	if !ok {
		return 0, false
	}
	return o.Size, true
}

// Info returns the object's INFO blob, if any.
func (oh *ObjectHandle) Info() ([]byte, bool) {
	o, ok := oh.resolve()
	if !ok {
		return nil, false
	}
	return o.Info, true
}

// IsComplete reports RX_OBJECT_COMPLETED (remote objects) or
// TX_OBJECT_SENT (local objects).
func (oh *ObjectHandle) IsComplete() bool {
	o, ok := oh.resolve()
	return ok && o.IsComplete()
}

// IsAborted reports RX_OBJECT_ABORTED / TX_OBJECT_PURGED.
func (oh *ObjectHandle) IsAborted() bool {
	o, ok := oh.resolve()
	return ok && o.IsAborted()
}

// Bytes returns the payload of a DATA object, or ok=false if the object is
// not a DATA object or has no payload buffer yet (spec.md §6 "StreamRead"
// has no DATA-object equivalent, so a full-buffer accessor stands in for
// it here).
func (oh *ObjectHandle) Bytes() ([]byte, bool) {
	o, ok := oh.resolve()
	if !ok || o.Kind != object.TypeData || o.DataPayload == nil {
		return nil, false
	}
	return o.DataPayload.Bytes, true
}

// Cancel removes a locally-enqueued object before it finishes sending. It
// is a no-op for remote objects, which a receiver cannot cancel out from
// under its sender.
func (oh *ObjectHandle) Cancel() error {
	if !oh.local {
		return nil
	}
	return oh.sh.ObjectCancel(oh)
}
