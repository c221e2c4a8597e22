package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/normproto/norm/fec"
)

// PayloadID is the (object, block, symbol) coordinate carried by DATA and by
// the FLUSH/SQUELCH CMD flavors, in the fecId-dictated layout described by
// spec.md §4.1: "The payload-id for block/symbol coordinates is a single
// abstraction parameterized by fecId and, when used, fecM."
type PayloadID struct {
	ObjectID uint16
	BlockID  uint32
	SymbolID uint16
}

// PayloadIDSize returns the encoded size, in bytes, of a PayloadID for the
// given fecId. fecId=5 (general RS8, OTI-carrying) uses a full-width 8-byte
// coordinate; fecId=129 (8-bit small-block variant) packs block and symbol
// into one byte each since the small-block variant bounds both to [0,255],
// matching spec.md §4.1 "8B for id=5, 4B for id=129".
func PayloadIDSize(fecId uint8) (int, error) {
	switch fecId {
	case fec.IDReedSolomon8:
		return 8, nil
	case fec.IDReedSolomon8S:
		return 4, nil
	default:
		return 0, errors.Wrapf(fec.ErrUnsupportedFecID, "fecId=%d", fecId)
	}
}

// Encode writes the payload id for fecId into buf, returning the number of
// bytes written. buf must be at least PayloadIDSize(fecId) long.
func (p PayloadID) Encode(buf []byte, fecId uint8) (int, error) {
	size, err := PayloadIDSize(fecId)
	if err != nil {
		return 0, err
	}
	if len(buf) < size {
		return 0, errors.New("wire: buffer too small for payload id")
	}
	switch fecId {
	case fec.IDReedSolomon8:
		binary.BigEndian.PutUint16(buf[0:2], p.ObjectID)
		binary.BigEndian.PutUint32(buf[2:6], p.BlockID)
		binary.BigEndian.PutUint16(buf[6:8], p.SymbolID)
	case fec.IDReedSolomon8S:
		binary.BigEndian.PutUint16(buf[0:2], p.ObjectID)
		buf[2] = byte(p.BlockID)
		buf[3] = byte(p.SymbolID)
	}
	return size, nil
}

// DecodePayloadID parses a payload id from buf for the given fecId.
func DecodePayloadID(buf []byte, fecId uint8) (PayloadID, int, error) {
	size, err := PayloadIDSize(fecId)
	if err != nil {
		return PayloadID{}, 0, err
	}
	if len(buf) < size {
		return PayloadID{}, 0, errors.New("wire: truncated payload id")
	}
	var p PayloadID
	switch fecId {
	case fec.IDReedSolomon8:
		p.ObjectID = binary.BigEndian.Uint16(buf[0:2])
		p.BlockID = binary.BigEndian.Uint32(buf[2:6])
		p.SymbolID = binary.BigEndian.Uint16(buf[6:8])
	case fec.IDReedSolomon8S:
		p.ObjectID = binary.BigEndian.Uint16(buf[0:2])
		p.BlockID = uint32(buf[2])
		p.SymbolID = uint16(buf[3])
	}
	return p, size, nil
}
