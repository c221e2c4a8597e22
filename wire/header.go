package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Header is the 8-byte prefix common to every NORM message (spec.md §4.1):
// type(4b) | version(4b) | hdr_len(1B) | sequence(2B) | sourceId(4B).
type Header struct {
	Version  uint8
	Type     MsgType
	HdrLen   uint8 // total header length in bytes, including this 8-byte prefix
	Sequence uint16
	SourceID uint32
}

// EncodeHeader writes the base header into buf[0:8].
func EncodeHeader(buf []byte, h Header) error {
	if len(buf) < baseHeaderLen {
		return errors.New("wire: buffer too small for header")
	}
	buf[0] = (uint8(h.Type) << 4) | (h.Version & 0x0F)
	buf[1] = h.HdrLen
	binary.BigEndian.PutUint16(buf[2:4], h.Sequence)
	binary.BigEndian.PutUint32(buf[4:8], h.SourceID)
	return nil
}

// DecodeHeader reads the base header from buf. Per spec.md §4.1,
// "InitFromBuffer(len) fails if len < computed_header_length"; the caller
// is expected to re-check len against the type-specific header length once
// the type is known, since this function only validates the fixed 8-byte
// prefix.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < baseHeaderLen {
		return Header{}, errors.New("wire: message shorter than base header")
	}
	h := Header{
		Version:  buf[0] & 0x0F,
		Type:     MsgType(buf[0] >> 4),
		HdrLen:   buf[1],
		Sequence: binary.BigEndian.Uint16(buf[2:4]),
		SourceID: binary.BigEndian.Uint32(buf[4:8]),
	}
	if int(h.HdrLen) > len(buf) {
		return Header{}, errors.Errorf("wire: hdr_len %d exceeds message length %d", h.HdrLen, len(buf))
	}
	return h, nil
}
