package wire

import "github.com/pkg/errors"

// Extension is one header-extension record chained after the base header
// (spec.md §4.1 "Header extensions"): type(1B) | length(1B) | body.
type Extension struct {
	Type uint8
	Body []byte
}

// EncodedLen returns the on-wire size of the extension, including its
// 2-byte type/length prefix.
func (e Extension) EncodedLen() int { return 2 + len(e.Body) }

// AppendExtensions serializes a list of extensions after an existing
// header, returning the extended buffer.
func AppendExtensions(buf []byte, exts []Extension) ([]byte, error) {
	for _, e := range exts {
		if len(e.Body) > 255 {
			return nil, errors.New("wire: extension body exceeds 255 bytes")
		}
		buf = append(buf, e.Type, uint8(len(e.Body)))
		buf = append(buf, e.Body...)
	}
	return buf, nil
}

// ParseExtensions walks the extension chain starting at buf[0] until exactly
// end bytes have been consumed, returning every extension found. Per
// spec.md §4.1, "Parsers iterate extensions and MUST tolerate unknown
// types" — ParseExtensions never rejects an extension based on its Type,
// it only validates length framing.
func ParseExtensions(buf []byte, end int) ([]Extension, error) {
	if end > len(buf) {
		return nil, errors.New("wire: extension region exceeds buffer")
	}
	var exts []Extension
	off := 0
	for off < end {
		if off+2 > end {
			return nil, errors.New("wire: truncated extension header")
		}
		typ := buf[off]
		length := int(buf[off+1])
		off += 2
		if off+length > end {
			return nil, errors.New("wire: truncated extension body")
		}
		body := make([]byte, length)
		copy(body, buf[off:off+length])
		exts = append(exts, Extension{Type: typ, Body: body})
		off += length
	}
	if off != end {
		return nil, errors.New("wire: extension chain misaligned")
	}
	return exts, nil
}
