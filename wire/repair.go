package wire

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

// RepairForm selects how a RepairRequest packs its item list (spec.md §4.1).
type RepairForm uint8

const (
	FormItems RepairForm = iota + 1
	FormRanges
	FormErasures
)

// RepairFlags are the OR-able qualifiers on a RepairRequest (spec.md §4.1).
type RepairFlags uint8

const (
	FlagSegment RepairFlags = 1 << iota
	FlagBlock
	FlagInfo
	FlagObject
	FlagMsgStart
)

// RepairRequest is one record inside a NACK or CMD_REPAIR_ADV message
// (spec.md §4.1). For FormItems and FormErasures, Items is the literal list
// requested. For FormRanges, Items holds (start, end) pairs: Items[0..1] is
// the first range, Items[2..3] the second, and so on.
type RepairRequest struct {
	Form  RepairForm
	Flags RepairFlags
	Items []PayloadID
}

// itemWidth returns the per-item encoded size for fecId; repair items reuse
// the payload-id layout regardless of which RepairFlags are set, keeping a
// single fixed item width per record as spec.md §4.1 requires ("a packed
// list of fixed-width items").
func itemWidth(fecId uint8) (int, error) {
	return PayloadIDSize(fecId)
}

// Pack appends the encoded repair request to buf and returns the new slice.
func (r RepairRequest) Pack(buf []byte, fecId uint8) ([]byte, error) {
	width, err := itemWidth(fecId)
	if err != nil {
		return nil, err
	}
	bodyLen := width * len(r.Items)
	if bodyLen > 0xFFFF {
		return nil, errors.New("wire: repair request body too large")
	}
	buf = append(buf, uint8(r.Form), uint8(r.Flags))
	lenPos := len(buf)
	buf = append(buf, 0, 0)
	binary.BigEndian.PutUint16(buf[lenPos:lenPos+2], uint16(bodyLen))
	for _, item := range r.Items {
		itemBuf := make([]byte, width)
		if _, err := item.Encode(itemBuf, fecId); err != nil {
			return nil, err
		}
		buf = append(buf, itemBuf...)
	}
	return buf, nil
}

// UnpackRepairRequest consumes one RepairRequest record from buf, returning
// it and the number of bytes consumed.
func UnpackRepairRequest(buf []byte, fecId uint8) (RepairRequest, int, error) {
	if len(buf) < 4 {
		return RepairRequest{}, 0, errors.New("wire: truncated repair request header")
	}
	width, err := itemWidth(fecId)
	if err != nil {
		return RepairRequest{}, 0, err
	}
	form := RepairForm(buf[0])
	flags := RepairFlags(buf[1])
	bodyLen := int(binary.BigEndian.Uint16(buf[2:4]))
	if len(buf) < 4+bodyLen {
		return RepairRequest{}, 0, errors.New("wire: truncated repair request body")
	}
	if width == 0 || bodyLen%width != 0 {
		return RepairRequest{}, 0, errors.New("wire: repair request body not a multiple of item width")
	}
	n := bodyLen / width
	items := make([]PayloadID, n)
	off := 4
	for i := 0; i < n; i++ {
		id, consumed, err := DecodePayloadID(buf[off:off+width], fecId)
		if err != nil {
			return RepairRequest{}, 0, err
		}
		items[i] = id
		off += consumed
	}
	return RepairRequest{Form: form, Flags: flags, Items: items}, off, nil
}

// BuildSegmentRequests groups missing symbolIds of one (objectID, blockID)
// into RepairRequest records, choosing FormItems for runs of 1-2 and
// FormRanges for runs of 3 or more, per spec.md §4.1: "the encoder selects
// ITEMS for runs of 1–2, RANGES for ≥3; it never mixes forms within a
// record." symbolIDs must be supplied sorted ascending.
func BuildSegmentRequests(flags RepairFlags, objectID uint16, blockID uint32, symbolIDs []uint16) []RepairRequest {
	return buildRequests(flags|FlagSegment, objectID, blockID, symbolIDs)
}

// BuildBlockRequests groups missing blockIds of one object into
// RepairRequest records using the same run-length form selection as
// BuildSegmentRequests, but at block granularity (SymbolID is unused).
func BuildBlockRequests(flags RepairFlags, objectID uint16, blockIDs []uint32) []RepairRequest {
	symbolIDs := make([]uint16, len(blockIDs))
	// blockIDs double as the "sequence" dimension here; each blockID is
	// encoded into its own PayloadID with SymbolID=0.
	reqs := groupRuns(blockIDs)
	out := make([]RepairRequest, 0, len(reqs))
	for _, g := range reqs {
		items := make([]PayloadID, 0, len(g))
		for _, b := range g {
			items = append(items, PayloadID{ObjectID: objectID, BlockID: b, SymbolID: 0})
		}
		form := FormItems
		if len(g) >= 3 {
			form = FormRanges
			items = []PayloadID{
				{ObjectID: objectID, BlockID: g[0], SymbolID: 0},
				{ObjectID: objectID, BlockID: g[len(g)-1], SymbolID: 0},
			}
		}
		out = append(out, RepairRequest{Form: form, Flags: flags | FlagBlock, Items: items})
	}
	_ = symbolIDs
	return out
}

func buildRequests(flags RepairFlags, objectID uint16, blockID uint32, symbolIDs []uint16) []RepairRequest {
	u32 := make([]uint32, len(symbolIDs))
	for i, s := range symbolIDs {
		u32[i] = uint32(s)
	}
	groups := groupRuns(u32)
	out := make([]RepairRequest, 0, len(groups))
	for _, g := range groups {
		if len(g) >= 3 {
			out = append(out, RepairRequest{
				Form:  FormRanges,
				Flags: flags,
				Items: []PayloadID{
					{ObjectID: objectID, BlockID: blockID, SymbolID: uint16(g[0])},
					{ObjectID: objectID, BlockID: blockID, SymbolID: uint16(g[len(g)-1])},
				},
			})
			continue
		}
		items := make([]PayloadID, 0, len(g))
		for _, v := range g {
			items = append(items, PayloadID{ObjectID: objectID, BlockID: blockID, SymbolID: uint16(v)})
		}
		out = append(out, RepairRequest{Form: FormItems, Flags: flags, Items: items})
	}
	return out
}

// groupRuns partitions a sorted (ascending) slice of uint32 into maximal
// runs of consecutive values.
func groupRuns(sorted []uint32) [][]uint32 {
	if len(sorted) == 0 {
		return nil
	}
	cp := append([]uint32(nil), sorted...)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	var groups [][]uint32
	start := 0
	for i := 1; i <= len(cp); i++ {
		if i == len(cp) || cp[i] != cp[i-1]+1 {
			groups = append(groups, cp[start:i])
			start = i
		}
	}
	return groups
}

// ExpandRepairRequest turns a RepairRequest back into the explicit list of
// requested (objectID, blockID, symbolID) coordinates it represents,
// inverting BuildSegmentRequests/BuildBlockRequests.
func ExpandRepairRequest(r RepairRequest) []PayloadID {
	switch r.Form {
	case FormItems, FormErasures:
		return r.Items
	case FormRanges:
		var out []PayloadID
		for i := 0; i+1 < len(r.Items); i += 2 {
			lo, hi := r.Items[i], r.Items[i+1]
			if r.Flags&FlagBlock != 0 {
				for b := lo.BlockID; b <= hi.BlockID; b++ {
					out = append(out, PayloadID{ObjectID: lo.ObjectID, BlockID: b})
				}
			} else {
				for s := lo.SymbolID; s <= hi.SymbolID; s++ {
					out = append(out, PayloadID{ObjectID: lo.ObjectID, BlockID: lo.BlockID, SymbolID: s})
				}
			}
		}
		return out
	default:
		return nil
	}
}
