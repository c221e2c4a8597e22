package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// InfoMessage carries an object's INFO blob (spec.md §3 "Object", §4.1).
type InfoMessage struct {
	FecID      uint8
	ObjectType ObjectType
	ObjectID   PayloadID // BlockID/SymbolID are zero; ObjectID is the live field
	Extensions []Extension
	Info       []byte
}

// DataMessage carries one source or parity segment (spec.md §3 "Segment").
type DataMessage struct {
	FecID       uint8
	ObjectType  ObjectType
	PayloadID   PayloadID
	IsParity    bool
	MsgStart    bool // spec.md §4.5 StreamPayloadHeader.msg_start_flag
	EndOfMsg    bool
	ObjectSize  uint64 // carried on every segment of an object
	Extensions  []Extension
	Payload     []byte
}

// FlushBody is the FLUSH/SQUELCH coordinate: "the sender names a watermark
// (object, block, symbol) the receiver should reconcile against"
// (spec.md §4.3 "Flush").
type FlushBody struct {
	FecID     uint8
	Watermark PayloadID
}

// CCFeedback is one per-receiver entry inside CMD_CC (spec.md §4.3 "GRTT
// probing").
type CCFeedback struct {
	NodeID    uint32
	RTT       uint8 // quantized, see grtt package
	LossEvent bool
	RateLimit uint32 // receiver's self-reported rate bound, bytes/sec
}

// CCBody is the congestion-control probe payload of CMD_CC.
type CCBody struct {
	SendTime  uint64 // unix nanoseconds
	GRTT      uint8  // quantized
	GroupSize uint8  // quantized, low 4 bits significant
	Backoff   uint8
	RateBound uint32 // bytes/sec
	Feedback  []CCFeedback
}

// RepairAdvBody advertises the sender's current repair window, or (as NACK
// body) requests repair (spec.md §4.1 "Repair requests").
type RepairAdvBody struct {
	FecID    uint8
	Requests []RepairRequest
}

// AckReqBody asks the named acking nodes to positively acknowledge a
// watermark (spec.md §4.3 "Watermark protocol").
type AckReqBody struct {
	FecID      uint8
	Watermark  PayloadID
	AckingSet  []uint32
}

// ApplicationBody is an opaque, app-defined CMD payload (SendCommand).
type ApplicationBody struct {
	Data []byte
}

// CmdMessage is a CMD message with exactly one of its body fields set,
// selected by Flavor.
type CmdMessage struct {
	Flavor      CmdFlavor
	Flush       *FlushBody
	Squelch     *FlushBody
	CC          *CCBody
	RepairAdv   *RepairAdvBody
	AckReq      *AckReqBody
	Application *ApplicationBody
}

// NackMessage is a receiver's repair request (spec.md §4.4 "NACK
// construction").
type NackMessage struct {
	FecID    uint8
	Server   uint32 // sourceId of the sender being NACKed (redundant with Header.SourceID in unicast-NACK mode, authoritative in multicast)
	Requests []RepairRequest
}

// AckMessage is a positive acknowledgment, either of a watermark or of a CC
// probe (spec.md §4.3).
type AckMessage struct {
	Kind      AckType
	Watermark PayloadID
	CCAck     *CCFeedback
}

// ReportMessage is a lightweight periodic receiver status report.
type ReportMessage struct {
	GRTT          uint8
	ObjectsActive uint16
	BytesReceived uint64
}

// Message is the fully decoded form of one NORM packet.
type Message struct {
	Header Header
	Info   *InfoMessage
	Data   *DataMessage
	Cmd    *CmdMessage
	Nack   *NackMessage
	Ack    *AckMessage
	Report *ReportMessage
}

// Pack serializes msg to its wire form.
func Pack(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("wire: nil message")
	}
	var body []byte
	var err error
	switch msg.Header.Type {
	case MsgInfo:
		body, err = packInfo(msg.Info)
	case MsgData:
		body, err = packData(msg.Data)
	case MsgCmd:
		body, err = packCmd(msg.Cmd)
	case MsgNack:
		body, err = packNack(msg.Nack)
	case MsgAck:
		body, err = packAck(msg.Ack)
	case MsgReport:
		body, err = packReport(msg.Report)
	default:
		return nil, errors.Errorf("wire: unknown message type %d", msg.Header.Type)
	}
	if err != nil {
		return nil, err
	}

	out := make([]byte, baseHeaderLen, baseHeaderLen+len(body))
	h := msg.Header
	h.Version = Version
	h.HdrLen = uint8(baseHeaderLen + headerOnlyLen(msg))
	if err := EncodeHeader(out, h); err != nil {
		return nil, err
	}
	out = append(out, body...)
	return out, nil
}

// headerOnlyLen returns the length of the type-specific header region that
// follows the 8-byte base prefix, so HdrLen marks where the payload begins.
// For INFO and DATA it counts the fixed fields plus every header extension;
// CMD/NACK/ACK/REPORT carry no header extensions in this implementation and
// report zero, leaving HdrLen at the base length.
func headerOnlyLen(msg *Message) int {
	switch msg.Header.Type {
	case MsgInfo:
		idSize, err := PayloadIDSize(msg.Info.FecID)
		if err != nil {
			return 0
		}
		n := 2 + idSize
		for _, e := range msg.Info.Extensions {
			n += e.EncodedLen()
		}
		return n
	case MsgData:
		idSize, err := PayloadIDSize(msg.Data.FecID)
		if err != nil {
			return 0
		}
		n := 3 + idSize + 8
		for _, e := range msg.Data.Extensions {
			n += e.EncodedLen()
		}
		return n
	default:
		return 0
	}
}

// Unpack parses buf into a Message. Per spec.md §7 error kind 1, a caller
// that receives a non-nil error must silently drop the packet and count it;
// Unpack itself only reports the error, it does not log.
func Unpack(buf []byte) (*Message, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.Version != Version {
		return nil, errors.Errorf("wire: unsupported version %d", h.Version)
	}
	body := buf[baseHeaderLen:]
	hdrExtra := int(h.HdrLen) - baseHeaderLen
	if hdrExtra < 0 || hdrExtra > len(body) {
		return nil, errors.New("wire: inconsistent hdr_len")
	}

	msg := &Message{Header: h}
	switch h.Type {
	case MsgInfo:
		msg.Info, err = unpackInfo(body, hdrExtra)
	case MsgData:
		msg.Data, err = unpackData(body, hdrExtra)
	case MsgCmd:
		msg.Cmd, err = unpackCmd(body)
	case MsgNack:
		msg.Nack, err = unpackNack(body)
	case MsgAck:
		msg.Ack, err = unpackAck(body)
	case MsgReport:
		msg.Report, err = unpackReport(body)
	default:
		return nil, errors.Errorf("wire: unknown message type %d", h.Type)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// --- INFO ---

func packInfo(m *InfoMessage) ([]byte, error) {
	if m == nil {
		return nil, errors.New("wire: nil INFO body")
	}
	idSize, err := PayloadIDSize(m.FecID)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, idSize+1+4+len(m.Info))
	buf = append(buf, m.FecID, uint8(m.ObjectType))
	idBuf := make([]byte, idSize)
	if _, err := m.ObjectID.Encode(idBuf, m.FecID); err != nil {
		return nil, err
	}
	buf = append(buf, idBuf...)
	buf, err = AppendExtensions(buf, m.Extensions)
	if err != nil {
		return nil, err
	}
	buf = append(buf, m.Info...)
	return buf, nil
}

func unpackInfo(body []byte, hdrExtra int) (*InfoMessage, error) {
	if len(body) < 2 {
		return nil, errors.New("wire: truncated INFO")
	}
	fecId, objType := body[0], ObjectType(body[1])
	idSize, err := PayloadIDSize(fecId)
	if err != nil {
		return nil, err
	}
	off := 2
	if len(body) < off+idSize {
		return nil, errors.New("wire: truncated INFO payload id")
	}
	id, _, err := DecodePayloadID(body[off:off+idSize], fecId)
	if err != nil {
		return nil, err
	}
	off += idSize
	fixedLen := off
	extLen := hdrExtra - fixedLen
	if extLen < 0 {
		return nil, errors.New("wire: INFO hdr_len shorter than fixed fields")
	}
	if len(body) < fixedLen+extLen {
		return nil, errors.New("wire: truncated INFO extensions")
	}
	exts, err := ParseExtensions(body[off:off+extLen], extLen)
	if err != nil {
		return nil, err
	}
	off += extLen
	info := append([]byte(nil), body[off:]...)
	return &InfoMessage{FecID: fecId, ObjectType: objType, ObjectID: id, Extensions: exts, Info: info}, nil
}

// --- DATA ---

const (
	dataFlagParity   = 1 << 0
	dataFlagMsgStart = 1 << 1
	dataFlagEndOfMsg = 1 << 2
)

func packData(m *DataMessage) ([]byte, error) {
	if m == nil {
		return nil, errors.New("wire: nil DATA body")
	}
	idSize, err := PayloadIDSize(m.FecID)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 2+idSize+8+len(m.Payload))
	var flags uint8
	if m.IsParity {
		flags |= dataFlagParity
	}
	if m.MsgStart {
		flags |= dataFlagMsgStart
	}
	if m.EndOfMsg {
		flags |= dataFlagEndOfMsg
	}
	buf = append(buf, m.FecID, uint8(m.ObjectType), flags)
	idBuf := make([]byte, idSize)
	if _, err := m.PayloadID.Encode(idBuf, m.FecID); err != nil {
		return nil, err
	}
	buf = append(buf, idBuf...)
	sizeBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(sizeBuf, m.ObjectSize)
	buf = append(buf, sizeBuf...)
	buf, err = AppendExtensions(buf, m.Extensions)
	if err != nil {
		return nil, err
	}
	buf = append(buf, m.Payload...)
	return buf, nil
}

func unpackData(body []byte, hdrExtra int) (*DataMessage, error) {
	if len(body) < 3 {
		return nil, errors.New("wire: truncated DATA")
	}
	fecId, objType, flags := body[0], ObjectType(body[1]), body[2]
	idSize, err := PayloadIDSize(fecId)
	if err != nil {
		return nil, err
	}
	off := 3
	if len(body) < off+idSize+8 {
		return nil, errors.New("wire: truncated DATA fixed fields")
	}
	id, _, err := DecodePayloadID(body[off:off+idSize], fecId)
	if err != nil {
		return nil, err
	}
	off += idSize
	objSize := binary.BigEndian.Uint64(body[off : off+8])
	off += 8
	fixedLen := off
	extLen := hdrExtra - fixedLen
	if extLen < 0 {
		return nil, errors.New("wire: DATA hdr_len shorter than fixed fields")
	}
	if len(body) < fixedLen+extLen {
		return nil, errors.New("wire: truncated DATA extensions")
	}
	exts, err := ParseExtensions(body[off:off+extLen], extLen)
	if err != nil {
		return nil, err
	}
	off += extLen
	payload := append([]byte(nil), body[off:]...)
	return &DataMessage{
		FecID:      fecId,
		ObjectType: objType,
		PayloadID:  id,
		IsParity:   flags&dataFlagParity != 0,
		MsgStart:   flags&dataFlagMsgStart != 0,
		EndOfMsg:   flags&dataFlagEndOfMsg != 0,
		ObjectSize: objSize,
		Extensions: exts,
		Payload:    payload,
	}, nil
}

// --- CMD ---

func packCmd(m *CmdMessage) ([]byte, error) {
	if m == nil {
		return nil, errors.New("wire: nil CMD body")
	}
	buf := []byte{uint8(m.Flavor)}
	switch m.Flavor {
	case CmdFlush:
		return packFlush(buf, m.Flush)
	case CmdSquelch:
		return packFlush(buf, m.Squelch)
	case CmdEOT:
		return buf, nil
	case CmdCC:
		return packCC(buf, m.CC)
	case CmdRepairAdv:
		return packRepairAdv(buf, m.RepairAdv)
	case CmdAckReq:
		return packAckReq(buf, m.AckReq)
	case CmdApplication:
		if m.Application == nil {
			return nil, errors.New("wire: nil APPLICATION body")
		}
		return append(buf, m.Application.Data...), nil
	default:
		return nil, errors.Errorf("wire: unknown CMD flavor %d", m.Flavor)
	}
}

func packFlush(buf []byte, f *FlushBody) ([]byte, error) {
	if f == nil {
		return nil, errors.New("wire: nil FLUSH/SQUELCH body")
	}
	buf = append(buf, f.FecID)
	idSize, err := PayloadIDSize(f.FecID)
	if err != nil {
		return nil, err
	}
	idBuf := make([]byte, idSize)
	if _, err := f.Watermark.Encode(idBuf, f.FecID); err != nil {
		return nil, err
	}
	return append(buf, idBuf...), nil
}

func packCC(buf []byte, c *CCBody) ([]byte, error) {
	if c == nil {
		return nil, errors.New("wire: nil CC body")
	}
	head := make([]byte, 8+1+1+1+4+2)
	binary.BigEndian.PutUint64(head[0:8], c.SendTime)
	head[8] = c.GRTT
	head[9] = c.GroupSize
	head[10] = c.Backoff
	binary.BigEndian.PutUint32(head[11:15], c.RateBound)
	binary.BigEndian.PutUint16(head[15:17], uint16(len(c.Feedback)))
	buf = append(buf, head...)
	for _, fb := range c.Feedback {
		entry := make([]byte, 4+1+1+4)
		binary.BigEndian.PutUint32(entry[0:4], fb.NodeID)
		entry[4] = fb.RTT
		if fb.LossEvent {
			entry[5] = 1
		}
		binary.BigEndian.PutUint32(entry[6:10], fb.RateLimit)
		buf = append(buf, entry...)
	}
	return buf, nil
}

func packRepairAdv(buf []byte, r *RepairAdvBody) ([]byte, error) {
	if r == nil {
		return nil, errors.New("wire: nil REPAIR_ADV body")
	}
	buf = append(buf, r.FecID)
	countBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(countBuf, uint16(len(r.Requests)))
	buf = append(buf, countBuf...)
	var err error
	for _, req := range r.Requests {
		buf, err = req.Pack(buf, r.FecID)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func packAckReq(buf []byte, a *AckReqBody) ([]byte, error) {
	if a == nil {
		return nil, errors.New("wire: nil ACK_REQ body")
	}
	buf = append(buf, a.FecID)
	idSize, err := PayloadIDSize(a.FecID)
	if err != nil {
		return nil, err
	}
	idBuf := make([]byte, idSize)
	if _, err := a.Watermark.Encode(idBuf, a.FecID); err != nil {
		return nil, err
	}
	buf = append(buf, idBuf...)
	countBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(countBuf, uint16(len(a.AckingSet)))
	buf = append(buf, countBuf...)
	for _, n := range a.AckingSet {
		nodeBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(nodeBuf, n)
		buf = append(buf, nodeBuf...)
	}
	return buf, nil
}

func unpackCmd(body []byte) (*CmdMessage, error) {
	if len(body) < 1 {
		return nil, errors.New("wire: truncated CMD")
	}
	flavor := CmdFlavor(body[0])
	rest := body[1:]
	cmd := &CmdMessage{Flavor: flavor}
	var err error
	switch flavor {
	case CmdFlush:
		cmd.Flush, err = unpackFlush(rest)
	case CmdSquelch:
		cmd.Squelch, err = unpackFlush(rest)
	case CmdEOT:
		// no body
	case CmdCC:
		cmd.CC, err = unpackCC(rest)
	case CmdRepairAdv:
		cmd.RepairAdv, err = unpackRepairAdv(rest)
	case CmdAckReq:
		cmd.AckReq, err = unpackAckReq(rest)
	case CmdApplication:
		cmd.Application = &ApplicationBody{Data: append([]byte(nil), rest...)}
	default:
		return nil, errors.Errorf("wire: unknown CMD flavor %d", flavor)
	}
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

func unpackFlush(body []byte) (*FlushBody, error) {
	if len(body) < 1 {
		return nil, errors.New("wire: truncated FLUSH/SQUELCH")
	}
	fecId := body[0]
	idSize, err := PayloadIDSize(fecId)
	if err != nil {
		return nil, err
	}
	if len(body) < 1+idSize {
		return nil, errors.New("wire: truncated FLUSH/SQUELCH watermark")
	}
	id, _, err := DecodePayloadID(body[1:1+idSize], fecId)
	if err != nil {
		return nil, err
	}
	return &FlushBody{FecID: fecId, Watermark: id}, nil
}

func unpackCC(body []byte) (*CCBody, error) {
	if len(body) < 17 {
		return nil, errors.New("wire: truncated CC")
	}
	c := &CCBody{
		SendTime:  binary.BigEndian.Uint64(body[0:8]),
		GRTT:      body[8],
		GroupSize: body[9],
		Backoff:   body[10],
		RateBound: binary.BigEndian.Uint32(body[11:15]),
	}
	n := int(binary.BigEndian.Uint16(body[15:17]))
	off := 17
	for i := 0; i < n; i++ {
		if len(body) < off+10 {
			return nil, errors.New("wire: truncated CC feedback entry")
		}
		fb := CCFeedback{
			NodeID:    binary.BigEndian.Uint32(body[off : off+4]),
			RTT:       body[off+4],
			LossEvent: body[off+5] != 0,
			RateLimit: binary.BigEndian.Uint32(body[off+6 : off+10]),
		}
		c.Feedback = append(c.Feedback, fb)
		off += 10
	}
	return c, nil
}

func unpackRepairAdv(body []byte) (*RepairAdvBody, error) {
	if len(body) < 3 {
		return nil, errors.New("wire: truncated REPAIR_ADV")
	}
	fecId := body[0]
	n := int(binary.BigEndian.Uint16(body[1:3]))
	off := 3
	reqs := make([]RepairRequest, 0, n)
	for i := 0; i < n; i++ {
		req, consumed, err := UnpackRepairRequest(body[off:], fecId)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
		off += consumed
	}
	return &RepairAdvBody{FecID: fecId, Requests: reqs}, nil
}

func unpackAckReq(body []byte) (*AckReqBody, error) {
	if len(body) < 1 {
		return nil, errors.New("wire: truncated ACK_REQ")
	}
	fecId := body[0]
	idSize, err := PayloadIDSize(fecId)
	if err != nil {
		return nil, err
	}
	off := 1
	if len(body) < off+idSize+2 {
		return nil, errors.New("wire: truncated ACK_REQ watermark")
	}
	id, _, err := DecodePayloadID(body[off:off+idSize], fecId)
	if err != nil {
		return nil, err
	}
	off += idSize
	n := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2
	set := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		if len(body) < off+4 {
			return nil, errors.New("wire: truncated ACK_REQ acking set")
		}
		set = append(set, binary.BigEndian.Uint32(body[off:off+4]))
		off += 4
	}
	return &AckReqBody{FecID: fecId, Watermark: id, AckingSet: set}, nil
}

// --- NACK ---

func packNack(m *NackMessage) ([]byte, error) {
	if m == nil {
		return nil, errors.New("wire: nil NACK body")
	}
	buf := []byte{m.FecID}
	serverBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(serverBuf, m.Server)
	buf = append(buf, serverBuf...)
	countBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(countBuf, uint16(len(m.Requests)))
	buf = append(buf, countBuf...)
	var err error
	for _, req := range m.Requests {
		buf, err = req.Pack(buf, m.FecID)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func unpackNack(body []byte) (*NackMessage, error) {
	if len(body) < 7 {
		return nil, errors.New("wire: truncated NACK")
	}
	fecId := body[0]
	server := binary.BigEndian.Uint32(body[1:5])
	n := int(binary.BigEndian.Uint16(body[5:7]))
	off := 7
	reqs := make([]RepairRequest, 0, n)
	for i := 0; i < n; i++ {
		req, consumed, err := UnpackRepairRequest(body[off:], fecId)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
		off += consumed
	}
	return &NackMessage{FecID: fecId, Server: server, Requests: reqs}, nil
}

// --- ACK ---

func packAck(m *AckMessage) ([]byte, error) {
	if m == nil {
		return nil, errors.New("wire: nil ACK body")
	}
	buf := []byte{uint8(m.Kind), 0, 0, 0, 0, 0, 0, 0, 0, 0}
	binary.BigEndian.PutUint16(buf[1:3], m.Watermark.ObjectID)
	binary.BigEndian.PutUint32(buf[3:7], m.Watermark.BlockID)
	binary.BigEndian.PutUint16(buf[7:9], m.Watermark.SymbolID)
	buf[9] = 0
	if m.Kind == AckCC {
		if m.CCAck == nil {
			return nil, errors.New("wire: nil CC ack feedback")
		}
		entry := make([]byte, 10)
		binary.BigEndian.PutUint32(entry[0:4], m.CCAck.NodeID)
		entry[4] = m.CCAck.RTT
		if m.CCAck.LossEvent {
			entry[5] = 1
		}
		binary.BigEndian.PutUint32(entry[6:10], m.CCAck.RateLimit)
		buf = append(buf, entry...)
	}
	return buf, nil
}

func unpackAck(body []byte) (*AckMessage, error) {
	if len(body) < 10 {
		return nil, errors.New("wire: truncated ACK")
	}
	kind := AckType(body[0])
	wm := PayloadID{
		ObjectID: binary.BigEndian.Uint16(body[1:3]),
		BlockID:  binary.BigEndian.Uint32(body[3:7]),
		SymbolID: binary.BigEndian.Uint16(body[7:9]),
	}
	ack := &AckMessage{Kind: kind, Watermark: wm}
	if kind == AckCC {
		if len(body) < 20 {
			return nil, errors.New("wire: truncated CC ack feedback")
		}
		fb := &CCFeedback{
			NodeID:    binary.BigEndian.Uint32(body[10:14]),
			RTT:       body[14],
			LossEvent: body[15] != 0,
			RateLimit: binary.BigEndian.Uint32(body[16:20]),
		}
		ack.CCAck = fb
	}
	return ack, nil
}

// --- REPORT ---

func packReport(m *ReportMessage) ([]byte, error) {
	if m == nil {
		return nil, errors.New("wire: nil REPORT body")
	}
	buf := make([]byte, 11)
	buf[0] = m.GRTT
	binary.BigEndian.PutUint16(buf[1:3], m.ObjectsActive)
	binary.BigEndian.PutUint64(buf[3:11], m.BytesReceived)
	return buf, nil
}

func unpackReport(body []byte) (*ReportMessage, error) {
	if len(body) < 11 {
		return nil, errors.New("wire: truncated REPORT")
	}
	return &ReportMessage{
		GRTT:          body[0],
		ObjectsActive: binary.BigEndian.Uint16(body[1:3]),
		BytesReceived: binary.BigEndian.Uint64(body[3:11]),
	}, nil
}
