package wire

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/normproto/norm/fec"
)

func roundTrip(t *testing.T, msg *Message) *Message {
	t.Helper()
	buf, err := Pack(msg)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	got, err := Unpack(buf)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	return got
}

func TestInfoRoundTrip(t *testing.T) {
	for _, fecId := range []uint8{fec.IDReedSolomon8, fec.IDReedSolomon8S} {
		msg := &Message{
			Header: Header{Type: MsgInfo, Sequence: 7, SourceID: 42},
			Info: &InfoMessage{
				FecID:      fecId,
				ObjectType: ObjectFile,
				ObjectID:   PayloadID{ObjectID: 100},
				Extensions: []Extension{{Type: 1, Body: []byte("ext")}},
				Info:       []byte("report.pdf"),
			},
		}
		got := roundTrip(t, msg)
		if !reflect.DeepEqual(got.Info, msg.Info) {
			t.Fatalf("fecId=%d: INFO mismatch\ngot  %+v\nwant %+v", fecId, got.Info, msg.Info)
		}
		if got.Header.Sequence != 7 || got.Header.SourceID != 42 {
			t.Fatalf("fecId=%d: header mismatch: %+v", fecId, got.Header)
		}
	}
}

func TestDataRoundTrip(t *testing.T) {
	msg := &Message{
		Header: Header{Type: MsgData, Sequence: 1, SourceID: 9},
		Data: &DataMessage{
			FecID:      fec.IDReedSolomon8,
			ObjectType: ObjectStream,
			PayloadID:  PayloadID{ObjectID: 5, BlockID: 99, SymbolID: 3},
			IsParity:   true,
			MsgStart:   true,
			EndOfMsg:   false,
			ObjectSize: 123456789,
			Payload:    bytes.Repeat([]byte{0xAB}, 64),
		},
	}
	got := roundTrip(t, msg)
	if !reflect.DeepEqual(got.Data, msg.Data) {
		t.Fatalf("DATA mismatch\ngot  %+v\nwant %+v", got.Data, msg.Data)
	}
}

func TestCmdFlushRoundTrip(t *testing.T) {
	msg := &Message{
		Header: Header{Type: MsgCmd, Sequence: 2, SourceID: 3},
		Cmd: &CmdMessage{
			Flavor: CmdFlush,
			Flush:  &FlushBody{FecID: fec.IDReedSolomon8, Watermark: PayloadID{ObjectID: 1, BlockID: 2, SymbolID: 3}},
		},
	}
	got := roundTrip(t, msg)
	if !reflect.DeepEqual(got.Cmd, msg.Cmd) {
		t.Fatalf("CMD FLUSH mismatch\ngot  %+v\nwant %+v", got.Cmd, msg.Cmd)
	}
}

func TestCmdEOTRoundTrip(t *testing.T) {
	msg := &Message{
		Header: Header{Type: MsgCmd, Sequence: 2, SourceID: 3},
		Cmd:    &CmdMessage{Flavor: CmdEOT},
	}
	got := roundTrip(t, msg)
	if got.Cmd.Flavor != CmdEOT {
		t.Fatalf("expected EOT flavor, got %v", got.Cmd.Flavor)
	}
}

func TestCmdCCRoundTrip(t *testing.T) {
	msg := &Message{
		Header: Header{Type: MsgCmd, Sequence: 4, SourceID: 55},
		Cmd: &CmdMessage{
			Flavor: CmdCC,
			CC: &CCBody{
				SendTime:  1234567890,
				GRTT:      88,
				GroupSize: 5,
				Backoff:   2,
				RateBound: 500000,
				Feedback: []CCFeedback{
					{NodeID: 1, RTT: 10, LossEvent: false, RateLimit: 1000},
					{NodeID: 2, RTT: 200, LossEvent: true, RateLimit: 2000},
				},
			},
		},
	}
	got := roundTrip(t, msg)
	if !reflect.DeepEqual(got.Cmd, msg.Cmd) {
		t.Fatalf("CMD CC mismatch\ngot  %+v\nwant %+v", got.Cmd, msg.Cmd)
	}
}

func TestCmdRepairAdvAndNackRoundTrip(t *testing.T) {
	reqs := BuildSegmentRequests(0, 10, 20, []uint16{1, 2, 5, 6, 7, 8, 20})
	cmdMsg := &Message{
		Header: Header{Type: MsgCmd, Sequence: 1, SourceID: 1},
		Cmd:    &CmdMessage{Flavor: CmdRepairAdv, RepairAdv: &RepairAdvBody{FecID: fec.IDReedSolomon8, Requests: reqs}},
	}
	got := roundTrip(t, cmdMsg)
	if !reflect.DeepEqual(got.Cmd, cmdMsg.Cmd) {
		t.Fatalf("CMD REPAIR_ADV mismatch\ngot  %+v\nwant %+v", got.Cmd, cmdMsg.Cmd)
	}

	nackMsg := &Message{
		Header: Header{Type: MsgNack, Sequence: 9, SourceID: 1},
		Nack:   &NackMessage{FecID: fec.IDReedSolomon8, Server: 77, Requests: reqs},
	}
	gotNack := roundTrip(t, nackMsg)
	if !reflect.DeepEqual(gotNack.Nack, nackMsg.Nack) {
		t.Fatalf("NACK mismatch\ngot  %+v\nwant %+v", gotNack.Nack, nackMsg.Nack)
	}
}

func TestAckReqAndAckRoundTrip(t *testing.T) {
	reqMsg := &Message{
		Header: Header{Type: MsgCmd, Sequence: 1, SourceID: 1},
		Cmd: &CmdMessage{
			Flavor: CmdAckReq,
			AckReq: &AckReqBody{
				FecID:     fec.IDReedSolomon8,
				Watermark: PayloadID{ObjectID: 1, BlockID: 2, SymbolID: 3},
				AckingSet: []uint32{11, 22, 33},
			},
		},
	}
	got := roundTrip(t, reqMsg)
	if !reflect.DeepEqual(got.Cmd, reqMsg.Cmd) {
		t.Fatalf("CMD ACK_REQ mismatch\ngot  %+v\nwant %+v", got.Cmd, reqMsg.Cmd)
	}

	ackMsg := &Message{
		Header: Header{Type: MsgAck, Sequence: 1, SourceID: 1},
		Ack: &AckMessage{
			Kind:      AckWatermark,
			Watermark: PayloadID{ObjectID: 1, BlockID: 2, SymbolID: 3},
		},
	}
	gotAck := roundTrip(t, ackMsg)
	if !reflect.DeepEqual(gotAck.Ack, ackMsg.Ack) {
		t.Fatalf("ACK mismatch\ngot  %+v\nwant %+v", gotAck.Ack, ackMsg.Ack)
	}

	ccAckMsg := &Message{
		Header: Header{Type: MsgAck, Sequence: 1, SourceID: 1},
		Ack: &AckMessage{
			Kind:      AckCC,
			Watermark: PayloadID{ObjectID: 9, BlockID: 8, SymbolID: 7},
			CCAck:     &CCFeedback{NodeID: 4, RTT: 44, LossEvent: true, RateLimit: 9999},
		},
	}
	gotCCAck := roundTrip(t, ccAckMsg)
	if !reflect.DeepEqual(gotCCAck.Ack, ccAckMsg.Ack) {
		t.Fatalf("CC ACK mismatch\ngot  %+v\nwant %+v", gotCCAck.Ack, ccAckMsg.Ack)
	}
}

func TestReportRoundTrip(t *testing.T) {
	msg := &Message{
		Header: Header{Type: MsgReport, Sequence: 3, SourceID: 6},
		Report: &ReportMessage{GRTT: 50, ObjectsActive: 4, BytesReceived: 99999},
	}
	got := roundTrip(t, msg)
	if !reflect.DeepEqual(got.Report, msg.Report) {
		t.Fatalf("REPORT mismatch\ngot  %+v\nwant %+v", got.Report, msg.Report)
	}
}

func TestUnknownExtensionTolerated(t *testing.T) {
	msg := &Message{
		Header: Header{Type: MsgInfo, Sequence: 1, SourceID: 1},
		Info: &InfoMessage{
			FecID:      fec.IDReedSolomon8,
			ObjectType: ObjectFile,
			ObjectID:   PayloadID{ObjectID: 1},
			Extensions: []Extension{{Type: 250, Body: []byte{1, 2, 3}}},
			Info:       []byte("x"),
		},
	}
	got := roundTrip(t, msg)
	if len(got.Info.Extensions) != 1 || got.Info.Extensions[0].Type != 250 {
		t.Fatalf("unknown extension should round-trip unchanged: %+v", got.Info.Extensions)
	}
}

func TestUnpackFailsOnTruncatedMessage(t *testing.T) {
	if _, err := Unpack([]byte{0x01, 0x02}); err == nil {
		t.Fatal("expected error for message shorter than base header")
	}
}

func TestBuildSegmentRequestsFormSelection(t *testing.T) {
	reqs := BuildSegmentRequests(0, 1, 1, []uint16{1, 2})
	if len(reqs) != 1 || reqs[0].Form != FormItems {
		t.Fatalf("runs of 2 should use FormItems, got %+v", reqs)
	}
	reqs = BuildSegmentRequests(0, 1, 1, []uint16{1, 2, 3})
	if len(reqs) != 1 || reqs[0].Form != FormRanges {
		t.Fatalf("runs of 3 should use FormRanges, got %+v", reqs)
	}
	reqs = BuildSegmentRequests(0, 1, 1, []uint16{1, 3, 4, 5, 9})
	if len(reqs) != 3 {
		t.Fatalf("expected 3 groups, got %d: %+v", len(reqs), reqs)
	}
}

func TestExpandRepairRequestInvertsBuild(t *testing.T) {
	ids := []uint16{1, 2, 5, 6, 7, 8, 20}
	reqs := BuildSegmentRequests(FlagSegment, 10, 20, ids)
	var expanded []uint16
	for _, r := range reqs {
		for _, item := range ExpandRepairRequest(r) {
			expanded = append(expanded, item.SymbolID)
		}
	}
	if len(expanded) != len(ids) {
		t.Fatalf("expanded %v, want %v", expanded, ids)
	}
	for i, v := range ids {
		if expanded[i] != v {
			t.Fatalf("expanded[%d]=%d, want %d", i, expanded[i], v)
		}
	}
}
