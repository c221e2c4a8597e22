package session

import (
	"net"
	"testing"
	"time"

	"github.com/normproto/norm/fec"
	"github.com/normproto/norm/grtt"
	"github.com/normproto/norm/normtimer"
	"github.com/normproto/norm/receiver"
	"github.com/normproto/norm/transport"
	"github.com/normproto/norm/wire"
)

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time { return c.now }
func (c *manualClock) AfterFunc(d time.Duration, f func()) normtimer.Cancelable {
	return noopCancelable{}
}

type noopCancelable struct{}

func (noopCancelable) Stop() bool { return true }

func udpAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

// newLinkedPair builds a sender-role Session and a receiver-role Session
// sharing an in-memory transport.Fake link, following the teacher's
// MockPacketConn two-endpoint pattern (session_test.go) generalized from a
// single smux stream to a pair of NORM sessions.
func newLinkedPair(t *testing.T) (tx *Session, rx *Session, txFake, rxFake *transport.Fake) {
	t.Helper()
	txAddr, rxAddr := udpAddr(6000), udpAddr(6001)
	txFake = transport.NewFake(txAddr)
	rxFake = transport.NewFake(rxAddr)
	txFake.Link(rxFake)
	rxFake.Link(txFake)

	tx = New(Config{
		SourceID:  1,
		GroupAddr: rxAddr,
		Transport: txFake,
		Clock:     &manualClock{now: time.Unix(0, 0)},
	})
	rx = New(Config{
		SourceID:  2,
		GroupAddr: txAddr,
		Transport: rxFake,
		Clock:     &manualClock{now: time.Unix(0, 0)},
	})
	return tx, rx, txFake, rxFake
}

func drainEvents(s *Session) []Event {
	var out []Event
	for {
		select {
		case ev := <-s.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestEndToEndSingleObjectTransferNoLoss(t *testing.T) {
	tx, rx, _, _ := newLinkedPair(t)

	if err := tx.StartSender(SenderConfig{
		BufferSpace:   1 << 20,
		SegmentSize:   16,
		CCMode:        grtt.ModeFixed,
		GRTTInit:      100 * time.Millisecond,
		CacheCountMin: 1,
		CacheCountMax: 16,
		CacheSizeMax:  1 << 20,
	}); err != nil {
		t.Fatalf("StartSender: %v", err)
	}
	rx.StartReceiver(ReceiverConfig{
		Sync:           receiver.SyncAll,
		DefaultK:       3,
		DefaultP:       2,
		DefaultSegSize: 16,
		DefaultFecID:   fec.IDReedSolomon8,
	})

	info := []byte("hello-info")
	data := make([]byte, 16*3)
	for i := range data {
		data[i] = byte(i + 1)
	}
	if _, err := tx.DataEnqueue(info, data, 16, 3, 2, fec.IDReedSolomon8); err != nil {
		t.Fatalf("DataEnqueue: %v", err)
	}

	now := time.Unix(0, 0)
	for i := 0; i < 10; i++ {
		if err := tx.Pump(now); err != nil {
			t.Fatalf("Pump[%d]: %v", i, err)
		}
		if err := rx.Drain(now); err != nil {
			t.Fatalf("Drain[%d]: %v", i, err)
		}
	}

	events := drainEvents(rx)
	var sawNew, sawInfo, sawCompleted, sawUpdated bool
	newBeforeUpdated, infoBeforeCompleted := true, true
	for _, ev := range events {
		switch ev.Type {
		case RxObjectNew:
			sawNew = true
		case RxObjectInfo:
			sawInfo = true
			if sawCompleted {
				infoBeforeCompleted = false
			}
		case RxObjectUpdated:
			sawUpdated = true
			if !sawNew {
				newBeforeUpdated = false
			}
		case RxObjectCompleted:
			sawCompleted = true
		}
	}
	if !sawNew {
		t.Fatal("expected RX_OBJECT_NEW")
	}
	if !sawInfo {
		t.Fatal("expected RX_OBJECT_INFO")
	}
	if !sawCompleted {
		t.Fatal("expected RX_OBJECT_COMPLETED")
	}
	if !sawUpdated {
		t.Fatal("expected RX_OBJECT_UPDATED")
	}
	if !newBeforeUpdated {
		t.Fatal("RX_OBJECT_NEW must precede RX_OBJECT_UPDATED")
	}
	if !infoBeforeCompleted {
		t.Fatal("RX_OBJECT_INFO must precede RX_OBJECT_COMPLETED")
	}
}

// TestWatermarkRoundTripCompletesViaRealAckExchange drives the watermark
// protocol through an actual CMD_ACK_REQ/ACK exchange between two linked
// sessions, rather than calling Sender.HandleAck directly, so the dispatch
// wiring that answers CMD_ACK_REQ (spec.md §4.3, §6 "RX_ACK_REQUEST") is
// itself exercised.
func TestWatermarkRoundTripCompletesViaRealAckExchange(t *testing.T) {
	tx, rx, _, _ := newLinkedPair(t)

	if err := tx.StartSender(SenderConfig{
		BufferSpace:   1 << 20,
		SegmentSize:   16,
		CCMode:        grtt.ModeFixed,
		GRTTInit:      100 * time.Millisecond,
		CacheCountMin: 1,
		CacheCountMax: 16,
		CacheSizeMax:  1 << 20,
		RobustFactor:  4,
	}); err != nil {
		t.Fatalf("StartSender: %v", err)
	}
	if err := tx.AddAckingNode(rx.SourceID()); err != nil {
		t.Fatalf("AddAckingNode: %v", err)
	}
	mark := wire.PayloadID{ObjectID: 0, BlockID: 0, SymbolID: 2}
	if err := tx.SetWatermark(mark); err != nil {
		t.Fatalf("SetWatermark: %v", err)
	}

	now := time.Unix(0, 0)

	ackReq := &wire.Message{
		Header: wire.Header{Version: wire.Version, Type: wire.MsgCmd, SourceID: tx.SourceID()},
		Cmd: &wire.CmdMessage{
			Flavor: wire.CmdAckReq,
			AckReq: &wire.AckReqBody{FecID: fec.IDReedSolomon8, Watermark: mark, AckingSet: []uint32{rx.SourceID()}},
		},
	}
	raw, err := wire.Pack(ackReq)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	rx.dispatch(raw, udpAddr(6000), now)

	rxEvents := drainEvents(rx)
	var sawAckRequest bool
	for _, ev := range rxEvents {
		if ev.Type == RxAckRequest {
			sawAckRequest = true
		}
	}
	if !sawAckRequest {
		t.Fatal("expected RX_ACK_REQUEST on the node named in the acking set")
	}

	if err := tx.Drain(now); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	status, err := tx.GetAckingStatus(rx.SourceID())
	if err != nil {
		t.Fatalf("GetAckingStatus: %v", err)
	}
	if status != AckingSuccess {
		t.Fatalf("GetAckingStatus(%d) = %v, want SUCCESS", rx.SourceID(), status)
	}

	txEvents := drainEvents(tx)
	var completed *Event
	for i := range txEvents {
		if txEvents[i].Type == TxWatermarkCompleted {
			completed = &txEvents[i]
		}
	}
	if completed == nil {
		t.Fatal("expected TX_WATERMARK_COMPLETED")
	}
	if completed.Statuses[rx.SourceID()] != AckSuccess {
		t.Fatalf("Statuses[%d] = %v, want AckSuccess", rx.SourceID(), completed.Statuses[rx.SourceID()])
	}
}

func TestNackAddressedToLocalSenderSchedulesRepair(t *testing.T) {
	tx, _, _, _ := newLinkedPair(t)

	if err := tx.StartSender(SenderConfig{
		BufferSpace:   1 << 20,
		SegmentSize:   16,
		CCMode:        grtt.ModeFixed,
		GRTTInit:      100 * time.Millisecond,
		CacheCountMin: 1,
		CacheCountMax: 16,
		CacheSizeMax:  1 << 20,
	}); err != nil {
		t.Fatalf("StartSender: %v", err)
	}

	data := make([]byte, 16*3) // k=3, single block
	if _, err := tx.DataEnqueue(nil, data, 16, 3, 2, fec.IDReedSolomon8); err != nil {
		t.Fatalf("DataEnqueue: %v", err)
	}

	now := time.Unix(0, 0)
	for i := 0; i < 3; i++ {
		if err := tx.Pump(now); err != nil {
			t.Fatalf("pump source[%d]: %v", i, err)
		}
	}

	// A remote node (sourceId 99) NACKs the local sender (sourceId 1) for
	// parity symbol 3; dispatch must route it to the sender's repair queue
	// regardless of which node originated the request (spec.md §4.3: "a
	// NACK names the sender being repaired via wire.NackMessage.Server,
	// independent of the transport-level source address").
	nackMsg := &wire.Message{
		Header: wire.Header{Version: wire.Version, Type: wire.MsgNack, SourceID: 99},
		Nack: &wire.NackMessage{
			FecID:  fec.IDReedSolomon8,
			Server: 1,
			Requests: []wire.RepairRequest{
				{Form: wire.FormItems, Flags: wire.FlagSegment, Items: []wire.PayloadID{{ObjectID: 0, BlockID: 0, SymbolID: 3}}},
			},
		},
	}
	raw, err := wire.Pack(nackMsg)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	tx.dispatch(raw, udpAddr(7000), now)

	msg, err := tx.snd.NextPacket(now)
	if err != nil {
		t.Fatalf("NextPacket after NACK: %v", err)
	}
	if msg.Data == nil || !msg.Data.IsParity || msg.Data.PayloadID.SymbolID != 3 {
		t.Fatalf("expected repaired parity symbol 3, got %+v", msg)
	}
}
