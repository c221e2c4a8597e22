package sender

import (
	"sync"
	"testing"
	"time"

	"github.com/normproto/norm/fec"
	"github.com/normproto/norm/grtt"
	"github.com/normproto/norm/normtimer"
	"github.com/normproto/norm/segment"
	"github.com/normproto/norm/stats"
	"github.com/normproto/norm/wire"
)

// manualClock is a deterministic normtimer.Clock for tests; it never fires
// AfterFunc callbacks on its own, since sender tests drive NextPacket
// directly rather than relying on background timer goroutines.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock { return &manualClock{now: time.Unix(0, 0)} }

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) normtimer.Cancelable {
	return noopCancelable{}
}

type noopCancelable struct{}

func (noopCancelable) Stop() bool { return true }

func newTestSender(t *testing.T, rateBps float64, autoParity int) (*Sender, *manualClock) {
	t.Helper()
	clock := newManualClock()
	cfg := Config{
		SourceID:      1,
		SegmentPool:   segment.New(1<<20, 64),
		Clock:         clock,
		Counters:      stats.New(),
		TxRateBps:     rateBps,
		CCMode:        grtt.ModeFixed,
		GRTTInit:      100 * time.Millisecond,
		AutoParity:    autoParity,
		CacheCountMin: 1,
		CacheCountMax: 16,
		CacheSizeMax:  1 << 30,
	}
	return New(cfg), clock
}

func TestEnqueueDataSegmentsIntoBlocks(t *testing.T) {
	s, _ := newTestSender(t, 0, 0)
	data := make([]byte, 64*3+10) // 3 full segments + partial, k=3 -> 2 blocks of 3 segments, segSize=64
	id, err := s.EnqueueData(nil, data, 64, 3, 2, fec.IDReedSolomon8)
	if err != nil {
		t.Fatalf("EnqueueData: %v", err)
	}
	obj, ok := s.cache.Find(id)
	if !ok {
		t.Fatal("object not found in cache")
	}
	if got := obj.NumBlocks(); got != 2 {
		t.Fatalf("NumBlocks = %d, want 2", got)
	}
}

func TestSchedulerOrdersAscendingBlockAndSymbol(t *testing.T) {
	s, clock := newTestSender(t, 0, 0)
	data := make([]byte, 64*2*2) // 2 blocks, k=2
	for i := range data {
		data[i] = byte(i)
	}
	if _, err := s.EnqueueData(nil, data, 64, 2, 1, fec.IDReedSolomon8); err != nil {
		t.Fatalf("EnqueueData: %v", err)
	}

	var seen []wire.PayloadID
	for i := 0; i < 4; i++ {
		msg, err := s.NextPacket(clock.Now())
		if err != nil {
			t.Fatalf("NextPacket[%d]: %v", i, err)
		}
		if msg.Data == nil {
			t.Fatalf("NextPacket[%d]: expected DATA message", i)
		}
		seen = append(seen, msg.Data.PayloadID)
	}
	if _, err := s.NextPacket(clock.Now()); err != ErrNoData {
		t.Fatalf("expected ErrNoData after pending exhausted with no auto parity, got %v", err)
	}

	want := []wire.PayloadID{
		{ObjectID: 0, BlockID: 0, SymbolID: 0},
		{ObjectID: 0, BlockID: 0, SymbolID: 1},
		{ObjectID: 0, BlockID: 1, SymbolID: 0},
		{ObjectID: 0, BlockID: 1, SymbolID: 1},
	}
	for i, w := range want {
		if seen[i] != w {
			t.Fatalf("packet %d payload id = %+v, want %+v", i, seen[i], w)
		}
	}
}

func TestRatePacingDelaysNextPacket(t *testing.T) {
	s, clock := newTestSender(t, 64, 0) // 64 bytes/sec, segSize 64 -> 1s per segment
	data := make([]byte, 64*2)
	if _, err := s.EnqueueData(nil, data, 64, 2, 0, fec.IDReedSolomon8); err != nil {
		t.Fatalf("EnqueueData: %v", err)
	}

	if _, err := s.NextPacket(clock.Now()); err != nil {
		t.Fatalf("first NextPacket: %v", err)
	}
	if _, err := s.NextPacket(clock.Now()); err != ErrNoData {
		t.Fatalf("expected ErrNoData immediately after a paced send, got %v", err)
	}
	clock.Advance(2 * time.Second)
	if _, err := s.NextPacket(clock.Now()); err != nil {
		t.Fatalf("NextPacket after advancing clock: %v", err)
	}
}

func TestHandleNackSchedulesRepairAheadOfPending(t *testing.T) {
	s, clock := newTestSender(t, 0, 0)
	data := make([]byte, 64*3) // k=3, single block, no parity pending initially
	if _, err := s.EnqueueData(nil, data, 64, 3, 2, fec.IDReedSolomon8); err != nil {
		t.Fatalf("EnqueueData: %v", err)
	}

	// Drain the 3 pending source symbols so the object's Pending mask is
	// empty, then simulate a NACK asking for parity symbol 0 (wire index 3).
	for i := 0; i < 3; i++ {
		if _, err := s.NextPacket(clock.Now()); err != nil {
			t.Fatalf("drain[%d]: %v", i, err)
		}
	}
	if _, err := s.NextPacket(clock.Now()); err != ErrNoData {
		t.Fatalf("expected ErrNoData once pending drained, got %v", err)
	}

	nack := &wire.NackMessage{
		FecID: fec.IDReedSolomon8,
		Requests: []wire.RepairRequest{
			{
				Form:  wire.FormItems,
				Flags: wire.FlagSegment,
				Items: []wire.PayloadID{{ObjectID: 0, BlockID: 0, SymbolID: 3}},
			},
		},
	}
	s.HandleNack(nack)

	msg, err := s.NextPacket(clock.Now())
	if err != nil {
		t.Fatalf("NextPacket after NACK: %v", err)
	}
	if !msg.Data.IsParity || msg.Data.PayloadID.SymbolID != 3 {
		t.Fatalf("expected repaired parity symbol 3, got %+v isParity=%v", msg.Data.PayloadID, msg.Data.IsParity)
	}
}

func TestWatermarkCompletesAfterAllNodesAck(t *testing.T) {
	s, _ := newTestSender(t, 0, 0)
	s.AddAckingNode(10)
	s.AddAckingNode(20)
	s.SetWatermark(wire.PayloadID{ObjectID: 1, BlockID: 0, SymbolID: 0})

	if s.WatermarkState() != WatermarkProbing {
		t.Fatalf("state = %v, want PROBING", s.WatermarkState())
	}
	s.HandleAck(&wire.AckMessage{Kind: wire.AckWatermark}, 10)
	if s.WatermarkState() != WatermarkProbing {
		t.Fatalf("state = %v, want still PROBING after one of two acks", s.WatermarkState())
	}
	s.HandleAck(&wire.AckMessage{Kind: wire.AckWatermark}, 20)
	if s.WatermarkState() != WatermarkCompleted {
		t.Fatalf("state = %v, want COMPLETED after both acks", s.WatermarkState())
	}
}

// TestWatermarkFailsSilentNodeAfterRobustFactorRounds mirrors spec.md §8
// scenario (c): three acking nodes, one silent, robust_factor=4 ->
// statuses {1:SUCCESS, 2:SUCCESS, 3:FAILURE}.
func TestWatermarkFailsSilentNodeAfterRobustFactorRounds(t *testing.T) {
	clock := newManualClock()
	cfg := Config{
		SourceID:      1,
		SegmentPool:   segment.New(1<<20, 64),
		Clock:         clock,
		Counters:      stats.New(),
		CCMode:        grtt.ModeFixed,
		GRTTInit:      100 * time.Millisecond,
		CacheCountMin: 1,
		CacheCountMax: 16,
		CacheSizeMax:  1 << 30,
		RobustFactor:  4,
	}
	s := New(cfg)
	s.AddAckingNode(1)
	s.AddAckingNode(2)
	s.AddAckingNode(3)
	s.SetWatermark(wire.PayloadID{ObjectID: 0, BlockID: 0, SymbolID: 7})

	s.HandleAck(&wire.AckMessage{Kind: wire.AckWatermark}, 1)
	s.HandleAck(&wire.AckMessage{Kind: wire.AckWatermark}, 2)

	for round := 0; round < 4; round++ {
		outstanding := s.buildAckReq()
		if round < 3 {
			if outstanding == nil || len(outstanding.Cmd.AckReq.AckingSet) != 1 || outstanding.Cmd.AckReq.AckingSet[0] != 3 {
				t.Fatalf("round %d: expected CMD_ACK_REQ naming only node 3, got %+v", round, outstanding)
			}
			if s.WatermarkState() != WatermarkProbing {
				t.Fatalf("round %d: state = %v, want still PROBING", round, s.WatermarkState())
			}
		}
	}

	if s.WatermarkState() != WatermarkCompleted {
		t.Fatalf("state = %v, want COMPLETED after node 3 times out", s.WatermarkState())
	}
	statuses := s.WatermarkStatuses()
	if statuses[1] != NodeSuccess || statuses[2] != NodeSuccess || statuses[3] != NodeFailure {
		t.Fatalf("statuses = %+v, want {1:SUCCESS, 2:SUCCESS, 3:FAILURE}", statuses)
	}
	if got := s.GetAckingStatus(3); got != NodeFailure {
		t.Fatalf("GetAckingStatus(3) = %v, want FAILURE", got)
	}
	if got := s.GetAckingStatus(99); got != NodeInvalid {
		t.Fatalf("GetAckingStatus(99) = %v, want INVALID for an unenrolled node", got)
	}
}

func TestBuildProbeCarriesQuantizedGRTT(t *testing.T) {
	s, clock := newTestSender(t, 0, 0)
	msg := s.BuildProbe(clock.Now())
	if msg.Cmd == nil || msg.Cmd.Flavor != wire.CmdCC || msg.Cmd.CC == nil {
		t.Fatalf("BuildProbe did not produce a CMD_CC message: %+v", msg)
	}
	if msg.Cmd.CC.GRTT != s.prober.QuantizedGRTT() {
		t.Fatalf("CC.GRTT = %d, want %d", msg.Cmd.CC.GRTT, s.prober.QuantizedGRTT())
	}
}
