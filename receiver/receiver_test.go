package receiver

import (
	"bytes"
	"testing"
	"time"

	"github.com/normproto/norm/fec"
	"github.com/normproto/norm/normtimer"
	"github.com/normproto/norm/object"
	"github.com/normproto/norm/wire"
)

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time { return c.now }
func (c *manualClock) AfterFunc(d time.Duration, f func()) normtimer.Cancelable {
	return noopCancelable{}
}

type noopCancelable struct{}

func (noopCancelable) Stop() bool { return true }

func makeSymbol(size int, fill byte) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = fill
	}
	return b
}

// encodedBlock builds k source symbols and p parity symbols the way the
// sender package would, for feeding into a RemoteSender under test.
func encodedBlock(t *testing.T, k, p, segSize int) (sources, parity [][]byte) {
	t.Helper()
	codec, err := fec.New(k, p)
	if err != nil {
		t.Fatalf("fec.New: %v", err)
	}
	enc := fec.NewEncoder(codec, segSize)
	sources = make([][]byte, k)
	for i := 0; i < k; i++ {
		sources[i] = makeSymbol(segSize, byte(i+1))
		if err := enc.SetSource(i, sources[i]); err != nil {
			t.Fatal(err)
		}
	}
	parity, err = enc.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return sources, parity
}

func newTestReceiver(t *testing.T, k, p, segSize int, sync SyncPolicy) *RemoteSender {
	t.Helper()
	clock := &manualClock{now: time.Unix(0, 0)}
	return New(Config{
		SourceID:       7,
		Sync:           sync,
		DefaultK:       k,
		DefaultP:       p,
		DefaultSegSize: segSize,
		DefaultFecID:   fec.IDReedSolomon8,
		Clock:          clock,
		Rand:           func() float64 { return 0.5 },
	})
}

func dataMsg(objID, blockID uint32, symbolID int, payload []byte, size uint64) *wire.DataMessage {
	return &wire.DataMessage{
		FecID:      fec.IDReedSolomon8,
		ObjectType: wire.ObjectData,
		PayloadID:  wire.PayloadID{ObjectID: uint16(objID), BlockID: blockID, SymbolID: uint16(symbolID)},
		IsParity:   false,
		ObjectSize: size,
		Payload:    payload,
	}
}

func TestHandleDataDecodesBlockWithNoLoss(t *testing.T) {
	k, p, segSize := 3, 2, 16
	sources, _ := encodedBlock(t, k, p, segSize)
	r := newTestReceiver(t, k, p, segSize, SyncAll)

	var completed *object.Object
	r.OnCompleted(func(o *object.Object) { completed = o })

	for i, seg := range sources {
		msg := dataMsg(0, 0, i, seg, uint64(k*segSize))
		if err := r.HandleData(msg); err != nil {
			t.Fatalf("HandleData[%d]: %v", i, err)
		}
	}

	if completed == nil {
		t.Fatal("object did not complete")
	}
	want := bytes.Join(sources, nil)
	if !bytes.Equal(completed.DataPayload.Bytes, want) {
		t.Fatalf("assembled payload = %x, want %x", completed.DataPayload.Bytes, want)
	}
}

func TestHandleDataRecoversFromErasureViaParity(t *testing.T) {
	k, p, segSize := 4, 2, 16
	sources, parity := encodedBlock(t, k, p, segSize)
	r := newTestReceiver(t, k, p, segSize, SyncAll)

	var completed *object.Object
	r.OnCompleted(func(o *object.Object) { completed = o })

	// Drop source symbol 1; supply the rest plus one parity symbol.
	for i, seg := range sources {
		if i == 1 {
			continue
		}
		if err := r.HandleData(dataMsg(0, 0, i, seg, uint64(k*segSize))); err != nil {
			t.Fatalf("HandleData source[%d]: %v", i, err)
		}
	}
	if err := r.HandleData(dataMsg(0, 0, k, parity[0], uint64(k*segSize))); err != nil {
		t.Fatalf("HandleData parity[0]: %v", err)
	}

	if completed == nil {
		t.Fatal("object did not complete after erasure recovery")
	}
	want := bytes.Join(sources, nil)
	if !bytes.Equal(completed.DataPayload.Bytes, want) {
		t.Fatalf("recovered payload = %x, want %x", completed.DataPayload.Bytes, want)
	}
}

func TestSyncCurrentRejectsObjectsBeforeFirstHeard(t *testing.T) {
	k, p, segSize := 2, 1, 8
	sources, _ := encodedBlock(t, k, p, segSize)
	r := newTestReceiver(t, k, p, segSize, SyncCurrent)

	// First object seen is id=5; an earlier id=3 segment must be rejected.
	if err := r.HandleData(dataMsg(5, 0, 0, sources[0], uint64(k*segSize))); err != nil {
		t.Fatalf("HandleData: %v", err)
	}
	if err := r.HandleData(dataMsg(3, 0, 0, sources[0], uint64(k*segSize))); err != nil {
		t.Fatalf("HandleData: %v", err)
	}
	if _, ok := r.objects[object.TransportID(3)]; ok {
		t.Fatal("object id=3 should have been rejected by SyncCurrent")
	}
	if _, ok := r.objects[object.TransportID(5)]; !ok {
		t.Fatal("object id=5 should have been admitted")
	}
}

func TestBackoffSuppressedWhenOverheardCoversResidual(t *testing.T) {
	k, p, segSize := 3, 1, 16
	sources, _ := encodedBlock(t, k, p, segSize)
	r := newTestReceiver(t, k, p, segSize, SyncAll)

	// Receive only source symbol 0; symbols 1 and 2 and the parity symbol
	// are missing, leaving a gap that arms a backoff timer.
	if err := r.HandleData(dataMsg(0, 0, 0, sources[0], uint64(k*segSize))); err != nil {
		t.Fatalf("HandleData: %v", err)
	}
	key := decoderKey{obj: 0, blk: 0}
	if _, running := r.backoff[key]; !running {
		t.Fatal("expected a backoff timer to be armed after a gap")
	}

	// Another receiver's NACK covers the same residual (symbols 1 and 2).
	r.OverhearNack(&wire.NackMessage{
		Requests: []wire.RepairRequest{
			{Form: wire.FormItems, Flags: wire.FlagSegment, Items: []wire.PayloadID{{ObjectID: 0, BlockID: 0, SymbolID: 1}, {ObjectID: 0, BlockID: 0, SymbolID: 2}}},
		},
	})

	r.fireBackoff(0, key)
	if len(r.outbound) != 0 {
		t.Fatalf("expected suppression (no NACK emitted), got %d outbound messages", len(r.outbound))
	}
}

func TestBackoffEmitsNackForUnsuppressedResidual(t *testing.T) {
	k, p, segSize := 3, 1, 16
	sources, _ := encodedBlock(t, k, p, segSize)
	r := newTestReceiver(t, k, p, segSize, SyncAll)

	if err := r.HandleData(dataMsg(0, 0, 0, sources[0], uint64(k*segSize))); err != nil {
		t.Fatalf("HandleData: %v", err)
	}
	key := decoderKey{obj: 0, blk: 0}
	r.fireBackoff(0, key)

	out := r.DrainOutbound()
	if len(out) != 1 || out[0].Nack == nil {
		t.Fatalf("expected exactly one NACK, got %+v", out)
	}
}

func TestSilentReceiverNeverEmitsNack(t *testing.T) {
	k, p, segSize := 3, 1, 16
	sources, _ := encodedBlock(t, k, p, segSize)
	clock := &manualClock{now: time.Unix(0, 0)}
	r := New(Config{
		SourceID: 7, Sync: SyncAll, Silent: true,
		DefaultK: k, DefaultP: p, DefaultSegSize: segSize, DefaultFecID: fec.IDReedSolomon8,
		Clock: clock, Rand: func() float64 { return 0.5 },
	})
	if err := r.HandleData(dataMsg(0, 0, 0, sources[0], uint64(k*segSize))); err != nil {
		t.Fatalf("HandleData: %v", err)
	}
	if len(r.backoff) != 0 {
		t.Fatal("silent receiver must not arm NACK backoff timers")
	}
}
