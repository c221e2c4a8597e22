package sender

import (
	"time"

	"github.com/normproto/norm/grtt"
	"github.com/normproto/norm/normtimer"
	"github.com/normproto/norm/wire"
)

// BuildProbe constructs the CMD_CC message for the current round, carrying
// the sender's own quantized GRTT/group-size estimate plus whatever
// per-receiver feedback has accumulated since the last probe (spec.md §4.3
// "GRTT probing": "the sender periodically emits CMD_CC; receivers reply
// with CC feedback carried in their next ACK").
func (s *Sender) BuildProbe(now time.Time) *wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &wire.Message{
		Header: wire.Header{Version: wire.Version, Type: wire.MsgCmd, Sequence: s.nextSeq(), SourceID: s.cfg.SourceID},
		Cmd: &wire.CmdMessage{
			Flavor: wire.CmdCC,
			CC: &wire.CCBody{
				SendTime:  uint64(now.UnixNano()),
				GRTT:      s.prober.QuantizedGRTT(),
				GroupSize: s.prober.QuantizedGroupSize(),
				RateBound: uint32(s.cfg.TxRateBps),
			},
		},
	}
}

// ScheduleProbing arms a recurring timer that calls send with a freshly
// built CMD_CC message at the prober's current adaptive interval,
// re-arming itself at the (possibly updated) interval after each firing
// (spec.md §4.3: probe interval shrinks on RTT jumps, grows back on
// stability).
func (s *Sender) ScheduleProbing(send func(*wire.Message)) normtimer.Handle {
	var handle normtimer.Handle
	var fire func()
	fire = func() {
		send(s.BuildProbe(s.cfg.Clock.Now()))
		handle = s.timers.Reschedule(handle, s.prober.ProbeInterval(), fire)
	}
	handle = s.timers.After(s.prober.ProbeInterval(), fire)
	return handle
}

// SetGroupSize updates the sender's estimate of the multicast group size,
// used both for quantized CMD_CC reporting and for NACK-backoff timing on
// the receiver side (spec.md §3 "GRTT table" group-size entries).
func (s *Sender) SetGroupSize(n uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prober.SetGroupSize(n)
}

// Mode reports the sender's configured congestion-control mode.
func (s *Sender) Mode() grtt.Mode {
	return s.prober.Mode()
}
