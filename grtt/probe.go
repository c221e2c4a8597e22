package grtt

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Mode names a congestion-control mode (spec.md §4.4 "Congestion control
// modes"). A Prober and the sender record the configured mode and report it
// through Mode; the sender does not adjust its transmit rate in any mode.
type Mode int

const (
	// ModeFixed never adjusts rate; GRTT is still tracked for NACK backoff.
	ModeFixed Mode = iota
	// ModeCC is TCP-friendly rate control (TFRC-style).
	ModeCC
	// ModeCCE additionally reacts to ECN congestion marks.
	ModeCCE
	// ModeCCL is CC with a hard rate ceiling.
	ModeCCL
)

const (
	// probeMin and probeMax bound the interval between GRTT probes
	// (spec.md §4.3: "the probe interval is adapted between a minimum and
	// maximum, halving on RTT increase and doubling back under stability").
	probeMin = 1 * time.Second
	probeMax = 30 * time.Second

	// rttIncreaseThreshold is the fractional RTT jump that halves the probe
	// interval instead of letting it grow.
	rttIncreaseThreshold = 0.5

	// stableRoundsToGrow is the number of consecutive non-increasing
	// samples required before the interval is allowed to double.
	stableRoundsToGrow = 4
)

// histBounds gives the HdrHistogram value range in microseconds, spanning
// the full GRTT table (grounded on the sibling example's pattern of sizing
// each histogram to its metric's real range, e.g.
// hdrhistogram.New(1, 10000000, 3) for a 1µs-10s latency histogram).
var (
	histLowUs  = int64(MinGRTT / time.Microsecond)
	histHighUs = int64(MaxGRTT / time.Microsecond)
)

// Prober tracks round-trip samples for one sender and derives the
// quantized GRTT estimate, adapting the probe interval and group-size
// estimate per spec.md §4.3.
type Prober struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram

	mode Mode

	lastRTT      time.Duration
	probeIvl     time.Duration
	stableRounds int

	groupSize uint32
}

// NewProber creates a Prober starting at the minimum probe interval with an
// initial GRTT estimate of grttInit (commonly a configured default such as
// 500ms, per spec.md §7 "Defaults").
func NewProber(mode Mode, grttInit time.Duration) *Prober {
	p := &Prober{
		hist:      hdrhistogram.New(1, histHighUs, 3),
		mode:      mode,
		lastRTT:   grttInit,
		probeIvl:  probeMin,
		groupSize: 1,
	}
	p.hist.RecordValue(int64(grttInit / time.Microsecond))
	return p
}

// RecordRTT folds a fresh round-trip sample into the histogram and adapts
// the probe interval: it halves immediately on a >50% jump (spec.md §4.3:
// "react quickly to sudden increases") and doubles only after
// stableRoundsToGrow consecutive samples that did not increase, both
// clamped to [probeMin, probeMax].
func (p *Prober) RecordRTT(rtt time.Duration) {
	if rtt <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	us := int64(rtt / time.Microsecond)
	if us < histLowUs {
		us = histLowUs
	}
	_ = p.hist.RecordValue(us)

	if p.lastRTT > 0 && float64(rtt-p.lastRTT) > rttIncreaseThreshold*float64(p.lastRTT) {
		p.stableRounds = 0
		p.probeIvl /= 2
		if p.probeIvl < probeMin {
			p.probeIvl = probeMin
		}
	} else if rtt <= p.lastRTT {
		p.stableRounds++
		if p.stableRounds >= stableRoundsToGrow {
			p.stableRounds = 0
			p.probeIvl *= 2
			if p.probeIvl > probeMax {
				p.probeIvl = probeMax
			}
		}
	} else {
		p.stableRounds = 0
	}
	p.lastRTT = rtt
}

// GRTT returns the current group round-trip-time estimate: the
// configured-percentile value from the RTT histogram (spec.md §4.3: "GRTT
// tracks an upper percentile of observed RTTs, not the mean, so that one
// slow receiver does not get starved by averaging").
func (p *Prober) GRTT() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.hist.ValueAtQuantile(85)
	if v <= 0 {
		v = int64(p.lastRTT / time.Microsecond)
	}
	return time.Duration(v) * time.Microsecond
}

// QuantizedGRTT returns Quantize(GRTT()), the value carried on the wire in
// CMD(CC) and NACK backoff computation.
func (p *Prober) QuantizedGRTT() uint8 {
	return Quantize(p.GRTT())
}

// ProbeInterval returns the current adapted delay between GRTT probes.
func (p *Prober) ProbeInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probeIvl
}

// SetGroupSize updates the estimated receiver-group size (derived from
// REPORT message fan-in or explicit configuration).
func (p *Prober) SetGroupSize(n uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n == 0 {
		n = 1
	}
	p.groupSize = n
}

// GroupSize returns the current group-size estimate.
func (p *Prober) GroupSize() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.groupSize
}

// QuantizedGroupSize returns QuantizeGroupSize(GroupSize()).
func (p *Prober) QuantizedGroupSize() uint8 {
	return QuantizeGroupSize(p.GroupSize())
}

// Mode reports the congestion control mode this Prober was configured
// with.
func (p *Prober) Mode() Mode { return p.mode }

// Reset clears accumulated RTT history, keeping the current estimate as
// the new baseline. Used when a sender's remote-sender table is rebuilt.
func (p *Prober) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hist.Reset()
	p.hist.RecordValue(int64(p.lastRTT / time.Microsecond))
	p.stableRounds = 0
	p.probeIvl = probeMin
}
