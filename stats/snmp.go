// Package stats implements the counters collaborator: an SNMP-style
// atomic-counter struct directly generalizing the teacher's snmp.go, plus
// a Prometheus exporter built from the same counters for the pack's
// observability idiom (github.com/prometheus/client_golang, as used by
// twogc-quic-test's metrics subsystem).
package stats

import (
	"fmt"
	"sync/atomic"
)

// Counters holds every NORM-specific counter this implementation tracks,
// generalizing the teacher's Snmp struct (snmp.go) from TCP/KCP-flavored
// fields (RetransSegs, FastRetransSegs, CurrEstab, ...) to NORM's own
// protocol events (NACKs, repair parity, watermark rounds, FEC decode).
type Counters struct {
	TxPackets uint64
	RxPackets uint64
	TxBytes   uint64
	RxBytes   uint64

	TxParitySegs uint64
	TxRepairSegs uint64
	RxParitySegs uint64

	NacksSent     uint64
	NacksReceived uint64
	NacksSuppressed uint64

	BlocksDecoded  uint64
	DecodeFailures uint64

	ObjectsCompleted uint64
	ObjectsAborted   uint64
	ObjectsPurged    uint64

	SegmentPoolOverruns uint64
	BlockRangeExceeded  uint64

	WatermarkSuccess uint64
	WatermarkFailure uint64

	GrttUpdates uint64
	CCActive    uint64

	ParseErrors uint64
	SendErrors  uint64
}

// New creates a zeroed Counters block.
func New() *Counters { return &Counters{} }

// Header returns column headers matching ToSlice's order, for tabular
// display (same Header()/ToSlice() pairing as the teacher's Snmp).
func (c *Counters) Header() []string {
	return []string{
		"TxPackets", "RxPackets", "TxBytes", "RxBytes",
		"TxParitySegs", "TxRepairSegs", "RxParitySegs",
		"NacksSent", "NacksReceived", "NacksSuppressed",
		"BlocksDecoded", "DecodeFailures",
		"ObjectsCompleted", "ObjectsAborted", "ObjectsPurged",
		"SegmentPoolOverruns", "BlockRangeExceeded",
		"WatermarkSuccess", "WatermarkFailure",
		"GrttUpdates", "CCActive",
		"ParseErrors", "SendErrors",
	}
}

// ToSlice renders a thread-safe snapshot as strings, in Header() order.
func (c *Counters) ToSlice() []string {
	s := c.Copy()
	return []string{
		fmt.Sprint(s.TxPackets), fmt.Sprint(s.RxPackets), fmt.Sprint(s.TxBytes), fmt.Sprint(s.RxBytes),
		fmt.Sprint(s.TxParitySegs), fmt.Sprint(s.TxRepairSegs), fmt.Sprint(s.RxParitySegs),
		fmt.Sprint(s.NacksSent), fmt.Sprint(s.NacksReceived), fmt.Sprint(s.NacksSuppressed),
		fmt.Sprint(s.BlocksDecoded), fmt.Sprint(s.DecodeFailures),
		fmt.Sprint(s.ObjectsCompleted), fmt.Sprint(s.ObjectsAborted), fmt.Sprint(s.ObjectsPurged),
		fmt.Sprint(s.SegmentPoolOverruns), fmt.Sprint(s.BlockRangeExceeded),
		fmt.Sprint(s.WatermarkSuccess), fmt.Sprint(s.WatermarkFailure),
		fmt.Sprint(s.GrttUpdates), fmt.Sprint(s.CCActive),
		fmt.Sprint(s.ParseErrors), fmt.Sprint(s.SendErrors),
	}
}

// Copy returns an atomically-consistent-per-field snapshot.
func (c *Counters) Copy() *Counters {
	return &Counters{
		TxPackets:           atomic.LoadUint64(&c.TxPackets),
		RxPackets:           atomic.LoadUint64(&c.RxPackets),
		TxBytes:             atomic.LoadUint64(&c.TxBytes),
		RxBytes:             atomic.LoadUint64(&c.RxBytes),
		TxParitySegs:        atomic.LoadUint64(&c.TxParitySegs),
		TxRepairSegs:        atomic.LoadUint64(&c.TxRepairSegs),
		RxParitySegs:        atomic.LoadUint64(&c.RxParitySegs),
		NacksSent:           atomic.LoadUint64(&c.NacksSent),
		NacksReceived:       atomic.LoadUint64(&c.NacksReceived),
		NacksSuppressed:     atomic.LoadUint64(&c.NacksSuppressed),
		BlocksDecoded:       atomic.LoadUint64(&c.BlocksDecoded),
		DecodeFailures:      atomic.LoadUint64(&c.DecodeFailures),
		ObjectsCompleted:    atomic.LoadUint64(&c.ObjectsCompleted),
		ObjectsAborted:      atomic.LoadUint64(&c.ObjectsAborted),
		ObjectsPurged:       atomic.LoadUint64(&c.ObjectsPurged),
		SegmentPoolOverruns: atomic.LoadUint64(&c.SegmentPoolOverruns),
		BlockRangeExceeded:  atomic.LoadUint64(&c.BlockRangeExceeded),
		WatermarkSuccess:    atomic.LoadUint64(&c.WatermarkSuccess),
		WatermarkFailure:    atomic.LoadUint64(&c.WatermarkFailure),
		GrttUpdates:         atomic.LoadUint64(&c.GrttUpdates),
		CCActive:            atomic.LoadUint64(&c.CCActive),
		ParseErrors:         atomic.LoadUint64(&c.ParseErrors),
		SendErrors:          atomic.LoadUint64(&c.SendErrors),
	}
}

// Reset zeroes every counter.
func (c *Counters) Reset() {
	atomic.StoreUint64(&c.TxPackets, 0)
	atomic.StoreUint64(&c.RxPackets, 0)
	atomic.StoreUint64(&c.TxBytes, 0)
	atomic.StoreUint64(&c.RxBytes, 0)
	atomic.StoreUint64(&c.TxParitySegs, 0)
	atomic.StoreUint64(&c.TxRepairSegs, 0)
	atomic.StoreUint64(&c.RxParitySegs, 0)
	atomic.StoreUint64(&c.NacksSent, 0)
	atomic.StoreUint64(&c.NacksReceived, 0)
	atomic.StoreUint64(&c.NacksSuppressed, 0)
	atomic.StoreUint64(&c.BlocksDecoded, 0)
	atomic.StoreUint64(&c.DecodeFailures, 0)
	atomic.StoreUint64(&c.ObjectsCompleted, 0)
	atomic.StoreUint64(&c.ObjectsAborted, 0)
	atomic.StoreUint64(&c.ObjectsPurged, 0)
	atomic.StoreUint64(&c.SegmentPoolOverruns, 0)
	atomic.StoreUint64(&c.BlockRangeExceeded, 0)
	atomic.StoreUint64(&c.WatermarkSuccess, 0)
	atomic.StoreUint64(&c.WatermarkFailure, 0)
	atomic.StoreUint64(&c.GrttUpdates, 0)
	atomic.StoreUint64(&c.CCActive, 0)
	atomic.StoreUint64(&c.ParseErrors, 0)
	atomic.StoreUint64(&c.SendErrors, 0)
}

// DefaultCounters is the process-wide instance, mirroring the teacher's
// package-level DefaultSnmp.
var DefaultCounters = New()
