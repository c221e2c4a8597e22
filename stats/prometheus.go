package stats

import "github.com/prometheus/client_golang/prometheus"

// Exporter publishes a Counters snapshot as Prometheus gauges, following
// the pack's general client_golang registration idiom (register once at
// construction, update on each Collect call rather than incrementing
// prometheus counters directly, since Counters is the atomic source of
// truth and must remain independently queryable via ToSlice/Header for
// non-Prometheus consumers like a live CLI table).
type Exporter struct {
	counters *Counters

	txPackets prometheus.Gauge
	rxPackets prometheus.Gauge
	txBytes   prometheus.Gauge
	rxBytes   prometheus.Gauge
	nacksSent prometheus.Gauge
	nacksRecv prometheus.Gauge
	decoded   prometheus.Gauge
	decodeErr prometheus.Gauge
	objComp   prometheus.Gauge
	objAbrt   prometheus.Gauge
	poolOver  prometheus.Gauge
}

// NewExporter builds an Exporter over counters and registers its gauges
// with reg.
func NewExporter(counters *Counters, reg prometheus.Registerer) *Exporter {
	mk := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "norm",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(g)
		return g
	}
	return &Exporter{
		counters:  counters,
		txPackets: mk("tx_packets_total", "total packets transmitted"),
		rxPackets: mk("rx_packets_total", "total packets received"),
		txBytes:   mk("tx_bytes_total", "total bytes transmitted"),
		rxBytes:   mk("rx_bytes_total", "total bytes received"),
		nacksSent: mk("nacks_sent_total", "NACKs emitted by this node"),
		nacksRecv: mk("nacks_received_total", "NACKs observed from other receivers"),
		decoded:   mk("blocks_decoded_total", "FEC blocks successfully decoded"),
		decodeErr: mk("decode_failures_total", "FEC decode failures"),
		objComp:   mk("objects_completed_total", "objects fully received"),
		objAbrt:   mk("objects_aborted_total", "objects aborted mid-transfer"),
		poolOver:  mk("segment_pool_overruns_total", "segment pool exhaustion events"),
	}
}

// Collect copies the current Counters snapshot into the registered
// gauges. Call periodically (e.g. from the session event loop's idle
// tick) rather than on every counter mutation.
func (e *Exporter) Collect() {
	s := e.counters.Copy()
	e.txPackets.Set(float64(s.TxPackets))
	e.rxPackets.Set(float64(s.RxPackets))
	e.txBytes.Set(float64(s.TxBytes))
	e.rxBytes.Set(float64(s.RxBytes))
	e.nacksSent.Set(float64(s.NacksSent))
	e.nacksRecv.Set(float64(s.NacksReceived))
	e.decoded.Set(float64(s.BlocksDecoded))
	e.decodeErr.Set(float64(s.DecodeFailures))
	e.objComp.Set(float64(s.ObjectsCompleted))
	e.objAbrt.Set(float64(s.ObjectsAborted))
	e.poolOver.Set(float64(s.SegmentPoolOverruns))
}
