package stats

import (
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestExporterCollectReflectsCounters(t *testing.T) {
	c := New()
	atomic.AddUint64(&c.TxPackets, 42)
	reg := prometheus.NewRegistry()
	exp := NewExporter(c, reg)
	exp.Collect()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() != "norm_tx_packets_total" {
			continue
		}
		found = true
		var m *dto.Metric
		for _, mm := range mf.GetMetric() {
			m = mm
		}
		if m.GetGauge().GetValue() != 42 {
			t.Fatalf("norm_tx_packets_total = %v, want 42", m.GetGauge().GetValue())
		}
	}
	if !found {
		t.Fatal("norm_tx_packets_total not found in registry")
	}
}
