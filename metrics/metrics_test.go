package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func delta(t *testing.T, collector prometheus.Collector, observe func()) float64 {
	t.Helper()

	before := testutil.ToFloat64(collector)
	observe()
	after := testutil.ToFloat64(collector)
	return after - before
}

func TestCountersRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	if inc := delta(t, m.solutionsTotal.WithLabelValues("accepted"), func() {
		m.ObserveSolution("accepted")
	}); inc != 1 {
		t.Fatalf("expected accepted counter increment, got %v", inc)
	}

	if inc := delta(t, m.connectionSwitches, func() {
		m.ObserveConnectionSwitch()
	}); inc != 1 {
		t.Fatalf("expected switch counter increment, got %v", inc)
	}

	if inc := delta(t, m.epochChanges, func() {
		m.ObserveEpochChange()
	}); inc != 1 {
		t.Fatalf("expected epoch counter increment, got %v", inc)
	}
}

func TestGaugesTrack(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetHashrate(1234.5)
	if v := testutil.ToFloat64(m.hashrate); v != 1234.5 {
		t.Fatalf("hashrate gauge = %v", v)
	}

	m.SetConnected(true)
	if v := testutil.ToFloat64(m.connected); v != 1 {
		t.Fatalf("connected gauge = %v", v)
	}
	m.SetConnected(false)
	if v := testutil.ToFloat64(m.connected); v != 0 {
		t.Fatalf("connected gauge = %v", v)
	}
}

func TestIsolatedRegistries(t *testing.T) {
	// two cores must be able to register side by side
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())
	a.ObserveConnectionSwitch()
	if v := testutil.ToFloat64(b.connectionSwitches); v != 0 {
		t.Fatalf("registries leaked into each other: %v", v)
	}
}
