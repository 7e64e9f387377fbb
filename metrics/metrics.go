//Package metrics exposes the mining counters over prometheus
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

//Metrics bundles the collectors for one core instance. Registration is
// per instance so isolated cores can coexist in one process.
type Metrics struct {
	solutionsTotal     *prometheus.CounterVec
	connectionSwitches prometheus.Counter
	epochChanges       prometheus.Counter
	hashrate           prometheus.Gauge
	connected          prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		solutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gominer_solutions_total",
			Help: "Solutions by accounting result",
		}, []string{"result"}),
		connectionSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gominer_connection_switches_total",
			Help: "Pool connection switches",
		}),
		epochChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gominer_epoch_changes_total",
			Help: "DAG epoch transitions",
		}),
		hashrate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gominer_hashrate",
			Help: "Aggregate farm hashrate in hashes per second",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gominer_pool_connected",
			Help: "1 while a pool session is established",
		}),
	}
	reg.MustRegister(m.solutionsTotal, m.connectionSwitches, m.epochChanges, m.hashrate, m.connected)
	return m
}

func (m *Metrics) ObserveSolution(result string) {
	m.solutionsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveConnectionSwitch() {
	m.connectionSwitches.Inc()
}

func (m *Metrics) ObserveEpochChange() {
	m.epochChanges.Inc()
}

func (m *Metrics) SetHashrate(rate float64) {
	m.hashrate.Set(rate)
}

func (m *Metrics) SetConnected(up bool) {
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
