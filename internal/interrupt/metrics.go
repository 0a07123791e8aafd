package interrupt

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyrange/kintr/internal/hal"
)

const (
	shapeSingle  = "single"
	shapeChained = "chained"
	shapeStray   = "stray"
)

var vectorLabels [hal.NumVectors]string

func init() {
	for v := range vectorLabels {
		vectorLabels[v] = fmt.Sprintf("0x%02x", v)
	}
}

func vectorLabel(v uint32) string {
	if v < hal.NumVectors {
		return vectorLabels[v]
	}
	return "invalid"
}

// Metrics are the interrupt subsystem's Prometheus collectors. A nil
// *Metrics records nothing.
type Metrics struct {
	dispatches      *prometheus.CounterVec
	routines        *prometheus.CounterVec
	maskedTotal     *prometheus.CounterVec
	chainPasses     *prometheus.CounterVec
	overLimitTotal  *prometheus.CounterVec
	connectFailures *prometheus.CounterVec
	unknownTotal    prometheus.Counter
	connected       prometheus.Gauge
	isrCycles       prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when reg
// is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kintr_dispatches_total",
			Help: "Interrupts dispatched through interrupt object dispatch code.",
		}, []string{"vector", "shape"}),
		routines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kintr_service_routine_calls_total",
			Help: "Service routine calls by whether the routine claimed the interrupt.",
		}, []string{"vector", "claimed"}),
		maskedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kintr_masked_total",
			Help: "Interrupts dropped because the processor IRQL was already at or above the vector's.",
		}, []string{"vector"}),
		chainPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kintr_chain_repasses_total",
			Help: "Extra passes over an edge-triggered chain after a claimed pass.",
		}, []string{"vector"}),
		overLimitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kintr_isr_time_limit_exceeded_total",
			Help: "Service routine calls that ran longer than the ISR time limit.",
		}, []string{"vector"}),
		connectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kintr_connect_failures_total",
			Help: "Failed Connect calls by reason.",
		}, []string{"reason"}),
		unknownTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kintr_unknown_bindings_total",
			Help: "Vector lookups that found a handler this subsystem did not install.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kintr_connected_objects",
			Help: "Interrupt objects currently connected.",
		}),
		isrCycles: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kintr_isr_cycles",
			Help:    "Cycles spent in timed service routines, excluding nested interrupts.",
			Buckets: prometheus.ExponentialBuckets(1000, 4, 10),
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.dispatches, m.routines, m.maskedTotal, m.chainPasses,
			m.overLimitTotal, m.connectFailures, m.unknownTotal,
			m.connected, m.isrCycles,
		} {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("interrupt: register metrics: %w", err)
			}
		}
	}
	return m, nil
}

func (m *Metrics) dispatched(vector uint32, shape string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(vectorLabel(vector), shape).Inc()
}

func (m *Metrics) serviced(vector uint32, claimed bool) {
	if m == nil {
		return
	}
	label := "false"
	if claimed {
		label = "true"
	}
	m.routines.WithLabelValues(vectorLabel(vector), label).Inc()
}

func (m *Metrics) masked(vector uint32) {
	if m == nil {
		return
	}
	m.maskedTotal.WithLabelValues(vectorLabel(vector)).Inc()
}

func (m *Metrics) chainPass(vector uint32) {
	if m == nil {
		return
	}
	m.chainPasses.WithLabelValues(vectorLabel(vector)).Inc()
}

func (m *Metrics) overLimit(vector uint32) {
	if m == nil {
		return
	}
	m.overLimitTotal.WithLabelValues(vectorLabel(vector)).Inc()
}

func (m *Metrics) connectFailed(reason string) {
	if m == nil {
		return
	}
	m.connectFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) unknownBinding() {
	if m == nil {
		return
	}
	m.unknownTotal.Inc()
}

func (m *Metrics) connectedDelta(d float64) {
	if m == nil {
		return
	}
	m.connected.Add(d)
}

func (m *Metrics) observeCycles(cycles uint64) {
	if m == nil {
		return
	}
	m.isrCycles.Observe(float64(cycles))
}
