package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the acquisition-path collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	samples      *prometheus.CounterVec
	pollFailures prometheus.Counter
	deviceStops  *prometheus.CounterVec
	handshakes   *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	bufferLen    prometheus.Gauge
	state        prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tms_samples_appended_total",
			Help: "Samples appended to the acquisition buffer, by kind (reading, sentinel).",
		}, []string{"kind"}),
		pollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tms_poll_failures_total",
			Help: "GET polls that produced no sample (timeout, empty or unexpected reply).",
		}),
		deviceStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tms_device_stops_total",
			Help: "Streaming sessions ended by the device, by reason.",
		}, []string{"reason"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tms_handshake_attempts_total",
			Help: "Parameter handshake sends, by parameter.",
		}, []string{"param"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tms_params_rejected_total",
			Help: "Parameter changes refused by the device, by parameter.",
		}, []string{"param"}),
		bufferLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tms_buffer_rows",
			Help: "Rows currently held in the acquisition buffer, seed included.",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tms_session_state",
			Help: "Connection state: 0 disconnected, 1 connected, 2 streaming.",
		}),
	}
	reg.MustRegister(m.samples, m.pollFailures, m.deviceStops, m.handshakes, m.rejected, m.bufferLen, m.state)
	return m
}

func (m *Metrics) SampleAppended(sentinel bool) {
	if m == nil {
		return
	}
	kind := "reading"
	if sentinel {
		kind = "sentinel"
	}
	m.samples.WithLabelValues(kind).Inc()
}

func (m *Metrics) PollFailed() {
	if m == nil {
		return
	}
	m.pollFailures.Inc()
}

func (m *Metrics) DeviceStopped(reason string) {
	if m == nil {
		return
	}
	m.deviceStops.WithLabelValues(reason).Inc()
}

// Handshake records attempts for each parameter and the ones rejected.
func (m *Metrics) Handshake(attempts map[string]int, rejected []string) {
	if m == nil {
		return
	}
	for param, n := range attempts {
		m.handshakes.WithLabelValues(param).Add(float64(n))
	}
	for _, param := range rejected {
		m.rejected.WithLabelValues(param).Inc()
	}
}

func (m *Metrics) SetBufferLen(n int) {
	if m == nil {
		return
	}
	m.bufferLen.Set(float64(n))
}

func (m *Metrics) SetState(s int) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}
