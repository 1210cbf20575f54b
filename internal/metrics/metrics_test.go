package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SampleAppended(false)
	m.SampleAppended(false)
	m.SampleAppended(true)
	if got := testutil.ToFloat64(m.samples.WithLabelValues("reading")); got != 2 {
		t.Fatalf("expected 2 readings, got %f", got)
	}
	if got := testutil.ToFloat64(m.samples.WithLabelValues("sentinel")); got != 1 {
		t.Fatalf("expected 1 sentinel, got %f", got)
	}

	m.PollFailed()
	if got := testutil.ToFloat64(m.pollFailures); got != 1 {
		t.Fatalf("expected 1 poll failure, got %f", got)
	}

	m.DeviceStopped("analysis_done")
	if got := testutil.ToFloat64(m.deviceStops.WithLabelValues("analysis_done")); got != 1 {
		t.Fatalf("expected 1 analysis_done stop, got %f", got)
	}

	m.Handshake(map[string]int{"sampling_rate": 3, "buffer_size": 1}, []string{"buffer_size"})
	if got := testutil.ToFloat64(m.handshakes.WithLabelValues("sampling_rate")); got != 3 {
		t.Fatalf("expected 3 sampling_rate attempts, got %f", got)
	}
	if got := testutil.ToFloat64(m.rejected.WithLabelValues("buffer_size")); got != 1 {
		t.Fatalf("expected 1 buffer_size rejection, got %f", got)
	}

	m.SetBufferLen(42)
	if got := testutil.ToFloat64(m.bufferLen); got != 42 {
		t.Fatalf("expected buffer gauge 42, got %f", got)
	}
	m.SetState(2)
	if got := testutil.ToFloat64(m.state); got != 2 {
		t.Fatalf("expected state gauge 2, got %f", got)
	}

	if n, err := testutil.GatherAndCount(reg); err != nil || n == 0 {
		t.Fatalf("expected gathered metrics, got n=%d err=%v", n, err)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SampleAppended(true)
	m.PollFailed()
	m.DeviceStopped("buffer_full")
	m.Handshake(map[string]int{"sampling_rate": 1}, nil)
	m.SetBufferLen(1)
	m.SetState(1)
}
