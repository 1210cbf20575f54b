package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shaunagostinho/tmsdash/internal/export"
	"github.com/shaunagostinho/tmsdash/internal/metrics"
	"github.com/shaunagostinho/tmsdash/internal/serialport"
	"github.com/shaunagostinho/tmsdash/internal/stream"
)

type testEnv struct {
	srv     *Server
	session *stream.Session
	hub     *Hub
	cfg     *Config
	ts      *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := LoadConfig(filepath.Join(dir, "config.yaml"))
	cfg.Serial.Port = serialport.DemoPort
	cfg.Export.OutPath = filepath.Join(dir, "results")
	cfg.User.Name = "Ada"

	reg := prometheus.NewRegistry()
	hub := NewHub()
	st := cfg.StreamingSettings()
	session, err := stream.NewSession(stream.Config{
		Params:          st.Params,
		InitialDataSize: st.InitialDataSize,
		RenderWindow:    st.RenderWindow,
		Timeout:         time.Second,
	}, func(p serialport.Params) (serialport.Transport, error) {
		return serialport.Dial(cfg.TransportConfig(p), serialport.DemoConfig{})
	}, hub, metrics.New(reg))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	webFS := fstest.MapFS{"index.html": {Data: []byte("<html>tms</html>")}}
	srv := New(cfg, session, hub, webFS, reg)
	srv.ListPorts = func() ([]string, error) { return []string{"/dev/ttyUSB0"}, nil }
	srv.Now = func() time.Time { return time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC) }

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		session.Disconnect()
	})
	return &testEnv{srv: srv, session: session, hub: hub, cfg: cfg, ts: ts}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp, out
}

func TestConnectStreamExport(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/connect", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("connect: status %d body %v", resp.StatusCode, body)
	}
	status := body["status"].(map[string]any)
	if status["state"] != "connected" {
		t.Fatalf("expected connected, got %v", status["state"])
	}

	if resp, body := env.do(t, http.MethodPost, "/api/start", ""); resp.StatusCode != http.StatusOK || body["state"] != "streaming" {
		t.Fatalf("start: status %d body %v", resp.StatusCode, body)
	}
	for i := 0; i < 3; i++ {
		if out, err := env.session.Tick(); err != nil || out != stream.TickSample {
			t.Fatalf("tick %d: %v %v", i, out, err)
		}
	}
	if resp, body := env.do(t, http.MethodPost, "/api/stop", ""); resp.StatusCode != http.StatusOK || body["state"] != "connected" {
		t.Fatalf("stop: status %d body %v", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodGet, "/api/data?window=2", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("data: status %d", resp.StatusCode)
	}
	samples := body["samples"].([]any)
	if len(samples) != 2 || body["rows"].(float64) != 14 {
		t.Fatalf("expected 2 of 14 rows, got %d of %v", len(samples), body["rows"])
	}
	if last := samples[1].(map[string]any); last["time"].(float64) != 750 {
		t.Fatalf("expected last sample at 750, got %v", last["time"])
	}

	resp, body = env.do(t, http.MethodPost, "/api/export", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export: status %d body %v", resp.StatusCode, body)
	}
	path := body["path"].(string)
	if filepath.Base(path) != export.FileName("result", env.srv.Now()) {
		t.Fatalf("unexpected export path %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if !bytes.Contains(data, []byte("User name:,Ada")) || !bytes.Contains(data, []byte("time,T1,T2,T3,T4,T5,T6")) {
		t.Fatalf("unexpected export content:\n%s", data)
	}
}

func TestParamsWhileDisconnected(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/params", `{"samplingRate":500,"plottingRate":250,"analysisTime":5000,"bufferSize":20}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %v", resp.StatusCode, body)
	}
	if got := env.cfg.StreamingSettings().SamplingRateMs; got != 500 {
		t.Fatalf("expected config to record proposal, got %d", got)
	}

	resp, body = env.do(t, http.MethodPost, "/api/connect", `{"port":"demo","baudRate":9600}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("connect: %d %v", resp.StatusCode, body)
	}
	confirmed := body["result"].(map[string]any)["confirmed"].(map[string]any)
	if confirmed["samplingRate"].(float64) != 500 || confirmed["bufferSize"].(float64) != 20 {
		t.Fatalf("expected stored proposal confirmed on connect, got %v", confirmed)
	}
}

func TestParamsRejectedAreReported(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/connect", "")

	// The simulated logger cannot sample faster than 220ms or buffer more than 100.
	resp, body := env.do(t, http.MethodPost, "/api/params", `{"samplingRate":100,"plottingRate":250,"analysisTime":5000,"bufferSize":500}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("apply: %d %v", resp.StatusCode, body)
	}
	rejected := body["result"].(map[string]any)["rejected"].([]any)
	if len(rejected) != 2 || rejected[0] != "sampling_rate" || rejected[1] != "buffer_size" {
		t.Fatalf("unexpected rejected list %v", rejected)
	}
}

func TestParamsValidation(t *testing.T) {
	env := newTestEnv(t)
	if resp, _ := env.do(t, http.MethodPost, "/api/params", `{"samplingRate":0}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodPost, "/api/params", `nope`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestStateConflicts(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/api/start", "/api/stop"} {
		if resp, body := env.do(t, http.MethodPost, path, ""); resp.StatusCode != http.StatusConflict {
			t.Fatalf("%s: expected 409, got %d %v", path, resp.StatusCode, body)
		}
	}
	if resp, _ := env.do(t, http.MethodGet, "/api/start", ""); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodPost, "/api/reset", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("reset while disconnected: expected 200, got %d", resp.StatusCode)
	}
}

func TestPortsAndStatus(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/ports", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ports: %d", resp.StatusCode)
	}
	choices := body["choices"].([]any)
	if len(choices) != 3 || choices[2] != "/dev/ttyUSB0" {
		t.Fatalf("unexpected choices %v", choices)
	}

	_, body = env.do(t, http.MethodGet, "/api/status", "")
	if body["state"] != "disconnected" || body["rows"].(float64) != 11 {
		t.Fatalf("unexpected status %v", body)
	}
}

func TestConfigEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/config", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("config: %d", resp.StatusCode)
	}
	if body["export"].(map[string]any)["filesPrefix"] != "result" {
		t.Fatalf("unexpected config %v", body["export"])
	}

	if resp, _ := env.do(t, http.MethodPost, "/api/config", `{"export":{"filesPrefix":"lab"}}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("config update: %d", resp.StatusCode)
	}
	if cfg, _ := env.cfg.ExportSettings(); cfg.FilesPrefix != "lab" {
		t.Fatalf("expected prefix updated, got %q", cfg.FilesPrefix)
	}
}

func TestMetricsAndStatic(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/connect", "")

	resp, err := http.Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "tms_session_state 1") {
		t.Fatalf("expected session state gauge in metrics output")
	}

	resp, err = http.Get(env.ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("index: %d", resp.StatusCode)
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	env := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello struct {
		Status map[string]any   `json:"status"`
		Window []map[string]any `json:"window"`
	}
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Status["state"] != "disconnected" || len(hello.Window) != 11 {
		t.Fatalf("unexpected hello %+v", hello)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	env.do(t, http.MethodPost, "/api/connect", "")

	seen := map[string]bool{}
	for !(seen["state"] && seen["params"] && seen["console"]) {
		var frame struct {
			Event *stream.Event `json:"event"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame (seen %v): %v", seen, err)
		}
		if frame.Event != nil {
			seen[string(frame.Event.Kind)] = true
		}
	}
}
