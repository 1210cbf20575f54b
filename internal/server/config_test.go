package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shaunagostinho/tmsdash/internal/serialport"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	st := cfg.StreamingSettings()
	if st.SamplingRateMs != 250 || st.PlottingRateMs != 200 || st.AnalysisTimeMs != 10000 || st.BufferSize != 40 {
		t.Fatalf("unexpected streaming defaults %+v", st.Params)
	}
	if st.InitialDataSize != 10 {
		t.Fatalf("expected initial_data_size 10, got %d", st.InitialDataSize)
	}
	exp, _ := cfg.ExportSettings()
	if exp.FilesPrefix != "result" || exp.OutPath != "./results" {
		t.Fatalf("unexpected export defaults %+v", exp)
	}
}

func TestLoadConfigYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlData := `
serial:
  port: /dev/ttyACM0
  baud_index: 3
streaming:
  sampling_rate: 500
  buffer_size: 60
user:
  name: Grace
`
	if err := os.WriteFile(path, []byte(yamlData), 0644); err != nil {
		t.Fatal(err)
	}
	envData := "TMS_USER_ROLE=operator\nTMS_PLOTTING_RATE=400\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(envData), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TMS_ANALYSIS_TIME", "20000")
	// Real env wins over .env.
	t.Setenv("TMS_PLOTTING_RATE", "300")
	t.Setenv("TMS_USER_ROLE", "")
	os.Unsetenv("TMS_USER_ROLE")

	cfg := LoadConfig(path)
	st := cfg.StreamingSettings()
	if st.SamplingRateMs != 500 || st.BufferSize != 60 || st.AnalysisTimeMs != 20000 {
		t.Fatalf("unexpected streaming %+v", st.Params)
	}
	if st.PlottingRateMs != 300 {
		t.Fatalf("expected real env to win, got plotting %d", st.PlottingRateMs)
	}
	_, op := cfg.ExportSettings()
	if op.Name != "Grace" || op.Role != "operator" {
		t.Fatalf("unexpected operator %+v", op)
	}

	p, err := cfg.SerialParams(nil)
	if err != nil {
		t.Fatalf("serial params: %v", err)
	}
	if p.Port != "/dev/ttyACM0" || p.BaudRate != 9600 || p.DataBits != 8 {
		t.Fatalf("unexpected serial params %+v", p)
	}
}

func TestSerialParamsComIndex(t *testing.T) {
	cfg := DefaultConfig()
	ports := []string{"/dev/ttyUSB0", "/dev/ttyUSB1"}

	p, err := cfg.SerialParams(ports)
	if err != nil {
		t.Fatalf("serial params: %v", err)
	}
	if p.Port != "/dev/ttyUSB0" || p.BaudRate != 115200 {
		t.Fatalf("expected first real port at 115200, got %+v", p)
	}

	cfg.Serial.ComIndex = 3
	if p, _ := cfg.SerialParams(ports); p.Port != "/dev/ttyUSB1" {
		t.Fatalf("expected second port, got %q", p.Port)
	}

	cfg.Serial.ComIndex = 1
	if _, err := cfg.SerialParams(ports); err == nil {
		t.Fatalf("expected placeholder index to fail")
	}
	cfg.Serial.ComIndex = 4
	if _, err := cfg.SerialParams(ports); err == nil {
		t.Fatalf("expected out of range index to fail")
	}

	cfg.Serial.Port = serialport.DemoPort
	cfg.Serial.BaudIndex = 99
	if _, err := cfg.SerialParams(nil); err == nil {
		t.Fatalf("expected bad baud index to fail")
	}
}

func TestUpdateFromJSONMergesAndSaves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := LoadConfig(path)

	if err := cfg.UpdateFromJSON([]byte(`{"streaming":{"bufferSize":75},"user":{"email":"x@y.z"}}`)); err != nil {
		t.Fatalf("update: %v", err)
	}
	st := cfg.StreamingSettings()
	if st.BufferSize != 75 || st.SamplingRateMs != 250 {
		t.Fatalf("expected merge to keep siblings, got %+v", st.Params)
	}
	if err := cfg.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded := LoadConfig(path)
	if got := reloaded.StreamingSettings().BufferSize; got != 75 {
		t.Fatalf("expected saved buffer size 75, got %d", got)
	}
	if _, op := reloaded.ExportSettings(); op.Email != "x@y.z" {
		t.Fatalf("expected saved email, got %q", op.Email)
	}

	if err := cfg.UpdateFromJSON([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for invalid patch")
	}
}

func TestLoadConfigRefusesInvalidStreaming(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlData := `
serial:
  timeout_ms: 0
streaming:
  sampling_rate: 0
  plotting_rate: 0
  initial_data_size: -3
`
	if err := os.WriteFile(path, []byte(yamlData), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := LoadConfig(path)
	st := cfg.StreamingSettings()
	if want := DefaultConfig().Streaming.Params; st.Params != want {
		t.Fatalf("expected defaults %+v, got %+v", want, st.Params)
	}
	if st.InitialDataSize != 0 {
		t.Fatalf("expected initial_data_size clamped to 0, got %d", st.InitialDataSize)
	}
	if cfg.Serial.TimeoutMs != 3000 {
		t.Fatalf("expected default timeout, got %d", cfg.Serial.TimeoutMs)
	}

	t.Setenv("TMS_BUFFER_SIZE", "-1")
	if got := LoadConfig(path).StreamingSettings().BufferSize; got != 40 {
		t.Fatalf("expected env value refused, got buffer size %d", got)
	}
}
