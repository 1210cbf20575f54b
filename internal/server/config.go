package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/tmsdash/internal/export"
	"github.com/shaunagostinho/tmsdash/internal/protocol"
	"github.com/shaunagostinho/tmsdash/internal/publish"
	"github.com/shaunagostinho/tmsdash/internal/serialport"
)

// portListOffset is the number of placeholder rows ("---", "refresh") that
// precede real devices in the operator's port list.
const portListOffset = 2

// Config holds all logger configuration.
type Config struct {
	mu sync.RWMutex

	Serial    SerialConfig    `yaml:"serial" json:"serial"`
	Streaming StreamingConfig `yaml:"streaming" json:"streaming"`
	User      export.Operator `yaml:"user" json:"user"`
	Export    export.Config   `yaml:"export" json:"export"`
	MQTT      publish.Config  `yaml:"mqtt" json:"mqtt"`
	Server    ServerConfig    `yaml:"server" json:"server"`

	path string // file path for save/load
}

type SerialConfig struct {
	Port          string                 `yaml:"port" json:"port"`                    // explicit device path, wins over com_index
	ComIndex      int                    `yaml:"com_index" json:"comIndex"`           // index into the UI port list
	BaudIndex     int                    `yaml:"baud_index" json:"baudIndex"`         // index into serialport.BaudRates
	DataBitsIndex int                    `yaml:"databits_index" json:"dataBitsIndex"` // index into serialport.DataBitsList
	Parity        serialport.Parity      `yaml:"parity" json:"parity"`
	StopBits      serialport.StopBits    `yaml:"stop_bits" json:"stopBits"`
	FlowControl   serialport.FlowControl `yaml:"flow_control" json:"flowControl"`
	TimeoutMs     int                    `yaml:"timeout_ms" json:"timeoutMs"`
	Terminator    string                 `yaml:"terminator" json:"terminator"`
	AutoConnect   bool                   `yaml:"auto_connect" json:"autoConnect"`
	DemoGarble    int                    `yaml:"demo_garble_every" json:"demoGarbleEvery"` // simulated logger only
}

type StreamingConfig struct {
	protocol.Params      `yaml:",inline"`
	InitialDataSize      int `yaml:"initial_data_size" json:"initialDataSize"`
	RenderWindow         int `yaml:"render_window" json:"renderWindow"` // rows served to the UI, 0 = all
	HandshakeMaxAttempts int `yaml:"handshake_max_attempts" json:"handshakeMaxAttempts"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with the logger's stock parameters.
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			ComIndex:      2,
			BaudIndex:     7,
			DataBitsIndex: 3,
			Parity:        serialport.ParityNone,
			StopBits:      serialport.StopBitsOne,
			FlowControl:   serialport.FlowNone,
			TimeoutMs:     3000,
			Terminator:    "\n",
			AutoConnect:   true,
		},
		Streaming: StreamingConfig{
			Params: protocol.Params{
				SamplingRateMs: 250,
				PlottingRateMs: 200,
				AnalysisTimeMs: 10000,
				BufferSize:     40,
			},
			InitialDataSize: 10,
			RenderWindow:    400,
		},
		Export: export.Config{
			OutPath:     "./results",
			FilesPrefix: "result",
		},
		MQTT: publish.Config{
			Broker:    "tcp://localhost:1883",
			ClientID:  "tmsdash",
			Topic:     "tms",
			QueueSize: 256,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// .env next to the config first, then CWD; real env always wins.
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		if _, err := os.Stat(ep); err != nil {
			continue
		}
		if err := godotenv.Load(ep); err != nil {
			log.Printf("[config] reading %s: %v", ep, err)
			continue
		}
		log.Printf("[config] loaded .env from %s", ep)
	}

	cfg.applyEnvOverrides()
	cfg.checkStreaming()
	return cfg
}

// checkStreaming replaces invalid streaming parameters with the defaults so
// a bad file or env value never reaches the device.
func (c *Config) checkStreaming() {
	if err := c.Streaming.Params.Validate(); err != nil {
		def := DefaultConfig().Streaming.Params
		log.Printf("[config] streaming: %v, using defaults %+v", err, def)
		c.Streaming.Params = def
	}
	if c.Streaming.InitialDataSize < 0 {
		log.Printf("[config] streaming: initial_data_size %d is negative, using 0", c.Streaming.InitialDataSize)
		c.Streaming.InitialDataSize = 0
	}
	if c.Streaming.HandshakeMaxAttempts < 0 {
		c.Streaming.HandshakeMaxAttempts = 0
	}
	if c.Serial.TimeoutMs <= 0 {
		log.Printf("[config] serial: timeout_ms %d must be positive, using %d", c.Serial.TimeoutMs, DefaultConfig().Serial.TimeoutMs)
		c.Serial.TimeoutMs = DefaultConfig().Serial.TimeoutMs
	}
	if c.Streaming.PlottingRateMs < c.Serial.TimeoutMs {
		log.Printf("[config] streaming: plotting_rate %dms is below the %dms read timeout, ticks are spaced by the timeout",
			c.Streaming.PlottingRateMs, c.Serial.TimeoutMs)
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: TMS_PORT, TMS_BAUD, TMS_TIMEOUT_MS, TMS_SAMPLING_RATE,
// TMS_PLOTTING_RATE, TMS_ANALYSIS_TIME, TMS_BUFFER_SIZE, TMS_OUT_PATH,
// TMS_FILES_PREFIX, TMS_USER_NAME, TMS_USER_ROLE, TMS_USER_EMAIL,
// TMS_MQTT_ENABLED, TMS_MQTT_BROKER, TMS_MQTT_TOPIC, LISTEN_ADDR
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TMS_PORT"); v != "" {
		c.Serial.Port = v
	}
	if v := os.Getenv("TMS_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			for i, b := range serialport.BaudRates {
				if b == n {
					c.Serial.BaudIndex = i
				}
			}
		}
	}
	envInt("TMS_TIMEOUT_MS", &c.Serial.TimeoutMs)
	envInt("TMS_SAMPLING_RATE", &c.Streaming.SamplingRateMs)
	envInt("TMS_PLOTTING_RATE", &c.Streaming.PlottingRateMs)
	envInt("TMS_ANALYSIS_TIME", &c.Streaming.AnalysisTimeMs)
	envInt("TMS_BUFFER_SIZE", &c.Streaming.BufferSize)

	envString("TMS_OUT_PATH", &c.Export.OutPath)
	envString("TMS_FILES_PREFIX", &c.Export.FilesPrefix)
	envString("TMS_USER_NAME", &c.User.Name)
	envString("TMS_USER_ROLE", &c.User.Role)
	envString("TMS_USER_EMAIL", &c.User.Email)

	if v := os.Getenv("TMS_MQTT_ENABLED"); v != "" {
		c.MQTT.Enabled = v == "1" || v == "true" || v == "yes"
	}
	envString("TMS_MQTT_BROKER", &c.MQTT.Broker)
	envString("TMS_MQTT_TOPIC", &c.MQTT.Topic)
	envString("LISTEN_ADDR", &c.Server.ListenAddr)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] ignoring %s=%q: %v", key, v, err)
		return
	}
	*dst = n
}

// SerialParams resolves the configured line setup. ports is the current
// device list; com_index counts the two placeholder rows before it.
func (c *Config) SerialParams(ports []string) (serialport.Params, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.Serial
	p := serialport.Params{
		Port:        s.Port,
		BaudRate:    serialport.BaudAt(s.BaudIndex),
		DataBits:    serialport.DataBitsAt(s.DataBitsIndex),
		Parity:      s.Parity,
		StopBits:    s.StopBits,
		FlowControl: s.FlowControl,
	}
	if p.Port == "" {
		i := s.ComIndex - portListOffset
		if i < 0 || i >= len(ports) {
			return p, fmt.Errorf("config: com_index %d does not name a port (%d available)", s.ComIndex, len(ports))
		}
		p.Port = ports[i]
	}
	if p.BaudRate == 0 {
		return p, fmt.Errorf("config: baud_index %d out of range", s.BaudIndex)
	}
	if p.DataBits == 0 {
		return p, fmt.Errorf("config: databits_index %d out of range", s.DataBitsIndex)
	}
	return p.WithDefaults(), nil
}

// TransportConfig returns the fixed read timeout and line terminator.
func (c *Config) TransportConfig(p serialport.Params) serialport.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return serialport.Config{
		Params:     p,
		Timeout:    time.Duration(c.Serial.TimeoutMs) * time.Millisecond,
		Terminator: c.Serial.Terminator,
	}
}

// StreamingSettings returns a copy of the streaming section.
func (c *Config) StreamingSettings() StreamingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Streaming
}

// SetStreamingParams records the operator's latest proposal.
func (c *Config) SetStreamingParams(p protocol.Params) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Streaming.Params = p
}

// ExportSettings returns the export section and operator identity.
func (c *Config) ExportSettings() (export.Config, export.Operator) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Export, c.User
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.path = "config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. Nested maps are merged; any
// other value in src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
