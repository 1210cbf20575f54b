package serialport

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DemoPort is the device path reported by the simulated logger.
const DemoPort = "demo"

// Device limits of the simulated logger firmware.
const (
	demoMinSamplingMs = 220 // MAX6675 conversion time
	demoMaxBufferSize = 100
)

// DemoConfig tunes the simulated logger.
type DemoConfig struct {
	// GarbleEvery corrupts every Nth GET reply. Zero disables it.
	GarbleEvery int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Demo simulates the six-channel logger firmware behind the Transport
// interface. Replies are queued on SendLine and handed out by ReceiveLine;
// an empty queue behaves like a read timeout.
type Demo struct {
	mu     sync.Mutex
	now    func() time.Time
	garble int
	outbox []string
	closed bool

	streaming  bool
	startedAt  time.Time
	consumed   int
	gets       int
	samplingMs int
	analysisMs int
	bufferSize int
	rng        *rand.Rand
}

// NewDemo creates a simulated logger with firmware defaults.
func NewDemo(cfg DemoConfig) *Demo {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Demo{
		now:        now,
		garble:     cfg.GarbleEvery,
		samplingMs: 250,
		analysisMs: 10000,
		bufferSize: 40,
		rng:        rand.New(rand.NewSource(1)),
	}
}

func (d *Demo) SendLine(line string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return &Error{Op: "send", Err: ErrClosed}
	}
	if reply := d.handle(strings.TrimSpace(line)); reply != "" {
		d.outbox = append(d.outbox, reply)
	}
	return nil
}

func (d *Demo) ReceiveLine() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return "", &Error{Op: "receive", Err: ErrClosed}
	}
	if len(d.outbox) == 0 {
		return "", &Error{Op: "receive", Err: ErrTimeout}
	}
	reply := d.outbox[0]
	d.outbox = d.outbox[1:]
	return reply, nil
}

func (d *Demo) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.outbox = nil
	return nil
}

func (d *Demo) handle(line string) string {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "START":
		d.streaming = true
		d.startedAt = d.now()
		d.consumed = 0
		return "STAOK"
	case "STOP":
		d.streaming = false
		return "STOOK"
	case "CLEAR":
		d.consumed = 0
		d.startedAt = d.now()
		return "CLOK"
	case "GET":
		return d.get()
	case "SETS":
		return d.set(arg, demoMinSamplingMs, math.MaxInt32, &d.samplingMs, "SSOK", "SSNOK")
	case "SETA":
		return d.set(arg, 1, math.MaxInt32, &d.analysisMs, "SAOK", "SANOK")
	case "BSIZE":
		return d.set(arg, 1, demoMaxBufferSize, &d.bufferSize, "BSOK", "BSNOK")
	}
	return "ERR"
}

func (d *Demo) set(arg string, lo, hi int, dst *int, ok, nok string) string {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || n < lo || n > hi || d.streaming {
		return nok
	}
	*dst = n
	return ok
}

func (d *Demo) get() string {
	if !d.streaming {
		return "ERR"
	}
	if d.consumed*d.samplingMs >= d.analysisMs {
		return "BE"
	}
	produced := int(d.now().Sub(d.startedAt) / (time.Duration(d.samplingMs) * time.Millisecond))
	if produced-d.consumed > d.bufferSize {
		return "BF"
	}

	d.gets++
	if d.garble > 0 && d.gets%d.garble == 0 {
		return `{"T1":2`
	}

	t := float64(d.consumed*d.samplingMs) / 1000
	d.consumed++

	reading := make(map[string]float64, 6)
	for ch := 0; ch < 6; ch++ {
		// Each channel heats towards its own plateau.
		plateau := 60 + 15*float64(ch)
		v := 24 + (plateau-24)*(1-math.Exp(-t/(4+float64(ch))))
		v += math.Sin(t*0.7+float64(ch)) * 0.5
		v += d.rng.Float64()*0.5 - 0.25
		reading[fmt.Sprintf("T%d", ch+1)] = math.Round(v*4) / 4 // 0.25 °C resolution
	}
	return encodeReading(reading)
}

// encodeReading renders a GET reply. A reading that cannot be encoded is
// answered with ERR, which the host treats as a garbled line.
func encodeReading(reading map[string]float64) string {
	data, err := json.Marshal(reading)
	if err != nil {
		log.Printf("[demo] encode reading: %v", err)
		return "ERR"
	}
	return string(data)
}
