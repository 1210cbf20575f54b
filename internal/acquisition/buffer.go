package acquisition

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Channels is the number of thermocouple inputs on the logger.
const Channels = 6

// SentinelValue is written to every channel of a synthesized sample.
const SentinelValue = -1.0

// ErrNonMonotonic is returned when an appended sample does not move time forward.
var ErrNonMonotonic = errors.New("acquisition: sample time must increase")

// Sample is one timestamped six-channel temperature reading.
type Sample struct {
	Time     int64             // ms, relative to streaming start
	T        [Channels]float64 // °C
	Sentinel bool              // synthesized after an undecodable reply
}

// NewSentinel returns the all -1 placeholder row for time t.
func NewSentinel(t int64) Sample {
	s := Sample{Time: t, Sentinel: true}
	for i := range s.T {
		s.T[i] = SentinelValue
	}
	return s
}

// MarshalJSON renders the row as {"time":..,"T1":..,...,"T6":..}.
func (s Sample) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, Channels+2)
	m["time"] = s.Time
	for i, v := range s.T {
		m[ChannelName(i)] = v
	}
	if s.Sentinel {
		m["sentinel"] = true
	}
	return json.Marshal(m)
}

// ChannelName returns "T1".."T6" for a zero-based channel index.
func ChannelName(i int) string {
	return fmt.Sprintf("T%d", i+1)
}

// Buffer is the ordered time series backing visualization and export.
//
// The series itself is unbounded; window limits what Window returns by
// default so renderers see a fixed-size tail.
type Buffer struct {
	mu      sync.RWMutex
	samples []Sample
	seed    int
	window  int
}

// NewBuffer creates a buffer seeded with initialSize zero rows spaced by rate.
func NewBuffer(initialSize, window int, rate int64) *Buffer {
	if initialSize < 0 {
		initialSize = 0
	}
	if window < 0 {
		window = 0
	}
	b := &Buffer{seed: initialSize, window: window}
	b.Reset(rate)
	return b
}

// Reset discards every sample and restores the seed: zero-valued rows at
// times -seed*rate, ..., -rate, 0.
func (b *Buffer) Reset(rate int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	samples := make([]Sample, 0, b.seed+1)
	for i := b.seed; i >= 0; i-- {
		samples = append(samples, Sample{Time: -int64(i) * rate})
	}
	b.samples = samples
}

// Append adds s at the end of the series.
func (b *Buffer) Append(s Sample) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n := len(b.samples); n > 0 && s.Time <= b.samples[n-1].Time {
		return fmt.Errorf("%w: last=%d got=%d", ErrNonMonotonic, b.samples[n-1].Time, s.Time)
	}
	b.samples = append(b.samples, s)
	return nil
}

// LastTime returns the time of the newest sample.
func (b *Buffer) LastTime() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.samples) == 0 {
		return 0
	}
	return b.samples[len(b.samples)-1].Time
}

// Len returns the number of rows, seed included.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.samples)
}

// Snapshot returns a copy of the whole series.
func (b *Buffer) Snapshot() []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Sample, len(b.samples))
	copy(out, b.samples)
	return out
}

// Window returns a copy of the newest n rows. n <= 0 uses the configured
// render window; a zero render window returns everything.
func (b *Buffer) Window(n int) []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 {
		n = b.window
	}
	start := 0
	if n > 0 && n < len(b.samples) {
		start = len(b.samples) - n
	}
	out := make([]Sample, len(b.samples)-start)
	copy(out, b.samples[start:])
	return out
}

// Bounds returns the min and max channel values across the series, ignoring
// sentinel rows. ok is false when no real reading exists.
func (b *Buffer) Bounds() (lo, hi float64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.samples {
		if s.Sentinel {
			continue
		}
		for _, v := range s.T {
			if !ok {
				lo, hi, ok = v, v, true
				continue
			}
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}
	return lo, hi, ok
}
