package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/tmsdash/internal/acquisition"
	"github.com/shaunagostinho/tmsdash/internal/metrics"
	"github.com/shaunagostinho/tmsdash/internal/protocol"
	"github.com/shaunagostinho/tmsdash/internal/serialport"
)

var (
	ErrNotConnected = errors.New("stream: not connected")
	ErrBusy         = errors.New("stream: streaming in progress")
	ErrNotStreaming = errors.New("stream: not streaming")
)

// State is the connection state of a session.
type State string

const (
	Disconnected State = "disconnected"
	Connected    State = "connected" // idle, ready for apply or start
	Streaming    State = "streaming" // polling
)

// Level maps the state to 0, 1, 2 for gauges.
func (s State) Level() int {
	switch s {
	case Connected:
		return 1
	case Streaming:
		return 2
	}
	return 0
}

// TickOutcome is what one scheduler tick did.
type TickOutcome int

const (
	TickIdle       TickOutcome = iota // not streaming, nothing sent
	TickSample                        // reading appended
	TickDegraded                      // sentinel appended
	TickDone                          // BE: stopped
	TickBufferFull                    // BF: stopped
	TickSkipped                       // transient failure, still streaming
	TickFailed                        // fatal transport failure, disconnected
)

// Opener opens a transport for the given serial parameters.
type Opener func(serialport.Params) (serialport.Transport, error)

// Config holds the session's fixed settings.
type Config struct {
	Params          protocol.Params // initial proposal and confirmed baseline
	InitialDataSize int
	RenderWindow    int
	MaxAttempts     int           // handshake bound, 0 = unbounded
	Timeout         time.Duration // transport read timeout, for pacing checks
}

// Session owns the connection, the confirmed and proposed parameters and
// the acquisition buffer. Every device exchange happens under one lock, so
// a parameter handshake and a polling tick can never overlap.
type Session struct {
	mu      sync.Mutex
	open    Opener
	notify  Notifier
	metrics *metrics.Metrics
	cfg     Config

	state     State
	transport serialport.Transport
	client    *protocol.Client
	serial    serialport.Params
	confirmed protocol.Params
	proposal  protocol.Params
	buffer    *acquisition.Buffer

	cancelMu  sync.Mutex
	applies   map[int]context.CancelFunc // in-flight and queued handshakes
	nextApply int

	appendFailed bool // an append error was already reported
}

// NewSession creates a disconnected session. cfg.Params must be valid: it
// is the proposal sent to the device on the first connect.
func NewSession(cfg Config, open Opener, notify Notifier, m *metrics.Metrics) (*Session, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, fmt.Errorf("stream: initial parameters: %w", err)
	}
	if notify == nil {
		notify = Notifiers(nil)
	}
	s := &Session{
		open:      open,
		notify:    notify,
		metrics:   m,
		cfg:       cfg,
		state:     Disconnected,
		confirmed: cfg.Params,
		proposal:  cfg.Params,
		buffer:    acquisition.NewBuffer(cfg.InitialDataSize, cfg.RenderWindow, int64(cfg.Params.SamplingRateMs)),
		applies:   make(map[int]context.CancelFunc),
	}
	m.SetBufferLen(s.buffer.Len())
	m.SetState(Disconnected.Level())
	return s, nil
}

// Buffer returns the acquisition buffer. It is safe for concurrent reads.
func (s *Session) Buffer() *acquisition.Buffer { return s.buffer }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status is a point-in-time view of the session.
type Status struct {
	State     State             `json:"state"`
	Serial    serialport.Params `json:"serial"`
	Confirmed protocol.Params   `json:"confirmed"`
	Proposal  protocol.Params   `json:"proposal"`
	Rows      int               `json:"rows"`
	LastTime  int64             `json:"lastTime"`
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:     s.state,
		Serial:    s.serial,
		Confirmed: s.confirmed,
		Proposal:  s.proposal,
		Rows:      s.buffer.Len(),
		LastTime:  s.buffer.LastTime(),
	}
}

// tickMargin is the slack kept between a read timeout and the next tick.
const tickMargin = 50 * time.Millisecond

// PlottingInterval is the current tick period: the confirmed plotting rate,
// raised to the read timeout plus tickMargin when it is shorter.
func (s *Session) PlottingInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervalLocked()
}

func (s *Session) intervalLocked() time.Duration {
	d := time.Duration(s.confirmed.PlottingRateMs) * time.Millisecond
	if floor := s.cfg.Timeout + tickMargin; d < floor {
		return floor
	}
	return d
}

// Connect opens the device, closing any open handle first, then applies the
// current proposal. A failed open leaves the session disconnected.
func (s *Session) Connect(ctx context.Context, params serialport.Params) (protocol.ApplyResult, error) {
	ctx, done := s.applyContext(ctx)
	defer done()

	s.mu.Lock()
	defer s.mu.Unlock()

	params = params.WithDefaults()
	if err := params.Validate(); err != nil {
		return protocol.ApplyResult{Confirmed: s.confirmed}, err
	}
	if err := s.proposal.Validate(); err != nil {
		return protocol.ApplyResult{Confirmed: s.confirmed}, fmt.Errorf("stream: connect: proposal: %w", err)
	}
	if s.transport != nil {
		s.closeLocked()
	}

	t, err := s.open(params)
	if err != nil {
		s.emit(newEvent(EventError, err.Error()))
		return protocol.ApplyResult{Confirmed: s.confirmed}, fmt.Errorf("stream: connect: %w", err)
	}
	s.transport = serialport.Observe(t, s.console)
	s.client = protocol.NewClient(s.transport, protocol.WithMaxAttempts(s.cfg.MaxAttempts))
	s.serial = params
	s.setState(Connected)
	log.Printf("[stream] %s connected, applying streaming parameters", params.Port)

	return s.applyLocked(ctx, s.proposal)
}

// Disconnect stops streaming if needed and closes the device. Any running
// parameter handshake is cancelled first.
func (s *Session) Disconnect() error {
	s.abortApply()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport == nil {
		return nil
	}
	if s.state == Streaming {
		if err := s.stopLocked(); err != nil {
			log.Printf("[stream] stop before disconnect: %v", err)
		}
	}
	if s.transport == nil {
		return nil
	}
	port := s.serial.Port
	err := s.closeLocked()
	log.Printf("[stream] %s disconnected", port)
	return err
}

// ApplyParams runs the handshake for proposal. While disconnected the
// proposal is kept for the next connect and ErrNotConnected is returned;
// while streaming it is refused with ErrBusy.
func (s *Session) ApplyParams(ctx context.Context, proposal protocol.Params) (protocol.ApplyResult, error) {
	if err := proposal.Validate(); err != nil {
		return protocol.ApplyResult{}, fmt.Errorf("stream: %w", err)
	}

	ctx, done := s.applyContext(ctx)
	defer done()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Disconnected:
		s.proposal = proposal
		return protocol.ApplyResult{Confirmed: s.confirmed}, ErrNotConnected
	case Streaming:
		return protocol.ApplyResult{Confirmed: s.confirmed}, ErrBusy
	}
	s.proposal = proposal
	return s.applyLocked(ctx, proposal)
}

func (s *Session) applyLocked(ctx context.Context, proposal protocol.Params) (protocol.ApplyResult, error) {
	res, err := s.client.Apply(ctx, s.confirmed, proposal)
	s.metrics.Handshake(res.Attempts, res.Rejected)

	prevRate, prevPlot := s.confirmed.SamplingRateMs, s.confirmed.PlottingRateMs
	s.confirmed = res.Confirmed
	if s.confirmed.SamplingRateMs != prevRate {
		s.resetBufferLocked()
	}
	if d := time.Duration(s.confirmed.PlottingRateMs) * time.Millisecond; d < s.intervalLocked() && s.confirmed.PlottingRateMs != prevPlot {
		log.Printf("[stream] plotting rate %v is shorter than the %v read timeout, polling every %v", d, s.cfg.Timeout, s.intervalLocked())
	}

	confirmed := s.confirmed
	ev := newEvent(EventParams, "")
	ev.Params = &confirmed
	ev.Rejected = res.Rejected
	s.emit(ev)

	if len(res.Rejected) > 0 {
		msg := "It was not possible to change the following parameters: " + strings.Join(res.Rejected, ", ")
		log.Printf("[stream] %s", msg)
		w := newEvent(EventWarning, msg)
		w.Rejected = res.Rejected
		s.emit(w)
	}

	if err != nil {
		if isFatal(err) {
			s.failLocked(err)
		} else {
			s.emit(newEvent(EventError, err.Error()))
		}
		return res, err
	}
	log.Printf("[stream] parameters confirmed: sampling=%dms plotting=%dms analysis=%dms buffer=%d",
		confirmed.SamplingRateMs, confirmed.PlottingRateMs, confirmed.AnalysisTimeMs, confirmed.BufferSize)
	return res, nil
}

// Start sends START and begins streaming on STAOK.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Disconnected:
		return ErrNotConnected
	case Streaming:
		return ErrBusy
	}

	if err := s.client.Start(); err != nil {
		if isFatal(err) {
			s.failLocked(err)
		} else {
			s.emit(newEvent(EventError, "Not started: "+err.Error()))
		}
		return fmt.Errorf("stream: start: %w", err)
	}
	s.setState(Streaming)
	log.Printf("[stream] streaming every %dms (device sampling %dms)", s.confirmed.PlottingRateMs, s.confirmed.SamplingRateMs)
	return nil
}

// Stop sends STOP and stops ticking whatever the device answers.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Streaming {
		return ErrNotStreaming
	}
	return s.stopLocked()
}

// stopLocked never leaves the session streaming: a bad or missing STOP reply
// is reported, not retried.
func (s *Session) stopLocked() error {
	err := s.client.Stop()
	if err != nil && isFatal(err) {
		s.failLocked(err)
		return fmt.Errorf("stream: stop: %w", err)
	}
	s.setState(Connected)
	if err != nil {
		s.emit(newEvent(EventError, "Not stopped: "+err.Error()))
		return fmt.Errorf("stream: stop: %w", err)
	}
	log.Printf("[stream] streaming stopped")
	return nil
}

// Tick performs one poll. It is a no-op unless streaming.
func (s *Session) Tick() (TickOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Streaming {
		return TickIdle, nil
	}

	res, err := s.client.Poll(s.buffer.LastTime(), int64(s.confirmed.SamplingRateMs))
	if err != nil {
		s.metrics.PollFailed()
		if isFatal(err) {
			s.failLocked(err)
			return TickFailed, err
		}
		return TickSkipped, err
	}

	switch res.Outcome {
	case protocol.PollSample, protocol.PollDegraded:
		if err := s.buffer.Append(res.Sample); err != nil {
			s.metrics.PollFailed()
			if !s.appendFailed {
				s.appendFailed = true
				s.emit(newEvent(EventError, "Reading dropped: "+err.Error()))
			}
			return TickSkipped, err
		}
		s.appendFailed = false
		s.metrics.SampleAppended(res.Sample.Sentinel)
		s.metrics.SetBufferLen(s.buffer.Len())

		sample := res.Sample
		ev := newEvent(EventSample, "")
		ev.Sample = &sample
		s.emit(ev)

		if res.Outcome == protocol.PollDegraded {
			s.emit(newEvent(EventWarning, fmt.Sprintf("failed data at t=%dms, filled with -1 (reply %q)", sample.Time, res.Raw)))
			return TickDegraded, nil
		}
		return TickSample, nil

	case protocol.PollAnalysisDone:
		s.metrics.DeviceStopped("analysis_done")
		if err := s.stopLocked(); err != nil {
			log.Printf("[stream] stop after BE: %v", err)
		}
		s.emit(newEvent(EventDone, "DONE! Analysis time completed."))
		return TickDone, nil

	case protocol.PollBufferFull:
		s.metrics.DeviceStopped("buffer_full")
		if err := s.stopLocked(); err != nil {
			log.Printf("[stream] stop after BF: %v", err)
		}
		s.emit(newEvent(EventBufferFull, "STREAMING STOPPED: buffer limit reached, try to change streaming parameters."))
		return TickBufferFull, nil
	}
	return TickSkipped, fmt.Errorf("stream: unhandled poll outcome %d", res.Outcome)
}

// Reset clears the device buffer when connected (reply ignored) and
// reseeds the acquisition buffer. Not allowed while streaming.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Streaming {
		return ErrBusy
	}
	if s.state == Connected {
		s.client.Clear()
	}
	s.resetBufferLocked()
	log.Printf("[stream] buffer reset to %d seed rows", s.buffer.Len())
	return nil
}

// Run drives Tick at the plotting rate until ctx is done, then disconnects.
// The timer is re-armed only after a tick returns, so a tick held up by a
// silent device delays the next one instead of overlapping it.
func (s *Session) Run(ctx context.Context) {
	timer := time.NewTimer(s.PlottingInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Disconnect(); err != nil {
				log.Printf("[stream] disconnect on shutdown: %v", err)
			}
			return
		case <-timer.C:
			out, err := s.Tick()
			if err != nil && out == TickSkipped {
				log.Printf("[stream] poll skipped: %v", err)
			}
			timer.Reset(s.PlottingInterval())
		}
	}
}

func (s *Session) resetBufferLocked() {
	s.buffer.Reset(int64(s.confirmed.SamplingRateMs))
	s.appendFailed = false
	s.metrics.SetBufferLen(s.buffer.Len())
	s.emit(newEvent(EventReset, ""))
}

// failLocked handles a fatal transport failure: surface it and drop the link.
func (s *Session) failLocked(err error) {
	log.Printf("[stream] transport failure on %s: %v, disconnecting", s.serial.Port, err)
	s.emit(newEvent(EventError, err.Error()))
	s.closeLocked()
}

func (s *Session) closeLocked() error {
	var err error
	if s.transport != nil {
		err = s.transport.Close()
	}
	s.transport = nil
	s.client = nil
	s.setState(Disconnected)
	return err
}

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	s.state = st
	s.metrics.SetState(st.Level())
	ev := newEvent(EventState, "")
	ev.State = st
	s.emit(ev)
}

func (s *Session) emit(e Event) {
	s.notify.Notify(e)
}

func (s *Session) console(dir serialport.Direction, line string) {
	s.emit(newEvent(EventConsole, serialport.Format(dir, line)))
}

// applyContext derives a cancellable context for a handshake so Disconnect
// can interrupt an unanswered resend loop. Every caller registers, including
// those still waiting for the session lock.
func (s *Session) applyContext(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	s.cancelMu.Lock()
	id := s.nextApply
	s.nextApply++
	s.applies[id] = cancel
	s.cancelMu.Unlock()
	return ctx, func() {
		s.cancelMu.Lock()
		delete(s.applies, id)
		s.cancelMu.Unlock()
		cancel()
	}
}

// abortApply cancels every registered handshake.
func (s *Session) abortApply() {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	for _, cancel := range s.applies {
		cancel()
	}
}

// isFatal reports transport failures other than a read timeout.
func isFatal(err error) bool {
	var terr *serialport.Error
	return errors.As(err, &terr) && !serialport.IsTimeout(err)
}
