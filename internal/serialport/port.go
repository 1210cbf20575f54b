package serialport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
)

var (
	// ErrTimeout means no reply arrived within the session read timeout.
	ErrTimeout = errors.New("read timeout")
	// ErrClosed means the handle was used after Close.
	ErrClosed = errors.New("port closed")
)

// DefaultTimeout is the per-read reply timeout used when none is configured.
const DefaultTimeout = 3 * time.Second

// Transport is a line-oriented request/response link to the device.
type Transport interface {
	// SendLine writes one command followed by the line terminator.
	SendLine(line string) error
	// ReceiveLine blocks until a full line arrives or the timeout elapses.
	// The returned text stops at the first carriage return or newline.
	ReceiveLine() (string, error)
	// Close releases the underlying handle.
	Close() error
}

// Error wraps a transport failure with the operation that produced it.
type Error struct {
	Op  string // "open", "send", "receive", "close"
	Err error
}

func (e *Error) Error() string { return "serial: " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a reply timeout rather than a fatal failure.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// Config holds everything needed to open a Port.
type Config struct {
	Params     Params
	Timeout    time.Duration // fixed for the whole session
	Terminator string        // appended to every sent line, default "\n"
}

// Port is a Transport over a real serial device.
type Port struct {
	mu         sync.Mutex
	name       string
	port       io.ReadWriteCloser
	timeout    time.Duration
	terminator string
	pending    []byte // bytes read past the last delimiter
	closed     bool
}

// Open opens and configures the serial device described by cfg.
func Open(cfg Config) (*Port, error) {
	params := cfg.Params.WithDefaults()
	if err := params.Validate(); err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	port, err := serial.Open(params.Port, params.Mode())
	if err != nil {
		return nil, &Error{Op: "open", Err: fmt.Errorf("%s: %w", params.Port, err)}
	}
	if err := port.SetReadTimeout(cfg.Timeout); err != nil {
		port.Close()
		return nil, &Error{Op: "open", Err: fmt.Errorf("set timeout: %w", err)}
	}
	// Stale bytes from a previous session would answer our first command.
	if err := port.ResetInputBuffer(); err != nil {
		log.Printf("[serial] reset input buffer on %s: %v", params.Port, err)
	}
	if params.FlowControl == FlowXonXoff {
		log.Printf("[serial] %s: XON/XOFF is not handled by the driver, relying on device pacing", params.Port)
	}

	log.Printf("[serial] opened %s at %d baud (%d%s%s, flow=%s, timeout=%v)",
		params.Port, params.BaudRate, params.DataBits, parityLetter(params.Parity),
		params.StopBits, params.FlowControl, cfg.Timeout)

	return newPort(params.Port, port, cfg.Timeout, cfg.Terminator), nil
}

// Dial opens the simulated logger when the port is DemoPort and a real
// serial device otherwise.
func Dial(cfg Config, demo DemoConfig) (Transport, error) {
	if cfg.Params.Port == DemoPort {
		log.Printf("[serial] using simulated logger")
		return NewDemo(demo), nil
	}
	return Open(cfg)
}

func newPort(name string, rw io.ReadWriteCloser, timeout time.Duration, terminator string) *Port {
	if terminator == "" {
		terminator = "\n"
	}
	return &Port{
		name:       name,
		port:       rw,
		timeout:    timeout,
		terminator: terminator,
	}
}

// Name returns the device path.
func (p *Port) Name() string { return p.name }

func (p *Port) SendLine(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return &Error{Op: "send", Err: ErrClosed}
	}
	if _, err := io.WriteString(p.port, line+p.terminator); err != nil {
		return &Error{Op: "send", Err: err}
	}
	return nil
}

// ReceiveLine reads until '\n' and returns the text before the first '\r'.
// A read that returns nothing means the port-level timeout expired. When
// the deadline passes with a partial line buffered, that partial line is
// returned as-is.
func (p *Port) ReceiveLine() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return "", &Error{Op: "receive", Err: ErrClosed}
	}

	deadline := time.Now().Add(p.timeout)
	buf := make([]byte, 128)
	for {
		if i := bytes.IndexByte(p.pending, '\n'); i >= 0 {
			line := p.pending[:i]
			p.pending = append([]byte(nil), p.pending[i+1:]...)
			return cutLine(line), nil
		}

		n, err := p.port.Read(buf)
		if n > 0 {
			p.pending = append(p.pending, buf[:n]...)
			if time.Now().Before(deadline) {
				continue
			}
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return "", &Error{Op: "receive", Err: err}
		}
		if n == 0 || !time.Now().Before(deadline) {
			if bytes.IndexByte(p.pending, '\n') >= 0 {
				continue
			}
			if len(p.pending) > 0 {
				line := p.pending
				p.pending = nil
				return cutLine(line), nil
			}
			return "", &Error{Op: "receive", Err: ErrTimeout}
		}
	}
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.pending = nil
	if err := p.port.Close(); err != nil {
		return &Error{Op: "close", Err: err}
	}
	log.Printf("[serial] closed %s", p.name)
	return nil
}

// ListPorts enumerates the serial devices currently present.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, &Error{Op: "list", Err: err}
	}
	return ports, nil
}

// cutLine drops everything from the first carriage return on.
func cutLine(line []byte) string {
	if i := bytes.IndexByte(line, '\r'); i >= 0 {
		line = line[:i]
	}
	return string(line)
}

func parityLetter(p Parity) string {
	switch p {
	case ParityEven:
		return "E"
	case ParityOdd:
		return "O"
	}
	return "N"
}
