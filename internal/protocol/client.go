package protocol

import (
	"errors"
	"fmt"
	"log"

	"github.com/shaunagostinho/tmsdash/internal/acquisition"
	"github.com/shaunagostinho/tmsdash/internal/serialport"
)

var (
	// ErrMalformed means a reply could not be decoded at all.
	ErrMalformed = errors.New("malformed reply")
	// ErrUnexpectedToken means a reply decoded to something other than success.
	ErrUnexpectedToken = errors.New("unexpected token")
	// ErrNoAnswer means a handshake ran out of attempts without OK or NOK.
	ErrNoAnswer = errors.New("no answer")
)

// Error reports a protocol anomaly for one command.
type Error struct {
	Command Command
	Reply   string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("protocol: %s: %v (reply %q)", e.Command, e.Err, e.Reply)
}

func (e *Error) Unwrap() error { return e.Err }

// PollOutcome is the result class of one GET.
type PollOutcome int

const (
	PollSample        PollOutcome = iota // decoded reading appended as-is
	PollDegraded                         // undecodable reply replaced by a sentinel
	PollAnalysisDone                     // device reported BE
	PollBufferFull                       // device reported BF
)

// PollResult is what one successful GET produced.
type PollResult struct {
	Outcome PollOutcome
	Sample  acquisition.Sample // set for PollSample and PollDegraded
	Raw     string
}

// Client speaks the logger's line protocol over a Transport. It is not safe
// for concurrent use; the owning session serializes access.
type Client struct {
	t           serialport.Transport
	maxAttempts int
}

// Option configures a Client.
type Option func(*Client)

// WithMaxAttempts bounds each parameter handshake. Zero keeps the device's
// resend-until-answered behaviour unbounded.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// NewClient creates a protocol client over t.
func NewClient(t serialport.Transport, opts ...Option) *Client {
	c := &Client{t: t}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// exchange sends one line and reads one reply.
func (c *Client) exchange(line string) (string, error) {
	if err := c.t.SendLine(line); err != nil {
		return "", err
	}
	return c.t.ReceiveLine()
}

// Start asks the device to begin acquisition.
func (c *Client) Start() error {
	return c.control(CmdStart)
}

// Stop asks the device to end acquisition.
func (c *Client) Stop() error {
	return c.control(CmdStop)
}

func (c *Client) control(cmd Command) error {
	line, err := c.exchange(string(cmd))
	if err != nil {
		return err
	}
	switch r := Decode(cmd, line); r.Kind {
	case ReplyAccepted:
		return nil
	case ReplyEmpty:
		return &Error{Command: cmd, Reply: line, Err: ErrMalformed}
	default:
		return &Error{Command: cmd, Reply: line, Err: ErrUnexpectedToken}
	}
}

// Clear empties the device buffer. The reply is read and discarded whatever
// it says; failures are only logged.
func (c *Client) Clear() {
	if _, err := c.exchange(string(CmdClear)); err != nil {
		log.Printf("[protocol] CLEAR: %v (ignored)", err)
	}
}

// Poll issues GET and stamps the result at last+rate. An undecodable reply
// becomes a sentinel sample instead of an error; an empty reply or a
// transport failure is returned as an error and must not touch the buffer.
func (c *Client) Poll(last, rate int64) (PollResult, error) {
	line, err := c.exchange(string(CmdGet))
	if err != nil {
		return PollResult{}, err
	}

	at := last + rate
	switch r := Decode(CmdGet, line); r.Kind {
	case ReplyReading:
		return PollResult{
			Outcome: PollSample,
			Sample:  acquisition.Sample{Time: at, T: r.Reading},
			Raw:     line,
		}, nil
	case ReplyMalformed:
		return PollResult{
			Outcome: PollDegraded,
			Sample:  acquisition.NewSentinel(at),
			Raw:     line,
		}, nil
	case ReplyAnalysisDone:
		return PollResult{Outcome: PollAnalysisDone, Raw: line}, nil
	case ReplyBufferFull:
		return PollResult{Outcome: PollBufferFull, Raw: line}, nil
	case ReplyEmpty:
		return PollResult{}, &Error{Command: CmdGet, Reply: line, Err: ErrMalformed}
	default:
		return PollResult{}, &Error{Command: CmdGet, Reply: line, Err: ErrUnexpectedToken}
	}
}
