package serialport

// Direction tags a line surfaced to an Observer.
type Direction string

const (
	Request  Direction = "request"
	Response Direction = "response"
)

// Observer receives every line crossing the link, verbatim.
type Observer func(dir Direction, line string)

type observed struct {
	Transport
	fn Observer
}

// Observe wraps t so that each sent and received line is passed to fn.
// Timeouts and other receive failures are not reported as lines.
func Observe(t Transport, fn Observer) Transport {
	if fn == nil {
		return t
	}
	return &observed{Transport: t, fn: fn}
}

func (o *observed) SendLine(line string) error {
	o.fn(Request, line)
	return o.Transport.SendLine(line)
}

func (o *observed) ReceiveLine() (string, error) {
	line, err := o.Transport.ReceiveLine()
	if err == nil {
		o.fn(Response, line)
	}
	return line, err
}

// Format renders a console line as "request: X" / "response: X".
func Format(dir Direction, line string) string {
	return string(dir) + ": " + line
}
