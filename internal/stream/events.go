package stream

import (
	"time"

	"github.com/shaunagostinho/tmsdash/internal/acquisition"
	"github.com/shaunagostinho/tmsdash/internal/protocol"
)

// EventKind classifies a session notification.
type EventKind string

const (
	EventSample     EventKind = "sample"      // a row was appended
	EventWarning    EventKind = "warning"     // non-fatal, e.g. sentinel substituted
	EventDone       EventKind = "done"        // device finished the analysis window
	EventBufferFull EventKind = "buffer_full" // device buffer limit reached
	EventError      EventKind = "error"
	EventState      EventKind = "state"
	EventParams     EventKind = "params"
	EventReset      EventKind = "reset"
	EventConsole    EventKind = "console" // one request:/response: line
)

// Event is what the session reports to its collaborators.
type Event struct {
	Kind     EventKind           `json:"kind"`
	Message  string              `json:"message,omitempty"`
	State    State               `json:"state,omitempty"`
	Sample   *acquisition.Sample `json:"sample,omitempty"`
	Params   *protocol.Params    `json:"params,omitempty"`
	Rejected []string            `json:"rejected,omitempty"`
	Stamp    int64               `json:"stamp"` // Unix ms
}

// Notifier receives session events. Implementations must not block and must
// not call back into the session.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

// Notifiers fans an event out to several notifiers in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(e Event) {
	for _, n := range ns {
		if n != nil {
			n.Notify(e)
		}
	}
}

func newEvent(kind EventKind, msg string) Event {
	return Event{Kind: kind, Message: msg, Stamp: time.Now().UnixMilli()}
}
