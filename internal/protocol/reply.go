package protocol

import (
	"encoding/json"
	"strings"

	"github.com/shaunagostinho/tmsdash/internal/acquisition"
)

// Command is one word of the logger's request vocabulary.
type Command string

const (
	CmdStart       Command = "START"
	CmdStop        Command = "STOP"
	CmdGet         Command = "GET"
	CmdClear       Command = "CLEAR"
	CmdSetSampling Command = "SETS"
	CmdSetAnalysis Command = "SETA"
	CmdBufferSize  Command = "BSIZE"
)

// Device stop tokens returned instead of a reading.
const (
	tokenAnalysisDone = "BE"
	tokenBufferFull   = "BF"
)

// ackTokens maps each control command to its accept and reject replies.
// An empty reject token means the device has no explicit refusal.
var ackTokens = map[Command]struct{ ok, nok string }{
	CmdStart:       {ok: "STAOK"},
	CmdStop:        {ok: "STOOK"},
	CmdSetSampling: {ok: "SSOK", nok: "SSNOK"},
	CmdSetAnalysis: {ok: "SAOK", nok: "SANOK"},
	CmdBufferSize:  {ok: "BSOK", nok: "BSNOK"},
}

// ReplyKind classifies a device line for a given command.
type ReplyKind int

const (
	ReplyEmpty        ReplyKind = iota // nothing but a delimiter
	ReplyAccepted                      // the command's OK token
	ReplyRejected                      // the command's NOK token
	ReplyReading                       // GET: six channel JSON object
	ReplyAnalysisDone                  // GET: BE
	ReplyBufferFull                    // GET: BF
	ReplyMalformed                     // GET: text that is not a reading
	ReplyUnexpected                    // control command: any other token
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyEmpty:
		return "empty"
	case ReplyAccepted:
		return "accepted"
	case ReplyRejected:
		return "rejected"
	case ReplyReading:
		return "reading"
	case ReplyAnalysisDone:
		return "analysis-done"
	case ReplyBufferFull:
		return "buffer-full"
	case ReplyMalformed:
		return "malformed"
	case ReplyUnexpected:
		return "unexpected"
	}
	return "unknown"
}

// Reply is one decoded device line.
type Reply struct {
	Kind    ReplyKind
	Raw     string
	Reading [acquisition.Channels]float64 // valid for ReplyReading
}

// Decode classifies line as a reply to cmd. Matching is exact: the device
// has no "didn't understand" token, so anything outside the command's
// vocabulary is ReplyUnexpected (control) or ReplyMalformed (GET).
func Decode(cmd Command, line string) Reply {
	r := Reply{Raw: line}
	if strings.TrimSpace(line) == "" {
		r.Kind = ReplyEmpty
		return r
	}

	if cmd == CmdGet {
		switch line {
		case tokenAnalysisDone:
			r.Kind = ReplyAnalysisDone
		case tokenBufferFull:
			r.Kind = ReplyBufferFull
		default:
			if values, ok := decodeReading(line); ok {
				r.Kind = ReplyReading
				r.Reading = values
			} else {
				r.Kind = ReplyMalformed
			}
		}
		return r
	}

	tokens, known := ackTokens[cmd]
	switch {
	case known && line == tokens.ok:
		r.Kind = ReplyAccepted
	case known && tokens.nok != "" && line == tokens.nok:
		r.Kind = ReplyRejected
	default:
		r.Kind = ReplyUnexpected
	}
	return r
}

// decodeReading parses {"T1":f,...,"T6":f}. Every channel must be present
// and numeric; extra keys are ignored.
func decodeReading(line string) ([acquisition.Channels]float64, bool) {
	var out [acquisition.Channels]float64

	var raw map[string]*float64
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return out, false
	}
	for i := range out {
		v, ok := raw[acquisition.ChannelName(i)]
		if !ok || v == nil {
			return out, false
		}
		out[i] = *v
	}
	return out, true
}
