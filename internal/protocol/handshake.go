package protocol

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"github.com/shaunagostinho/tmsdash/internal/serialport"
)

// Parameter names reported back to the operator.
const (
	ParamSamplingRate = "sampling_rate"
	ParamPlottingRate = "plotting_rate"
	ParamAnalysisTime = "analysis_time"
	ParamBufferSize   = "buffer_size"
)

// Params are the streaming settings. Sampling rate, analysis time and buffer
// size live on the device; plotting rate only paces the host.
type Params struct {
	SamplingRateMs int `yaml:"sampling_rate" json:"samplingRate"`
	PlottingRateMs int `yaml:"plotting_rate" json:"plottingRate"`
	AnalysisTimeMs int `yaml:"analysis_time" json:"analysisTime"`
	BufferSize     int `yaml:"buffer_size" json:"bufferSize"`
}

// Validate checks that every setting is a positive integer.
func (p Params) Validate() error {
	for _, f := range []struct {
		name string
		v    int
	}{
		{ParamSamplingRate, p.SamplingRateMs},
		{ParamPlottingRate, p.PlottingRateMs},
		{ParamAnalysisTime, p.AnalysisTimeMs},
		{ParamBufferSize, p.BufferSize},
	} {
		if f.v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", f.name, f.v)
		}
	}
	return nil
}

// ApplyResult is the outcome of a full apply sequence.
type ApplyResult struct {
	Confirmed Params         `json:"confirmed"`
	Rejected  []string       `json:"rejected"`
	Attempts  map[string]int `json:"attempts"`
}

// Negotiate sends "<cmd> <value>" until the device answers with exactly the
// command's OK or NOK token, resending the identical line after anything
// else, timeouts included. It stops early only on ctx cancellation, a fatal
// transport error, or the client's attempt bound.
func (c *Client) Negotiate(ctx context.Context, cmd Command, value int) (accepted bool, attempts int, err error) {
	line := string(cmd) + " " + strconv.Itoa(value)

	for {
		if err := ctx.Err(); err != nil {
			return false, attempts, err
		}
		if c.maxAttempts > 0 && attempts >= c.maxAttempts {
			return false, attempts, &Error{Command: cmd, Err: fmt.Errorf("%w after %d attempts", ErrNoAnswer, attempts)}
		}

		attempts++
		reply, err := c.exchange(line)
		if err != nil {
			if serialport.IsTimeout(err) {
				continue
			}
			return false, attempts, err
		}

		switch Decode(cmd, reply).Kind {
		case ReplyAccepted:
			return true, attempts, nil
		case ReplyRejected:
			return false, attempts, nil
		}
		if attempts&(attempts-1) == 0 {
			log.Printf("[protocol] %s: unanswered reply %q, resending (attempt %d)", line, reply, attempts)
		}
	}
}

// Apply runs the SETS, SETA, BSIZE handshakes in that order against
// proposal. Each device setting moves into the confirmed set only on its OK
// token; a NOK keeps the previous value and lists the name in Rejected.
// The plotting rate is host-only and taken immediately.
//
// On error the result holds whatever was confirmed before the failure, and
// Rejected names the failed setting and every setting that was not sent.
func (c *Client) Apply(ctx context.Context, confirmed, proposal Params) (ApplyResult, error) {
	res := ApplyResult{
		Confirmed: confirmed,
		Rejected:  []string{},
		Attempts:  map[string]int{},
	}
	res.Confirmed.PlottingRateMs = proposal.PlottingRateMs

	steps := []struct {
		name  string
		cmd   Command
		value int
		dst   *int
	}{
		{ParamSamplingRate, CmdSetSampling, proposal.SamplingRateMs, &res.Confirmed.SamplingRateMs},
		{ParamAnalysisTime, CmdSetAnalysis, proposal.AnalysisTimeMs, &res.Confirmed.AnalysisTimeMs},
		{ParamBufferSize, CmdBufferSize, proposal.BufferSize, &res.Confirmed.BufferSize},
	}
	for i, step := range steps {
		ok, attempts, err := c.Negotiate(ctx, step.cmd, step.value)
		res.Attempts[step.name] = attempts
		if err != nil {
			// The failed step and every step after it keep their old value.
			for _, rest := range steps[i:] {
				res.Rejected = append(res.Rejected, rest.name)
			}
			return res, fmt.Errorf("apply %s: %w", step.name, err)
		}
		if ok {
			*step.dst = step.value
		} else {
			res.Rejected = append(res.Rejected, step.name)
		}
	}
	return res, nil
}
