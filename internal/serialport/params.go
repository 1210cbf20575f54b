package serialport

import (
	"fmt"
	"strconv"

	"go.bug.st/serial"
)

// Parity names accepted by the logger UI.
type Parity string

const (
	ParityNone Parity = "None"
	ParityEven Parity = "Even"
	ParityOdd  Parity = "Odd"
)

// StopBits names accepted by the logger UI.
type StopBits string

const (
	StopBitsOne     StopBits = "1"
	StopBitsOneHalf StopBits = "1.5"
	StopBitsTwo     StopBits = "2"
)

// FlowControl selects at most one handshaking scheme.
type FlowControl string

const (
	FlowNone    FlowControl = "None"
	FlowXonXoff FlowControl = "XON/XOFF"
	FlowRtsCts  FlowControl = "RTS/CTS"
	FlowDtrDsr  FlowControl = "DTR/DSR"
)

// Legal values, in the order the operator UI lists them.
var (
	BaudRates    = []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200}
	DataBitsList = []int{5, 6, 7, 8}
	Parities     = []Parity{ParityNone, ParityEven, ParityOdd}
	StopBitsList = []StopBits{StopBitsOne, StopBitsOneHalf, StopBitsTwo}
	FlowControls = []FlowControl{FlowNone, FlowXonXoff, FlowRtsCts, FlowDtrDsr}
)

// Params is the serial line setup for one connection.
type Params struct {
	Port        string      `yaml:"port" json:"port"`
	BaudRate    int         `yaml:"baud_rate" json:"baudRate"`
	DataBits    int         `yaml:"data_bits" json:"dataBits"`
	Parity      Parity      `yaml:"parity" json:"parity"`
	StopBits    StopBits    `yaml:"stop_bits" json:"stopBits"`
	FlowControl FlowControl `yaml:"flow_control" json:"flowControl"`
}

// WithDefaults fills unset optional fields with device-typical values.
func (p Params) WithDefaults() Params {
	if p.DataBits == 0 {
		p.DataBits = 8
	}
	if p.Parity == "" {
		p.Parity = ParityNone
	}
	if p.StopBits == "" {
		p.StopBits = StopBitsOne
	}
	if p.FlowControl == "" {
		p.FlowControl = FlowNone
	}
	return p
}

// Validate checks that the record can open a connection.
func (p Params) Validate() error {
	if p.Port == "" {
		return fmt.Errorf("serial: port is not set")
	}
	if p.BaudRate == 0 {
		return fmt.Errorf("serial: baud rate is not set")
	}
	if !contains(BaudRates, p.BaudRate) {
		return fmt.Errorf("serial: unsupported baud rate %d", p.BaudRate)
	}
	if !contains(DataBitsList, p.DataBits) {
		return fmt.Errorf("serial: unsupported data bits %d", p.DataBits)
	}
	if !contains(Parities, p.Parity) {
		return fmt.Errorf("serial: unsupported parity %q", p.Parity)
	}
	if !contains(StopBitsList, p.StopBits) {
		return fmt.Errorf("serial: unsupported stop bits %q", p.StopBits)
	}
	if !contains(FlowControls, p.FlowControl) {
		return fmt.Errorf("serial: unsupported flow control %q", p.FlowControl)
	}
	return nil
}

// Mode converts the record into a go.bug.st/serial mode.
//
// The driver has no flow-control setting. RTS/CTS and DTR/DSR assert the
// matching output line when the port opens; XON/XOFF is left to the device.
func (p Params) Mode() *serial.Mode {
	mode := &serial.Mode{
		BaudRate: p.BaudRate,
		DataBits: p.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	switch p.Parity {
	case ParityEven:
		mode.Parity = serial.EvenParity
	case ParityOdd:
		mode.Parity = serial.OddParity
	}
	switch p.StopBits {
	case StopBitsOneHalf:
		mode.StopBits = serial.OnePointFiveStopBits
	case StopBitsTwo:
		mode.StopBits = serial.TwoStopBits
	}
	switch p.FlowControl {
	case FlowRtsCts:
		mode.InitialStatusBits = &serial.ModemOutputBits{RTS: true}
	case FlowDtrDsr:
		mode.InitialStatusBits = &serial.ModemOutputBits{DTR: true}
	}
	return mode
}

// BaudAt returns the baud rate at a UI list index, or 0 when out of range.
func BaudAt(index int) int {
	if index < 0 || index >= len(BaudRates) {
		return 0
	}
	return BaudRates[index]
}

// DataBitsAt returns the data bits at a UI list index, or 0 when out of range.
func DataBitsAt(index int) int {
	if index < 0 || index >= len(DataBitsList) {
		return 0
	}
	return DataBitsList[index]
}

// ParseStopBits accepts "1", "1.5" or "2" in any float spelling.
func ParseStopBits(s string) (StopBits, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", fmt.Errorf("serial: stop bits %q: %w", s, err)
	}
	switch f {
	case 1:
		return StopBitsOne, nil
	case 1.5:
		return StopBitsOneHalf, nil
	case 2:
		return StopBitsTwo, nil
	}
	return "", fmt.Errorf("serial: unsupported stop bits %q", s)
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
