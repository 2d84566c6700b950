// Package config parses the activation parameters and hardware description
// handed to the bridge.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/motion.bridge/internal/linkmux"
	"github.com/banshee-data/motion.bridge/internal/modeswitch"
)

var (
	// ErrMissingParam is wrapped by errors for absent required keys.
	ErrMissingParam = errors.New("missing parameter")
	// ErrInvalidParam is wrapped by errors for malformed or out of range values.
	ErrInvalidParam = errors.New("invalid parameter")
)

// TransportKind selects how the bridge reaches the robot.
type TransportKind string

const (
	TransportNetwork TransportKind = "network"
	TransportSerial  TransportKind = "serial"
	TransportSim     TransportKind = "sim"
)

// Defaults for optional keys.
const (
	DefaultPrimaryPort            = 30002
	DefaultPausingRampUpIncrement = 0.01
)

// Params holds the parsed activation parameters.
type Params struct {
	RobotIP              string
	ScriptFilename       string
	OutputRecipeFilename string
	InputRecipeFilename  string
	HeadlessMode         bool
	ReversePort          int
	ScriptSenderPort     int
	PrimaryPort          int
	ServojGain           int
	ServojLookaheadTime  float64
	ToolComm             *ToolCommSetup
	CalibrationChecksum  string
	ControlMode          modeswitch.Mode

	Transport    TransportKind
	SerialDevice string
	Serial       linkmux.PortOptions

	// NonBlockingRead makes Read poll telemetry without waiting.
	NonBlockingRead        bool
	PausingRampUpIncrement float64
}

// ToolCommSetup configures the serial interface in the robot's tool flange.
type ToolCommSetup struct {
	Voltage     int `json:"voltage"`
	Parity      int `json:"parity"`
	BaudRate    int `json:"baud_rate"`
	StopBits    int `json:"stop_bits"`
	RxIdleChars int `json:"rx_idle_chars"`
	TxIdleChars int `json:"tx_idle_chars"`
}

// toolBaudRates are the rates the tool flange supports.
var toolBaudRates = map[int]bool{
	9600: true, 19200: true, 38400: true, 57600: true, 115200: true,
	1000000: true, 2000000: true, 5000000: true,
}

// Validate checks each field against the ranges the controller accepts.
func (t *ToolCommSetup) Validate() error {
	switch t.Voltage {
	case 0, 12, 24:
	default:
		return fmt.Errorf("tool_voltage must be 0, 12 or 24, got %d", t.Voltage)
	}
	if t.Parity < 0 || t.Parity > 2 {
		return fmt.Errorf("tool_parity must be 0 (none), 1 (odd) or 2 (even), got %d", t.Parity)
	}
	if !toolBaudRates[t.BaudRate] {
		return fmt.Errorf("tool_baud_rate %d is not supported", t.BaudRate)
	}
	if t.StopBits != 1 && t.StopBits != 2 {
		return fmt.Errorf("tool_stop_bits must be 1 or 2, got %d", t.StopBits)
	}
	if t.RxIdleChars < 1 || t.RxIdleChars > 40 {
		return fmt.Errorf("tool_rx_idle_chars must be between 1 and 40, got %d", t.RxIdleChars)
	}
	if t.TxIdleChars < 0 || t.TxIdleChars > 40 {
		return fmt.Errorf("tool_tx_idle_chars must be between 0 and 40, got %d", t.TxIdleChars)
	}
	return nil
}

// reader pulls typed values out of the raw map and collects every problem.
type reader struct {
	raw  map[string]string
	errs []error
}

func (r *reader) missing(key string) {
	r.errs = append(r.errs, fmt.Errorf("%w: %s", ErrMissingParam, key))
}

func (r *reader) invalid(key, val, why string) {
	r.errs = append(r.errs, fmt.Errorf("%w: %s=%q: %s", ErrInvalidParam, key, val, why))
}

func (r *reader) lookup(key string, required bool) (string, bool) {
	v, ok := r.raw[key]
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		if required {
			r.missing(key)
		}
		return "", false
	}
	return v, true
}

func (r *reader) str(key string, required bool) string {
	v, _ := r.lookup(key, required)
	return v
}

func (r *reader) boolean(key string, def bool) bool {
	v, ok := r.lookup(key, false)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.invalid(key, v, "expected true or false")
		return def
	}
	return b
}

func (r *reader) integer(key string, required bool, def, lo, hi int) int {
	v, ok := r.lookup(key, required)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.invalid(key, v, "expected an integer")
		return def
	}
	if n < lo || n > hi {
		r.invalid(key, v, fmt.Sprintf("must be between %d and %d", lo, hi))
		return def
	}
	return n
}

func (r *reader) float(key string, required bool, def, lo, hi float64) float64 {
	v, ok := r.lookup(key, required)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.invalid(key, v, "expected a number")
		return def
	}
	if f < lo || f > hi {
		r.invalid(key, v, fmt.Sprintf("must be between %g and %g", lo, hi))
		return def
	}
	return f
}

// ParseParams validates the raw activation parameters. Every problem found
// is reported; the returned error matches ErrMissingParam and/or
// ErrInvalidParam through errors.Is.
func ParseParams(raw map[string]string) (*Params, error) {
	r := &reader{raw: raw}
	p := &Params{}

	transport := TransportKind(strings.ToLower(r.str("transport", false)))
	switch transport {
	case "":
		transport = TransportNetwork
	case TransportNetwork, TransportSerial, TransportSim:
	default:
		r.invalid("transport", string(transport), "expected network, serial or sim")
	}
	p.Transport = transport

	// The simulated controller needs no network endpoints or files.
	needLink := transport != TransportSim

	p.RobotIP = r.str("robot_ip", needLink)
	p.ScriptFilename = r.str("script_filename", needLink)
	p.OutputRecipeFilename = r.str("output_recipe_filename", needLink)
	p.InputRecipeFilename = r.str("input_recipe_filename", needLink)
	p.HeadlessMode = r.boolean("headless_mode", false)
	p.ReversePort = r.integer("reverse_port", needLink, 0, 1, 65535)
	p.ScriptSenderPort = r.integer("script_sender_port", needLink, 0, 1, 65535)
	p.PrimaryPort = r.integer("primary_port", false, DefaultPrimaryPort, 1, 65535)
	p.ServojGain = r.integer("servoj_gain", true, 0, 100, 2000)
	p.ServojLookaheadTime = r.float("servoj_lookahead_time", true, 0, 0.03, 0.2)
	p.CalibrationChecksum = r.str("kinematics/hash", false)
	p.NonBlockingRead = r.boolean("non_blocking_read", true)
	p.PausingRampUpIncrement = r.float("pausing_ramp_up_increment", false, DefaultPausingRampUpIncrement, 1e-6, 1)

	if v, ok := r.lookup("control_mode", false); ok {
		mode, err := modeswitch.ParseMode(v)
		if err != nil || mode == modeswitch.None {
			r.invalid("control_mode", v, "expected position or velocity")
		}
		p.ControlMode = mode
	} else {
		p.ControlMode = modeswitch.Position
	}

	if r.boolean("use_tool_communication", false) {
		p.ToolComm = &ToolCommSetup{
			Voltage:     r.integer("tool_voltage", true, 0, 0, 24),
			Parity:      r.integer("tool_parity", true, 0, 0, 2),
			BaudRate:    r.integer("tool_baud_rate", true, 0, 1, 5000000),
			StopBits:    r.integer("tool_stop_bits", true, 0, 1, 2),
			RxIdleChars: r.integer("tool_rx_idle_chars", true, 0, 1, 40),
			TxIdleChars: r.integer("tool_tx_idle_chars", true, 0, 0, 40),
		}
		if len(r.errs) == 0 {
			if err := p.ToolComm.Validate(); err != nil {
				r.errs = append(r.errs, fmt.Errorf("%w: %v", ErrInvalidParam, err))
			}
		}
	}

	if transport == TransportSerial {
		p.SerialDevice = r.str("serial_device", true)
		opts := linkmux.PortOptions{
			BaudRate: r.integer("serial_baud_rate", false, 0, 1, 10000000),
			DataBits: r.integer("serial_data_bits", false, 0, 5, 8),
			StopBits: r.integer("serial_stop_bits", false, 0, 1, 2),
			Parity:   r.str("serial_parity", false),
		}
		norm, err := opts.Normalise()
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%w: serial options: %v", ErrInvalidParam, err))
		}
		p.Serial = norm
	}

	if len(r.errs) > 0 {
		return nil, errors.Join(r.errs...)
	}
	return p, nil
}
