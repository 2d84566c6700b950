package stream

import (
	"encoding/json"
	"fmt"

	"github.com/banshee-data/motion.bridge/internal/asynccmd"
	"github.com/banshee-data/motion.bridge/internal/config"
	"github.com/banshee-data/motion.bridge/internal/transport"
)

// Message types on the link.
const (
	msgData         = "data"
	msgProgramState = "program_state"
	msgAck          = "ack"
	msgSetup        = "setup"
	msgCommand      = "command"
	msgRequest      = "request"
)

type envelope struct {
	Type string `json:"type"`
}

type programStateMsg struct {
	Running bool `json:"running"`
}

type ackMsg struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type setupMsg struct {
	Type                string                `json:"type"`
	OutputRecipe        []string              `json:"output_recipe"`
	InputRecipe         []string              `json:"input_recipe"`
	ServojGain          int                   `json:"servoj_gain"`
	ServojLookaheadTime float64               `json:"servoj_lookahead_time"`
	ToolCommunication   *config.ToolCommSetup `json:"tool_communication,omitempty"`
	CalibrationChecksum string                `json:"calibration_checksum,omitempty"`
}

type commandMsg struct {
	Type   string    `json:"type"`
	Mode   string    `json:"mode"`
	Values []float64 `json:"values,omitempty"`
}

type requestMsg struct {
	Type  string      `json:"type"`
	ID    string      `json:"id"`
	Op    string      `json:"op"`
	Pin   *int        `json:"pin,omitempty"`
	Value *float64    `json:"value,omitempty"`
	State *bool       `json:"state,omitempty"`
	Mass  *float64    `json:"mass,omitempty"`
	CoG   *[3]float64 `json:"cog,omitempty"`
}

// Request operations understood by the controller program.
const (
	opStandardDigitalOut     = "set_standard_digital_out"
	opConfigurableDigitalOut = "set_configurable_digital_out"
	opToolDigitalOut         = "set_tool_digital_out"
	opAnalogOut              = "set_analog_out"
	opSpeedSlider            = "set_speed_slider"
	opPayload                = "set_payload"
)

func encodeCommand(cmd transport.Command) ([]byte, error) {
	msg := commandMsg{Type: msgCommand, Mode: cmd.Mode.String()}
	if cmd.Mode != transport.ModeIdle {
		msg.Values = cmd.Values
	}
	return json.Marshal(msg)
}

// encodeRequest maps a supervisory request onto a controller operation.
// Digital outputs 0-7 are standard, 8-15 configurable and 16-17 tool
// outputs.
func encodeRequest(req asynccmd.Request) ([]byte, error) {
	msg := requestMsg{Type: msgRequest, ID: req.ID.String()}
	value := req.Value
	switch req.Kind {
	case asynccmd.DigitalOutput:
		pin := req.Index
		switch {
		case pin >= 0 && pin < 8:
			msg.Op = opStandardDigitalOut
		case pin >= 8 && pin < 16:
			msg.Op = opConfigurableDigitalOut
			pin -= 8
		case pin >= 16 && pin < 18:
			msg.Op = opToolDigitalOut
			pin -= 16
		default:
			return nil, fmt.Errorf("digital output %d out of range", req.Index)
		}
		state := req.Value != 0
		msg.Pin = &pin
		msg.State = &state
	case asynccmd.AnalogOutput:
		if req.Index < 0 || req.Index > 1 {
			return nil, fmt.Errorf("analog output %d out of range", req.Index)
		}
		pin := req.Index
		msg.Op = opAnalogOut
		msg.Pin = &pin
		msg.Value = &value
	case asynccmd.SpeedSlider:
		if req.Value < 0 || req.Value > 1 {
			return nil, fmt.Errorf("speed slider fraction %g outside [0,1]", req.Value)
		}
		msg.Op = opSpeedSlider
		msg.Value = &value
	case asynccmd.Payload:
		mass, cog := req.Mass, req.CenterOfGravity
		msg.Op = opPayload
		msg.Mass = &mass
		msg.CoG = &cog
	default:
		return nil, fmt.Errorf("%s: %w", req.Kind, transport.ErrUnsupported)
	}
	return json.Marshal(msg)
}
