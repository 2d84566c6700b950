// Package transport defines the capability the bridge uses to reach a robot
// controller, plus the telemetry and command types that cross it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/motion.bridge/internal/asynccmd"
	"github.com/banshee-data/motion.bridge/internal/bitfield"
)

var (
	// ErrNoFrame is returned by PollTelemetry when no new frame arrived
	// within the timeout.
	ErrNoFrame = errors.New("no telemetry frame")
	// ErrNotConnected is returned when the transport has no live link.
	ErrNotConnected = errors.New("transport not connected")
	// ErrUnsupported is returned by Execute for operations the transport
	// cannot perform in its current configuration.
	ErrUnsupported = errors.New("operation not supported")
)

// ProgramStateHandler is called whenever the robot reports its program
// state. Implementations may call it repeatedly with the same value.
type ProgramStateHandler func(running bool)

// Transport is the bridge's view of the robot controller.
type Transport interface {
	// Connect establishes the link. handler receives program state reports
	// for the lifetime of the connection.
	Connect(ctx context.Context, handler ProgramStateHandler) error
	// SendCommand hands one cyclic command to the link without blocking
	// on network I/O.
	SendCommand(cmd Command) error
	// PollTelemetry returns the newest frame not yet returned, waiting at
	// most timeout. It returns ErrNoFrame on timeout.
	PollTelemetry(timeout time.Duration) (*Frame, error)
	// Execute performs a supervisory request and waits for the robot's
	// acknowledgement.
	asynccmd.Executor
	// Disconnect tears the link down. It is safe to call more than once.
	Disconnect() error
}

// ControlMode is the servo mode a command requests.
type ControlMode int

const (
	ModeIdle ControlMode = iota
	ModeServoJ
	ModeSpeedJ
)

func (m ControlMode) String() string {
	switch m {
	case ModeServoJ:
		return "servoj"
	case ModeSpeedJ:
		return "speedj"
	case ModeIdle:
		return "idle"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseControlMode is the inverse of ControlMode.String.
func ParseControlMode(s string) (ControlMode, error) {
	switch s {
	case "servoj":
		return ModeServoJ, nil
	case "speedj":
		return ModeSpeedJ, nil
	case "idle", "":
		return ModeIdle, nil
	}
	return ModeIdle, fmt.Errorf("unknown control mode %q", s)
}

// Command is one cycle's motion command. Values is nil for ModeIdle.
type Command struct {
	Mode   ControlMode
	Values []float64
}

// Frame is one telemetry sample from the robot.
type Frame struct {
	Timestamp float64 `json:"timestamp"`

	JointPositions  []float64 `json:"actual_q"`
	JointVelocities []float64 `json:"actual_qd"`
	JointEfforts    []float64 `json:"actual_current"`

	// TCPForce is force (x,y,z) then torque (x,y,z) in the base frame.
	TCPForce [6]float64 `json:"actual_TCP_force"`
	// TCPPose is position (x,y,z) then an axis-angle rotation vector.
	TCPPose [6]float64 `json:"actual_TCP_pose"`

	SpeedScaling        float64 `json:"speed_scaling"`
	TargetSpeedFraction float64 `json:"target_speed_fraction"`
	RuntimeState        uint32  `json:"runtime_state"`

	RobotMode  int32 `json:"robot_mode"`
	SafetyMode int32 `json:"safety_mode"`
	ToolMode   int32 `json:"tool_mode"`

	StandardAnalogInput  [2]float64 `json:"standard_analog_input"`
	StandardAnalogOutput [2]float64 `json:"standard_analog_output"`
	ToolAnalogInput      [2]float64 `json:"tool_analog_input"`
	ToolOutputVoltage    float64    `json:"tool_output_voltage"`
	ToolOutputCurrent    float64    `json:"tool_output_current"`
	ToolTemperature      float64    `json:"tool_temperature"`

	DigitalInputBits     uint32 `json:"actual_digital_input_bits"`
	DigitalOutputBits    uint32 `json:"actual_digital_output_bits"`
	SafetyStatusBits     uint32 `json:"safety_status_bits"`
	RobotStatusBits      uint32 `json:"robot_status_bits"`
	AnalogIOTypes        uint32 `json:"analog_io_types"`
	ToolAnalogInputTypes uint32 `json:"tool_analog_input_types"`
}

// Bits returns the packed field called name, for bitfield.Decoder.Decode.
func (f *Frame) Bits(name string) (uint32, bool) {
	switch name {
	case bitfield.DigitalInputs.Name:
		return f.DigitalInputBits, true
	case bitfield.DigitalOutputs.Name:
		return f.DigitalOutputBits, true
	case bitfield.SafetyStatus.Name:
		return f.SafetyStatusBits, true
	case bitfield.RobotStatus.Name:
		return f.RobotStatusBits, true
	case bitfield.AnalogIOTypes.Name:
		return f.AnalogIOTypes, true
	case bitfield.ToolAnalogInputTypes.Name:
		return f.ToolAnalogInputTypes, true
	}
	return 0, false
}

// Clone returns a deep copy of f.
func (f *Frame) Clone() *Frame {
	c := *f
	c.JointPositions = append([]float64(nil), f.JointPositions...)
	c.JointVelocities = append([]float64(nil), f.JointVelocities...)
	c.JointEfforts = append([]float64(nil), f.JointEfforts...)
	return &c
}

// Runtime states reported in Frame.RuntimeState.
const (
	RuntimeStopping uint32 = iota
	RuntimeStopped
	RuntimePlaying
	RuntimePausing
	RuntimePaused
	RuntimeResuming
)
