package hardware

import (
	"fmt"
	"math"

	"github.com/banshee-data/motion.bridge/internal/asynccmd"
	"github.com/banshee-data/motion.bridge/internal/bitfield"
	"github.com/banshee-data/motion.bridge/internal/slots"
)

// Slot groups.
const (
	groupGPIO            = "gpio"
	groupSpeedScaling    = "speed_scaling"
	groupResendProgram   = "resend_robot_program"
	groupPayload         = "payload"
	groupSystemInterface = "system_interface"
)

const (
	digitalOutputs = 18
	analogOutputs  = 2
)

// ftIndex maps force/torque sensor interfaces onto wrench components.
var ftIndex = map[string]int{
	"force.x":  0,
	"force.y":  1,
	"force.z":  2,
	"torque.x": 3,
	"torque.y": 4,
	"torque.z": 5,
}

type ftCell struct {
	index int
	cell  *slots.Cell
}

type stateSlots struct {
	position slots.Vector
	velocity slots.Vector
	effort   slots.Vector

	speedScaling *slots.Cell
	wrench       []ftCell

	toolAnalogInput      slots.Vector
	standardAnalogInput  slots.Vector
	standardAnalogOutput slots.Vector
	toolOutputVoltage    *slots.Cell
	robotMode            *slots.Cell
	safetyMode           *slots.Cell
	toolMode             *slots.Cell
	toolOutputCurrent    *slots.Cell
	toolTemperature      *slots.Cell

	initialized *slots.Cell
}

type commandSlots struct {
	position slots.Vector
	velocity slots.Vector

	digitalOut    slots.Vector
	analogOut     slots.Vector
	speedFraction *slots.Cell
	resendProgram *slots.Cell
	mass          *slots.Cell
	cog           slots.Vector

	success [asynccmd.NumRecords]*slots.Cell
}

// slotAdder collects the first registration error so the long list below
// reads straight through.
type slotAdder struct {
	reg *slots.Registry
	err error
}

func (a *slotAdder) state(group, key string, initial float64) *slots.Cell {
	if a.err != nil {
		return nil
	}
	c, err := a.reg.AddState(group, key, initial)
	a.err = err
	return c
}

func (a *slotAdder) command(group, key string) *slots.Cell {
	if a.err != nil {
		return nil
	}
	c, err := a.reg.AddCommand(group, key, slots.NoCommand)
	a.err = err
	return c
}

func (a *slotAdder) stateVector(group, format string, n int) slots.Vector {
	v := make(slots.Vector, n)
	for i := range v {
		v[i] = a.state(group, fmt.Sprintf(format, i), 0)
	}
	return v
}

func (a *slotAdder) commandVector(group, format string, n int) slots.Vector {
	v := make(slots.Vector, n)
	for i := range v {
		v[i] = a.command(group, fmt.Sprintf(format, i))
	}
	return v
}

func (b *Bridge) registerSlots() error {
	a := &slotAdder{reg: b.reg}
	s, c := &b.state, &b.command

	for _, j := range b.joints {
		s.position = append(s.position, a.state(j, "position", math.NaN()))
		s.velocity = append(s.velocity, a.state(j, "velocity", math.NaN()))
		s.effort = append(s.effort, a.state(j, "effort", math.NaN()))
	}
	s.speedScaling = a.state(groupSpeedScaling, "speed_scaling_factor", 0)

	for _, sensor := range b.info.Sensors {
		for _, iface := range sensor.StateInterfaces {
			cell := a.state(sensor.Name, iface, 0)
			if i, ok := ftIndex[iface]; ok {
				s.wrench = append(s.wrench, ftCell{index: i, cell: cell})
			}
		}
	}

	bits := map[bitfield.Field]slots.Vector{
		bitfield.DigitalOutputs:       a.stateVector(groupGPIO, "digital_output_%d", bitfield.DigitalOutputs.Width),
		bitfield.DigitalInputs:        a.stateVector(groupGPIO, "digital_input_%d", bitfield.DigitalInputs.Width),
		bitfield.SafetyStatus:         a.stateVector(groupGPIO, "safety_status_bit_%d", bitfield.SafetyStatus.Width),
		bitfield.AnalogIOTypes:        a.stateVector(groupGPIO, "analog_io_type_%d", bitfield.AnalogIOTypes.Width),
		bitfield.RobotStatus:          a.stateVector(groupGPIO, "robot_status_bit_%d", bitfield.RobotStatus.Width),
		bitfield.ToolAnalogInputTypes: a.stateVector(groupGPIO, "tool_analog_input_type_%d", bitfield.ToolAnalogInputTypes.Width),
	}
	s.toolAnalogInput = a.stateVector(groupGPIO, "tool_analog_input_%d", 2)
	s.standardAnalogInput = a.stateVector(groupGPIO, "standard_analog_input_%d", 2)
	s.standardAnalogOutput = a.stateVector(groupGPIO, "standard_analog_output_%d", 2)
	s.toolOutputVoltage = a.state(groupGPIO, "tool_output_voltage", 0)
	s.robotMode = a.state(groupGPIO, "robot_mode", 0)
	s.safetyMode = a.state(groupGPIO, "safety_mode", 0)
	s.toolMode = a.state(groupGPIO, "tool_mode", 0)
	s.toolOutputCurrent = a.state(groupGPIO, "tool_output_current", 0)
	s.toolTemperature = a.state(groupGPIO, "tool_temperature", 0)
	s.initialized = a.state(groupSystemInterface, "initialized", 0)

	for _, j := range b.joints {
		c.position = append(c.position, a.command(j, "position"))
		c.velocity = append(c.velocity, a.command(j, "velocity"))
	}
	c.digitalOut = a.commandVector(groupGPIO, "standard_digital_output_cmd_%d", digitalOutputs)
	c.analogOut = a.commandVector(groupGPIO, "standard_analog_output_cmd_%d", analogOutputs)
	c.success[asynccmd.RecordIO] = a.command(groupGPIO, "io_async_success")
	c.speedFraction = a.command(groupSpeedScaling, "target_speed_fraction_cmd")
	c.success[asynccmd.RecordSpeedScaling] = a.command(groupSpeedScaling, "target_speed_fraction_async_success")
	c.resendProgram = a.command(groupResendProgram, "resend_robot_program_cmd")
	c.success[asynccmd.RecordResendProgram] = a.command(groupResendProgram, "resend_robot_program_async_success")
	c.mass = a.command(groupPayload, "mass")
	c.cog = slots.Vector{
		a.command(groupPayload, "cog.x"),
		a.command(groupPayload, "cog.y"),
		a.command(groupPayload, "cog.z"),
	}
	c.success[asynccmd.RecordPayload] = a.command(groupPayload, "payload_async_success")

	if a.err != nil {
		return fmt.Errorf("register slots: %w", a.err)
	}

	for _, f := range bitfield.Fields {
		if err := b.decoder.Bind(f, bits[f]); err != nil {
			return fmt.Errorf("bind %s: %w", f.Name, err)
		}
	}
	return nil
}

// ExportStateSlots returns every state slot in registration order. The
// cells stay valid until Close.
func (b *Bridge) ExportStateSlots() []slots.Slot { return b.reg.ExportState() }

// ExportCommandSlots returns every command slot in registration order. The
// cells stay valid until Close.
func (b *Bridge) ExportCommandSlots() []slots.Slot { return b.reg.ExportCommand() }

// StateSlot looks up a state cell by group and key.
func (b *Bridge) StateSlot(group, key string) (*slots.Cell, bool) {
	return b.reg.State(group, key)
}

// CommandSlot looks up a command cell by group and key.
func (b *Bridge) CommandSlot(group, key string) (*slots.Cell, bool) {
	return b.reg.Command(group, key)
}
