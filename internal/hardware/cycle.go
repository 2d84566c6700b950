package hardware

import (
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/motion.bridge/internal/asynccmd"
	"github.com/banshee-data/motion.bridge/internal/modeswitch"
	"github.com/banshee-data/motion.bridge/internal/slots"
	"github.com/banshee-data/motion.bridge/internal/transport"
)

// Read drains supervisory results and pulls the newest telemetry frame into
// the state slots. Without a fresh frame the previous values are kept and
// PacketRead reports false. Transport timeouts are not errors.
func (b *Bridge) Read(now time.Time, period time.Duration) error {
	if !b.active.Load() {
		return ErrNotActive
	}
	b.async.Drain(b.applyResult)

	var timeout time.Duration
	if !b.params.NonBlockingRead {
		timeout = period
	}
	f, err := b.transport.PollTelemetry(timeout)
	if err != nil {
		if !errors.Is(err, transport.ErrNoFrame) && !b.pollFail {
			logf("telemetry poll failed: %v", err)
			b.pollFail = true
		}
		b.packetRead = false
		b.observe(false)
		return nil
	}
	b.pollFail = false

	b.applyFrame(f)
	if !b.seeded {
		// Hold the current pose until the first command arrives.
		b.prevPos = b.state.position.Values(b.prevPos)
		sanitise(b.prevPos)
		b.seeded = true
	}
	b.packetRead = true
	b.observe(true)
	return nil
}

// PacketRead reports whether the last Read consumed a fresh frame.
func (b *Bridge) PacketRead() bool { return b.packetRead }

func (b *Bridge) observe(fresh bool) {
	if b.opts.Health != nil {
		b.opts.Health.Observe(fresh)
	}
}

func (b *Bridge) applyResult(rec asynccmd.Record, ok bool) {
	if rec < 0 || rec >= asynccmd.NumRecords {
		return
	}
	if ok {
		b.command.success[rec].Store(1)
	} else {
		b.command.success[rec].Store(0)
	}
}

func (b *Bridge) applyFrame(f *transport.Frame) {
	s := &b.state
	s.position.Set(f.JointPositions)
	s.velocity.Set(f.JointVelocities)
	s.effort.Set(f.JointEfforts)

	wrench := toolWrench(f.TCPForce, f.TCPPose)
	for _, w := range s.wrench {
		w.cell.Store(wrench[w.index])
	}

	s.toolAnalogInput.Set(f.ToolAnalogInput[:])
	s.standardAnalogInput.Set(f.StandardAnalogInput[:])
	s.standardAnalogOutput.Set(f.StandardAnalogOutput[:])
	s.toolOutputVoltage.Store(f.ToolOutputVoltage)
	s.robotMode.Store(float64(f.RobotMode))
	s.safetyMode.Store(float64(f.SafetyMode))
	s.toolMode.Store(float64(f.ToolMode))
	s.toolOutputCurrent.Store(f.ToolOutputCurrent)
	s.toolTemperature.Store(f.ToolTemperature)

	b.decoder.Decode(f.Bits)

	s.speedScaling.Store(f.SpeedScaling * f.TargetSpeedFraction * b.pausing.Multiplier())
}

// toolWrench rotates a base-frame wrench into the tool frame. The last
// three pose components are the tool orientation as a rotation vector.
func toolWrench(wrench, pose [6]float64) [6]float64 {
	rv := r3.Vec{X: pose[3], Y: pose[4], Z: pose[5]}
	angle := r3.Norm(rv)
	if angle == 0 || math.IsNaN(angle) {
		return wrench
	}
	inv := r3.NewRotation(-angle, r3.Scale(1/angle, rv))
	force := inv.Rotate(r3.Vec{X: wrench[0], Y: wrench[1], Z: wrench[2]})
	torque := inv.Rotate(r3.Vec{X: wrench[3], Y: wrench[4], Z: wrench[5]})
	return [6]float64{force.X, force.Y, force.Z, torque.X, torque.Y, torque.Z}
}

// Write steps the pausing ramp, submits changed supervisory commands and
// hands one motion command to the transport. The command never contains
// NaN: in position mode joints without a command hold their previous value,
// in velocity mode they command zero.
func (b *Bridge) Write(now time.Time, period time.Duration) error {
	if !b.active.Load() {
		return ErrNotActive
	}
	mult := b.pausing.Step()
	b.status.publish(b.pausing, b.negotiator.Active())
	b.submitAsync()

	cmd := b.buildCommand(mult)
	if err := b.transport.SendCommand(cmd); err != nil {
		if !b.sendFail {
			logf("command send failed: %v", err)
			b.sendFail = true
		}
		return nil
	}
	b.sendFail = false

	switch cmd.Mode {
	case transport.ModeServoJ:
		copy(b.prevPos, cmd.Values)
	case transport.ModeSpeedJ:
		copy(b.prevVel, cmd.Values)
	}
	return nil
}

func (b *Bridge) buildCommand(mult float64) transport.Command {
	idle := transport.Command{Mode: transport.ModeIdle}
	if !b.seeded || !b.programRunning.Load() {
		return idle
	}

	var cmd transport.Command
	switch b.negotiator.Active() {
	case modeswitch.Position:
		b.cmdBuf = b.command.position.Values(b.cmdBuf)
		for i, v := range b.cmdBuf {
			if slots.IsNoCommand(v) {
				b.cmdBuf[i] = b.prevPos[i]
			}
		}
		cmd.Mode = transport.ModeServoJ
	case modeswitch.Velocity:
		b.cmdBuf = b.command.velocity.Values(b.cmdBuf)
		for i, v := range b.cmdBuf {
			if slots.IsNoCommand(v) {
				v = 0
			}
			b.cmdBuf[i] = v * mult
		}
		cmd.Mode = transport.ModeSpeedJ
	default:
		return idle
	}

	for _, v := range b.cmdBuf {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			if !b.sendFail {
				logf("refusing non-finite %s command %v", cmd.Mode, b.cmdBuf)
			}
			return idle
		}
	}
	cmd.Values = b.cmdBuf
	return cmd
}

// submitAsync queues every supervisory command the control loop wrote since
// the last cycle and marks its record pending. Consumed slots go back to
// "no command".
func (b *Bridge) submitAsync() {
	c := &b.command
	for i, cell := range c.digitalOut {
		if v := cell.Swap(slots.NoCommand); !slots.IsNoCommand(v) {
			state := 0.0
			if v != 0 {
				state = 1
			}
			b.submit(asynccmd.Request{Kind: asynccmd.DigitalOutput, Index: i, Value: state})
		}
	}
	for i, cell := range c.analogOut {
		if v := cell.Swap(slots.NoCommand); !slots.IsNoCommand(v) {
			b.submit(asynccmd.Request{Kind: asynccmd.AnalogOutput, Index: i, Value: v})
		}
	}
	if v := c.speedFraction.Swap(slots.NoCommand); !slots.IsNoCommand(v) {
		b.submit(asynccmd.Request{Kind: asynccmd.SpeedSlider, Value: v})
	}
	if v := c.resendProgram.Swap(slots.NoCommand); !slots.IsNoCommand(v) {
		b.submit(asynccmd.Request{Kind: asynccmd.ResendProgram})
	}

	// A payload needs the mass and all three centre of gravity components.
	mass := c.mass.Load()
	var cog [3]float64
	complete := !slots.IsNoCommand(mass)
	for i, cell := range c.cog {
		cog[i] = cell.Load()
		complete = complete && !slots.IsNoCommand(cog[i])
	}
	if complete {
		c.mass.Store(slots.NoCommand)
		c.cog.Fill(slots.NoCommand)
		b.submit(asynccmd.Request{Kind: asynccmd.Payload, Mass: mass, CenterOfGravity: cog})
	}
}

func (b *Bridge) submit(req asynccmd.Request) {
	b.command.success[req.Kind.Record()].Store(0)
	b.async.Submit(req)
}

// sanitise replaces non-finite values with zero.
func sanitise(v []float64) {
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			v[i] = 0
		}
	}
}
