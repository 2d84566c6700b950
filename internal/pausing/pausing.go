// Package pausing tracks whether the robot program is running and produces
// the speed multiplier applied to motion commands. After a resume the
// multiplier ramps back to 1.0 over several cycles instead of jumping.
package pausing

import (
	"fmt"
	"math"
)

// State of the program as seen by the bridge.
type State int

const (
	Paused State = iota
	Running
	RampUp
)

func (s State) String() string {
	switch s {
	case Paused:
		return "paused"
	case Running:
		return "running"
	case RampUp:
		return "ramp_up"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event is a program-state edge reported by the robot.
type Event int

const (
	ProgramStopped Event = iota
	ProgramResumed
)

func (e Event) String() string {
	if e == ProgramResumed {
		return "program_resumed"
	}
	return "program_stopped"
}

// DefaultIncrement is the per-cycle ramp step.
const DefaultIncrement = 0.01

const eventBuffer = 16

// Machine is the pausing state machine. Push may be called from any
// goroutine; Step, State and Multiplier belong to the cyclic thread.
type Machine struct {
	events    chan Event
	state     State
	mult      float64
	increment float64
}

// New returns a machine in the Paused state. A non-positive increment
// selects DefaultIncrement; values above 1 are clamped.
func New(increment float64) *Machine {
	if increment <= 0 || math.IsNaN(increment) {
		increment = DefaultIncrement
	}
	return &Machine{
		events:    make(chan Event, eventBuffer),
		state:     Paused,
		increment: math.Min(increment, 1),
	}
}

// Push queues an edge without blocking. If the queue is full the oldest
// edge is dropped.
func (m *Machine) Push(e Event) {
	for {
		select {
		case m.events <- e:
			return
		default:
		}
		select {
		case <-m.events:
		default:
		}
	}
}

// Step applies queued edges, then advances the ramp by one cycle. It returns
// the multiplier to use for this cycle.
func (m *Machine) Step() float64 {
drain:
	for {
		select {
		case e := <-m.events:
			m.apply(e)
		default:
			break drain
		}
	}

	if m.state == RampUp {
		m.mult = math.Min(m.mult+m.increment, 1)
		if m.mult >= 1 {
			m.state = Running
		}
	}
	return m.mult
}

func (m *Machine) apply(e Event) {
	switch e {
	case ProgramStopped:
		if m.state != Paused {
			m.state = Paused
			m.mult = 0
		}
	case ProgramResumed:
		if m.state == Paused {
			m.state = RampUp
		}
	}
}

func (m *Machine) State() State { return m.state }

func (m *Machine) Multiplier() float64 { return m.mult }

// Increment returns the per-cycle ramp step.
func (m *Machine) Increment() float64 { return m.increment }
