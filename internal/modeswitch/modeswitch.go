// Package modeswitch validates and commits switches between position and
// velocity control. A switch always covers every joint or none of them.
package modeswitch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPartialSwitch is returned when a start or stop set does not name
	// every joint exactly once.
	ErrPartialSwitch = errors.New("mode switch must cover all joints")
	// ErrMixedSwitch is returned when a start or stop set mixes position and
	// velocity interfaces.
	ErrMixedSwitch = errors.New("mode switch mixes interface types")
	// ErrNotPrepared is returned by Commit without a successful Prepare.
	ErrNotPrepared = errors.New("mode switch not prepared")
)

// Mode is the active command interface type.
type Mode int

const (
	None Mode = iota
	Position
	Velocity
)

func (m Mode) String() string {
	switch m {
	case Position:
		return "position"
	case Velocity:
		return "velocity"
	default:
		return "none"
	}
}

// ParseMode accepts "position", "velocity" or "none" (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "position":
		return Position, nil
	case "velocity":
		return Velocity, nil
	case "none", "":
		return None, nil
	}
	return None, fmt.Errorf("unknown control mode %q", s)
}

// Transition describes a committed switch. Stop and Start are None when the
// corresponding set was empty.
type Transition struct {
	Stop   Mode
	Start  Mode
	Active Mode
}

type plan struct {
	start Mode
	stop  Mode
}

// Negotiator runs the prepare/commit protocol for one set of joints. It is
// used from the cyclic thread only.
type Negotiator struct {
	joints  map[string]bool
	count   int
	active  Mode
	pending *plan
}

// New returns a negotiator for joints with initial as the active mode.
func New(joints []string, initial Mode) *Negotiator {
	n := &Negotiator{joints: make(map[string]bool, len(joints)), count: len(joints), active: initial}
	for _, j := range joints {
		n.joints[j] = true
	}
	return n
}

// Active returns the committed mode.
func (n *Negotiator) Active() Mode { return n.active }

// Prepare validates a switch. Names that are not "<joint>/position" or
// "<joint>/velocity" for a known joint are ignored. On error no plan is
// pending and the active mode is unchanged.
func (n *Negotiator) Prepare(start, stop []string) error {
	n.pending = nil

	startMode, err := n.classify(start)
	if err != nil {
		return fmt.Errorf("start interfaces: %w", err)
	}
	stopMode, err := n.classify(stop)
	if err != nil {
		return fmt.Errorf("stop interfaces: %w", err)
	}
	n.pending = &plan{start: startMode, stop: stopMode}
	return nil
}

func (n *Negotiator) classify(names []string) (Mode, error) {
	mode := None
	seen := make(map[string]bool, n.count)
	for _, name := range names {
		joint, iface, ok := strings.Cut(name, "/")
		if !ok || !n.joints[joint] {
			continue
		}
		var m Mode
		switch iface {
		case "position":
			m = Position
		case "velocity":
			m = Velocity
		default:
			continue
		}
		if mode != None && m != mode {
			return None, ErrMixedSwitch
		}
		mode = m
		if seen[joint] {
			return None, fmt.Errorf("%w: %s listed twice", ErrPartialSwitch, joint)
		}
		seen[joint] = true
	}
	if len(seen) != 0 && len(seen) != n.count {
		return None, fmt.Errorf("%w: got %d of %d", ErrPartialSwitch, len(seen), n.count)
	}
	return mode, nil
}

// Commit applies the prepared plan and clears it.
func (n *Negotiator) Commit() (Transition, error) {
	if n.pending == nil {
		return Transition{Active: n.active}, ErrNotPrepared
	}
	p := *n.pending
	n.pending = nil

	if p.stop != None && p.stop == n.active {
		n.active = None
	}
	if p.start != None {
		n.active = p.start
	}
	return Transition{Stop: p.stop, Start: p.start, Active: n.active}, nil
}
