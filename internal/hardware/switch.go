package hardware

import (
	"github.com/banshee-data/motion.bridge/internal/modeswitch"
	"github.com/banshee-data/motion.bridge/internal/slots"
)

// PrepareSwitch validates a command mode switch. start and stop hold
// "<joint>/<interface>" names; names that are not joint interfaces are
// ignored. A rejected switch leaves nothing pending.
func (b *Bridge) PrepareSwitch(start, stop []string) error {
	if err := b.negotiator.Prepare(start, stop); err != nil {
		logf("rejected mode switch (start %v, stop %v): %v", start, stop, err)
		return err
	}
	return nil
}

// PerformSwitch commits the prepared switch. Position commands are seeded
// from the measured joint positions so the arm does not jump, and velocity
// commands are zeroed. Before the first frame there is nothing measured, so
// position commands are left at "no command" and the first Read seeds the
// held pose.
func (b *Bridge) PerformSwitch() (modeswitch.Transition, error) {
	t, err := b.negotiator.Commit()
	if err != nil {
		return t, err
	}
	switch {
	case t.Stop != modeswitch.Position && t.Start != modeswitch.Position:
	case !b.seeded:
		b.command.position.Fill(slots.NoCommand)
	default:
		b.prevPos = b.state.position.Values(b.prevPos)
		sanitise(b.prevPos)
		b.command.position.Set(b.prevPos)
	}
	if t.Stop == modeswitch.Velocity || t.Start == modeswitch.Velocity {
		clear(b.prevVel)
		b.command.velocity.Fill(0)
	}
	b.status.publish(b.pausing, t.Active)
	if t.Start != modeswitch.None || t.Stop != modeswitch.None {
		logf("control mode now %s", t.Active)
	}
	return t, nil
}

// ControlMode returns the active control mode.
func (b *Bridge) ControlMode() modeswitch.Mode { return b.negotiator.Active() }
