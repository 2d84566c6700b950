// Package hardware is the cyclic bridge between a fixed-period control loop
// and a robot controller. The control loop reads and writes scalar slots;
// the bridge turns them into streamed commands and supervisory requests
// and fills state slots from telemetry.
package hardware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/motion.bridge/internal/asynccmd"
	"github.com/banshee-data/motion.bridge/internal/bitfield"
	"github.com/banshee-data/motion.bridge/internal/config"
	"github.com/banshee-data/motion.bridge/internal/modeswitch"
	"github.com/banshee-data/motion.bridge/internal/monitoring"
	"github.com/banshee-data/motion.bridge/internal/pausing"
	"github.com/banshee-data/motion.bridge/internal/slots"
	"github.com/banshee-data/motion.bridge/internal/timeutil"
	"github.com/banshee-data/motion.bridge/internal/transport"
)

var logf = monitoring.Tagged("Bridge")

var (
	// ErrNotActive is returned by cyclic calls outside an activation.
	ErrNotActive = errors.New("bridge not active")
	// ErrClosed is returned by Activate after Close.
	ErrClosed = errors.New("bridge closed")
)

// HealthObserver is told after every read whether a fresh frame arrived.
type HealthObserver interface {
	Observe(fresh bool)
}

// ProgramObserver is told about program start and stop edges.
type ProgramObserver interface {
	ProgramStateChanged(running bool)
}

// Options configures a Bridge. All fields are optional.
type Options struct {
	// Transport overrides the transport selected by the "transport"
	// parameter.
	Transport transport.Transport
	Clock     timeutil.Clock
	Health    HealthObserver
	Program   ProgramObserver
	// AsyncSink observes completed supervisory requests.
	AsyncSink    asynccmd.Sink
	AsyncTimeout time.Duration
}

// Bridge owns the slots, the transport and the async worker for one robot.
// Read, Write, PrepareSwitch and PerformSwitch are called from the cyclic
// thread only.
type Bridge struct {
	info      *config.HardwareInfo
	params    *config.Params
	joints    []string
	opts      Options
	clock     timeutil.Clock
	transport transport.Transport

	reg     *slots.Registry
	state   stateSlots
	command commandSlots
	decoder *bitfield.Decoder

	// Cyclic thread state.
	pausing    *pausing.Machine
	negotiator *modeswitch.Negotiator
	async      *asynccmd.Channel
	prevPos    []float64
	prevVel    []float64
	cmdBuf     []float64
	seeded     bool
	packetRead bool
	pollFail   bool
	sendFail   bool

	programRunning atomic.Bool
	active         atomic.Bool
	status         status

	mu         sync.Mutex // serialises Activate, Deactivate and Close
	closed     bool
	stopWorker context.CancelFunc
	workerDone chan struct{}
}

// New validates the hardware description, parses its parameters and
// registers every slot. Nothing is connected until Activate.
func New(info *config.HardwareInfo, opts Options) (*Bridge, error) {
	if err := checkContract(info); err != nil {
		return nil, fmt.Errorf("interface contract: %w", err)
	}
	params, err := config.ParseParams(info.Parameters)
	if err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}

	b := &Bridge{
		info:    info,
		params:  params,
		joints:  info.JointNames(),
		opts:    opts,
		clock:   opts.Clock,
		reg:     slots.NewRegistry(),
		decoder: bitfield.NewDecoder(),
	}
	if err := b.registerSlots(); err != nil {
		return nil, err
	}
	b.reg.Freeze()

	b.transport = opts.Transport
	if b.transport == nil {
		if b.transport, err = NewTransport(params, len(b.joints), b.clock); err != nil {
			return nil, err
		}
	}

	n := len(b.joints)
	b.prevPos = make([]float64, n)
	b.prevVel = make([]float64, n)
	b.cmdBuf = make([]float64, n)
	b.pausing = pausing.New(params.PausingRampUpIncrement)
	b.negotiator = modeswitch.New(b.joints, params.ControlMode)
	b.status.publish(b.pausing, b.negotiator.Active())
	return b, nil
}

// Params returns the parsed activation parameters.
func (b *Bridge) Params() *config.Params { return b.params }

// Joints returns the joint names in slot order.
func (b *Bridge) Joints() []string { return append([]string(nil), b.joints...) }

// Transport returns the transport the bridge drives.
func (b *Bridge) Transport() transport.Transport { return b.transport }

// Activate resets command state, starts the async worker and connects the
// transport. On error nothing is left running.
func (b *Bridge) Activate(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.active.Load() {
		return nil
	}

	b.resetCommands()
	b.state.initialized.Store(0)
	clear(b.prevPos)
	clear(b.prevVel)
	b.seeded = false
	b.packetRead = false
	b.pollFail, b.sendFail = false, false
	b.programRunning.Store(false)
	b.pausing = pausing.New(b.params.PausingRampUpIncrement)
	b.negotiator = modeswitch.New(b.joints, b.params.ControlMode)
	b.status.publish(b.pausing, b.negotiator.Active())
	b.async = asynccmd.New(b.transport, asynccmd.Options{
		Timeout: b.opts.AsyncTimeout,
		Sink:    b.opts.AsyncSink,
		Clock:   b.clock,
	})

	if err := b.transport.Connect(ctx, b.handleProgramState); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.stopWorker, b.workerDone = cancel, done
	go func() {
		defer close(done)
		b.async.Run(workerCtx)
	}()

	b.active.Store(true)
	b.state.initialized.Store(1)
	logf("activated %s: %d joints, %s control, transport %s",
		b.info.Name, len(b.joints), b.negotiator.Active(), b.params.Transport)
	return nil
}

// Deactivate stops the async worker, abandoning any in-flight request, and
// disconnects the transport. No transport activity happens after it
// returns. It is safe to call more than once.
func (b *Bridge) Deactivate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deactivateLocked()
}

func (b *Bridge) deactivateLocked() error {
	if !b.active.Swap(false) {
		return nil
	}
	b.state.initialized.Store(0)
	b.stopWorker()
	<-b.workerDone
	err := b.transport.Disconnect()
	b.programRunning.Store(false)
	if pending := b.async.Pending(); pending > 0 {
		logf("deactivated with %d supervisory requests abandoned", pending)
	} else {
		logf("deactivated")
	}
	return err
}

// Close deactivates the bridge and releases its slots. Slot references
// obtained from the export calls are invalid afterwards.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	err := b.deactivateLocked()
	b.closed = true
	b.reg.Release()
	return err
}

// Active reports whether the bridge is between Activate and Deactivate.
func (b *Bridge) Active() bool { return b.active.Load() }

// resetCommands puts every command slot back to "no command" and every
// success flag to pending.
func (b *Bridge) resetCommands() {
	c := &b.command
	c.position.Fill(slots.NoCommand)
	c.velocity.Fill(slots.NoCommand)
	c.digitalOut.Fill(slots.NoCommand)
	c.analogOut.Fill(slots.NoCommand)
	c.speedFraction.Store(slots.NoCommand)
	c.resendProgram.Store(slots.NoCommand)
	c.mass.Store(slots.NoCommand)
	c.cog.Fill(slots.NoCommand)
	for _, s := range c.success {
		s.Store(0)
	}
}

// handleProgramState runs on the transport's goroutine. Only edges are
// forwarded.
func (b *Bridge) handleProgramState(running bool) {
	if b.programRunning.Swap(running) == running {
		return
	}
	if running {
		logf("robot program running")
		b.pausing.Push(pausing.ProgramResumed)
	} else {
		logf("robot program stopped")
		b.pausing.Push(pausing.ProgramStopped)
	}
	if b.opts.Program != nil {
		b.opts.Program.ProgramStateChanged(running)
	}
}

// ProgramRunning reports the last program state the robot sent.
func (b *Bridge) ProgramRunning() bool { return b.programRunning.Load() }
