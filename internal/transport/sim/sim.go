// Package sim is an in-process robot controller that follows the commands it
// receives. It backs development runs and end-to-end tests.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/motion.bridge/internal/asynccmd"
	"github.com/banshee-data/motion.bridge/internal/monitoring"
	"github.com/banshee-data/motion.bridge/internal/timeutil"
	"github.com/banshee-data/motion.bridge/internal/transport"
)

var logf = monitoring.Tagged("Sim")

// Robot mode and safety mode values reported while the simulation runs.
const (
	robotModeRunning  = 7
	safetyModeNormal  = 1
	defaultPeriod     = 2 * time.Millisecond
	digitalOutputPins = 18
)

// Config configures the simulated robot.
type Config struct {
	Joints int
	Clock  timeutil.Clock
	// Period is the integration step. Defaults to 2ms.
	Period time.Duration
	// Gain is the fraction of the position error closed per step in servoj
	// mode, in (0,1]. Defaults to 1 (exact echo).
	Gain float64
	// StartRunning reports the program as running on Connect.
	StartRunning bool
	// Manual disables the internal ticker; the caller drives Step.
	Manual bool
	// InitialPositions seeds the joint positions.
	InitialPositions []float64
}

// Robot implements transport.Transport.
type Robot struct {
	cfg Config

	mu         sync.Mutex
	connected  bool
	handler    transport.ProgramStateHandler
	running    bool
	positions  []float64
	velocities []float64
	efforts    []float64
	last       transport.Command
	sent       int

	digitalOut uint32
	analogOut  [2]float64
	fraction   float64
	mass       float64
	cog        [3]float64
	force      [6]float64
	pose       [6]float64
	failures   map[asynccmd.Kind]error

	frames chan *transport.Frame
	cancel context.CancelFunc
	done   chan struct{}
}

var _ transport.Transport = (*Robot)(nil)

// New returns a disconnected simulated robot.
func New(cfg Config) *Robot {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Period <= 0 {
		cfg.Period = defaultPeriod
	}
	if cfg.Gain <= 0 || cfg.Gain > 1 {
		cfg.Gain = 1
	}
	r := &Robot{
		cfg:        cfg,
		positions:  make([]float64, cfg.Joints),
		velocities: make([]float64, cfg.Joints),
		efforts:    make([]float64, cfg.Joints),
		fraction:   1,
		failures:   make(map[asynccmd.Kind]error),
		frames:     make(chan *transport.Frame, 1),
	}
	copy(r.positions, cfg.InitialPositions)
	return r
}

// Connect starts the simulation.
func (r *Robot) Connect(ctx context.Context, handler transport.ProgramStateHandler) error {
	r.mu.Lock()
	if r.connected {
		r.mu.Unlock()
		return fmt.Errorf("sim: already connected")
	}
	r.connected = true
	r.handler = handler
	// A new connection starts from a fresh program with no motion command.
	r.last = transport.Command{Mode: transport.ModeIdle}
	r.running = r.cfg.StartRunning
	running := r.running
	r.publishLocked()
	r.mu.Unlock()

	if handler != nil {
		handler(running)
	}

	if !r.cfg.Manual {
		runCtx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		r.done = make(chan struct{})
		go r.loop(runCtx)
	}
	logf("connected with %d joints (running=%v)", r.cfg.Joints, running)
	return nil
}

func (r *Robot) loop(ctx context.Context) {
	defer close(r.done)
	ticker := r.cfg.Clock.NewTicker(r.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			r.Step()
		}
	}
}

// Step advances the simulation by one period and publishes a frame.
func (r *Robot) Step() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return
	}

	dt := r.cfg.Period.Seconds()
	for i := range r.positions {
		prev := r.positions[i]
		switch {
		case !r.running:
			r.velocities[i] = 0
		case r.last.Mode == transport.ModeServoJ && i < len(r.last.Values):
			r.positions[i] += r.cfg.Gain * (r.last.Values[i] - prev)
			r.velocities[i] = (r.positions[i] - prev) / dt
		case r.last.Mode == transport.ModeSpeedJ && i < len(r.last.Values):
			r.velocities[i] = r.last.Values[i]
			r.positions[i] += r.velocities[i] * dt
		default:
			r.velocities[i] = 0
		}
	}
	r.publishLocked()
}

func (r *Robot) publishLocked() {
	runtime := transport.RuntimePaused
	if r.running {
		runtime = transport.RuntimePlaying
	}
	f := &transport.Frame{
		Timestamp:            float64(r.cfg.Clock.Now().UnixNano()) / 1e9,
		JointPositions:       append([]float64(nil), r.positions...),
		JointVelocities:      append([]float64(nil), r.velocities...),
		JointEfforts:         append([]float64(nil), r.efforts...),
		TCPForce:             r.force,
		TCPPose:              r.pose,
		SpeedScaling:         1,
		TargetSpeedFraction:  r.fraction,
		RuntimeState:         runtime,
		RobotMode:            robotModeRunning,
		SafetyMode:           safetyModeNormal,
		StandardAnalogOutput: r.analogOut,
		DigitalOutputBits:    r.digitalOut,
	}
	// Latest frame wins.
	select {
	case <-r.frames:
	default:
	}
	r.frames <- f
}

// SendCommand records cmd for the next Step.
func (r *Robot) SendCommand(cmd transport.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return transport.ErrNotConnected
	}
	r.last = transport.Command{Mode: cmd.Mode, Values: append([]float64(nil), cmd.Values...)}
	r.sent++
	return nil
}

// PollTelemetry returns the newest frame, waiting at most timeout.
func (r *Robot) PollTelemetry(timeout time.Duration) (*transport.Frame, error) {
	select {
	case f := <-r.frames:
		return f, nil
	default:
	}
	if timeout <= 0 {
		return nil, transport.ErrNoFrame
	}
	timer := r.cfg.Clock.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-r.frames:
		return f, nil
	case <-timer.C():
		return nil, transport.ErrNoFrame
	}
}

// Execute applies a supervisory request immediately.
func (r *Robot) Execute(ctx context.Context, req asynccmd.Request) error {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return transport.ErrNotConnected
	}
	if err := r.failures[req.Kind]; err != nil {
		r.mu.Unlock()
		return err
	}

	resumed := false
	switch req.Kind {
	case asynccmd.DigitalOutput:
		if req.Index < 0 || req.Index >= digitalOutputPins {
			r.mu.Unlock()
			return fmt.Errorf("sim: digital output %d out of range", req.Index)
		}
		if req.Value != 0 {
			r.digitalOut |= 1 << uint(req.Index)
		} else {
			r.digitalOut &^= 1 << uint(req.Index)
		}
	case asynccmd.AnalogOutput:
		if req.Index < 0 || req.Index >= len(r.analogOut) {
			r.mu.Unlock()
			return fmt.Errorf("sim: analog output %d out of range", req.Index)
		}
		r.analogOut[req.Index] = req.Value
	case asynccmd.SpeedSlider:
		if req.Value < 0 || req.Value > 1 {
			r.mu.Unlock()
			return fmt.Errorf("sim: speed slider fraction %g outside [0,1]", req.Value)
		}
		r.fraction = req.Value
	case asynccmd.ResendProgram:
		resumed = !r.running
		r.running = true
	case asynccmd.Payload:
		r.mass = req.Mass
		r.cog = req.CenterOfGravity
	}
	handler := r.handler
	r.mu.Unlock()

	if resumed && handler != nil {
		handler(true)
	}
	return ctx.Err()
}

// Disconnect stops the simulation.
func (r *Robot) Disconnect() error {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return nil
	}
	r.connected = false
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	logf("disconnected")
	return nil
}

// SetPositions moves the joints directly, as hand-guiding the arm would. It
// works whether or not the simulation is connected.
func (r *Robot) SetPositions(p []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copy(r.positions, p)
}

// Pause stops the program as a protective stop would.
func (r *Robot) Pause() { r.setRunning(false) }

// Resume restarts the program.
func (r *Robot) Resume() { r.setRunning(true) }

func (r *Robot) setRunning(running bool) {
	r.mu.Lock()
	changed := r.running != running
	r.running = running
	handler := r.handler
	r.mu.Unlock()
	if changed && handler != nil {
		handler(running)
	}
}

// SetFailure makes Execute fail for kind with err; nil clears it.
func (r *Robot) SetFailure(kind asynccmd.Kind, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, kind)
		return
	}
	r.failures[kind] = err
}

// SetWrench sets the force/torque reported in the base frame.
func (r *Robot) SetWrench(w [6]float64) {
	r.mu.Lock()
	r.force = w
	r.mu.Unlock()
}

// SetTCPPose sets the reported tool pose.
func (r *Robot) SetTCPPose(p [6]float64) {
	r.mu.Lock()
	r.pose = p
	r.mu.Unlock()
}

// State is a snapshot of the simulated controller for tests and debugging.
type State struct {
	Running         bool
	Positions       []float64
	LastCommand     transport.Command
	CommandsSent    int
	DigitalOutputs  uint32
	AnalogOutputs   [2]float64
	SpeedFraction   float64
	Mass            float64
	CenterOfGravity [3]float64
}

// Snapshot returns the current simulated state.
func (r *Robot) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return State{
		Running:         r.running,
		Positions:       append([]float64(nil), r.positions...),
		LastCommand:     transport.Command{Mode: r.last.Mode, Values: append([]float64(nil), r.last.Values...)},
		CommandsSent:    r.sent,
		DigitalOutputs:  r.digitalOut,
		AnalogOutputs:   r.analogOut,
		SpeedFraction:   r.fraction,
		Mass:            r.mass,
		CenterOfGravity: r.cog,
	}
}
