package hardware

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/motion.bridge/internal/asynccmd"
	"github.com/banshee-data/motion.bridge/internal/config"
	"github.com/banshee-data/motion.bridge/internal/slots"
	"github.com/banshee-data/motion.bridge/internal/testutil"
	"github.com/banshee-data/motion.bridge/internal/transport/sim"
)

var start = []float64{0, -1.57, 1.57, -1.57, -1.57, 0}

type countingHealth struct {
	mu           sync.Mutex
	fresh, stale int
}

func (h *countingHealth) Observe(fresh bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fresh {
		h.fresh++
	} else {
		h.stale++
	}
}

type resultSink struct {
	mu      sync.Mutex
	results []asynccmd.Result
}

func (s *resultSink) AsyncCompleted(r asynccmd.Result) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
}

func (s *resultSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

type programLog struct {
	mu     sync.Mutex
	states []bool
}

func (p *programLog) ProgramStateChanged(running bool) {
	p.mu.Lock()
	p.states = append(p.states, running)
	p.mu.Unlock()
}

func (p *programLog) get() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.states...)
}

type fixture struct {
	bridge  *Bridge
	robot   *sim.Robot
	health  *countingHealth
	sink    *resultSink
	program *programLog
}

// newFixture builds an active bridge over a manually stepped simulator.
func newFixture(t *testing.T, mode string, extra map[string]string) *fixture {
	t.Helper()
	params := testutil.SimParams()
	params["control_mode"] = mode
	for k, v := range extra {
		params[k] = v
	}
	f := &fixture{
		robot: sim.New(sim.Config{
			Joints:           len(start),
			Manual:           true,
			StartRunning:     true,
			InitialPositions: start,
		}),
		health:  &countingHealth{},
		sink:    &resultSink{},
		program: &programLog{},
	}
	b, err := New(testutil.HardwareInfo(len(start), params), Options{
		Transport:    f.robot,
		Health:       f.health,
		Program:      f.program,
		AsyncSink:    f.sink,
		AsyncTimeout: time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, b.Activate(context.Background()))
	t.Cleanup(func() { b.Close() })
	f.bridge = b
	return f
}

// cycle steps the simulator, then runs one read and one write.
func (f *fixture) cycle(t *testing.T) {
	t.Helper()
	f.robot.Step()
	require.NoError(t, f.bridge.Read(time.Now(), 2*time.Millisecond))
	require.NoError(t, f.bridge.Write(time.Now(), 2*time.Millisecond))
}

func (f *fixture) command(t *testing.T, group, key string) *slots.Cell {
	t.Helper()
	c, ok := f.bridge.CommandSlot(group, key)
	require.True(t, ok, "command slot %s/%s", group, key)
	return c
}

func (f *fixture) state(t *testing.T, group, key string) *slots.Cell {
	t.Helper()
	c, ok := f.bridge.StateSlot(group, key)
	require.True(t, ok, "state slot %s/%s", group, key)
	return c
}

func TestNew_ContractErrors(t *testing.T) {
	info := testutil.HardwareInfo(6, testutil.SimParams())
	info.Joints[1].CommandInterfaces = []string{"position"}
	info.Joints[4].StateInterfaces = []string{"position", "velocity", "current"}

	_, err := New(info, Options{})
	require.Error(t, err)
	var ce *ContractError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "shoulder_lift_joint", ce.Joint)
	assert.Contains(t, err.Error(), `joint "wrist_2_joint": missing state interface "effort"`)
}

func TestNew_InterfaceOrderIgnored(t *testing.T) {
	info := testutil.HardwareInfo(2, testutil.SimParams())
	info.Joints[0].StateInterfaces = []string{"effort", "position", "velocity"}
	info.Joints[1].CommandInterfaces = []string{"velocity", "velocity"}

	_, err := New(info, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate command interface")
	assert.NotContains(t, err.Error(), "joint_1")
}

func TestNew_ConfigurationErrors(t *testing.T) {
	params := testutil.SimParams()
	delete(params, "servoj_gain")
	params["control_mode"] = "torque"

	_, err := New(testutil.HardwareInfo(6, params), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrMissingParam)
	assert.ErrorIs(t, err, config.ErrInvalidParam)
}

func TestNew_SelectsSimTransport(t *testing.T) {
	b, err := New(testutil.HardwareInfo(6, testutil.SimParams()), Options{})
	require.NoError(t, err)
	defer b.Close()
	_, ok := b.Transport().(*sim.Robot)
	assert.True(t, ok)
	assert.Equal(t, testutil.URJoints, b.Joints())
}

func TestNew_NetworkTransportNeedsFiles(t *testing.T) {
	params := testutil.SimParams()
	params["transport"] = "network"
	params["robot_ip"] = "192.168.56.101"
	params["reverse_port"] = "50001"
	params["script_sender_port"] = "50002"
	params["script_filename"] = "/nonexistent/prog.script"
	params["output_recipe_filename"] = "/nonexistent/out.txt"
	params["input_recipe_filename"] = "/nonexistent/in.txt"

	_, err := New(testutil.HardwareInfo(6, params), Options{})
	assert.Error(t, err)
}

func TestExports(t *testing.T) {
	f := newFixture(t, "position", nil)
	b := f.bridge

	state := b.ExportStateSlots()
	command := b.ExportCommandSlots()

	// 6 joints x 3, scaling, 6 wrench, 18+18+11+4+4+2 bits, 2+2+2 analog,
	// 6 tool/mode scalars, initialized.
	assert.Len(t, state, 18+1+6+57+6+6+1)
	// 6 joints x 2, 18 digital, 2 analog, io success, fraction + success,
	// resend + success, mass + cog x3 + success.
	assert.Len(t, command, 12+18+2+1+2+2+5)

	names := make(map[string]bool)
	for _, s := range append(state, command...) {
		names[s.Name()] = true
	}
	for _, want := range []string{
		"shoulder_pan_joint/position",
		"wrist_3_joint/effort",
		"speed_scaling/speed_scaling_factor",
		"tcp_fts_sensor/torque.z",
		"gpio/digital_input_17",
		"gpio/safety_status_bit_10",
		"gpio/tool_analog_input_type_1",
		"gpio/standard_digital_output_cmd_17",
		"gpio/io_async_success",
		"speed_scaling/target_speed_fraction_async_success",
		"resend_robot_program/resend_robot_program_cmd",
		"payload/cog.z",
		"system_interface/initialized",
	} {
		assert.True(t, names[want], "missing slot %s", want)
	}

	// The same cells survive a deactivate/activate cycle.
	first := state[0].Cell
	require.NoError(t, b.Deactivate())
	require.NoError(t, b.Activate(context.Background()))
	assert.Same(t, first, b.ExportStateSlots()[0].Cell)
}

func TestActivate_ResetsCommands(t *testing.T) {
	f := newFixture(t, "position", nil)
	for _, s := range f.bridge.ExportCommandSlots() {
		v := s.Cell.Load()
		if strings.HasSuffix(s.Key, "async_success") {
			assert.Equal(t, 0.0, v, s.Name())
		} else {
			assert.True(t, math.IsNaN(v), "%s = %g", s.Name(), v)
		}
	}
	assert.Equal(t, 1.0, f.state(t, "system_interface", "initialized").Load())
	assert.Equal(t, []bool{true}, f.program.get())
}

func TestDeactivate_Barrier(t *testing.T) {
	f := newFixture(t, "position", nil)
	b := f.bridge

	require.NoError(t, b.Deactivate())
	require.NoError(t, b.Deactivate())
	assert.False(t, b.Active())
	assert.Equal(t, 0.0, f.state(t, "system_interface", "initialized").Load())

	sent := f.robot.Snapshot().CommandsSent
	assert.ErrorIs(t, b.Read(time.Now(), time.Millisecond), ErrNotActive)
	assert.ErrorIs(t, b.Write(time.Now(), time.Millisecond), ErrNotActive)
	assert.Equal(t, sent, f.robot.Snapshot().CommandsSent)

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Activate(context.Background()), ErrClosed)
	assert.Empty(t, b.ExportStateSlots())
}

// stuckRobot never acknowledges supervisory requests.
type stuckRobot struct {
	*sim.Robot
	started chan struct{}
}

func (r *stuckRobot) Execute(ctx context.Context, req asynccmd.Request) error {
	close(r.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestDeactivate_AbandonsInFlight(t *testing.T) {
	robot := &stuckRobot{
		Robot:   sim.New(sim.Config{Joints: 6, Manual: true, StartRunning: true}),
		started: make(chan struct{}),
	}
	sink := &resultSink{}
	b, err := New(testutil.HardwareInfo(6, testutil.SimParams()), Options{
		Transport:    robot,
		AsyncSink:    sink,
		AsyncTimeout: time.Minute,
	})
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Activate(context.Background()))

	cell, _ := b.CommandSlot("gpio", "standard_digital_output_cmd_0")
	cell.Store(1)
	require.NoError(t, b.Write(time.Now(), time.Millisecond))
	<-robot.started

	done := make(chan error, 1)
	go func() { done <- b.Deactivate() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Deactivate blocked on an in-flight request")
	}
	success, _ := b.CommandSlot("gpio", "io_async_success")
	assert.Equal(t, 0.0, success.Load())
	assert.Equal(t, 0, sink.Len())
}

func TestActivate_ConnectFailure(t *testing.T) {
	robot := sim.New(sim.Config{Joints: 6, Manual: true})
	require.NoError(t, robot.Connect(context.Background(), nil))

	b, err := New(testutil.HardwareInfo(6, testutil.SimParams()), Options{Transport: robot})
	require.NoError(t, err)
	assert.Error(t, b.Activate(context.Background()))
	assert.False(t, b.Active())
	require.NoError(t, b.Deactivate())
}
