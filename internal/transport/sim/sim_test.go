package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/motion.bridge/internal/asynccmd"
	"github.com/banshee-data/motion.bridge/internal/timeutil"
	"github.com/banshee-data/motion.bridge/internal/transport"
)

func connected(t *testing.T, cfg Config) (*Robot, *[]bool) {
	t.Helper()
	cfg.Manual = true
	r := New(cfg)
	var edges []bool
	require.NoError(t, r.Connect(context.Background(), func(running bool) { edges = append(edges, running) }))
	t.Cleanup(func() { r.Disconnect() })
	return r, &edges
}

func TestRobot_ServoJEcho(t *testing.T) {
	r, edges := connected(t, Config{Joints: 3, StartRunning: true})
	assert.Equal(t, []bool{true}, *edges)

	f, err := r.PollTelemetry(0)
	require.NoError(t, err, "Connect publishes an initial frame")
	assert.Equal(t, []float64{0, 0, 0}, f.JointPositions)

	require.NoError(t, r.SendCommand(transport.Command{Mode: transport.ModeServoJ, Values: []float64{0.1, 0.2, 0.3}}))
	r.Step()

	f, err = r.PollTelemetry(0)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.1, 0.2, 0.3}, f.JointPositions, 1e-12)
	assert.Equal(t, transport.RuntimePlaying, f.RuntimeState)

	_, err = r.PollTelemetry(0)
	assert.ErrorIs(t, err, transport.ErrNoFrame, "each frame is delivered once")
}

func TestRobot_GainConverges(t *testing.T) {
	r, _ := connected(t, Config{Joints: 1, StartRunning: true, Gain: 0.5})
	require.NoError(t, r.SendCommand(transport.Command{Mode: transport.ModeServoJ, Values: []float64{1}}))
	r.Step()
	r.Step()
	assert.InDelta(t, 0.75, r.Snapshot().Positions[0], 1e-12)
}

func TestRobot_SpeedJIntegrates(t *testing.T) {
	r, _ := connected(t, Config{Joints: 2, StartRunning: true, Period: 10 * time.Millisecond})
	require.NoError(t, r.SendCommand(transport.Command{Mode: transport.ModeSpeedJ, Values: []float64{1, -2}}))
	for i := 0; i < 10; i++ {
		r.Step()
	}
	assert.InDeltaSlice(t, []float64{0.1, -0.2}, r.Snapshot().Positions, 1e-9)
}

func TestRobot_PausedDoesNotMove(t *testing.T) {
	r, edges := connected(t, Config{Joints: 1, InitialPositions: []float64{0.5}})
	assert.Equal(t, []bool{false}, *edges)

	require.NoError(t, r.SendCommand(transport.Command{Mode: transport.ModeServoJ, Values: []float64{1}}))
	r.Step()
	assert.Equal(t, 0.5, r.Snapshot().Positions[0])

	r.Resume()
	r.Resume()
	r.Pause()
	assert.Equal(t, []bool{false, true, false}, *edges)
}

func TestRobot_Execute(t *testing.T) {
	r, edges := connected(t, Config{Joints: 1})
	ctx := context.Background()

	require.NoError(t, r.Execute(ctx, asynccmd.Request{Kind: asynccmd.DigitalOutput, Index: 17, Value: 1}))
	require.NoError(t, r.Execute(ctx, asynccmd.Request{Kind: asynccmd.DigitalOutput, Index: 0, Value: 1}))
	require.NoError(t, r.Execute(ctx, asynccmd.Request{Kind: asynccmd.DigitalOutput, Index: 0, Value: 0}))
	require.NoError(t, r.Execute(ctx, asynccmd.Request{Kind: asynccmd.AnalogOutput, Index: 1, Value: 0.4}))
	require.NoError(t, r.Execute(ctx, asynccmd.Request{Kind: asynccmd.SpeedSlider, Value: 0.25}))
	require.NoError(t, r.Execute(ctx, asynccmd.Request{Kind: asynccmd.Payload, Mass: 2, CenterOfGravity: [3]float64{0, 0, 0.05}}))
	require.NoError(t, r.Execute(ctx, asynccmd.Request{Kind: asynccmd.ResendProgram}))

	s := r.Snapshot()
	assert.Equal(t, uint32(1<<17), s.DigitalOutputs)
	assert.Equal(t, [2]float64{0, 0.4}, s.AnalogOutputs)
	assert.Equal(t, 0.25, s.SpeedFraction)
	assert.Equal(t, 2.0, s.Mass)
	assert.Equal(t, [3]float64{0, 0, 0.05}, s.CenterOfGravity)
	assert.True(t, s.Running)
	assert.Equal(t, []bool{false, true}, *edges)

	assert.Error(t, r.Execute(ctx, asynccmd.Request{Kind: asynccmd.DigitalOutput, Index: 18, Value: 1}))
	assert.Error(t, r.Execute(ctx, asynccmd.Request{Kind: asynccmd.AnalogOutput, Index: 2}))

	boom := errors.New("boom")
	r.SetFailure(asynccmd.SpeedSlider, boom)
	assert.ErrorIs(t, r.Execute(ctx, asynccmd.Request{Kind: asynccmd.SpeedSlider, Value: 1}), boom)
	r.SetFailure(asynccmd.SpeedSlider, nil)
	assert.NoError(t, r.Execute(ctx, asynccmd.Request{Kind: asynccmd.SpeedSlider, Value: 1}))
}

func TestRobot_NotConnected(t *testing.T) {
	r := New(Config{Joints: 1, Manual: true})
	assert.ErrorIs(t, r.SendCommand(transport.Command{}), transport.ErrNotConnected)
	assert.ErrorIs(t, r.Execute(context.Background(), asynccmd.Request{}), transport.ErrNotConnected)
	assert.NoError(t, r.Disconnect())
}

func TestRobot_PollWaitsOnClock(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	r, _ := connected(t, Config{Joints: 1, Clock: clock})
	_, err := r.PollTelemetry(0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := r.PollTelemetry(5 * time.Millisecond)
		done <- err
	}()

	clock.BlockUntil(1)
	clock.Advance(5 * time.Millisecond)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, transport.ErrNoFrame)
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not time out on the mock clock")
	}
}

func TestRobot_TickerDrivesSteps(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	r := New(Config{Joints: 1, Clock: clock, StartRunning: true, Period: time.Millisecond})
	require.NoError(t, r.Connect(context.Background(), nil))
	defer r.Disconnect()
	require.NoError(t, r.SendCommand(transport.Command{Mode: transport.ModeServoJ, Values: []float64{0.7}}))

	require.Eventually(t, func() bool {
		clock.Advance(time.Millisecond)
		return r.Snapshot().Positions[0] == 0.7
	}, 2*time.Second, time.Millisecond)
}

func TestRobot_SpeedSliderRange(t *testing.T) {
	r, _ := connected(t, Config{Joints: 1})
	ctx := context.Background()
	if err := r.Execute(ctx, asynccmd.Request{Kind: asynccmd.SpeedSlider, Value: 0.5}); err != nil {
		t.Fatalf("Execute(0.5) error = %v", err)
	}

	for _, v := range []float64{-0.1, 1.5} {
		if err := r.Execute(ctx, asynccmd.Request{Kind: asynccmd.SpeedSlider, Value: v}); err == nil {
			t.Errorf("Execute(%g) error = nil, want out of range", v)
		}
	}
	if got := r.Snapshot().SpeedFraction; got != 0.5 {
		t.Errorf("SpeedFraction = %g, want 0.5", got)
	}
}

func TestRobot_ReconnectStartsIdle(t *testing.T) {
	r, _ := connected(t, Config{Joints: 2, StartRunning: true})
	if err := r.SendCommand(transport.Command{Mode: transport.ModeServoJ, Values: []float64{1, 1}}); err != nil {
		t.Fatalf("SendCommand error = %v", err)
	}
	if err := r.Disconnect(); err != nil {
		t.Fatalf("Disconnect error = %v", err)
	}
	r.SetPositions([]float64{0.2, -0.4})
	if err := r.Connect(context.Background(), nil); err != nil {
		t.Fatalf("Connect error = %v", err)
	}

	f, err := r.PollTelemetry(0)
	if err != nil {
		t.Fatalf("PollTelemetry error = %v", err)
	}
	if f.JointPositions[0] != 0.2 || f.JointPositions[1] != -0.4 {
		t.Errorf("JointPositions = %v, want [0.2 -0.4]", f.JointPositions)
	}
	if got := r.Snapshot().LastCommand.Mode; got != transport.ModeIdle {
		t.Errorf("LastCommand.Mode = %v, want idle", got)
	}

	r.Step()
	if got := r.Snapshot().Positions; got[0] != 0.2 || got[1] != -0.4 {
		t.Errorf("Positions after Step = %v, want unchanged", got)
	}
}
