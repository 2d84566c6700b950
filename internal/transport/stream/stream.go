// Package stream implements the robot transport over a newline-delimited
// JSON link. The controller program connects back to the bridge on the
// reverse port (or the link runs over a serial device), streams telemetry
// and acknowledges supervisory requests.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/motion.bridge/internal/asynccmd"
	"github.com/banshee-data/motion.bridge/internal/config"
	"github.com/banshee-data/motion.bridge/internal/httputil"
	"github.com/banshee-data/motion.bridge/internal/linkmux"
	"github.com/banshee-data/motion.bridge/internal/monitoring"
	"github.com/banshee-data/motion.bridge/internal/timeutil"
	"github.com/banshee-data/motion.bridge/internal/transport"
)

var logf = monitoring.Tagged("Link")

const lineBuffer = 256

// DialFunc opens an outgoing connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// OpenFunc establishes the robot link.
type OpenFunc func(ctx context.Context) (linkmux.Porter, error)

// Config configures a stream transport.
type Config struct {
	RobotIP      string
	ReversePort  int
	PrimaryPort  int
	HeadlessMode bool
	// ScriptSenderPort is where the program is served. Zero picks a free
	// port; negative disables the sender.
	ScriptSenderPort int
	// ListenHost is the local address listeners bind to. Empty means all.
	ListenHost string
	// ServerIP is substituted into the program as the address to connect
	// back to. Empty derives it from the route to RobotIP.
	ServerIP string

	ServojGain          int
	ServojLookaheadTime float64
	ToolComm            *config.ToolCommSetup
	CalibrationChecksum string

	OutputRecipe []string
	InputRecipe  []string
	// Script is the program template.
	Script string

	// SerialDevice, when set, carries the link over a serial port.
	SerialDevice string
	Serial       linkmux.PortOptions

	Clock timeutil.Clock
	// Open overrides how the link is established.
	Open OpenFunc
	// Dial is used to push the program in headless mode.
	Dial DialFunc
}

// ConfigFromParams builds a Config from activation parameters, loading the
// recipe and script files they name.
func ConfigFromParams(p *config.Params) (Config, error) {
	out, err := config.LoadRecipe(p.OutputRecipeFilename)
	if err != nil {
		return Config{}, fmt.Errorf("output recipe: %w", err)
	}
	in, err := config.LoadRecipe(p.InputRecipeFilename)
	if err != nil {
		return Config{}, fmt.Errorf("input recipe: %w", err)
	}
	script, err := LoadScript(p.ScriptFilename)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		RobotIP:             p.RobotIP,
		ReversePort:         p.ReversePort,
		PrimaryPort:         p.PrimaryPort,
		HeadlessMode:        p.HeadlessMode,
		ScriptSenderPort:    p.ScriptSenderPort,
		ServojGain:          p.ServojGain,
		ServojLookaheadTime: p.ServojLookaheadTime,
		ToolComm:            p.ToolComm,
		CalibrationChecksum: p.CalibrationChecksum,
		OutputRecipe:        out,
		InputRecipe:         in,
		Script:              script,
	}
	if p.Transport == config.TransportSerial {
		cfg.SerialDevice = p.SerialDevice
		cfg.Serial = p.Serial
	}
	return cfg, nil
}

// link is the state of one connection.
type link struct {
	mux    *linkmux.Mux[linkmux.Porter]
	admin  *http.ServeMux
	sender *scriptSender
	cancel context.CancelFunc
	lost   chan struct{}
	wg     sync.WaitGroup
}

// Transport implements transport.Transport over a JSON line link.
type Transport struct {
	cfg Config

	mu     sync.Mutex // serialises Connect and Disconnect
	link   atomic.Pointer[link]
	script string

	frames   chan *transport.Frame
	commands chan transport.Command
	lastSent atomic.Int64

	pendingMu sync.Mutex
	pending   map[string]chan ackMsg
}

var _ transport.Transport = (*Transport)(nil)

// New returns a disconnected transport.
func New(cfg Config) *Transport {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Dial == nil {
		var d net.Dialer
		cfg.Dial = d.DialContext
	}
	if cfg.PrimaryPort == 0 {
		cfg.PrimaryPort = config.DefaultPrimaryPort
	}
	return &Transport{
		cfg:      cfg,
		frames:   make(chan *transport.Frame, 1),
		commands: make(chan transport.Command, 1),
		pending:  make(map[string]chan ackMsg),
	}
}

// Connect serves the program, waits for the controller to open the link,
// and sends the setup message.
func (t *Transport) Connect(ctx context.Context, handler transport.ProgramStateHandler) (err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.link.Load() != nil {
		return errors.New("stream: already connected")
	}
	t.dropQueued()

	serverIP := t.cfg.ServerIP
	if serverIP == "" {
		if serverIP, err = localIPFor(t.cfg.RobotIP, t.cfg.PrimaryPort); err != nil {
			return fmt.Errorf("resolve local address for %s: %w", t.cfg.RobotIP, err)
		}
	}
	t.script = RenderScript(t.cfg.Script, serverIP, t.cfg.ReversePort, t.cfg.ServojGain, t.cfg.ServojLookaheadTime, t.cfg.ToolComm)

	l := &link{lost: make(chan struct{})}
	defer func() {
		if err != nil && l.sender != nil {
			l.sender.Close()
		}
	}()

	if t.cfg.ScriptSenderPort >= 0 {
		addr := net.JoinHostPort(t.cfg.ListenHost, strconv.Itoa(t.cfg.ScriptSenderPort))
		if l.sender, err = startScriptSender(addr, t.script); err != nil {
			return err
		}
	}

	if t.cfg.HeadlessMode {
		if err = pushScript(ctx, t.cfg.Dial, t.primaryAddr(), t.script); err != nil {
			return err
		}
	}

	port, err := t.open(ctx)
	if err != nil {
		return err
	}
	l.mux = linkmux.New[linkmux.Porter](port)
	l.admin = http.NewServeMux()
	l.mux.AttachAdminRoutes(l.admin)
	_, lines := l.mux.Subscribe(lineBuffer)

	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	l.wg.Add(3)
	go func() {
		defer l.wg.Done()
		defer close(l.lost)
		if err := l.mux.Monitor(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logf("link read failed: %v", err)
			return
		}
		if runCtx.Err() == nil {
			logf("robot closed the link")
		}
	}()
	go func() {
		defer l.wg.Done()
		t.dispatch(runCtx, lines, handler)
	}()
	go func() {
		defer l.wg.Done()
		t.writer(runCtx, l)
	}()

	setup, _ := json.Marshal(setupMsg{
		Type:                msgSetup,
		OutputRecipe:        t.cfg.OutputRecipe,
		InputRecipe:         t.cfg.InputRecipe,
		ServojGain:          t.cfg.ServojGain,
		ServojLookaheadTime: t.cfg.ServojLookaheadTime,
		ToolCommunication:   t.cfg.ToolComm,
		CalibrationChecksum: t.cfg.CalibrationChecksum,
	})
	if err = l.mux.SendLine(setup); err != nil {
		cancel()
		l.mux.Close()
		l.wg.Wait()
		return fmt.Errorf("send setup: %w", err)
	}

	t.link.Store(l)
	logf("connected (headless=%v, %d output fields)", t.cfg.HeadlessMode, len(t.cfg.OutputRecipe))
	return nil
}

func (t *Transport) primaryAddr() string {
	return net.JoinHostPort(t.cfg.RobotIP, strconv.Itoa(t.cfg.PrimaryPort))
}

func (t *Transport) open(ctx context.Context) (linkmux.Porter, error) {
	switch {
	case t.cfg.Open != nil:
		return t.cfg.Open(ctx)
	case t.cfg.SerialDevice != "":
		return linkmux.OpenSerialPort(t.cfg.SerialDevice, t.cfg.Serial)
	default:
		return acceptReverse(ctx, net.JoinHostPort(t.cfg.ListenHost, strconv.Itoa(t.cfg.ReversePort)))
	}
}

// acceptReverse waits for the controller to connect to addr.
func acceptReverse(ctx context.Context, addr string) (net.Conn, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("reverse listen on %s: %w", addr, err)
	}
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	logf("waiting for robot on %s", ln.Addr())
	conn, err := ln.Accept()
	ln.Close()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("waiting for robot: %w", ctx.Err())
		}
		return nil, fmt.Errorf("reverse accept: %w", err)
	}
	return conn, nil
}

func (t *Transport) dispatch(ctx context.Context, lines <-chan string, handler transport.ProgramStateHandler) {
	var last *transport.Frame
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			last = t.handleLine([]byte(line), last, handler)
		}
	}
}

func (t *Transport) handleLine(line []byte, last *transport.Frame, handler transport.ProgramStateHandler) *transport.Frame {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		logf("discarding malformed line: %v", err)
		return last
	}

	switch env.Type {
	case msgData:
		// Fields absent from the recipe keep their previous values.
		f := &transport.Frame{}
		if last != nil {
			f = last.Clone()
		}
		if err := json.Unmarshal(line, f); err != nil {
			logf("discarding malformed data: %v", err)
			return last
		}
		t.publish(f)
		return f

	case msgProgramState:
		var msg programStateMsg
		if err := json.Unmarshal(line, &msg); err != nil {
			logf("discarding malformed program state: %v", err)
			return last
		}
		if handler != nil {
			handler(msg.Running)
		}

	case msgAck:
		var msg ackMsg
		if err := json.Unmarshal(line, &msg); err != nil {
			logf("discarding malformed ack: %v", err)
			return last
		}
		t.pendingMu.Lock()
		ch, ok := t.pending[msg.ID]
		t.pendingMu.Unlock()
		if !ok {
			logf("ack for unknown request %s", msg.ID)
			return last
		}
		select {
		case ch <- msg:
		default:
		}

	default:
		logf("ignoring message type %q", env.Type)
	}
	return last
}

// publish replaces any unread frame with f.
func (t *Transport) publish(f *transport.Frame) {
	select {
	case t.frames <- f:
		return
	default:
	}
	select {
	case <-t.frames:
	default:
	}
	select {
	case t.frames <- f:
	default:
	}
}

func (t *Transport) writer(ctx context.Context, l *link) {
	failing := false
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-t.commands:
			data, err := encodeCommand(cmd)
			if err == nil {
				err = l.mux.SendLine(data)
			}
			if err != nil {
				if !failing {
					logf("command write failed: %v", err)
				}
				failing = true
				continue
			}
			failing = false
			t.lastSent.Store(t.cfg.Clock.Now().UnixNano())
		}
	}
}

// SendCommand queues cmd for the writer, replacing any command it has not
// picked up yet.
func (t *Transport) SendCommand(cmd transport.Command) error {
	l := t.link.Load()
	if l == nil {
		return transport.ErrNotConnected
	}
	select {
	case <-l.lost:
		return transport.ErrNotConnected
	default:
	}

	cmd.Values = append([]float64(nil), cmd.Values...)
	select {
	case t.commands <- cmd:
		return nil
	default:
	}
	select {
	case <-t.commands:
	default:
	}
	select {
	case t.commands <- cmd:
	default:
	}
	return nil
}

// PollTelemetry returns the newest unread frame, waiting at most timeout.
func (t *Transport) PollTelemetry(timeout time.Duration) (*transport.Frame, error) {
	select {
	case f := <-t.frames:
		return f, nil
	default:
	}
	if timeout <= 0 {
		return nil, transport.ErrNoFrame
	}
	timer := t.cfg.Clock.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-t.frames:
		return f, nil
	case <-timer.C():
		return nil, transport.ErrNoFrame
	}
}

// Execute sends a supervisory request and waits for its acknowledgement.
// A program resend pushes the program again and needs headless mode.
func (t *Transport) Execute(ctx context.Context, req asynccmd.Request) error {
	if req.Kind == asynccmd.ResendProgram {
		if !t.cfg.HeadlessMode {
			return fmt.Errorf("resend program requires headless mode: %w", transport.ErrUnsupported)
		}
		return pushScript(ctx, t.cfg.Dial, t.primaryAddr(), t.script)
	}

	l := t.link.Load()
	if l == nil {
		return transport.ErrNotConnected
	}
	data, err := encodeRequest(req)
	if err != nil {
		return err
	}

	id := req.ID.String()
	ch := make(chan ackMsg, 1)
	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := l.mux.SendLine(data); err != nil {
		return fmt.Errorf("send %s: %w", req, err)
	}

	select {
	case ack := <-ch:
		if !ack.OK {
			return fmt.Errorf("%s rejected: %s", req, ack.Error)
		}
		return nil
	case <-l.lost:
		return transport.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the link and stops the script sender.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.link.Swap(nil)
	if l == nil {
		return nil
	}
	l.cancel()
	err := l.mux.Close()
	if l.sender != nil {
		l.sender.Close()
	}
	l.wg.Wait()

	// Drop anything queued for or received from the old link.
	t.dropQueued()
	logf("disconnected")
	return err
}

func (t *Transport) dropQueued() {
	select {
	case <-t.commands:
	default:
	}
	select {
	case <-t.frames:
	default:
	}
}

// LastCommandAt reports when the writer last delivered a command.
func (t *Transport) LastCommandAt() time.Time {
	ns := t.lastSent.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// ScriptSenderAddr returns the address the program is served on, or nil.
func (t *Transport) ScriptSenderAddr() net.Addr {
	l := t.link.Load()
	if l == nil || l.sender == nil {
		return nil
	}
	return l.sender.Addr()
}

// Script returns the rendered program.
func (t *Transport) Script() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.script
}

// AttachAdminRoutes mounts the link's debug routes on mux. Requests are
// forwarded to whichever link is current.
func (t *Transport) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	forward := func(w http.ResponseWriter, r *http.Request) {
		l := t.link.Load()
		if l == nil {
			httputil.WriteJSONError(w, http.StatusServiceUnavailable, "Robot link not connected")
			return
		}
		l.admin.ServeHTTP(w, r)
	}
	debug.HandleSilentFunc("link-send", forward)
	debug.HandleFunc("link-tail", "live tail of lines received from the robot link", forward)
}
