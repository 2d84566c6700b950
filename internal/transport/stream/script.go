package stream

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/motion.bridge/internal/config"
)

// Placeholders substituted into the controller program.
const (
	placeholderServerIP   = "{{SERVER_IP_REPLACE}}"
	placeholderServerPort = "{{SERVER_PORT_REPLACE}}"
	placeholderServoJ     = "{{SERVO_J_REPLACE}}"
	placeholderBegin      = "{{BEGIN_REPLACE}}"
)

// programRequest is the line a controller sends to the script sender.
const programRequest = "request_program"

// LoadScript reads the program template at path.
func LoadScript(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read script: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return "", fmt.Errorf("script %s is empty", path)
	}
	return string(data), nil
}

// RenderScript fills the placeholders in tmpl.
func RenderScript(tmpl, serverIP string, reversePort, gain int, lookahead float64, tool *config.ToolCommSetup) string {
	begin := ""
	if tool != nil {
		begin = fmt.Sprintf("set_tool_voltage(%d)\nset_tool_communication(True, %d, %d, %d, %d, %d)",
			tool.Voltage, tool.BaudRate, tool.Parity, tool.StopBits, tool.RxIdleChars, tool.TxIdleChars)
	}
	r := strings.NewReplacer(
		placeholderServerIP, serverIP,
		placeholderServerPort, strconv.Itoa(reversePort),
		placeholderServoJ, fmt.Sprintf("lookahead_time=%g, gain=%d", lookahead, gain),
		placeholderBegin, begin,
	)
	return r.Replace(tmpl)
}

// localIPFor returns the local address the host would use to reach robotIP.
// Dialing UDP sends no packets.
func localIPFor(robotIP string, port int) (string, error) {
	conn, err := net.Dial("udp", net.JoinHostPort(robotIP, strconv.Itoa(port)))
	if err != nil {
		return "", err
	}
	defer conn.Close()
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	return host, err
}

// scriptSender serves the rendered program to controllers that ask for it.
type scriptSender struct {
	ln     net.Listener
	script string
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]bool
}

func startScriptSender(addr, script string) (*scriptSender, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("script sender listen on %s: %w", addr, err)
	}
	s := &scriptSender{ln: ln, script: script, conns: make(map[net.Conn]bool)}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

func (s *scriptSender) Addr() net.Addr { return s.ln.Addr() }

func (s *scriptSender) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = true
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

func (s *scriptSender) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	scan := bufio.NewScanner(conn)
	for scan.Scan() {
		if strings.TrimSpace(scan.Text()) != programRequest {
			continue
		}
		if _, err := conn.Write([]byte(s.script)); err != nil {
			logf("script sender: write to %s failed: %v", conn.RemoteAddr(), err)
			return
		}
		logf("sent program to %s", conn.RemoteAddr())
		return
	}
}

func (s *scriptSender) Close() error {
	err := s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

// pushScript sends the program to the controller's primary interface, as
// used in headless mode.
func pushScript(ctx context.Context, dial DialFunc, addr, script string) error {
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to primary interface %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if !strings.HasSuffix(script, "\n") {
		script += "\n"
	}
	if _, err := conn.Write([]byte(script)); err != nil {
		return fmt.Errorf("push program to %s: %w", addr, err)
	}
	return nil
}
