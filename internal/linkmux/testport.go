package linkmux

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
)

// TestablePort is an in-memory Porter for tests. Reads block until data is
// added or the port is closed; writes are captured.
type TestablePort struct {
	mu       sync.Mutex
	readCond *sync.Cond

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	// WriteError is returned by the next Write call if set.
	WriteError error
	// CloseError is returned by Close if set.
	CloseError error

	closed bool
	eof    bool

	// OnWrite, when set, is called with each written chunk after capture.
	OnWrite func(p []byte)
}

// NewTestablePort returns an empty port.
func NewTestablePort() *TestablePort {
	p := &TestablePort{}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

// Read returns buffered data, blocking while the buffer is empty.
func (p *TestablePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for !p.closed && !p.eof && p.readBuf.Len() == 0 {
		p.readCond.Wait()
	}
	if p.closed {
		return 0, errors.New("port closed")
	}
	if p.readBuf.Len() == 0 && p.eof {
		return 0, io.EOF
	}
	return p.readBuf.Read(b)
}

// Write captures b.
func (p *TestablePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("port closed")
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		p.mu.Unlock()
		return 0, err
	}
	n, err := p.writeBuf.Write(b)
	hook := p.OnWrite
	p.mu.Unlock()

	if hook != nil {
		hook(append([]byte(nil), b...))
	}
	return n, err
}

// Close marks the port closed and wakes blocked readers.
func (p *TestablePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readCond.Broadcast()
	return p.CloseError
}

// Closed reports whether Close was called.
func (p *TestablePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// AddReadData queues data for subsequent reads.
func (p *TestablePort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.Write(data)
	p.readCond.Broadcast()
}

// AddLine queues line plus a trailing newline.
func (p *TestablePort) AddLine(line string) {
	p.AddReadData([]byte(line + "\n"))
}

// EndOfStream makes reads return io.EOF once buffered data is consumed.
func (p *TestablePort) EndOfStream() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eof = true
	p.readCond.Broadcast()
}

// Written returns everything written so far.
func (p *TestablePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeBuf.String()
}

// WrittenLines returns the written data split into non-empty lines.
func (p *TestablePort) WrittenLines() []string {
	var out []string
	for _, l := range strings.Split(p.Written(), "\n") {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
