// Package linkmux multiplexes a line-oriented link (a TCP connection or a
// serial device) so several readers can subscribe to incoming lines while
// writers share one outgoing stream.
package linkmux

import (
	"bufio"
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"tailscale.com/tsweb"
)

// ErrWriteFailed is returned when the port accepts fewer bytes than written.
var ErrWriteFailed = errors.New("short write to link")

// ErrClosed is returned by SendLine after Close.
var ErrClosed = errors.New("link closed")

// MaxLineSize bounds a single incoming line.
const MaxLineSize = 1 << 20

// Porter is the minimal port the mux needs.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// Mux fans lines read from a port out to subscribers.
type Mux[T Porter] struct {
	port T

	subscriberMu sync.Mutex
	subscribers  map[string]chan string

	writeMu sync.Mutex

	closingMu sync.Mutex
	closing   bool
}

// New wraps port.
func New[T Porter](port T) *Mux[T] {
	return &Mux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns a channel receiving every line read after the call.
// Lines are dropped for a subscriber whose buffer is full.
func (m *Mux[T]) Subscribe(buffer int) (string, <-chan string) {
	id := randomID()
	ch := make(chan string, buffer)
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	m.subscribers[id] = ch
	return id, ch
}

// Unsubscribe closes and removes a subscriber.
func (m *Mux[T]) Unsubscribe(id string) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

// SendLine writes line followed by a newline.
func (m *Mux[T]) SendLine(line []byte) error {
	m.closingMu.Lock()
	closing := m.closing
	m.closingMu.Unlock()
	if closing {
		return ErrClosed
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if !bytes.HasSuffix(line, []byte("\n")) {
		line = append(line[:len(line):len(line)], '\n')
	}
	n, err := m.port.Write(line)
	if err != nil {
		return err
	}
	if n != len(line) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads lines until ctx is done, the port reaches EOF, or the mux is
// closed. It returns nil on EOF and on Close.
func (m *Mux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(m.port)
	scan.Buffer(make([]byte, 0, 64*1024), MaxLineSize)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// the blocking scan.Scan runs in its own goroutine so the loop below can
	// still observe ctx.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			if m.isClosing() {
				return nil
			}
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					if !m.isClosing() {
						return err
					}
				default:
				}
				return nil
			}
			if m.isClosing() {
				return nil
			}

			m.subscriberMu.Lock()
			for _, ch := range m.subscribers {
				select {
				case ch <- line:
				default:
				}
			}
			m.subscriberMu.Unlock()
		}
	}
}

func (m *Mux[T]) isClosing() bool {
	m.closingMu.Lock()
	defer m.closingMu.Unlock()
	return m.closing
}

// Close closes every subscriber channel and the port. It is safe to call
// more than once.
func (m *Mux[T]) Close() error {
	m.closingMu.Lock()
	if m.closing {
		m.closingMu.Unlock()
		return nil
	}
	m.closing = true
	m.closingMu.Unlock()

	m.subscriberMu.Lock()
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
	m.subscriberMu.Unlock()
	return m.port.Close()
}

// AttachAdminRoutes mounts link debugging endpoints under /debug/. They are
// only reachable from localhost or over Tailscale.
func (m *Mux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	// API endpoint to write a raw line to the link
	debug.HandleSilentFunc("link-send", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		line := strings.TrimSpace(r.FormValue("line"))
		if line == "" {
			http.Error(w, "Missing line", http.StatusBadRequest)
			return
		}
		if err := m.SendLine([]byte(line)); err != nil {
			http.Error(w, "Failed to write line", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Wrote %q to link", line)
	})

	// Server-Sent Events stream of incoming lines.
	debug.HandleFunc("link-tail", "live tail of lines received from the robot link", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := m.Subscribe(64)
		defer m.Unsubscribe(id)

		io.WriteString(w, ": ping\n\n")
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
