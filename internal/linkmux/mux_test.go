package linkmux

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

// localHostRequest creates an httptest request that appears to come from localhost.
// This bypasses tsweb.AllowDebugAccess which checks for loopback IPs.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func runMonitor(t *testing.T, m *Mux[*TestablePort]) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Monitor(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func recvLine(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case l, ok := <-ch:
		if !ok {
			t.Fatal("subscriber channel closed")
		}
		return l
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line")
	}
	return ""
}

func TestMux_FanOut(t *testing.T) {
	port := NewTestablePort()
	m := New(port)
	_, a := m.Subscribe(4)
	_, b := m.Subscribe(4)
	runMonitor(t, m)

	port.AddLine(`{"type":"program_state","running":true}`)

	for _, ch := range []<-chan string{a, b} {
		if got := recvLine(t, ch); got != `{"type":"program_state","running":true}` {
			t.Errorf("got %q", got)
		}
	}
}

func TestMux_Unsubscribe(t *testing.T) {
	m := New(NewTestablePort())
	id, ch := m.Subscribe(1)
	m.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	// Unknown IDs are ignored.
	m.Unsubscribe("missing")
}

func TestMux_SlowSubscriberDoesNotBlock(t *testing.T) {
	port := NewTestablePort()
	m := New(port)
	_, slow := m.Subscribe(1)
	_, fast := m.Subscribe(8)
	runMonitor(t, m)

	for _, l := range []string{"a", "b", "c"} {
		port.AddLine(l)
	}
	for _, want := range []string{"a", "b", "c"} {
		if got := recvLine(t, fast); got != want {
			t.Errorf("fast got %q, want %q", got, want)
		}
	}
	if got := recvLine(t, slow); got != "a" {
		t.Errorf("slow got %q, want a", got)
	}
}

func TestMux_SendLine(t *testing.T) {
	port := NewTestablePort()
	m := New(port)

	if err := m.SendLine([]byte(`{"type":"command"}`)); err != nil {
		t.Fatalf("SendLine: %v", err)
	}
	if err := m.SendLine([]byte("already\n")); err != nil {
		t.Fatalf("SendLine: %v", err)
	}
	if got := port.Written(); got != "{\"type\":\"command\"}\nalready\n" {
		t.Errorf("written = %q", got)
	}

	port.WriteError = errors.New("broken pipe")
	if err := m.SendLine([]byte("x")); err == nil || err.Error() != "broken pipe" {
		t.Errorf("SendLine error = %v", err)
	}
}

func TestMux_MonitorEOF(t *testing.T) {
	port := NewTestablePort()
	m := New(port)
	_, done := runMonitor(t, m)

	port.EndOfStream()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Monitor returned %v on EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return on EOF")
	}
}

func TestMux_CloseStopsMonitor(t *testing.T) {
	port := NewTestablePort()
	m := New(port)
	_, ch := m.Subscribe(1)
	_, done := runMonitor(t, m)

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !port.Closed() {
		t.Error("port not closed")
	}
	if _, ok := <-ch; ok {
		t.Error("subscriber channel should be closed")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Monitor returned %v after Close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after Close")
	}
	if err := m.SendLine([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("SendLine after Close = %v, want ErrClosed", err)
	}
}

func TestMux_CancelStopsMonitor(t *testing.T) {
	m := New(NewTestablePort())
	cancel, done := runMonitor(t, m)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
}

func TestAttachAdminRoutes_LinkSend(t *testing.T) {
	port := NewTestablePort()
	m := New(port)
	httpMux := http.NewServeMux()
	m.AttachAdminRoutes(httpMux)

	tests := []struct {
		name   string
		method string
		form   url.Values
		status int
	}{
		{"valid", http.MethodPost, url.Values{"line": {`{"type":"request"}`}}, http.StatusOK},
		{"empty", http.MethodPost, url.Values{"line": {"  "}}, http.StatusBadRequest},
		{"wrong method", http.MethodGet, nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := localHostRequest(tt.method, "/debug/link-send", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := httptest.NewRecorder()
			httpMux.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d (body %q)", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
	if got := port.Written(); got != "{\"type\":\"request\"}\n" {
		t.Errorf("written = %q", got)
	}
}

func TestAttachAdminRoutes_LinkTail(t *testing.T) {
	port := NewTestablePort()
	m := New(port)
	httpMux := http.NewServeMux()
	m.AttachAdminRoutes(httpMux)
	runMonitor(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	req := localHostRequest(http.MethodGet, "/debug/link-tail", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	served := make(chan struct{})
	go func() {
		httpMux.ServeHTTP(rec, req)
		close(served)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		m.subscriberMu.Lock()
		n := len(m.subscribers)
		m.subscriberMu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("tail handler never subscribed")
		}
		time.Sleep(time.Millisecond)
	}
	port.AddLine("hello")
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-served

	body := rec.Body.String()
	if !strings.Contains(body, "data: hello") {
		t.Errorf("body missing event: %q", body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
}
