// Package health reports telemetry freshness through the standard gRPC
// health service.
package health

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/motion.bridge/internal/monitoring"
)

var logf = monitoring.Tagged("Health")

// Service is the name telemetry health is reported under.
const Service = "motion.bridge.telemetry"

// DefaultStaleAfter is the number of consecutive reads without a frame
// before telemetry is considered stale.
const DefaultStaleAfter = 50

// Monitor tracks telemetry freshness. Observe is called from the cyclic
// thread; status changes are applied to the health server by Run.
type Monitor struct {
	staleAfter int
	misses     int
	healthy    atomic.Bool
	edges      chan bool

	srv *grpchealth.Server
}

// NewMonitor returns a monitor that reports NOT_SERVING until the first
// frame arrives. staleAfter <= 0 uses DefaultStaleAfter.
func NewMonitor(staleAfter int) *Monitor {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	m := &Monitor{
		staleAfter: staleAfter,
		edges:      make(chan bool, 1),
		srv:        grpchealth.NewServer(),
	}
	m.srv.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)
	return m
}

// Observe records whether the last read produced a frame. It never blocks.
func (m *Monitor) Observe(fresh bool) {
	if fresh {
		m.misses = 0
		if !m.healthy.Load() {
			m.healthy.Store(true)
			m.signal(true)
		}
		return
	}
	m.misses++
	if m.misses >= m.staleAfter && m.healthy.Load() {
		m.healthy.Store(false)
		m.signal(false)
	}
}

// signal replaces any status change Run has not applied yet.
func (m *Monitor) signal(healthy bool) {
	select {
	case <-m.edges:
	default:
	}
	select {
	case m.edges <- healthy:
	default:
	}
}

// Healthy reports whether telemetry is currently fresh.
func (m *Monitor) Healthy() bool { return m.healthy.Load() }

// HealthServer returns the gRPC health implementation fed by the monitor.
func (m *Monitor) HealthServer() *grpchealth.Server { return m.srv }

// Run applies status changes until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case healthy := <-m.edges:
			status := healthpb.HealthCheckResponse_NOT_SERVING
			if healthy {
				status = healthpb.HealthCheckResponse_SERVING
			} else {
				logf("telemetry stale after %d reads without a frame", m.staleAfter)
			}
			m.srv.SetServingStatus(Service, status)
		}
	}
}

// Server exposes a Monitor over gRPC.
type Server struct {
	listenAddr string
	monitor    *Monitor

	server   *grpc.Server
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
}

// NewServer returns a server for m that will listen on addr.
func NewServer(addr string, m *Monitor) *Server {
	return &Server{listenAddr: addr, monitor: m}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("health server already running")
	}
	lis, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = lis
	s.server = grpc.NewServer()
	healthpb.RegisterHealthServer(s.server, s.monitor.srv)
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logf("gRPC health listening on %s", lis.Addr())
		if err := s.server.Serve(lis); err != nil && s.running.Load() {
			logf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop marks every service NOT_SERVING and stops the server.
func (s *Server) Stop() {
	if !s.running.Load() {
		return
	}
	s.running.Store(false)
	s.monitor.srv.Shutdown()
	s.server.GracefulStop()
	s.wg.Wait()
	logf("gRPC health stopped")
}
