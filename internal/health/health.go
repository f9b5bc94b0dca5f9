// Package health exposes the relay's liveness over the standard gRPC health
// checking protocol, so orchestrators can probe it with grpc_health_probe.
//
// The overall service ("") is SERVING while the process runs. The drone and
// detector services report whether a drone is connected and whether a
// detector model is loaded.
package health

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/aerosentinel/relay/internal/monitoring"
)

const (
	ServiceDrone    = "aerosentinel.relay.Drone"
	ServiceDetector = "aerosentinel.relay.Detector"
)

// Server is the gRPC health endpoint.
type Server struct {
	addr     string
	health   *health.Server
	server   *grpc.Server
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
}

// New returns a Server for addr with the drone and detector services down.
func New(addr string) *Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceDrone, healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceDetector, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Server{addr: addr, health: hs}
}

func status(up bool) healthpb.HealthCheckResponse_ServingStatus {
	if up {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// SetDrone records whether a drone is connected. It has the relay.DroneObserver
// signature.
func (s *Server) SetDrone(connected bool) {
	s.health.SetServingStatus(ServiceDrone, status(connected))
}

// SetDetector records whether a detector is loaded.
func (s *Server) SetDetector(loaded bool) {
	s.health.SetServingStatus(ServiceDetector, status(loaded))
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("health server already running")
	}

	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = lis
	s.server = grpc.NewServer()
	healthpb.RegisterHealthServer(s.server, s.health)
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		monitoring.Logf("[Health] gRPC health service listening on %s", lis.Addr())
		if err := s.server.Serve(lis); err != nil && s.running.Load() {
			monitoring.Logf("[Health] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop marks every service NOT_SERVING and stops the server.
func (s *Server) Stop() {
	if !s.running.Load() {
		return
	}
	s.running.Store(false)
	s.health.Shutdown()
	s.server.GracefulStop()
	s.wg.Wait()
	monitoring.Logf("[Health] gRPC health service stopped")
}
