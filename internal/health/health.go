// Package health serves the gRPC health checking protocol for cqsim.
package health

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service the CQ consumer reports under
const ServiceName = "hwcq.CompletionQueue"

// Server is a gRPC server exposing only the health service
type Server struct {
	addr     string
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	mu       sync.Mutex
	wg       sync.WaitGroup
}

// NewServer creates a health server for addr. Every service starts NOT_SERVING.
func NewServer(addr string) *Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Server{
		addr:   addr,
		health: hs,
	}
}

// Start starts serving
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return nil
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	s.server = grpc.NewServer()
	healthpb.RegisterHealthServer(s.server, s.health)

	log.Info().Str("addr", listener.Addr().String()).Msg("Starting gRPC health server")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil {
			log.Error().Err(err).Msg("gRPC health server error")
		}
	}()
	return nil
}

// Addr returns the address the server listens on, or the configured one before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// SetServing reports the CQ consumer as serving or not
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Stop stops the server. Watchers are told the service is shutting down.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return
	}
	s.health.Shutdown()
	s.server.GracefulStop()
	s.wg.Wait()
	s.server = nil
	s.listener = nil
}

// Check connects to the health server at addr and returns the status of service
func Check(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(
		"dns:///"+addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	defer conn.Close()

	// Wait for connection to be ready
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			break
		}
		if !conn.WaitForStateChange(connCtx, state) {
			return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("connection to %s failed to become ready within timeout", addr)
		}
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check of %s failed: %w", addr, err)
	}
	return resp.GetStatus(), nil
}
