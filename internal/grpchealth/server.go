// Package grpchealth exposes the gateway's readiness over the standard
// grpc.health.v1 protocol so orchestrators can probe it without HTTP.
package grpchealth

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// watchInterval is how often Watch re-evaluates readiness.
const watchInterval = 5 * time.Second

// Probe reports whether the gateway is ready to serve.
type Probe func(ctx context.Context) bool

// Server answers grpc.health.v1 Check and Watch calls from a Probe.
type Server struct {
	grpc_health_v1.UnimplementedHealthServer

	addr  string
	probe Probe
	srv   *grpc.Server
}

// New builds a health server listening on addr.
func New(addr string, probe Probe) *Server {
	s := &Server{
		addr:  addr,
		probe: probe,
		srv:   grpc.NewServer(),
	}
	grpc_health_v1.RegisterHealthServer(s.srv, s)
	return s
}

func (s *Server) status(ctx context.Context) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if s.probe(ctx) {
		return grpc_health_v1.HealthCheckResponse_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_NOT_SERVING
}

// Check implements grpc_health_v1.HealthServer.
func (s *Server) Check(ctx context.Context, _ *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	return &grpc_health_v1.HealthCheckResponse{Status: s.status(ctx)}, nil
}

// Watch implements grpc_health_v1.HealthServer. It sends the current
// status immediately, then only on change.
func (s *Server) Watch(_ *grpc_health_v1.HealthCheckRequest, stream grpc.ServerStreamingServer[grpc_health_v1.HealthCheckResponse]) error {
	ctx := stream.Context()
	last := s.status(ctx)
	if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: last}); err != nil {
		return err
	}

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			current := s.status(ctx)
			if current == last {
				continue
			}
			if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: current}); err != nil {
				return err
			}
			last = current
		}
	}
}

// Serve listens on the configured address until Stop is called.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.srv.Serve(lis)
}

// Stop drains in-flight RPCs and stops the server.
func (s *Server) Stop() {
	s.srv.GracefulStop()
}
