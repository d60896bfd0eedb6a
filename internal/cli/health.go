package cli

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthServer exposes the standard gRPC health service. It reports
// NOT_SERVING until the controller has started and again while stopping.
type healthServer struct {
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener
	done   chan struct{}
}

func startHealthServer(port int) (*healthServer, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
	}

	s := &healthServer{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		lis:    lis,
		done:   make(chan struct{}),
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.grpc, s.health)

	go func() {
		defer close(s.done)
		if err := s.grpc.Serve(lis); err != nil {
			slog.Error("gRPC health server failed", "error", err)
		}
	}()
	return s, nil
}

func (s *healthServer) Addr() string {
	return s.lis.Addr().String()
}

func (s *healthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

func (s *healthServer) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	<-s.done
}
