// Package healthsvc exposes a Broker Session's HealthCheck over the
// standard gRPC health protocol, so a deployment's orchestrator or a peer
// reached through discovery.PeerConnection can probe whether a
// microservice's AMQP connection is actually alive, not just whether its
// process is running.
package healthsvc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/legendaryum-metaverse/legend-saga-go/broker"
)

// Server implements grpc_health_v1.HealthServer by delegating every check
// to a Broker Session's own connection/channel state, instead of the
// static status map grpc/health.Server tracks internally.
type Server struct {
	grpc_health_v1.UnimplementedHealthServer

	session *broker.Session
	timeout time.Duration
	logger  *slog.Logger
}

// NewServer builds a health server that bounds each probe to timeout.
func NewServer(session *broker.Session, timeout time.Duration, logger *slog.Logger) *Server {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{session: session, timeout: timeout, logger: logger}
}

// Register installs the health service on grpcServer.
func Register(grpcServer *grpc.Server, session *broker.Session, timeout time.Duration, logger *slog.Logger) {
	grpc_health_v1.RegisterHealthServer(grpcServer, NewServer(session, timeout, logger))
}

// Check reports SERVING when the connection and both role channels are up,
// NOT_SERVING otherwise. It never errors on an ordinary health failure, per
// the grpc_health_v1 contract.
func (s *Server) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if err := s.session.HealthCheck(ctx, s.timeout); err != nil {
		s.logger.Warn("health probe failed", slog.Any("error", err))
		return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}, nil
}

// Watch polls the Broker Session every interval and streams the resulting
// status until the client disconnects or stream.Context() is cancelled.
func (s *Server) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	const interval = 5 * time.Second

	send := func() error {
		resp, err := s.Check(stream.Context(), req)
		if err != nil {
			return err
		}
		return stream.Send(resp)
	}

	if err := send(); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case <-ticker.C:
			if err := send(); err != nil {
				return err
			}
		}
	}
}
