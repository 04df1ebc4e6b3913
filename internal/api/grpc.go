package api

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"

	"github.com/zde37/corduroy/pkg"
)

// NodeService is the health service name reported for the ring node.
const NodeService = "corduroy.Node"

// GRPCServer is the gRPC admin surface: health checking and reflection.
type GRPCServer struct {
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	logger   *pkg.Logger
}

// NewGRPCServer creates the admin server. When authToken is set, every call
// except health checks, reflection included, must carry it in the
// x-auth-token metadata.
func NewGRPCServer(authToken string, logger *pkg.Logger) (*GRPCServer, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	s := &GRPCServer{
		health: health.NewServer(),
		logger: logger.WithFields(pkg.Fields{"component": "grpc_server"}),
	}

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(4 * 1024 * 1024), // 4MB
		grpc.MaxSendMsgSize(4 * 1024 * 1024), // 4MB
		grpc.ChainUnaryInterceptor(
			LoggingInterceptor(s.logger),
			AuthInterceptor(authToken),
		),
		grpc.ChainStreamInterceptor(
			StreamLoggingInterceptor(s.logger),
			StreamAuthInterceptor(authToken),
		),
	}

	s.server = grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server) // self-documentation for the server

	s.SetServing(true)
	return s, nil
}

// Start binds addr and serves in the background.
func (s *GRPCServer) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting gRPC server")

	go func() {
		if err := s.server.Serve(listener); err != nil {
			s.logger.Error().Err(err).Msg("gRPC server error")
		}
	}()

	return nil
}

// Addr returns the bound address once started.
func (s *GRPCServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// SetServing reports the node as serving or not serving.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(NodeService, st)
}

// Stop marks the server as not serving and gracefully stops it.
func (s *GRPCServer) Stop() error {
	s.logger.Info().Msg("Stopping gRPC server")

	s.health.Shutdown()
	s.server.GracefulStop()
	return nil
}

// CheckHealth asks the admin server at addr for the status of service.
func CheckHealth(ctx context.Context, addr, service, authToken string, timeout time.Duration) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	defer conn.Close()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if authToken != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, AuthTokenHeader, authToken)
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check %s: %w", addr, err)
	}
	return resp.GetStatus(), nil
}
