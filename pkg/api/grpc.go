package api

import (
	"net"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService serves the standard gRPC health protocol. The overall
// status starts NOT_SERVING and flips to SERVING once SetServing is called.
type HealthService struct {
	server *grpc.Server
	health *health.Server
	logger zerolog.Logger
}

// NewHealthService creates the gRPC health service
func NewHealthService() *HealthService {
	hs := &HealthService{
		server: grpc.NewServer(grpc.UnaryInterceptor(MetricsInterceptor())),
		health: health.NewServer(),
		logger: log.WithComponent("grpc-health"),
	}
	hs.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(hs.server, hs.health)
	return hs
}

// SetServing marks burrow as ready or not
func (hs *HealthService) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	hs.health.SetServingStatus("", st)
	hs.logger.Info().Str("status", st.String()).Msg("Health status changed")
}

// Serve accepts connections on lis until Stop
func (hs *HealthService) Serve(lis net.Listener) error {
	hs.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health service listening")
	return hs.server.Serve(lis)
}

// Start listens on addr and serves
func (hs *HealthService) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return hs.Serve(lis)
}

// Stop marks the service NOT_SERVING and stops the server gracefully
func (hs *HealthService) Stop() {
	hs.health.Shutdown()
	hs.server.GracefulStop()
}
