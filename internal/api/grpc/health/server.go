package health

import (
	"context"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	domain "github.com/oshokin/appliance-updater/internal/domain/update"
	"github.com/oshokin/appliance-updater/internal/logger"
	"github.com/oshokin/appliance-updater/internal/version"
)

// ServiceName is the health service name clients check.
const ServiceName = version.Name

// Source is the orchestrator surface the health status follows.
type Source interface {
	Subscribe() (<-chan domain.Snapshot, func())
	NeedsManualIntervention() bool
}

// Server keeps the health status in line with the orchestrator.
type Server struct {
	source Source
	health *grpchealth.Server
}

// NewServer creates a health server reporting SERVING until the source says otherwise.
func NewServer(source Source) *Server {
	s := &Server{
		source: source,
		health: grpchealth.NewServer(),
	}

	s.refresh(context.Background())

	return s
}

// Register installs the health service on a gRPC server.
func (s *Server) Register(registrar grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(registrar, s.health)
}

// Run follows status changes until ctx is done or the source stops publishing.
// Every service is reported NOT_SERVING on exit.
func (s *Server) Run(ctx context.Context) {
	ctx = logger.WithName(ctx, "grpc-health")

	snapshots, cancel := s.source.Subscribe()
	defer cancel()
	defer s.health.Shutdown()

	for {
		select {
		case _, ok := <-snapshots:
			if !ok {
				logger.Debug(ctx, "Status source closed")
				return
			}

			s.refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) refresh(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if s.source.NeedsManualIntervention() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		logger.WarnKV(ctx, "Reporting not serving, manual intervention required", "service", ServiceName)
	}

	s.health.SetServingStatus(ServiceName, status)
}
