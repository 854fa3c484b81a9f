package status

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/oshokin/app-launcher/internal/domain/release"
	"github.com/oshokin/app-launcher/internal/service/common"
	"github.com/oshokin/app-launcher/internal/service/updater"
)

// ServiceName is the health service name reporting update progress.
const ServiceName = common.StatusServiceName

// Reporter turns orchestrator events into health statuses.
type Reporter struct {
	// health is the standard health service implementation.
	health *health.Server
}

// NewReporter creates a reporter that starts out SERVING in the IDLE phase.
func NewReporter() *Reporter {
	r := &Reporter{
		health: health.NewServer(),
	}

	r.health.SetServingStatus(ServiceName, healthgrpc.HealthCheckResponse_SERVING)

	return r
}

// Register attaches the health service to a gRPC server.
func (r *Reporter) Register(server grpc.ServiceRegistrar) {
	healthgrpc.RegisterHealthServer(server, r.health)
}

// Observe is an updater.Observer.
func (r *Reporter) Observe(event updater.Event) {
	r.health.SetServingStatus(ServiceName, ServingStatus(event.Phase))
}

// Shutdown marks every service NOT_SERVING and ignores later updates.
func (r *Reporter) Shutdown() {
	r.health.Shutdown()
}

// ServingStatus maps a phase to the reported health status.
func ServingStatus(phase release.Phase) healthgrpc.HealthCheckResponse_ServingStatus {
	switch {
	case phase.Busy(), phase == release.PhaseFailed:
		return healthgrpc.HealthCheckResponse_NOT_SERVING
	case phase == release.PhaseIdle, phase == release.PhaseChecking, phase.Terminal():
		return healthgrpc.HealthCheckResponse_SERVING
	default:
		return healthgrpc.HealthCheckResponse_UNKNOWN
	}
}
