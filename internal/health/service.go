package health

import (
	"context"
	"sync"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	grpc   *grpchealth.Server

	mu     sync.RWMutex
	checks map[string]Check
}

func NewService(parent context.Context) *Service {
	ctx, cancel := context.WithCancel(parent)
	srv := grpchealth.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return &Service{
		ctx:    ctx,
		cancel: cancel,
		grpc:   srv,
		checks: make(map[string]Check),
	}
}

// AddCheck registers a named readiness check.
func (s *Service) AddCheck(name string, check Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// Shutdown flips both the HTTP and gRPC health endpoints to not serving.
func (s *Service) Shutdown() {
	s.cancel()
	s.grpc.Shutdown()
}

func (s *Service) IsShuttingDown() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

// Context returns the service context for use in operations
func (s *Service) Context() context.Context {
	return s.ctx
}

// GRPC is the grpc.health.v1 implementation backed by this service.
func (s *Service) GRPC() healthpb.HealthServer {
	return s.grpc
}

// Run executes every registered check. The result maps check name to "ok" or
// the error text.
func (s *Service) Run(ctx context.Context) (map[string]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.checks))
	healthy := true
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			out[name] = err.Error()
			healthy = false
			continue
		}
		out[name] = "ok"
	}
	return out, healthy
}
