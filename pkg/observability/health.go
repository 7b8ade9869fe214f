package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Check probes one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

const checkTimeout = 2 * time.Second

// runChecks returns the failure message of each failing check.
func runChecks(ctx context.Context, checks map[string]Check) map[string]string {
	failed := make(map[string]string)
	for name, check := range checks {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := check(cctx)
		cancel()
		if err != nil {
			failed[name] = err.Error()
		}
	}
	return failed
}

// MetricsRouter exposes Prometheus metrics and a health endpoint that runs
// checks on every call.
func MetricsRouter(checks map[string]Check) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		failed := runChecks(req.Context(), checks)
		status := http.StatusOK
		body := map[string]any{"status": "ok"}
		if len(failed) > 0 {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "unavailable", "failed": failed}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// HealthServer reports the same checks over the standard gRPC health
// protocol, both for the named service and the empty (server-wide) name.
type HealthServer struct {
	*health.Server
	service string
	checks  map[string]Check
	logger  *zap.Logger
}

// NewHealthServer builds a health server that starts out NOT_SERVING until
// the first Refresh.
func NewHealthServer(service string, checks map[string]Check, logger *zap.Logger) *HealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	hs := &HealthServer{Server: health.NewServer(), service: service, checks: checks, logger: logger}
	hs.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return hs
}

// Refresh runs the checks once and publishes the result.
func (h *HealthServer) Refresh(ctx context.Context) {
	failed := runChecks(ctx, h.checks)
	if len(failed) == 0 {
		h.set(healthpb.HealthCheckResponse_SERVING)
		return
	}
	names := make([]string, 0, len(failed))
	for name := range failed {
		names = append(names, name)
	}
	sort.Strings(names)
	h.logger.Warn("health check failed", zap.Strings("checks", names))
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
}

// Watch refreshes every interval until ctx is done, then marks the server
// NOT_SERVING for good.
func (h *HealthServer) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		h.Refresh(ctx)
		select {
		case <-ctx.Done():
			h.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

func (h *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.SetServingStatus("", status)
	h.SetServingStatus(h.service, status)
}
