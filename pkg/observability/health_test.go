package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func TestMetricsRouterHealth(t *testing.T) {
	var failing bool
	router := MetricsRouter(map[string]Check{
		"postgres": func(context.Context) error {
			if failing {
				return errors.New("connection refused")
			}
			return nil
		},
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	failing = true
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}

func TestHealthServerOverGRPC(t *testing.T) {
	ctx := context.Background()
	var failing bool
	hs := NewHealthServer("booking", map[string]Check{
		"redis": func(context.Context) error {
			if failing {
				return errors.New("no route")
			}
			return nil
		},
	}, nil)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs.Server)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	client := healthpb.NewHealthClient(conn)

	status := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.Status
	}

	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status("booking"))
	hs.Refresh(ctx)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, status("booking"))
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, status(""))

	failing = true
	hs.Refresh(ctx)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status("booking"))
}
