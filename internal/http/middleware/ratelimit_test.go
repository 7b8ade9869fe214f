package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/guidebook/internal/auth"
)

func newLimiter(t *testing.T, read, write RateConfig) (*RateLimiter, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC)
	l := NewRateLimiter(client, read, write, nil)
	l.now = func() time.Time { return now }
	return l, &now
}

func serve(h http.Handler, method, subject string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/v1/bookings", nil)
	if subject != "" {
		req = req.WithContext(auth.WithPrincipal(req.Context(), auth.Principal{Role: auth.RoleMember, Subject: subject}))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterPerSubjectBuckets(t *testing.T) {
	l, now := newLimiter(t, RateConfig{Rate: 100, Burst: 100}, RateConfig{Rate: 1, Burst: 2})
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	require.Equal(t, http.StatusNoContent, serve(h, http.MethodPost, "member-1").Code)
	require.Equal(t, http.StatusNoContent, serve(h, http.MethodPost, "member-1").Code)

	rec := serve(h, http.MethodPost, "member-1")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))

	require.Equal(t, http.StatusNoContent, serve(h, http.MethodPost, "member-2").Code)
	require.Equal(t, http.StatusNoContent, serve(h, http.MethodGet, "member-1").Code)

	*now = now.Add(time.Second)
	require.Equal(t, http.StatusNoContent, serve(h, http.MethodPost, "member-1").Code)
}

func TestRateLimiterDisabled(t *testing.T) {
	var nilLimiter *RateLimiter
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	require.Equal(t, http.StatusNoContent, serve(nilLimiter.Middleware(next), http.MethodPost, "").Code)
	require.Nil(t, NewRateLimiter(nil, RateConfig{}, RateConfig{}, nil))
}

func TestCallerKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	require.Equal(t, "ip:10.0.0.7", callerKey(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, "ip:203.0.113.9", callerKey(req))

	req = req.WithContext(auth.WithPrincipal(req.Context(), auth.Principal{Subject: "abc"}))
	require.Equal(t, "sub:abc", callerKey(req))
}
